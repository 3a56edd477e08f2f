// Package resolver implements the shared DNS resolver handle (spec §3,
// §5): a single object, constructed once at startup and handed to every
// worker, that the SOCKS Channel uses to turn a hostname into an ordered
// list of candidate endpoints for the connect cascade.
//
// It is a thin wrapper around miekg/dns rather than net.Resolver so the
// connect cascade can see both the A and AAAA answers as one ordered
// list, and so the upstream servers (from /etc/resolv.conf) and the query
// timeout (a fixed 5 seconds) are set here rather than by the Go
// runtime's resolver. Neither is configurable by callers.
package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Resolver queries the system's configured nameservers (/etc/resolv.conf)
// for both A and AAAA records and merges them into one ordered candidate
// list, IPv4 first. It is safe for concurrent use by many sessions across
// many workers: the shared state is the immutable server list, a
// dns.Client, which is itself safe for concurrent Exchange calls, and the
// mutex-guarded round-robin cursor that picks one server per Resolve.
type Resolver struct {
	client  *dns.Client
	servers []string
	mu      sync.Mutex // guards round-robin cursor only
	next    int
}

// New builds a Resolver from the system's resolv.conf. If that file can't
// be read (containers without one, Windows, tests), it falls back to a
// well-known public resolver so the server still starts.
func New() (*Resolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	var servers []string
	if err == nil && cfg != nil {
		for _, s := range cfg.Servers {
			servers = append(servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	if len(servers) == 0 {
		servers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	return &Resolver{
		client:  &dns.Client{Timeout: 5 * time.Second},
		servers: servers,
	}, nil
}

// Resolve implements socks.Resolver. IP literals are returned immediately
// without a DNS round trip.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	fqdn := dns.Fqdn(host)
	server := r.pickServer()

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := r.exchange(ctx, fqdn, qtype, server)
		if err != nil {
			continue
		}
		for _, rr := range answers {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: no A/AAAA records for %s", host)
	}
	return ips, nil
}

func (r *Resolver) pickServer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.servers[r.next%len(r.servers)]
	r.next++
	return s
}

func (r *Resolver) exchange(ctx context.Context, fqdn string, qtype uint16, server string) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("resolver: query %s %s: %w", fqdn, dns.TypeToString[qtype], err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolver: query %s %s: rcode %s", fqdn, dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
	}
	return in.Answer, nil
}
