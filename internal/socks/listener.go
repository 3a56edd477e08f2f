package socks

import (
	"context"
	"errors"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/proxycore/socksd/internal/credentials"
	"github.com/proxycore/socksd/internal/logx"
)

// Listener owns the bound TCP acceptor (§4.5). For each accepted socket it
// instantiates a Session, sharing the same credential store and resolver
// across every connection it hands out, and runs the session on the
// worker pool.
type Listener struct {
	ln       net.Listener
	creds    *credentials.Store
	resolver Resolver
	logger   *logx.Logger

	// workers bounds the number of concurrently running sessions to
	// num-threads; see DESIGN.md for why a semaphore is the right Go
	// analogue here.
	workers *semaphore.Weighted

	// sessions tracks running sessions so Serve can wait for them to
	// drain on shutdown instead of returning out from under them.
	sessions sync.WaitGroup
}

// NewListener binds address and returns a Listener ready to Serve.
func NewListener(address string, numThreads int, creds *credentials.Store, resolver Resolver, logger *logx.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logx.Default()
	}
	return &Listener{
		ln:       ln,
		creds:    creds,
		resolver: resolver,
		logger:   logger,
		workers:  semaphore.NewWeighted(int64(numThreads)),
	}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections; in-flight sessions are left to
// drain on their own (§6, signals).
func (l *Listener) Close() error { return l.ln.Close() }

// Serve loops accepting connections until ctx is cancelled or the
// acceptor returns a fatal error. Non-fatal accept errors are logged and
// the loop continues (§4.5). Cancelling ctx (e.g. on SIGINT) only stops
// the Accept loop; already-accepted sessions run to completion on their
// own so in-flight relays are allowed to drain rather than being torn
// down (§6).
func (l *Listener) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		l.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				l.logger.Errorf("listener: accept failed: %v", err)
				continue
			}

			if err := l.workers.Acquire(gctx, 1); err != nil {
				conn.Close()
				return nil
			}

			l.sessions.Add(1)
			go func() {
				defer l.sessions.Done()
				defer l.workers.Release(1)
				sess := NewSession(conn, l.creds, l.resolver, l.logger)
				l.logger.Debugf("session %s: accepted", conn.RemoteAddr())
				sess.Run(context.Background())
				l.logger.Debugf("session %s: closed", conn.RemoteAddr())
			}()
		}
	})

	err := g.Wait()
	l.sessions.Wait()
	return err
}
