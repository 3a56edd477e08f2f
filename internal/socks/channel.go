package socks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Stage identifies which step of a Channel's lifecycle an Error event
// came from, so the session can pick the matching SOCKS reply code (§4.2,
// §4.3).
type Stage int

const (
	StageDNS Stage = iota
	StageConnect
	StageRead
	StageWrite
)

func (s Stage) String() string {
	switch s {
	case StageDNS:
		return "dns"
	case StageConnect:
		return "connect"
	case StageRead:
		return "read"
	case StageWrite:
		return "write"
	default:
		return "unknown"
	}
}

// ErrAborted is reported instead of the underlying I/O error when a
// pending Channel operation is cut short by Cancel. Sessions check for it
// with errors.Is and must not treat it as a user-visible failure (§5, §7).
var ErrAborted = errors.New("socks: operation aborted")

// Status is the tagged union of events a Channel reports to its owner, in
// issue order and never re-entrantly. Its variants are StatusError,
// StatusConnected, StatusRead and StatusWrite; callers type-switch on it.
type Status interface{ isStatus() }

type StatusError struct {
	Err   error
	Stage Stage
}

func (StatusError) isStatus() {}

type StatusConnected struct {
	Local *net.TCPAddr
}

func (StatusConnected) isStatus() {}

type StatusRead struct {
	Data []byte
}

func (StatusRead) isStatus() {}

type StatusWrite struct{}

func (StatusWrite) isStatus() {}

// Channel owns one outbound TCP socket: it resolves the target, walks the
// connect cascade over the resolved candidates, and then shuttles reads
// and writes, reporting each step as a Status on its Events channel (§4.2).
//
// At most one read and one write may be outstanding at a time (enforced
// by the caller, per the Session's back-pressure discipline in §4.3); the
// Channel itself does not queue overlapping calls.
type Channel struct {
	host     string
	port     uint16
	resolver Resolver
	events   chan Status

	mu        sync.Mutex
	conn      net.Conn
	cancelled bool
}

// NewChannel constructs a Channel targeting host:port. Nothing happens
// until Start is called.
func NewChannel(host string, port uint16, resolver Resolver) *Channel {
	if resolver == nil {
		resolver = DefaultResolver
	}
	return &Channel{
		host:     host,
		port:     port,
		resolver: resolver,
		events:   make(chan Status, 1),
	}
}

// Events is the channel the owning Session selects on for completions.
func (c *Channel) Events() <-chan Status { return c.events }

// Start resolves the target and begins the connect cascade (§4.2)
// asynchronously; the result arrives as a StatusConnected or a
// StatusError{Stage: StageDNS|StageConnect} on Events.
func (c *Channel) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Channel) run(ctx context.Context) {
	ips, err := c.resolver.Resolve(ctx, c.host)
	if err != nil {
		c.emit(StatusError{Err: err, Stage: StageDNS})
		return
	}

	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(c.port)))
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		if c.cancelled {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		local, _ := conn.LocalAddr().(*net.TCPAddr)
		c.emit(StatusConnected{Local: local})
		return
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("socks: no candidate endpoints for %s", c.host)
	}
	c.emit(StatusError{Err: lastErr, Stage: StageConnect})
}

// Read issues one asynchronous read of up to maxSize bytes, delivering a
// StatusRead or a StatusError{Stage: StageRead} on Events.
func (c *Channel) Read(maxSize int) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.emit(StatusError{Err: fmt.Errorf("socks: channel not connected"), Stage: StageRead})
		return
	}

	go func() {
		buf := make([]byte, maxSize)
		n, err := conn.Read(buf)
		if err != nil {
			c.emit(StatusError{Err: c.maybeAborted(err), Stage: StageRead})
			return
		}
		c.emit(StatusRead{Data: buf[:n]})
	}()
}

// Write takes ownership of buffer, writes it fully (looping internally
// until drained or errored), then delivers a StatusWrite or a
// StatusError{Stage: StageWrite} on Events.
func (c *Channel) Write(buffer []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.emit(StatusError{Err: fmt.Errorf("socks: channel not connected"), Stage: StageWrite})
		return
	}

	go func() {
		written := 0
		for written < len(buffer) {
			n, err := conn.Write(buffer[written:])
			if err != nil {
				c.emit(StatusError{Err: c.maybeAborted(err), Stage: StageWrite})
				return
			}
			written += n
		}
		c.emit(StatusWrite{})
	}()
}

// Cancel closes the outbound socket, if any, so any outstanding Read or
// Write unblocks with ErrAborted; it is idempotent.
func (c *Channel) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	if c.conn != nil {
		c.conn.Close()
	}
}

// LocalAddr returns the outbound socket's local endpoint, or nil if the
// channel has not connected.
func (c *Channel) LocalAddr() *net.TCPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	addr, _ := c.conn.LocalAddr().(*net.TCPAddr)
	return addr
}

func (c *Channel) maybeAborted(err error) error {
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()
	if cancelled {
		return ErrAborted
	}
	return err
}

func (c *Channel) emit(s Status) {
	c.events <- s
}
