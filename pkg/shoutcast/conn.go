package shoutcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultFlushTimeout     = 2 * time.Second
	defaultQueueFrames      = 256
)

// OverflowPolicy decides what Write does when the send queue is full.
type OverflowPolicy int

const (
	// OverflowBlock waits up to the write timeout for room in the queue.
	OverflowBlock OverflowPolicy = iota
	// OverflowDrop refuses the write immediately.
	OverflowDrop
)

func (p OverflowPolicy) String() string {
	if p == OverflowDrop {
		return "drop"
	}
	return "block"
}

// ParseOverflowPolicy parses "block" or "drop".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "block":
		return OverflowBlock, nil
	case "drop":
		return OverflowDrop, nil
	}
	return OverflowBlock, fmt.Errorf("unknown overflow policy %q", s)
}

// Options tune a Conn. Zero values take defaults.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// FlushTimeout bounds how long Close waits for queued audio to drain.
	FlushTimeout time.Duration
	QueueFrames  int
	Overflow     OverflowPolicy
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = defaultFlushTimeout
	}
	if o.QueueFrames <= 0 {
		o.QueueFrames = defaultQueueFrames
	}
}

// WriteResult reports the outcome of a Write. Accepted is false when the
// bytes were refused because the queue stayed full. Backlogged is the
// equivalent of a pending drain: the queue is at least half full.
type WriteResult struct {
	Accepted   bool
	Backlogged bool
}

// Conn is a single source connection to a streaming server. A Conn is used
// for exactly one connect and handshake attempt; retries use a new Conn.
type Conn struct {
	conn net.Conn
	opts Options

	mu        sync.Mutex
	handshook bool
	accepted  bool
	closed    bool
	queue     chan []byte
	highWater int

	writerDone chan struct{}

	done     chan struct{}
	failOnce sync.Once
	errMu    sync.Mutex
	err      error

	closeOnce sync.Once
	closeErr  error

	written atomic.Int64
}

// Dial opens a TCP connection to addr. Failures are returned as *ConnectError.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts Options) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	return NewConn(c, opts), nil
}

// NewConn wraps an established connection.
func NewConn(c net.Conn, opts Options) *Conn {
	opts.applyDefaults()

	highWater := opts.QueueFrames / 2
	if highWater < 1 {
		highWater = 1
	}

	return &Conn{
		conn:       c,
		opts:       opts,
		queue:      make(chan []byte, opts.QueueFrames),
		highWater:  highWater,
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Handshake sends the SOURCE request and waits for a decisive reply, at most
// the handshake timeout. On Accepted the Conn becomes writable. A rejection is
// returned as *HandshakeError.
func (c *Conn) Handshake(ctx context.Context, req SourceRequest) error {
	c.mu.Lock()
	if c.handshook || c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.handshook = true
	c.mu.Unlock()

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := c.conn.Write(Encode(req)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isTimeout(err) {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}

	var (
		dec     Decoder
		unknown string
	)
	buf := make([]byte, 1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			r := dec.Feed(buf[:n])
			// An unrecognised reply is not decisive. Keep waiting for one that is.
			for r == Unknown {
				unknown = dec.Response()
				r = dec.Reset()
			}
			if r != Pending {
				return c.finishHandshake(r, &dec)
			}
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		r := dec.Finish()
		if isTimeout(err) {
			if r == Unknown {
				return ErrHandshakeTimeout
			}
			return c.finishHandshake(r, &dec)
		}
		if r == Unknown && dec.Response() == "" {
			if unknown != "" {
				return &HandshakeError{Result: Unknown, Response: unknown}
			}
			return fmt.Errorf("%w during handshake: %v", ErrClosed, err)
		}
		return c.finishHandshake(r, &dec)
	}
}

func (c *Conn) finishHandshake(r Result, dec *Decoder) error {
	if r != Accepted {
		return &HandshakeError{Result: r, Response: dec.Response()}
	}

	_ = c.conn.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.accepted = true
	c.mu.Unlock()

	go c.writeLoop()
	go c.readLoop()

	return nil
}

// Write queues p for the server. The bytes are copied. Write never blocks
// longer than the write timeout.
func (c *Conn) Write(p []byte) (WriteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return WriteResult{}, ErrConnClosed
	}
	if !c.accepted {
		return WriteResult{}, ErrNotReady
	}
	select {
	case <-c.done:
		return WriteResult{}, c.Err()
	default:
	}

	chunk := append([]byte(nil), p...)

	select {
	case c.queue <- chunk:
	default:
		if c.opts.Overflow == OverflowDrop {
			return WriteResult{Backlogged: true}, nil
		}

		t := time.NewTimer(c.opts.WriteTimeout)
		defer t.Stop()

		select {
		case c.queue <- chunk:
		case <-t.C:
			return WriteResult{Backlogged: true}, nil
		case <-c.done:
			return WriteResult{}, c.Err()
		}
	}

	return WriteResult{Accepted: true, Backlogged: len(c.queue) >= c.highWater}, nil
}

// Done is closed once the connection is no longer usable: the server closed
// it, an I/O error happened, or Close was called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why Done was closed.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Written returns the number of bytes delivered to the socket after the
// handshake.
func (c *Conn) Written() int64 {
	return c.written.Load()
}

// Backlog returns the number of queued frames.
func (c *Conn) Backlog() int {
	return len(c.queue)
}

// Close flushes queued audio for up to the flush timeout and closes the
// connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started := c.accepted
		c.mu.Unlock()

		if started {
			close(c.queue)

			t := time.NewTimer(c.opts.FlushTimeout)
			select {
			case <-c.writerDone:
			case <-t.C:
			}
			t.Stop()
		}

		c.closeErr = c.conn.Close()
		c.fail(ErrConnClosed)
	})

	return c.closeErr
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for p := range c.queue {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		n, err := c.conn.Write(p)
		c.written.Add(int64(n))
		if err != nil {
			c.fail(&IOError{Op: "write", Err: err})
			return
		}
	}
}

// readLoop watches for the server hanging up. Nothing is expected from the
// server once the source is accepted.
func (c *Conn) readLoop() {
	buf := make([]byte, 512)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.fail(ErrClosed)
			case errors.Is(err, net.ErrClosed):
				c.fail(ErrConnClosed)
			default:
				c.fail(&IOError{Op: "read", Err: err})
			}
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
