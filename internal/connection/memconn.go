package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var errMemClosed = errors.New("memconn: closed")

// MemDialer is an in-process Dialer for tests and demos. Each successful
// dial yields a fresh MemConn, published on Conns.
type MemDialer struct {
	mu       sync.Mutex
	failures []error
	dials    int
	conns    chan *MemConn
	onWrite  func(*MemConn, []byte)
}

func NewMemDialer() *MemDialer {
	return &MemDialer{conns: make(chan *MemConn, 64)}
}

// FailNext makes the next len(errs) dials fail with the given errors.
func (d *MemDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

func (d *MemDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	hook := d.onWrite
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := NewMemConn()
	if hook != nil {
		c.OnWrite(func(data []byte) { hook(c, data) })
	}
	select {
	case d.conns <- c:
	default:
	}
	return c, nil
}

// OnWrite installs fn as the write hook of every later connection.
func (d *MemDialer) OnWrite(fn func(c *MemConn, data []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onWrite = fn
}

// Conns yields the server side of every connection dialed.
func (d *MemDialer) Conns() <-chan *MemConn {
	return d.conns
}

func (d *MemDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// MemConn is a buffered in-memory Conn. The test plays the backend through
// Push and Sent.
type MemConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	closeErr error
	writeErr error
	onWrite  func([]byte)
	stall    chan struct{}
}

func NewMemConn() *MemConn {
	return &MemConn{
		in:   make(chan []byte, 256),
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

func (c *MemConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, c.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MemConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	werr, hook, stall := c.writeErr, c.onWrite, c.stall
	c.mu.Unlock()
	if werr != nil {
		return werr
	}
	if stall != nil {
		select {
		case <-stall:
		case <-c.done:
			return c.err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.done:
		return c.err()
	default:
	}
	buf := append([]byte(nil), data...)
	select {
	case c.out <- buf:
		if hook != nil {
			hook(buf)
		}
		return nil
	case <-c.done:
		return c.err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemConn) Close() error {
	c.Drop(errMemClosed)
	return nil
}

// Drop closes the connection as if the network failed with err.
func (c *MemConn) Drop(err error) {
	if err == nil {
		err = errMemClosed
	}
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Push delivers a raw frame to the client side.
func (c *MemConn) Push(data []byte) bool {
	select {
	case c.in <- data:
		return true
	case <-c.done:
		return false
	}
}

// PushFrame marshals v and delivers it to the client side.
func (c *MemConn) PushFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !c.Push(data) {
		return c.err()
	}
	return nil
}

// Sent yields every frame the client wrote.
func (c *MemConn) Sent() <-chan []byte {
	return c.out
}

// FailWrites makes every later Write fail with err; nil restores writes.
func (c *MemConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// StallWrites makes writes block until writes are released or the
// writer's context ends.
func (c *MemConn) StallWrites(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case on && c.stall == nil:
		c.stall = make(chan struct{})
	case !on && c.stall != nil:
		close(c.stall)
		c.stall = nil
	}
}

// OnWrite runs fn after each delivered frame, before Write returns, so a
// test can answer while the writer is still blocked.
func (c *MemConn) OnWrite(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
}

func (c *MemConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *MemConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
