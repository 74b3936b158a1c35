package connection

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Send unless the connection is
	// connected or degraded.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrUnauthorized is returned by a Dialer when the backend rejects the
	// credential. The manager goes offline without retrying.
	ErrUnauthorized = errors.New("connection: credential rejected")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("connection: stopped")
)

// Conn is one open transport session carrying whole frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens transport sessions to the backend.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
