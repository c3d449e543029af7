// Package transport defines how a monitor reaches a printer's status feed.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrStreamClosed is returned by Conn.Next once the connection is gone.
var ErrStreamClosed = errors.New("status stream closed")

// Endpoint identifies a printer and the credentials used to reach it.
type Endpoint struct {
	Name       string
	Host       string
	Port       int
	Serial     string
	AccessCode string
	CAFile     string
}

// Transport opens connections to printers.
type Transport interface {
	Open(ctx context.Context, ep Endpoint) (Conn, error)
}

// Conn is an open status feed.
type Conn interface {
	// Next blocks until a payload arrives, the context is done, or the
	// stream closes (ErrStreamClosed).
	Next(ctx context.Context) ([]byte, error)
	// Resubscribe asks the printer to push its full state.
	Resubscribe(ctx context.Context) error
	Close() error
}

// ConnectionError reports a failure to reach or authenticate with a printer.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
