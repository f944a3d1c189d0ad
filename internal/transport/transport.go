// Package transport defines the contract between the publisher core and
// the client that actually moves bytes to a broker or endpoint.
//
// The core never frames, authenticates, or reconnects; it only calls
// [Client.Open] once, [Client.Send] per message, and [Client.Close] on
// the way out. Adapters for concrete protocols live in sub-packages
// (mqtt, mqtt311, natsjs, httppost, loopback).
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/telemetry"
)

// RetryPolicy bounds how hard [Client.Open] tries before giving up.
type RetryPolicy = connwatch.BackoffConfig

// Ack is the receiving side's confirmation of a single message.
type Ack struct {
	// Status is the adapter's native status code: MQTT reason code,
	// HTTP status, or zero for transports without one.
	Status int
	// Detail is a short adapter-specific description, e.g. the
	// JetStream stream and sequence.
	Detail string
	// At is when the acknowledgement arrived.
	At time.Time
}

// DoneFunc receives the terminal outcome of a Send: exactly one of an
// Ack (err == nil) or a failure cause. Adapters must invoke it exactly
// once per message. The returned error reports a contract violation
// detected by the receiver (such as a second invocation); adapters log
// it and carry on.
type DoneFunc func(ack Ack, err error) error

// Client is the transport collaborator.
type Client interface {
	// Open establishes the connection, retrying per policy. Failure is
	// reported as a [*ConnectError].
	Open(ctx context.Context, policy RetryPolicy) error

	// Send hands msg to the transport and returns without waiting for
	// the outcome. done is invoked later, possibly from another
	// goroutine, or before Send returns when the outcome is immediate.
	Send(msg telemetry.EncodedMessage, done DoneFunc)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Prober is implemented by clients that can report connection health
// without sending a message. The monitor's connection watcher uses it.
type Prober interface {
	Probe(ctx context.Context) error
}

// ConnectError reports that a transport could not be opened.
type ConnectError struct {
	Transport string
	Target    string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s %s: %v", e.Transport, e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
