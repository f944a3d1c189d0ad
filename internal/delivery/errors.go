package delivery

import (
	"errors"
	"fmt"
)

// Sentinel errors. Match with [errors.Is].
var (
	// ErrSlotBusy is returned by Submit while a previous message is
	// still pending. It is transient: the caller tries again next cycle.
	ErrSlotBusy = errors.New("delivery slot busy")

	// ErrTimeout is matched by a DeliveryError raised when Await's
	// timeout elapses before the transport reports an outcome.
	ErrTimeout = errors.New("delivery timed out")

	// ErrTransportFailure is matched by a DeliveryError carrying a
	// failure reported by the transport.
	ErrTransportFailure = errors.New("transport failure")

	// ErrDoubleAck is matched by a DoubleAckError: the transport
	// reported an outcome for a handle that already had one.
	ErrDoubleAck = errors.New("duplicate delivery outcome")
)

// DeliveryError is the transient failure of a single delivery.
type DeliveryError struct {
	// Kind is ErrTimeout or ErrTransportFailure.
	Kind     error
	HandleID string
	// Cause is the transport's error for ErrTransportFailure.
	Cause error
}

func (e *DeliveryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("delivery %s: %v: %v", e.HandleID, e.Kind, e.Cause)
	}
	return fmt.Sprintf("delivery %s: %v", e.HandleID, e.Kind)
}

// Unwrap exposes both the kind sentinel and the transport cause.
func (e *DeliveryError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// DoubleAckError reports a transport-contract violation: a second
// terminal callback for the same handle.
type DoubleAckError struct {
	HandleID string
	// Previous is the state the handle was already in.
	Previous State
}

func (e *DoubleAckError) Error() string {
	return fmt.Sprintf("delivery %s: second outcome reported after %s", e.HandleID, e.Previous)
}

// Is reports whether target is [ErrDoubleAck].
func (e *DoubleAckError) Is(target error) bool {
	return target == ErrDoubleAck
}
