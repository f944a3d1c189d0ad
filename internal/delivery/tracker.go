// Package delivery correlates each submitted message with the
// transport's eventual acknowledgement or failure.
//
// The [Tracker] has a single in-flight slot. Submit claims the slot and
// hands the message to the transport; the transport reports the outcome
// through a callback, usually from its own goroutine; Await blocks the
// publisher until that outcome arrives, the timeout elapses, or the
// context is cancelled. A timed-out handle is not cancelled: it keeps
// the slot until the transport finally reports, and that late outcome
// is logged and discarded.
//
// Handle state transitions are Pending → Acked or Pending → Failed,
// once. A second report for the same handle is a transport contract
// violation; the tracker records it and the publisher treats it as
// fatal.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/devicesim/internal/telemetry"
	"github.com/nugget/devicesim/internal/transport"
)

// State is a handle's position in its lifecycle.
type State int

// Handle states. Acked and Failed are terminal.
const (
	Pending State = iota
	Acked
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Acked:
		return "acked"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle tracks one submitted message. Its mutable fields are guarded
// by the owning tracker's mutex.
type Handle struct {
	id          string
	messageID   string
	submittedAt time.Time
	done        chan struct{}

	state     State
	ack       transport.Ack
	err       error
	abandoned bool // Await gave up before the outcome arrived
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// MessageID returns the ID of the message this handle tracks.
func (h *Handle) MessageID() string { return h.messageID }

// SubmittedAt returns when the message was handed to the transport.
func (h *Handle) SubmittedAt() time.Time { return h.submittedAt }

// Done is closed when the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome describes a handle that reached a terminal state. It is
// passed to the late-outcome observer.
type Outcome struct {
	HandleID  string
	MessageID string
	State     State
	Ack       transport.Ack
	Err       error
	Latency   time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker's logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithLateObserver registers fn to be called, outside the tracker lock,
// for every outcome that arrives after Await already gave up on it.
func WithLateObserver(fn func(Outcome)) Option {
	return func(t *Tracker) { t.onLate = fn }
}

// Tracker enforces the single in-flight slot. All methods are safe for
// concurrent use.
type Tracker struct {
	logger *slog.Logger
	onLate func(Outcome)

	mu        sync.Mutex
	pending   *Handle
	violation error
	late      int64
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{logger: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Submit claims the slot for msg and hands it to client. It returns
// [ErrSlotBusy] without calling the client if a previous handle is
// still pending. The client may report the outcome before Submit
// returns.
func (t *Tracker) Submit(msg telemetry.EncodedMessage, client transport.Client) (*Handle, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate handle ID: %w", err)
	}

	t.mu.Lock()
	if t.pending != nil && t.pending.state == Pending {
		busy := t.pending.id
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: handle %s still pending", ErrSlotBusy, busy)
	}
	h := &Handle{
		id:          id.String(),
		messageID:   msg.ID,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	t.pending = h
	t.mu.Unlock()

	client.Send(msg, func(ack transport.Ack, err error) error {
		return t.complete(h, ack, err)
	})
	return h, nil
}

// complete records the terminal outcome for h. It runs on whatever
// goroutine the transport uses for callbacks.
func (t *Tracker) complete(h *Handle, ack transport.Ack, err error) error {
	t.mu.Lock()
	if h.state != Pending {
		v := &DoubleAckError{HandleID: h.id, Previous: h.state}
		if t.violation == nil {
			t.violation = v
		}
		t.mu.Unlock()
		t.logger.Error("transport reported a second outcome",
			"handle", h.id,
			"message_id", h.messageID,
			"previous", v.Previous.String(),
		)
		return v
	}

	if err != nil {
		h.state = Failed
		h.err = err
	} else {
		if ack.At.IsZero() {
			ack.At = time.Now()
		}
		h.state = Acked
		h.ack = ack
	}
	close(h.done)

	late := h.abandoned
	if late {
		t.late++
		if t.pending == h {
			t.pending = nil
		}
	}
	out := outcomeOf(h)
	onLate := t.onLate
	t.mu.Unlock()

	if late {
		t.logger.Warn("late acknowledgement discarded",
			"handle", out.HandleID,
			"message_id", out.MessageID,
			"state", out.State.String(),
			"latency", out.Latency,
			"error", out.Err,
		)
		if onLate != nil {
			onLate(out)
		}
	}
	return nil
}

// Await blocks until h reaches a terminal state, timeout elapses, or
// ctx is cancelled. A non-positive timeout waits for the outcome or
// cancellation only.
//
// On timeout it returns a [*DeliveryError] matching [ErrTimeout]; on
// cancellation it returns ctx.Err(). In both cases the handle keeps
// the slot until the transport reports. A transport failure is a
// [*DeliveryError] matching [ErrTransportFailure].
func (t *Tracker) Await(ctx context.Context, h *Handle, timeout time.Duration) (transport.Ack, error) {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var timedOut bool
	select {
	case <-h.done:
		return t.observe(h)
	case <-timerC:
		timedOut = true
	case <-ctx.Done():
	}

	t.mu.Lock()
	if h.state != Pending {
		// The outcome raced the timer; report it rather than a timeout.
		t.mu.Unlock()
		return t.observe(h)
	}
	h.abandoned = true
	t.mu.Unlock()

	if timedOut {
		return transport.Ack{}, &DeliveryError{Kind: ErrTimeout, HandleID: h.id}
	}
	return transport.Ack{}, ctx.Err()
}

// observe returns the terminal result of h and frees the slot.
func (t *Tracker) observe(h *Handle) (transport.Ack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == h {
		t.pending = nil
	}
	if h.state == Failed {
		return transport.Ack{}, &DeliveryError{Kind: ErrTransportFailure, HandleID: h.id, Cause: h.err}
	}
	return h.ack, nil
}

// State returns h's current state.
func (t *Tracker) State(h *Handle) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return h.state
}

// Busy reports whether a pending handle holds the slot.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil && t.pending.state == Pending
}

// LateOutcomes returns how many outcomes arrived after Await gave up.
func (t *Tracker) LateOutcomes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.late
}

// Err returns the first transport contract violation observed, or nil.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.violation
}

// outcomeOf snapshots a terminal handle. Must be called with t.mu held.
func outcomeOf(h *Handle) Outcome {
	return Outcome{
		HandleID:  h.id,
		MessageID: h.messageID,
		State:     h.state,
		Ack:       h.ack,
		Err:       h.err,
		Latency:   time.Since(h.submittedAt),
	}
}
