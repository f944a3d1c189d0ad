// Package publisher drives the telemetry cycle: generate a reading,
// encode it, hand it to the transport through the delivery tracker,
// wait for the outcome, pace, repeat.
//
// Only one message is ever in flight. A cycle that finds the previous
// message still unacknowledged (it timed out and the transport has not
// reported yet) skips its send rather than queueing. The loop owns the
// transport: it opens it on entry and closes it exactly once on every
// exit path.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/devicesim/internal/config"
	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/delivery"
	"github.com/nugget/devicesim/internal/events"
	"github.com/nugget/devicesim/internal/metrics"
	"github.com/nugget/devicesim/internal/opstate"
	"github.com/nugget/devicesim/internal/telemetry"
	"github.com/nugget/devicesim/internal/transport"
)

// Defaults applied to a zero Config.
const (
	DefaultInterval   = time.Second
	DefaultAckTimeout = 10 * time.Second
)

// Config controls the cycle.
type Config struct {
	// Interval is the pause after each cycle.
	Interval time.Duration
	// AckTimeout bounds the wait for each outcome.
	AckTimeout time.Duration
	// MaxMessages stops the loop cleanly after this many sends. Zero
	// runs until the context is cancelled.
	MaxMessages int
	// Retry is passed to the transport's Open.
	Retry transport.RetryPolicy
	// Transport labels logs and metrics, e.g. "mqtt".
	Transport string
}

// Source produces readings. *telemetry.Generator satisfies it.
type Source interface {
	Next() telemetry.Reading
}

// Encoder serializes readings. *telemetry.Encoder satisfies it.
type Encoder interface {
	Encode(telemetry.Reading) (telemetry.EncodedMessage, error)
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithEvents publishes per-cycle events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(lp *Loop) { lp.events = bus }
}

// WithMetrics records per-cycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// WithLedger accumulates per-device totals in ledger.
func WithLedger(ledger *opstate.Ledger) Option {
	return func(lp *Loop) { lp.ledger = ledger }
}

// Loop is the publisher. Create with New; call Run once.
type Loop struct {
	cfg     Config
	source  Source
	encoder Encoder
	client  transport.Client
	tracker *delivery.Tracker

	logger  *slog.Logger
	events  *events.Bus
	metrics *metrics.Metrics
	ledger  *opstate.Ledger

	mu    sync.Mutex
	stats Stats

	closeOnce sync.Once
	closeErr  error
}

// New assembles a loop. Zero Interval and AckTimeout take the package
// defaults.
func New(cfg Config, source Source, encoder Encoder, client transport.Client, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	l := &Loop{
		cfg:     cfg,
		source:  source,
		encoder: encoder,
		client:  client,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("transport", cfg.Transport)
	l.tracker = delivery.NewTracker(
		delivery.WithLogger(l.logger),
		delivery.WithLateObserver(l.lateOutcome),
	)
	return l
}

// Run opens the transport and publishes until ctx is cancelled, the
// message limit is reached, or a fatal error occurs. Cancellation and
// reaching the limit return nil. Fatal errors are a failed open
// (wrapping [*transport.ConnectError]), an encoding failure, and a
// transport contract violation.
func (l *Loop) Run(ctx context.Context) error {
	defer l.close()

	l.mu.Lock()
	l.stats.StartedAt = time.Now()
	l.mu.Unlock()

	l.logger.Info("opening transport")
	if err := l.client.Open(ctx, l.cfg.Retry); err != nil {
		if ctx.Err() != nil {
			l.logger.Info("cancelled while opening transport")
			return nil
		}
		return fmt.Errorf("open transport: %w", err)
	}
	l.logger.Info("transport open, publishing",
		"interval", l.cfg.Interval,
		"ack_timeout", l.cfg.AckTimeout,
		"max_messages", l.cfg.MaxMessages,
	)

	for seq := 1; ; seq++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.tracker.Err(); err != nil {
			return fmt.Errorf("transport contract violation: %w", err)
		}

		reading := l.source.Next()
		msg, err := l.encoder.Encode(reading)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", seq, err)
		}
		alert := msg.Properties[telemetry.PropertyTemperatureAlert] == "true"
		l.metrics.Reading(reading.Temperature, reading.Humidity, alert)

		if err := l.cycle(ctx, seq, msg, alert); err != nil {
			return err
		}

		if l.cfg.MaxMessages > 0 && l.Stats().Attempts >= int64(l.cfg.MaxMessages) {
			l.logger.Info("message limit reached", "max_messages", l.cfg.MaxMessages)
			return nil
		}
		if !connwatch.Sleep(ctx, l.cfg.Interval) {
			return nil
		}
	}
}

// cycle submits msg and waits for its outcome. It returns an error only
// for fatal conditions.
func (l *Loop) cycle(ctx context.Context, seq int, msg telemetry.EncodedMessage, alert bool) error {
	h, err := l.tracker.Submit(msg, l.client)
	if errors.Is(err, delivery.ErrSlotBusy) {
		l.logger.Warn("previous message still in flight, skipping send", "seq", seq, "error", err)
		l.count(func(s *Stats) { s.SlotBusy++ })
		l.metrics.SlotBusy()
		l.record(opstate.LedgerSlotBusy)
		l.events.Emit(events.SourcePublisher, events.KindSlotBusy, map[string]any{"seq": seq})
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit message: %w", err)
	}

	l.logger.Info("message sent",
		"seq", seq,
		"message_id", msg.ID,
		"alert", alert,
	)
	l.logger.Log(ctx, config.LevelTrace, "message payload",
		"message_id", msg.ID,
		"payload", string(msg.Payload),
	)
	l.count(func(s *Stats) { s.Attempts++ })
	l.metrics.Send(l.cfg.Transport)
	l.record(opstate.LedgerAttempts)
	l.events.Emit(events.SourcePublisher, events.KindSend, map[string]any{
		"seq":        seq,
		"message_id": msg.ID,
		"handle_id":  h.ID(),
		"alert":      alert,
	})

	ack, err := l.tracker.Await(ctx, h, l.cfg.AckTimeout)
	latency := time.Since(h.SubmittedAt())
	switch {
	case err == nil:
		l.logger.Info("message acknowledged",
			"seq", seq,
			"message_id", msg.ID,
			"status", ack.Status,
			"detail", ack.Detail,
			"latency", latency.Round(time.Millisecond),
		)
		l.count(func(s *Stats) {
			s.Acked++
			s.LastAckAt = ack.At
		})
		l.metrics.Outcome(l.cfg.Transport, metrics.OutcomeAcked, latency)
		l.record(opstate.LedgerAcked)
		l.events.Emit(events.SourcePublisher, events.KindAck, map[string]any{
			"seq":        seq,
			"message_id": msg.ID,
			"status":     ack.Status,
			"detail":     ack.Detail,
			"latency_ms": latency.Milliseconds(),
		})

	case errors.Is(err, delivery.ErrTimeout):
		l.logger.Warn("acknowledgement timed out",
			"seq", seq,
			"message_id", msg.ID,
			"timeout", l.cfg.AckTimeout,
		)
		l.count(func(s *Stats) { s.TimedOut++ })
		l.metrics.Outcome(l.cfg.Transport, metrics.OutcomeTimeout, latency)
		l.record(opstate.LedgerTimedOut)
		l.events.Emit(events.SourcePublisher, events.KindTimeout, map[string]any{
			"seq":        seq,
			"message_id": msg.ID,
			"timeout_ms": l.cfg.AckTimeout.Milliseconds(),
		})

	case errors.Is(err, delivery.ErrTransportFailure):
		l.logger.Warn("delivery failed",
			"seq", seq,
			"message_id", msg.ID,
			"error", err,
		)
		l.count(func(s *Stats) { s.Failed++ })
		l.metrics.Outcome(l.cfg.Transport, metrics.OutcomeFailed, latency)
		l.record(opstate.LedgerFailed)
		l.events.Emit(events.SourcePublisher, events.KindFailed, map[string]any{
			"seq":        seq,
			"message_id": msg.ID,
			"error":      err.Error(),
		})

	case ctx.Err() != nil:
		l.logger.Info("shutdown while awaiting acknowledgement",
			"seq", seq,
			"message_id", msg.ID,
		)
		l.metrics.Outcome(l.cfg.Transport, metrics.OutcomeCanceled, latency)
		return nil

	default:
		return fmt.Errorf("await acknowledgement: %w", err)
	}

	if v := l.tracker.Err(); v != nil {
		return fmt.Errorf("transport contract violation: %w", v)
	}
	return nil
}

// lateOutcome runs on the transport's callback goroutine.
func (l *Loop) lateOutcome(o delivery.Outcome) {
	l.count(func(s *Stats) { s.LateAcks++ })
	l.metrics.LateOutcome()
	l.record(opstate.LedgerLateAcks)
	data := map[string]any{
		"message_id": o.MessageID,
		"state":      o.State.String(),
		"latency_ms": o.Latency.Milliseconds(),
	}
	if o.Err != nil {
		data["error"] = o.Err.Error()
	}
	l.events.Emit(events.SourcePublisher, events.KindLateAck, data)
}

func (l *Loop) count(fn func(*Stats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

// record bumps a ledger counter. Ledger failures are logged, never
// fatal: the ledger is bookkeeping, not delivery.
func (l *Loop) record(counter string) {
	if l.ledger == nil {
		return
	}
	if _, err := l.ledger.Add(counter, 1); err != nil {
		l.logger.Warn("ledger update failed", "counter", counter, "error", err)
	}
}

func (l *Loop) close() {
	l.closeOnce.Do(func() {
		l.closeErr = l.client.Close()
		if l.closeErr != nil {
			l.logger.Warn("transport close failed", "error", l.closeErr)
			return
		}
		l.logger.Info("transport closed")
	})
}

// Stats returns a snapshot of this run's counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// InFlight reports whether a message is awaiting its outcome.
func (l *Loop) InFlight() bool {
	return l.tracker.Busy()
}
