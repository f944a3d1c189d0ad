// Package loopback is an in-process transport that acknowledges every
// message itself. It needs no broker, which makes it the dry-run
// transport for the CLI and a deterministic collaborator for tests.
//
// Descriptor form:
//
//	loopback://?delay=50ms&fail_every=5&drop_every=7&late_by=15s&open_failures=2
//
// delay postpones each outcome. fail_every reports every Nth message as
// failed. drop_every holds back every Nth outcome for an extra late_by
// (default [DefaultLateBy]) and then reports it as [ErrDropped], so the
// publisher sees a timeout followed by a late outcome. open_failures
// fails the first N open attempts.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/telemetry"
	"github.com/nugget/devicesim/internal/transport"
)

// Name labels this transport in logs and metrics.
const Name = transport.KindLoopback

// DefaultLateBy is longer than the publisher's default ack timeout.
const DefaultLateBy = 15 * time.Second

var (
	// ErrNotOpen is reported for sends before Open or after Close.
	ErrNotOpen = errors.New("loopback: not open")
	// ErrInjected is the failure reported for fail_every messages.
	ErrInjected = errors.New("loopback: injected failure")
	// ErrDropped is the late failure reported for drop_every messages.
	ErrDropped = errors.New("loopback: message dropped")
)

// Options tunes the simulated transport.
type Options struct {
	Delay        time.Duration
	FailEvery    int
	DropEvery    int
	LateBy       time.Duration
	OpenFailures int
	Logger       *slog.Logger
}

// ParseOptions reads Options from a loopback descriptor's query.
func ParseOptions(u *url.URL) (Options, error) {
	var o Options
	if u == nil {
		return o, nil
	}
	q := u.Query()
	if v := q.Get("delay"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return o, fmt.Errorf("loopback delay %q: must be a non-negative duration", v)
		}
		o.Delay = d
	}
	if v := q.Get("late_by"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return o, fmt.Errorf("loopback late_by %q: must be a positive duration", v)
		}
		o.LateBy = d
	}
	for key, dst := range map[string]*int{
		"fail_every":    &o.FailEvery,
		"drop_every":    &o.DropEvery,
		"open_failures": &o.OpenFailures,
	} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return o, fmt.Errorf("loopback %s %q: must be a non-negative integer", key, v)
		}
		*dst = n
	}
	return o, nil
}

// Client is the loopback transport.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	open     bool
	closed   bool
	sent     int
	attempts int
	timers   map[*time.Timer]struct{}
}

// New creates a loopback client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LateBy <= 0 {
		opts.LateBy = DefaultLateBy
	}
	return &Client{
		opts:   opts,
		logger: logger.With("transport", Name),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Open marks the client open, failing the first OpenFailures attempts.
func (c *Client) Open(ctx context.Context, policy transport.RetryPolicy) error {
	_, err := connwatch.Retry(ctx, policy, Name, c.logger, func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.attempts++
		if c.attempts <= c.opts.OpenFailures {
			return fmt.Errorf("simulated open failure %d of %d", c.attempts, c.opts.OpenFailures)
		}
		c.open = true
		c.closed = false
		return nil
	})
	if err != nil {
		return &transport.ConnectError{Transport: Name, Target: "loopback://", Err: err}
	}
	return nil
}

// Send schedules the outcome for msg.
func (c *Client) Send(msg telemetry.EncodedMessage, done transport.DoneFunc) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		c.report(msg.ID, done, transport.Ack{}, ErrNotOpen)
		return
	}
	c.sent++
	n := c.sent
	c.mu.Unlock()

	var (
		ack   transport.Ack
		err   error
		delay = c.opts.Delay
	)
	switch {
	case c.opts.DropEvery > 0 && n%c.opts.DropEvery == 0:
		c.logger.Debug("dropping message", "message_id", msg.ID, "n", n, "late_by", c.opts.LateBy)
		err = fmt.Errorf("message %d: %w", n, ErrDropped)
		delay += c.opts.LateBy
	case c.opts.FailEvery > 0 && n%c.opts.FailEvery == 0:
		err = fmt.Errorf("message %d: %w", n, ErrInjected)
	default:
		ack = transport.Ack{Detail: fmt.Sprintf("loopback seq %d", n)}
	}

	if delay <= 0 {
		c.report(msg.ID, done, ack, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, t)
		c.mu.Unlock()
		if err == nil {
			ack.At = time.Now()
		}
		c.report(msg.ID, done, ack, err)
	})
	c.timers[t] = struct{}{}
}

func (c *Client) report(id string, done transport.DoneFunc, ack transport.Ack, err error) {
	if cbErr := done(ack, err); cbErr != nil {
		c.logger.Error("delivery callback rejected outcome", "message_id", id, "error", cbErr)
	}
}

// Probe reports whether the client is open.
func (c *Client) Probe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	return nil
}

// Sent returns how many messages were accepted since creation.
func (c *Client) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Close stops outstanding deliveries; their outcomes are never
// reported. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.open = false
	for t := range c.timers {
		t.Stop()
		delete(c.timers, t)
	}
	return nil
}
