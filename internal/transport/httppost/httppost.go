// Package httppost is the HTTP transport. Each message is one POST and
// the response status is the acknowledgement: any 2xx is an ack,
// anything else a failure carrying the response body.
//
// Headers follow the IoT Hub device-to-cloud REST convention so the
// same endpoint shape works against a hub or a plain collector:
// application properties are sent as iothub-app-<name> and the message
// ID as iothub-messageid.
package httppost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/httpkit"
	"github.com/nugget/devicesim/internal/telemetry"
	"github.com/nugget/devicesim/internal/transport"
)

// Name labels this transport in logs and metrics.
const Name = transport.KindHTTP

// Header names.
const (
	HeaderMessageID  = "iothub-messageid"
	HeaderAppPrefix  = "iothub-app-"
	maxErrorBodySize = 4096
)

// ErrNotOpen is reported for sends before Open or after Close.
var ErrNotOpen = errors.New("httppost: not open")

// Options configures the client.
type Options struct {
	Descriptor transport.Descriptor
	DeviceID   string
	// Path overrides the descriptor path. When both are empty the path
	// is /devices/<DeviceID>/messages/events.
	Path string
	// HTTPClient replaces the httpkit default client. Tests use it.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client posts telemetry over HTTP.
type Client struct {
	opts     Options
	endpoint string
	logger   *slog.Logger
	http     *http.Client

	mu     sync.Mutex
	open   bool
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an unopened client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("transport", Name)
	hc := opts.HTTPClient
	if hc == nil {
		hc = httpkit.NewClient(
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:     opts,
		endpoint: Endpoint(opts.Descriptor, opts.Path, opts.DeviceID),
		logger:   logger,
		http:     hc,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Endpoint returns the POST target for d without userinfo. path, when
// set, replaces the descriptor path.
func Endpoint(d transport.Descriptor, path, deviceID string) string {
	if d.URL == nil {
		return ""
	}
	u := *d.URL
	u.User = nil
	if path != "" {
		u.Path = path
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/devices/" + deviceID + "/messages/events"
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.String()
}

// NewRequest builds the POST for msg.
func NewRequest(ctx context.Context, endpoint string, d transport.Descriptor, msg telemetry.EncodedMessage) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, err
	}
	if msg.ContentType != "" {
		req.Header.Set("Content-Type", msg.ContentType)
	}
	if msg.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", msg.ContentEncoding)
	}
	if msg.ID != "" {
		req.Header.Set(HeaderMessageID, msg.ID)
	}
	for k, v := range msg.Properties {
		req.Header.Set(HeaderAppPrefix+k, v)
	}
	switch {
	case d.Username != "" && d.Password != "":
		req.SetBasicAuth(d.Username, d.Password)
	case d.Username != "":
		req.Header.Set("Authorization", "Bearer "+d.Username)
	}
	return req, nil
}

// Open checks that the endpoint's host answers, retrying per policy.
// Any HTTP response counts; only transport-level errors are retried.
func (c *Client) Open(ctx context.Context, policy transport.RetryPolicy) error {
	if c.opts.Descriptor.URL == nil {
		return &transport.ConnectError{Transport: Name, Err: transport.ErrEmptyDescriptor}
	}
	_, err := connwatch.Retry(ctx, policy, Name, c.logger, c.reach)
	if err != nil {
		return &transport.ConnectError{Transport: Name, Target: c.opts.Descriptor.String(), Err: err}
	}
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.logger.Info("http transport open", "endpoint", c.endpoint)
	return nil
}

func (c *Client) reach(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return err
	}
	u.Path, u.RawQuery = "/", ""
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 1024)
	return nil
}

// Send posts msg in the background and reports the response status.
func (c *Client) Send(msg telemetry.EncodedMessage, done transport.DoneFunc) {
	c.mu.Lock()
	open, ctx := c.open, c.ctx
	c.mu.Unlock()
	if !open {
		report(c.logger, msg.ID, done, transport.Ack{}, ErrNotOpen)
		return
	}

	req, err := NewRequest(ctx, c.endpoint, c.opts.Descriptor, msg)
	if err != nil {
		report(c.logger, msg.ID, done, transport.Ack{}, fmt.Errorf("build request: %w", err))
		return
	}
	go func() {
		ack, err := c.do(req)
		report(c.logger, msg.ID, done, ack, err)
	}()
}

func (c *Client) do(req *http.Request) (transport.Ack, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return transport.Ack{}, ErrNotOpen
		}
		return transport.Ack{}, fmt.Errorf("post: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, maxErrorBodySize)
		return transport.Ack{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(body)}
	}
	httpkit.DrainAndClose(resp.Body, 1024)
	return transport.Ack{Status: resp.StatusCode, Detail: resp.Status, At: time.Now()}, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

func report(logger *slog.Logger, id string, done transport.DoneFunc, ack transport.Ack, err error) {
	if cbErr := done(ack, err); cbErr != nil {
		logger.Error("delivery callback rejected outcome", "message_id", id, "error", cbErr)
	}
}

// Probe checks that the endpoint host still answers.
func (c *Client) Probe(ctx context.Context) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	return c.reach(ctx)
}

// Close aborts in-flight posts. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.cancel()
	c.http.CloseIdleConnections()
	return nil
}
