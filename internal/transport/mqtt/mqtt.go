// Package mqtt is the MQTT v5 transport, built on paho's autopaho
// connection manager.
//
// Each message is published at QoS 1; the PUBACK reason code is the
// acknowledgement status, and codes of 0x80 and above are delivery
// failures. Message properties travel as MQTT v5 user properties. A
// retained "online" birth message and an "offline" last will are kept
// on <topic>/availability so dashboards can tell a stopped simulator
// from a quiet one.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/telemetry"
	"github.com/nugget/devicesim/internal/transport"
)

// Name labels this transport in logs and metrics.
const Name = transport.KindMQTT

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// UserPropertyMessageID carries the message ID alongside the
// application properties.
const UserPropertyMessageID = "message-id"

// ErrNotOpen is reported for sends before Open or after Close.
var ErrNotOpen = errors.New("mqtt: not open")

// Options configures the client.
type Options struct {
	Descriptor transport.Descriptor
	DeviceID   string
	// ClientID defaults to "devicesim-<DeviceID>".
	ClientID string
	// Topic defaults to "devices/<DeviceID>/messages/events".
	Topic string
	// KeepAlive in seconds; defaults to 30.
	KeepAlive uint16
	Logger    *slog.Logger
}

// Client publishes telemetry over MQTT v5.
type Client struct {
	opts   Options
	topic  string
	logger *slog.Logger

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
	runCtx context.Context

	closeOnce sync.Once
	closeErr  error
}

// New creates an unopened client.
func New(opts Options) *Client {
	if opts.ClientID == "" {
		opts.ClientID = "devicesim-" + opts.DeviceID
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		topic:  TelemetryTopic(opts.Topic, opts.DeviceID),
		logger: logger.With("transport", Name),
	}
}

// TelemetryTopic returns override if set, else the IoT Hub style
// device-to-cloud topic for deviceID.
func TelemetryTopic(override, deviceID string) string {
	if override != "" {
		return override
	}
	return "devices/" + deviceID + "/messages/events"
}

// AvailabilityTopic returns the birth/will topic for a telemetry topic.
func AvailabilityTopic(topic string) string {
	return topic + "/availability"
}

// clientConfig builds the autopaho configuration. Credentials from the
// descriptor go to CONNECT and are stripped from the server URL.
func (c *Client) clientConfig(ctx context.Context) autopaho.ClientConfig {
	server := *c.opts.Descriptor.URL
	server.User = nil

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{&server},
		KeepAlive:                     c.opts.KeepAlive,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               c.opts.Descriptor.Username,
		WillMessage: &paho.WillMessage{
			Topic:   AvailabilityTopic(c.topic),
			Payload: []byte(PayloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.opts.Descriptor.String())
			c.publishAvailability(ctx, cm, PayloadOnline)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.opts.ClientID,
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}
	if c.opts.Descriptor.Password != "" {
		cfg.ConnectPassword = []byte(c.opts.Descriptor.Password)
	}
	if UsesTLS(server.Scheme) {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// UsesTLS reports whether scheme selects an encrypted connection.
func UsesTLS(scheme string) bool {
	switch scheme {
	case "mqtts", "ssl", "tls", "wss":
		return true
	}
	return false
}

// Open starts the connection manager and waits, per policy, for the
// first successful connection.
func (c *Client) Open(ctx context.Context, policy transport.RetryPolicy) error {
	if c.opts.Descriptor.URL == nil {
		return &transport.ConnectError{Transport: Name, Err: transport.ErrEmptyDescriptor}
	}

	// The connection outlives Open's ctx; Close cancels it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cm, err := autopaho.NewConnection(runCtx, c.clientConfig(runCtx))
	if err != nil {
		cancel()
		return &transport.ConnectError{Transport: Name, Target: c.opts.Descriptor.String(), Err: err}
	}

	_, err = connwatch.Retry(ctx, policy, Name, c.logger, cm.AwaitConnection)
	if err != nil {
		cancel()
		return &transport.ConnectError{Transport: Name, Target: c.opts.Descriptor.String(), Err: err}
	}

	c.mu.Lock()
	c.cm = cm
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()
	c.logger.Info("mqtt transport open", "topic", c.topic, "client_id", c.opts.ClientID)
	return nil
}

// Send publishes msg at QoS 1 on its own goroutine and reports the
// PUBACK through done.
func (c *Client) Send(msg telemetry.EncodedMessage, done transport.DoneFunc) {
	c.mu.Lock()
	cm, runCtx := c.cm, c.runCtx
	c.mu.Unlock()

	if cm == nil {
		report(c.logger, msg.ID, done, transport.Ack{}, ErrNotOpen)
		return
	}

	pub := BuildPublish(c.topic, msg)
	go func() {
		resp, err := cm.Publish(runCtx, pub)
		ack, err := Classify(resp, err)
		report(c.logger, msg.ID, done, ack, err)
	}()
}

// BuildPublish converts msg into a QoS 1 PUBLISH on topic. User
// properties are sorted by key.
func BuildPublish(topic string, msg telemetry.EncodedMessage) *paho.Publish {
	keys := make([]string, 0, len(msg.Properties))
	for k := range msg.Properties {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	user := make(paho.UserProperties, 0, len(keys)+1)
	user = append(user, paho.UserProperty{Key: UserPropertyMessageID, Value: msg.ID})
	for _, k := range keys {
		user = append(user, paho.UserProperty{Key: k, Value: msg.Properties[k]})
	}

	return &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: msg.Payload,
		Properties: &paho.PublishProperties{
			ContentType: msg.ContentType,
			User:        user,
		},
	}
}

// Classify turns a publish result into an Ack or a failure. A reason
// code of 0x80 or higher is a failure even when paho returned no error.
func Classify(resp *paho.PublishResponse, err error) (transport.Ack, error) {
	var ack transport.Ack
	if resp != nil {
		ack.Status = int(resp.ReasonCode)
		if resp.Properties != nil {
			ack.Detail = resp.Properties.ReasonString
		}
	}
	if err != nil {
		return transport.Ack{}, fmt.Errorf("publish: %w", err)
	}
	if ack.Status >= 0x80 {
		if ack.Detail != "" {
			return transport.Ack{}, fmt.Errorf("publish rejected: reason code 0x%02x: %s", ack.Status, ack.Detail)
		}
		return transport.Ack{}, fmt.Errorf("publish rejected: reason code 0x%02x", ack.Status)
	}
	ack.At = time.Now()
	return ack, nil
}

func report(logger *slog.Logger, id string, done transport.DoneFunc, ack transport.Ack, err error) {
	if cbErr := done(ack, err); cbErr != nil {
		logger.Error("delivery callback rejected outcome", "message_id", id, "error", cbErr)
	}
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   AvailabilityTopic(c.topic),
		QoS:     1,
		Retain:  true,
		Payload: []byte(state),
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed", "state", state, "error", err)
	}
}

// Probe waits for the connection to be up.
func (c *Client) Probe(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return ErrNotOpen
	}
	return cm.AwaitConnection(ctx)
}

// Close publishes the offline availability message, disconnects, and
// stops the connection manager. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cm, runCtx, cancel := c.cm, c.runCtx, c.cancel
		c.cm = nil
		c.mu.Unlock()
		if cm == nil {
			return
		}
		defer cancel()

		c.publishAvailability(runCtx, cm, PayloadOffline)
		ctx, stop := context.WithTimeout(runCtx, 5*time.Second)
		defer stop()
		if err := cm.Disconnect(ctx); err != nil {
			c.closeErr = fmt.Errorf("mqtt disconnect: %w", err)
		}
	})
	return c.closeErr
}
