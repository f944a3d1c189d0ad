// Package mqtt311 is the MQTT 3.1.1 transport, for brokers and hubs
// that do not speak v5. It uses the classic paho client.
//
// MQTT 3.1.1 has no user properties, so message properties ride in the
// topic as an IoT Hub style property bag:
//
//	devices/<id>/messages/events/$.ct=application%2Fjson&$.ce=utf-8&$.mid=<id>&temperatureAlert=false
//
// The acknowledgement is the completion of the QoS 1 publish token.
package mqtt311

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/telemetry"
	"github.com/nugget/devicesim/internal/transport"
)

// Name labels this transport in logs and metrics.
const Name = transport.KindMQTT311

// System property keys in the property bag.
const (
	BagMessageID       = "$.mid"
	BagContentType     = "$.ct"
	BagContentEncoding = "$.ce"
)

// ErrNotOpen is reported for sends before Open or after Close.
var ErrNotOpen = errors.New("mqtt311: not open")

// Options configures the client.
type Options struct {
	Descriptor transport.Descriptor
	DeviceID   string
	ClientID   string // defaults to DeviceID
	Topic      string // defaults to devices/<DeviceID>/messages/events
	Logger     *slog.Logger
}

// Client publishes telemetry over MQTT 3.1.1.
type Client struct {
	opts   Options
	base   string
	logger *slog.Logger

	mu     sync.Mutex
	client paho.Client
	closed chan struct{}

	closeOnce sync.Once
}

// New creates an unopened client.
func New(opts Options) *Client {
	if opts.ClientID == "" {
		opts.ClientID = opts.DeviceID
	}
	base := opts.Topic
	if base == "" {
		base = "devices/" + opts.DeviceID + "/messages/events"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		base:   strings.TrimSuffix(base, "/"),
		logger: logger.With("transport", Name),
		closed: make(chan struct{}),
	}
}

// PropertyBagTopic appends msg's system and application properties to
// base as a URL-encoded property bag. Keys are sorted.
func PropertyBagTopic(base string, msg telemetry.EncodedMessage) string {
	pairs := make([]string, 0, len(msg.Properties)+3)
	if msg.ContentType != "" {
		pairs = append(pairs, BagContentType+"="+url.QueryEscape(msg.ContentType))
	}
	if msg.ContentEncoding != "" {
		pairs = append(pairs, BagContentEncoding+"="+url.QueryEscape(msg.ContentEncoding))
	}
	if msg.ID != "" {
		pairs = append(pairs, BagMessageID+"="+url.QueryEscape(msg.ID))
	}

	keys := make([]string, 0, len(msg.Properties))
	for k := range msg.Properties {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(msg.Properties[k]))
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.Join(pairs, "&")
}

// BrokerURL returns the descriptor URL without userinfo, the form the
// paho client expects.
func BrokerURL(d transport.Descriptor) string {
	if d.URL == nil {
		return ""
	}
	u := *d.URL
	u.User = nil
	return u.String()
}

func (c *Client) clientOptions(policy transport.RetryPolicy) *paho.ClientOptions {
	avail := c.base + "/availability"
	o := paho.NewClientOptions()
	o.AddBroker(BrokerURL(c.opts.Descriptor))
	o.SetClientID(c.opts.ClientID)
	o.SetUsername(c.opts.Descriptor.Username)
	o.SetPassword(c.opts.Descriptor.Password)
	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetOrderMatters(false)
	o.SetConnectTimeout(policy.WithDefaults().ProbeTimeout)
	o.SetMaxReconnectInterval(30 * time.Second)
	o.SetWill(avail, "offline", 1, true)
	if s := c.opts.Descriptor.URL.Scheme; s == "ssl" || s == "tls" || s == "mqtts" || s == "wss" {
		o.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	o.SetOnConnectHandler(func(pc paho.Client) {
		c.logger.Info("mqtt connected to broker", "broker", c.opts.Descriptor.String())
		tok := pc.Publish(avail, 1, true, "online")
		if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
			c.logger.Warn("mqtt availability publish failed", "error", tok.Error())
		}
	})
	o.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	})
	return o
}

// Open connects, retrying per policy.
func (c *Client) Open(ctx context.Context, policy transport.RetryPolicy) error {
	if c.opts.Descriptor.URL == nil {
		return &transport.ConnectError{Transport: Name, Err: transport.ErrEmptyDescriptor}
	}
	pc := paho.NewClient(c.clientOptions(policy))

	_, err := connwatch.Retry(ctx, policy, Name, c.logger, func(actx context.Context) error {
		tok := pc.Connect()
		select {
		case <-tok.Done():
			return tok.Error()
		case <-actx.Done():
			return actx.Err()
		}
	})
	if err != nil {
		return &transport.ConnectError{Transport: Name, Target: c.opts.Descriptor.String(), Err: err}
	}

	c.mu.Lock()
	c.client = pc
	c.mu.Unlock()
	c.logger.Info("mqtt transport open", "topic", c.base, "client_id", c.opts.ClientID)
	return nil
}

// Send publishes msg at QoS 1 and reports token completion.
func (c *Client) Send(msg telemetry.EncodedMessage, done transport.DoneFunc) {
	c.mu.Lock()
	pc := c.client
	c.mu.Unlock()
	if pc == nil {
		report(c.logger, msg.ID, done, transport.Ack{}, ErrNotOpen)
		return
	}

	tok := pc.Publish(PropertyBagTopic(c.base, msg), 1, false, msg.Payload)
	go func() {
		select {
		case <-tok.Done():
		case <-c.closed:
			report(c.logger, msg.ID, done, transport.Ack{}, ErrNotOpen)
			return
		}
		if err := tok.Error(); err != nil {
			report(c.logger, msg.ID, done, transport.Ack{}, fmt.Errorf("publish: %w", err))
			return
		}
		ack := transport.Ack{At: time.Now()}
		if pt, ok := tok.(*paho.PublishToken); ok {
			ack.Detail = fmt.Sprintf("packet id %d", pt.MessageID())
		}
		report(c.logger, msg.ID, done, ack, nil)
	}()
}

func report(logger *slog.Logger, id string, done transport.DoneFunc, ack transport.Ack, err error) {
	if cbErr := done(ack, err); cbErr != nil {
		logger.Error("delivery callback rejected outcome", "message_id", id, "error", cbErr)
	}
}

// Probe reports whether the connection is currently up.
func (c *Client) Probe(context.Context) error {
	c.mu.Lock()
	pc := c.client
	c.mu.Unlock()
	if pc == nil {
		return ErrNotOpen
	}
	if !pc.IsConnectionOpen() {
		return errors.New("mqtt311: connection down")
	}
	return nil
}

// Close publishes the offline availability message and disconnects.
// Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		pc := c.client
		c.client = nil
		c.mu.Unlock()
		if pc == nil {
			return
		}
		if pc.IsConnectionOpen() {
			pc.Publish(c.base+"/availability", 1, true, "offline").WaitTimeout(2 * time.Second)
		}
		pc.Disconnect(250)
	})
	return nil
}
