package mqtt311

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/telemetry"
	"github.com/nugget/devicesim/internal/transport"
)

// freeAddr reserves a loopback port and releases it for the broker.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// runBroker starts an in-process MQTT broker that accepts any client.
func runBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	srv := mochi.New(&mochi.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatal(err)
	}
	if err := srv.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatal(err)
	}
	if err := srv.Serve(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return addr
}

type received struct {
	topic   string
	payload string
}

// subscribe connects a plain paho client to filter and forwards every
// message it receives.
func subscribe(t *testing.T, addr, filter string) <-chan received {
	t.Helper()
	ch := make(chan received, 16)
	o := paho.NewClientOptions().AddBroker("tcp://" + addr).SetClientID("watcher-" + filter)
	pc := paho.NewClient(o)
	if tok := pc.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("watcher connect: %v", tok.Error())
	}
	t.Cleanup(func() { pc.Disconnect(100) })
	tok := pc.Subscribe(filter, 1, func(_ paho.Client, m paho.Message) {
		ch <- received{topic: m.Topic(), payload: string(m.Payload())}
	})
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("watcher subscribe: %v", tok.Error())
	}
	return ch
}

func waitFor(t *testing.T, ch <-chan received, topic string) received {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-ch:
			if r.topic == topic {
				return r
			}
		case <-deadline:
			t.Fatalf("no message on %s", topic)
			return received{}
		}
	}
}

func testPolicy() transport.RetryPolicy {
	return connwatch.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   3,
		ProbeTimeout: 2 * time.Second,
	}
}

func TestSendThroughBroker(t *testing.T) {
	addr := runBroker(t)
	events := subscribe(t, addr, "devices/sim-1/messages/events/#")

	d, err := transport.ParseDescriptor("tcp://"+addr, "")
	if err != nil {
		t.Fatal(err)
	}
	c := New(Options{Descriptor: d, DeviceID: "sim-1"})
	if err := c.Open(context.Background(), testPolicy()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if r := waitFor(t, events, "devices/sim-1/messages/events/availability"); r.payload != "online" {
		t.Errorf("availability = %q, want online", r.payload)
	}
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("Probe on open client: %v", err)
	}

	msg := telemetry.EncodedMessage{
		ID:              "msg-1",
		Payload:         []byte(`{"temperature":22.5,"humidity":65}`),
		Properties:      map[string]string{telemetry.PropertyTemperatureAlert: "false"},
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
	}
	acks := make(chan error, 1)
	var ack transport.Ack
	c.Send(msg, func(a transport.Ack, err error) error {
		ack = a
		acks <- err
		return nil
	})
	select {
	case err := <-acks:
		if err != nil {
			t.Fatalf("send outcome: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("publish token never completed")
	}
	if ack.Detail == "" || ack.At.IsZero() {
		t.Errorf("ack = %+v", ack)
	}

	r := waitFor(t, events, PropertyBagTopic("devices/sim-1/messages/events", msg))
	if r.payload != string(msg.Payload) {
		t.Errorf("payload = %s", r.payload)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if r := waitFor(t, events, "devices/sim-1/messages/events/availability"); r.payload != "offline" {
		t.Errorf("availability after Close = %q, want offline", r.payload)
	}
	if err := c.Probe(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Probe after Close = %v, want ErrNotOpen", err)
	}
}

func TestOpenUnreachableBroker(t *testing.T) {
	d, err := transport.ParseDescriptor("tcp://"+freeAddr(t), "")
	if err != nil {
		t.Fatal(err)
	}
	policy := testPolicy()
	policy.MaxRetries = 2
	policy.ProbeTimeout = 500 * time.Millisecond

	err = New(Options{Descriptor: d, DeviceID: "x"}).Open(context.Background(), policy)
	var ce *transport.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Open error = %v, want ConnectError", err)
	}
}
