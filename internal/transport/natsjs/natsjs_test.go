package natsjs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nugget/devicesim/internal/telemetry"
	"github.com/nugget/devicesim/internal/transport"
)

func TestSubject(t *testing.T) {
	if got := Subject("", "sim-1"); got != "devices.sim-1.telemetry" {
		t.Errorf("default subject = %q", got)
	}
	if got := Subject("lab.env", "sim-1"); got != "lab.env" {
		t.Errorf("override subject = %q", got)
	}
}

func TestServerURLAndStream(t *testing.T) {
	d, err := transport.ParseDescriptor("nats://svc:pw@nats.internal:4222?stream=TELEMETRY", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := ServerURL(d); got != "nats://nats.internal:4222" {
		t.Errorf("ServerURL = %q", got)
	}
	c := New(Options{Descriptor: d, DeviceID: "x"})
	if c.stream != "TELEMETRY" {
		t.Errorf("stream = %q", c.stream)
	}
	if c.opts.ClientName != "devicesim-x" {
		t.Errorf("ClientName = %q", c.opts.ClientName)
	}
}

func TestBuildMsg(t *testing.T) {
	msg := telemetry.EncodedMessage{
		ID:              "0190-m",
		Payload:         []byte(`{"humidity":70}`),
		ContentType:     telemetry.ContentType,
		ContentEncoding: telemetry.ContentEncoding,
		Properties:      map[string]string{"temperatureAlert": "false"},
	}
	m := BuildMsg("devices.d.telemetry", msg)

	if m.Subject != "devices.d.telemetry" {
		t.Errorf("Subject = %q", m.Subject)
	}
	if string(m.Data) != `{"humidity":70}` {
		t.Errorf("Data = %s", m.Data)
	}
	for k, want := range map[string]string{
		nats.MsgIdHdr:         "0190-m",
		HeaderContentType:     telemetry.ContentType,
		HeaderContentEncoding: telemetry.ContentEncoding,
		"temperatureAlert":    "false",
	} {
		if got := m.Header.Get(k); got != want {
			t.Errorf("header %s = %q, want %q", k, got, want)
		}
	}
}

func TestAckFromPubAck(t *testing.T) {
	ack := AckFromPubAck(&jetstream.PubAck{Stream: "TELEMETRY", Sequence: 42})
	if ack.Detail != "stream TELEMETRY seq 42" || ack.Status != 0 || ack.At.IsZero() {
		t.Errorf("ack = %+v", ack)
	}
	dup := AckFromPubAck(&jetstream.PubAck{Stream: "T", Sequence: 1, Duplicate: true})
	if !strings.HasSuffix(dup.Detail, "(duplicate)") {
		t.Errorf("duplicate detail = %q", dup.Detail)
	}
}

func TestSendBeforeOpen(t *testing.T) {
	c := New(Options{DeviceID: "d"})
	var got error
	c.Send(telemetry.EncodedMessage{ID: "m"}, func(_ transport.Ack, err error) error {
		got = err
		return nil
	})
	if !errors.Is(got, ErrNotOpen) {
		t.Errorf("err = %v, want ErrNotOpen", got)
	}
	if err := c.Probe(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Probe = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
