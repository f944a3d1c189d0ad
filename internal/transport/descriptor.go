package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Adapter kinds. They match the config file's transport.kind values.
const (
	KindMQTT     = "mqtt"
	KindMQTT311  = "mqtt311"
	KindNATS     = "nats"
	KindHTTP     = "http"
	KindLoopback = "loopback"
)

// ErrEmptyDescriptor is returned when no connection descriptor was given.
var ErrEmptyDescriptor = errors.New("empty connection descriptor")

// Descriptor is a parsed connection descriptor. The userinfo part of
// the URL is an opaque credential: it is handed to the adapter as-is
// and never logged.
type Descriptor struct {
	Kind     string
	URL      *url.URL
	Username string
	Password string
}

// schemeKinds maps URL schemes to the adapter chosen when no explicit
// kind is configured.
var schemeKinds = map[string]string{
	"mqtt":     KindMQTT,
	"mqtts":    KindMQTT,
	"ssl":      KindMQTT,
	"ws":       KindMQTT,
	"wss":      KindMQTT,
	"tcp":      KindMQTT311,
	"tls":      KindMQTT311,
	"nats":     KindNATS,
	"http":     KindHTTP,
	"https":    KindHTTP,
	"loopback": KindLoopback,
}

// ParseDescriptor parses raw and selects an adapter kind. A non-empty
// kind overrides the scheme mapping.
func ParseDescriptor(raw, kind string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Descriptor{}, ErrEmptyDescriptor
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("parse connection descriptor: %w", err)
	}
	if u.Scheme == "" {
		return Descriptor{}, fmt.Errorf("connection descriptor %q has no scheme", Redact(raw))
	}

	scheme := strings.ToLower(u.Scheme)
	if kind == "" {
		var ok bool
		kind, ok = schemeKinds[scheme]
		if !ok {
			return Descriptor{}, fmt.Errorf("unsupported scheme %q in connection descriptor", scheme)
		}
	}
	if kind != KindLoopback && u.Host == "" {
		return Descriptor{}, fmt.Errorf("connection descriptor %q has no host", Redact(raw))
	}

	d := Descriptor{Kind: kind, URL: u}
	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
	}
	return d, nil
}

// String returns the descriptor with credentials removed, safe for logs.
func (d Descriptor) String() string {
	if d.URL == nil {
		return ""
	}
	return d.URL.Redacted()
}

// Redact strips credentials from a raw descriptor for error messages.
// Unparseable input is replaced wholesale.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User("xxxxx")
	}
	return u.String()
}
