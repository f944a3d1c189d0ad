package main

import (
	"fmt"
	"log/slog"

	"github.com/nugget/devicesim/internal/config"
	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/transport"
	"github.com/nugget/devicesim/internal/transport/httppost"
	"github.com/nugget/devicesim/internal/transport/loopback"
	"github.com/nugget/devicesim/internal/transport/mqtt"
	"github.com/nugget/devicesim/internal/transport/mqtt311"
	"github.com/nugget/devicesim/internal/transport/natsjs"
)

// resolveDescriptor picks the connection descriptor from the command
// line, then the config file, then the environment, and parses it.
func resolveDescriptor(arg string, cfg config.TransportConfig, getenv func(string) string) (transport.Descriptor, error) {
	raw := arg
	if raw == "" {
		raw = cfg.URL
	}
	if raw == "" {
		raw = getenv(EnvConnection)
	}
	if raw == "" {
		return transport.Descriptor{}, fmt.Errorf("%w: pass one to run, set transport.url, or set %s",
			transport.ErrEmptyDescriptor, EnvConnection)
	}
	return transport.ParseDescriptor(raw, cfg.Kind)
}

// newTransport builds the adapter for d.Kind.
func newTransport(d transport.Descriptor, cfg config.TransportConfig, deviceID string, logger *slog.Logger) (transport.Client, error) {
	switch d.Kind {
	case transport.KindMQTT:
		return mqtt.New(mqtt.Options{
			Descriptor: d,
			DeviceID:   deviceID,
			ClientID:   cfg.ClientID,
			Topic:      cfg.Topic,
			Logger:     logger,
		}), nil
	case transport.KindMQTT311:
		return mqtt311.New(mqtt311.Options{
			Descriptor: d,
			DeviceID:   deviceID,
			ClientID:   cfg.ClientID,
			Topic:      cfg.Topic,
			Logger:     logger,
		}), nil
	case transport.KindNATS:
		return natsjs.New(natsjs.Options{
			Descriptor: d,
			DeviceID:   deviceID,
			Subject:    cfg.Topic,
			ClientName: cfg.ClientID,
			Logger:     logger,
		}), nil
	case transport.KindHTTP:
		return httppost.New(httppost.Options{
			Descriptor: d,
			DeviceID:   deviceID,
			Path:       cfg.Topic,
			Logger:     logger,
		}), nil
	case transport.KindLoopback:
		opts, err := loopback.ParseOptions(d.URL)
		if err != nil {
			return nil, err
		}
		opts.Logger = logger
		return loopback.New(opts), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", d.Kind)
	}
}

// retryPolicy converts the config retry block. Zero fields fall back to
// the connwatch defaults.
func retryPolicy(rc config.RetryConfig) transport.RetryPolicy {
	return connwatch.BackoffConfig{
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.Multiplier,
		MaxRetries:   rc.MaxRetries,
		ProbeTimeout: rc.Timeout,
	}.WithDefaults()
}
