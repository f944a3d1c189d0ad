// Package config handles devicesim configuration loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/devicesim/config.yaml, /etc/devicesim/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "devicesim", "config.yaml"))
	}

	paths = append(paths, "/etc/devicesim/config.yaml")
	return paths
}

// ErrNoConfig is returned by [FindConfig] when no explicit path was
// given and none of the default search paths exist. Callers that can
// run on built-in defaults check for it with [errors.Is].
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all devicesim configuration.
type Config struct {
	// DeviceID names the simulated device in topics and the ledger.
	// When empty, a persistent UUIDv7 is generated in DataDir.
	DeviceID  string          `yaml:"device_id"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	Listen    ListenConfig    `yaml:"listen"`
	Generator GeneratorConfig `yaml:"generator"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Publisher PublisherConfig `yaml:"publisher"`
	Transport TransportConfig `yaml:"transport"`
}

// ListenConfig defines the optional monitor server. A zero port
// disables it.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Enabled reports whether the monitor server should be started.
func (c ListenConfig) Enabled() bool {
	return c.Port > 0
}

// GeneratorConfig shapes the synthetic readings. Each value is drawn
// uniformly from [base, base+range).
type GeneratorConfig struct {
	BaseTemp      float64 `yaml:"base_temp"`
	TempRange     float64 `yaml:"temp_range"`
	BaseHumidity  float64 `yaml:"base_humidity"`
	HumidityRange float64 `yaml:"humidity_range"`
	// Seed fixes the random sequence. Zero seeds from the runtime.
	Seed uint64 `yaml:"seed"`
}

// EncoderConfig controls message classification.
type EncoderConfig struct {
	// AlertThreshold is the temperature above which the
	// temperatureAlert property is "true".
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// PublisherConfig controls the publish cycle.
type PublisherConfig struct {
	Interval   time.Duration `yaml:"interval"`    // pacing between cycles (default 1s)
	AckTimeout time.Duration `yaml:"ack_timeout"` // bounded wait per send (default 10s)
	// MaxMessages stops the loop after this many send attempts.
	// Zero means run until interrupted.
	MaxMessages int `yaml:"max_messages"`
}

// TransportConfig selects and tunes the transport client.
type TransportConfig struct {
	// URL is the connection descriptor. Userinfo, if present, is passed
	// to the broker as an opaque credential.
	URL string `yaml:"url"`
	// Kind overrides the adapter chosen from the URL scheme: mqtt,
	// mqtt311, nats, http, or loopback.
	Kind string `yaml:"kind"`
	// Topic overrides the adapter's default destination (MQTT topic,
	// NATS subject, or HTTP path).
	Topic    string      `yaml:"topic"`
	ClientID string      `yaml:"client_id"`
	Retry    RetryConfig `yaml:"retry"`
	// HealthInterval is how often the open connection is probed for
	// the /health endpoint (default 30s).
	HealthInterval time.Duration `yaml:"health_interval"`
}

// RetryConfig is the open retry policy. Zero values fall back to the
// connwatch defaults.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxRetries   int           `yaml:"max_retries"`
	Timeout      time.Duration `yaml:"timeout"` // per attempt
}

// Transport kinds accepted by [TransportConfig.Kind].
const (
	KindMQTT     = "mqtt"
	KindMQTT311  = "mqtt311"
	KindNATS     = "nats"
	KindHTTP     = "http"
	KindLoopback = "loopback"
)

// Load reads configuration from a YAML file. Values absent from the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration matching the classic
// device sample: 20-35 °C, 60-80 % humidity, alert above 30 °C, one
// message per second.
func Default() *Config {
	return &Config{
		DataDir:   "data",
		LogFormat: "text",
		Generator: GeneratorConfig{
			BaseTemp:      20,
			TempRange:     15,
			BaseHumidity:  60,
			HumidityRange: 20,
		},
		Encoder: EncoderConfig{AlertThreshold: 30},
		Publisher: PublisherConfig{
			Interval:   time.Second,
			AckTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			HealthInterval: 30 * time.Second,
		},
	}
}

// applyDefaults fills fields that an explicit YAML zero would leave
// unusable.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	c.DataDir = ExpandHome(c.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Publisher.Interval == 0 {
		c.Publisher.Interval = time.Second
	}
	if c.Publisher.AckTimeout == 0 {
		c.Publisher.AckTimeout = 10 * time.Second
	}
	if c.Transport.HealthInterval == 0 {
		c.Transport.HealthInterval = 30 * time.Second
	}
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
}

// Validate checks the configuration for values the publisher cannot
// run with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if !validLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"generator.base_temp", c.Generator.BaseTemp},
		{"generator.temp_range", c.Generator.TempRange},
		{"generator.base_humidity", c.Generator.BaseHumidity},
		{"generator.humidity_range", c.Generator.HumidityRange},
		{"encoder.alert_threshold", c.Encoder.AlertThreshold},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			errs = append(errs, fmt.Errorf("%s must be a finite number", f.name))
		}
	}
	if c.Generator.TempRange < 0 {
		errs = append(errs, fmt.Errorf("generator.temp_range must not be negative"))
	}
	if c.Generator.HumidityRange < 0 {
		errs = append(errs, fmt.Errorf("generator.humidity_range must not be negative"))
	}
	if c.Publisher.Interval < 0 {
		errs = append(errs, fmt.Errorf("publisher.interval must not be negative"))
	}
	if c.Publisher.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("publisher.ack_timeout must be positive"))
	}
	if c.Publisher.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("publisher.max_messages must not be negative"))
	}
	switch c.Transport.Kind {
	case "", KindMQTT, KindMQTT311, KindNATS, KindHTTP, KindLoopback:
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q is not one of mqtt, mqtt311, nats, http, loopback", c.Transport.Kind))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	return errors.Join(errs...)
}

// ExpandHome replaces a leading ~ with the user's home directory. Other
// paths, and ~user forms, are returned unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
