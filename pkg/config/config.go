// Package config loads client configuration from YAML files.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rtsync/rtsync-go/pkg/connection"
	"github.com/rtsync/rtsync-go/pkg/session"
	"github.com/rtsync/rtsync-go/pkg/subscription"
	"github.com/rtsync/rtsync-go/pkg/transport"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

// Config is the file form of a client configuration. Zero values take the
// package defaults of the component they configure.
type Config struct {
	// URL is the gateway WebSocket address (wss://...).
	URL string `yaml:"url"`

	Capabilities  []string          `yaml:"capabilities,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty"`
	Registrations []Registration    `yaml:"registrations,omitempty"`
	Tweaks        map[string]any    `yaml:"tweaks,omitempty"`

	Timeouts      Timeouts      `yaml:"timeouts"`
	Reconnect     Reconnect     `yaml:"reconnect"`
	Token         Token         `yaml:"token"`
	Subscriptions Subscriptions `yaml:"subscriptions"`
	TLS           TLS           `yaml:"tls"`

	// ContinuationFile persists the continuation token. Empty disables it.
	ContinuationFile string `yaml:"continuation_file,omitempty"`

	// ProtocolLog is a CBOR protocol capture file. Empty disables capture.
	ProtocolLog string `yaml:"protocol_log,omitempty"`

	// ProtocolLogMaxSize rolls the capture file over once it would grow
	// past this many bytes. Zero never rolls over.
	ProtocolLogMaxSize int64 `yaml:"protocol_log_max_size,omitempty"`

	// ProtocolLogKeep is the number of rolled over capture files kept
	// (default 3).
	ProtocolLogKeep int `yaml:"protocol_log_keep,omitempty"`

	// LogLevel is the operational log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level,omitempty"`
}

// Registration routes a product's push traffic to the connection.
type Registration struct {
	Product       string   `yaml:"product"`
	Type          string   `yaml:"type"`
	Notifications []string `yaml:"notifications,omitempty"`
}

// Timeouts bound session operations.
type Timeouts struct {
	Request   time.Duration `yaml:"request,omitempty"`
	Init      time.Duration `yaml:"init,omitempty"`
	Watchdog  time.Duration `yaml:"watchdog,omitempty"`
	Handshake time.Duration `yaml:"handshake,omitempty"`
}

// Reconnect shapes the reconnect backoff.
type Reconnect struct {
	// MaxWait caps the wait between attempts (default 45s).
	MaxWait time.Duration `yaml:"max_wait,omitempty"`

	// Jitter is the random spread as a fraction of the wait. Unset uses
	// 0.2; 0 disables jitter.
	Jitter *float64 `yaml:"jitter,omitempty"`
}

// Token configures access token handling.
type Token struct {
	// RefreshMargin is how long before expiry a refresh is requested.
	RefreshMargin time.Duration `yaml:"refresh_margin,omitempty"`
}

// Subscriptions configures the subscription coordinator.
type Subscriptions struct {
	InitialBatchSize int           `yaml:"initial_batch_size,omitempty"`
	BatchWindow      time.Duration `yaml:"batch_window,omitempty"`
	RetryInitial     time.Duration `yaml:"retry_initial,omitempty"`
	RetryMax         time.Duration `yaml:"retry_max,omitempty"`
	Path             string        `yaml:"path,omitempty"`
	Target           string        `yaml:"target,omitempty"`
}

// TLS configures certificate verification.
type TLS struct {
	// RootCAFile adds PEM certificates to the system pool.
	RootCAFile string `yaml:"root_ca_file,omitempty"`

	// ServerName overrides the name checked against the certificate.
	ServerName string `yaml:"server_name,omitempty"`

	// InsecureSkipVerify disables verification. Testing only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
}

// LoadError reports a configuration file that could not be used.
type LoadError struct {
	// File is the path of the file, if any.
	File string

	// Message describes the problem.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.File != "" {
		return e.File + ": " + msg
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Parse reads a configuration from YAML bytes and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{File: path, Message: err.Error()}
	}
	return cfg, nil
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	if c.URL == "" {
		return &LoadError{Message: "url is required"}
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &LoadError{Message: "invalid url", Cause: err}
	}
	if u.Scheme != "wss" && u.Scheme != "ws" {
		return &LoadError{Message: fmt.Sprintf("url scheme %q is not ws or wss", u.Scheme)}
	}
	if u.Host == "" {
		return &LoadError{Message: "url has no host"}
	}

	for name, d := range map[string]time.Duration{
		"timeouts.request":            c.Timeouts.Request,
		"timeouts.init":               c.Timeouts.Init,
		"timeouts.watchdog":           c.Timeouts.Watchdog,
		"timeouts.handshake":          c.Timeouts.Handshake,
		"reconnect.max_wait":          c.Reconnect.MaxWait,
		"token.refresh_margin":        c.Token.RefreshMargin,
		"subscriptions.batch_window":  c.Subscriptions.BatchWindow,
		"subscriptions.retry_initial": c.Subscriptions.RetryInitial,
		"subscriptions.retry_max":     c.Subscriptions.RetryMax,
	} {
		if d < 0 {
			return &LoadError{Message: fmt.Sprintf("%s must not be negative", name)}
		}
	}
	if j := c.Reconnect.Jitter; j != nil && (*j < 0 || *j > 1) {
		return &LoadError{Message: "reconnect.jitter must be between 0 and 1"}
	}
	if c.ProtocolLogMaxSize < 0 || c.ProtocolLogKeep < 0 {
		return &LoadError{Message: "protocol_log_max_size and protocol_log_keep must not be negative"}
	}
	if c.Subscriptions.InitialBatchSize < 0 {
		return &LoadError{Message: "subscriptions.initial_batch_size must not be negative"}
	}
	for i, r := range c.Registrations {
		if r.Product == "" || r.Type == "" {
			return &LoadError{Message: fmt.Sprintf("registrations[%d] needs product and type", i)}
		}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return &LoadError{Message: fmt.Sprintf("unknown log_level %q", c.LogLevel)}
	}
	return nil
}

// SessionConfig returns the session settings. Stores, loggers and the
// token supplier are left to the caller.
func (c *Config) SessionConfig() (session.Config, error) {
	cfg := session.Config{
		URL:                c.URL,
		Capabilities:       c.Capabilities,
		Metadata:           c.Metadata,
		RequestTimeout:     c.Timeouts.Request,
		InitTimeout:        c.Timeouts.Init,
		WatchdogTimeout:    c.Timeouts.Watchdog,
		TokenRefreshMargin: c.Token.RefreshMargin,
		Backoff: connection.BackoffConfig{
			Strategy: connection.StrategyFibonacci,
			Max:      c.Reconnect.MaxWait,
		},
	}
	if j := c.Reconnect.Jitter; j != nil {
		cfg.Backoff.Jitter = *j
		if *j == 0 {
			cfg.Backoff.Jitter = -1
		}
	}
	for _, r := range c.Registrations {
		cfg.Registrations = append(cfg.Registrations, wire.Registration{
			Product:       r.Product,
			Type:          r.Type,
			Notifications: r.Notifications,
		})
	}
	if len(c.Tweaks) > 0 {
		raw, err := json.Marshal(c.Tweaks)
		if err != nil {
			return session.Config{}, &LoadError{Message: "tweaks are not JSON compatible", Cause: err}
		}
		cfg.Tweaks = raw
	}
	return cfg, nil
}

// SubscriptionConfig returns the coordinator settings.
func (c *Config) SubscriptionConfig() subscription.Config {
	return subscription.Config{
		BatchWindow:      c.Subscriptions.BatchWindow,
		InitialBatchSize: c.Subscriptions.InitialBatchSize,
		RequestTimeout:   c.Timeouts.Request,
		RetryInitial:     c.Subscriptions.RetryInitial,
		RetryMax:         c.Subscriptions.RetryMax,
		Path:             c.Subscriptions.Path,
		Target:           c.Subscriptions.Target,
	}
}

// TransportConfig returns the WebSocket settings, loading the root CA file
// if one is configured.
func (c *Config) TransportConfig() (transport.Config, error) {
	tlsCfg := &transport.TLSConfig{
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if c.TLS.RootCAFile != "" {
		pool, err := transport.LoadRootCAs(c.TLS.RootCAFile)
		if err != nil {
			return transport.Config{}, &LoadError{File: c.TLS.RootCAFile, Message: "failed to load root CAs", Cause: err}
		}
		tlsCfg.RootCAs = pool
	}
	return transport.Config{
		URL:              c.URL,
		TLSConfig:        transport.NewClientTLSConfig(tlsCfg),
		HandshakeTimeout: c.Timeouts.Handshake,
	}, nil
}
