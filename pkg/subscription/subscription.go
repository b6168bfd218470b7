package subscription

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rtsync/rtsync-go/pkg/connection"
	"github.com/rtsync/rtsync-go/pkg/log"
)

// Subscription errors.
var (
	ErrNotFound = errors.New("entity not found")
	ErrClosed   = errors.New("coordinator is closed")
)

// Coordinator defaults.
const (
	DefaultBatchWindow          = 50 * time.Millisecond
	DefaultInitialBatchSize     = 10
	DefaultPath                 = "/v4/Subscriptions"
	DefaultEventProtocolVersion = 4
)

// StateKind identifies the state of one entity's subscription.
type StateKind uint8

const (
	// StateUnsubscribed means no subscription is wanted.
	StateUnsubscribed StateKind = iota

	// StatePending means the establish is waiting for the next batch.
	StatePending

	// StateSubscribing means an establish batch is in flight.
	StateSubscribing

	// StateEstablished means the server confirmed the subscription.
	StateEstablished

	// StateFailed means the subscription cannot be established.
	StateFailed
)

// String returns the state name.
func (k StateKind) String() string {
	switch k {
	case StateUnsubscribed:
		return "UNSUBSCRIBED"
	case StatePending:
		return "PENDING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// State is the user-visible state of an entity's subscription. Err is set for
// StateFailed.
type State struct {
	Kind StateKind
	Err  error
}

// String returns the state name with its error, if any.
func (s State) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.Kind, s.Err)
	}
	return s.Kind.String()
}

// Is reports whether the state has the given kind.
func (s State) Is(k StateKind) bool {
	return s.Kind == k
}

// Event is a domain event pushed by the backend for a subscribed entity.
type Event struct {
	EntityID   string
	EntityType string
	EventType  string
	EventID    *int64
	Data       []byte
}

// Config configures a Coordinator.
type Config struct {
	// BatchWindow is how long intents accumulate before a flush (default: 50ms).
	BatchWindow time.Duration

	// InitialBatchSize caps batches until the server announces its own
	// max_batch_size (default: 10).
	InitialBatchSize int

	// RequestTimeout bounds each batch request. Zero uses the session default.
	RequestTimeout time.Duration

	// RetryInitial and RetryMax bound the exponential retry delay
	// (default: 100ms, 10s).
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Path is the subscriptions endpoint (default: /v4/Subscriptions).
	Path string

	// Target routes batch requests to a backend service. Optional.
	Target string

	// EventProtocolVersion is sent in every batch (default: 4).
	EventProtocolVersion int

	// ConnectionID tags protocol captures, usually the session id.
	ConnectionID string

	// Logger receives operational logs. Nil uses slog.Default.
	Logger *slog.Logger

	// ProtocolLogger receives subscription state changes. Nil disables capture.
	ProtocolLogger log.Logger
}

func (c *Config) applyDefaults() {
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = DefaultInitialBatchSize
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = connection.InitialRetry
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = max(connection.MaxRetry, c.RetryInitial)
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.EventProtocolVersion <= 0 {
		c.EventProtocolVersion = DefaultEventProtocolVersion
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ProtocolLogger == nil {
		c.ProtocolLogger = log.NoopLogger{}
	}
}

func (c Config) retryBackoff() connection.BackoffConfig {
	return connection.BackoffConfig{
		Strategy:   connection.StrategyExponential,
		Initial:    c.RetryInitial,
		Max:        c.RetryMax,
		Multiplier: connection.RetryMultiplier,
		Jitter:     connection.RetryJitter,
	}
}
