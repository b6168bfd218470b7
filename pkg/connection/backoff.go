package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnect backoff constants.
const (
	// FibonacciUnit scales the fibonacci sequence into a delay.
	FibonacciUnit = 1 * time.Second

	// MaxReconnectWait caps the reconnect delay before jitter.
	MaxReconnectWait = 45 * time.Second

	// ReconnectJitter is the maximum jitter as a fraction of the reconnect delay.
	ReconnectJitter = 0.2
)

// Retry backoff constants.
const (
	// InitialRetry is the first retry delay.
	InitialRetry = 100 * time.Millisecond

	// MaxRetry caps the retry delay before jitter.
	MaxRetry = 10 * time.Second

	// RetryMultiplier is the factor by which the retry delay increases.
	RetryMultiplier = 2.0

	// RetryJitter is the maximum jitter as a fraction of the retry delay.
	RetryJitter = 0.1
)

// Strategy selects how the base delay grows with the attempt counter.
type Strategy uint8

const (
	// StrategyFibonacci grows as fibonacci(attempts) * Initial.
	StrategyFibonacci Strategy = iota

	// StrategyExponential grows as Initial * Multiplier^attempts.
	StrategyExponential
)

// Backoff calculates backoff delays with jitter.
type Backoff struct {
	mu sync.Mutex

	// Configuration
	strategy   Strategy
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	// Attempt counter
	attempts int

	// Random source for jitter
	rng *rand.Rand
}

// BackoffConfig allows customizing backoff parameters.
type BackoffConfig struct {
	Strategy Strategy

	// Initial is the first delay (exponential) or the sequence unit (fibonacci).
	Initial time.Duration

	Max        time.Duration
	Multiplier float64

	// Jitter is the maximum jitter as a fraction of the delay. Zero disables it.
	Jitter float64
}

// NewReconnectBackoff creates the fibonacci backoff used between reconnects.
func NewReconnectBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{
		Strategy: StrategyFibonacci,
		Initial:  FibonacciUnit,
		Max:      MaxReconnectWait,
		Jitter:   ReconnectJitter,
	})
}

// NewRetryBackoff creates the exponential backoff used between request retries.
func NewRetryBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{
		Strategy:   StrategyExponential,
		Initial:    InitialRetry,
		Max:        MaxRetry,
		Multiplier: RetryMultiplier,
		Jitter:     RetryJitter,
	})
}

// NewBackoffWithConfig creates a backoff calculator with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		if cfg.Strategy == StrategyFibonacci {
			cfg.Initial = FibonacciUnit
		} else {
			cfg.Initial = InitialRetry
		}
	}
	if cfg.Max <= 0 {
		if cfg.Strategy == StrategyFibonacci {
			cfg.Max = MaxReconnectWait
		} else {
			cfg.Max = MaxRetry
		}
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = RetryMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		strategy:   cfg.Strategy,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next backoff delay (with jitter) and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.base(b.attempts))
	b.attempts++
	return delay
}

// Peek returns the current backoff delay without advancing.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addJitter(b.base(b.attempts))
}

// Reset resets the backoff to initial values.
// Call this after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of backoff attempts since last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the current base backoff (without jitter).
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base(b.attempts)
}

// base returns the capped delay for the given attempt, without jitter.
func (b *Backoff) base(attempt int) time.Duration {
	switch b.strategy {
	case StrategyFibonacci:
		// fib(n) * unit exceeds the cap long before it overflows; stop early.
		limit := int(b.max/b.initial) + 1
		f := Fibonacci(attempt, limit)
		d := time.Duration(f) * b.initial
		if d > b.max {
			d = b.max
		}
		return d
	default:
		d := b.initial
		for i := 0; i < attempt && d < b.max; i++ {
			d = time.Duration(float64(d) * b.multiplier)
		}
		if d > b.max {
			d = b.max
		}
		return d
	}
}

// addJitter adds random jitter to a delay.
func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	jitterAmount := time.Duration(float64(d) * b.jitter * b.rng.Float64())
	return d + jitterAmount
}

// Fibonacci returns fib(n) with fib(0)=0 and fib(1)=1. Values are clamped to
// limit when limit is positive.
func Fibonacci(n, limit int) int {
	a, b := 0, 1
	for i := 0; i < n; i++ {
		a, b = b, a+b
		if limit > 0 && a >= limit {
			return limit
		}
	}
	return a
}

var (
	windowMu  sync.Mutex
	windowRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomIn returns a delay drawn uniformly from [lo, hi). It returns lo when
// the window is empty.
func RandomIn(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	windowMu.Lock()
	defer windowMu.Unlock()
	return lo + time.Duration(windowRng.Int63n(int64(hi-lo)))
}
