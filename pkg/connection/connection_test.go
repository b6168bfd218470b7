package connection

import (
	"errors"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("FibonacciSequence", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Strategy: StrategyFibonacci})

		// Expected sequence (without jitter): 0, 1, 1, 2, 3, 5, 8, 13, 21, 34, 45, 45...
		expected := []time.Duration{
			0,
			1 * time.Second,
			1 * time.Second,
			2 * time.Second,
			3 * time.Second,
			5 * time.Second,
			8 * time.Second,
			13 * time.Second,
			21 * time.Second,
			34 * time.Second,
			45 * time.Second,
			45 * time.Second, // Should stay at max
		}

		for i, exp := range expected {
			base := b.Current()
			got := b.Next()
			if base != exp {
				t.Errorf("Attempt %d: base = %v, want %v", i, base, exp)
			}
			if got != exp {
				t.Errorf("Attempt %d: Next() = %v, want %v (no jitter)", i, got, exp)
			}
		}
	})

	t.Run("NonDecreasing", func(t *testing.T) {
		b := NewReconnectBackoff()

		prev := time.Duration(-1)
		for i := 0; i < 100; i++ {
			base := b.Current()
			if base < prev {
				t.Fatalf("Attempt %d: base %v decreased from %v", i, base, prev)
			}
			if base > MaxReconnectWait {
				t.Fatalf("Attempt %d: base %v above cap", i, base)
			}
			prev = base
			b.Next()
		}
	})

	t.Run("ReconnectJitter", func(t *testing.T) {
		b := NewReconnectBackoff()
		b.Next()
		b.Next()
		b.Next() // base is now 2s

		samples := make([]time.Duration, 20)
		for i := range samples {
			samples[i] = b.Peek()
		}

		upper := time.Duration(float64(2*time.Second) * 1.2)
		for i, s := range samples {
			if s < 2*time.Second || s > upper {
				t.Errorf("Sample %d: %v out of expected range [2s, 2.4s]", i, s)
			}
		}

		allSame := true
		for i := 1; i < len(samples); i++ {
			if samples[i] != samples[0] {
				allSame = false
				break
			}
		}
		if allSame {
			t.Error("All jittered samples are identical - jitter may not be working")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewReconnectBackoff()

		for i := 0; i < 5; i++ {
			b.Next()
		}
		if b.Current() == 0 {
			t.Error("Backoff should have increased")
		}

		b.Reset()

		if b.Current() != 0 {
			t.Errorf("Current() = %v after reset, want 0", b.Current())
		}
		if b.Attempts() != 0 {
			t.Errorf("Attempts() = %d after reset, want 0", b.Attempts())
		}
	})

	t.Run("Attempts", func(t *testing.T) {
		b := NewRetryBackoff()

		if b.Attempts() != 0 {
			t.Errorf("Initial Attempts() = %d, want 0", b.Attempts())
		}

		for i := 1; i <= 5; i++ {
			b.Next()
			if b.Attempts() != i {
				t.Errorf("After %d calls, Attempts() = %d", i, b.Attempts())
			}
		}
	})

	t.Run("ExponentialConfig", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{
			Strategy:   StrategyExponential,
			Initial:    100 * time.Millisecond,
			Max:        500 * time.Millisecond,
			Multiplier: 2.0,
			Jitter:     0, // No jitter for deterministic test
		})

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			500 * time.Millisecond, // Max
			500 * time.Millisecond,
		}

		for i, exp := range expected {
			got := b.Next()
			if got != exp {
				t.Errorf("Attempt %d: got %v, want %v", i, got, exp)
			}
		}
	})

	t.Run("RetryDefaults", func(t *testing.T) {
		b := NewRetryBackoff()
		if got := b.Current(); got != InitialRetry {
			t.Errorf("Current() = %v, want %v", got, InitialRetry)
		}
		for i := 0; i < 1000; i++ {
			b.Next()
		}
		if got := b.Current(); got != MaxRetry {
			t.Errorf("Current() after many attempts = %v, want %v", got, MaxRetry)
		}
	})
}

func TestFibonacci(t *testing.T) {
	want := []int{0, 1, 1, 2, 3, 5, 8, 13, 21, 34, 55}
	for n, w := range want {
		if got := Fibonacci(n, 0); got != w {
			t.Errorf("Fibonacci(%d) = %d, want %d", n, got, w)
		}
	}
	if got := Fibonacci(500, 46); got != 46 {
		t.Errorf("Fibonacci(500, 46) = %d, want clamp 46", got)
	}
}

func TestRandomIn(t *testing.T) {
	lo, hi := time.Second, 2*time.Second
	for i := 0; i < 200; i++ {
		d := RandomIn(lo, hi)
		if d < lo || d >= hi {
			t.Fatalf("RandomIn = %v, want in [%v, %v)", d, lo, hi)
		}
	}
	if d := RandomIn(hi, lo); d != hi {
		t.Errorf("RandomIn on empty window = %v, want %v", d, hi)
	}
}

func TestState(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		tests := []struct {
			state State
			want  string
		}{
			{State{Kind: StateConnected}, "CONNECTED"},
			{Disconnected(errors.New("boom")), "DISCONNECTED(boom)"},
			{State{Kind: StateThrottling, Wait: time.Second}, "THROTTLING(1s)"},
			{State{Kind: StateWaitAndReconnect, Reason: errors.New("eof"), Wait: 2 * time.Second}, "WAIT_AND_RECONNECT(eof, 2s)"},
			{State{Kind: StateKind(99)}, "UNKNOWN"},
		}
		for _, tt := range tests {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		}
	})

	t.Run("IsOnline", func(t *testing.T) {
		if Disconnected(nil).IsOnline() {
			t.Error("Disconnected should not be online")
		}
		for _, k := range []StateKind{StateConnecting, StateInitializing, StateConnected, StateWaitAndReconnect, StateThrottling} {
			if !(State{Kind: k}).IsOnline() {
				t.Errorf("%s should be online", k)
			}
		}
	})
}
