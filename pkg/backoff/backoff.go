package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Status polling backoff defaults.
const (
	// InitialDelay is the initial fallback status query delay.
	InitialDelay = 1 * time.Second

	// MaxDelay is the ceiling on the fallback status query delay.
	MaxDelay = 5 * time.Second

	// Multiplier is the factor by which the delay doubles.
	Multiplier = 2.0
)

// Backoff calculates exponential backoff delays.
type Backoff struct {
	mu sync.Mutex

	// Current delay (before jitter)
	current time.Duration

	// Configuration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	// Attempt counter
	attempts int

	// Random source for jitter
	rng *rand.Rand
}

// Config allows customizing backoff parameters.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter is the maximum random extension as a fraction of the base
	// delay. Zero keeps delays deterministic, which is what the status
	// polling policy uses.
	Jitter float64
}

// New creates a backoff calculator with the status polling defaults.
func New() *Backoff {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a backoff calculator with custom settings.
func NewWithConfig(cfg Config) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialDelay
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		current:    cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay (with jitter) and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Peek returns the current delay without advancing.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addJitter(b.current)
}

// Reset resets the backoff to initial values.
// Call this after a successful query.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of backoff attempts since last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// addJitter adds random jitter to a delay.
func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	jitterAmount := time.Duration(float64(d) * b.jitter * b.rng.Float64())
	return d + jitterAmount
}
