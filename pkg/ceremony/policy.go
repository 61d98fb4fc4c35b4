package ceremony

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy defaults.
const (
	// DefaultRaceWindow bounds the wait for a passphrase solicitation
	// after the device accepts a PIN.
	DefaultRaceWindow = 1000 * time.Millisecond

	// DefaultConfirmDelay is the presentation pause between a passphrase
	// acknowledgement and the success screen. Pacing, not a retry window.
	DefaultConfirmDelay = 750 * time.Millisecond

	// DefaultFailureGrace is the pause before tearing down a session the
	// device rejected at the protocol level.
	DefaultFailureGrace = 750 * time.Millisecond

	// DefaultStatusWait bounds the wait for a status snapshot after a
	// coarse connected notification.
	DefaultStatusWait = 3000 * time.Millisecond

	// DefaultFallbackAttempts caps fallback status queries.
	DefaultFallbackAttempts = 3

	// DefaultFallbackBase is the initial fallback query backoff.
	DefaultFallbackBase = 1000 * time.Millisecond

	// DefaultFallbackMax is the fallback query backoff ceiling.
	DefaultFallbackMax = 5000 * time.Millisecond
)

// Policy holds the timeout and retry knobs of the flow controller.
// The zero value is not useful; use DefaultPolicy or LoadPolicy, or call
// Normalized to fill unset fields.
type Policy struct {
	// RaceWindow adjudicates the race between a passphrase solicitation
	// and PIN-only completion after an accepted PIN.
	RaceWindow time.Duration

	// ConfirmDelay is shown-state pacing after a passphrase is accepted.
	ConfirmDelay time.Duration

	// FailureGrace delays teardown after a protocol-mismatch rejection.
	FailureGrace time.Duration

	// StatusWait bounds the wait for status after a connected event.
	StatusWait time.Duration

	// FallbackAttempts caps fallback status queries after StatusWait expires.
	FallbackAttempts int

	// FallbackBase and FallbackMax bound the fallback query backoff.
	FallbackBase time.Duration
	FallbackMax  time.Duration
}

// DefaultPolicy returns the policy defaults.
func DefaultPolicy() Policy {
	return Policy{
		RaceWindow:       DefaultRaceWindow,
		ConfirmDelay:     DefaultConfirmDelay,
		FailureGrace:     DefaultFailureGrace,
		StatusWait:       DefaultStatusWait,
		FallbackAttempts: DefaultFallbackAttempts,
		FallbackBase:     DefaultFallbackBase,
		FallbackMax:      DefaultFallbackMax,
	}
}

// Normalized returns a copy with unset fields filled from the defaults.
func (p Policy) Normalized() Policy {
	d := DefaultPolicy()
	if p.RaceWindow <= 0 {
		p.RaceWindow = d.RaceWindow
	}
	if p.ConfirmDelay <= 0 {
		p.ConfirmDelay = d.ConfirmDelay
	}
	if p.FailureGrace <= 0 {
		p.FailureGrace = d.FailureGrace
	}
	if p.StatusWait <= 0 {
		p.StatusWait = d.StatusWait
	}
	if p.FallbackAttempts <= 0 {
		p.FallbackAttempts = d.FallbackAttempts
	}
	if p.FallbackBase <= 0 {
		p.FallbackBase = d.FallbackBase
	}
	if p.FallbackMax <= 0 {
		p.FallbackMax = d.FallbackMax
	}
	return p
}

// policyFile is the on-disk YAML shape. Durations are milliseconds.
type policyFile struct {
	RaceWindowMs     int `yaml:"race_window_ms"`
	ConfirmDelayMs   int `yaml:"confirm_delay_ms"`
	FailureGraceMs   int `yaml:"failure_grace_ms"`
	StatusWaitMs     int `yaml:"status_wait_ms"`
	FallbackAttempts int `yaml:"fallback_attempts"`
	FallbackBaseMs   int `yaml:"fallback_base_ms"`
	FallbackMaxMs    int `yaml:"fallback_max_ms"`
}

// LoadPolicy reads a YAML policy file. Missing fields keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses YAML policy data. Missing fields keep their defaults.
func ParsePolicy(data []byte) (Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy: %w", err)
	}

	p := Policy{
		RaceWindow:       time.Duration(f.RaceWindowMs) * time.Millisecond,
		ConfirmDelay:     time.Duration(f.ConfirmDelayMs) * time.Millisecond,
		FailureGrace:     time.Duration(f.FailureGraceMs) * time.Millisecond,
		StatusWait:       time.Duration(f.StatusWaitMs) * time.Millisecond,
		FallbackAttempts: f.FallbackAttempts,
		FallbackBase:     time.Duration(f.FallbackBaseMs) * time.Millisecond,
		FallbackMax:      time.Duration(f.FallbackMaxMs) * time.Millisecond,
	}
	return p.Normalized(), nil
}
