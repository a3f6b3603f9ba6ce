package ledger

import (
	"fmt"
	"log/slog"
	"time"
)

// HoldPolicy maps earn types to the anti-fraud hold applied when the caller
// does not pass an explicit hold. A missing or zero entry means the credit
// completes immediately.
type HoldPolicy map[TransactionType]time.Duration

// DefaultHoldPolicy holds referral and influencer credits for seven days.
func DefaultHoldPolicy() HoldPolicy {
	return HoldPolicy{
		TypeEarnedReferral:  7 * 24 * time.Hour,
		TypeInfluencerBonus: 7 * 24 * time.Hour,
	}
}

func (p HoldPolicy) For(t TransactionType) time.Duration {
	if p == nil {
		return 0
	}
	return p[t]
}

func (p HoldPolicy) Validate() error {
	for t, d := range p {
		if !t.IsEarn() {
			return fmt.Errorf("%w: hold configured for non-earn type %q", ErrUnknownType, t)
		}
		if d < 0 {
			return fmt.Errorf("hold for %q must not be negative", t)
		}
	}
	return nil
}

// Config tunes the critical section.
type Config struct {
	// LockTimeout bounds lock wait plus the read-compare-append unit.
	LockTimeout time.Duration
	// MaxAttempts bounds retries of busy/conflicting attempts.
	MaxAttempts int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	Holds HoldPolicy
}

func DefaultConfig() Config {
	return Config{
		LockTimeout:          2 * time.Second,
		MaxAttempts:          5,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     200 * time.Millisecond,
		Holds:                DefaultHoldPolicy(),
	}
}

// Clock is the engine's time source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}
