// Package retry computes deterministic exponential backoff schedules for
// ledger submissions.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds how often and how slowly a submission is retried.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	Base        time.Duration `yaml:"base" json:"base" env:"BASE"`
	Max         time.Duration `yaml:"max" json:"max" env:"MAX"`
	Jitter      time.Duration `yaml:"jitter" json:"jitter" env:"JITTER"`
}

// DefaultPolicy returns 5 attempts, 500ms base, 30s cap and 250ms jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        500 * time.Millisecond,
		Max:         30 * time.Second,
		Jitter:      250 * time.Millisecond,
	}
}

// Validate rejects policies that would never attempt or never back off sanely.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.Base < 0 || p.Max < 0 || p.Jitter < 0 {
		return fmt.Errorf("retry: durations must not be negative")
	}
	if p.Max > 0 && p.Base > p.Max {
		return fmt.Errorf("retry: base %s exceeds max %s", p.Base, p.Max)
	}
	return nil
}

// BackoffParams identifies one attempt of one operation. The same params
// always produce the same jitter.
type BackoffParams struct {
	// Key identifies the operation being retried, e.g. a record id.
	Key          string
	AttemptIndex int
}

// ComputeBackoff returns the delay for attempt params.AttemptIndex:
// base * 2^attempt, capped at Max, plus deterministic jitter.
func ComputeBackoff(params BackoffParams, policy Policy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.Base.Milliseconds() * factor
	if maxMs := policy.Max.Milliseconds(); maxMs > 0 && baseDelay > maxMs {
		baseDelay = maxMs
	}

	return time.Duration(baseDelay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

// ComputeDeterministicJitter derives jitter in [0, Jitter) from a hash of the params.
func ComputeDeterministicJitter(params BackoffParams, policy Policy) int64 {
	maxJitterMs := policy.Jitter.Milliseconds()
	if maxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%d", params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	return int64(jitterBasis % uint64(maxJitterMs)) //nolint:gosec // maxJitterMs is positive
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
