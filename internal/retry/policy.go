// Package retry computes backoff and drives bounded reprocessing of failed events.
package retry

import (
	"errors"
	"hash/fnv"
	"math"
	"strconv"
	"time"
)

// Policy is an exponential backoff with a cap and a retry bound.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	MaxRetries int
	// Jitter in [0,1] stretches each delay by up to that fraction. Zero keeps
	// delays exact.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Minute,
		MaxDelay:   time.Hour,
		Multiplier: 2,
		MaxRetries: 5,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return errors.New("retry: base delay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("retry: max delay must be >= base delay")
	case p.Multiplier < 1:
		return errors.New("retry: multiplier must be >= 1")
	case p.MaxRetries < 0:
		return errors.New("retry: max retries must be >= 0")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("retry: jitter must be within [0,1]")
	}
	return nil
}

// NextDelay returns min(BaseDelay * Multiplier^retryCount, MaxDelay).
func (p Policy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(retryCount))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// DelayFor is NextDelay plus a jitter derived from key, so the same event
// always gets the same delay for a given retry count.
func (p Policy) DelayFor(retryCount int, key string) time.Duration {
	d := p.NextDelay(retryCount)
	if p.Jitter <= 0 || key == "" {
		return d
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte(strconv.Itoa(retryCount)))
	frac := float64(h.Sum64()%10_000) / 10_000
	return d + time.Duration(float64(d)*p.Jitter*frac)
}

// IsEligible reports whether an entity may be retried at now. A nil
// lastAttemptAt means it was never attempted.
func (p Policy) IsEligible(lastAttemptAt *time.Time, retryCount int, now time.Time) bool {
	return p.isEligible(lastAttemptAt, retryCount, now, "")
}

func (p Policy) isEligible(lastAttemptAt *time.Time, retryCount int, now time.Time, key string) bool {
	if retryCount >= p.MaxRetries {
		return false
	}
	if lastAttemptAt == nil {
		return true
	}
	return now.Sub(*lastAttemptAt) >= p.DelayFor(retryCount, key)
}
