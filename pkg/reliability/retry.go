// Package reliability decides which failures are worth retrying and drives
// bounded exponential backoff.
package reliability

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}

// Policy implements exponential backoff for retrying failed tool calls.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps every computed delay.
	MaxDelay time.Duration

	// Multiplier grows the delay between consecutive retries (typically 2.0).
	Multiplier float64

	// Jitter is the fractional random variance applied to each delay, e.g.
	// 0.25 for ±25%. Zero keeps the schedule exact.
	Jitter float64

	// Sleep waits between attempts. Nil uses a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry, if set, is called before each backoff with the upcoming
	// attempt number, the delay and the error that caused the retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns 4 attempts at 1s, 2s, 4s, 8s capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// Schedule returns the backoff delay for each attempt: base·mult^i capped
// at MaxDelay. Entry i is the wait before attempt i+2.
func (p Policy) Schedule() []time.Duration {
	n := p.MaxAttempts
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	out := make([]time.Duration, n)
	delay := float64(p.BaseDelay)
	for i := range out {
		d := time.Duration(delay)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
		out[i] = d
		delay *= mult
	}
	return out
}

// Exhausted is returned when every attempt failed with a transient error.
type Exhausted struct {
	Attempts int
	Last     error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("max attempts (%d) exceeded: %v", e.Attempts, e.Last)
}

func (e *Exhausted) Unwrap() error {
	return e.Last
}

// Execute runs fn until it succeeds, fails permanently, ctx ends, or
// MaxAttempts is reached. fn receives the 1-based attempt number.
//
// The returned error is nil on success, the permanent error unchanged, the
// context error on cancellation during backoff, or *Exhausted.
func (p Policy) Execute(ctx context.Context, fn func(attempt int) error) error {
	schedule := p.Schedule()
	attempts := len(schedule)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.jittered(schedule[attempt-2])
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, lastErr)
			}
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if Classify(err) == Permanent {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
	}

	return &Exhausted{Attempts: attempts, Last: lastErr}
}

// NextDelay returns the wait before the given 1-based attempt, or zero for
// the first attempt.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	schedule := p.Schedule()
	if attempt-2 >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt-2]
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	factor := 1 - p.Jitter + cryptoRandFloat64()*2*p.Jitter
	return time.Duration(float64(d) * factor)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
