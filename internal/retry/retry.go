// Package retry implements the bounded exponential backoff spec.md section
// 4.1 requires for transient block-source read failures. Its only caller is
// the local-file block source; the writer does not retry its flushes.
package retry

import (
	"context"
	"time"
)

// Policy bounds how many attempts are made and how backoff grows.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is a modest policy: 5 attempts, 10ms doubling up to 1s.
var Default = Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}

// Do calls fn until it succeeds, a non-transient error is returned (isTransient
// returns false), attempts are exhausted, or ctx is canceled. The final error
// is returned to the caller in all non-success cases.
func (p Policy) Do(ctx context.Context, isTransient func(error) bool, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) || attempt == p.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
