package main

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrPollExhausted is returned when the condition is still false after the last attempt.
var ErrPollExhausted = errors.New("condition not met after all attempts")

var errNotYet = errors.New("not yet")

// Poller checks a condition at a fixed interval, at most Attempts times.
type Poller struct {
	Attempts int
	Interval time.Duration

	// Timer drives the waits between attempts. nil uses a real timer.
	Timer backoff.Timer
}

// NewPoller derives the attempt count from an overall timeout.
func NewPoller(timeout, interval time.Duration) Poller {
	attempts := 1
	if interval > 0 {
		attempts = int(timeout/interval) + 1
	}
	return Poller{Attempts: attempts, Interval: interval}
}

// Until calls cond until it reports true, returns an error, or the attempts run out. It
// returns the number of attempts made. An error from cond stops polling immediately.
func (p Poller) Until(ctx context.Context, cond func(context.Context) (bool, error)) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	made := 0
	op := func() error {
		made++
		ok, err := cond(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(attempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(op, b, nil, p.Timer)
	if errors.Is(err, errNotYet) {
		return made, ErrPollExhausted
	}
	return made, err
}

// Wait blocks for d or until ctx is done.
func (p Poller) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if p.Timer == nil {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.Timer.Start(d)
	defer p.Timer.Stop()
	select {
	case <-p.Timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
