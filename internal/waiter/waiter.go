// Package waiter implements a generic polling primitive for cloud APIs that
// report success before the resource is actually visible. A probe is invoked
// repeatedly until it reports that the resource converged, with a bounded
// number of attempts and an optional wall-clock timeout.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Result is the tri-state outcome of a single probe invocation.
type Result int

const (
	// NotReady means the resource has not converged yet, keep polling.
	NotReady Result = iota
	// Ready means the resource converged, stop polling.
	Ready
	// Failed means the provider reported a permanent failure, stop
	// polling and surface the probe's error immediately.
	Failed
)

// Probe checks whether a resource converged. It must be free of side
// effects, probes can run many times. An error returned together with
// NotReady is treated as transient and only logged.
type Probe func(ctx context.Context) (Result, error)

// Options tune a single wait. The zero value gets sensible defaults from
// WaitUntil: a 10s fixed interval and no attempt bound, so callers should
// always set either MaxAttempts or Timeout.
type Options struct {
	// Interval is the initial delay between attempts.
	Interval time.Duration
	// Backoff multiplies the interval after every attempt when > 1.
	Backoff float64
	// MaxInterval caps the backoff growth. 0 means uncapped.
	MaxInterval time.Duration
	// MaxAttempts bounds the number of probe invocations. 0 means
	// unbounded.
	MaxAttempts int
	// Timeout bounds the total wall-clock time. 0 means unbounded.
	Timeout time.Duration
}

// TimeoutError is returned when a wait exhausts its attempts or its
// wall-clock timeout without the probe ever reporting Ready.
type TimeoutError struct {
	Name     string
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %d attempts (%v)", e.Name, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// WaitUntil polls probe until it reports Ready. The probe is invoked
// immediately, then every Interval until it succeeds, fails permanently, or
// the attempt/timeout budget runs out. The name only shows up in logs and
// errors.
//
// WaitUntil never invokes the probe concurrently with itself and sleeps
// between attempts, so the calling goroutine is suspended for the whole
// wait. Cancelling ctx aborts the wait with ctx's error.
func WaitUntil(ctx context.Context, name string, probe Probe, opts Options) error {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}

	start := time.Now()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	interval := opts.Interval
	for attempt := 1; ; attempt++ {
		result, err := probe(ctx)
		switch result {
		case Ready:
			logrus.Debugf("%s ready after %d attempts (%v)", name, attempt, time.Since(start).Round(time.Millisecond))
			return nil
		case Failed:
			if err == nil {
				err = errors.New("probe reported a permanent failure")
			}
			return err
		}
		if err != nil {
			logrus.Debugf("probe for %s: %v", name, err)
		}

		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return &TimeoutError{Name: name, Attempts: attempt, Elapsed: time.Since(start)}
		}

		logrus.Debugf("%s not ready, retrying in %v", name, interval)
		sleep := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			sleep.Stop()
			return ctx.Err()
		case <-timeout:
			sleep.Stop()
			return &TimeoutError{Name: name, Attempts: attempt, Elapsed: time.Since(start)}
		case <-sleep.C:
		}

		if opts.Backoff > 1 {
			interval = time.Duration(float64(interval) * opts.Backoff)
			if opts.MaxInterval > 0 && interval > opts.MaxInterval {
				interval = opts.MaxInterval
			}
		}
	}
}
