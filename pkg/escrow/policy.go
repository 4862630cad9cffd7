// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jeremyhahn/go-keyescrow/pkg/commitment"
	"github.com/jeremyhahn/go-keyescrow/pkg/threshold/shamir"
)

const (
	// DefaultTotal is the number of custodians N.
	DefaultTotal = 10

	// DefaultThreshold is the reconstruction threshold K.
	DefaultThreshold = 7
)

// Params fixes the sharing scheme.
type Params struct {
	Total     int
	Threshold int
	Lines     int
}

// DefaultParams returns the 7-of-10 scheme over 10 public lines.
func DefaultParams() Params {
	return Params{Total: DefaultTotal, Threshold: DefaultThreshold, Lines: commitment.DefaultLines}
}

// Validate checks 1 <= K <= N <= shamir.MaxShares and L >= 2.
func (p Params) Validate() error {
	if p.Threshold < 1 || p.Threshold > p.Total || p.Total > shamir.MaxShares {
		return fmt.Errorf("%w: threshold %d of %d", ErrInvalidConfig, p.Threshold, p.Total)
	}
	if p.Lines < 2 {
		return fmt.Errorf("%w: %d lines", ErrInvalidConfig, p.Lines)
	}
	return nil
}

// Policy bounds the network side of a phase.
type Policy struct {
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration

	// PhaseTimeout bounds the whole distribution or release phase.
	PhaseTimeout time.Duration

	// MaxRetries is the number of extra attempts after a transport failure.
	MaxRetries uint64

	// RetryInterval and MaxRetryInterval shape the exponential backoff.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// ExtraShares is how many shares beyond K the release phase waits for
	// before it stops early. Extra shares let reconstruction detect a
	// faulty custodian.
	ExtraShares int
}

// DefaultPolicy returns the production timeouts.
func DefaultPolicy() Policy {
	return Policy{
		CallTimeout:      10 * time.Second,
		PhaseTimeout:     60 * time.Second,
		MaxRetries:       2,
		RetryInterval:    250 * time.Millisecond,
		MaxRetryInterval: 2 * time.Second,
		ExtraShares:      1,
	}
}

// Validate rejects non-positive timeouts.
func (p Policy) Validate() error {
	if p.CallTimeout <= 0 || p.PhaseTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if p.ExtraShares < 0 {
		return fmt.Errorf("%w: extra shares must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.RetryInterval > 0 {
		b.InitialInterval = p.RetryInterval
	}
	if p.MaxRetryInterval > 0 {
		b.MaxInterval = p.MaxRetryInterval
	}
	// The phase context bounds total elapsed time.
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// call runs op with a per-attempt timeout and bounded retries. Permanent
// failures stop immediately. Once abort is done no new attempt starts.
func (p Policy) call(ctx, abort context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	err := backoff.Retry(func() error {
		if attempts > 0 && abort.Err() != nil {
			return backoff.Permanent(ErrAborted)
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()

		err := op(callCtx)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
	return attempts, err
}

// fanOut issues call for every index concurrently and waits for all of
// them. A call reports done=true to stop the phase early; the remaining
// calls then see a cancelled context.
func fanOut(ctx context.Context, n int, call func(ctx context.Context, i int) (CallResult, bool)) []CallResult {
	results := make([]CallResult, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, done := call(gctx, i)
			results[i] = res
			if done {
				return errEnough
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// errEnough cancels the remaining calls of a fan-out.
var errEnough = errors.New("enough results")

func countOK(results []CallResult) int {
	n := 0
	for _, r := range results {
		if r.OK() {
			n++
		}
	}
	return n
}

func failures(results []CallResult) []CallResult {
	var out []CallResult
	for _, r := range results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}
