package migration

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dispersal/pkg/errs"
	"dispersal/pkg/types"
)

// Transport is the storage collaborator contract. The core hands it opaque
// content references; it never inspects fragment bytes.
type Transport interface {
	WriteFragment(ctx context.Context, ref types.ContentRef, jur types.JurisdictionID) error
	DeleteFragment(ctx context.Context, ref types.ContentRef, jur types.JurisdictionID) error
}

// RetryConfig bounds per-move transport retries.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" validate:"gte=1"`
	BaseDelay    time.Duration `json:"base_delay" validate:"gt=0"`
	MaxDelay     time.Duration `json:"max_delay" validate:"gt=0"`
	JitterFactor float64       `json:"jitter_factor" validate:"gte=0,lte=1"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.2,
	}
}

// Executor realizes migration plans against the transport collaborator.
// Moves for one dataset run in plan-order batches bounded by the plan's
// MaxParallel; moves for different datasets run concurrently, bounded by a
// global semaphore so excess requests queue instead of firing unbounded
// transport calls.
type Executor struct {
	transport Transport
	logger    *zap.Logger
	retry     RetryConfig
	sem       *semaphore.Weighted

	// One breaker per jurisdiction endpoint: a jurisdiction that keeps
	// failing stops receiving writes until its cool-down expires.
	mu       sync.Mutex
	breakers map[types.JurisdictionID]*gobreaker.CircuitBreaker
}

func NewExecutor(transport Transport, logger *zap.Logger, retry RetryConfig, maxOutstanding int64) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxOutstanding <= 0 {
		maxOutstanding = 8
	}
	return &Executor{
		transport: transport,
		logger:    logger,
		retry:     retry,
		sem:       semaphore.NewWeighted(maxOutstanding),
		breakers:  make(map[types.JurisdictionID]*gobreaker.CircuitBreaker),
	}
}

// Execute realizes the plan in plan-order batches of at most MaxParallel
// concurrent moves, so at least half the fragments sit untouched at their
// current jurisdictions while any batch is in flight. After each successful
// move, onMoved is invoked so the caller can record the fragment's new
// jurisdiction; on abort the fragments already moved stay moved and the rest
// stay put, which is why a partial execution must surface to the caller
// rather than revert.
//
// Cancellation is checked between batches and inside a move's retry loop. A
// move abandoned after its write phase leaves the fragment at both the old
// and the new location: the placement still records the old one, so no copy
// is ever lost, and the surplus copy is removed when a later plan vacates
// that jurisdiction.
func (e *Executor) Execute(ctx context.Context, plan *Plan, onMoved func(types.Move)) error {
	limit := plan.MaxParallel
	if limit < 1 {
		limit = 1
	}

	for start := 0; start < len(plan.Moves); start += limit {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("migration cancelled between batches",
				zap.String("dataset_id", string(plan.DatasetID)),
				zap.Int("completed_moves", start),
				zap.Int("total_moves", len(plan.Moves)))
			return err
		}

		end := start + limit
		if end > len(plan.Moves) {
			end = len(plan.Moves)
		}

		var mu sync.Mutex
		var g errgroup.Group
		for _, move := range plan.Moves[start:end] {
			move := move
			g.Go(func() error {
				if err := e.executeMove(ctx, plan.DatasetID, move); err != nil {
					e.logger.Error("fragment move failed",
						zap.String("dataset_id", string(plan.DatasetID)),
						zap.String("fragment_id", string(move.FragmentID)),
						zap.String("to", string(move.To)),
						zap.Error(err))
					return err
				}
				if onMoved != nil {
					mu.Lock()
					onMoved(move)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			e.logger.Error("migration aborted",
				zap.String("dataset_id", string(plan.DatasetID)),
				zap.Int("total_moves", len(plan.Moves)),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// executeMove performs one two-phase move: the write to the new location must
// be acknowledged before the delete from the old location is issued.
func (e *Executor) executeMove(ctx context.Context, dataset types.DatasetID, move types.Move) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	if err := e.withRetry(ctx, move.To, func() error {
		return e.transport.WriteFragment(ctx, move.ContentRef, move.To)
	}); err != nil {
		return errs.TransportFailure(dataset, move.FragmentID, move.To, err)
	}

	if move.From == types.Unplaced {
		return nil
	}

	if err := e.withRetry(ctx, move.From, func() error {
		return e.transport.DeleteFragment(ctx, move.ContentRef, move.From)
	}); err != nil {
		return errs.TransportFailure(dataset, move.FragmentID, move.From, err)
	}

	return nil
}

// withRetry runs fn through the jurisdiction's circuit breaker with bounded
// exponential backoff.
func (e *Executor) withRetry(ctx context.Context, jur types.JurisdictionID, fn func() error) error {
	breaker := e.breakerFor(jur)

	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < e.retry.MaxAttempts-1 {
			select {
			case <-time.After(e.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (e *Executor) backoff(attempt int) time.Duration {
	delay := float64(e.retry.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(e.retry.MaxDelay) {
		delay = float64(e.retry.MaxDelay)
	}
	delay += delay * e.retry.JitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(e.retry.BaseDelay)
	}
	return time.Duration(delay)
}

func (e *Executor) breakerFor(jur types.JurisdictionID) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[jur]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(jur),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("transport breaker state change",
				zap.String("jurisdiction_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	e.breakers[jur] = cb
	return cb
}
