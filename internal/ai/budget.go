package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kozaktomas/shelf-matcher/internal/config"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// ErrBudgetExhausted is returned once the configured maximum number of
// comparison calls has been spent.
var ErrBudgetExhausted = errors.New("comparison budget exhausted")

// Budget wraps a Comparator with a rate limit and an optional call cap.
// A call is counted when it is admitted, not when it succeeds.
type Budget struct {
	next     Comparator
	limiter  *rate.Limiter
	maxCalls int

	mu    sync.Mutex
	calls int
}

// NewBudget wraps next. Zero values in cfg disable the matching limit.
func NewBudget(next Comparator, cfg config.BudgetConfig) *Budget {
	b := &Budget{next: next, maxCalls: cfg.MaxCalls}
	if cfg.RatePerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1))
	}
	return b
}

func (b *Budget) admit(ctx context.Context) error {
	b.mu.Lock()
	if b.maxCalls > 0 && b.calls >= b.maxCalls {
		b.mu.Unlock()
		return ErrBudgetExhausted
	}
	b.calls++
	b.mu.Unlock()

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return nil
}

// Calls returns the number of admitted calls.
func (b *Budget) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *Budget) Name() string {
	return b.next.Name()
}

func (b *Budget) Compare(ctx context.Context, crop, reference []byte, attrs product.Attributes, candidate CandidateMeta) (*PairResult, error) {
	if err := b.admit(ctx); err != nil {
		return nil, err
	}
	return b.next.Compare(ctx, crop, reference, attrs, candidate)
}

func (b *Budget) SelectBest(ctx context.Context, crop []byte, attrs product.Attributes, candidates []CandidateImage) (*SelectionResult, error) {
	if err := b.admit(ctx); err != nil {
		return nil, err
	}
	return b.next.SelectBest(ctx, crop, attrs, candidates)
}

func (b *Budget) GetUsage() Usage {
	return b.next.GetUsage()
}

func (b *Budget) ResetUsage() {
	b.next.ResetUsage()
}
