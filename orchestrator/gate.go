package orchestrator

import (
	"context"
	"fmt"

	cfg "github.com/haven-vlm/vlm-connector/config"
)

// Gate bounds the number of jobs running at once.
type Gate struct {
	sem chan struct{}
}

// NewGate returns a gate with n permits. n must be at least 1.
func NewGate(n int) (*Gate, error) {
	if n <= 0 {
		return nil, &cfg.Error{Code: cfg.ErrCodeInvalid, Key: "concurrent_task_limit",
			Err: fmt.Errorf("must be >= 1, got %d", n)}
	}
	return &Gate{sem: make(chan struct{}, n)}, nil
}

// Acquire blocks until a permit is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) Release() { <-g.sem }

// Do runs fn while holding a permit. The permit is released however fn
// returns, panics included.
func (g *Gate) Do(ctx context.Context, fn func()) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	fn()
	return nil
}

func (g *Gate) Size() int { return cap(g.sem) }

// InUse is the number of permits currently held.
func (g *Gate) InUse() int { return len(g.sem) }
