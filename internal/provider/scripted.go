package provider

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

var errNoLegalMoves = errors.New("no legal moves available")

// FirstLegal always plays the first legal move it is offered.
type FirstLegal struct{}

func (FirstLegal) RequestMove(_ context.Context, view TurnView, _ time.Time) (Reply, error) {
	if len(view.LegalMoves) == 0 {
		return Reply{}, errNoLegalMoves
	}
	return Reply{Move: view.LegalMoves[0]}, nil
}

// Random plays a uniformly random legal move.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

func (r *Random) RequestMove(_ context.Context, view TurnView, _ time.Time) (Reply, error) {
	if len(view.LegalMoves) == 0 {
		return Reply{}, errNoLegalMoves
	}
	r.mu.Lock()
	i := r.rng.Intn(len(view.LegalMoves))
	r.mu.Unlock()
	return Reply{Move: view.LegalMoves[i]}, nil
}

// Func adapts a plain function to a Provider.
type Func func(ctx context.Context, view TurnView) (Reply, error)

func (f Func) RequestMove(ctx context.Context, view TurnView, _ time.Time) (Reply, error) {
	return f(ctx, view)
}
