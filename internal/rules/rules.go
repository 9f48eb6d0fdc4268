// Package rules defines the contract between the match orchestrator and the
// game-specific rules engines.
//
// The orchestrator treats State as opaque: only the Engine that produced a
// State may interpret it. At serialization boundaries a State is carried as a
// Snapshot, a payload tagged with its game kind.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Kind names a game, e.g. "chess".
type Kind string

// Move is a move in the engine's canonical notation.
type Move string

// State is an engine-owned game position.
type State any

// NoWinner is returned as the winning seat of a drawn or unfinished game.
const NoWinner = -1

// ErrIllegalMove is returned by Apply when the move is not legal in the state.
var ErrIllegalMove = errors.New("illegal move")

// Applied describes an accepted move.
type Applied struct {
	// Move is the canonical notation that was applied.
	Move Move `json:"move"`
	// Display is a human-readable rendering, e.g. SAN for chess.
	Display string `json:"display,omitempty"`
}

// Outcome is the result of a terminal check.
type Outcome struct {
	Terminal bool
	// Winner is the winning seat index, or NoWinner for a draw.
	Winner int
	Reason string
}

// Engine implements the rules of one game kind.
type Engine interface {
	Kind() Kind
	// Seats is the number of participants the game requires.
	Seats() int
	NewState() (State, error)
	LegalMoves(s State) ([]Move, error)
	Apply(s State, m Move) (State, Applied, error)
	Terminal(s State) (Outcome, error)
	Encode(s State) (json.RawMessage, error)
	Decode(raw json.RawMessage) (State, error)
}

// Describer is implemented by engines that can present a position in the
// vocabulary external agents of that game expect, e.g. FEN and SAN for chess.
type Describer interface {
	Describe(s State, seat int) (map[string]any, error)
}

// Snapshot is a serialized State tagged with its game kind.
type Snapshot struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Registry maps game kinds to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[Kind]Engine
}

func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[Kind]Engine)}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Kind()] = e
}

// Engine returns the engine for kind, or false if none is registered.
func (r *Registry) Engine(kind Kind) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[kind]
	return e, ok
}

// Kinds lists the registered game kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.engines))
	for k := range r.engines {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snap encodes s with e into a Snapshot.
func Snap(e Engine, s State) (Snapshot, error) {
	raw, err := e.Encode(s)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode %s state: %w", e.Kind(), err)
	}
	return Snapshot{Kind: e.Kind(), Payload: raw}, nil
}

// Restore decodes snap using the engine registered for its kind.
func (r *Registry) Restore(snap Snapshot) (State, error) {
	e, ok := r.Engine(snap.Kind)
	if !ok {
		return nil, fmt.Errorf("no engine for game kind %q", snap.Kind)
	}
	return e.Decode(snap.Payload)
}
