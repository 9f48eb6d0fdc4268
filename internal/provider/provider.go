// Package provider supplies participants' moves to the match manager.
//
// A Provider is asked for one move per turn and may answer synchronously
// (scripted agents), after a round trip over a bound real-time channel
// (Bridge), or over HTTP (Webhook).
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kiliankoe/moltpit/internal/apperr"
	"github.com/kiliankoe/moltpit/internal/rules"
)

var (
	// ErrDeadline means the move source was reachable but did not answer in time.
	ErrDeadline = errors.New("move deadline passed")
	// ErrForfeit means the move source became unavailable for this turn.
	ErrForfeit = errors.New("move source unavailable")
	// ErrNoPendingRequest is returned when a resolution matches no outstanding request.
	ErrNoPendingRequest = apperr.New(apperr.CodeNoPendingRequest, "no pending move request")
)

// Opponent is the public view of the other side.
type Opponent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rating int    `json:"elo"`
}

// TurnView is everything a move source is told when it is asked to move.
type TurnView struct {
	SessionID     string         `json:"sessionId"`
	Kind          rules.Kind     `json:"gameType"`
	ParticipantID string         `json:"participantId"`
	Seat          int            `json:"seat"`
	State         rules.Snapshot `json:"state"`
	LegalMoves    []rules.Move   `json:"validMoves"`
	MoveHistory   []rules.Move   `json:"moveHistory"`
	RemainingMs   int64          `json:"remainingMs"`
	IsYourTurn    bool           `json:"isYourTurn"`
	Opponent      Opponent       `json:"opponent"`
	// LastError explains why the previous answer for this turn was rejected.
	LastError string `json:"lastError,omitempty"`
	// Details holds the engine's own description of the position, if it
	// has one. See rules.Describer.
	Details map[string]any `json:"details,omitempty"`
}

// AgentState flattens the view into the body external agents receive as
// gameState. Details keys replace the generic fields of the same name.
func (v TurnView) AgentState() (map[string]any, error) {
	details := v.Details
	v.Details = nil
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	for k, val := range details {
		out[k] = val
	}
	return out, nil
}

// Reply is a move answered by a provider.
type Reply struct {
	Move      rules.Move `json:"move"`
	TrashTalk string     `json:"trashTalk,omitempty"`
}

// Provider answers move requests for one participant.
type Provider interface {
	// RequestMove blocks until a move is available, the deadline passes
	// (ErrDeadline), the source goes away (ErrForfeit) or ctx is done.
	RequestMove(ctx context.Context, view TurnView, deadline time.Time) (Reply, error)
}

// GameEnd is sent to providers when their game finishes.
type GameEnd struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Winner        string `json:"winner"`
	Reason        string `json:"reason"`
	MoveCount     int    `json:"moveCount"`
}

// Lifecycle is implemented by providers that want start and end notices.
// Calls are best-effort.
type Lifecycle interface {
	GameStarted(ctx context.Context, view TurnView) error
	GameEnded(ctx context.Context, end GameEnd) error
}
