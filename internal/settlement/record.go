// Package settlement anchors finished games: it builds an immutable record
// of each completed session, pins it to content-addressed storage and
// submits the outcome to the ledger, retrying with bounded backoff.
//
// Settlement never feeds back into gameplay. A session's result is final
// when it completes; a failed settlement only shows up on its record.
package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiliankoe/moltpit/internal/game"
	"github.com/kiliankoe/moltpit/internal/rating"
	"github.com/kiliankoe/moltpit/internal/rules"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusPinned   Status = "pinned"
	StatusAnchored Status = "anchored"
	StatusFailed   Status = "failed"
)

type Outcome struct {
	Winner     string `json:"winner"`
	WinnerSeat int    `json:"winnerSeat"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

type Rating struct {
	ParticipantID string `json:"participantId"`
	Address       string `json:"address,omitempty"`
	rating.Change
}

// Canonical is the immutable part of a record and exactly what gets pinned.
type Canonical struct {
	SessionID      string             `json:"sessionId"`
	GameKind       rules.Kind         `json:"gameKind"`
	Participants   []game.Participant `json:"participants"`
	Moves          []rules.Move       `json:"moves"`
	Notation       []string           `json:"notation,omitempty"`
	PositionHashes []string           `json:"positionHashes"`
	FinalState     rules.Snapshot     `json:"finalState"`
	FinalStateHash string             `json:"finalStateHash"`
	Outcome        Outcome            `json:"outcome"`
	Ratings        []Rating           `json:"ratings,omitempty"`
	CompletedAt    time.Time          `json:"completedAt"`
}

// Bytes is the content that is pinned. Identical records produce identical bytes.
func (c Canonical) Bytes() ([]byte, error) {
	return json.Marshal(c)
}

type Record struct {
	Canonical

	Status    Status    `json:"status"`
	ContentID string    `json:"contentId,omitempty"`
	TxRef     string    `json:"txRef,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Submission is what the ledger is asked to record.
type Submission struct {
	SessionID      string   `json:"sessionId"`
	Outcome        Outcome  `json:"outcome"`
	ContentID      string   `json:"contentId"`
	FinalStateHash string   `json:"finalStateHash"`
	PositionHashes []string `json:"positionHashes"`
	MoveCount      int      `json:"moveCount"`
}

func (r Record) Submission() Submission {
	return Submission{
		SessionID:      r.SessionID,
		Outcome:        r.Outcome,
		ContentID:      r.ContentID,
		FinalStateHash: r.FinalStateHash,
		PositionHashes: r.PositionHashes,
		MoveCount:      len(r.Moves),
	}
}

// Build derives a pending record from a completed session.
func Build(snap game.Snapshot, now time.Time) (Record, error) {
	if snap.Status != game.StatusCompleted || snap.Result == nil {
		return Record{}, fmt.Errorf("session %s is %s, not completed", snap.ID, snap.Status)
	}
	c := Canonical{
		SessionID:    snap.ID,
		GameKind:     snap.Kind,
		Participants: append([]game.Participant(nil), snap.Participants...),
		FinalState:   snap.State,
		Outcome: Outcome{
			Winner:     snap.Result.Winner,
			WinnerSeat: snap.Result.WinnerSeat,
			Reason:     string(snap.Result.Reason),
			Detail:     snap.Result.Detail,
		},
		Moves:          make([]rules.Move, len(snap.Moves)),
		Notation:       make([]string, len(snap.Moves)),
		PositionHashes: make([]string, len(snap.Moves)),
	}
	for i, m := range snap.Moves {
		c.Moves[i] = m.Move
		c.Notation[i] = m.Notation
		c.PositionHashes[i] = m.PositionHash
	}
	sum := sha256.Sum256(snap.State.Payload)
	c.FinalStateHash = hex.EncodeToString(sum[:])
	if snap.CompletedAt != nil {
		c.CompletedAt = *snap.CompletedAt
	}
	c.Ratings = ratings(snap.Participants, snap.Result.WinnerSeat)

	return Record{
		Canonical: c,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ratings applies Elo to head-to-head games. Other seat counts are unrated.
func ratings(ps []game.Participant, winnerSeat int) []Rating {
	if len(ps) != 2 {
		return nil
	}
	score := rating.Draw
	switch winnerSeat {
	case 0:
		score = rating.Win
	case 1:
		score = rating.Loss
	}
	a, b := rating.Pair(ps[0].Rating, ps[1].Rating, score)
	return []Rating{
		{ParticipantID: ps[0].ID, Address: ps[0].Address, Change: a},
		{ParticipantID: ps[1].ID, Address: ps[1].Address, Change: b},
	}
}
