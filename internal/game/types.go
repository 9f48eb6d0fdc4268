package game

import (
	"time"

	"github.com/kiliankoe/moltpit/internal/provider"
	"github.com/kiliankoe/moltpit/internal/rules"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

type Reason string

const (
	ReasonDecisive Reason = "decisive"
	ReasonDraw     Reason = "draw"
	ReasonTimeout  Reason = "timeout"
	ReasonForfeit  Reason = "forfeit"
	ReasonResign   Reason = "resign"
)

// Draw is the Result.Winner of a drawn game.
const Draw = "draw"

type TimeControl struct {
	InitialMs   int64 `json:"initialMs"`
	IncrementMs int64 `json:"incrementMs"`
	// MinDelayMs is the pacing floor between a move request and acceptance.
	MinDelayMs int64 `json:"minDelayMs"`
}

var DefaultTimeControl = TimeControl{InitialMs: 900_000, IncrementMs: 10_000}

type Participant struct {
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
	Name    string `json:"name"`
	Rating  int    `json:"rating"`
}

type MoveRecord struct {
	Seat          int        `json:"seat"`
	ParticipantID string     `json:"participantId"`
	Move          rules.Move `json:"move"`
	Notation      string     `json:"notation,omitempty"`
	ElapsedMs     int64      `json:"elapsedMs"`
	PositionHash  string     `json:"positionHash"`
	TrashTalk     string     `json:"trashTalk,omitempty"`
	At            time.Time  `json:"at"`
}

type Result struct {
	// Winner is a participant id or Draw.
	Winner     string `json:"winner"`
	WinnerSeat int    `json:"winnerSeat"`
	Reason     Reason `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// Snapshot is an immutable copy of a session.
type Snapshot struct {
	ID           string         `json:"id"`
	Kind         rules.Kind     `json:"kind"`
	Status       Status         `json:"status"`
	Participants []Participant  `json:"participants"`
	Turn         int            `json:"turn"`
	State        rules.Snapshot `json:"state"`
	Moves        []MoveRecord   `json:"moves"`
	RemainingMs  []int64        `json:"remainingMs"`
	TimeControl  TimeControl    `json:"timeControl"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Result       *Result        `json:"result,omitempty"`
	// Version grows with every change of the session.
	Version uint64 `json:"version"`
}

// ActiveParticipant returns the participant whose turn it is, if the game is running.
func (s Snapshot) ActiveParticipant() (Participant, bool) {
	if s.Status != StatusInProgress || s.Turn >= len(s.Participants) {
		return Participant{}, false
	}
	return s.Participants[s.Turn], true
}

type CreateRequest struct {
	ID           string        `json:"id"`
	Kind         rules.Kind    `json:"kind"`
	Participants []Participant `json:"participants"`
	TimeControl  *TimeControl  `json:"timeControl,omitempty"`
	// Providers maps participant ids to their move source in this session.
	// Participants without one move only through ApplyMove.
	Providers map[string]provider.Provider `json:"-"`
}

type EventType string

const (
	EventState         EventType = "state"
	EventClock         EventType = "clock"
	EventCompleted     EventType = "completed"
	EventSettlement    EventType = "settlement"
	EventMoveRequested EventType = "move_requested"
)

type Clock struct {
	RemainingMs []int64 `json:"remainingMs"`
	// Running is the seat whose clock is running, or -1.
	Running int `json:"running"`
}

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	// Seq orders events of one session; settlement events carry 0.
	Seq           uint64      `json:"seq,omitempty"`
	At            time.Time   `json:"at"`
	Session       *Snapshot   `json:"session,omitempty"`
	Clock         *Clock      `json:"clock,omitempty"`
	Move          *MoveRecord `json:"move,omitempty"`
	ParticipantID string      `json:"participantId,omitempty"`
	Deadline      *time.Time  `json:"deadline,omitempty"`
	Settlement    any         `json:"settlement,omitempty"`
}
