package game

import (
	"context"
	"errors"
	"fmt"
)

// Restore registers persisted sessions after a restart and returns how many
// were loaded. Waiting and completed sessions come back unchanged. An
// in-progress session resumes on the same turn with the active clock
// restarted from its persisted remaining time.
func (m *Manager) Restore(_ context.Context, snaps []Snapshot) (int, error) {
	var errs []error
	n := 0
	for _, snap := range snaps {
		s, err := m.restore(snap)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", snap.ID, err))
			continue
		}
		if err := m.reg.add(s); err != nil {
			if errors.Is(err, ErrDuplicateSession) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if s.status == StatusInProgress {
			s.mu.Lock()
			m.beginTurn(s)
			s.mu.Unlock()
		}
		n++
	}
	m.log.Info().Int("sessions", n).Int("skipped", len(snaps)-n).Msg("sessions restored")
	return n, errors.Join(errs...)
}

func (m *Manager) restore(snap Snapshot) (*session, error) {
	engine, ok := m.engines.Engine(snap.Kind)
	if !ok {
		return nil, ErrUnknownGameKind
	}
	state, err := m.engines.Restore(snap.State)
	if err != nil {
		return nil, err
	}
	if len(snap.Participants) == 0 || len(snap.Participants) > engine.Seats() {
		return nil, ErrInvalidParticipantCount
	}
	s := &session{
		id:           snap.ID,
		engine:       engine,
		status:       snap.Status,
		participants: append([]Participant(nil), snap.Participants...),
		turn:         snap.Turn,
		state:        state,
		history:      append([]MoveRecord(nil), snap.Moves...),
		remaining:    append([]int64(nil), snap.RemainingMs...),
		tc:           snap.TimeControl,
		createdAt:    snap.CreatedAt,
		seq:          snap.Version,
	}
	if snap.StartedAt != nil {
		s.startedAt = *snap.StartedAt
	}
	if snap.CompletedAt != nil {
		s.completedAt = *snap.CompletedAt
	}
	if snap.Result != nil {
		r := *snap.Result
		s.result = &r
	}
	if s.status == StatusInProgress {
		if len(s.remaining) != len(s.participants) || s.turn < 0 || s.turn >= len(s.participants) {
			return nil, fmt.Errorf("inconsistent clock state")
		}
	}
	return s, nil
}
