package game

import (
	"context"
	"time"
)

// Tick charges the running clock of sessionID. The clock is derived from
// the turn's start, so ticks never drift from what ApplyMove charges.
// Only the active seat's clock moves; at zero the session times out.
func (m *Manager) Tick(ctx context.Context, sessionID string) error {
	s, err := m.reg.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.status != StatusInProgress {
		s.mu.Unlock()
		return nil
	}
	s.settleClock(m.now())
	if s.remaining[s.turn] > 0 {
		m.publish(s, Event{Type: EventClock, Clock: &Clock{
			RemainingMs: append([]int64(nil), s.remaining...),
			Running:     s.turn,
		}})
		s.mu.Unlock()
		return nil
	}
	loser := s.turn
	snap := m.finish(s, s.next(loser), ReasonTimeout, s.participants[loser].ID+" ran out of time")
	s.mu.Unlock()

	m.completed(ctx, snap)
	return nil
}

// Run ticks every in-progress session until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.tickAll(ctx)
		}
	}
}

func (m *Manager) tickAll(ctx context.Context) {
	for _, s := range m.reg.list() {
		s.mu.Lock()
		active := s.status == StatusInProgress
		s.mu.Unlock()
		if !active {
			continue
		}
		if err := m.Tick(ctx, s.id); err != nil {
			m.log.Warn().Err(err).Str("session", s.id).Msg("tick")
		}
	}
}

// expire ends the turn seq when its provider reports the deadline passed.
func (m *Manager) expire(ctx context.Context, sessionID string, seq uint64) {
	m.endTurn(ctx, sessionID, seq, ReasonTimeout, "ran out of time")
}

// forfeit ends the turn seq because its move source went away.
func (m *Manager) forfeit(ctx context.Context, sessionID string, seq uint64) {
	m.endTurn(ctx, sessionID, seq, ReasonForfeit, "move source unavailable")
}

func (m *Manager) endTurn(ctx context.Context, sessionID string, seq uint64, reason Reason, detail string) {
	s, err := m.reg.get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.status != StatusInProgress || s.turnSeq != seq {
		s.mu.Unlock()
		return
	}
	loser := s.turn
	if reason == ReasonTimeout {
		s.remaining[loser] = 0
	} else {
		s.settleClock(m.now())
	}
	snap := m.finish(s, s.next(loser), reason, s.participants[loser].ID+" "+detail)
	s.mu.Unlock()

	m.completed(ctx, snap)
}
