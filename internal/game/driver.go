package game

import (
	"context"
	"errors"
	"time"

	"github.com/kiliankoe/moltpit/internal/apperr"
	"github.com/kiliankoe/moltpit/internal/provider"
)

type turn struct {
	sessionID     string
	seq           uint64
	participantID string
	notified      time.Time
	deadline      time.Time
	minDelay      time.Duration
}

// drive asks p for the move of one turn until a move is accepted, the turn
// ends or ctx is cancelled because the turn was superseded.
func (m *Manager) drive(ctx context.Context, t turn, p provider.Provider, view provider.TurnView) {
	log := m.log.With().Str("session", t.sessionID).Str("participant", t.participantID).Logger()
	// completion hand-offs must outlive the turn context
	done := m.ctx

	for {
		reply, err := p.RequestMove(ctx, view, t.deadline)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, provider.ErrForfeit):
			m.forfeit(done, t.sessionID, t.seq)
			return
		case errors.Is(err, provider.ErrDeadline):
			m.expire(done, t.sessionID, t.seq)
			return
		case err != nil:
			log.Warn().Err(err).Msg("move provider failed")
			if !m.now().Before(t.deadline) {
				m.forfeit(done, t.sessionID, t.seq)
				return
			}
			if !m.pause(ctx, m.retryPause) {
				return
			}
			continue
		}

		arrived := m.now()
		if !m.pause(ctx, t.notified.Add(t.minDelay).Sub(arrived)) {
			return
		}
		_, err = m.applyTurn(done, t.sessionID, t.participantID, reply, t.seq, arrived)
		if err == nil || !apperr.Rejected(err) {
			if err != nil && !errors.Is(err, errStaleTurn) && !errors.Is(err, ErrSessionNotActive) {
				log.Error().Err(err).Msg("apply provider move")
			}
			return
		}
		log.Debug().Err(err).Str("move", string(reply.Move)).Msg("provider move rejected")
		view.LastError = err.Error()
		if !m.pause(ctx, m.retryPause) {
			return
		}
	}
}

// pause waits d or until ctx is done, reporting whether to carry on.
func (m *Manager) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
