package provider

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errSuperseded = errors.New("move request superseded")

const (
	recentTokens  = 32
	notifyTimeout = 5 * time.Second
)

// Notification is pushed over a bound channel when its participant must move.
type Notification struct {
	Token         string    `json:"token"`
	SessionID     string    `json:"sessionId"`
	ParticipantID string    `json:"participantId"`
	IssuedAt      time.Time `json:"issuedAt"`
	Deadline      time.Time `json:"deadline"`
	GameState     TurnView  `json:"gameState"`
}

// Channel delivers notifications to an externally connected participant.
// Implementations must be comparable (pointer types).
type Channel interface {
	Notify(ctx context.Context, n Notification) error
}

// Pending describes one outstanding move request of a participant.
type Pending struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	IssuedAt  time.Time `json:"issuedAt"`
	Deadline  time.Time `json:"deadline"`
	Resolved  bool      `json:"resolved"`
}

type outcome struct {
	reply Reply
	err   error
}

type pendingRequest struct {
	Pending
	notification Notification
	// done receives exactly one outcome; Resolved guards the send.
	done chan outcome
}

// Bridge correlates move requests for externally connected participants
// with the moves they later submit. A participant has at most one
// outstanding request per session, so one agent can play several games.
type Bridge struct {
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	channels map[string]Channel
	// participant -> session -> request
	pending map[string]map[string]*pendingRequest
	recent  map[string][]string
}

func NewBridge(log zerolog.Logger) *Bridge {
	return &Bridge{
		log:      log,
		now:      time.Now,
		channels: make(map[string]Channel),
		pending:  make(map[string]map[string]*pendingRequest),
		recent:   make(map[string][]string),
	}
}

// For returns the Provider that routes participantID's turns through b.
func (b *Bridge) For(participantID string) Provider {
	return boundProvider{bridge: b, participantID: participantID}
}

type boundProvider struct {
	bridge        *Bridge
	participantID string
}

func (p boundProvider) RequestMove(ctx context.Context, view TurnView, deadline time.Time) (Reply, error) {
	return p.bridge.request(ctx, p.participantID, view, deadline)
}

// Bind attaches ch to participantID, replacing any previous channel.
// Outstanding requests are re-sent on the new channel.
func (b *Bridge) Bind(participantID string, ch Channel) {
	b.mu.Lock()
	b.channels[participantID] = ch
	var resend []Notification
	for _, p := range b.outstanding(participantID) {
		resend = append(resend, p.notification)
	}
	b.mu.Unlock()

	b.log.Info().Str("participant", participantID).Int("outstanding", len(resend)).Msg("channel bound")
	for _, n := range resend {
		go b.notify(ch, n)
	}
}

// Unbind detaches participantID's channel. Outstanding requests are
// resolved immediately as forfeits.
func (b *Bridge) Unbind(participantID string) bool {
	return b.unbind(participantID, nil)
}

// Release unbinds every participant currently bound to ch and returns their ids.
func (b *Bridge) Release(ch Channel) []string {
	b.mu.Lock()
	var ids []string
	for id, c := range b.channels {
		if c == ch {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	released := ids[:0]
	for _, id := range ids {
		if b.unbind(id, ch) {
			released = append(released, id)
		}
	}
	return released
}

func (b *Bridge) unbind(participantID string, only Channel) bool {
	b.mu.Lock()
	ch, ok := b.channels[participantID]
	if !ok || (only != nil && ch != only) {
		b.mu.Unlock()
		return false
	}
	delete(b.channels, participantID)
	forfeited := 0
	for _, p := range b.outstanding(participantID) {
		p.Resolved = true
		p.done <- outcome{err: ErrForfeit}
		forfeited++
	}
	b.mu.Unlock()

	b.log.Info().Str("participant", participantID).Int("forfeited", forfeited).Msg("channel unbound")
	return true
}

// Bound reports whether participantID currently has a channel.
func (b *Bridge) Bound(participantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.channels[participantID]
	return ok
}

// Resolve delivers a move for the request of participantID that token
// names. A token that was issued earlier but is no longer outstanding is
// discarded without error; an unknown token fails with ErrNoPendingRequest.
func (b *Bridge) Resolve(participantID, token string, reply Reply) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.pending[participantID] {
		if p.Token != token {
			continue
		}
		if p.Resolved {
			return nil
		}
		p.Resolved = true
		p.done <- outcome{reply: reply}
		return nil
	}
	if token != "" && slices.Contains(b.recent[participantID], token) {
		b.log.Debug().Str("participant", participantID).Str("token", token).Msg("discarding stale move")
		return nil
	}
	return ErrNoPendingRequest
}

// Pending returns participantID's outstanding requests, oldest first.
func (b *Bridge) Pending(participantID string) []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Pending
	for _, p := range b.outstanding(participantID) {
		out = append(out, p.Pending)
	}
	return out
}

// outstanding lists participantID's unresolved requests, oldest first.
// Caller holds b.mu.
func (b *Bridge) outstanding(participantID string) []*pendingRequest {
	var out []*pendingRequest
	for _, p := range b.pending[participantID] {
		if !p.Resolved {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(x, y *pendingRequest) int { return x.IssuedAt.Compare(y.IssuedAt) })
	return out
}

func (b *Bridge) request(ctx context.Context, participantID string, view TurnView, deadline time.Time) (Reply, error) {
	now := b.now()
	p := &pendingRequest{
		Pending: Pending{
			Token:     uuid.NewString(),
			SessionID: view.SessionID,
			IssuedAt:  now,
			Deadline:  deadline,
		},
		done: make(chan outcome, 1),
	}
	p.notification = Notification{
		Token:         p.Token,
		SessionID:     view.SessionID,
		ParticipantID: participantID,
		IssuedAt:      now,
		Deadline:      deadline,
		GameState:     view,
	}

	b.mu.Lock()
	bySession := b.pending[participantID]
	if bySession == nil {
		bySession = make(map[string]*pendingRequest)
		b.pending[participantID] = bySession
	}
	if old := bySession[view.SessionID]; old != nil && !old.Resolved {
		old.Resolved = true
		old.done <- outcome{err: errSuperseded}
	}
	bySession[view.SessionID] = p
	b.remember(participantID, p.Token)
	ch := b.channels[participantID]
	b.mu.Unlock()
	defer b.finish(participantID, p)

	if ch != nil {
		go b.notify(ch, p.notification)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.reply, out.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-timer.C:
		b.mu.Lock()
		if p.Resolved {
			// a resolution won the race against the timer
			b.mu.Unlock()
			out := <-p.done
			return out.reply, out.err
		}
		p.Resolved = true
		_, bound := b.channels[participantID]
		b.mu.Unlock()
		if !bound {
			return Reply{}, ErrForfeit
		}
		return Reply{}, ErrDeadline
	}
}

func (b *Bridge) finish(participantID string, p *pendingRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p.Resolved = true
	bySession := b.pending[participantID]
	if bySession[p.SessionID] == p {
		delete(bySession, p.SessionID)
	}
	if len(bySession) == 0 {
		delete(b.pending, participantID)
	}
}

func (b *Bridge) remember(participantID, token string) {
	r := append(b.recent[participantID], token)
	if len(r) > recentTokens {
		r = r[len(r)-recentTokens:]
	}
	b.recent[participantID] = r
}

func (b *Bridge) notify(ch Channel, n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := ch.Notify(ctx, n); err != nil {
		b.log.Warn().Err(err).Str("participant", n.ParticipantID).Str("session", n.SessionID).Msg("move request not delivered")
	}
}
