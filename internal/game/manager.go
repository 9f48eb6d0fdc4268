package game

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/moltpit/internal/apperr"
	"github.com/kiliankoe/moltpit/internal/provider"
	"github.com/kiliankoe/moltpit/internal/rules"
)

var (
	ErrSessionNotFound         = apperr.New(apperr.CodeSessionNotFound, "session not found")
	ErrSessionNotActive        = apperr.New(apperr.CodeSessionNotActive, "session not in progress")
	ErrSessionNotWaiting       = apperr.New(apperr.CodeSessionNotWaiting, "session not waiting for participants")
	ErrDuplicateSession        = apperr.New(apperr.CodeDuplicateSession, "session id already exists")
	ErrUnknownGameKind         = apperr.New(apperr.CodeUnknownGameKind, "unknown game kind")
	ErrInvalidParticipantCount = apperr.New(apperr.CodeInvalidParticipantCount, "invalid participant count")
	ErrUnknownParticipant      = apperr.New(apperr.CodeUnknownParticipant, "participant not in session")
	ErrOutOfTurn               = apperr.New(apperr.CodeOutOfTurn, "not your turn")
	ErrInvalidMove             = apperr.New(apperr.CodeInvalidMove, "invalid move")
	ErrInvalidTimeControl      = apperr.New(apperr.CodeInvalidTimeControl, "invalid time control")

	// errStaleTurn is returned to a driver whose turn has already moved on.
	errStaleTurn = errors.New("turn already over")
)

// Settler receives every completed session.
type Settler interface {
	Settle(ctx context.Context, snap Snapshot)
}

// Saver persists session snapshots.
type Saver interface {
	SaveSession(ctx context.Context, snap Snapshot) error
}

type session struct {
	mu sync.Mutex

	id           string
	engine       rules.Engine
	status       Status
	participants []Participant
	turn         int
	state        rules.State
	history      []MoveRecord
	remaining    []int64
	tc           TimeControl
	createdAt    time.Time
	startedAt    time.Time
	completedAt  time.Time
	result       *Result
	seq          uint64

	// current turn
	turnSeq     uint64
	turnStarted time.Time
	turnBudget  int64
	cancelTurn  context.CancelFunc
}

// Manager runs every live session: turn order, clocks, provider-driven
// moves, termination and the hand-off to settlement.
type Manager struct {
	engines *rules.Registry
	reg     *registry
	broker  *Broker
	log     zerolog.Logger
	now     func() time.Time

	tickInterval time.Duration
	retryPause   time.Duration
	defaultTC    TimeControl
	settler      Settler
	saver        Saver
	exportFile   string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	providers map[seatKey]provider.Provider

	savesMu sync.Mutex
	saves   map[string]*saveState
}

// saveState orders the writes of one session's snapshots.
type saveState struct {
	mu        sync.Mutex
	version   uint64
	completed bool
}

type seatKey struct {
	session     string
	participant string
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithTickInterval(d time.Duration) Option { return func(m *Manager) { m.tickInterval = d } }
func WithTimeControl(tc TimeControl) Option { return func(m *Manager) { m.defaultTC = tc } }
func WithSettler(s Settler) Option { return func(m *Manager) { m.settler = s } }
func WithSaver(s Saver) Option { return func(m *Manager) { m.saver = s } }
func WithBroker(b *Broker) Option { return func(m *Manager) { m.broker = b } }
func WithExportFile(path string) Option { return func(m *Manager) { m.exportFile = path } }
func WithProviderRetryPause(d time.Duration) Option {
	return func(m *Manager) { m.retryPause = d }
}

func NewManager(engines *rules.Registry, opts ...Option) *Manager {
	m := &Manager{
		engines:      engines,
		reg:          newRegistry(),
		broker:       NewBroker(),
		log:          zerolog.Nop(),
		now:          time.Now,
		tickInterval: time.Second,
		retryPause:   100 * time.Millisecond,
		defaultTC:    DefaultTimeControl,
		providers:    make(map[seatKey]provider.Provider),
		saves:        make(map[string]*saveState),
	}
	for _, o := range opts {
		o(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Close stops every provider wait. Sessions stay readable.
func (m *Manager) Close() {
	m.cancel()
}

func (m *Manager) Broker() *Broker { return m.broker }

func (m *Manager) Subscribe(sessionID string) (chan Event, error) {
	if _, err := m.reg.get(sessionID); err != nil {
		return nil, err
	}
	return m.broker.Subscribe(sessionID), nil
}

func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.broker.Unsubscribe(sessionID, ch)
}

// Attach makes p the move source of participantID in sessionID. When it
// is that participant's turn the new source is asked right away. A nil p
// detaches; the participant then moves only through ApplyMove.
func (m *Manager) Attach(sessionID, participantID string, p provider.Provider) error {
	s, err := m.reg.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seatOf(participantID) < 0 {
		return ErrUnknownParticipant
	}
	if s.status == StatusCompleted {
		return ErrSessionNotActive
	}
	m.setProvider(sessionID, participantID, p)
	if s.status == StatusInProgress && s.participants[s.turn].ID == participantID {
		m.requestMove(s)
	}
	return nil
}

func (m *Manager) setProvider(sessionID, participantID string, p provider.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seatKey{sessionID, participantID}
	if p == nil {
		delete(m.providers, key)
		return
	}
	m.providers[key] = p
}

func (m *Manager) providerFor(sessionID, participantID string) provider.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[seatKey{sessionID, participantID}]
}

func (m *Manager) dropProviders(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range snap.Participants {
		delete(m.providers, seatKey{snap.ID, p.ID})
	}
}

// Create registers a new session. With all seats filled the game starts
// immediately; otherwise it waits for Join.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Snapshot, error) {
	engine, ok := m.engines.Engine(req.Kind)
	if !ok {
		return Snapshot{}, apperr.Newf(apperr.CodeUnknownGameKind, "unknown game kind %q", req.Kind)
	}
	if n := len(req.Participants); n == 0 || n > engine.Seats() {
		return Snapshot{}, apperr.Newf(apperr.CodeInvalidParticipantCount, "%s needs %d participants, got %d", req.Kind, engine.Seats(), n)
	}
	tc := m.defaultTC
	if req.TimeControl != nil {
		tc = *req.TimeControl
	}
	if tc.InitialMs <= 0 || tc.IncrementMs < 0 || tc.MinDelayMs < 0 {
		return Snapshot{}, apperr.Wrap(apperr.CodeInvalidTimeControl, "invalid time control",
			fmt.Errorf("initial %dms, increment %dms, min delay %dms", tc.InitialMs, tc.IncrementMs, tc.MinDelayMs))
	}
	state, err := engine.NewState()
	if err != nil {
		return Snapshot{}, fmt.Errorf("new %s state: %w", req.Kind, err)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := &session{
		id:        id,
		engine:    engine,
		status:    StatusWaiting,
		state:     state,
		tc:        tc,
		createdAt: m.now().UTC(),
	}
	for _, p := range req.Participants {
		if _, err := s.addParticipant(p); err != nil {
			return Snapshot{}, err
		}
	}
	for pid := range req.Providers {
		if s.seatOf(pid) < 0 {
			return Snapshot{}, apperr.Newf(apperr.CodeUnknownParticipant, "provider for %q, who is not a participant", pid)
		}
	}
	if err := m.reg.add(s); err != nil {
		return Snapshot{}, err
	}
	// the session is registered, so these seats are ours
	for pid, p := range req.Providers {
		m.setProvider(id, pid, p)
	}

	s.mu.Lock()
	if len(s.participants) == engine.Seats() {
		m.start(s)
	}
	snap := s.snapshot()
	s.mu.Unlock()

	m.log.Info().Str("session", id).Str("kind", string(req.Kind)).Str("status", string(snap.Status)).Msg("session created")
	m.save(ctx, snap)
	if snap.Status == StatusInProgress {
		m.announceStart(snap)
	}
	return snap, nil
}

// Join adds a participant to a waiting session with src as its move source
// (nil for direct moves). The last seat starts the game.
func (m *Manager) Join(ctx context.Context, sessionID string, p Participant, src provider.Provider) (Snapshot, error) {
	s, err := m.reg.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	if s.status != StatusWaiting {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionNotWaiting
	}
	if len(s.participants) >= s.engine.Seats() {
		s.mu.Unlock()
		return Snapshot{}, ErrInvalidParticipantCount
	}
	pid, err := s.addParticipant(p)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	if src != nil {
		m.setProvider(sessionID, pid, src)
	}
	if len(s.participants) == s.engine.Seats() {
		m.start(s)
	} else {
		m.publish(s, Event{Type: EventState})
	}
	snap := s.snapshot()
	s.mu.Unlock()

	m.log.Info().Str("session", sessionID).Str("participant", pid).Msg("participant joined")
	if snap.Status == StatusInProgress {
		m.save(ctx, snap)
		m.announceStart(snap)
	}
	return snap, nil
}

// Finalize checks that a session has all its seats. It fails for a
// waiting session that is still short of participants.
func (m *Manager) Finalize(_ context.Context, sessionID string) (Snapshot, error) {
	s, err := m.reg.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusWaiting:
		return s.snapshot(), apperr.Newf(apperr.CodeInvalidParticipantCount, "%d of %d participants joined", len(s.participants), s.engine.Seats())
	case StatusCompleted:
		return s.snapshot(), ErrSessionNotWaiting
	}
	return s.snapshot(), nil
}

// ApplyMove plays move for participantID. Rejected moves leave the session untouched.
func (m *Manager) ApplyMove(ctx context.Context, sessionID, participantID string, move rules.Move) (Snapshot, error) {
	return m.applyTurn(ctx, sessionID, participantID, provider.Reply{Move: move}, 0, m.now())
}

// Resign concedes the game for participantID at any point of the game.
func (m *Manager) Resign(ctx context.Context, sessionID, participantID string) (Snapshot, error) {
	s, err := m.reg.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	if s.status != StatusInProgress {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionNotActive
	}
	seat := s.seatOf(participantID)
	if seat < 0 {
		s.mu.Unlock()
		return Snapshot{}, ErrUnknownParticipant
	}
	s.settleClock(m.now())
	snap := m.finish(s, s.next(seat), ReasonResign, participantID+" resigned")
	s.mu.Unlock()

	m.completed(ctx, snap)
	return snap, nil
}

func (m *Manager) Get(sessionID string) (Snapshot, error) {
	s, err := m.reg.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

func (m *Manager) List() []Snapshot {
	sessions := m.reg.list()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	return out
}

// NotifySettlement publishes a settlement status change to the session's subscribers.
func (m *Manager) NotifySettlement(sessionID string, status any) {
	m.broker.Publish(Event{Type: EventSettlement, SessionID: sessionID, At: m.now().UTC(), Settlement: status})
}

// applyTurn validates and applies one move. expectSeq, when non-zero, pins
// the move to a specific turn so a late provider answer cannot land on a
// later turn.
func (m *Manager) applyTurn(ctx context.Context, sessionID, participantID string, reply provider.Reply, expectSeq uint64, at time.Time) (Snapshot, error) {
	s, err := m.reg.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	if s.status != StatusInProgress {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionNotActive
	}
	seat := s.seatOf(participantID)
	if seat < 0 {
		s.mu.Unlock()
		return Snapshot{}, ErrUnknownParticipant
	}
	if seat != s.turn {
		s.mu.Unlock()
		return Snapshot{}, ErrOutOfTurn
	}
	if expectSeq != 0 && expectSeq != s.turnSeq {
		s.mu.Unlock()
		return Snapshot{}, errStaleTurn
	}

	elapsed := max(at.Sub(s.turnStarted).Milliseconds(), 0)
	left := s.turnBudget - elapsed
	if left <= 0 {
		s.remaining[seat] = 0
		snap := m.finish(s, s.next(seat), ReasonTimeout, participantID+" ran out of time")
		s.mu.Unlock()
		m.completed(ctx, snap)
		return snap, apperr.New(apperr.CodeSessionNotActive, "clock expired before the move arrived")
	}

	next, applied, err := s.engine.Apply(s.state, reply.Move)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, rules.ErrIllegalMove) {
			return Snapshot{}, apperr.Wrap(apperr.CodeInvalidMove, fmt.Sprintf("invalid move %q", reply.Move), err)
		}
		return Snapshot{}, fmt.Errorf("apply move: %w", err)
	}
	hash, err := positionHash(s.engine, next)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	out, err := s.engine.Terminal(next)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("terminal check: %w", err)
	}

	rec := MoveRecord{
		Seat:          seat,
		ParticipantID: participantID,
		Move:          applied.Move,
		Notation:      applied.Display,
		ElapsedMs:     elapsed,
		PositionHash:  hash,
		TrashTalk:     reply.TrashTalk,
		At:            at.UTC(),
	}
	s.state = next
	s.history = append(s.history, rec)
	s.remaining[seat] = left + s.tc.IncrementMs
	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}

	if out.Terminal {
		winner, reason := out.Winner, ReasonDecisive
		if winner == rules.NoWinner {
			reason = ReasonDraw
		}
		m.publish(s, Event{Type: EventState, Move: &rec})
		snap := m.finish(s, winner, reason, out.Reason)
		s.mu.Unlock()
		m.completed(ctx, snap)
		return snap, nil
	}

	s.turn = s.next(seat)
	m.publish(s, Event{Type: EventState, Move: &rec})
	m.beginTurn(s)
	snap := s.snapshot()
	s.mu.Unlock()
	m.save(ctx, snap)
	return snap, nil
}

// start moves a full session into play. Caller holds s.mu.
func (m *Manager) start(s *session) {
	now := m.now()
	s.status = StatusInProgress
	s.startedAt = now.UTC()
	s.turn = 0
	s.remaining = make([]int64, len(s.participants))
	for i := range s.remaining {
		s.remaining[i] = s.tc.InitialMs
	}
	m.publish(s, Event{Type: EventState})
	m.beginTurn(s)
}

// beginTurn starts the clock of the active seat and, if a provider is
// attached, asks it for a move. Caller holds s.mu.
func (m *Manager) beginTurn(s *session) {
	s.turnSeq++
	s.turnStarted = m.now()
	s.turnBudget = s.remaining[s.turn]
	m.requestMove(s)
}

// requestMove hands the current turn to the active seat's provider,
// replacing any driver already running for it. Caller holds s.mu.
func (m *Manager) requestMove(s *session) {
	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}
	pid := s.participants[s.turn].ID
	p := m.providerFor(s.id, pid)
	if p == nil {
		return
	}
	deadline := s.turnStarted.Add(time.Duration(max(s.turnBudget, s.tc.MinDelayMs)) * time.Millisecond)
	view, err := s.view(s.turn)
	if err != nil {
		m.log.Error().Err(err).Str("session", s.id).Msg("build turn view")
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	s.cancelTurn = cancel

	m.publish(s, Event{Type: EventMoveRequested, ParticipantID: pid, Deadline: &deadline})
	go m.drive(ctx, turn{
		sessionID:     s.id,
		seq:           s.turnSeq,
		participantID: pid,
		notified:      s.turnStarted,
		deadline:      deadline,
		minDelay:      time.Duration(s.tc.MinDelayMs) * time.Millisecond,
	}, p, view)
}

// finish completes s. Caller holds s.mu and must call completed after
// unlocking.
func (m *Manager) finish(s *session, winnerSeat int, reason Reason, detail string) Snapshot {
	s.status = StatusCompleted
	s.completedAt = m.now().UTC()
	res := &Result{Winner: Draw, WinnerSeat: rules.NoWinner, Reason: reason, Detail: detail}
	if winnerSeat >= 0 && winnerSeat < len(s.participants) {
		res.Winner = s.participants[winnerSeat].ID
		res.WinnerSeat = winnerSeat
	}
	s.result = res
	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}
	snap := s.snapshot()
	// the completed event below is this snapshot's version
	snap.Version++
	m.publish(s, Event{Type: EventCompleted, Session: &snap})
	return snap
}

// completed runs the hand-offs of a finished session outside its lock.
func (m *Manager) completed(ctx context.Context, snap Snapshot) {
	m.log.Info().
		Str("session", snap.ID).
		Str("winner", snap.Result.Winner).
		Str("reason", string(snap.Result.Reason)).
		Int("moves", len(snap.Moves)).
		Msg("session completed")

	if m.settler != nil {
		m.settler.Settle(ctx, snap)
	}
	m.save(ctx, snap)
	if m.exportFile != "" {
		if err := ExportSession(snap, m.exportFile); err != nil {
			m.log.Warn().Err(err).Str("session", snap.ID).Msg("export session")
		}
	}
	for _, p := range snap.Participants {
		lc, ok := m.providerFor(snap.ID, p.ID).(provider.Lifecycle)
		if !ok {
			continue
		}
		end := provider.GameEnd{
			SessionID:     snap.ID,
			ParticipantID: p.ID,
			Winner:        snap.Result.Winner,
			Reason:        string(snap.Result.Reason),
			MoveCount:     len(snap.Moves),
		}
		go m.lifecycle(snap.ID, p.ID, func(ctx context.Context) error { return lc.GameEnded(ctx, end) })
	}
	m.dropProviders(snap)
}

func (m *Manager) announceStart(snap Snapshot) {
	engine, _ := m.engines.Engine(snap.Kind)
	state, err := m.engines.Restore(snap.State)
	if err != nil {
		m.log.Warn().Err(err).Str("session", snap.ID).Msg("restore state for start notice")
	}
	for seat, p := range snap.Participants {
		lc, ok := m.providerFor(snap.ID, p.ID).(provider.Lifecycle)
		if !ok {
			continue
		}
		view := provider.TurnView{
			SessionID:     snap.ID,
			Kind:          snap.Kind,
			ParticipantID: p.ID,
			Seat:          seat,
			State:         snap.State,
			RemainingMs:   snap.RemainingMs[seat],
			IsYourTurn:    seat == snap.Turn,
			Opponent:      opponentOf(snap.Participants, seat),
		}
		if state != nil {
			view.Details = describe(engine, state, seat)
		}
		go m.lifecycle(snap.ID, p.ID, func(ctx context.Context) error { return lc.GameStarted(ctx, view) })
	}
}

func (m *Manager) lifecycle(sessionID, participantID string, call func(context.Context) error) {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	if err := call(ctx); err != nil {
		m.log.Debug().Err(err).Str("session", sessionID).Str("participant", participantID).Msg("lifecycle notification failed")
	}
}

// save persists snap unless a newer snapshot of the session was already
// written. A completed session is never overwritten by a running one.
func (m *Manager) save(ctx context.Context, snap Snapshot) {
	if m.saver == nil {
		return
	}
	m.savesMu.Lock()
	st := m.saves[snap.ID]
	if st == nil {
		st = &saveState{}
		m.saves[snap.ID] = st
	}
	m.savesMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if snap.Version < st.version || (st.completed && snap.Status != StatusCompleted) {
		m.log.Debug().Str("session", snap.ID).Uint64("version", snap.Version).Uint64("saved", st.version).Msg("skipping stale snapshot")
		return
	}
	if err := m.saver.SaveSession(ctx, snap); err != nil {
		m.log.Warn().Err(err).Str("session", snap.ID).Msg("persist session")
		return
	}
	st.version = snap.Version
	st.completed = snap.Status == StatusCompleted
}

// publish stamps ev with the session's next sequence number. Caller holds
// s.mu, which keeps one session's events in order.
func (m *Manager) publish(s *session, ev Event) {
	s.seq++
	ev.SessionID = s.id
	ev.Seq = s.seq
	ev.At = m.now().UTC()
	if ev.Session == nil && ev.Type == EventState {
		snap := s.snapshot()
		ev.Session = &snap
	}
	m.broker.Publish(ev)
}

func (s *session) addParticipant(p Participant) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if s.seatOf(p.ID) >= 0 {
		return "", apperr.Newf(apperr.CodeInvalidParticipantCount, "participant %s already seated", p.ID)
	}
	s.participants = append(s.participants, p)
	return p.ID, nil
}

func (s *session) seatOf(participantID string) int {
	for i, p := range s.participants {
		if p.ID == participantID {
			return i
		}
	}
	return -1
}

func (s *session) next(seat int) int {
	return (seat + 1) % len(s.participants)
}

// settleClock charges the running clock up to now.
func (s *session) settleClock(now time.Time) {
	if s.status != StatusInProgress {
		return
	}
	s.remaining[s.turn] = max(s.turnBudget-now.Sub(s.turnStarted).Milliseconds(), 0)
}

func (s *session) view(seat int) (provider.TurnView, error) {
	legal, err := s.engine.LegalMoves(s.state)
	if err != nil {
		return provider.TurnView{}, err
	}
	snap, err := rules.Snap(s.engine, s.state)
	if err != nil {
		return provider.TurnView{}, err
	}
	history := make([]rules.Move, len(s.history))
	for i, r := range s.history {
		history[i] = r.Move
	}
	return provider.TurnView{
		SessionID:     s.id,
		Kind:          s.engine.Kind(),
		ParticipantID: s.participants[seat].ID,
		Seat:          seat,
		State:         snap,
		LegalMoves:    legal,
		MoveHistory:   history,
		RemainingMs:   s.remaining[seat],
		IsYourTurn:    seat == s.turn,
		Opponent:      opponentOf(s.participants, seat),
		Details:       describe(s.engine, s.state, seat),
	}, nil
}

func describe(e rules.Engine, st rules.State, seat int) map[string]any {
	d, ok := e.(rules.Describer)
	if !ok {
		return nil
	}
	out, err := d.Describe(st, seat)
	if err != nil {
		return nil
	}
	return out
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:           s.id,
		Kind:         s.engine.Kind(),
		Status:       s.status,
		Participants: append([]Participant(nil), s.participants...),
		Turn:         s.turn,
		Moves:        append([]MoveRecord(nil), s.history...),
		RemainingMs:  append([]int64(nil), s.remaining...),
		TimeControl:  s.tc,
		CreatedAt:    s.createdAt,
		Version:      s.seq,
	}
	if st, err := rules.Snap(s.engine, s.state); err == nil {
		snap.State = st
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.completedAt.IsZero() {
		t := s.completedAt
		snap.CompletedAt = &t
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}

func opponentOf(ps []Participant, seat int) provider.Opponent {
	if len(ps) < 2 {
		return provider.Opponent{}
	}
	o := ps[(seat+1)%len(ps)]
	return provider.Opponent{ID: o.ID, Name: o.Name, Rating: o.Rating}
}

func positionHash(e rules.Engine, s rules.State) (string, error) {
	raw, err := e.Encode(s)
	if err != nil {
		return "", fmt.Errorf("encode position: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
