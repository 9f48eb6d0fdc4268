package settlement

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kiliankoe/moltpit/internal/game"
	"github.com/kiliankoe/moltpit/internal/rules"
)

type MockPinner struct {
	mock.Mock
}

func (m *MockPinner) Pin(ctx context.Context, data []byte) (string, error) {
	args := m.Called(ctx, data)
	return args.String(0), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) SubmitResult(ctx context.Context, sub Submission) (string, error) {
	args := m.Called(ctx, sub)
	return args.String(0), args.Error(1)
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) observe(rec Record) {
	l.mu.Lock()
	l.statuses = append(l.statuses, rec.Status)
	l.mu.Unlock()
}

func (l *statusLog) get() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.statuses...)
}

var fastPolicy = Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}

func completedSession(id string, winnerSeat int) game.Snapshot {
	done := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res := &game.Result{Winner: game.Draw, WinnerSeat: rules.NoWinner, Reason: game.ReasonDraw}
	ps := []game.Participant{
		{ID: "alice", Address: "0xa11ce", Rating: 1500},
		{ID: "bob", Address: "0xb0b", Rating: 1500},
	}
	if winnerSeat >= 0 {
		res = &game.Result{Winner: ps[winnerSeat].ID, WinnerSeat: winnerSeat, Reason: game.ReasonDecisive}
	}
	return game.Snapshot{
		ID:           id,
		Kind:         "tictactoe",
		Status:       game.StatusCompleted,
		Participants: ps,
		State:        rules.Snapshot{Kind: "tictactoe", Payload: json.RawMessage(`{"board":"XXXOO....","turn":1}`)},
		Moves: []game.MoveRecord{
			{Seat: 0, ParticipantID: "alice", Move: "0", PositionHash: "h1"},
			{Seat: 1, ParticipantID: "bob", Move: "3", PositionHash: "h2"},
		},
		CompletedAt: &done,
		Result:      res,
	}
}

func startPipeline(t *testing.T, c Collaborators, opts ...Option) (*Pipeline, *statusLog) {
	t.Helper()
	log := &statusLog{}
	opts = append([]Option{WithPolicy(fastPolicy), WithWorkers(2), WithObserver(log.observe)}, opts...)
	p := NewPipeline(c, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, log
}

func waitStatus(t *testing.T, p *Pipeline, id string, want Status) Record {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := p.Status(id)
		return err == nil && rec.Status == want
	}, 2*time.Second, 2*time.Millisecond, "settlement never reached %s", want)
	rec, _ := p.Status(id)
	return rec
}

func TestBuildRecord(t *testing.T) {
	rec, err := Build(completedSession("g1", 0), time.Now())
	require.NoError(t, err)

	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, []rules.Move{"0", "3"}, rec.Moves)
	require.Equal(t, []string{"h1", "h2"}, rec.PositionHashes)
	require.Len(t, rec.FinalStateHash, 64)
	require.Equal(t, "alice", rec.Outcome.Winner)

	require.Len(t, rec.Ratings, 2)
	require.Equal(t, 1516, rec.Ratings[0].After)
	require.Equal(t, 1484, rec.Ratings[1].After)
	require.Equal(t, 0, rec.Ratings[0].Delta+rec.Ratings[1].Delta)

	draw, err := Build(completedSession("g2", -1), time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, draw.Ratings[0].Delta)
	require.Equal(t, 0, draw.Ratings[1].Delta)

	a, _ := rec.Canonical.Bytes()
	again, _ := Build(completedSession("g1", 0), time.Now().Add(time.Hour))
	b, _ := again.Canonical.Bytes()
	require.Equal(t, a, b, "canonical content must not depend on when it was built")

	running := completedSession("g3", 0)
	running.Status = game.StatusInProgress
	_, err = Build(running, time.Now())
	require.Error(t, err)
}

func TestTransientPinFailureThenAnchored(t *testing.T) {
	pinner := &MockPinner{}
	pinner.On("Pin", mock.Anything, mock.Anything).Return("", errors.New("storage unreachable")).Once()
	pinner.On("Pin", mock.Anything, mock.Anything).Return("cid-1", nil).Once()
	ledger := &MockLedger{}
	ledger.On("SubmitResult", mock.Anything, mock.MatchedBy(func(s Submission) bool {
		return s.SessionID == "g1" && s.ContentID == "cid-1" && s.MoveCount == 2
	})).Return("tx-1", nil).Once()

	p, log := startPipeline(t, Collaborators{Mode: ModeLive, Pinner: pinner, Ledger: ledger})
	p.Settle(context.Background(), completedSession("g1", 0))

	rec := waitStatus(t, p, "g1", StatusAnchored)
	require.Equal(t, "cid-1", rec.ContentID)
	require.Equal(t, "tx-1", rec.TxRef)
	require.Equal(t, 3, rec.Attempts)
	require.Equal(t, []Status{StatusPending, StatusPinned, StatusAnchored}, log.get())
	pinner.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestPermanentLedgerFailure(t *testing.T) {
	export := filepath.Join(t.TempDir(), "failed.jsonl")
	ledger := &MockLedger{}
	ledger.On("SubmitResult", mock.Anything, mock.Anything).Return("", errors.New("ledger down"))

	p, log := startPipeline(t, Collaborators{Mode: ModeLive, Pinner: LocalPinner{}, Ledger: ledger}, WithFailureExport(export))
	snap := completedSession("g1", 1)
	p.Settle(context.Background(), snap)

	rec := waitStatus(t, p, "g1", StatusFailed)
	require.Equal(t, []Status{StatusPending, StatusPinned, StatusFailed}, log.get())
	require.Contains(t, rec.LastError, "ledger down")
	require.Equal(t, 1+int(fastPolicy.MaxTries), rec.Attempts)
	ledger.AssertNumberOfCalls(t, "SubmitResult", int(fastPolicy.MaxTries))

	// the declared result stands
	require.Equal(t, "bob", rec.Outcome.Winner)
	require.Equal(t, "bob", snap.Result.Winner)

	f, err := os.Open(export)
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var exported Record
	require.NoError(t, json.Unmarshal(sc.Bytes(), &exported))
	require.Equal(t, "g1", exported.SessionID)
	require.Equal(t, StatusFailed, exported.Status)
	require.False(t, sc.Scan())
}

func TestRetryAfterFailure(t *testing.T) {
	ledger := &MockLedger{}
	ledger.On("SubmitResult", mock.Anything, mock.Anything).Return("", errors.New("ledger down")).Times(int(fastPolicy.MaxTries))
	ledger.On("SubmitResult", mock.Anything, mock.Anything).Return("tx-9", nil).Once()

	p, _ := startPipeline(t, Collaborators{Mode: ModeLive, Pinner: LocalPinner{}, Ledger: ledger})
	p.Settle(context.Background(), completedSession("g1", 0))
	waitStatus(t, p, "g1", StatusFailed)

	_, err := p.Retry(context.Background(), "g1")
	require.NoError(t, err)
	rec := waitStatus(t, p, "g1", StatusAnchored)
	require.Equal(t, "tx-9", rec.TxRef)

	_, err = p.Retry(context.Background(), "g1")
	require.ErrorIs(t, err, ErrAlreadyAnchored)
	_, err = p.Retry(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

type blockingLedger struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (l *blockingLedger) SubmitResult(ctx context.Context, sub Submission) (string, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	l.entered <- struct{}{}
	select {
	case <-l.release:
		return "tx-1", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestRetryWhileInFlightKeepsAnchoredRecord(t *testing.T) {
	ledger := &blockingLedger{entered: make(chan struct{}, 4), release: make(chan struct{})}
	p, log := startPipeline(t, Collaborators{Mode: ModeLive, Pinner: LocalPinner{}, Ledger: ledger})
	p.Settle(context.Background(), completedSession("g1", 0))

	select {
	case <-ledger.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("ledger never called")
	}
	rec, err := p.Retry(context.Background(), "g1")
	require.ErrorIs(t, err, ErrInProgress)
	require.Equal(t, StatusPinned, rec.Status)

	close(ledger.release)
	rec = waitStatus(t, p, "g1", StatusAnchored)
	require.Equal(t, "tx-1", rec.TxRef)

	_, err = p.Retry(context.Background(), "g1")
	require.ErrorIs(t, err, ErrAlreadyAnchored)

	time.Sleep(20 * time.Millisecond)
	rec, _ = p.Status("g1")
	require.Equal(t, StatusAnchored, rec.Status)
	require.NotEmpty(t, rec.ContentID)
	require.Equal(t, []Status{StatusPending, StatusPinned, StatusAnchored}, log.get())
	ledger.mu.Lock()
	require.Equal(t, 1, ledger.calls)
	ledger.mu.Unlock()
}

func TestUpdateNeverLeavesAnchored(t *testing.T) {
	p := NewPipeline(Offline())
	rec, err := Build(completedSession("g1", 0), time.Now())
	require.NoError(t, err)
	rec.Status = StatusAnchored
	rec.TxRef = "tx-1"
	p.records["g1"] = &rec

	out := p.update(context.Background(), "g1", func(r *Record) {
		r.Status = StatusFailed
		r.TxRef = ""
	})
	require.Equal(t, StatusAnchored, out.Status)
	require.Equal(t, "tx-1", out.TxRef)
}

func TestSettleIsOncePerSession(t *testing.T) {
	p, _ := startPipeline(t, Offline())
	p.Settle(context.Background(), completedSession("g1", 0))
	first := waitStatus(t, p, "g1", StatusAnchored)
	p.Settle(context.Background(), completedSession("g1", 1))
	rec, err := p.Status("g1")
	require.NoError(t, err)
	require.Equal(t, first.TxRef, rec.TxRef)
	require.Equal(t, "alice", rec.Outcome.Winner)
	require.Len(t, p.List(), 1)
}

func TestOfflineCollaborators(t *testing.T) {
	c := Offline()
	require.Equal(t, ModeOffline, c.Mode)

	a, err := c.Pinner.Pin(context.Background(), []byte("record"))
	require.NoError(t, err)
	b, _ := c.Pinner.Pin(context.Background(), []byte("record"))
	require.Equal(t, a, b)

	ref1, err := c.Ledger.SubmitResult(context.Background(), Submission{SessionID: "s"})
	require.NoError(t, err)
	ref2, _ := c.Ledger.SubmitResult(context.Background(), Submission{SessionID: "s", ContentID: "other"})
	require.Equal(t, ref1, ref2, "a second submission for the same session is a no-op")
}

func TestHTTPCollaborators(t *testing.T) {
	var mu sync.Mutex
	ledgerStatus := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/ipfs/pins":
			w.Write([]byte(`{"cid":"bafy123"}`))
		case "/chain/settlements":
			var sub Submission
			require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
			mu.Lock()
			status := ledgerStatus
			mu.Unlock()
			w.WriteHeader(status)
			if status != http.StatusBadRequest {
				w.Write([]byte(`{"txRef":"0xabc"}`))
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := Live(srv.URL+"/ipfs/", srv.URL+"/chain", "key")
	cid, err := c.Pinner.Pin(context.Background(), []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, "bafy123", cid)

	ref, err := c.Ledger.SubmitResult(context.Background(), Submission{SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, "0xabc", ref)

	mu.Lock()
	ledgerStatus = http.StatusConflict
	mu.Unlock()
	ref, err = c.Ledger.SubmitResult(context.Background(), Submission{SessionID: "s"})
	require.NoError(t, err, "already settled counts as success")
	require.Equal(t, "0xabc", ref)

	mu.Lock()
	ledgerStatus = http.StatusBadRequest
	mu.Unlock()
	p, _ := startPipeline(t, c)
	p.Settle(context.Background(), completedSession("g1", 0))
	rec := waitStatus(t, p, "g1", StatusFailed)
	require.Equal(t, 2, rec.Attempts, "a client error is not retried")
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func (m *memStore) SaveSettlement(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.SessionID] = rec
	return nil
}

func (m *memStore) LoadSettlements(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func TestRecoverRequeuesInFlight(t *testing.T) {
	pending, _ := Build(completedSession("g1", 0), time.Now())
	failed, _ := Build(completedSession("g2", 0), time.Now())
	failed.Status = StatusFailed
	store := &memStore{recs: map[string]Record{"g1": pending, "g2": failed}}

	p, _ := startPipeline(t, Offline(), WithStore(store))
	n, err := p.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	waitStatus(t, p, "g1", StatusAnchored)
	rec, _ := p.Status("g2")
	require.Equal(t, StatusFailed, rec.Status)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, StatusAnchored, store.recs["g1"].Status)
}
