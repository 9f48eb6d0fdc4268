package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/moltpit/internal/game"
	"github.com/kiliankoe/moltpit/internal/provider"
	"github.com/kiliankoe/moltpit/internal/rules"
	"github.com/kiliankoe/moltpit/internal/rules/tictactoe"
)

type emitted struct {
	event string
	args  []any
}

// fakeConn implements the parts of socketio.Conn the handlers use.
type fakeConn struct {
	socketio.Conn
	id string

	mu    sync.Mutex
	ctx   any
	out   []emitted
	rooms []string
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Context() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *fakeConn) SetContext(v any) {
	c.mu.Lock()
	c.ctx = v
	c.mu.Unlock()
}

func (c *fakeConn) Emit(event string, args ...any) {
	c.mu.Lock()
	c.out = append(c.out, emitted{event: event, args: args})
	c.mu.Unlock()
}

func (c *fakeConn) Join(room string) {
	c.mu.Lock()
	c.rooms = append(c.rooms, room)
	c.mu.Unlock()
}

func (c *fakeConn) events(name string) []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emitted
	for _, e := range c.out {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setup(t *testing.T) (*Server, *game.Manager, *provider.Bridge) {
	t.Helper()
	mgr := game.NewManager(rules.NewRegistry(tictactoe.New()), game.WithLogger(zerolog.Nop()))
	bridge := provider.NewBridge(zerolog.Nop())
	srv := New(mgr, bridge, zerolog.Nop())
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})
	return srv, mgr, bridge
}

func createGame(t *testing.T, mgr *game.Manager, providers map[string]provider.Provider) {
	t.Helper()
	_, err := mgr.Create(context.Background(), game.CreateRequest{
		ID:   "g",
		Kind: tictactoe.Kind,
		Participants: []game.Participant{
			{ID: "alice", Name: "Alice", Rating: 1500},
			{ID: "bob", Name: "Bob", Rating: 1500},
		},
		Providers: providers,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestBindReceivesMoveRequestAndSubmits(t *testing.T) {
	srv, mgr, bridge := setup(t)

	conn := newConn("s1")
	srv.connect(conn)
	if out := srv.onBind(conn, bindPayload{ParticipantID: "alice"}); out["ok"] != true {
		t.Fatalf("bind failed: %v", out)
	}
	createGame(t, mgr, map[string]provider.Provider{"alice": bridge.For("alice")})

	waitFor(t, "move request", func() bool { return len(conn.events("move:request")) == 1 })
	n := conn.events("move:request")[0].args[0].(provider.Notification)
	if n.SessionID != "g" || n.ParticipantID != "alice" {
		t.Fatalf("unexpected notification %+v", n)
	}

	out := srv.onSubmit(conn, submitPayload{Token: n.Token, Move: "4"})
	if out["ok"] != true {
		t.Fatalf("submit failed: %v", out)
	}
	waitFor(t, "move applied", func() bool {
		snap, _ := mgr.Get("g")
		return len(snap.Moves) == 1
	})
}

func TestSubmitUnknownTokenEmitsError(t *testing.T) {
	srv, _, _ := setup(t)
	conn := newConn("s1")
	srv.connect(conn)
	srv.onBind(conn, bindPayload{ParticipantID: "alice"})

	out := srv.onSubmit(conn, submitPayload{ParticipantID: "alice", Token: "nope", Move: "0"})
	if out["code"] != "NO_PENDING_REQUEST" {
		t.Fatalf("expected NO_PENDING_REQUEST, got %v", out)
	}
	if len(conn.events("error")) != 1 {
		t.Fatal("error event not emitted")
	}
}

func TestSubmitRequiresBinding(t *testing.T) {
	srv, _, _ := setup(t)
	conn := newConn("s1")
	srv.connect(conn)
	out := srv.onSubmit(conn, submitPayload{ParticipantID: "alice", Token: "t", Move: "0"})
	if out["code"] != "unauthorized" {
		t.Fatalf("expected unauthorized, got %v", out)
	}
}

func TestDisconnectForfeitsPendingTurn(t *testing.T) {
	srv, mgr, bridge := setup(t)
	conn := newConn("s1")
	srv.connect(conn)
	srv.onBind(conn, bindPayload{ParticipantID: "alice"})
	createGame(t, mgr, map[string]provider.Provider{"alice": bridge.For("alice")})
	waitFor(t, "move request", func() bool { return len(conn.events("move:request")) == 1 })

	srv.disconnect(conn, "transport close")
	waitFor(t, "forfeit", func() bool {
		snap, _ := mgr.Get("g")
		return snap.Status == game.StatusCompleted
	})
	snap, _ := mgr.Get("g")
	if snap.Result.Reason != game.ReasonForfeit || snap.Result.Winner != "bob" {
		t.Fatalf("expected forfeit win for bob, got %+v", snap.Result)
	}
	if bridge.Bound("alice") {
		t.Fatal("alice should be unbound")
	}
}

func TestWatchForwardsSessionEvents(t *testing.T) {
	srv, mgr, _ := setup(t)
	createGame(t, mgr, nil)

	watcher := newConn("w1")
	srv.connect(watcher)
	if out := srv.onWatch(watcher, watchPayload{SessionID: "g"}); out["session"] == nil {
		t.Fatalf("watch failed: %v", out)
	}
	if len(watcher.rooms) != 1 || watcher.rooms[0] != "g" {
		t.Fatalf("expected to join room g, got %v", watcher.rooms)
	}

	mover := newConn("m1")
	srv.connect(mover)
	if out := srv.onMove(mover, movePayload{SessionID: "g", ParticipantID: "alice", Move: "4"}); out["session"] == nil {
		t.Fatalf("move failed: %v", out)
	}
	waitFor(t, "forwarded state event", func() bool {
		for _, e := range watcher.events("session:event") {
			if ev := e.args[0].(game.Event); ev.Type == game.EventState && ev.Move != nil {
				return true
			}
		}
		return false
	})

	srv.disconnect(watcher, "bye")
	waitFor(t, "forwarder stopped", func() bool { return mgr.Broker().Subscribers("g") == 0 })
}

func TestWatchUnknownSession(t *testing.T) {
	srv, _, _ := setup(t)
	conn := newConn("w1")
	srv.connect(conn)
	out := srv.onWatch(conn, watchPayload{SessionID: "missing"})
	if out["code"] != "SESSION_NOT_FOUND" {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", out)
	}
}

func TestMoveOutOfTurn(t *testing.T) {
	srv, mgr, _ := setup(t)
	createGame(t, mgr, nil)
	conn := newConn("m1")
	srv.connect(conn)
	out := srv.onMove(conn, movePayload{SessionID: "g", ParticipantID: "bob", Move: "4"})
	if out["code"] != "OUT_OF_TURN" {
		t.Fatalf("expected OUT_OF_TURN, got %v", out)
	}
}
