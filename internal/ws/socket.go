// Package ws exposes the match manager over socket.io: agents bind and
// answer move requests, spectators watch session events.
package ws

import (
	"context"
	"net/http"
	"slices"
	"sync"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/moltpit/internal/apperr"
	"github.com/kiliankoe/moltpit/internal/game"
	"github.com/kiliankoe/moltpit/internal/provider"
	"github.com/kiliankoe/moltpit/internal/rules"
)

// ConnCtx is stored on every socket.
type ConnCtx struct {
	Participants []string
	Sessions     []string
	channel      *socketChannel
}

type Server struct {
	mgr    *game.Manager
	bridge *provider.Bridge
	log    zerolog.Logger

	mu         sync.Mutex
	members    map[string]map[string]socketio.Conn // sessionID -> socketID -> Conn
	forwarders map[string]context.CancelFunc
}

func New(mgr *game.Manager, bridge *provider.Bridge, log zerolog.Logger) *Server {
	return &Server{
		mgr:        mgr,
		bridge:     bridge,
		log:        log,
		members:    make(map[string]map[string]socketio.Conn),
		forwarders: make(map[string]context.CancelFunc),
	}
}

// socketChannel delivers move requests to one socket.
type socketChannel struct {
	conn socketio.Conn
}

func (c *socketChannel) Notify(_ context.Context, n provider.Notification) error {
	c.conn.Emit("move:request", n)
	return nil
}

type bindPayload struct {
	ParticipantID string `json:"participantId"`
}

type submitPayload struct {
	ParticipantID string     `json:"participantId"`
	Token         string     `json:"token"`
	Move          rules.Move `json:"move"`
	TrashTalk     string     `json:"trashTalk"`
}

type watchPayload struct {
	SessionID string `json:"sessionId"`
}

type movePayload struct {
	SessionID     string     `json:"sessionId"`
	ParticipantID string     `json:"participantId"`
	Move          rules.Move `json:"move"`
}

// Mount attaches the Socket.IO server with handlers to the given Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		srv.connect(s)
		return nil
	})
	io.OnEvent("/", "agent:bind", srv.onBind)
	io.OnEvent("/", "move:submit", srv.onSubmit)
	io.OnEvent("/", "session:watch", srv.onWatch)
	io.OnEvent("/", "session:move", srv.onMove)

	io.OnError("/", func(s socketio.Conn, e error) {
		srv.log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})
	io.OnDisconnect("/", srv.disconnect)

	go io.Serve()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

// Close stops every session forwarder.
func (srv *Server) Close() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for id, cancel := range srv.forwarders {
		cancel()
		delete(srv.forwarders, id)
	}
}

func (srv *Server) connect(s socketio.Conn) {
	s.SetContext(&ConnCtx{channel: &socketChannel{conn: s}})
	srv.log.Info().Str("sid", s.ID()).Msg("socket connected")
}

func (srv *Server) onBind(s socketio.Conn, payload bindPayload) map[string]any {
	if payload.ParticipantID == "" {
		return srv.err(s, "bad_request", "participantId is required")
	}
	ctx := connCtx(s)
	srv.bridge.Bind(payload.ParticipantID, ctx.channel)
	if !slices.Contains(ctx.Participants, payload.ParticipantID) {
		ctx.Participants = append(ctx.Participants, payload.ParticipantID)
	}
	srv.log.Info().Str("sid", s.ID()).Str("participant", payload.ParticipantID).Msg("agent:bind")

	out := map[string]any{"ok": true}
	if p := srv.bridge.Pending(payload.ParticipantID); len(p) > 0 {
		out["pending"] = p
	}
	return out
}

func (srv *Server) onSubmit(s socketio.Conn, payload submitPayload) map[string]any {
	ctx := connCtx(s)
	pid := payload.ParticipantID
	if pid == "" && len(ctx.Participants) == 1 {
		pid = ctx.Participants[0]
	}
	if !slices.Contains(ctx.Participants, pid) {
		return srv.err(s, "unauthorized", "participant is not bound to this connection")
	}
	reply := provider.Reply{Move: payload.Move, TrashTalk: payload.TrashTalk}
	if err := srv.bridge.Resolve(pid, payload.Token, reply); err != nil {
		return srv.fail(s, err)
	}
	srv.log.Info().Str("participant", pid).Str("move", string(payload.Move)).Msg("move:submit")
	return map[string]any{"ok": true}
}

func (srv *Server) onWatch(s socketio.Conn, payload watchPayload) map[string]any {
	snap, err := srv.mgr.Get(payload.SessionID)
	if err != nil {
		return srv.fail(s, err)
	}
	if err := srv.addMember(payload.SessionID, s); err != nil {
		return srv.fail(s, err)
	}
	s.Join(payload.SessionID)
	ctx := connCtx(s)
	if !slices.Contains(ctx.Sessions, payload.SessionID) {
		ctx.Sessions = append(ctx.Sessions, payload.SessionID)
	}
	srv.log.Info().Str("sid", s.ID()).Str("session", payload.SessionID).Msg("session:watch")
	return map[string]any{"session": snap}
}

func (srv *Server) onMove(s socketio.Conn, payload movePayload) map[string]any {
	snap, err := srv.mgr.ApplyMove(context.Background(), payload.SessionID, payload.ParticipantID, payload.Move)
	if err != nil {
		return srv.fail(s, err)
	}
	return map[string]any{"session": snap}
}

func (srv *Server) disconnect(s socketio.Conn, reason string) {
	if ctx, ok := s.Context().(*ConnCtx); ok {
		if released := srv.bridge.Release(ctx.channel); len(released) > 0 {
			srv.log.Info().Str("sid", s.ID()).Strs("participants", released).Msg("agents released")
		}
		for _, id := range ctx.Sessions {
			srv.removeMember(id, s)
		}
	}
	srv.log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
}

func (srv *Server) addMember(sessionID string, c socketio.Conn) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.members[sessionID] == nil {
		srv.members[sessionID] = make(map[string]socketio.Conn)
	}
	srv.members[sessionID][c.ID()] = c
	if _, ok := srv.forwarders[sessionID]; ok {
		return nil
	}
	events, err := srv.mgr.Subscribe(sessionID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv.forwarders[sessionID] = cancel
	go srv.forward(ctx, sessionID, events)
	return nil
}

func (srv *Server) removeMember(sessionID string, c socketio.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	m := srv.members[sessionID]
	if m == nil {
		return
	}
	delete(m, c.ID())
	if len(m) > 0 {
		return
	}
	delete(srv.members, sessionID)
	if cancel := srv.forwarders[sessionID]; cancel != nil {
		cancel()
		delete(srv.forwarders, sessionID)
	}
}

// forward relays session events to every watcher until the last one leaves.
func (srv *Server) forward(ctx context.Context, sessionID string, events chan game.Event) {
	defer srv.mgr.Unsubscribe(sessionID, events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, c := range srv.watchers(sessionID) {
				c.Emit("session:event", ev)
			}
		}
	}
}

func (srv *Server) watchers(sessionID string) []socketio.Conn {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]socketio.Conn, 0, len(srv.members[sessionID]))
	for _, c := range srv.members[sessionID] {
		out = append(out, c)
	}
	return out
}

func (srv *Server) fail(s socketio.Conn, err error) map[string]any {
	code := string(apperr.CodeOf(err))
	if code == "" {
		code = "internal"
	}
	return srv.err(s, code, err.Error())
}

func (srv *Server) err(s socketio.Conn, code, message string) map[string]any {
	s.Emit("error", map[string]any{"code": code, "message": message})
	return map[string]any{"error": message, "code": code}
}

func connCtx(s socketio.Conn) *ConnCtx {
	if ctx, ok := s.Context().(*ConnCtx); ok {
		return ctx
	}
	ctx := &ConnCtx{channel: &socketChannel{conn: s}}
	s.SetContext(ctx)
	return ctx
}
