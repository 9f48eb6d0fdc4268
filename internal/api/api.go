// Package api exposes the match manager and settlement pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/moltpit/internal/ai"
	"github.com/kiliankoe/moltpit/internal/apperr"
	"github.com/kiliankoe/moltpit/internal/game"
	"github.com/kiliankoe/moltpit/internal/provider"
	"github.com/kiliankoe/moltpit/internal/rules"
	"github.com/kiliankoe/moltpit/internal/settlement"
)

const pingInterval = 30 * time.Second

// Settlements is the part of the settlement pipeline the API reads and drives.
type Settlements interface {
	Status(sessionID string) (settlement.Record, error)
	Retry(ctx context.Context, sessionID string) (settlement.Record, error)
}

type API struct {
	mgr     *game.Manager
	bridge  *provider.Bridge
	settle  Settlements
	log     zerolog.Logger
	admin   gin.Accounts
	version string

	models       map[string]ai.Completer
	defaultModel string
}

type Option func(*API)

// WithAdmin protects administrative routes with basic auth. Without it they
// are not mounted.
func WithAdmin(user, pass string) Option {
	return func(a *API) {
		if user != "" && pass != "" {
			a.admin = gin.Accounts{user: pass}
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(a *API) { a.log = l } }
func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithModels enables language model providers, keyed by provider type.
func WithModels(backends map[string]ai.Completer, defaultModel string) Option {
	return func(a *API) {
		a.models = backends
		a.defaultModel = defaultModel
	}
}

func New(mgr *game.Manager, bridge *provider.Bridge, settle Settlements, opts ...Option) *API {
	a := &API{mgr: mgr, bridge: bridge, settle: settle, log: zerolog.Nop()}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *API) Mount(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC(), "version": a.version})
	})

	g := r.Group("/api")
	g.POST("/sessions", a.createSession)
	g.GET("/sessions", a.listSessions)
	g.GET("/sessions/:id", a.getSession)
	g.POST("/sessions/:id/join", a.joinSession)
	g.POST("/sessions/:id/moves", a.applyMove)
	g.POST("/sessions/:id/resign", a.resign)
	g.PUT("/sessions/:id/participants/:participant/provider", a.attachProvider)
	g.GET("/sessions/:id/events", a.events)
	g.GET("/sessions/:id/settlement", a.settlementStatus)
	g.POST("/agents/:participant/moves", a.resolveMove)
	g.GET("/agents/:participant/pending", a.pending)

	if a.admin != nil {
		g.POST("/sessions/:id/settlement/retry", gin.BasicAuth(a.admin), a.retrySettlement)
	}
}

// ProviderSpec selects the move source of a participant.
type ProviderSpec struct {
	// Type is one of direct, bridge, webhook, first_legal, random or a
	// configured model backend (openai, ollama).
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Seed  int64  `json:"seed,omitempty"`
	Model string `json:"model,omitempty"`
}

type participantReq struct {
	game.Participant
	Provider *ProviderSpec `json:"provider,omitempty"`
}

type createReq struct {
	ID           string            `json:"id"`
	Kind         rules.Kind        `json:"kind"`
	Participants []participantReq  `json:"participants"`
	TimeControl  *game.TimeControl `json:"timeControl,omitempty"`
}

type moveReq struct {
	ParticipantID string     `json:"participantId"`
	Move          rules.Move `json:"move"`
}

type resignReq struct {
	ParticipantID string `json:"participantId"`
}

type resolveReq struct {
	Token     string     `json:"token"`
	Move      rules.Move `json:"move"`
	TrashTalk string     `json:"trashTalk"`
}

func (a *API) createSession(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	create := game.CreateRequest{ID: req.ID, Kind: req.Kind, TimeControl: req.TimeControl}
	for _, p := range req.Participants {
		create.Participants = append(create.Participants, p.Participant)
		if p.Provider == nil {
			continue
		}
		prov, err := a.providerFor(p.ID, *p.Provider)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		if prov == nil {
			continue
		}
		if create.Providers == nil {
			create.Providers = make(map[string]provider.Provider)
		}
		create.Providers[p.ID] = prov
	}
	snap, err := a.mgr.Create(c.Request.Context(), create)
	if err != nil {
		writeError(c, err)
		return
	}
	a.log.Info().Str("session", snap.ID).Str("kind", string(snap.Kind)).Msg("session created")
	c.JSON(http.StatusCreated, snap)
}

func (a *API) joinSession(c *gin.Context) {
	var req participantReq
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		badRequest(c, "participant id is required")
		return
	}
	var prov provider.Provider
	if req.Provider != nil {
		var err error
		if prov, err = a.providerFor(req.ID, *req.Provider); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	snap, err := a.mgr.Join(c.Request.Context(), c.Param("id"), req.Participant, prov)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.mgr.List()})
}

func (a *API) getSession(c *gin.Context) {
	snap, err := a.mgr.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) applyMove(c *gin.Context) {
	var req moveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	snap, err := a.mgr.ApplyMove(c.Request.Context(), c.Param("id"), req.ParticipantID, req.Move)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) resign(c *gin.Context) {
	var req resignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	snap, err := a.mgr.Resign(c.Request.Context(), c.Param("id"), req.ParticipantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// events streams session events as server-sent events until the client
// goes away.
func (a *API) events(c *gin.Context) {
	id := c.Param("id")
	snap, err := a.mgr.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	ch, err := a.mgr.Subscribe(id)
	if err != nil {
		writeError(c, err)
		return
	}
	defer a.mgr.Unsubscribe(id, ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// the current state first so late subscribers need no extra GET
	c.SSEvent(string(game.EventState), game.Event{Type: game.EventState, SessionID: id, At: time.Now().UTC(), Session: &snap})
	c.Writer.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			return true
		}
	})
}

func (a *API) settlementStatus(c *gin.Context) {
	rec, err := a.settle.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *API) retrySettlement(c *gin.Context) {
	rec, err := a.settle.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	a.log.Info().Str("session", rec.SessionID).Str("user", c.GetString(gin.AuthUserKey)).Msg("settlement retry requested")
	c.JSON(http.StatusAccepted, rec)
}

func (a *API) resolveMove(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	reply := provider.Reply{Move: req.Move, TrashTalk: req.TrashTalk}
	if err := a.bridge.Resolve(c.Param("participant"), req.Token, reply); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

// pending returns the oldest outstanding request of a participant,
// optionally narrowed to one session.
func (a *API) pending(c *gin.Context) {
	session := c.Query("session")
	for _, p := range a.bridge.Pending(c.Param("participant")) {
		if session == "" || p.SessionID == session {
			c.JSON(http.StatusOK, p)
			return
		}
	}
	writeError(c, provider.ErrNoPendingRequest)
}

// attachProvider replaces the move source of one seat, e.g. after a
// restart, when providers have to be attached again.
func (a *API) attachProvider(c *gin.Context) {
	var spec ProviderSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	pid := c.Param("participant")
	prov, err := a.providerFor(pid, spec)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := a.mgr.Attach(c.Param("id"), pid, prov); err != nil {
		writeError(c, err)
		return
	}
	snap, err := a.mgr.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) providerFor(participantID string, spec ProviderSpec) (provider.Provider, error) {
	switch spec.Type {
	case "", "direct":
		return nil, nil
	case "bridge":
		return a.bridge.For(participantID), nil
	case "webhook":
		if spec.URL == "" {
			return nil, fmt.Errorf("webhook provider for %s needs a url", participantID)
		}
		return provider.NewWebhook(spec.URL), nil
	case "first_legal":
		return provider.FirstLegal{}, nil
	case "random":
		seed := spec.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return provider.NewRandom(seed), nil
	default:
		backend, ok := a.models[spec.Type]
		if !ok {
			return nil, fmt.Errorf("unknown provider type %q", spec.Type)
		}
		model := spec.Model
		if model == "" {
			model = a.defaultModel
		}
		return ai.NewAgent(backend, model), nil
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": message})
}

func writeError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := statusOf(code)
	if code == "" {
		code = "internal"
	}
	c.JSON(status, gin.H{"error": string(code), "message": err.Error()})
}

func statusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeSessionNotFound, apperr.CodeSettlementNotFound, apperr.CodeNoPendingRequest:
		return http.StatusNotFound
	case apperr.CodeSessionNotActive, apperr.CodeSessionNotWaiting, apperr.CodeDuplicateSession,
		apperr.CodeOutOfTurn, apperr.CodeSettlementAlreadyAnchored, apperr.CodeSettlementInProgress:
		return http.StatusConflict
	case apperr.CodeUnknownGameKind, apperr.CodeInvalidParticipantCount,
		apperr.CodeUnknownParticipant, apperr.CodeInvalidMove, apperr.CodeInvalidTimeControl:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
