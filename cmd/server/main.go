package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kiliankoe/moltpit/internal/agentws"
	"github.com/kiliankoe/moltpit/internal/ai"
	"github.com/kiliankoe/moltpit/internal/ai/ollama"
	"github.com/kiliankoe/moltpit/internal/ai/openai"
	"github.com/kiliankoe/moltpit/internal/api"
	"github.com/kiliankoe/moltpit/internal/config"
	"github.com/kiliankoe/moltpit/internal/game"
	"github.com/kiliankoe/moltpit/internal/provider"
	"github.com/kiliankoe/moltpit/internal/rules"
	"github.com/kiliankoe/moltpit/internal/rules/chess"
	"github.com/kiliankoe/moltpit/internal/rules/tictactoe"
	"github.com/kiliankoe/moltpit/internal/settlement"
	"github.com/kiliankoe/moltpit/internal/store"
	"github.com/kiliankoe/moltpit/internal/telemetry"
	"github.com/kiliankoe/moltpit/internal/ws"
	staticserver "github.com/kiliankoe/moltpit/static"
)

const version = "v0.3.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`MoltPit - match orchestration and settlement for AI agents

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT                     Port to listen on (default: 8080)
  LOG_LEVEL                trace, debug, info, warn or error (default: info)
  STORE                    "memory", a redis:// URL or "sqlite:<path>" (default: memory)
  CLOCK_INITIAL_MS         Initial clock per player (default: 900000)
  CLOCK_INCREMENT_MS       Increment per accepted move (default: 10000)
  CLOCK_MIN_DELAY_MS       Pacing floor between request and move (default: 0)
  TICK_INTERVAL            Clock broadcast interval (default: 1s)
  SETTLEMENT_MODE          "offline" or "live" (default: offline)
  PIN_URL                  Content-addressed store endpoint (live mode)
  LEDGER_URL               Ledger endpoint (live mode)
  COLLABORATOR_API_KEY     Bearer token for PIN_URL and LEDGER_URL
  SETTLEMENT_WORKERS       Settlement worker goroutines (default: 4)
  SETTLEMENT_MAX_TRIES     Attempts per settlement step (default: 5)
  SETTLEMENT_BACKOFF       Initial retry interval (default: 500ms)
  ADMIN_USER               Admin username for settlement retry (basic auth)
  ADMIN_PASS               Admin password for settlement retry (basic auth)
  EXPORT_ENABLED           Export finished matches to file (default: true)
  EXPORT_FILE              Path of the match export (default: ./moltpit-matches.txt)
  FAILED_SETTLEMENTS_FILE  Path of failed settlement records (default: ./moltpit-failed-settlements.jsonl)
  OTEL_ENDPOINT            OTLP/HTTP endpoint; tracing is off when empty
  OPENAI_API_KEY           OpenAI API key (for "openai" model agents)
  OPENAI_BASE_URL          Custom OpenAI API base URL (optional)
  OLLAMA_HOST              Ollama host URL (default: http://localhost:11434)
  DEFAULT_MODEL            Model for agents that name none (default: gpt-4o-mini)

Examples:
  %s                  Start server with default settings
  %s --port 3000      Start server on port 3000

Visit http://localhost:8080 after starting the server.
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("MoltPit %s\n", version)
		return
	}

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	zerologlog.Logger = zerologlog.Output(cw)

	cfg, err := config.FromEnv()
	if err != nil {
		zerologlog.Fatal().Err(err).Msg("config")
	}
	if *portFlag != "" {
		cfg.Port = *portFlag
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		zerologlog.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := zerologlog.Logger

	shutdownTracing, err := telemetry.Setup(ctx, "moltpit", cfg.OtelEndpoint, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	// --- Store ---
	kv, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer kv.Close()
	repo := store.NewRepository(kv)
	log.Info().Str("store", storeKind(cfg.Store)).Msg("store ready")

	// --- Settlement ---
	collab := settlement.Offline()
	if cfg.SettlementMode == "live" {
		collab = settlement.Live(cfg.PinURL, cfg.LedgerURL, cfg.CollaboratorKey)
	}
	var mgr *game.Manager
	pipeOpts := []settlement.Option{
		settlement.WithLogger(log.With().Str("component", "settlement").Logger()),
		settlement.WithStore(repo),
		settlement.WithWorkers(cfg.SettlementWorkers),
		settlement.WithPolicy(settlement.Policy{
			MaxTries:        cfg.SettlementMaxTries,
			InitialInterval: cfg.SettlementBackoff,
			MaxInterval:     settlement.DefaultPolicy.MaxInterval,
			Multiplier:      settlement.DefaultPolicy.Multiplier,
		}),
		settlement.WithObserver(func(rec settlement.Record) {
			if mgr != nil {
				mgr.NotifySettlement(rec.SessionID, rec)
			}
		}),
	}
	if cfg.ExportEnabled {
		pipeOpts = append(pipeOpts, settlement.WithFailureExport(cfg.FailedFile))
	}
	pipe := settlement.NewPipeline(collab, pipeOpts...)

	// --- Matches ---
	engines := rules.NewRegistry(tictactoe.New(), chess.New())
	gameOpts := []game.Option{
		game.WithLogger(log.With().Str("component", "game").Logger()),
		game.WithTickInterval(cfg.TickInterval),
		game.WithTimeControl(game.TimeControl{
			InitialMs:   cfg.InitialMs,
			IncrementMs: cfg.IncrementMs,
			MinDelayMs:  cfg.MinDelayMs,
		}),
		game.WithSettler(pipe),
		game.WithSaver(repo),
	}
	if cfg.ExportEnabled {
		gameOpts = append(gameOpts, game.WithExportFile(cfg.ExportFile))
	}
	mgr = game.NewManager(engines, gameOpts...)
	defer mgr.Close()

	if snaps, err := repo.ListSessions(ctx); err != nil {
		log.Warn().Err(err).Msg("loading persisted sessions")
	} else if _, err := mgr.Restore(ctx, snaps); err != nil {
		log.Warn().Err(err).Msg("some sessions could not be restored")
	}
	if _, err := pipe.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("recovering settlements")
	}

	bridge := provider.NewBridge(log.With().Str("component", "bridge").Logger())

	// Gin setup with custom logger (skip /socket.io noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") || strings.HasSuffix(path, "/events") {
			return
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		log.Info().Str("path", path).Int("status", status).Dur("dur", dur).Msg("http")
	})

	api.New(mgr, bridge, pipe,
		api.WithLogger(log.With().Str("component", "api").Logger()),
		api.WithAdmin(cfg.AdminUser, cfg.AdminPass),
		api.WithVersion(version),
		api.WithModels(map[string]ai.Completer{
			"openai": openai.New(cfg.OpenAIKey, cfg.OpenAIBaseURL),
			"ollama": ollama.New(cfg.OllamaHost),
		}, cfg.DefaultModel),
	).Mount(r)

	sock := ws.New(mgr, bridge, log.With().Str("component", "ws").Logger())
	io := sock.Mount(r)
	defer io.Close()
	defer sock.Close()

	agentws.New(bridge, log.With().Str("component", "agentws").Logger()).Mount(r)

	// Serve the spectator page for all other routes
	r.NoRoute(func(c *gin.Context) {
		staticserver.Handler().ServeHTTP(c.Writer, c.Request)
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down http server")
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return pipe.Run(gctx) })

	return g.Wait()
}

func storeKind(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "redis"):
		return "redis"
	case strings.HasPrefix(dsn, "sqlite:"):
		return "sqlite"
	}
	return "memory"
}
