package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Store is "memory", a redis:// URL or "sqlite:<path>".
	Store string `env:"STORE" envDefault:"memory"`

	InitialMs    int64         `env:"CLOCK_INITIAL_MS" envDefault:"900000"`
	IncrementMs  int64         `env:"CLOCK_INCREMENT_MS" envDefault:"10000"`
	MinDelayMs   int64         `env:"CLOCK_MIN_DELAY_MS" envDefault:"0"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`

	// SettlementMode is "offline" or "live".
	SettlementMode     string        `env:"SETTLEMENT_MODE" envDefault:"offline"`
	PinURL             string        `env:"PIN_URL"`
	LedgerURL          string        `env:"LEDGER_URL"`
	CollaboratorKey    string        `env:"COLLABORATOR_API_KEY"`
	SettlementWorkers  int           `env:"SETTLEMENT_WORKERS" envDefault:"4"`
	SettlementMaxTries uint          `env:"SETTLEMENT_MAX_TRIES" envDefault:"5"`
	SettlementBackoff  time.Duration `env:"SETTLEMENT_BACKOFF" envDefault:"500ms"`

	ExportEnabled bool   `env:"EXPORT_ENABLED" envDefault:"true"`
	ExportFile    string `env:"EXPORT_FILE" envDefault:"./moltpit-matches.txt"`
	FailedFile    string `env:"FAILED_SETTLEMENTS_FILE" envDefault:"./moltpit-failed-settlements.jsonl"`

	AdminUser string `env:"ADMIN_USER"`
	AdminPass string `env:"ADMIN_PASS"`

	OtelEndpoint string `env:"OTEL_ENDPOINT"`

	// Language model agents
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OllamaHost    string `env:"OLLAMA_HOST" envDefault:"http://localhost:11434"`
	DefaultModel  string `env:"DEFAULT_MODEL" envDefault:"gpt-4o-mini"`
}

func FromEnv() (Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	switch c.SettlementMode {
	case "offline":
	case "live":
		if c.PinURL == "" || c.LedgerURL == "" {
			return Config{}, fmt.Errorf("SETTLEMENT_MODE=live needs PIN_URL and LEDGER_URL")
		}
	default:
		return Config{}, fmt.Errorf("unknown SETTLEMENT_MODE %q", c.SettlementMode)
	}
	return c, nil
}
