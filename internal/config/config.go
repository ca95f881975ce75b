package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
)

// App holds core runtime configuration shared across services.
type App struct {
	Name                    string        `env:"APP_NAME" envDefault:"fifthgg-matchmaking"`
	Env                     string        `env:"APP_ENV" envDefault:"development"`
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_SECONDS" envDefault:"20s"`
	LogLevel                string        `env:"LOG_LEVEL" envDefault:"info"`
	StoreBackend            string        `env:"STORE_BACKEND" envDefault:"postgres"`

	Postgres    Postgres
	Redis       Redis
	Security    Security
	Matchmaking Matchmaking
	Session     Session
	CORS        CORS
}

// Postgres captures connection info for the SQL database.
type Postgres struct {
	Host     string `env:"PG_HOST" envDefault:"localhost"`
	Port     int    `env:"PG_PORT" envDefault:"5432"`
	User     string `env:"PG_USER" envDefault:"postgres"`
	Password string `env:"PG_PASSWORD" envDefault:"postgres"`
	Database string `env:"PG_DATABASE" envDefault:"fifthgg"`
	SSLMode  string `env:"PG_SSL_MODE" envDefault:"disable"`
	MaxConns int    `env:"PG_MAX_CONNS" envDefault:"10"`
}

// ConnString renders the pgx connection string.
func (p Postgres) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode, p.MaxConns)
}

// Redis holds lock + fan-out configuration. Empty Addr disables Redis.
type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// Security stores secrets for verifying tokens.
type Security struct {
	JWTSecret string `env:"JWT_SECRET,notEmpty"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"fifthgg"`
}

// Matchmaking groups matcher behaviour.
type Matchmaking struct {
	// MatchSize of 0 picks 2 in development and 5 otherwise.
	MatchSize             int           `env:"MATCH_SIZE" envDefault:"0"`
	RequireExplicitAccept bool          `env:"MATCH_REQUIRE_EXPLICIT_ACCEPT" envDefault:"false"`
	MaxClaimAttempts      int           `env:"MATCH_MAX_CLAIM_ATTEMPTS" envDefault:"3"`
	LockBackend           string        `env:"MATCH_LOCK_BACKEND" envDefault:"local"`
	LockTTL               time.Duration `env:"MATCH_LOCK_TTL" envDefault:"5s"`
	LockWait              time.Duration `env:"MATCH_LOCK_WAIT" envDefault:"3s"`
	// PoolBackend set to redis moves the ready pool to Redis; empty follows STORE_BACKEND.
	PoolBackend string `env:"MATCH_POOL_BACKEND" envDefault:""`
	PoolPrefix  string `env:"MATCH_POOL_PREFIX" envDefault:"{matchmaking}:ready"`
}

// Session governs connection bookkeeping and event fan-out.
type Session struct {
	IdleTimeout  time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"2m"`
	ReapInterval time.Duration `env:"SESSION_REAP_INTERVAL" envDefault:"30s"`
	Fanout       string        `env:"SESSION_FANOUT" envDefault:"local"`
	Channel      string        `env:"SESSION_CHANNEL" envDefault:"matchmaking:events"`
}

// CORS holds Cross-Origin Resource Sharing configuration.
type CORS struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://127.0.0.1:3000"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS" envSeparator:"," envDefault:"GET,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS" envSeparator:"," envDefault:"Content-Type,Authorization"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE" envDefault:"3600"`
}

// EffectiveMatchSize resolves the players-per-match setting.
func (a *App) EffectiveMatchSize() int {
	if a.Matchmaking.MatchSize > 0 {
		return a.Matchmaking.MatchSize
	}
	if a.Env == "development" {
		return 2
	}
	return 5
}

// Load parses environment variables into App config.
func Load(ctx context.Context) (*App, error) {
	cfg := &App{}
	if err := env.ParseWithOptions(cfg, env.Options{RequiredIfNoDef: true}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *App) validate() error {
	switch a.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, a.StoreBackend)
	}
	for name, v := range map[string]string{
		"MATCH_LOCK_BACKEND": a.Matchmaking.LockBackend,
		"SESSION_FANOUT":     a.Session.Fanout,
	} {
		switch v {
		case BackendLocal:
		case BackendRedis:
			if a.Redis.Addr == "" {
				return fmt.Errorf("%s=redis requires REDIS_ADDR", name)
			}
		default:
			return fmt.Errorf("%s must be %q or %q, got %q", name, BackendLocal, BackendRedis, v)
		}
	}
	switch a.Matchmaking.PoolBackend {
	case "":
	case BackendRedis:
		if a.Redis.Addr == "" {
			return fmt.Errorf("MATCH_POOL_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("MATCH_POOL_BACKEND must be empty or %q, got %q", BackendRedis, a.Matchmaking.PoolBackend)
	}
	if a.Matchmaking.MatchSize < 0 {
		return fmt.Errorf("MATCH_SIZE must not be negative")
	}
	return nil
}
