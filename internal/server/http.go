package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/fifthgg/matchmaking/internal/auth"
	"github.com/fifthgg/matchmaking/internal/config"
	"github.com/fifthgg/matchmaking/internal/logging"
)

// Deps are the collaborators the HTTP surface routes to. Pool and Redis are
// nil when the process runs without them.
type Deps struct {
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Tokens    auth.TokenValidator
	API       *APIHandlers
	WSHandler http.HandlerFunc
}

// NewUpgrader builds the WebSocket upgrader. Browser origins must be in the
// CORS allow list; requests without an Origin header (native clients) pass.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}

	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			if _, ok := allowed[strings.ToLower(origin)]; ok {
				return true
			}
			// Same host is always fine.
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// NewHTTPServer wires health, metrics, the matchmaking socket and the REST views.
func NewHTTPServer(cfg *config.App, logger zerolog.Logger, deps Deps) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.IntoContext(r.Context(), logger)
		if err := pingDependencies(ctx, deps.Pool, deps.Redis); err != nil {
			logger.Error().Err(err).Msg("dependency ping failed")
			http.Error(w, "upstream error", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})

	if deps.WSHandler != nil {
		mux.HandleFunc("GET /ws/matchmaking", deps.WSHandler)
	} else {
		mux.HandleFunc("GET /ws/matchmaking", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "matchmaking socket not configured", http.StatusNotImplemented)
		})
	}

	if deps.API != nil {
		authed := auth.RequireAuth(deps.Tokens, logger)
		mux.Handle("GET /v1/matches/{id}", authed(http.HandlerFunc(deps.API.GetMatch)))
		mux.Handle("GET /v1/matches/history/{userID}", authed(http.HandlerFunc(deps.API.GetHistory)))
		mux.Handle("GET /v1/availability/ready", authed(http.HandlerFunc(deps.API.ListReady)))
		mux.Handle("GET /v1/availability/ready/{userID}", authed(http.HandlerFunc(deps.API.GetReady)))
		mux.HandleFunc("GET /v1/ranks", deps.API.ListRanks)
	}

	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: corsHandler(cfg.CORS).Handler(mux),
	}
}

func corsHandler(c config.CORS) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   c.AllowedOrigins,
		AllowedMethods:   c.AllowedMethods,
		AllowedHeaders:   c.AllowedHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	})
}

func pingDependencies(ctx context.Context, pool *pgxpool.Pool, redis *redis.Client) error {
	var errs []error
	if pool != nil {
		if err := pool.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if redis != nil {
		if err := redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
