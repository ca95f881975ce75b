package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fifthgg/matchmaking/internal/availability"
	"github.com/fifthgg/matchmaking/internal/rank"
	"github.com/fifthgg/matchmaking/internal/registry"
	httperrors "github.com/fifthgg/matchmaking/pkg/http/errors"
)

const maxHistoryLimit = 100

// APIHandlers exposes read-only REST views over matches and the ready pool.
type APIHandlers struct {
	matches registry.Store
	pool    availability.Store
	logger  zerolog.Logger
}

// NewAPIHandlers creates REST handlers backed by the given stores.
func NewAPIHandlers(matches registry.Store, pool availability.Store, logger zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		matches: matches,
		pool:    pool,
		logger:  logger.With().Str("component", "api_http").Logger(),
	}
}

// GetMatch handles GET /v1/matches/{id}
func (h *APIHandlers) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httperrors.RespondValidationError(w, httperrors.ErrCodeInvalidMatchID, "Match id must be a UUID", "id")
		return
	}

	match, err := h.matches.Get(r.Context(), matchID)
	if errors.Is(err, registry.ErrMatchNotFound) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeNotFound, "Match not found")
		return
	}
	if err != nil {
		h.storeFailure(w, err, "load match")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"match": match})
}

// GetHistory handles GET /v1/matches/history/{userID}?limit=20
func (h *APIHandlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		httperrors.RespondValidationError(w, httperrors.ErrCodeInvalidUserID, "User id must be a UUID", "userID")
		return
	}

	limit := registry.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= maxHistoryLimit {
			limit = parsed
		}
	}

	history, err := h.matches.History(r.Context(), userID, limit)
	if err != nil {
		h.storeFailure(w, err, "load match history")
		return
	}
	if history == nil {
		history = []registry.HistoryEntry{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"matches": history})
}

// ListReady handles GET /v1/availability/ready?gameMode=
func (h *APIHandlers) ListReady(w http.ResponseWriter, r *http.Request) {
	entries, err := h.pool.ListReady(r.Context(), r.URL.Query().Get("gameMode"))
	if err != nil {
		h.storeFailure(w, err, "list ready users")
		return
	}
	if entries == nil {
		entries = []availability.Entry{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"users": entries, "count": len(entries)})
}

// GetReady handles GET /v1/availability/ready/{userID}
func (h *APIHandlers) GetReady(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		httperrors.RespondValidationError(w, httperrors.ErrCodeInvalidUserID, "User id must be a UUID", "userID")
		return
	}

	entry, err := h.pool.Get(r.Context(), userID)
	if err != nil && !errors.Is(err, availability.ErrNotFound) {
		h.storeFailure(w, err, "load availability")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"userId": userID, "isReady": entry != nil, "entry": entry})
}

// ListRanks handles GET /v1/ranks
func (h *APIHandlers) ListRanks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"tiers": rank.Tiers(), "window": rank.Window})
}

func (h *APIHandlers) storeFailure(w http.ResponseWriter, err error, op string) {
	h.logger.Error().Err(err).Str("op", op).Msg("store request failed")
	httperrors.RespondServiceUnavailable(w, httperrors.ErrCodeStoreUnavailable, "Storage temporarily unavailable")
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
