package accrual

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/minerush/balance-engine/internal/hotstate"
	"github.com/minerush/balance-engine/internal/store"
	"github.com/minerush/balance-engine/internal/supply"
)

// UserIDHeader carries the authenticated user id set by the gateway.
const UserIDHeader = "X-User-ID"

const (
	defaultLeaderboardSize = 10
	maxLeaderboardSize     = 100
)

// ClickRequest is the JSON body for POST /api/v1/clicks.
type ClickRequest struct {
	Clicks *int64 `json:"clicks"`
}

// Routes mounts the accrual endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/clicks", s.PostClicks)
	r.Post("/upgrades", s.PostUpgrade)
	r.Get("/balance", s.GetBalance)
	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/supply", s.GetSupply)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// PostClicks handles POST /api/v1/clicks
func (s *Service) PostClicks(w http.ResponseWriter, r *http.Request) {
	var req ClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Clicks == nil {
		writeError(w, "clicks is required", http.StatusBadRequest)
		return
	}

	res, err := s.ApplyClicks(r.Context(), r.Header.Get(UserIDHeader), *req.Clicks)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PostUpgrade handles POST /api/v1/upgrades
func (s *Service) PostUpgrade(w http.ResponseWriter, r *http.Request) {
	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.ApplyUpgrade(r.Context(), r.Header.Get(UserIDHeader), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetBalance handles GET /api/v1/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Balance(r.Context(), r.Header.Get(UserIDHeader))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetLeaderboard handles GET /api/v1/leaderboard?limit=<n>
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	n := defaultLeaderboardSize
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxLeaderboardSize {
			writeError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	entries, err := s.Leaderboard(r.Context(), n)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetSupply handles GET /api/v1/supply
func (s *Service) GetSupply(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.tracker.Snapshot()
	if !ok {
		writeServiceError(w, supply.ErrNotInitialized)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, hotstate.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, hotstate.ErrUserNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supply.ErrNotInitialized), errors.Is(err, hotstate.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
