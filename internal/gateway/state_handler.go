package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mapdash/mapdash/internal/archive"
	"github.com/mapdash/mapdash/internal/session"
	"github.com/rs/zerolog/log"
)

// ArchiveIndex lists archived games. Nil disables the archive route.
type ArchiveIndex interface {
	RecentGames(ctx context.Context, limit int) ([]archive.FinishedGameSummary, error)
}

// StateHandler serves session snapshots over plain HTTP for debugging
// and for clients that want a snapshot before opening a socket.
type StateHandler struct {
	registry *session.Registry
	hub      *Hub
	archive  ArchiveIndex
}

func NewStateHandler(registry *session.Registry, hub *Hub, archive ArchiveIndex) *StateHandler {
	return &StateHandler{registry: registry, hub: hub, archive: archive}
}

// HandleGetGameState handles GET /api/games/{id}/state.
func (h *StateHandler) HandleGetGameState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	gameIDStr := extractGameIDFromPath(r.URL.Path)
	if gameIDStr == "" {
		http.Error(w, "Game ID is required", http.StatusBadRequest)
		return
	}
	gameID, err := uuid.Parse(gameIDStr)
	if err != nil {
		http.Error(w, "Invalid game ID format", http.StatusBadRequest)
		return
	}

	sess, err := h.registry.Get(gameID)
	if err != nil {
		http.Error(w, "Game not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sess.Snapshot()); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to encode game state")
	}
}

// HandleStats handles GET /api/stats with live connection counts.
func (h *StateHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	total, pools := h.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"total_connections": total,
		"active_games":      pools,
		"live_sessions":     h.registry.Len(),
	})
}

// HandleRecentGames handles GET /api/archive/recent with the most
// recently finished games.
func (h *StateHandler) HandleRecentGames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.archive == nil {
		http.Error(w, "Archive not configured", http.StatusNotFound)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	games, err := h.archive.RecentGames(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list archived games")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(games); err != nil {
		log.Error().Err(err).Msg("failed to encode archive listing")
	}
}

// RegisterRoutes registers the HTTP state routes.
func (h *StateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/api/archive/recent", h.HandleRecentGames)
	mux.HandleFunc("/api/games/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/state") {
			h.HandleGetGameState(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

// extractGameIDFromPath pulls the id from /api/games/{id}/state.
func extractGameIDFromPath(path string) string {
	const prefix = "/api/games/"
	const suffix = "/state"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}
