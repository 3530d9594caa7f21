package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
)

// Handler serves the board over HTTP: POST applies a payload, GET returns
// the feed.
type Handler struct {
	board  *Board
	logger *observability.Logger
}

// NewHandler creates a Handler for board.
func NewHandler(board *Board, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handler{board: board, logger: logger.WithComponent("status-handler")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.board.Feed(r.Context()))
	case http.MethodPost:
		h.post(w, r)
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodPost}, ", "))
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	var p Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	if _, err := h.board.Apply(r.Context(), p); err != nil {
		if errors.Is(err, ErrPageNameRequired) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.logger.LogError(r.Context(), "failed to update page status", err, "page", p.PageName)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to update page status"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Page status updated for %s", p.PageName),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
