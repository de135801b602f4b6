package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
	"github.com/synaptica-ai/pacs-relay/pkg/ledger"
	"github.com/synaptica-ai/pacs-relay/pkg/multipart"
	"github.com/synaptica-ai/pacs-relay/pkg/receiver"
)

type Handler struct {
	engine   *Engine
	ledger   ledger.Ledger
	receiver *receiver.Receiver
	repo     *Repository // optional
	mode     string
	maxBody  int64
}

func NewHandler(engine *Engine, led ledger.Ledger, recv *receiver.Receiver, repo *Repository, mode string, maxBody int64) *Handler {
	return &Handler{
		engine:   engine,
		ledger:   led,
		receiver: recv,
		repo:     repo,
		mode:     mode,
		maxBody:  maxBody,
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/relay/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/relay/journal", h.handleJournal).Methods(http.MethodGet)
	r.HandleFunc("/studies", h.handleStoreStudies).Methods(http.MethodPost)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":             h.mode,
		"working_set":      h.engine.Snapshot(),
		"ledger_size":      h.ledger.Len(),
		"objects_received": h.receiver.TotalReceived(),
	})
}

func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		http.Error(w, "relay journal is not enabled", http.StatusNotImplemented)
		return
	}
	entries, err := h.repo.Recent(r.Context(), parseLimit(r, 50))
	if err != nil {
		logger.Log.WithError(err).Error("failed to list journal entries")
		http.Error(w, "failed to list journal entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
}

// handleStoreStudies is the STOW-style push surface: each part of the
// multipart body goes through the same receiver the association listener
// uses, so pushed objects land under the same deterministic paths.
func (h *Handler) handleStoreStudies(w http.ResponseWriter, r *http.Request) {
	boundary, err := multipart.BoundaryFromContentType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, "expected a multipart/related body", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	parts := multipart.Split(body, boundary)
	if len(parts) == 0 {
		http.Error(w, "no objects found in request body", http.StatusBadRequest)
		return
	}

	stored := 0
	failed := 0
	for _, part := range parts {
		if h.receiver.HandleObject(part).IsSuccess() {
			stored++
		} else {
			failed++
		}
	}

	status := http.StatusOK
	if failed > 0 && stored == 0 {
		status = http.StatusInternalServerError
	} else if failed > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{
		"stored": stored,
		"failed": failed,
	})
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
