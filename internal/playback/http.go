package playback

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sync-document-engine/internal/storage"
	"github.com/example/sync-document-engine/internal/types"
)

// Pattern is the route the handler expects to be mounted on.
const Pattern = "GET /documents/{id}/state"

// HTTPHandler exposes playback via a RESTful endpoint.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /documents/{id}/state.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// Register mounts the handler on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.Handle(Pattern, h)
}

// ServeHTTP implements http.Handler. It answers ?at_change=<id> or
// ?at_time=<RFC 3339> with the document state at that point.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	if docID == "" {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	var atTime *time.Time
	if raw := query.Get("at_time"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "at_time must be RFC 3339", http.StatusBadRequest)
			return
		}
		atTime = &parsed
	}

	req := Request{Document: types.DocumentID(docID), ChangeID: types.ChangeID(query.Get("at_change")), AtTime: atTime}
	resp, err := h.svc.Playback(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("document", docID).Msg("playback failed")
		} else {
			h.logger.Debug().Err(err).Str("document", docID).Int("status", status).Msg("playback request rejected")
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn().Err(err).Str("document", docID).Msg("encode playback response failed")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrChangeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
