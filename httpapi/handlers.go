package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pictrace/pictrace/fault"
	"github.com/pictrace/pictrace/kit"
	"github.com/pictrace/pictrace/search"
	"github.com/pictrace/pictrace/shield"
)

type searchBody struct {
	ImageURL    string `json:"image_url"`
	ContentHash string `json:"content_hash,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "validation_error", "request body too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "validation_error", "request body is not valid JSON", nil)
		return
	}

	res, err := s.svc.Search(r.Context(), search.Request{
		ImageURL:    body.ImageURL,
		ContentHash: body.ContentHash,
		CallerID:    kit.GetClientIP(r.Context()),
	})
	if err != nil {
		s.writeFault(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Status == search.StatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.TaskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == search.StatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, context map[string]any) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	for k, v := range context {
		body[k] = v
	}
	writeJSON(w, status, map[string]any{"error": body})
}

// writeFault maps a service error to an HTTP response. Only the fault's
// public message and context ever reach the client; everything else is
// logged and replaced by a generic message.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	f, ok := fault.As(err)
	if !ok {
		shield.GetLogger(r.Context()).Error("unhandled error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
		return
	}

	switch e := f.(type) {
	case *fault.RateLimit:
		ctx := e.PublicContext()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(e.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(e.Remaining))
		w.Header().Set("Retry-After", e.ResetAt.UTC().Format(http.TimeFormat))
		writeError(w, f.HTTPStatus(), string(f.FaultCode()), f.Error(), ctx)
	case *fault.CircuitOpen:
		ctx := e.PublicContext()
		if secs, ok := ctx["retry_after"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, f.HTTPStatus(), string(f.FaultCode()), "search provider is temporarily unavailable", ctx)
	case *fault.ProviderClient:
		// Provider payloads stay internal.
		shield.GetLogger(r.Context()).Warn("provider rejection",
			"status", e.StatusCode, "provider_code", e.ProviderCode)
		writeError(w, f.HTTPStatus(), string(f.FaultCode()), f.Error(), nil)
	default:
		writeError(w, f.HTTPStatus(), string(f.FaultCode()), f.Error(), f.PublicContext())
	}
}

