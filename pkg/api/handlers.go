package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/maestro/pkg/metrics"
	"github.com/cuemby/maestro/pkg/types"
)

// submitRequestBody is the wire shape for POST /v1/requests. The owner comes
// from the verified header, never from the body.
type submitRequestBody struct {
	Kind                 string            `json:"kind" validate:"required"`
	Priority             string            `json:"priority" validate:"omitempty,oneof=low normal high critical"`
	Payload              json.RawMessage   `json:"payload"`
	ContentType          string            `json:"content_type"`
	RequiredCapabilities []capabilityBody  `json:"required_capabilities" validate:"omitempty,dive"`
	Heavy                bool              `json:"heavy"`
	Deadline             int               `json:"deadline" validate:"gte=0,lte=86400"`
	MaxAttempts          int               `json:"max_attempts" validate:"gte=0,lte=10"`
	Metadata             map[string]string `json:"metadata"`
}

type capabilityBody struct {
	Name       string   `json:"name" validate:"required"`
	Version    string   `json:"version"`
	Parameters []string `json:"parameters"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondErrorKind(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}
	if err := s.validate.Struct(&body); err != nil {
		s.respondError(w, err)
		return
	}

	req := &types.Request{
		Owner:       ownerFrom(r),
		Kind:        types.TaskKind(body.Kind),
		Priority:    types.Priority(body.Priority),
		Payload:     body.Payload,
		ContentType: body.ContentType,
		Heavy:       body.Heavy,
		Deadline:    body.Deadline,
		MaxAttempts: body.MaxAttempts,
		Metadata:    body.Metadata,
	}
	for _, c := range body.RequiredCapabilities {
		req.RequiredCapabilities = append(req.RequiredCapabilities, types.Capability{
			Name:       c.Name,
			Version:    c.Version,
			Parameters: c.Parameters,
		})
	}

	accepted, err := s.manager.Submit(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}
	if err := s.manager.Cancel(req.ID); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": req.ID, "state": string(types.RequestStateCancelled)})
}

func (s *Server) handleGetRequestResult(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}
	result, err := s.results.GetByRequest(r.Context(), req.Owner, req.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeResult(w, r, result)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondErrorKind(w, http.StatusBadRequest, "validation", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")

	page, next, err := s.results.List(r.Context(), ownerFrom(r), cursor, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"results":     page,
		"next_cursor": next,
	})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.results.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeResult(w, r, result)
}

func (s *Server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	if err := s.results.Delete(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeResult returns the result record, or the raw artifact bytes when the
// caller asks for ?resolve=true. Resolving a pointer fetches from the blob
// backend and re-verifies the checksum.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, result *types.Result) {
	if r.URL.Query().Get("resolve") != "true" {
		respondJSON(w, http.StatusOK, result)
		return
	}
	body, err := s.results.Resolve(r.Context(), result)
	if err != nil {
		s.respondError(w, err)
		return
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// ownedRequest loads the request and enforces owner scoping. A request that
// belongs to someone else reads as not-found.
func (s *Server) ownedRequest(w http.ResponseWriter, r *http.Request) (*types.Request, bool) {
	req, err := s.manager.GetRequest(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return nil, false
	}
	if req.Owner != ownerFrom(r) {
		respondErrorKind(w, http.StatusNotFound, "not_found", "not found")
		return nil, false
	}
	return req, true
}

// handleCallback receives async completions from workers. The caller proves
// it holds the job's envelope: the token rides in the body signature field or
// an Authorization bearer header, and must verify for this job id.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	var cb types.Callback
	if err := decodeJSON(w, r, &cb); err != nil {
		respondErrorKind(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}
	if cb.Status != types.CallbackStatusCompleted && cb.Status != types.CallbackStatusFailed {
		respondErrorKind(w, http.StatusBadRequest, "malformed", "status must be completed or failed")
		return
	}

	token := cb.Signature
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		respondErrorKind(w, http.StatusUnauthorized, "envelope_malformed", "callback token required")
		return
	}
	if _, err := s.verifier.VerifyForTask(token, jobID); err != nil {
		var ee *types.EnvelopeError
		reason := "malformed"
		if errors.As(err, &ee) {
			reason = string(ee.Kind)
		}
		metrics.EnvelopeRejections.WithLabelValues(reason).Inc()
		s.respondError(w, err)
		return
	}

	if cb.TaskID == "" {
		cb.TaskID = jobID
	}
	if s.manager.HandleCallback(jobID, &cb) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}
	// Unknown or already-finished job: acknowledged so the worker stops
	// retrying, but nothing is recorded.
	respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}
