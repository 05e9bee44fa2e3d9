package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cuemby/maestro/pkg/metrics"
	"github.com/cuemby/maestro/pkg/types"
)

// registerWorkerBody is the wire shape for POST /v1/workers.
type registerWorkerBody struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Endpoint     string             `json:"endpoint" validate:"required,url"`
	OwnerID      string             `json:"owner_id"`
	Capabilities []capabilityBody   `json:"capabilities" validate:"omitempty,dive"`
	TaskKinds    []string           `json:"task_kinds" validate:"required,min=1,dive,required"`
	Flags        types.RoutingFlags `json:"flags"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var body registerWorkerBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondErrorKind(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}
	if err := s.validate.Struct(&body); err != nil {
		s.respondError(w, err)
		return
	}

	worker := &types.Worker{
		ID:       body.ID,
		Name:     body.Name,
		Endpoint: body.Endpoint,
		OwnerID:  body.OwnerID,
		Flags:    body.Flags,
	}
	if worker.ID == "" {
		worker.ID = uuid.New().String()
	}
	for _, c := range body.Capabilities {
		worker.Capabilities = append(worker.Capabilities, types.Capability{
			Name:       c.Name,
			Version:    c.Version,
			Parameters: c.Parameters,
		})
	}
	for _, k := range body.TaskKinds {
		worker.TaskKinds = append(worker.TaskKinds, types.TaskKind(k))
	}

	if err := s.registry.Register(worker); err != nil {
		respondErrorKind(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	// Re-registration changes capability shapes, so cached routes may be stale.
	s.router.FlushCache()

	registered, err := s.registry.Get(worker.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"workers": s.registry.List()})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, worker)
}

func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deregister(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.router.FlushCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProbeWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.registry.Probe(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

func (s *Server) handleEnableWorker(w http.ResponseWriter, r *http.Request) {
	s.setWorkerDisabled(w, r, false)
}

func (s *Server) handleDisableWorker(w http.ResponseWriter, r *http.Request) {
	s.setWorkerDisabled(w, r, true)
}

func (s *Server) setWorkerDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	id := chi.URLParam(r, "id")
	var err error
	if disabled {
		err = s.registry.Disable(id)
	} else {
		err = s.registry.Enable(id)
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	// Disabled workers must stop winning cached routes immediately.
	s.router.FlushCache()
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "disabled": disabled})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	s.manager.Drain()
	// Flip readiness so load balancers stop routing here while in-flight
	// jobs finish.
	metrics.SetDraining(true)
	respondJSON(w, http.StatusOK, map[string]bool{"draining": true})
}

func (s *Server) handleFlushRouteCache(w http.ResponseWriter, r *http.Request) {
	s.router.FlushCache()
	respondJSON(w, http.StatusOK, map[string]int{"entries": s.router.CacheLen()})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondErrorKind(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, map[string]any{"decisions": s.router.Decisions(limit)})
}

// statsResponse aggregates the counters behind GET /v1/admin/stats.
type statsResponse struct {
	Requests         map[types.RequestState]int    `json:"requests"`
	Queue            queueStats                    `json:"queue"`
	Workers          map[types.HealthStatus]int    `json:"workers"`
	WorkerTotal      int                           `json:"worker_total"`
	RouteCacheLen    int                           `json:"route_cache_entries"`
	EventSubscribers int                           `json:"event_subscribers"`
}

type queueStats struct {
	Depth    int  `json:"depth"`
	Running  int  `json:"running"`
	Waiting  int  `json:"waiting"`
	Draining bool `json:"draining"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ms := s.manager.Stats()
	resp := statsResponse{
		Requests: s.manager.RequestCounts(),
		Queue: queueStats{
			Depth:    ms.QueueDepth,
			Running:  ms.Running,
			Waiting:  ms.Waiting,
			Draining: ms.Draining,
		},
		Workers:       s.registry.CountsByStatus(),
		WorkerTotal:   s.registry.Len(),
		RouteCacheLen: s.router.CacheLen(),
	}
	if s.broker != nil {
		resp.EventSubscribers = s.broker.SubscriberCount()
	}
	respondJSON(w, http.StatusOK, resp)
}
