// Package handler exposes the REST surface: agent paths (register,
// heartbeat, claim, report) and operator paths (job/queue/schedule CRUD,
// triggering, bulk operations, execution reads).
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/avas-r/jobmesh/internal/agents"
	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/jobs"
	"github.com/avas-r/jobmesh/internal/ledger"
	"github.com/avas-r/jobmesh/internal/queue"
	"github.com/avas-r/jobmesh/internal/schedule"
	"github.com/avas-r/jobmesh/pkg/telemetry"
)

// REST handles HTTP requests for the API service.
type REST struct {
	agents    *agents.Registry
	jobs      *jobs.Registry
	queues    *queue.Engine
	schedules *schedule.Core
	ledger    *ledger.Ledger
	cache     ledger.StatusCache
	logger    *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(
	ag *agents.Registry,
	jb *jobs.Registry,
	qe *queue.Engine,
	sc *schedule.Core,
	ld *ledger.Ledger,
	cache ledger.StatusCache,
	logger *slog.Logger,
) *REST {
	return &REST{agents: ag, jobs: jb, queues: qe, schedules: sc, ledger: ld, cache: cache, logger: logger}
}

// Routes mounts every endpoint on the router.
func (h *REST) Routes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", h.RegisterAgent)
		r.Get("/{id}", h.GetAgent)
		r.Post("/{id}/heartbeat", h.AgentHeartbeat)
		r.Post("/{id}/claim", h.ClaimItems)
		r.Get("/{id}/packages", h.ListAgentPackages)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Get("/{id}", h.GetJob)
		r.Put("/{id}", h.UpdateJob)
		r.Delete("/{id}", h.DeleteJob)
		r.Post("/{id}/trigger", h.TriggerJob)
		r.Get("/{id}/dependencies", h.ListJobDependencies)
		r.Post("/{id}/dependencies", h.AddJobDependency)
		r.Delete("/{id}/dependencies/{depID}", h.RemoveJobDependency)
	})
	r.Route("/queues", func(r chi.Router) {
		r.Post("/", h.CreateQueue)
		r.Get("/{id}", h.GetQueue)
		r.Put("/{id}", h.UpdateQueue)
		r.Delete("/{id}", h.DeleteQueue)
		r.Get("/{id}/items", h.ListQueueItems)
		r.Post("/{id}/items", h.AddQueueItem)
		r.Post("/{id}/bulk", h.BulkQueueOperation)
	})
	r.Route("/items", func(r chi.Router) {
		r.Get("/{id}", h.GetQueueItem)
		r.Post("/{id}/outcome", h.ReportItemOutcome)
	})
	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", h.CreateSchedule)
		r.Get("/{id}", h.GetSchedule)
		r.Put("/{id}", h.UpdateSchedule)
		r.Delete("/{id}", h.DeleteSchedule)
		r.Post("/{id}/trigger", h.TriggerSchedule)
	})
	r.Route("/executions", func(r chi.Router) {
		r.Get("/", h.ListExecutions)
		r.Get("/{id}", h.GetExecution)
		r.Get("/{id}/status", h.GetExecutionStatus)
		r.Post("/{id}/status", h.ReportExecutionStatus)
		r.Post("/{id}/cancel", h.CancelExecution)
	})
}

// tenantID extracts the tenant from the X-Tenant-ID header. Empty means the
// request is rejected by the handler's own validation.
func tenantID(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

// ── agents ────────────────────────────────────────────────────────────────

// RegisterAgentRequest is the JSON body for POST /api/v1/agents.
type RegisterAgentRequest struct {
	Name         string            `json:"name"`
	MachineID    string            `json:"machine_id"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
}

// RegisterAgent handles POST /api/v1/agents.
func (h *REST) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agent, err := h.agents.Register(r.Context(), &domain.Agent{
		TenantID:     tenantID(r),
		Name:         req.Name,
		MachineID:    req.MachineID,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
		IPAddress:    req.IPAddress,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// GetAgent handles GET /api/v1/agents/{id}.
func (h *REST) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Get(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HeartbeatRequest is the JSON body for POST /api/v1/agents/{id}/heartbeat.
type HeartbeatRequest struct {
	Status       string            `json:"status,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
}

// AgentHeartbeat handles POST /api/v1/agents/{id}/heartbeat.
func (h *REST) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := h.agents.Heartbeat(r.Context(), agents.HeartbeatRequest{
		TenantID:     tenantID(r),
		AgentID:      chi.URLParam(r, "id"),
		Status:       domain.AgentStatus(req.Status),
		Capabilities: req.Capabilities,
		IPAddress:    req.IPAddress,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ClaimRequest is the JSON body for POST /api/v1/agents/{id}/claim.
type ClaimRequest struct {
	MaxItems     int               `json:"max_items"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// ClaimItems handles POST /api/v1/agents/{id}/claim — the agent's poll for
// queued work.
func (h *REST) ClaimItems(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.claim_items")
	defer span.End()

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("agent.id", agentID))

	items, err := h.queues.ClaimNextItems(ctx, tenantID(r), agentID, req.MaxItems, req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*domain.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ListAgentPackages handles GET /api/v1/agents/{id}/packages.
func (h *REST) ListAgentPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.agents.ListPackages(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

// ── jobs ──────────────────────────────────────────────────────────────────

// CreateJob handles POST /api/v1/jobs.
func (h *REST) CreateJob(w http.ResponseWriter, r *http.Request) {
	var job domain.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job.TenantID = tenantID(r)
	if err := h.jobs.Create(r.Context(), &job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *REST) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// UpdateJob handles PUT /api/v1/jobs/{id}.
func (h *REST) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var job domain.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job.ID = chi.URLParam(r, "id")
	job.TenantID = tenantID(r)
	if err := h.jobs.Update(r.Context(), &job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /api/v1/jobs/{id}.
func (h *REST) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerJobRequest is the JSON body for POST /api/v1/jobs/{id}/trigger.
type TriggerJobRequest struct {
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// TriggerJob handles POST /api/v1/jobs/{id}/trigger — a manual run.
func (h *REST) TriggerJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.trigger_job")
	defer span.End()

	var req TriggerJobRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	jobID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("job.id", jobID))

	exec, err := h.ledger.Start(ctx, ledger.StartRequest{
		TenantID:    tenantID(r),
		JobID:       jobID,
		TriggerType: domain.TriggerManual,
		Parameters:  req.Parameters,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.APIJobsTriggered.WithLabelValues(string(domain.TriggerManual)).Inc()
	writeJSON(w, http.StatusAccepted, exec)
}

// DependencyRequest is the JSON body for POST /api/v1/jobs/{id}/dependencies.
type DependencyRequest struct {
	DependsOnJobID string `json:"depends_on_job_id"`
}

// AddJobDependency handles POST /api/v1/jobs/{id}/dependencies.
func (h *REST) AddJobDependency(w http.ResponseWriter, r *http.Request) {
	var req DependencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := h.jobs.AddDependency(r.Context(), tenantID(r), chi.URLParam(r, "id"), req.DependsOnJobID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// RemoveJobDependency handles DELETE /api/v1/jobs/{id}/dependencies/{depID}.
func (h *REST) RemoveJobDependency(w http.ResponseWriter, r *http.Request) {
	err := h.jobs.RemoveDependency(r.Context(), tenantID(r), chi.URLParam(r, "id"), chi.URLParam(r, "depID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJobDependencies handles GET /api/v1/jobs/{id}/dependencies.
func (h *REST) ListJobDependencies(w http.ResponseWriter, r *http.Request) {
	deps, err := h.jobs.ListDependencies(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dependencies": deps})
}

// ── queues ────────────────────────────────────────────────────────────────

// CreateQueue handles POST /api/v1/queues.
func (h *REST) CreateQueue(w http.ResponseWriter, r *http.Request) {
	var q domain.Queue
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	q.TenantID = tenantID(r)
	if err := h.queues.CreateQueue(r.Context(), &q); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

// GetQueue handles GET /api/v1/queues/{id}.
func (h *REST) GetQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.queues.GetQueue(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// UpdateQueue handles PUT /api/v1/queues/{id}.
func (h *REST) UpdateQueue(w http.ResponseWriter, r *http.Request) {
	var q domain.Queue
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	q.ID = chi.URLParam(r, "id")
	q.TenantID = tenantID(r)
	if err := h.queues.UpdateQueue(r.Context(), &q); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// DeleteQueue handles DELETE /api/v1/queues/{id}.
func (h *REST) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queues.DeleteQueue(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddItemRequest is the JSON body for POST /api/v1/queues/{id}/items.
type AddItemRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority,omitempty"`
	DueDate  *time.Time      `json:"due_date,omitempty"`
}

// AddQueueItem handles POST /api/v1/queues/{id}/items.
func (h *REST) AddQueueItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	item := &domain.QueueItem{
		TenantID: tenantID(r),
		QueueID:  chi.URLParam(r, "id"),
		Priority: req.Priority,
		DueDate:  req.DueDate,
		Payload:  req.Payload,
	}
	if err := h.queues.AddItem(r.Context(), item); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListQueueItems handles GET /api/v1/queues/{id}/items.
func (h *REST) ListQueueItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.queues.ListItems(r.Context(), tenantID(r), chi.URLParam(r, "id"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*domain.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetQueueItem handles GET /api/v1/items/{id}.
func (h *REST) GetQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.queues.GetItem(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ItemOutcomeRequest is the JSON body for POST /api/v1/items/{id}/outcome.
type ItemOutcomeRequest struct {
	AgentID          string          `json:"agent_id"`
	Status           string          `json:"status"`
	Results          json.RawMessage `json:"results,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ProcessingTimeMs *int64          `json:"processing_time_ms,omitempty"`
}

// ReportItemOutcome handles POST /api/v1/items/{id}/outcome.
func (h *REST) ReportItemOutcome(w http.ResponseWriter, r *http.Request) {
	var req ItemOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := h.queues.ReportOutcome(r.Context(), queue.OutcomeRequest{
		TenantID:         tenantID(r),
		ItemID:           chi.URLParam(r, "id"),
		AgentID:          req.AgentID,
		Status:           domain.ItemStatus(req.Status),
		Results:          req.Results,
		ErrorMessage:     req.ErrorMessage,
		ProcessingTimeMs: req.ProcessingTimeMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// BulkRequest is the JSON body for POST /api/v1/queues/{id}/bulk.
type BulkRequest struct {
	Operation string   `json:"operation"`
	ItemIDs   []string `json:"item_ids"`
}

// BulkQueueOperation handles POST /api/v1/queues/{id}/bulk.
func (h *REST) BulkQueueOperation(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.queues.BulkOperation(r.Context(), tenantID(r), chi.URLParam(r, "id"), domain.BulkOp(req.Operation), req.ItemIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	// 207 signals that individual ids may have failed.
	code := http.StatusOK
	if len(res.Failed) > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, res)
}

// ── schedules ─────────────────────────────────────────────────────────────

// CreateSchedule handles POST /api/v1/schedules.
func (h *REST) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var s domain.Schedule
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.TenantID = tenantID(r)
	if err := h.schedules.Create(r.Context(), &s); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// GetSchedule handles GET /api/v1/schedules/{id}.
func (h *REST) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := h.schedules.Get(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UpdateSchedule handles PUT /api/v1/schedules/{id}.
func (h *REST) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var s domain.Schedule
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.ID = chi.URLParam(r, "id")
	s.TenantID = tenantID(r)
	if err := h.schedules.Update(r.Context(), &s); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DeleteSchedule handles DELETE /api/v1/schedules/{id}.
func (h *REST) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.schedules.Delete(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSchedule handles POST /api/v1/schedules/{id}/trigger.
func (h *REST) TriggerSchedule(w http.ResponseWriter, r *http.Request) {
	execs, err := h.schedules.TriggerManually(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.APIJobsTriggered.WithLabelValues(string(domain.TriggerManual)).Add(float64(len(execs)))
	writeJSON(w, http.StatusAccepted, map[string]any{"executions": execs})
}

// ── executions ────────────────────────────────────────────────────────────

// ListExecutions handles GET /api/v1/executions.
func (h *REST) ListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := h.ledger.ListRecent(r.Context(), tenantID(r), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if execs == nil {
		execs = []*domain.JobExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// GetExecution handles GET /api/v1/executions/{id}.
func (h *REST) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.ledger.Get(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// GetExecutionStatus handles GET /api/v1/executions/{id}/status — the fast
// path, served from the Redis mirror when it is warm.
func (h *REST) GetExecutionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tenant := tenantID(r)

	if h.cache != nil {
		if status, err := h.cache.GetStatus(r.Context(), tenant, id); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": string(status)})
			return
		}
	}

	// Cache miss or expired TTL: fall back to the store.
	exec, err := h.ledger.Get(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": string(exec.Status)})
}

// ExecutionStatusRequest is the JSON body for POST /api/v1/executions/{id}/status.
type ExecutionStatusRequest struct {
	AgentID      string          `json:"agent_id"`
	Status       string          `json:"status"`
	Progress     *int            `json:"progress,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// ReportExecutionStatus handles POST /api/v1/executions/{id}/status — the
// agent's progress/result report path.
func (h *REST) ReportExecutionStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.report_execution_status")
	defer span.End()

	var req ExecutionStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	span.SetAttributes(
		attribute.String("execution.id", id),
		attribute.String("execution.status", req.Status),
	)

	err := h.ledger.RecordStatus(ctx, ledger.ReportStatusRequest{
		TenantID:     tenantID(r),
		ExecutionID:  id,
		AgentID:      req.AgentID,
		Status:       domain.ExecutionStatus(req.Status),
		Progress:     req.Progress,
		Results:      req.Results,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel.
func (h *REST) CancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Cancel(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ── plumbing ──────────────────────────────────────────────────────────────

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz — verifies the status cache answers.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		// A miss is fine; only a transport error marks us unready.
		if _, err := h.cache.GetStatus(ctx, "__readyz__", "__readyz__"); err != nil {
			var notFound *domain.NotFoundError
			if !errors.As(err, &notFound) {
				writeMessage(w, http.StatusServiceUnavailable, "cache not ready")
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeError maps domain errors to HTTP status codes. Messages stay
// tenant-safe: only the caller's own identifiers ever appear.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		notFound   *domain.NotFoundError
		conflict   *domain.ConflictError
		transition *domain.TransitionError
	)
	switch {
	case errors.As(err, &validation):
		writeMessage(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		writeMessage(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		writeMessage(w, http.StatusConflict, conflict.Error())
	case errors.As(err, &transition):
		writeMessage(w, http.StatusConflict, transition.Error())
	default:
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
