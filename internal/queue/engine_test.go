package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avas-r/jobmesh/internal/dispatch"
	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/postgres"
)

// ── mocks ────────────────────────────────────────────────────────────────────

// memQueueRepo keeps enough retry/backoff semantics in memory to exercise the
// engine's outcome handling without a database.
type memQueueRepo struct {
	queues    map[string]*domain.Queue
	items     map[string]*domain.QueueItem
	claimable []*domain.QueueItem
	deleted   []string
}

func newMemQueueRepo() *memQueueRepo {
	return &memQueueRepo{
		queues: map[string]*domain.Queue{},
		items:  map[string]*domain.QueueItem{},
	}
}

func (r *memQueueRepo) CreateQueue(_ context.Context, q *domain.Queue) error {
	r.queues[q.ID] = q
	return nil
}

func (r *memQueueRepo) GetQueue(_ context.Context, tenantID, id string) (*domain.Queue, error) {
	q, ok := r.queues[id]
	if !ok || q.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "queue", ID: id}
	}
	return q, nil
}

func (r *memQueueRepo) UpdateQueue(_ context.Context, q *domain.Queue) error { return nil }
func (r *memQueueRepo) DeleteQueue(_ context.Context, _, id string) error {
	delete(r.queues, id)
	return nil
}

func (r *memQueueRepo) InsertItem(_ context.Context, item *domain.QueueItem) error {
	cp := *item
	r.items[item.ID] = &cp
	return nil
}

func (r *memQueueRepo) GetItem(_ context.Context, tenantID, id string) (*domain.QueueItem, error) {
	item, ok := r.items[id]
	if !ok || item.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "queue item", ID: id}
	}
	cp := *item
	return &cp, nil
}

func (r *memQueueRepo) ListItems(_ context.Context, _, _ string, _ int) ([]*domain.QueueItem, error) {
	return nil, nil
}

func (r *memQueueRepo) ClaimItems(_ context.Context, _, agentID string, max int, _ map[string]string) ([]*domain.QueueItem, error) {
	out := r.claimable
	if len(out) > max {
		out = out[:max]
	}
	for _, item := range out {
		item.Status = domain.ItemProcessing
		item.AssignedTo = &agentID
	}
	r.claimable = r.claimable[len(out):]
	return out, nil
}

func (r *memQueueRepo) CompleteItem(_ context.Context, _, id string, results json.RawMessage, _ *int64) (bool, error) {
	item := r.items[id]
	if item.Status.IsTerminal() {
		return false, nil
	}
	item.Status = domain.ItemCompleted
	item.AssignedTo = nil
	return true, nil
}

func (r *memQueueRepo) RetryItem(_ context.Context, _, id string, next time.Time, errMsg string) (bool, error) {
	item := r.items[id]
	if item.Status.IsTerminal() {
		return false, nil
	}
	item.Status = domain.ItemPending
	item.RetryCount++
	item.NextProcessingTime = &next
	item.AssignedTo = nil
	item.ErrorMessage = errMsg
	return true, nil
}

func (r *memQueueRepo) FailItem(_ context.Context, _, id string, errMsg string, _ *int64) (bool, error) {
	item := r.items[id]
	if item.Status.IsTerminal() {
		return false, nil
	}
	item.Status = domain.ItemFailed
	item.NextProcessingTime = nil
	item.AssignedTo = nil
	item.ErrorMessage = errMsg
	return true, nil
}

func (r *memQueueRepo) CancelItem(_ context.Context, _, id string) (bool, error) {
	item := r.items[id]
	if item.Status.IsTerminal() {
		return false, nil
	}
	item.Status = domain.ItemCancelled
	item.AssignedTo = nil
	return true, nil
}

func (r *memQueueRepo) ResetItem(_ context.Context, _, id string) (bool, error) {
	item, ok := r.items[id]
	if !ok || (item.Status != domain.ItemFailed && item.Status != domain.ItemCancelled) {
		return false, nil
	}
	item.Status = domain.ItemPending
	item.RetryCount = 0
	item.NextProcessingTime = nil
	item.ErrorMessage = ""
	return true, nil
}

func (r *memQueueRepo) DeleteItem(_ context.Context, _, id string) error {
	delete(r.items, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *memQueueRepo) RequeueOrphans(_ context.Context, _, _ time.Time) (postgres.OrphanSweepResult, error) {
	return postgres.OrphanSweepResult{}, nil
}

var _ postgres.QueueRepository = (*memQueueRepo)(nil)

type memExecRepo struct {
	execs map[string]*domain.JobExecution
}

func (r *memExecRepo) Create(_ context.Context, exec *domain.JobExecution) error {
	r.execs[exec.ID] = exec
	return nil
}

func (r *memExecRepo) GetByID(_ context.Context, tenantID, id string) (*domain.JobExecution, error) {
	exec, ok := r.execs[id]
	if !ok || exec.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "execution", ID: id}
	}
	cp := *exec
	return &cp, nil
}

func (r *memExecRepo) ListRecent(_ context.Context, _ string, _ int) ([]*domain.JobExecution, error) {
	return nil, nil
}
func (r *memExecRepo) CountInFlightForJob(_ context.Context, _, _ string) (int, error) {
	return 0, nil
}
func (r *memExecRepo) CountInFlightForTenant(_ context.Context, _ string) (int, error) {
	return 0, nil
}
func (r *memExecRepo) HasFreshCompletion(_ context.Context, _, _ string, _ time.Time) (bool, error) {
	return false, nil
}
func (r *memExecRepo) HasTriggerSince(_ context.Context, _, _ string, _ domain.TriggerType, _ time.Time) (bool, error) {
	return false, nil
}
func (r *memExecRepo) ListUndispatched(_ context.Context, _ time.Time, _ int) ([]*domain.JobExecution, error) {
	return nil, nil
}

func (r *memExecRepo) Transition(_ context.Context, tenantID, id string, from, to domain.ExecutionStatus, upd postgres.TransitionUpdate) (bool, error) {
	exec, ok := r.execs[id]
	if !ok || exec.TenantID != tenantID || exec.Status != from {
		return false, nil
	}
	exec.Status = to
	if upd.AgentID != nil {
		exec.AgentID = upd.AgentID
	}
	if upd.QueueItemID != nil {
		exec.QueueItemID = upd.QueueItemID
	}
	return true, nil
}

func (r *memExecRepo) SweepTimedOut(_ context.Context, _ time.Time) ([]postgres.TimedOutExecution, error) {
	return nil, nil
}

var _ postgres.ExecutionRepository = (*memExecRepo)(nil)

type stubAgentRepo struct {
	online []*domain.Agent
}

func (r *stubAgentRepo) Upsert(_ context.Context, _ *domain.Agent) error { return nil }
func (r *stubAgentRepo) GetByID(_ context.Context, _, id string) (*domain.Agent, error) {
	return nil, &domain.NotFoundError{Entity: "agent", ID: id}
}
func (r *stubAgentRepo) Count(_ context.Context, _ string) (int, error) { return 0, nil }
func (r *stubAgentRepo) Heartbeat(_ context.Context, _, _ string, _ time.Time, _ postgres.HeartbeatUpdate) error {
	return nil
}
func (r *stubAgentRepo) ListOnline(_ context.Context, _ string, _ map[string]string) ([]*domain.Agent, error) {
	return r.online, nil
}
func (r *stubAgentRepo) MarkStale(_ context.Context, _ time.Time) ([]postgres.StaleAgent, error) {
	return nil, nil
}

var _ postgres.AgentRepository = (*stubAgentRepo)(nil)

type captureSender struct {
	commands []dispatch.Command
	agents   []string
}

func (s *captureSender) SendCommand(_ context.Context, agentID string, cmd dispatch.Command) error {
	s.agents = append(s.agents, agentID)
	s.commands = append(s.commands, cmd)
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

const tenant = "t-1"

func newEngine(t *testing.T) (*Engine, *memQueueRepo, *memExecRepo, *stubAgentRepo, *captureSender) {
	t.Helper()
	queues := newMemQueueRepo()
	execs := &memExecRepo{execs: map[string]*domain.JobExecution{}}
	agents := &stubAgentRepo{}
	sender := &captureSender{}
	return New(queues, execs, agents, sender, slog.Default()), queues, execs, agents, sender
}

func seedQueue(r *memQueueRepo, maxRetries, retryDelaySeconds, priority int) *domain.Queue {
	q := &domain.Queue{
		ID:                "q-1",
		TenantID:          tenant,
		Name:              "default",
		MaxRetries:        maxRetries,
		RetryDelaySeconds: retryDelaySeconds,
		Priority:          priority,
		Status:            domain.QueueActive,
	}
	r.queues[q.ID] = q
	return q
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestAddItem_DefaultsPriorityFromQueue(t *testing.T) {
	engine, queues, _, _, _ := newEngine(t)
	seedQueue(queues, 3, 10, 5)

	item := &domain.QueueItem{TenantID: tenant, QueueID: "q-1"}
	require.NoError(t, engine.AddItem(context.Background(), item))

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 5, item.Priority)
	assert.Equal(t, domain.ItemPending, item.Status)
	assert.Zero(t, item.RetryCount)
}

func TestAddItem_NudgesOnlineAgents(t *testing.T) {
	engine, queues, _, agents, sender := newEngine(t)
	seedQueue(queues, 3, 10, 5)
	agents.online = []*domain.Agent{
		{ID: "a-1"}, {ID: "a-2"}, {ID: "a-3"}, {ID: "a-4"},
	}

	item := &domain.QueueItem{TenantID: tenant, QueueID: "q-1"}
	require.NoError(t, engine.AddItem(context.Background(), item))

	require.Len(t, sender.commands, 3, "fanout is capped")
	assert.Equal(t, []string{"a-1", "a-2", "a-3"}, sender.agents)
	assert.Equal(t, dispatch.ActionNewItem, sender.commands[0].Action)
	assert.Equal(t, item.ID, sender.commands[0].ItemID)
}

func TestAddItem_UnknownQueue(t *testing.T) {
	engine, _, _, _, _ := newEngine(t)

	err := engine.AddItem(context.Background(), &domain.QueueItem{TenantID: tenant, QueueID: "nope"})
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestClaimNextItems_AssignsLinkedExecution(t *testing.T) {
	engine, queues, execs, _, _ := newEngine(t)
	seedQueue(queues, 3, 10, 5)

	execID := "e-1"
	execs.execs[execID] = &domain.JobExecution{ID: execID, TenantID: tenant, Status: domain.ExecutionPending}
	item := &domain.QueueItem{
		ID: "i-1", TenantID: tenant, QueueID: "q-1",
		ExecutionID: &execID, Status: domain.ItemPending,
	}
	queues.items[item.ID] = item
	queues.claimable = []*domain.QueueItem{item}

	claimed, err := engine.ClaimNextItems(context.Background(), tenant, "a-1", 5, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	exec := execs.execs[execID]
	assert.Equal(t, domain.ExecutionAssigned, exec.Status)
	require.NotNil(t, exec.AgentID)
	assert.Equal(t, "a-1", *exec.AgentID)
	require.NotNil(t, exec.QueueItemID)
	assert.Equal(t, "i-1", *exec.QueueItemID)
}

func TestClaimNextItems_ReclaimAfterRetryIsNoOp(t *testing.T) {
	engine, queues, execs, _, _ := newEngine(t)
	seedQueue(queues, 3, 10, 5)

	execID := "e-1"
	firstAgent := "a-1"
	execs.execs[execID] = &domain.JobExecution{
		ID: execID, TenantID: tenant, Status: domain.ExecutionAssigned, AgentID: &firstAgent,
	}
	item := &domain.QueueItem{
		ID: "i-1", TenantID: tenant, QueueID: "q-1",
		ExecutionID: &execID, Status: domain.ItemPending, RetryCount: 1,
	}
	queues.items[item.ID] = item
	queues.claimable = []*domain.QueueItem{item}

	_, err := engine.ClaimNextItems(context.Background(), tenant, "a-2", 1, nil)
	require.NoError(t, err)

	// The execution keeps its original assignment.
	assert.Equal(t, domain.ExecutionAssigned, execs.execs[execID].Status)
	assert.Equal(t, firstAgent, *execs.execs[execID].AgentID)
}

// Exercises the full retry ladder of a queue with max_retries=2 and a 10s
// base delay: first failure reschedules at +10s, second at +20s, the third
// is terminal.
func TestReportOutcome_BackoffLadder(t *testing.T) {
	engine, queues, _, _, _ := newEngine(t)
	seedQueue(queues, 2, 10, 0)

	agentID := "a-1"
	queues.items["i-1"] = &domain.QueueItem{
		ID: "i-1", TenantID: tenant, QueueID: "q-1",
		Status: domain.ItemProcessing, AssignedTo: &agentID,
	}

	fail := func() {
		t.Helper()
		// A retried item has to be re-claimed before the next attempt.
		queues.items["i-1"].Status = domain.ItemProcessing
		queues.items["i-1"].AssignedTo = &agentID
		require.NoError(t, engine.ReportOutcome(context.Background(), OutcomeRequest{
			TenantID: tenant, ItemID: "i-1", AgentID: agentID,
			Status: domain.ItemFailed, ErrorMessage: "boom",
		}))
	}

	fail()
	item := queues.items["i-1"]
	assert.Equal(t, domain.ItemPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	require.NotNil(t, item.NextProcessingTime)
	first := time.Until(*item.NextProcessingTime)
	assert.InDelta(t, 10.0, first.Seconds(), 2.0)

	fail()
	assert.Equal(t, domain.ItemPending, item.Status)
	assert.Equal(t, 2, item.RetryCount)
	require.NotNil(t, item.NextProcessingTime)
	second := time.Until(*item.NextProcessingTime)
	assert.InDelta(t, 20.0, second.Seconds(), 2.0)

	fail()
	assert.Equal(t, domain.ItemFailed, item.Status)
	assert.Equal(t, 2, item.RetryCount, "retry budget is spent, not exceeded")
	assert.Nil(t, item.NextProcessingTime)
	assert.Equal(t, "boom", item.ErrorMessage)
}

func TestReportOutcome_CompletedSettlesExecution(t *testing.T) {
	engine, queues, execs, _, _ := newEngine(t)
	seedQueue(queues, 2, 10, 0)

	execID := "e-1"
	agentID := "a-1"
	execs.execs[execID] = &domain.JobExecution{
		ID: execID, TenantID: tenant, Status: domain.ExecutionRunning, AgentID: &agentID,
	}
	queues.items["i-1"] = &domain.QueueItem{
		ID: "i-1", TenantID: tenant, QueueID: "q-1",
		ExecutionID: &execID, Status: domain.ItemProcessing, AssignedTo: &agentID,
	}

	require.NoError(t, engine.ReportOutcome(context.Background(), OutcomeRequest{
		TenantID: tenant, ItemID: "i-1", AgentID: agentID,
		Status: domain.ItemCompleted, Results: json.RawMessage(`{"rows":42}`),
	}))

	assert.Equal(t, domain.ItemCompleted, queues.items["i-1"].Status)
	assert.Equal(t, domain.ExecutionCompleted, execs.execs[execID].Status)
}

func TestReportOutcome_DuplicateTerminalIsNoOp(t *testing.T) {
	engine, queues, _, _, _ := newEngine(t)
	seedQueue(queues, 2, 10, 0)

	queues.items["i-1"] = &domain.QueueItem{
		ID: "i-1", TenantID: tenant, QueueID: "q-1", Status: domain.ItemCompleted,
	}

	require.NoError(t, engine.ReportOutcome(context.Background(), OutcomeRequest{
		TenantID: tenant, ItemID: "i-1", Status: domain.ItemFailed, ErrorMessage: "late",
	}))
	assert.Equal(t, domain.ItemCompleted, queues.items["i-1"].Status)
}

func TestReportOutcome_MismatchedAgentIgnored(t *testing.T) {
	engine, queues, _, _, _ := newEngine(t)
	seedQueue(queues, 2, 10, 0)

	assigned := "a-1"
	queues.items["i-1"] = &domain.QueueItem{
		ID: "i-1", TenantID: tenant, QueueID: "q-1",
		Status: domain.ItemProcessing, AssignedTo: &assigned,
	}

	require.NoError(t, engine.ReportOutcome(context.Background(), OutcomeRequest{
		TenantID: tenant, ItemID: "i-1", AgentID: "a-2", Status: domain.ItemCompleted,
	}))
	assert.Equal(t, domain.ItemProcessing, queues.items["i-1"].Status)
}

func TestReportOutcome_UnsettledStatusRejected(t *testing.T) {
	engine, queues, _, _, _ := newEngine(t)
	seedQueue(queues, 2, 10, 0)
	queues.items["i-1"] = &domain.QueueItem{
		ID: "i-1", TenantID: tenant, QueueID: "q-1", Status: domain.ItemProcessing,
	}

	err := engine.ReportOutcome(context.Background(), OutcomeRequest{
		TenantID: tenant, ItemID: "i-1", Status: domain.ItemPending,
	})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestBulkOperation_PartialFailure(t *testing.T) {
	engine, queues, _, _, _ := newEngine(t)
	seedQueue(queues, 2, 10, 0)

	queues.items["i-1"] = &domain.QueueItem{ID: "i-1", TenantID: tenant, QueueID: "q-1", Status: domain.ItemPending}
	queues.items["i-2"] = &domain.QueueItem{ID: "i-2", TenantID: tenant, QueueID: "q-1", Status: domain.ItemCompleted}

	res, err := engine.BulkOperation(context.Background(), tenant, "q-1", domain.BulkCancel, []string{"i-1", "i-2", "ghost"})
	require.NoError(t, err)

	assert.Equal(t, []string{"i-1"}, res.Succeeded)
	assert.Contains(t, res.Failed, "i-2")
	assert.Contains(t, res.Failed, "ghost")
	assert.Equal(t, domain.ItemCancelled, queues.items["i-1"].Status)
}

func TestBulkOperation_RetryResetsFailedOnly(t *testing.T) {
	engine, queues, _, _, _ := newEngine(t)
	seedQueue(queues, 2, 10, 0)

	queues.items["i-1"] = &domain.QueueItem{
		ID: "i-1", TenantID: tenant, QueueID: "q-1",
		Status: domain.ItemFailed, RetryCount: 2, ErrorMessage: "boom",
	}
	queues.items["i-2"] = &domain.QueueItem{ID: "i-2", TenantID: tenant, QueueID: "q-1", Status: domain.ItemProcessing}

	res, err := engine.BulkOperation(context.Background(), tenant, "q-1", domain.BulkRetry, []string{"i-1", "i-2"})
	require.NoError(t, err)

	assert.Equal(t, []string{"i-1"}, res.Succeeded)
	assert.Contains(t, res.Failed, "i-2")

	reset := queues.items["i-1"]
	assert.Equal(t, domain.ItemPending, reset.Status)
	assert.Zero(t, reset.RetryCount)
	assert.Empty(t, reset.ErrorMessage)
}

func TestBulkOperation_Delete(t *testing.T) {
	engine, queues, _, _, _ := newEngine(t)
	seedQueue(queues, 2, 10, 0)
	queues.items["i-1"] = &domain.QueueItem{ID: "i-1", TenantID: tenant, QueueID: "q-1", Status: domain.ItemFailed}

	res, err := engine.BulkOperation(context.Background(), tenant, "q-1", domain.BulkDelete, []string{"i-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1"}, res.Succeeded)
	assert.Equal(t, []string{"i-1"}, queues.deleted)
}

func TestBulkOperation_EmptyIDs(t *testing.T) {
	engine, _, _, _, _ := newEngine(t)

	_, err := engine.BulkOperation(context.Background(), tenant, "q-1", domain.BulkCancel, nil)
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestBulkOperation_RejectsItemsFromOtherQueues(t *testing.T) {
	engine, queues, _, _, _ := newEngine(t)
	seedQueue(queues, 2, 10, 0)
	queues.queues["q-2"] = &domain.Queue{
		ID: "q-2", TenantID: tenant, Name: "other", Status: domain.QueueActive,
	}

	queues.items["i-1"] = &domain.QueueItem{ID: "i-1", TenantID: tenant, QueueID: "q-1", Status: domain.ItemPending}
	queues.items["i-2"] = &domain.QueueItem{ID: "i-2", TenantID: tenant, QueueID: "q-2", Status: domain.ItemPending}

	res, err := engine.BulkOperation(context.Background(), tenant, "q-1", domain.BulkCancel, []string{"i-1", "i-2"})
	require.NoError(t, err)

	assert.Equal(t, []string{"i-1"}, res.Succeeded)
	assert.Contains(t, res.Failed, "i-2")
	assert.Equal(t, domain.ItemPending, queues.items["i-2"].Status, "an item of another queue must not be touched")
}

func TestBulkOperation_UnknownQueue(t *testing.T) {
	engine, _, _, _, _ := newEngine(t)

	_, err := engine.BulkOperation(context.Background(), tenant, "nope", domain.BulkCancel, []string{"i-1"})
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}
