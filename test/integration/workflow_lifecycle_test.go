package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/grcflow/internal/workflow"
	"github.com/pitabwire/grcflow/model"
)

// startPolicyReview starts a policy review as the analyst and returns it.
func startPolicyReview(t *testing.T, h *TestHarness, token string) model.WorkflowInstance {
	t.Helper()

	resp := h.POST("/v1/instances", map[string]any{
		"type_id": "policy_review",
		"subject": map[string]string{"entity_type": "policy", "entity_id": "pol-access-control"},
		"variables": map[string]any{
			"policy_owner":       "user-owner",
			"compliance_officer": "user-co",
		},
	}, token)

	var inst model.WorkflowInstance
	h.AssertJSON(t, resp, http.StatusCreated, &inst)
	if inst.ID == "" {
		t.Fatal("expected instance ID in start response")
	}
	return inst
}

type taskList struct {
	Data  []model.WorkflowTask `json:"data"`
	Count int                  `json:"count"`
}

// openTask returns the single open task of an instance.
func openTask(t *testing.T, h *TestHarness, token, instanceID string) model.WorkflowTask {
	t.Helper()

	var list taskList
	h.AssertJSON(t, h.GET("/v1/tasks?open=true&instance_id="+instanceID, token), http.StatusOK, &list)
	if list.Count != 1 {
		t.Fatalf("open tasks = %d, want 1: %s", list.Count, FormatJSON(list.Data))
	}
	return list.Data[0]
}

func TestWorkflow_PolicyReviewApproved(t *testing.T) {
	h := NewTestHarness(t)
	analyst := h.Token(Analyst())
	owner := h.Token(Owner())
	co := h.Token(ComplianceOfficer())

	// 1. Start: the drafting task goes to the initiator.
	inst := startPolicyReview(t, h, analyst)
	if inst.CurrentState != "Draft" || inst.Status != model.InstanceStatusActive {
		t.Fatalf("started in %s/%s, want Draft/active", inst.CurrentState, inst.Status)
	}
	h.WaitForMessage("user-analyst", model.EventTaskCreated)

	// 2. The analyst claims and completes the draft.
	draft := openTask(t, h, analyst, inst.ID)
	h.AssertStatus(t, h.POST("/v1/tasks/"+draft.ID+"/claim", nil, analyst), http.StatusOK)
	h.AssertStatus(t, h.POST("/v1/tasks/"+draft.ID+"/complete", map[string]any{
		"outputs": map[string]any{"revision": "2026.1"},
	}, analyst), http.StatusOK)

	// 3. Submit opens the first approval level.
	h.AssertJSON(t, h.POST("/v1/instances/"+inst.ID+"/approval/submit", nil, analyst), http.StatusOK, &inst)
	if inst.CurrentState != "PendingApproval" || !inst.ApprovalInProgress {
		t.Fatalf("after submit: state %s, approval in progress %v", inst.CurrentState, inst.ApprovalInProgress)
	}
	ownerMsg := h.WaitForMessage("user-owner", model.EventTaskCreated)
	if ownerMsg.TenantID != "acme-corp" || ownerMsg.Subject == "" {
		t.Errorf("owner notification = %+v", ownerMsg)
	}

	// 4. Only the pending level can decide.
	resp := h.POST("/v1/instances/"+inst.ID+"/approval/decisions", workflow.Decision{
		Level: "Compliance", Decision: model.DecisionApproved,
	}, co)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrApprovalLevelMismatch)

	h.AssertStatus(t, h.POST("/v1/instances/"+inst.ID+"/approval/decisions", workflow.Decision{
		Level: "PolicyOwner", Decision: model.DecisionApproved, Comment: "scope is right",
	}, owner), http.StatusOK)
	h.WaitForMessage("user-co", model.EventTaskCreated)

	h.AssertJSON(t, h.POST("/v1/instances/"+inst.ID+"/approval/decisions", workflow.Decision{
		Level: "Compliance", Decision: model.DecisionApproved,
	}, co), http.StatusOK, &inst)

	// 5. The last approval publishes and completes the instance.
	if inst.CurrentState != "Published" || inst.Status != model.InstanceStatusCompleted {
		t.Fatalf("final = %s/%s, want Published/completed", inst.CurrentState, inst.Status)
	}
	h.WaitForMessage("user-analyst", model.EventInstanceCompleted)

	var status workflow.ApprovalStatus
	h.AssertJSON(t, h.GET("/v1/instances/"+inst.ID+"/approval", analyst), http.StatusOK, &status)
	if status.InProgress || len(status.Records) != 2 {
		t.Errorf("approval status = %+v", status)
	}

	var history struct {
		Data []model.TransitionRecord `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/instances/"+inst.ID+"/history", analyst), http.StatusOK, &history)
	var path []string
	for _, rec := range history.Data {
		path = append(path, rec.ToState)
	}
	if len(path) != 2 || path[0] != "PendingApproval" || path[1] != "Published" {
		t.Errorf("history = %v, want [PendingApproval Published]", path)
	}

	// 6. Completed instances can be archived but not cancelled.
	h.AssertErrorCode(t, h.POST("/v1/instances/"+inst.ID+"/cancel", nil, analyst),
		http.StatusConflict, model.ErrInstanceAlreadyTerminal)
	h.AssertJSON(t, h.POST("/v1/instances/"+inst.ID+"/archive", nil, analyst), http.StatusOK, &inst)
	if inst.ArchivedAt == nil {
		t.Error("archived_at not set")
	}
}

func TestWorkflow_RevisionRequestedReturnsToDraft(t *testing.T) {
	h := NewTestHarness(t)
	analyst := h.Token(Analyst())
	owner := h.Token(Owner())

	inst := startPolicyReview(t, h, analyst)
	h.AssertStatus(t, h.POST("/v1/instances/"+inst.ID+"/approval/submit", nil, analyst), http.StatusOK)

	h.AssertJSON(t, h.POST("/v1/instances/"+inst.ID+"/approval/decisions", workflow.Decision{
		Level: "PolicyOwner", Decision: model.DecisionRevisionRequested, Comment: "cite the standard",
	}, owner), http.StatusOK, &inst)

	if inst.CurrentState != "Draft" || inst.ApprovalInProgress {
		t.Fatalf("after revision request: %s, approval in progress %v", inst.CurrentState, inst.ApprovalInProgress)
	}
	h.WaitForMessage("user-analyst", model.EventApprovalDecided)
}

func TestWorkflow_IllegalTransition(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token(Analyst())
	inst := startPolicyReview(t, h, token)

	resp := h.POST("/v1/instances/"+inst.ID+"/transitions", map[string]any{"transition": "publish"}, token)
	h.AssertErrorCode(t, resp, http.StatusUnprocessableEntity, model.ErrIllegalTransition)

	var available struct {
		Transitions []string `json:"transitions"`
	}
	h.AssertJSON(t, h.GET("/v1/instances/"+inst.ID+"/transitions", token), http.StatusOK, &available)
	if len(available.Transitions) != 1 || available.Transitions[0] != "submit" {
		t.Errorf("available = %v, want [submit]", available.Transitions)
	}
}

func TestWorkflow_OptimisticLocking(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token(Analyst())
	inst := startPolicyReview(t, h, token)

	stale := map[string]string{"If-Match": `"1"`}
	body := map[string]any{"transition": "submit"}

	resp := h.POSTWithHeaders("/v1/instances/"+inst.ID+"/transitions", body, token, stale)
	h.AssertJSON(t, resp, http.StatusOK, &inst)
	if got := resp.Header.Get("ETag"); got != `"2"` {
		t.Errorf("ETag = %q, want \"2\"", got)
	}

	resp = h.POSTWithHeaders("/v1/instances/"+inst.ID+"/transitions", map[string]any{"transition": "reject"}, token, stale)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrConcurrencyConflict)
}

func TestWorkflow_CancelNotifiesOpenAssignees(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token(Analyst())
	inst := startPolicyReview(t, h, token)

	h.AssertJSON(t, h.POST("/v1/instances/"+inst.ID+"/cancel", map[string]string{"reason": "superseded"}, token),
		http.StatusOK, &inst)
	if inst.Status != model.InstanceStatusCancelled {
		t.Fatalf("status = %s, want cancelled", inst.Status)
	}
	h.WaitForMessage("user-analyst", model.EventInstanceCancelled)

	var list taskList
	h.AssertJSON(t, h.GET("/v1/instances/"+inst.ID+"/tasks", token), http.StatusOK, &list)
	for _, task := range list.Data {
		if task.IsOpen() {
			t.Errorf("task %s still open after cancel", task.ID)
		}
	}
}

func TestWorkflow_OverdueTaskEscalation(t *testing.T) {
	h := NewTestHarness(t)
	analyst := h.Token(Analyst())
	inst := startPolicyReview(t, h, analyst)
	draft := openTask(t, h, analyst, inst.ID)

	// Nothing is overdue yet.
	if res := h.Escalate(); res.Raised != 0 {
		t.Fatalf("raised %d before the due date", res.Raised)
	}

	// Past the two-week drafting window the analyst's lead is notified.
	h.Clock().Advance(400 * time.Hour)
	if res := h.Escalate(); res.Raised != 1 {
		t.Fatalf("first tick = %+v, want one raised", res)
	}
	h.WaitForMessage("user-lead", model.EventTaskEscalated)

	// The lead has no superior, so the next level goes to the default target.
	h.Clock().Advance(2 * time.Minute)
	if res := h.Escalate(); res.Raised != 1 {
		t.Fatalf("second tick = %+v, want one raised", res)
	}
	h.WaitForMessage("user-ciso", model.EventTaskEscalated)

	// At the maximum level the task is flagged exactly once.
	h.Clock().Advance(2 * time.Minute)
	if res := h.Escalate(); res.Intervention != 1 {
		t.Fatalf("third tick = %+v, want one intervention", res)
	}
	h.WaitForMessage("user-ciso", model.EventEscalationInterventionRequired)
	h.Clock().Advance(2 * time.Minute)
	if res := h.Escalate(); res.Intervention != 0 || res.Raised != 0 {
		t.Fatalf("fourth tick = %+v, want nothing", res)
	}

	var escalations struct {
		Data []model.EscalationRecord `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/tasks/"+draft.ID+"/escalations", analyst), http.StatusOK, &escalations)
	if len(escalations.Data) != 2 {
		t.Fatalf("escalations = %d, want 2", len(escalations.Data))
	}

	// Acknowledging with a new due date takes the task off the overdue list.
	newDue := h.Clock().Now().Add(72 * time.Hour)
	var task model.WorkflowTask
	h.AssertJSON(t, h.POST("/v1/tasks/"+draft.ID+"/acknowledge", map[string]any{
		"notes":      "analyst on leave",
		"new_due_at": newDue,
	}, analyst), http.StatusOK, &task)
	if task.EscalationLevel != 2 || !task.DueAt.Equal(newDue) {
		t.Errorf("acknowledged task = level %d due %s", task.EscalationLevel, task.DueAt)
	}
	h.Clock().Advance(2 * time.Minute)
	if res := h.Escalate(); res.Scanned != 0 {
		t.Errorf("tick after acknowledge scanned %d tasks", res.Scanned)
	}
}

func TestWorkflow_FailedDeliveryIsRecorded(t *testing.T) {
	h := NewTestHarness(t, WithFailingChannel())
	token := h.Token(Analyst())
	inst := startPolicyReview(t, h, token)

	var eventID string
	for _, evt := range h.Store.Events() {
		if evt.InstanceID == inst.ID && evt.Type == model.EventTaskCreated {
			eventID = evt.ID
		}
	}
	if eventID == "" {
		t.Fatal("no task_created event recorded for the new instance")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		attempts, _ := h.Deliveries.List(context.Background(), eventID)
		for _, a := range attempts {
			if a.Outcome == model.DeliveryFailed {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no failed delivery attempt recorded")
}
