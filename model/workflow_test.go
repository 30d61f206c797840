package model

import (
	"testing"
	"time"
)

func TestWorkflowInstance_MergeVariables(t *testing.T) {
	inst := WorkflowInstance{}
	inst.MergeVariables(map[string]any{"a": 1, "b": "x"})
	inst.MergeVariables(map[string]any{"b": "y"})
	inst.MergeVariables(nil)

	if inst.Variables["a"] != 1 {
		t.Errorf("a = %v, want 1", inst.Variables["a"])
	}
	if inst.Variables["b"] != "y" {
		t.Errorf("b = %v, want y (last write wins)", inst.Variables["b"])
	}
}

func TestWorkflowTask_IsOpen(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{TaskStatusPending, true},
		{TaskStatusClaimed, true},
		{TaskStatusEscalated, true},
		{TaskStatusCompleted, false},
		{TaskStatusCancelled, false},
	}
	for _, tt := range tests {
		if got := (WorkflowTask{Status: tt.status}).IsOpen(); got != tt.want {
			t.Errorf("IsOpen(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestWorkflowTask_IsOverdue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := WorkflowTask{Status: TaskStatusClaimed, DueAt: now.Add(-time.Minute)}
	future := WorkflowTask{Status: TaskStatusPending, DueAt: now.Add(time.Minute)}
	done := WorkflowTask{Status: TaskStatusCompleted, DueAt: now.Add(-time.Hour)}
	noDue := WorkflowTask{Status: TaskStatusPending}

	if !past.IsOverdue(now) {
		t.Error("past-due claimed task should be overdue")
	}
	if future.IsOverdue(now) || done.IsOverdue(now) || noDue.IsOverdue(now) {
		t.Error("only open tasks with a past due date are overdue")
	}
}
