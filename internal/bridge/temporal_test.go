package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"

	"github.com/pitabwire/grcflow/internal/workflow"
)

type fakeRun struct {
	client.WorkflowRun
	id     string
	runID  string
	result map[string]any
	err    error
}

func (r *fakeRun) GetID() string    { return r.id }
func (r *fakeRun) GetRunID() string { return r.runID }

func (r *fakeRun) Get(_ context.Context, valuePtr interface{}) error {
	if r.err != nil {
		return r.err
	}
	*(valuePtr.(*map[string]any)) = r.result
	return nil
}

type fakeClient struct {
	startErr    error
	started     client.StartWorkflowOptions
	startedType interface{}
	startedArgs []interface{}

	status   enumspb.WorkflowExecutionStatus
	describe error
	run      *fakeRun

	completedToken []byte
	completedWith  interface{}
	completeErr    error

	healthErr error
}

func (c *fakeClient) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, wf interface{}, args ...interface{}) (client.WorkflowRun, error) {
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.started, c.startedType, c.startedArgs = opts, wf, args
	return &fakeRun{id: opts.ID, runID: "run-1"}, nil
}

func (c *fakeClient) DescribeWorkflowExecution(_ context.Context, _, _ string) (*workflowservice.DescribeWorkflowExecutionResponse, error) {
	if c.describe != nil {
		return nil, c.describe
	}
	return &workflowservice.DescribeWorkflowExecutionResponse{
		WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{Status: c.status},
	}, nil
}

func (c *fakeClient) GetWorkflow(_ context.Context, _, _ string) client.WorkflowRun {
	return c.run
}

func (c *fakeClient) CompleteActivity(_ context.Context, token []byte, result interface{}, _ error) error {
	c.completedToken, c.completedWith = token, result
	return c.completeErr
}

func (c *fakeClient) CheckHealth(context.Context, *client.CheckHealthRequest) (*client.CheckHealthResponse, error) {
	return &client.CheckHealthResponse{}, c.healthErr
}

func TestTemporalBridge_Start(t *testing.T) {
	fc := &fakeClient{}
	b := New(fc, "grcflow", time.Second, nil)

	vars := map[string]any{"risk_score": 12}
	handle, err := b.Start(context.Background(), "VendorDueDiligence", vars)
	require.NoError(t, err)

	assert.Equal(t, "grcflow", fc.started.TaskQueue)
	assert.True(t, strings.HasPrefix(fc.started.ID, "grcflow-"))
	assert.Equal(t, "VendorDueDiligence", fc.startedType)
	assert.Equal(t, []interface{}{vars}, fc.startedArgs)
	assert.Equal(t, fc.started.ID+":run-1", handle)
}

func TestTemporalBridge_Start_error(t *testing.T) {
	b := New(&fakeClient{startErr: errors.New("connection refused")}, "grcflow", time.Second, nil)
	_, err := b.Start(context.Background(), "VendorDueDiligence", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestTemporalBridge_Status(t *testing.T) {
	tests := []struct {
		name   string
		status enumspb.WorkflowExecutionStatus
		run    *fakeRun
		want   workflow.ExternalStatus
	}{
		{
			name:   "running",
			status: enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING,
			want:   workflow.ExternalStatus{State: workflow.ExternalRunning},
		},
		{
			name:   "completed with output",
			status: enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED,
			run:    &fakeRun{result: map[string]any{"vendor_tier": "high"}},
			want:   workflow.ExternalStatus{State: workflow.ExternalEnded, Output: map[string]any{"vendor_tier": "high"}},
		},
		{
			name:   "failed",
			status: enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
			want:   workflow.ExternalStatus{State: workflow.ExternalEnded, Error: "failed"},
		},
		{
			name:   "timed out",
			status: enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT,
			want:   workflow.ExternalStatus{State: workflow.ExternalEnded, Error: "timed_out"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(&fakeClient{status: tt.status, run: tt.run}, "grcflow", time.Second, nil)
			got, err := b.Status(context.Background(), "grcflow-1:run-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemporalBridge_Status_errors(t *testing.T) {
	b := New(&fakeClient{describe: errors.New("unavailable")}, "grcflow", time.Second, nil)
	_, err := b.Status(context.Background(), "grcflow-1:run-1")
	assert.Error(t, err)

	_, err = b.Status(context.Background(), "no-separator")
	assert.ErrorIs(t, err, ErrBadHandle)

	b = New(&fakeClient{
		status: enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED,
		run:    &fakeRun{err: errors.New("result expired")},
	}, "grcflow", time.Second, nil)
	_, err = b.Status(context.Background(), "grcflow-1:run-1")
	assert.ErrorContains(t, err, "result expired")
}

func TestTemporalBridge_CompleteTask(t *testing.T) {
	fc := &fakeClient{}
	b := New(fc, "grcflow", time.Second, nil)

	token := []byte("task-token-bytes")
	vars := map[string]any{"approved": true}
	require.NoError(t, b.CompleteTask(context.Background(), base64.StdEncoding.EncodeToString(token), vars))
	assert.Equal(t, token, fc.completedToken)
	assert.Equal(t, vars, fc.completedWith)

	err := b.CompleteTask(context.Background(), "%%%not-base64", vars)
	assert.ErrorIs(t, err, ErrBadHandle)
}

func TestTemporalBridge_Ping(t *testing.T) {
	assert.NoError(t, New(&fakeClient{}, "q", time.Second, nil).Ping(context.Background()))
	assert.Error(t, New(&fakeClient{healthErr: errors.New("down")}, "q", time.Second, nil).Ping(context.Background()))
}
