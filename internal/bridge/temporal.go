// Package bridge connects workflow instances to Temporal, the external
// engine that runs the long-running parts of a process.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/internal/workflow"
)

// Client is the part of the Temporal client the bridge uses.
type Client interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflowType interface{}, args ...interface{}) (client.WorkflowRun, error)
	DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
	GetWorkflow(ctx context.Context, workflowID, runID string) client.WorkflowRun
	CompleteActivity(ctx context.Context, taskToken []byte, result interface{}, err error) error
	CheckHealth(ctx context.Context, request *client.CheckHealthRequest) (*client.CheckHealthResponse, error)
}

// ErrBadHandle is returned for handles the bridge did not issue.
var ErrBadHandle = errors.New("malformed external process handle")

// TemporalBridge runs external processes as Temporal workflows. The process
// key is the Temporal workflow type; the handle is "<workflowID>:<runID>".
type TemporalBridge struct {
	client    Client
	closer    func()
	taskQueue string
	timeout   time.Duration
	logger    *zap.Logger
}

var _ workflow.ExternalProcessBridge = (*TemporalBridge)(nil)

// New wraps an existing client.
func New(c Client, taskQueue string, timeout time.Duration, logger *zap.Logger) *TemporalBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TemporalBridge{client: c, taskQueue: taskQueue, timeout: timeout, logger: logger}
}

// Dial creates a bridge with a lazily connected Temporal client, so an
// unreachable engine never blocks start-up; calls fail until it is back.
func Dial(cfg config.BridgeConfig, logger *zap.Logger) (*TemporalBridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := client.NewLazyClient(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("create temporal client: %w", err)
	}
	b := New(c, cfg.TaskQueue, cfg.CallTimeout, logger)
	b.closer = c.Close
	logger.Info("external process bridge configured",
		zap.String("host_port", cfg.HostPort),
		zap.String("namespace", cfg.Namespace),
		zap.String("task_queue", cfg.TaskQueue),
	)
	return b, nil
}

// Close releases the client connection.
func (b *TemporalBridge) Close() {
	if b.closer != nil {
		b.closer()
	}
}

// Start launches processKey with the given variables as its input.
func (b *TemporalBridge) Start(ctx context.Context, processKey string, variables map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	run, err := b.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "grcflow-" + uuid.New().String(),
		TaskQueue: b.taskQueue,
	}, processKey, variables)
	if err != nil {
		return "", fmt.Errorf("temporal: start %s: %w", processKey, err)
	}
	return run.GetID() + ":" + run.GetRunID(), nil
}

// CompleteTask completes a waiting activity. taskHandle is the activity's
// task token, base64 encoded.
func (b *TemporalBridge) CompleteTask(ctx context.Context, taskHandle string, variables map[string]any) error {
	token, err := base64.StdEncoding.DecodeString(taskHandle)
	if err != nil || len(token) == 0 {
		return fmt.Errorf("temporal: complete task: %w", ErrBadHandle)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.client.CompleteActivity(ctx, token, variables, nil); err != nil {
		return fmt.Errorf("temporal: complete task: %w", err)
	}
	return nil
}

// Status reports whether the process is still running. A completed process
// returns its result as Output; any other terminal status sets Error.
func (b *TemporalBridge) Status(ctx context.Context, handle string) (workflow.ExternalStatus, error) {
	workflowID, runID, err := splitHandle(handle)
	if err != nil {
		return workflow.ExternalStatus{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.client.DescribeWorkflowExecution(ctx, workflowID, runID)
	if err != nil {
		return workflow.ExternalStatus{}, fmt.Errorf("temporal: describe %s: %w", workflowID, err)
	}

	status := resp.GetWorkflowExecutionInfo().GetStatus()
	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING,
		enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return workflow.ExternalStatus{State: workflow.ExternalRunning}, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		var output map[string]any
		if err := b.client.GetWorkflow(ctx, workflowID, runID).Get(ctx, &output); err != nil {
			return workflow.ExternalStatus{}, fmt.Errorf("temporal: fetch result of %s: %w", workflowID, err)
		}
		return workflow.ExternalStatus{State: workflow.ExternalEnded, Output: output}, nil
	default:
		reason := failureReason(status)
		b.logger.Warn("external process ended unsuccessfully",
			zap.String("workflow_id", workflowID),
			zap.String("status", reason),
		)
		return workflow.ExternalStatus{State: workflow.ExternalEnded, Error: reason}, nil
	}
}

// Ping checks that the Temporal frontend is reachable.
func (b *TemporalBridge) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if _, err := b.client.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		return fmt.Errorf("temporal: health check: %w", err)
	}
	return nil
}

func failureReason(s enumspb.WorkflowExecutionStatus) string {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return "failed"
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return "canceled"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "terminated"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "timed_out"
	default:
		return "unknown"
	}
}

func splitHandle(handle string) (workflowID, runID string, err error) {
	workflowID, runID, ok := strings.Cut(handle, ":")
	if !ok || workflowID == "" {
		return "", "", fmt.Errorf("temporal: %w: %q", ErrBadHandle, handle)
	}
	return workflowID, runID, nil
}
