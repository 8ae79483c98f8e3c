package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
)

const (
	synthesizeActivity = "Synthesize"
	errTypePermanent   = "PermanentJobError"
)

// TemporalConfig locates the Temporal frontend.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// Dial connects a Temporal client that logs through the global zap logger.
func Dial(cfg TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    zapLogger{s: zap.L().Sugar().Named("temporal")},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

type zapLogger struct{ s *zap.SugaredLogger }

var _ tlog.Logger = zapLogger{}

func (l zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

// WorkflowInput is the argument of SynthesisWorkflow. The retry policy
// travels with the workflow so a running job keeps the policy it was
// enqueued with.
type WorkflowInput struct {
	Payload          Payload       `json:"payload"`
	MaxAttempts      int32         `json:"max_attempts"`
	InitialBackoff   time.Duration `json:"initial_backoff"`
	MaxBackoff       time.Duration `json:"max_backoff"`
	RunTimeout       time.Duration `json:"run_timeout"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
}

// SynthesisWorkflow runs one session as a single retried activity. When
// the retry budget is spent or the workflow is cancelled, the session is
// marked FAILED from a disconnected context.
func SynthesisWorkflow(ctx workflow.Context, in WorkflowInput) error {
	var a *Activities
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.RunTimeout,
		HeartbeatTimeout:    in.HeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        in.InitialBackoff,
			BackoffCoefficient:     2.0,
			MaximumInterval:        in.MaxBackoff,
			MaximumAttempts:        in.MaxAttempts,
			NonRetryableErrorTypes: []string{errTypePermanent},
		},
	})
	err := workflow.ExecuteActivity(actx, a.Synthesize, in.Payload).Get(actx, nil)
	if err == nil {
		return nil
	}

	reason := failureReason(err)
	if temporal.IsCanceledError(err) || ctx.Err() != nil {
		reason = CancelledReason
	}

	dctx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	dctx = workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	})
	if ferr := workflow.ExecuteActivity(dctx, a.Fail, in.Payload.SessionID, reason).Get(dctx, nil); ferr != nil {
		workflow.GetLogger(ctx).Error("jobs: could not mark session failed",
			"session_id", in.Payload.SessionID, "error", ferr)
	}
	return err
}

// failureReason extracts the innermost readable message from an activity
// failure chain.
func failureReason(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	var toErr *temporal.TimeoutError
	if errors.As(err, &toErr) {
		return "job timed out: " + toErr.Error()
	}
	return err.Error()
}

// Activities are the worker-side bodies of SynthesisWorkflow.
type Activities struct {
	runner         *Runner
	heartbeatEvery time.Duration
}

// NewActivities creates the activity set for a worker.
func NewActivities(r *Runner) *Activities {
	return &Activities{runner: r, heartbeatEvery: 10 * time.Second}
}

// Synthesize runs the session and heartbeats the latest progress, which
// is also how cancellation reaches a running job.
func (a *Activities) Synthesize(ctx context.Context, p Payload) error {
	info := activity.GetInfo(ctx)
	log := zap.L().With(
		zap.String("session_id", p.SessionID),
		zap.Int32("job_attempt", info.Attempt),
	)

	var mu sync.Mutex
	last := model.Progress{Stage: model.StageQueued, UpdatedAt: time.Now().UTC()}
	activity.RecordHeartbeat(ctx, last)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(a.heartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				mu.Lock()
				cur := last
				mu.Unlock()
				activity.RecordHeartbeat(ctx, cur)
			}
		}
	}()

	err := a.runner.Run(ctx, p, func(pr model.Progress) {
		mu.Lock()
		last = pr
		mu.Unlock()
		activity.RecordHeartbeat(ctx, pr)
	})
	if err == nil {
		return nil
	}
	if Permanent(err) {
		log.Error("jobs: permanent job failure", zap.Error(err))
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypePermanent, err)
	}
	log.Warn("jobs: job attempt failed", zap.Error(err))
	return err
}

// Fail marks the session FAILED.
func (a *Activities) Fail(ctx context.Context, sessionID, reason string) error {
	return a.runner.Fail(ctx, sessionID, reason)
}

// NewWorker builds a Temporal worker for the synthesis task queue.
// Concurrency bounds how many sessions run at once in this process.
func NewWorker(c client.Client, r *Runner, cfg Config) worker.Worker {
	cfg = cfg.withDefaults()
	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: cfg.Concurrency,
		WorkerStopTimeout:                  30 * time.Second,
	})
	w.RegisterWorkflow(SynthesisWorkflow)
	w.RegisterActivity(NewActivities(r))
	return w
}

// TemporalQueue is the durable Queue. Each session is one workflow whose
// id derives from the session id.
type TemporalQueue struct {
	client client.Client
	cfg    Config
}

// NewTemporalQueue creates a TemporalQueue.
func NewTemporalQueue(c client.Client, cfg Config) *TemporalQueue {
	return &TemporalQueue{client: c, cfg: cfg.withDefaults()}
}

// WorkflowID is the workflow id of a session's job.
func WorkflowID(sessionID string) string {
	return "synthesis-" + sessionID
}

// Enqueue implements Queue. The reject-duplicate reuse policy keeps a
// session from ever getting a second workflow, even after the first closed.
func (q *TemporalQueue) Enqueue(ctx context.Context, p Payload) (EnqueueResult, error) {
	id := WorkflowID(p.SessionID)
	run, err := q.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                q.cfg.TaskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, SynthesisWorkflow, WorkflowInput{
		Payload:          p,
		MaxAttempts:      int32(q.cfg.MaxAttempts),
		InitialBackoff:   q.cfg.InitialBackoff,
		MaxBackoff:       q.cfg.MaxBackoff,
		RunTimeout:       q.cfg.RunTimeout,
		HeartbeatTimeout: q.cfg.HeartbeatTimeout,
	})
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		zap.L().Info("jobs: session already enqueued", zap.String("session_id", p.SessionID))
		return EnqueueResult{JobID: id, Duplicate: true}, nil
	}
	if err != nil {
		return EnqueueResult{}, eris.Wrapf(err, "jobs: enqueue session %s", p.SessionID)
	}
	zap.L().Info("jobs: session enqueued",
		zap.String("session_id", p.SessionID),
		zap.String("run_id", run.GetRunID()),
	)
	return EnqueueResult{JobID: run.GetID()}, nil
}

// Status implements Queue.
func (q *TemporalQueue) Status(ctx context.Context, sessionID string) (*JobStatus, error) {
	id := WorkflowID(sessionID)
	resp, err := q.client.DescribeWorkflowExecution(ctx, id, "")
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return &JobStatus{Found: false}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: describe job for %s", sessionID)
	}

	st := &JobStatus{
		Found: true,
		State: stateFromWorkflow(resp.GetWorkflowExecutionInfo().GetStatus()),
	}
	for _, pa := range resp.GetPendingActivities() {
		if pa.GetActivityType().GetName() != synthesizeActivity {
			continue
		}
		st.AttemptsMade = int(pa.GetAttempt())
		if f := pa.GetLastFailure(); f != nil {
			st.FailedReason = f.GetMessage()
		}
		if pa.GetState() == enumspb.PENDING_ACTIVITY_STATE_SCHEDULED {
			if pa.GetAttempt() > 1 {
				st.State = StateRetrying
			} else {
				st.State = StateQueued
			}
		}
		if d := pa.GetHeartbeatDetails(); d != nil {
			var pr model.Progress
			if err := converter.GetDefaultDataConverter().FromPayloads(d, &pr); err == nil {
				st.Progress = &pr
			}
		}
	}

	if st.State == StateFailed && st.FailedReason == "" {
		if err := q.client.GetWorkflow(ctx, id, "").Get(ctx, nil); err != nil {
			st.FailedReason = failureReason(err)
		}
	}
	return st, nil
}

// Cancel implements Queue. The workflow marks the session FAILED once the
// cancellation reaches it.
func (q *TemporalQueue) Cancel(ctx context.Context, sessionID string) error {
	err := q.client.CancelWorkflow(ctx, WorkflowID(sessionID), "")
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return ErrJobNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "jobs: cancel job for %s", sessionID)
	}
	zap.L().Info("jobs: cancellation requested", zap.String("session_id", sessionID))
	return nil
}

func stateFromWorkflow(s enumspb.WorkflowExecutionStatus) State {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return StateRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return StateCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return StateCancelled
	default:
		return StateFailed
	}
}
