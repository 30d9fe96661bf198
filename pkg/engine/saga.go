package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SagaExecutor runs a provisioning plan as a compensating transaction: stages
// run one at a time in plan order and, on any failure, every resource this
// run created is deleted again in reverse order of creation.
type SagaExecutor struct {
	logger    zerolog.Logger
	publisher EventPublisher
	observer  Observer

	// retry bounds in-place retries of retryable cloud errors
	retry RetryPolicy

	// rollbackTimeout bounds compensation, which runs detached from the
	// caller's cancellation
	rollbackTimeout time.Duration

	now func() time.Time
}

// ExecutorOption configures a SagaExecutor.
type ExecutorOption func(*SagaExecutor)

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *SagaExecutor) { e.logger = l }
}

// WithEventPublisher sets the timeline publisher.
func WithEventPublisher(p EventPublisher) ExecutorOption {
	return func(e *SagaExecutor) { e.publisher = p }
}

// WithObserver sets the metrics and tracing observer.
func WithObserver(o Observer) ExecutorOption {
	return func(e *SagaExecutor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithRetryPolicy sets the retry policy for retryable cloud errors.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *SagaExecutor) { e.retry = p }
}

// WithRollbackTimeout bounds the total time spent compensating.
func WithRollbackTimeout(d time.Duration) ExecutorOption {
	return func(e *SagaExecutor) {
		if d > 0 {
			e.rollbackTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *SagaExecutor) { e.now = now }
}

// NewSagaExecutor creates an executor.
func NewSagaExecutor(opts ...ExecutorOption) *SagaExecutor {
	e := &SagaExecutor{
		logger:          zerolog.Nop(),
		observer:        NopObserver{},
		retry:           DefaultRetryPolicy(),
		rollbackTimeout: 30 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SagaError is returned by Run when a stage fails. It wraps the stage error and,
// when compensation left resources behind, the aggregated delete failures.
type SagaError struct {
	Stage  string
	Err    error
	Report *CleanupReport
}

func (e *SagaError) Error() string {
	msg := fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
	if !e.Report.Empty() {
		msg += fmt.Sprintf("; manual cleanup required for %d resource(s)", len(e.Report.Items))
	}
	return msg
}

// Unwrap exposes both the stage failure and the rollback failures to errors.Is/As.
func (e *SagaError) Unwrap() []error {
	errs := []error{e.Err}
	if rerr := e.Report.Err(); rerr != nil {
		errs = append(errs, rerr)
	}
	return errs
}

// Run executes the plan. On success the run status is succeeded and every
// stage is committed or pre_existing. On failure the owned resources are
// compensated and a *SagaError is returned together with the run.
func (e *SagaExecutor) Run(ctx context.Context, serviceBaseName string, plan *Plan) (*ProvisioningRun, error) {
	run := &ProvisioningRun{
		ID:              uuid.New().String(),
		ServiceBaseName: serviceBaseName,
		Status:          RunStatusRunning,
		States:          make(map[string]StageState, plan.Len()),
		StartedAt:       e.now(),
		Plan:            plan,
		Log:             &ExecutionLog{},
	}
	for _, name := range plan.Order() {
		run.States[name] = StageStateNotChecked
	}

	logger := e.logger.With().Str("run_id", run.ID).Str("service_base_name", serviceBaseName).Logger()
	logger.Info().Int("stages", plan.Len()).Msg("Provisioning started")
	e.publish(ctx, run, EventTypeRunStarted, nil, "Provisioning started", nil)

	var (
		failed   string
		failure  error
		inflight *ResourceHandle
	)
	for _, name := range plan.Order() {
		stage, _ := plan.Stage(name)

		if ctx.Err() != nil {
			failed, failure = name, fromContext(context.Cause(ctx), name)
			break
		}

		deps, err := e.collectDeps(run, stage)
		if err != nil {
			failed, failure = name, err
			break
		}

		sctx, done := e.observer.StageStarted(ctx, run.ID, stage)
		handle, outcome, err := e.executeStage(sctx, run, stage, deps)
		done(outcome, err)
		if err != nil {
			failed, failure, inflight = name, err, handle
			break
		}
	}

	if failure == nil {
		run.Status = RunStatusSucceeded
		e.finish(run)
		logger.Info().Int("adopted", countState(run, StageStatePreExisting)).
			Int("created", len(run.Log.Owned())).Msg("Provisioning completed")
		e.publish(ctx, run, EventTypeRunCompleted, nil, "Provisioning completed", nil)
		e.observer.RunFinished("create", run.Status, e.now().Sub(run.StartedAt))
		return run, nil
	}

	run.States[failed] = StageStateFailed
	for _, name := range plan.Order() {
		if run.States[name] == StageStateNotChecked {
			run.States[name] = StageStateSkipped
		}
	}
	logger.Error().Err(failure).Str("stage", failed).Msg("Stage failed, rolling back")

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.rollbackTimeout)
	defer cancel()

	failedHandle := ResourceHandle{StageName: failed}
	if stage, ok := plan.Stage(failed); ok {
		failedHandle.Kind = stage.Kind
	}
	if inflight != nil {
		failedHandle.ID = inflight.ID
	}
	e.publish(rctx, run, EventTypeStageFailed, &failedHandle, failure.Error(), map[string]interface{}{
		"code": ErrorCode(failure),
	})

	report := NewCleanupReport(run.ID, serviceBaseName, "rollback")
	e.publish(rctx, run, EventTypeRollbackStarted, nil, "Rolling back owned resources", map[string]interface{}{
		"owned": len(run.Log.Owned()),
	})
	if inflight != nil {
		// the failed stage's resource was created but never logged
		e.compensate(rctx, run, *inflight, report)
	}
	e.rollback(rctx, run, report)

	run.Report = report
	if report.Empty() {
		run.Status = RunStatusRolledBack
	} else {
		run.Status = RunStatusCleanupRequired
		logger.Error().Int("resources", len(report.Items)).Msg("Manual cleanup required")
	}
	sagaErr := &SagaError{Stage: failed, Err: failure, Report: report}
	run.Error = sagaErr.Error()
	e.finish(run)
	e.publish(rctx, run, EventTypeRunFailed, nil, run.Error, map[string]interface{}{
		"status": string(run.Status),
	})
	e.observer.RunFinished("create", run.Status, e.now().Sub(run.StartedAt))
	return run, sagaErr
}

// Rollback deletes every owned resource of the run in reverse execution order.
// Failed deletes are recorded and the unwind continues.
func (e *SagaExecutor) Rollback(ctx context.Context, run *ProvisioningRun) *CleanupReport {
	report := NewCleanupReport(run.ID, run.ServiceBaseName, "rollback")
	e.rollback(ctx, run, report)
	return report
}

func (e *SagaExecutor) rollback(ctx context.Context, run *ProvisioningRun, report *CleanupReport) {
	entries := run.Log.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		h := entries[i].Handle
		if !h.Owned {
			continue
		}
		e.compensate(ctx, run, h, report)
	}
}

func (e *SagaExecutor) compensate(ctx context.Context, run *ProvisioningRun, h ResourceHandle, report *CleanupReport) {
	stage, ok := run.Plan.Stage(h.StageName)
	if !ok || !h.Owned {
		return
	}

	err := e.deleteWithRetry(ctx, stage.Delete, h)
	e.observer.Compensated(h.Kind, err)
	if err != nil {
		report.Add(h, err)
		e.logger.Error().Err(err).Str("run_id", run.ID).Str("stage", h.StageName).
			Str("resource_id", h.ID).Msg("Compensating delete failed")
		e.publish(ctx, run, EventTypeRollbackFailed, &h, err.Error(), nil)
		return
	}
	run.States[h.StageName] = StageStateRolledBack
	e.logger.Info().Str("run_id", run.ID).Str("stage", h.StageName).
		Str("kind", string(h.Kind)).Str("resource_id", h.ID).Msg("Rolled back")
	e.publish(ctx, run, EventTypeStageRolledBack, &h, "Rolled back "+string(h.Kind)+" "+h.ID, nil)
}

// deleteWithRetry retries retryable failures and treats NOT_FOUND as success.
func (e *SagaExecutor) deleteWithRetry(
	ctx context.Context,
	del func(context.Context, string) error,
	h ResourceHandle,
) error {
	err := Retry(ctx, e.retry, IsRetryable, e.retryNotify(h.StageName, "delete"), func(ctx context.Context) error {
		err := del(ctx, h.ID)
		if IsNotFound(err) {
			return nil
		}
		return err
	})
	return annotate(err, h.StageName, "delete")
}

// executeStage runs one stage. The returned handle is non-nil when the stage
// failed after its resource was created, so the caller can compensate it.
func (e *SagaExecutor) executeStage(
	ctx context.Context,
	run *ProvisioningRun,
	stage Stage,
	deps Deps,
) (*ResourceHandle, string, error) {
	logger := e.logger.With().Str("run_id", run.ID).Str("stage", stage.Name).Str("kind", string(stage.Kind)).Logger()
	e.publish(ctx, run, EventTypeStageStarted, &ResourceHandle{StageName: stage.Name, Kind: stage.Kind}, "Stage started", nil)

	id, found, err := e.exists(ctx, stage, deps)
	if err != nil {
		return nil, "failed", err
	}
	if found {
		return nil, "adopted", e.adopt(ctx, run, stage, id, logger)
	}

	id, err = e.create(ctx, stage, deps)
	if IsAlreadyExists(err) {
		logger.Warn().Err(err).Msg("Resource appeared concurrently, re-checking existence")
		existing, found, qerr := e.exists(ctx, stage, deps)
		if qerr != nil {
			return nil, "failed", qerr
		}
		if found {
			return nil, "adopted", e.adopt(ctx, run, stage, existing, logger)
		}
		return nil, "failed", err
	}
	if err != nil {
		return nil, "failed", err
	}

	run.States[stage.Name] = StageStateCreated
	handle := ResourceHandle{
		StageName: stage.Name,
		Kind:      stage.Kind,
		ID:        id,
		Tags:      stage.Tags.Clone(),
		Owned:     true,
	}
	logger.Info().Str("resource_id", id).Msg("Created")

	if stage.Tag != nil && len(stage.Tags) > 0 {
		err := Retry(ctx, e.retry, RetryTagging, e.retryNotify(stage.Name, "tag"), func(ctx context.Context) error {
			return stage.Tag(ctx, id, stage.Tags)
		})
		if err != nil {
			return &handle, "failed", annotate(err, stage.Name, "tag")
		}
	}

	if stage.Ready != nil {
		if err := stage.Ready(ctx, id); err != nil {
			if ctx.Err() != nil {
				return &handle, "failed", fromContext(context.Cause(ctx), stage.Name)
			}
			return &handle, "failed", annotate(err, stage.Name, "wait")
		}
	}

	if stage.Describe != nil {
		attrs, err := e.describe(ctx, stage, id)
		if err != nil {
			return &handle, "failed", err
		}
		handle.Attributes = attrs
	}

	run.States[stage.Name] = StageStateCommitted
	run.Log.Append(handle, e.now())
	e.publish(ctx, run, EventTypeStageCreated, &handle, "Created "+string(stage.Kind)+" "+id, nil)
	return nil, "created", nil
}

func (e *SagaExecutor) adopt(ctx context.Context, run *ProvisioningRun, stage Stage, id string, logger zerolog.Logger) error {
	handle := ResourceHandle{StageName: stage.Name, Kind: stage.Kind, ID: id, Owned: false}
	if stage.Describe != nil {
		attrs, err := e.describe(ctx, stage, id)
		if err != nil {
			return err
		}
		handle.Attributes = attrs
	}
	run.States[stage.Name] = StageStatePreExisting
	run.Log.Append(handle, e.now())
	logger.Info().Str("resource_id", id).Msg("Adopted existing resource")
	e.publish(ctx, run, EventTypeStageAdopted, &handle, "Adopted existing "+string(stage.Kind)+" "+id, nil)
	return nil
}

func (e *SagaExecutor) exists(ctx context.Context, stage Stage, deps Deps) (string, bool, error) {
	var (
		id    string
		found bool
	)
	err := Retry(ctx, e.retry, IsRetryable, e.retryNotify(stage.Name, "exists"), func(ctx context.Context) error {
		var err error
		id, found, err = stage.Exists(ctx, deps)
		return err
	})
	return id, found, annotate(err, stage.Name, "exists")
}

// create retries only throttled errors: a throttled request was rejected
// before anything was provisioned.
func (e *SagaExecutor) create(ctx context.Context, stage Stage, deps Deps) (string, error) {
	var id string
	err := Retry(ctx, e.retry, IsThrottled, e.retryNotify(stage.Name, "create"), func(ctx context.Context) error {
		var err error
		id, err = stage.Create(ctx, deps)
		return err
	})
	if err != nil {
		return "", annotate(err, stage.Name, "create")
	}
	if id == "" {
		return "", NewPermanentError("provider returned an empty id", nil).
			WithCode(ErrCodeProviderFailed).WithResource(stage.Name).WithOperation("create")
	}
	return id, nil
}

func (e *SagaExecutor) describe(ctx context.Context, stage Stage, id string) (Attributes, error) {
	var attrs Attributes
	err := Retry(ctx, e.retry, RetryTagging, e.retryNotify(stage.Name, "describe"), func(ctx context.Context) error {
		var err error
		attrs, err = stage.Describe(ctx, id)
		return err
	})
	return attrs, annotate(err, stage.Name, "describe")
}

// collectDeps builds the dependency view and checks every dependency is satisfied.
func (e *SagaExecutor) collectDeps(run *ProvisioningRun, stage Stage) (Deps, error) {
	byStage := make(map[string]ResourceHandle, run.Log.Len())
	for _, entry := range run.Log.Entries() {
		byStage[entry.Stage] = entry.Handle
	}

	handles := make([]ResourceHandle, 0, len(stage.DependsOn))
	for _, dep := range stage.DependsOn {
		if !run.States[dep].IsSatisfied() {
			return Deps{}, NewPermanentError(
				fmt.Sprintf("dependency %s is %s", dep, run.States[dep]), nil,
			).WithCode(ErrCodeDependencyFailed).WithResource(stage.Name)
		}
		handles = append(handles, byStage[dep])
	}
	return NewDeps(handles...), nil
}

func (e *SagaExecutor) retryNotify(stage, op string) RetryNotify {
	return func(err error, attempt uint, next time.Duration) {
		e.logger.Warn().Err(err).Str("stage", stage).Str("operation", op).
			Uint("attempt", attempt).Dur("backoff", next).Msg("Retrying after failure")
	}
}

func (e *SagaExecutor) finish(run *ProvisioningRun) {
	now := e.now()
	run.CompletedAt = &now
}

func (e *SagaExecutor) publish(
	ctx context.Context,
	run *ProvisioningRun,
	typ EventType,
	h *ResourceHandle,
	message string,
	details map[string]interface{},
) {
	if e.publisher == nil {
		return
	}
	ev := &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: e.now(),
		RunID:     run.ID,
		Message:   message,
		Details:   details,
		Level:     typ.Severity(),
	}
	if h != nil {
		ev.Stage = h.StageName
		ev.Kind = h.Kind
		ev.ResourceID = h.ID
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Debug().Err(err).Str("event", string(typ)).Msg("Failed to publish event")
	}
}

// annotate attaches stage and operation context to engine errors and
// classifies anything else as a permanent provider failure.
func annotate(err error, stage, op string) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Resource == "" {
			ee.Resource = stage
		}
		if ee.Operation == "" {
			ee.Operation = op
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fromContext(err, stage).WithOperation(op)
	}
	return NewPermanentError(op+" failed", err).
		WithCode(ErrCodeProviderFailed).WithResource(stage).WithOperation(op)
}

func countState(run *ProvisioningRun, s StageState) int {
	n := 0
	for _, st := range run.States {
		if st == s {
			n++
		}
	}
	return n
}
