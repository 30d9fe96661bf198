package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudsaga/cloudsaga/pkg/config"
	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/policy"
	"github.com/cloudsaga/cloudsaga/pkg/tags"
	"github.com/cloudsaga/cloudsaga/pkg/telemetry"
)

// Deployer provisions or tears down one deployment.
type Deployer struct {
	cfg       *config.Deployment
	scheme    *tags.Scheme
	provider  engine.ResourceProvider
	locker    engine.Locker
	telemetry *telemetry.Telemetry
	publisher engine.EventPublisher
	probe     func(context.Context, engine.Attributes) error
	wait      *engine.WaitOptions
	logger    zerolog.Logger
}

// Option configures a Deployer.
type Option func(*Deployer)

// WithLocker guards runs with a deployment lease. Without one, runs are not
// serialized.
func WithLocker(l engine.Locker) Option {
	return func(d *Deployer) { d.locker = l }
}

// WithTelemetry instruments the provider and feeds the observer, the run
// span and the event publisher.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Deployer) { d.telemetry = t }
}

// WithEventPublisher overrides the timeline publisher. By default the
// telemetry event publisher is used.
func WithEventPublisher(p engine.EventPublisher) Option {
	return func(d *Deployer) { d.publisher = p }
}

// WithProbe sets the readiness probe run against instances.
func WithProbe(probe func(context.Context, engine.Attributes) error) Option {
	return func(d *Deployer) { d.probe = probe }
}

// WithWaitOptions overrides the post-create wait of every stage.
func WithWaitOptions(w engine.WaitOptions) Option {
	return func(d *Deployer) { d.wait = &w }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Deployer) { d.logger = l }
}

// New creates a deployer for cfg on provider p. cfg must already be
// validated.
func New(cfg *config.Deployment, p engine.ResourceProvider, opts ...Option) (*Deployer, error) {
	scheme, err := tags.NewScheme(cfg.ServiceBaseName,
		tags.WithCorrelationKey(cfg.CorrelationKey),
		tags.WithBillingTags(cfg.BillingTags),
		tags.WithAdditionalTags(cfg.AdditionalTags),
	)
	if err != nil {
		return nil, err
	}

	d := &Deployer{
		cfg:      cfg,
		scheme:   scheme,
		provider: p,
		wait:     &engine.WaitOptions{Interval: engine.DefaultWaitOptions().Interval, Timeout: cfg.WaitTimeout},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.publisher == nil && d.telemetry != nil {
		d.publisher = d.telemetry.Events
	}
	if d.telemetry != nil {
		d.provider = telemetry.InstrumentProvider(p, d.telemetry.Metrics, d.telemetry.Tracer)
	}
	return d, nil
}

// Scheme returns the tag scheme of the deployment.
func (d *Deployer) Scheme() *tags.Scheme {
	return d.scheme
}

// Stages declares the plan stages of the deployment.
func (d *Deployer) Stages() []StageSpec {
	return Declare(d.cfg, d.scheme)
}

// Plan builds the provisioning plan without touching the cloud.
func (d *Deployer) Plan() (*engine.Plan, error) {
	return BuildPlan(d.Stages(), d.provider, d.oracle(), d.scheme, PlanOptions{
		Wait:  d.wait,
		Probe: d.probe,
	})
}

// Preflight runs the policy gate for action.
func (d *Deployer) Preflight(ctx context.Context, action string) (*policy.Result, error) {
	return Preflight(ctx, d.cfg, action, d.Stages(), d.logger)
}

// Result is the outcome of Run.
type Result struct {
	Action          string                  `json:"action"`
	ServiceBaseName string                  `json:"service_base_name"`
	RunID           string                  `json:"run_id,omitempty"`
	Status          engine.RunStatus        `json:"status"`
	Resources       []engine.ResourceHandle `json:"resources,omitempty"`
	Report          *engine.CleanupReport   `json:"report,omitempty"`
	Policy          *policy.Result          `json:"policy,omitempty"`
	Duration        time.Duration           `json:"duration"`
	Error           string                  `json:"error,omitempty"`
}

// Run executes action ("create" or "terminate"). Failures are merged into the
// configured error file before they are returned.
func (d *Deployer) Run(ctx context.Context, action string) (*Result, error) {
	started := time.Now()
	res := &Result{Action: action, ServiceBaseName: d.cfg.ServiceBaseName}

	err := d.run(ctx, action, res)
	res.Duration = time.Since(started)
	if err == nil {
		return res, nil
	}

	res.Error = err.Error()
	if res.Status == "" {
		res.Status = engine.RunStatusFailed
	}
	if d.cfg.ErrorFile != "" {
		if werr := engine.WriteErrorSummary(d.cfg.ErrorFile, err, res.Report); werr != nil {
			d.logger.Error().Err(werr).Str("path", d.cfg.ErrorFile).Msg("Failed to write error summary")
		}
	}
	return res, err
}

func (d *Deployer) run(ctx context.Context, action string, res *Result) (err error) {
	if action != ActionCreate && action != ActionTerminate {
		return engine.NewPermanentError(fmt.Sprintf("unknown action %q", action), nil).
			WithCode(engine.ErrCodeValidation)
	}

	if d.telemetry != nil {
		var span trace.Span
		ctx, span = d.telemetry.Tracer.StartRunSpan(ctx, action, d.cfg.ServiceBaseName, d.provider.Name())
		defer func() {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	// Build the plan before the gate so plan errors surface without a lease.
	var plan *engine.Plan
	if action == ActionCreate {
		if plan, err = d.Plan(); err != nil {
			return err
		}
	}

	res.Policy, err = d.Preflight(ctx, action)
	if err != nil {
		return err
	}

	if d.locker != nil {
		lease, err := d.locker.Acquire(ctx, d.cfg.ServiceBaseName, d.cfg.Lock.TTL)
		if err != nil {
			return err
		}
		d.logger.Debug().Str("owner", lease.Owner()).Time("expires_at", lease.ExpiresAt()).Msg("Lease acquired")
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if rerr := lease.Release(rctx); rerr != nil {
				d.logger.Warn().Err(rerr).Msg("Failed to release lease")
			}
		}()

		lost := lease.Lost()
		defer func() {
			if err != nil && closed(lost) {
				err = engine.NewPermanentError("deployment lease lost during "+action, err).
					WithCode(engine.ErrCodeLocked).WithResource(d.cfg.ServiceBaseName)
			}
		}()
		var stop context.CancelFunc
		ctx, stop = watchLease(ctx, lost)
		defer stop()
	}

	exec := d.executor()
	if action == ActionTerminate {
		td, err := exec.Teardown(ctx, d.provider, d.cfg.ServiceBaseName, d.scheme.Ownership(), map[string]string{
			"dns_zone": d.cfg.DNSZone,
		})
		if td != nil {
			res.RunID = td.RunID
			res.Status = td.Status
			res.Resources = td.Deleted
			if !td.Report.Empty() {
				res.Report = td.Report
			}
		}
		return err
	}

	run, err := exec.Run(ctx, d.cfg.ServiceBaseName, plan)
	if run != nil {
		res.RunID = run.ID
		res.Status = run.Status
		res.Resources = run.Handles()
		if !run.Report.Empty() {
			res.Report = run.Report
		}
	}
	return err
}

// errLeaseLost is the cancellation cause of a run whose lease was lost.
var errLeaseLost = errors.New("deployment lease lost")

// watchLease returns a context cancelled with errLeaseLost once lost closes.
// The saga sees the cancellation at its next stage and rolls back.
func watchLease(ctx context.Context, lost <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-lost:
			cancel(errLeaseLost)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (d *Deployer) executor() *engine.SagaExecutor {
	opts := []engine.ExecutorOption{
		engine.WithLogger(d.logger),
		engine.WithRetryPolicy(d.cfg.Retry),
		engine.WithRollbackTimeout(d.cfg.RollbackTimeout),
	}
	if d.publisher != nil {
		opts = append(opts, engine.WithEventPublisher(d.publisher))
	}
	if d.telemetry != nil {
		opts = append(opts, engine.WithObserver(d.telemetry.Observer()))
	}
	return engine.NewSagaExecutor(opts...)
}

func (d *Deployer) oracle() *engine.ExistenceOracle {
	opts := []engine.OracleOption{
		engine.WithAmbiguityPolicy(d.cfg.Existence.Ambiguity),
		engine.WithOracleLogger(d.logger),
	}
	if d.telemetry != nil {
		opts = append(opts, engine.WithOracleObserver(d.telemetry.Observer()))
	}
	return engine.NewExistenceOracle(d.provider, opts...)
}

// IsLocked reports whether err is a lease conflict.
func IsLocked(err error) bool {
	return engine.ErrorCode(err) == engine.ErrCodeLocked
}

// IsPolicyDenied reports whether err came from the policy gate.
func IsPolicyDenied(err error) bool {
	return engine.ErrorCode(err) == engine.ErrCodePolicyDenied
}

// CleanupReport extracts the cleanup report from a run error, if any.
func CleanupReport(err error) *engine.CleanupReport {
	var sagaErr *engine.SagaError
	if errors.As(err, &sagaErr) {
		return sagaErr.Report
	}
	return nil
}
