// Package pipeline runs the build/revision state machine for admitted tasks:
// generate, publish, poll readiness, notify.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/vyvo/pagesmith/pkg/archive"
	"github.com/vyvo/pagesmith/pkg/bus"
	"github.com/vyvo/pagesmith/pkg/generator"
	"github.com/vyvo/pagesmith/pkg/history"
	"github.com/vyvo/pagesmith/pkg/hosting"
	"github.com/vyvo/pagesmith/pkg/notify"
	"github.com/vyvo/pagesmith/pkg/publisher"
	"github.com/vyvo/pagesmith/pkg/readiness"
	"github.com/vyvo/pagesmith/pkg/registry"
	"github.com/vyvo/pagesmith/pkg/retry"
	"github.com/vyvo/pagesmith/pkg/task"
)

// ErrSaturated is returned by Submit when every worker slot is busy.
var ErrSaturated = errors.New("worker pool saturated")

var errSuperseded = errors.New("run no longer owns the task")

// Stage is a pipeline state.
type Stage string

const (
	StageAdmitted   Stage = "admitted"
	StageGenerating Stage = "generating"
	StagePublishing Stage = "publishing"
	StagePolling    Stage = "polling"
	StageNotifying  Stage = "notifying"
	StageDone       Stage = "done"
)

type Generator interface {
	Generate(ctx context.Context, in generator.Input) (generator.Artifact, error)
}

type Publisher interface {
	Publish(ctx context.Context, in publisher.Input) (publisher.Result, error)
	Prior(ctx context.Context, taskID string) (string, error)
}

type Poller interface {
	AwaitReady(ctx context.Context, url string, timeout time.Duration) readiness.Result
}

type Notifier interface {
	Notify(ctx context.Context, callbackURL string, n notify.Notification) error
}

// History receives an audit trail of runs. Failures are logged and ignored.
type History interface {
	StartRun(ctx context.Context, run history.Run) error
	AppendEvent(ctx context.Context, runID, stage, detail string) error
	FinishRun(ctx context.Context, run history.Run) error
}

// Archive stores a copy of each generated artifact.
type Archive interface {
	Put(ctx context.Context, s archive.Snapshot) (string, error)
}

// Events publishes lifecycle events.
type Events interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Deps are the collaborators of an Orchestrator. History, Archive and Events are
// optional.
type Deps struct {
	Store     *task.Store
	Registry  *registry.Registry
	Generator Generator
	Publisher Publisher
	Poller    Poller
	Notifier  Notifier
	History   History
	Archive   Archive
	Events    Events
}

type Options struct {
	Workers          int
	Timeout          time.Duration
	PublishAttempts  int
	ReadinessTimeout time.Duration
	// NotifyTimeout bounds the whole notification stage, retries included.
	NotifyTimeout time.Duration
	Retry         retry.Policy
	Registerer    prometheus.Registerer
	Logger        zerolog.Logger
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	TaskID    string
	Round     int
	RunID     string
	Status    task.Status
	Stages    []Stage
	Publish   publisher.Result
	Ready     bool
	Err       error
	NotifyErr error
	Duration  time.Duration
}

type Orchestrator struct {
	deps    Deps
	opts    Options
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	metrics *metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
	now     func() time.Time
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Generator == nil || deps.Publisher == nil || deps.Poller == nil || deps.Notifier == nil {
		return nil, errors.New("store, generator, publisher, poller and notifier are required")
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Minute
	}
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 2
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 5 * time.Minute
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 2 * time.Minute
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		metrics: newMetrics(opts.Registerer),
		tracer:  otel.Tracer("github.com/vyvo/pagesmith/pkg/pipeline"),
		logger:  opts.Logger,
		now:     time.Now,
	}, nil
}

// Submit admits req and starts its pipeline in the background. It fails with
// task.ErrTaskRunning when the task is already in flight, and otherwise fails fast
// with ErrSaturated when no worker slot is free.
func (o *Orchestrator) Submit(req task.BuildRequest) (task.State, error) {
	state, err := o.deps.Store.Admit(req)
	if err != nil {
		if errors.Is(err, task.ErrTaskRunning) {
			o.metrics.admissions.WithLabelValues("duplicate").Inc()
		}
		return state, err
	}
	if !o.sem.TryAcquire(1) {
		o.deps.Store.Release(req.Task, state.RunID)
		o.metrics.admissions.WithLabelValues("saturated").Inc()
		return task.State{}, ErrSaturated
	}
	o.metrics.admissions.WithLabelValues("accepted").Inc()
	o.publishEvent(context.Background(), bus.Event{Type: "accepted", TaskID: req.Task, Round: req.Round, RunID: state.RunID, Status: string(state.Status)})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.sem.Release(1)
		o.Run(context.Background(), req, state.RunID)
	}()

	return state, nil
}

// Wait blocks until every started pipeline has returned or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the state machine for an admitted run synchronously and always
// finishes the task in the store unless the run was superseded.
func (o *Orchestrator) Run(ctx context.Context, req task.BuildRequest, runID string) Outcome {
	start := o.now()
	out := Outcome{TaskID: req.Task, Round: req.Round, RunID: runID, Status: task.StatusFailed, Stages: []Stage{StageAdmitted}}
	logger := o.logger.With().Str("task", req.Task).Int("round", req.Round).Str("run_id", runID).Logger()

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("task.id", req.Task),
		attribute.Int("task.round", req.Round),
		attribute.String("run.id", runID),
	))
	defer span.End()

	if !o.deps.Store.MarkRunning(req.Task, runID) {
		out.Err = errSuperseded
		logger.Warn().Msg("run superseded before start")
		return out
	}

	o.metrics.inFlight.Inc()
	defer o.metrics.inFlight.Dec()

	o.recordStart(ctx, req, runID, start)
	logger.Info().Msg("pipeline started")

	runCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	message := o.execute(runCtx, req, &out, logger)
	cancel()

	// Notification runs on its own budget even if the run context expired.
	out.Stages = append(out.Stages, StageNotifying)
	o.stageEvent(ctx, req, runID, StageNotifying, "")
	notifyStart := o.now()
	notifyCtx, cancelNotify := context.WithTimeout(context.WithoutCancel(ctx), o.opts.NotifyTimeout)
	out.NotifyErr = o.deps.Notifier.Notify(notifyCtx, req.EvaluationURL, o.notification(req, out, message))
	cancelNotify()
	o.metrics.stageDuration.WithLabelValues(string(StageNotifying)).Observe(o.now().Sub(notifyStart).Seconds())
	switch {
	case out.NotifyErr == nil:
		o.metrics.notifications.WithLabelValues("delivered").Inc()
	case errors.Is(out.NotifyErr, notify.ErrNoCallback):
		o.metrics.notifications.WithLabelValues("skipped").Inc()
	default:
		o.metrics.notifications.WithLabelValues("failed").Inc()
		logger.Error().Err(out.NotifyErr).Msg("notification failed")
	}

	out.Stages = append(out.Stages, StageDone)
	out.Duration = o.now().Sub(start)

	res := task.Result{Status: out.Status, HostingURL: out.Publish.HostingURL, Ready: out.Ready}
	if out.Err != nil {
		res.Error = out.Err.Error()
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, res.Error)
	}
	if _, err := o.deps.Store.Finish(req.Task, runID, res); err != nil {
		logger.Error().Err(err).Msg("finish task")
	}

	o.metrics.runs.WithLabelValues(string(out.Status)).Inc()
	o.recordFinish(ctx, req, out)
	o.publishEvent(ctx, bus.Event{Type: "finished", TaskID: req.Task, Round: req.Round, RunID: runID, Status: string(out.Status), Message: message})

	ev := logger.Info()
	if out.Status != task.StatusSucceeded {
		ev = logger.Warn().Err(out.Err)
	}
	ev.Str("status", string(out.Status)).
		Bool("ready", out.Ready).
		Bool("notified", out.NotifyErr == nil).
		Dur("duration", out.Duration).
		Msg("pipeline finished")
	return out
}

// execute runs generating, publishing and polling. It fills out and returns the
// human-readable message for the notification.
func (o *Orchestrator) execute(ctx context.Context, req task.BuildRequest, out *Outcome, logger zerolog.Logger) string {
	// Generating.
	out.Stages = append(out.Stages, StageGenerating)
	o.stageEvent(ctx, req, out.RunID, StageGenerating, "")
	artifact, err := o.generate(ctx, req, logger)
	if err != nil {
		out.Err = err
		if errors.Is(err, hosting.ErrNotFound) {
			return fmt.Sprintf("revision failed: repository for task %q not found; round 1 must be published first", req.Task)
		}
		return fmt.Sprintf("generation failed: %v", err)
	}
	o.archiveArtifact(ctx, req, out.RunID, artifact, logger)

	// Publishing.
	out.Stages = append(out.Stages, StagePublishing)
	o.stageEvent(ctx, req, out.RunID, StagePublishing, "")
	res, err := o.publish(ctx, req, artifact, logger)
	if err != nil {
		out.Err = err
		if errors.Is(err, hosting.ErrNotFound) {
			return fmt.Sprintf("publish failed: repository for task %q not found: %v", req.Task, err)
		}
		return fmt.Sprintf("publish failed: %v", err)
	}
	out.Publish = res
	out.Status = task.StatusSucceeded

	// Polling.
	out.Stages = append(out.Stages, StagePolling)
	o.stageEvent(ctx, req, out.RunID, StagePolling, res.HostingURL)
	ready := o.poll(ctx, res.HostingURL)
	out.Ready = ready.Ready
	o.deps.Registry.SetReady(req.Task, ready.Ready)
	if !ready.Ready {
		return fmt.Sprintf("published %s; site not ready after %s (%d checks), it may become available shortly",
			res.HostingURL, ready.Elapsed.Round(time.Second), ready.Attempts)
	}
	return fmt.Sprintf("published %s; site is live", res.HostingURL)
}

func (o *Orchestrator) generate(ctx context.Context, req task.BuildRequest, logger zerolog.Logger) (generator.Artifact, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.generate")
	defer span.End()
	defer o.observe(StageGenerating, o.now())

	in := generator.Input{
		Brief:       req.Brief,
		Checks:      req.Checks,
		Attachments: req.Attachments,
		Round:       req.Round,
	}
	if req.IsRevision() {
		prior, err := o.deps.Publisher.Prior(ctx, req.Task)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load prior artifact")
			logger.Warn().Err(err).Msg("cannot load prior artifact")
			return generator.Artifact{}, fmt.Errorf("load prior artifact: %w", err)
		}
		in.Prior = prior
	}

	artifact, err := o.deps.Generator.Generate(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate")
		logger.Warn().Err(err).Msg("generation failed")
		return generator.Artifact{}, err
	}
	span.SetAttributes(attribute.String("generator.model", artifact.Model), attribute.Int("artifact.bytes", len(artifact.HTML)))
	logger.Info().Str("model", artifact.Model).Int("bytes", len(artifact.HTML)).Msg("artifact generated")
	return artifact, nil
}

// publish retries the whole publish while failures are transient; every step is
// idempotent.
func (o *Orchestrator) publish(ctx context.Context, req task.BuildRequest, artifact generator.Artifact, logger zerolog.Logger) (publisher.Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.publish")
	defer span.End()
	defer o.observe(StagePublishing, o.now())

	in := publisher.Input{
		TaskID:   req.Task,
		Round:    req.Round,
		Brief:    req.Brief,
		Checks:   req.Checks,
		Artifact: artifact,
	}

	var res publisher.Result
	attempt := 0
	err := o.opts.Retry.WithAttempts(o.opts.PublishAttempts).Do(ctx, func(ctx context.Context) error {
		attempt++
		r, err := o.deps.Publisher.Publish(ctx, in)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("publish attempt failed")
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		return publisher.Result{}, err
	}
	span.SetAttributes(attribute.String("repository", res.Repository), attribute.String("commit", res.CommitSHA))
	return res, nil
}

func (o *Orchestrator) poll(ctx context.Context, url string) readiness.Result {
	ctx, span := o.tracer.Start(ctx, "pipeline.poll", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()
	defer o.observe(StagePolling, o.now())

	res := o.deps.Poller.AwaitReady(ctx, url, o.opts.ReadinessTimeout)
	span.SetAttributes(attribute.Bool("ready", res.Ready), attribute.Int("attempts", res.Attempts))
	o.metrics.ready.WithLabelValues(strconv.FormatBool(res.Ready)).Inc()
	return res
}

func (o *Orchestrator) notification(req task.BuildRequest, out Outcome, message string) notify.Notification {
	status := notify.StatusFailure
	if out.Status == task.StatusSucceeded {
		status = notify.StatusSuccess
	}
	return notify.Notification{
		Email:     req.Email,
		Task:      req.Task,
		Round:     req.Round,
		Nonce:     req.Nonce,
		Status:    status,
		RepoURL:   out.Publish.RepoURL,
		CommitSHA: out.Publish.CommitSHA,
		PagesURL:  out.Publish.HostingURL,
		Ready:     out.Ready,
		Message:   message,
	}
}

func (o *Orchestrator) observe(stage Stage, start time.Time) {
	o.metrics.stageDuration.WithLabelValues(string(stage)).Observe(o.now().Sub(start).Seconds())
}

func (o *Orchestrator) archiveArtifact(ctx context.Context, req task.BuildRequest, runID string, artifact generator.Artifact, logger zerolog.Logger) {
	if o.deps.Archive == nil {
		return
	}
	key, err := o.deps.Archive.Put(ctx, archive.Snapshot{TaskID: req.Task, Round: req.Round, RunID: runID, HTML: artifact.HTML})
	if err != nil {
		logger.Warn().Err(err).Msg("archive artifact")
		return
	}
	logger.Debug().Str("key", key).Msg("artifact archived")
}

func (o *Orchestrator) recordStart(ctx context.Context, req task.BuildRequest, runID string, start time.Time) {
	if o.deps.History == nil {
		return
	}
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	err := o.deps.History.StartRun(ctx, history.Run{
		ID:        runID,
		TaskID:    req.Task,
		Round:     req.Round,
		Status:    string(task.StatusRunning),
		CreatedAt: start.UTC(),
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("run_id", runID).Msg("history start run")
	}
}

func (o *Orchestrator) stageEvent(ctx context.Context, req task.BuildRequest, runID string, stage Stage, detail string) {
	o.publishEvent(ctx, bus.Event{Type: "stage", TaskID: req.Task, Round: req.Round, RunID: runID, Stage: string(stage), Message: detail})
	if o.deps.History == nil {
		return
	}
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	if err := o.deps.History.AppendEvent(ctx, runID, string(stage), detail); err != nil {
		o.logger.Warn().Err(err).Str("run_id", runID).Msg("history append event")
	}
}

func (o *Orchestrator) recordFinish(ctx context.Context, req task.BuildRequest, out Outcome) {
	if o.deps.History == nil {
		return
	}
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	run := history.Run{
		ID:         out.RunID,
		TaskID:     req.Task,
		Round:      req.Round,
		Status:     string(out.Status),
		Repository: out.Publish.Repository,
		CommitSHA:  out.Publish.CommitSHA,
		PagesURL:   out.Publish.HostingURL,
		Ready:      out.Ready,
		FinishedAt: o.now().UTC(),
	}
	if out.Err != nil {
		run.Error = out.Err.Error()
	}
	if err := o.deps.History.FinishRun(ctx, run); err != nil {
		o.logger.Warn().Err(err).Str("run_id", out.RunID).Msg("history finish run")
	}
}

func (o *Orchestrator) publishEvent(ctx context.Context, ev bus.Event) {
	if o.deps.Events == nil {
		return
	}
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	if err := o.deps.Events.Publish(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Str("event", ev.Type).Str("task", ev.TaskID).Msg("publish event")
	}
}

func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
