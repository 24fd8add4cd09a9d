// Package orchestrator drives deployments through their life cycle.
//
// Events for one deployment are handled one at a time. The blocking pipeline steps
// (acquire, generate, submit) run on a separate goroutine per deployment, which checks for
// cancellation before every step. Entering a terminal state releases the scratch directory,
// stops the pipeline and announces the outcome on the bus, exactly once per deployment.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nais/pipelined/pkg/bus"
	"github.com/nais/pipelined/pkg/events"
	"github.com/nais/pipelined/pkg/pipelined/acquisition"
	"github.com/nais/pipelined/pkg/pipelined/database"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/nais/pipelined/pkg/pipelined/executor"
	"github.com/nais/pipelined/pkg/pipelined/logstream"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
	"github.com/nais/pipelined/pkg/telemetry"
	log "github.com/sirupsen/logrus"
	otrace "go.opentelemetry.io/otel/trace"
)

// Source is the metadata source of every event published by the orchestrator.
// Consumed events with this source are ignored.
const Source = "pipelined"

// Acquirer provides the local repository copy of a deployment.
type Acquirer interface {
	Workspace(deploymentID string) string
	Acquire(ctx context.Context, req acquisition.Request) (string, error)
	Release(dir string)
}

type Orchestrator struct {
	cfg       Config
	store     database.DeploymentStore
	publisher bus.Publisher
	acquirer  Acquirer
	executor  executor.Executor
	logs      *logstream.Hub
	now       func() time.Time

	locks *keyedMutex

	lock      sync.Mutex
	pipelines map[string]*pipeline
	watchdogs map[string]*time.Timer
	wg        sync.WaitGroup
	base      context.Context
	cancel    context.CancelFunc
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(cfg Config, store database.DeploymentStore, publisher bus.Publisher, acquirer Acquirer, exec executor.Executor, logs *logstream.Hub, opts ...Option) *Orchestrator {
	base, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		acquirer:  acquirer,
		executor:  exec,
		logs:      logs,
		now:       time.Now,
		locks:     newKeyedMutex(),
		pipelines: make(map[string]*pipeline),
		watchdogs: make(map[string]*time.Timer),
		base:      base,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Topics returns the topics the orchestrator consumes.
func Topics() []events.Topic {
	return events.PipelineTopics()
}

// Handle applies one consumed event. It is a bus.Handler.
// Store failures are returned as retryable; malformed events are returned as fatal.
func (o *Orchestrator) Handle(ctx context.Context, ev *events.Event) error {
	logger := log.WithFields(ev.LogFields())

	if ev.Source() == Source {
		logger.Tracef("Ignoring own announcement")
		return nil
	}

	switch ev.Type {
	case events.TopicRepoAnalyzed, events.TopicPipelineGenerated, events.TopicMetricsCollect, events.TopicMetricsAlert:
		logger.Debugf("Ignoring advisory event")
		return nil
	}

	id := ev.DeploymentID()
	if len(id) == 0 {
		return fmt.Errorf("%s event %s has no deployment id", ev.Type, ev.ID)
	}

	ctx = telemetry.WithTraceParent(ctx, ev.Metadata[telemetry.TraceParentKey])
	ctx, span := telemetry.Tracer().Start(ctx, ev.Type.String())
	defer span.End()

	unlock := o.locks.Lock(id)
	defer unlock()

	switch ev.Type {
	case events.TopicDeploymentStart:
		return o.start(ctx, ev)

	case events.TopicBuildProgress, events.TopicDeploymentProgress:
		return o.progress(ctx, ev)

	case events.TopicBuildStart:
		d, err := o.apply(ctx, id, deployment.TriggerBuildStart, "Build started", nil)
		if d != nil {
			o.startWatchdog(id)
		}
		return err

	case events.TopicBuildCompleted:
		payload := events.BuildCompleted{}
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		message := "Build completed"
		if len(payload.Image) > 0 {
			message = fmt.Sprintf("Build completed: %s", payload.Image)
		}
		_, err := o.apply(ctx, id, deployment.TriggerBuildCompleted, message, nil)
		return err

	case events.TopicBuildFailed:
		payload := events.BuildFailed{}
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		_, err := o.apply(ctx, id, deployment.TriggerBuildFailed, "Build failed: "+payload.Error, func(d *deployment.Deployment) {
			d.ErrorMessage = payload.Error
		})
		return err

	case events.TopicDeploymentSuccess:
		payload := events.DeploymentSuccess{}
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		_, err := o.apply(ctx, id, deployment.TriggerSuccess, "Deployment succeeded", func(d *deployment.Deployment) {
			d.DeploymentURL = payload.URL
		})
		return err

	case events.TopicDeploymentFailed:
		payload := events.DeploymentFailed{}
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		_, err := o.apply(ctx, id, deployment.TriggerFailed, "Deployment failed: "+payload.Error, func(d *deployment.Deployment) {
			d.ErrorMessage = payload.Error
		})
		return err

	case events.TopicDeploymentCancel:
		payload := events.DeploymentCancel{}
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		message := "Deployment cancelled"
		if len(payload.Reason) > 0 {
			message = fmt.Sprintf("Deployment cancelled: %s", payload.Reason)
		}
		_, err := o.apply(ctx, id, deployment.TriggerCancel, message, func(d *deployment.Deployment) {
			d.ErrorMessage = message
		})
		return err
	}

	return fmt.Errorf("no handler for %s events", ev.Type)
}

func (o *Orchestrator) start(ctx context.Context, ev *events.Event) error {
	start := events.DeploymentStart{}
	if err := ev.Decode(&start); err != nil {
		return err
	}
	if !deployment.ValidID(start.DeploymentID) {
		return fmt.Errorf("deployment id %q is not valid", start.DeploymentID)
	}
	if len(start.Project.RepositoryURL) == 0 {
		return fmt.Errorf("deployment %s has no repository url", start.DeploymentID)
	}
	if len(start.Source.Branch) == 0 {
		start.Source.Branch = start.Project.Branch
	}

	d := deployment.New(start.DeploymentID, start.Project.ID, start.Source, o.now())
	logger := log.WithFields(d.LogFields())

	err := o.store.CreateDeployment(ctx, *d)
	switch {
	case errors.Is(err, database.ErrAlreadyExists):
		logger.Warnf("Ignoring duplicate %s", events.TopicDeploymentStart)
		metrics.ProtocolViolation(deployment.TriggerStart)
		return nil
	case err != nil:
		return bus.Retryable(fmt.Errorf("create deployment: %w", err))
	}

	metrics.UpdateQueue(d)
	logger.Infof("Deployment created")
	o.appendLog(ctx, d.ID, "Deployment of %s (branch %s) accepted", start.Project.RepositoryURL, start.Source.Branch)

	o.launch(ctx, start)
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, ev *events.Event) error {
	payload := events.BuildProgress{}
	if err := ev.Decode(&payload); err != nil {
		return err
	}

	d, err := o.store.Deployment(ctx, payload.DeploymentID)
	switch {
	case database.IsErrNotFound(err):
		o.violation(&deployment.ProtocolViolation{Trigger: deployment.Trigger(ev.Type)}, payload.DeploymentID)
		return nil
	case err != nil:
		return bus.Retryable(err)
	case d.Status.Terminal():
		o.violation(&deployment.ProtocolViolation{Status: d.Status, Trigger: deployment.Trigger(ev.Type)}, d.ID)
		return nil
	}

	o.appendLog(ctx, d.ID, "%s", payload.Message)
	return nil
}

// apply reloads the deployment, runs trigger through the state machine and stores the result.
// Invalid transitions are logged and counted, and return a nil deployment without error.
// The caller must hold the deployment lock.
func (o *Orchestrator) apply(ctx context.Context, id string, trigger deployment.Trigger, message string, update func(d *deployment.Deployment)) (*deployment.Deployment, error) {
	d, err := o.store.Deployment(ctx, id)
	switch {
	case database.IsErrNotFound(err):
		o.violation(&deployment.ProtocolViolation{Trigger: trigger}, id)
		return nil, nil
	case err != nil:
		return nil, bus.Retryable(fmt.Errorf("load deployment: %w", err))
	}

	from := d.Status
	if err := d.Apply(trigger, o.now()); err != nil {
		var violation *deployment.ProtocolViolation
		if errors.As(err, &violation) {
			o.violation(violation, id)
			return nil, nil
		}
		return nil, err
	}

	if update != nil {
		update(d)
	}

	if err := o.store.UpdateDeployment(ctx, *d, from); err != nil {
		return nil, bus.Retryable(fmt.Errorf("update deployment: %w", err))
	}

	metrics.UpdateQueue(d)
	log.WithFields(d.LogFields()).WithField(deployment.LogFieldTrigger, trigger).Infof("Deployment %s -> %s", from, d.Status)
	o.appendLog(ctx, id, "%s", message)

	if d.Status.Terminal() {
		o.finish(ctx, d, trigger)
	}

	return d, nil
}

func (o *Orchestrator) violation(violation *deployment.ProtocolViolation, id string) {
	metrics.ProtocolViolation(violation.Trigger)
	logger := log.WithFields(log.Fields{
		deployment.LogFieldDeploymentID: id,
		deployment.LogFieldTrigger:      violation.Trigger,
	})
	if len(violation.Status) == 0 {
		logger.Warnf("%s: %s received for unknown deployment", deployment.ErrProtocolViolation, violation.Trigger)
		return
	}
	logger.Warnf("%s", violation)
}

// finish performs terminal handling. It runs once per deployment, since the state machine
// allows only one transition into a terminal state. A build already handed to the executor
// is cancelled there when the deployment is cancelled or failed by the orchestrator itself.
func (o *Orchestrator) finish(ctx context.Context, d *deployment.Deployment, trigger deployment.Trigger) {
	logger := log.WithFields(d.LogFields())
	ctx = context.WithoutCancel(ctx)

	o.lock.Lock()
	p := o.pipelines[d.ID]
	release := true
	cancelExecutor := d.Status == deployment.StatusCancelled
	if p != nil {
		p.finished = true
		p.cancel()
		// a running pipeline releases the workspace when it has stopped
		release = !p.running
		cancelExecutor = p.submitting && (cancelExecutor || trigger == deployment.TriggerPipelineFailed)
		if !p.running {
			delete(o.pipelines, d.ID)
		}
	}
	if watchdog, ok := o.watchdogs[d.ID]; ok {
		watchdog.Stop()
		delete(o.watchdogs, d.ID)
	}
	o.lock.Unlock()

	if release {
		o.acquirer.Release(o.acquirer.Workspace(d.ID))
	}

	if cancelExecutor {
		cancelCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		err := o.executor.Cancel(cancelCtx, d.ID)
		cancel()
		if err != nil {
			logger.Errorf("Cancel build: %s", err)
		} else {
			logger.Infof("Build cancelled at executor %s", o.executor.Name())
		}
	}

	o.announce(ctx, d)
	o.logs.Finish(d.ID, d.Status)
	logger.Infof("Deployment finished after %s", d.Duration())
}

func (o *Orchestrator) announce(ctx context.Context, d *deployment.Deployment) {
	ref := events.Ref{DeploymentID: d.ID}

	var topic events.Topic
	var payload interface{}
	switch d.Status {
	case deployment.StatusSuccess:
		topic, payload = events.TopicDeploymentSuccess, events.DeploymentSuccess{Ref: ref, URL: d.DeploymentURL}
	case deployment.StatusFailed:
		topic, payload = events.TopicDeploymentFailed, events.DeploymentFailed{Ref: ref, Error: d.ErrorMessage}
	case deployment.StatusCancelled:
		topic, payload = events.TopicDeploymentCancel, events.DeploymentCancel{Ref: ref, Reason: d.ErrorMessage, Status: d.Status}
	default:
		return
	}

	_ = o.publish(ctx, topic, d.ID, payload)
	_ = o.publish(ctx, events.TopicMetricsCollect, d.ProjectID, events.MetricsCollect{
		Ref:             ref,
		ProjectID:       d.ProjectID,
		Status:          d.Status,
		DurationSeconds: d.Duration().Seconds(),
	})
}

// publish sends an event marked as coming from the orchestrator. Transport errors are
// retried with backoff; an event that still cannot be delivered is logged as an error.
func (o *Orchestrator) publish(ctx context.Context, topic events.Topic, key string, payload interface{}) error {
	ev, err := events.New(topic, payload)
	if err != nil {
		return err
	}
	ev.WithMetadata(events.MetadataSource, Source)
	if traceParent := telemetry.TraceParent(ctx); len(traceParent) > 0 {
		ev.WithMetadata(telemetry.TraceParentKey, traceParent)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.PublishInterval
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(o.cfg.PublishRetries)), ctx)

	err = backoff.Retry(func() error {
		err := o.publisher.Publish(ctx, ev, key)
		if err != nil && !bus.IsTransportError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, retries)

	if err != nil {
		log.WithFields(ev.LogFields()).WithField("key", key).Errorf("Event could not be published: %s", err)
	}
	return err
}

// appendLog adds a line to the build log and hands it to log stream subscribers.
func (o *Orchestrator) appendLog(ctx context.Context, id string, format string, args ...interface{}) {
	line, err := o.store.AppendLog(context.WithoutCancel(ctx), id, fmt.Sprintf(format, args...))
	if err != nil {
		log.WithField(deployment.LogFieldDeploymentID, id).Errorf("Append build log: %s", err)
		return
	}
	o.logs.Publish(id, *line)
}

// startWatchdog fails the deployment if it has not finished within the build timeout.
func (o *Orchestrator) startWatchdog(id string) {
	if o.cfg.BuildTimeout <= 0 {
		return
	}

	o.lock.Lock()
	defer o.lock.Unlock()

	if _, ok := o.watchdogs[id]; ok {
		return
	}
	o.watchdogs[id] = time.AfterFunc(o.cfg.BuildTimeout, func() {
		o.lock.Lock()
		delete(o.watchdogs, id)
		o.lock.Unlock()
		o.fail(o.base, id, fmt.Sprintf("Build did not finish within %s", o.cfg.BuildTimeout))
	})
}

// fail moves a non-terminal deployment to FAILED.
func (o *Orchestrator) fail(ctx context.Context, id string, message string) {
	unlock := o.locks.Lock(id)
	defer unlock()

	_, err := o.apply(context.WithoutCancel(ctx), id, deployment.TriggerPipelineFailed, message, func(d *deployment.Deployment) {
		d.ErrorMessage = message
	})
	if err != nil {
		log.WithField(deployment.LogFieldDeploymentID, id).Errorf("Record pipeline failure %q: %s", message, err)
	}
}

// Shutdown stops all running pipelines and waits for them to exit.
// Deployments whose pipeline is interrupted are failed, unless the build was already
// submitted to the executor.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	o.lock.Lock()
	for id, watchdog := range o.watchdogs {
		watchdog.Stop()
		delete(o.watchdogs, id)
	}
	o.lock.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipelines still running: %w", ctx.Err())
	}
}

func spanContext(ctx context.Context) otrace.SpanContext {
	return otrace.SpanContextFromContext(ctx)
}
