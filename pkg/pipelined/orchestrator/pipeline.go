package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nais/pipelined/pkg/events"
	"github.com/nais/pipelined/pkg/generator"
	"github.com/nais/pipelined/pkg/pipelined/acquisition"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/nais/pipelined/pkg/pipelined/detect"
	"github.com/nais/pipelined/pkg/pipelined/executor"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
	"github.com/nais/pipelined/pkg/telemetry"
	log "github.com/sirupsen/logrus"
	otrace "go.opentelemetry.io/otel/trace"
)

const (
	stepAcquire  = "acquire"
	stepGenerate = "generate"
	stepSubmit   = "submit"
	stepWatch    = "watch"

	// how long a cancelled step may take to wind down before the pipeline moves on
	stepGracePeriod = 5 * time.Second
)

var errTerminated = errors.New("deployment was terminated")

type pipeline struct {
	start      events.DeploymentStart
	cancel     context.CancelFunc
	running    bool
	finished   bool
	submitting bool
	submitted  bool
}

func (o *Orchestrator) launch(ctx context.Context, start events.DeploymentStart) {
	pctx, cancel := context.WithCancel(o.base)
	pctx = otrace.ContextWithSpanContext(pctx, spanContext(ctx))

	p := &pipeline{
		start:   start,
		cancel:  cancel,
		running: true,
	}

	o.lock.Lock()
	o.pipelines[start.DeploymentID] = p
	o.lock.Unlock()

	o.wg.Add(1)
	go o.run(pctx, p)
}

func (o *Orchestrator) exited(p *pipeline) {
	id := p.start.DeploymentID

	o.lock.Lock()
	p.running = false
	finished := p.finished
	if finished {
		delete(o.pipelines, id)
	}
	o.lock.Unlock()

	if finished {
		o.acquirer.Release(o.acquirer.Workspace(id))
	}
	p.cancel()
	o.wg.Done()
}

// run executes the pipeline steps of one deployment. Failures are turned into a
// transition to FAILED; a terminated deployment stops the pipeline at the next checkpoint.
func (o *Orchestrator) run(ctx context.Context, p *pipeline) {
	defer o.exited(p)

	id := p.start.DeploymentID
	logger := log.WithField(deployment.LogFieldDeploymentID, id)

	err := o.pipeline(ctx, p)
	switch {
	case err == nil:
		return
	case o.base.Err() != nil && o.submitted(p):
		// the build keeps running at the executor and reports through runner events
		logger.Warnf("Shutdown while watching the build, leaving the deployment to runner events: %s", err)
		o.settle(p)
	case o.base.Err() != nil:
		logger.Warnf("Pipeline interrupted by shutdown: %s", err)
		o.fail(context.Background(), id, "Pipeline interrupted by orchestrator shutdown")
	case errors.Is(err, errTerminated):
		logger.Infof("Pipeline stopped at checkpoint")
		o.settle(p)
	case ctx.Err() != nil:
		logger.Infof("Pipeline stopped: %s", err)
		o.settle(p)
	default:
		logger.Errorf("Pipeline failed: %s", err)
		o.fail(ctx, id, err.Error())
	}
}

func (o *Orchestrator) submitted(p *pipeline) bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return p.submitted
}

// settle marks a pipeline as no longer needed when its deployment was finished elsewhere,
// by another replica or by a shutdown hand-off. The workspace is released when it exits.
func (o *Orchestrator) settle(p *pipeline) {
	id := p.start.DeploymentID

	o.lock.Lock()
	p.finished = true
	if watchdog, ok := o.watchdogs[id]; ok {
		watchdog.Stop()
		delete(o.watchdogs, id)
	}
	o.lock.Unlock()

	d, err := o.store.Deployment(context.Background(), id)
	if err == nil && d.Status.Terminal() {
		o.logs.Finish(id, d.Status)
	}
}

// pipelineLog appends to the build log from the pipeline goroutine. It takes the deployment
// lock so that lines written concurrently with event handling get distinct sequence numbers.
func (o *Orchestrator) pipelineLog(ctx context.Context, id string, format string, args ...interface{}) {
	unlock := o.locks.Lock(id)
	defer unlock()
	o.appendLog(ctx, id, format, args...)
}

func (o *Orchestrator) pipeline(ctx context.Context, p *pipeline) error {
	start := p.start
	id := start.DeploymentID
	project := start.Project

	if err := o.checkpoint(ctx, id); err != nil {
		return err
	}

	dir := o.acquirer.Workspace(id)
	o.pipelineLog(ctx, id, "Cloning %s", project.RepositoryURL)
	err := o.step(ctx, stepAcquire, o.cfg.AcquireTimeout, func(ctx context.Context) error {
		_, err := o.acquirer.Acquire(ctx, acquisition.Request{
			RepositoryURL:  project.RepositoryURL,
			Branch:         start.Source.Branch,
			CommitSHA:      start.Source.CommitSHA,
			InstallationID: project.InstallationID,
			TargetDir:      dir,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("repository acquisition failed: %w", err)
	}
	o.pipelineLog(ctx, id, "Repository acquired")

	if err := o.enterBuilding(ctx, id); err != nil {
		return err
	}

	files, err := acquisition.ListFiles(dir)
	if err != nil {
		return fmt.Errorf("list repository files: %w", err)
	}

	settings, err := detect.Resolve(project, dir, files)
	if err != nil {
		return fmt.Errorf("read build settings: %w", err)
	}
	o.pipelineLog(ctx, id, "Detected framework %q with package manager %q", settings.Framework, settings.PackageManager)

	_ = o.publish(ctx, events.TopicRepoAnalyzed, project.ID, events.RepoAnalyzed{
		Ref:            events.Ref{DeploymentID: id},
		ProjectID:      project.ID,
		Framework:      settings.Framework,
		PackageManager: settings.PackageManager,
		FileCount:      len(files),
	})

	if err := o.checkpoint(ctx, id); err != nil {
		return err
	}

	cfg := generator.Config{
		ProjectID:      project.ID,
		Branch:         start.Source.Branch,
		Framework:      settings.Framework,
		PackageManager: settings.PackageManager,
		BuildCommand:   settings.BuildCommand,
		StartCommand:   settings.StartCommand,
		Port:           settings.Port,
		EnvVarNames:    project.EnvVarNames,
	}

	var artifacts *generator.Artifacts
	err = o.step(ctx, stepGenerate, o.cfg.GenerateTimeout, func(context.Context) error {
		var err error
		artifacts, err = generator.Generate(cfg)
		return err
	})
	if err != nil {
		return fmt.Errorf("artifact generation failed: %w", err)
	}
	o.pipelineLog(ctx, id, "Generated CI workflow, runtime manifest and container image definition")

	_ = o.publish(ctx, events.TopicPipelineGenerated, id, events.PipelineGenerated{
		Ref:            events.Ref{DeploymentID: id},
		ProjectID:      project.ID,
		Framework:      generator.CanonicalFramework(settings.Framework),
		Workflow:       artifacts.Workflow,
		Manifest:       json.RawMessage(artifacts.ManifestJSON),
		ContainerImage: artifacts.ContainerImage,
	})

	if project.External() {
		o.pipelineLog(ctx, id, "Waiting for the repository's own CI to build and deploy")
		return nil
	}

	if err := o.checkpoint(ctx, id); err != nil {
		return err
	}

	o.lock.Lock()
	p.submitting = true
	o.lock.Unlock()

	req := executor.Request{
		DeploymentID:   id,
		ProjectID:      project.ID,
		RepositoryURL:  project.RepositoryURL,
		Branch:         start.Source.Branch,
		CommitSHA:      start.Source.CommitSHA,
		InstallationID: project.InstallationID,
		Framework:      generator.CanonicalFramework(settings.Framework),
		Registry:       o.cfg.Registry,
		Namespace:      o.cfg.Namespace,
		EnvVarNames:    project.EnvVarNames,
		Workflow:       artifacts.Workflow,
		Manifest:       json.RawMessage(artifacts.ManifestJSON),
		ContainerImage: artifacts.ContainerImage,
	}

	var submission *executor.Submission
	err = o.step(ctx, stepSubmit, o.cfg.SubmitTimeout, func(ctx context.Context) error {
		var err error
		submission, err = o.executor.Submit(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("build submission failed: %w", err)
	}
	o.lock.Lock()
	p.submitted = true
	o.lock.Unlock()
	o.pipelineLog(ctx, id, "Build submitted to %s executor (%s)", submission.Executor, submission.Reference)

	watcher, ok := o.executor.(executor.Watcher)
	if !ok {
		return nil
	}

	err = o.step(ctx, stepWatch, 0, func(ctx context.Context) error {
		return watcher.Watch(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

// checkpoint returns errTerminated if the deployment must not proceed to the next step.
func (o *Orchestrator) checkpoint(ctx context.Context, id string) error {
	if ctx.Err() != nil {
		return errTerminated
	}
	d, err := o.store.Deployment(ctx, id)
	if err != nil {
		log.WithField(deployment.LogFieldDeploymentID, id).Warnf("Checkpoint could not load deployment: %s", err)
		return nil
	}
	if d.Status.Terminal() {
		return errTerminated
	}
	return nil
}

// enterBuilding moves an acquired deployment from PENDING to BUILDING and announces it.
// A deployment that an external runner already moved along is left as is.
func (o *Orchestrator) enterBuilding(ctx context.Context, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	if ctx.Err() != nil {
		return errTerminated
	}

	d, err := o.store.Deployment(ctx, id)
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}

	switch d.Status {
	case deployment.StatusBuilding, deployment.StatusDeploying:
		return nil
	case deployment.StatusPending:
	default:
		return errTerminated
	}

	d, err = o.apply(ctx, id, deployment.TriggerBuildStart, "Build started", nil)
	if err != nil {
		return fmt.Errorf("enter %s: %w", deployment.StatusBuilding, err)
	}
	if d == nil {
		return errTerminated
	}

	o.startWatchdog(id)
	_ = o.publish(ctx, events.TopicBuildStart, id, events.BuildStart{
		Ref:       events.Ref{DeploymentID: id},
		ProjectID: d.ProjectID,
	})
	return nil
}

// step runs fn with a timeout. Exceeding the timeout is reported as an error of its own.
func (o *Orchestrator) step(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	started := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, name)
	defer func() {
		if name != stepAcquire {
			metrics.Step(name, started, err)
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := make(chan error, 1)
	go func() {
		result <- fn(ctx)
	}()

	select {
	case err := <-result:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out after %s", name, timeout)
		}
		return err
	case <-ctx.Done():
	}

	select {
	case <-result:
	case <-time.After(stepGracePeriod):
		log.Warnf("Step %s did not stop within %s", name, stepGracePeriod)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s", name, timeout)
	}
	return ctx.Err()
}
