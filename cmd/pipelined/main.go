package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shopify/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/nais/pipelined/pkg/bus"
	"github.com/nais/pipelined/pkg/conftools"
	"github.com/nais/pipelined/pkg/events"
	"github.com/nais/pipelined/pkg/github/tokens"
	"github.com/nais/pipelined/pkg/kubeclient"
	"github.com/nais/pipelined/pkg/logging"
	"github.com/nais/pipelined/pkg/pipelined/acquisition"
	"github.com/nais/pipelined/pkg/pipelined/api"
	"github.com/nais/pipelined/pkg/pipelined/config"
	"github.com/nais/pipelined/pkg/pipelined/database"
	"github.com/nais/pipelined/pkg/pipelined/executor"
	"github.com/nais/pipelined/pkg/pipelined/logstream"
	"github.com/nais/pipelined/pkg/pipelined/orchestrator"
	"github.com/nais/pipelined/pkg/telemetry"
	"github.com/nais/pipelined/pkg/version"
)

const (
	databaseConnectBackoffInterval = 3 * time.Second
	topicSetupTimeout              = 30 * time.Second
	shutdownTimeout                = 30 * time.Second
	logStreamBuffer                = 256
)

func run() error {
	cfg := config.Initialize()
	err := conftools.Load(cfg)
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	kafkaLogger, err := logging.New("kafka", cfg.Kafka.Verbosity, cfg.LogFormat)
	if err != nil {
		return err
	}
	sarama.Logger = kafkaLogger

	// Welcome
	log.Infof("pipelined %s", version.Version())
	if ts := version.BuildTime(); !ts.IsZero() {
		log.Infof("This version was built %s", ts.Local())
	}

	for _, line := range conftools.Format(config.MaskedKeys) {
		log.Info(line)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.OpenTelemetryCollector) > 0 {
		tracerProvider, err := telemetry.New(ctx, "pipelined", cfg.OpenTelemetryCollector)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer tracerProvider.Shutdown(context.Background())
		log.Infof("Sending traces to %s", cfg.OpenTelemetryCollector)
	}

	store, health, closeStore, err := setupStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var tokenSource acquisition.TokenSource
	if len(cfg.Github.AppID) > 0 {
		key, err := tokens.RSAPrivateKeyFromPEMFile(cfg.Github.KeyFile)
		if err != nil {
			return fmt.Errorf("read github app key: %w", err)
		}
		opts := make([]tokens.Option, 0)
		if len(cfg.Github.BaseURL) > 0 {
			opts = append(opts, tokens.WithBaseURL(cfg.Github.BaseURL))
		}
		tokenSource = tokens.New(cfg.Github.AppID, key, opts...)
		log.Infof("Using installation tokens of Github App %s", cfg.Github.AppID)
	} else {
		log.Warnf("No Github App configured; only public repositories can be cloned")
	}

	exec, err := setupExecutor(cfg)
	if err != nil {
		return fmt.Errorf("setup executor: %w", err)
	}
	log.Infof("Using %s executor", exec.Name())

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o700); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	client := bus.New(cfg.Kafka, bus.WithAlerts())
	defer client.Close()

	topicCtx, cancel := context.WithTimeout(ctx, topicSetupTimeout)
	err = client.EnsureTopics(topicCtx, events.Topics())
	cancel()
	if err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	logs := logstream.New(logStreamBuffer)
	orch := orchestrator.New(
		cfg.Orchestrator(),
		store,
		client,
		acquisition.New(cfg.WorkspaceRoot, tokenSource),
		exec,
		logs,
	)

	consumer, err := client.Subscribe(ctx, cfg.Kafka.GroupID, orchestrator.Topics(), orch.Handle)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Infof("Consuming %v as member of group %s", orchestrator.Topics(), cfg.Kafka.GroupID)

	router := api.New(api.Config{
		Store:         store,
		Publisher:     client,
		Logs:          logs,
		MetricsPath:   cfg.MetricsPath,
		APIKeys:       cfg.APIKeys,
		StreamTimeout: cfg.Timeouts.Stream,
		Health:        health,
	})

	server := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}
	serverErrors := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	log.Infof("Ready to accept connections on %s", cfg.ListenAddress)

	select {
	case <-ctx.Done():
		log.Infof("Received signal, exiting...")
	case err = <-serverErrors:
		log.Errorf("HTTP server: %s", err)
	case <-consumer.Done():
		if ctx.Err() == nil {
			err = fmt.Errorf("event consumer stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shut down HTTP server: %s", err)
	}
	if err := consumer.Close(); err != nil {
		log.Errorf("Stop event consumer: %s", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shut down orchestrator: %s", err)
	}

	return err
}

// setupStore connects to PostgreSQL, or keeps deployments in memory if no database is configured.
func setupStore(ctx context.Context, cfg *config.Config) (database.DeploymentStore, func(context.Context) error, func(), error) {
	if len(cfg.DatabaseURL) == 0 {
		log.Warnf("No database configured; deployments are kept in memory and lost on restart")
		return database.NewMemoryStore(), nil, func() {}, nil
	}

	var db *database.Database
	var err error

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DatabaseConnectTimeout)
	for {
		log.Infof("Connecting to database...")
		db, err = database.New(connectCtx, cfg.DatabaseURL)
		if err == nil {
			log.Infof("Database connection established.")
			break
		} else if connectCtx.Err() != nil {
			break
		} else {
			log.Errorf("unable to connect to database: %s", err)
			time.Sleep(databaseConnectBackoffInterval)
		}
	}
	cancel()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setup postgres connection: %s", err)
	}

	err = db.Migrate(ctx)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("migrating database: %s", err)
	}

	return db, db.Ping, db.Close, nil
}

func setupExecutor(cfg *config.Config) (executor.Executor, error) {
	switch cfg.Executor.Type {
	case config.ExecutorHTTP:
		return executor.NewHTTP(executor.HTTPConfig{
			URL:       cfg.Executor.HTTP.URL,
			Token:     cfg.Executor.HTTP.Token,
			Timeout:   cfg.Timeouts.Submit,
			RetryMax:  cfg.Executor.HTTP.RetryMax,
			RetryWait: cfg.Executor.HTTP.RetryWait,
		})

	case config.ExecutorKubernetes:
		client, err := kubeclient.DefaultClient(cfg.Executor.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("cannot configure Kubernetes client: %w", err)
		}
		return executor.NewKubernetes(client, executor.KubernetesConfig{
			Namespace:      cfg.Executor.Namespace,
			RunnerImage:    cfg.Executor.Kubernetes.RunnerImage,
			ServiceAccount: cfg.Executor.Kubernetes.ServiceAccount,
			Registry:       cfg.Executor.Registry,
			BackoffLimit:   cfg.Executor.Kubernetes.BackoffLimit,
			ActiveDeadline: cfg.Timeouts.Build,
			TTL:            cfg.Executor.Kubernetes.TTL,
			PollInterval:   cfg.Executor.Kubernetes.PollInterval,
		}), nil

	default:
		return executor.None{}, nil
	}
}

func main() {
	err := run()
	if err != nil {
		log.Errorf("Fatal error: %s", err)
		os.Exit(1)
	}
}
