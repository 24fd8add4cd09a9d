package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api_v1_deployment "github.com/nais/pipelined/pkg/pipelined/api/v1/deployment"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

type Config struct {
	URL            string
	APIKey         string
	ProjectID      string
	Repository     string
	Branch         string
	CommitSHA      string
	DeploymentType string
	InstallationID int64
	Port           int
	Follow         bool
	Timeout        time.Duration
	PollInterval   time.Duration
}

var cfg = DefaultConfig()

func DefaultConfig() Config {
	return Config{
		URL:          "http://localhost:8080",
		Branch:       "main",
		Follow:       true,
		Timeout:      time.Minute * 30,
		PollInterval: time.Second,
	}
}

func init() {
	flag.ErrHelp = fmt.Errorf("\nmkdeploy submits a deployment to pipelined and follows its logs until it finishes.\n")

	flag.StringVar(&cfg.URL, "url", cfg.URL, "Base URL of pipelined.")
	flag.StringVar(&cfg.APIKey, "apikey", os.Getenv("PIPELINED_API_KEY"), "Pre-shared API key. (env PIPELINED_API_KEY)")
	flag.StringVar(&cfg.ProjectID, "project", cfg.ProjectID, "Project ID.")
	flag.StringVar(&cfg.Repository, "repository", cfg.Repository, "Repository clone URL.")
	flag.StringVar(&cfg.Branch, "branch", cfg.Branch, "Branch to deploy.")
	flag.StringVar(&cfg.CommitSHA, "commit", cfg.CommitSHA, "Commit to deploy. Defaults to the head of the branch.")
	flag.StringVar(&cfg.DeploymentType, "type", cfg.DeploymentType, "Deployment type, 'managed' or 'external'.")
	flag.Int64Var(&cfg.InstallationID, "installation-id", cfg.InstallationID, "Github App installation ID for private repositories.")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Port the application listens on. Detected if unset.")
	flag.BoolVar(&cfg.Follow, "follow", cfg.Follow, "Follow the deployment logs until it finishes.")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Give up following the deployment after this long.")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "How often to check whether the deployment has been recorded.")
}

func (c Config) request() api_v1_deployment.CreateRequest {
	return api_v1_deployment.CreateRequest{
		Project: deployment.Project{
			ID:             c.ProjectID,
			RepositoryURL:  c.Repository,
			Branch:         c.Branch,
			Port:           c.Port,
			DeploymentType: deployment.Type(c.DeploymentType),
			InstallationID: c.InstallationID,
		},
		Source: deployment.Source{
			CommitSHA: c.CommitSHA,
			Branch:    c.Branch,
		},
	}
}

func run() error {
	flag.Parse()

	if len(cfg.ProjectID) == 0 || len(cfg.Repository) == 0 {
		return fmt.Errorf("--project and --repository are required")
	}

	signals, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(signals, cfg.Timeout)
	defer cancel()

	c := &client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{},
	}

	d, err := c.create(ctx, cfg.request())
	if err != nil {
		return fmt.Errorf("submit deployment: %w", err)
	}
	log.Infof("deployment id: %s", d.ID)

	if !cfg.Follow {
		return nil
	}

	_, err = c.await(ctx, d.ID, cfg.PollInterval)
	if err != nil {
		return err
	}

	status, err := c.follow(ctx, d.ID, os.Stdout)
	if signals.Err() != nil {
		log.Warnf("interrupted, cancelling deployment %s", d.ID)
		cancelCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return c.cancel(cancelCtx, d.ID, "cancelled from mkdeploy")
	}
	if err != nil {
		return err
	}

	log.Infof("deployment finished with status %s", status)
	if status != deployment.StatusSuccess {
		return fmt.Errorf("deployment %s finished with status %s", d.ID, status)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Errorf("fatal: %s", err)
		os.Exit(1)
	}
}
