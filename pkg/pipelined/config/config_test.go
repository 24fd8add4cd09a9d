package config_test

import (
	"testing"
	"time"

	"github.com/nais/pipelined/pkg/conftools"
	"github.com/nais/pipelined/pkg/pipelined/config"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgresql://pipelined:hunter2@db:5432/pipelined")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("PIPELINED_TIMEOUTS_BUILD", "45m")

	cfg := config.Initialize()
	require.NoError(t, flag.CommandLine.Parse([]string{
		"--executor.type=http",
		"--executor.http.url=https://runner.example.com",
		"--api-keys=first,second",
	}))
	require.NoError(t, conftools.Load(cfg))

	assert.Equal(t, "postgresql://pipelined:hunter2@db:5432/pipelined", cfg.DatabaseURL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "pipelined", cfg.Kafka.GroupID)
	assert.Equal(t, int32(6), cfg.Kafka.Partitions)
	assert.Equal(t, []string{"first", "second"}, cfg.APIKeys)
	assert.Equal(t, config.ExecutorHTTP, cfg.Executor.Type)
	assert.Equal(t, "https://runner.example.com", cfg.Executor.HTTP.URL)
	assert.Equal(t, 45*time.Minute, cfg.Timeouts.Build)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Acquire)
	require.NoError(t, cfg.Validate())

	orch := cfg.Orchestrator()
	assert.Equal(t, 45*time.Minute, orch.BuildTimeout)
	assert.Equal(t, "default", orch.Namespace)

	printed := conftools.Format(config.MaskedKeys)
	assert.Contains(t, printed, "database-url: ***REDACTED***")
	assert.Contains(t, printed, "executor.http.url: https://runner.example.com")
	for _, line := range printed {
		assert.NotContains(t, line, "hunter2")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			Executor:      config.Executor{Type: config.ExecutorNone},
			WorkspaceRoot: "/tmp/pipelined",
		}
	}

	for _, tc := range []struct {
		name   string
		modify func(cfg *config.Config)
		err    string
	}{
		{name: "valid", modify: func(*config.Config) {}},
		{name: "http without url", modify: func(cfg *config.Config) { cfg.Executor.Type = config.ExecutorHTTP }, err: "executor.http.url must be set when executor.type is 'http'"},
		{name: "kubernetes without image", modify: func(cfg *config.Config) { cfg.Executor.Type = config.ExecutorKubernetes }, err: "executor.kubernetes.runner-image must be set when executor.type is 'kubernetes'"},
		{name: "kubernetes ttl shorter than poll interval", modify: func(cfg *config.Config) {
			cfg.Executor.Type = config.ExecutorKubernetes
			cfg.Executor.Kubernetes.RunnerImage = "ghcr.io/nais/runner:latest"
			cfg.Executor.Kubernetes.TTL = 5 * time.Second
			cfg.Executor.Kubernetes.PollInterval = 5 * time.Second
		}, err: "executor.kubernetes.ttl must be longer than executor.kubernetes.poll-interval"},
		{name: "kubernetes without ttl", modify: func(cfg *config.Config) {
			cfg.Executor.Type = config.ExecutorKubernetes
			cfg.Executor.Kubernetes.RunnerImage = "ghcr.io/nais/runner:latest"
			cfg.Executor.Kubernetes.PollInterval = 5 * time.Second
		}},
		{name: "unknown executor", modify: func(cfg *config.Config) { cfg.Executor.Type = "lambda" }, err: "unknown executor.type 'lambda'"},
		{name: "no brokers", modify: func(cfg *config.Config) { cfg.Kafka.Brokers = nil }, err: "kafka.brokers must not be empty"},
		{name: "no workspace", modify: func(cfg *config.Config) { cfg.WorkspaceRoot = "" }, err: "workspace-root must not be empty"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			cfg.Kafka.Brokers = []string{"localhost:9092"}
			tc.modify(cfg)
			err := cfg.Validate()
			if len(tc.err) == 0 {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tc.err)
		})
	}
}
