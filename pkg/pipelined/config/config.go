package config

import (
	"fmt"
	"time"

	"github.com/nais/pipelined/pkg/bus"
	"github.com/nais/pipelined/pkg/conftools"
	"github.com/nais/pipelined/pkg/pipelined/orchestrator"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ExecutorNone       = "none"
	ExecutorHTTP       = "http"
	ExecutorKubernetes = "kubernetes"
)

type Github struct {
	AppID   string `json:"app-id"`
	KeyFile string `json:"key-file"`
	BaseURL string `json:"base-url"`
}

type HTTPExecutor struct {
	URL       string        `json:"url"`
	Token     string        `json:"token"`
	RetryMax  int           `json:"retry-max"`
	RetryWait time.Duration `json:"retry-wait"`
}

type KubernetesExecutor struct {
	Kubeconfig     string        `json:"kubeconfig"`
	RunnerImage    string        `json:"runner-image"`
	ServiceAccount string        `json:"service-account"`
	BackoffLimit   int32         `json:"backoff-limit"`
	TTL            time.Duration `json:"ttl"`
	PollInterval   time.Duration `json:"poll-interval"`
}

type Executor struct {
	Type       string             `json:"type"`
	Registry   string             `json:"registry"`
	Namespace  string             `json:"namespace"`
	HTTP       HTTPExecutor       `json:"http"`
	Kubernetes KubernetesExecutor `json:"kubernetes"`
}

type Timeouts struct {
	Acquire  time.Duration `json:"acquire"`
	Generate time.Duration `json:"generate"`
	Submit   time.Duration `json:"submit"`
	Build    time.Duration `json:"build"`
	Stream   time.Duration `json:"stream"`
}

type Config struct {
	APIKeys                []string      `json:"api-keys"`
	DatabaseURL            string        `json:"database-url"`
	DatabaseConnectTimeout time.Duration `json:"database-connect-timeout"`
	Executor               Executor      `json:"executor"`
	Github                 Github        `json:"github"`
	Kafka                  bus.Config    `json:"kafka"`
	ListenAddress          string        `json:"listen-address"`
	LogFormat              string        `json:"log-format"`
	LogLevel               string        `json:"log-level"`
	MetricsPath            string        `json:"metrics-path"`
	OpenTelemetryCollector string        `json:"otel-collector-url"`
	Timeouts               Timeouts      `json:"timeouts"`
	WorkspaceRoot          string        `json:"workspace-root"`
}

const (
	APIKeys                        = "api-keys"
	DatabaseConnectTimeout         = "database-connect-timeout"
	DatabaseURL                    = "database-url"
	ExecutorHTTPRetryMax           = "executor.http.retry-max"
	ExecutorHTTPRetryWait          = "executor.http.retry-wait"
	ExecutorHTTPToken              = "executor.http.token"
	ExecutorHTTPURL                = "executor.http.url"
	ExecutorKubernetesBackoffLimit = "executor.kubernetes.backoff-limit"
	ExecutorKubernetesKubeconfig   = "executor.kubernetes.kubeconfig"
	ExecutorKubernetesPollInterval = "executor.kubernetes.poll-interval"
	ExecutorKubernetesRunnerImage  = "executor.kubernetes.runner-image"
	ExecutorKubernetesSA           = "executor.kubernetes.service-account"
	ExecutorKubernetesTTL          = "executor.kubernetes.ttl"
	ExecutorNamespace              = "executor.namespace"
	ExecutorRegistry               = "executor.registry"
	ExecutorType                   = "executor.type"
	GithubAppID                    = "github.app-id"
	GithubBaseURL                  = "github.base-url"
	GithubKeyFile                  = "github.key-file"
	KafkaBrokers                   = "kafka.brokers"
	KafkaClientID                  = "kafka.client-id"
	KafkaGroupID                   = "kafka.group-id"
	KafkaMaxRetries                = "kafka.max-retries"
	KafkaPartitions                = "kafka.partitions"
	KafkaReplicationFactor         = "kafka.replication-factor"
	KafkaRetryInterval             = "kafka.retry-interval"
	KafkaSASLEnabled               = "kafka.sasl.enabled"
	KafkaSASLHandshake             = "kafka.sasl.handshake"
	KafkaSASLPassword              = "kafka.sasl.password"
	KafkaSASLUsername              = "kafka.sasl.username"
	KafkaTLSEnabled                = "kafka.tls.enabled"
	KafkaTLSInsecure               = "kafka.tls.insecure"
	KafkaVerbosity                 = "kafka.verbosity"
	ListenAddress                  = "listen-address"
	LogFormat                      = "log-format"
	LogLevel                       = "log-level"
	MetricsPath                    = "metrics-path"
	OpenTelemetryCollector         = "otel-collector-url"
	TimeoutsAcquire                = "timeouts.acquire"
	TimeoutsBuild                  = "timeouts.build"
	TimeoutsGenerate               = "timeouts.generate"
	TimeoutsStream                 = "timeouts.stream"
	TimeoutsSubmit                 = "timeouts.submit"
	WorkspaceRoot                  = "workspace-root"
)

// MaskedKeys are redacted when the configuration is printed.
var MaskedKeys = []string{
	APIKeys,
	DatabaseURL,
	ExecutorHTTPToken,
	KafkaSASLPassword,
}

// Bind environment variables provided by the platform
func bindPlatform() {
	viper.BindEnv(DatabaseURL, "DATABASE_URL")
	viper.BindEnv(KafkaBrokers, "KAFKA_BROKERS")
	viper.BindEnv(OpenTelemetryCollector, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func Initialize() *Config {
	conftools.Initialize("pipelined")
	bindPlatform()

	kafka := bus.DefaultConfig()
	timeouts := orchestrator.DefaultConfig()

	flag.String(ListenAddress, "127.0.0.1:8080", "IP:PORT")
	flag.String(LogFormat, "text", "Log format, either 'json' or 'text'.")
	flag.String(LogLevel, "debug", "Logging verbosity level.")
	flag.String(MetricsPath, "/metrics", "HTTP endpoint for exposed metrics.")
	flag.String(OpenTelemetryCollector, "", "OpenTelemetry collector endpoint URL. Tracing is disabled if empty.")
	flag.StringSlice(APIKeys, nil, "Pre-shared keys for the deployment API, comma separated. The API is unauthenticated if empty.")
	flag.String(WorkspaceRoot, "/tmp/pipelined", "Directory below which repositories are cloned, one directory per deployment.")

	flag.String(DatabaseURL, "", "PostgreSQL connection information. Deployments are kept in memory if empty.")
	flag.Duration(DatabaseConnectTimeout, time.Minute*5, "How long to try the initial database connection.")

	flag.String(GithubAppID, "", "Github App ID. Installation tokens are unavailable if empty.")
	flag.String(GithubKeyFile, "private-key.pem", "Path to PEM key owned by Github App.")
	flag.String(GithubBaseURL, "", "Github API base URL, for Github Enterprise.")

	flag.StringSlice(KafkaBrokers, kafka.Brokers, "Comma-separated list of Kafka brokers, HOST:PORT.")
	flag.String(KafkaClientID, kafka.ClientID, "Kafka client ID.")
	flag.String(KafkaGroupID, kafka.GroupID, "Kafka consumer group ID.")
	flag.Int32(KafkaPartitions, kafka.Partitions, "Number of partitions of topics created at startup.")
	flag.Int16(KafkaReplicationFactor, kafka.ReplicationFactor, "Replication factor of topics created at startup.")
	flag.Int(KafkaMaxRetries, kafka.MaxRetries, "How many times an event is redelivered after a transient failure before it is dead-lettered.")
	flag.Duration(KafkaRetryInterval, kafka.RetryInterval, "Initial wait between redeliveries of an event.")
	flag.Bool(KafkaTLSEnabled, false, "Use TLS when connecting to Kafka.")
	flag.Bool(KafkaTLSInsecure, false, "Allow insecure TLS connections to Kafka.")
	flag.Bool(KafkaSASLEnabled, false, "Enable SASL authentication.")
	flag.Bool(KafkaSASLHandshake, true, "Use handshake for SASL authentication.")
	flag.String(KafkaSASLUsername, "", "Username for SASL authentication.")
	flag.String(KafkaSASLPassword, "", "Password for SASL authentication.")
	flag.String(KafkaVerbosity, kafka.Verbosity, "Log verbosity for the Kafka client.")

	flag.String(ExecutorType, ExecutorNone, "Build and deploy executor, one of 'none', 'http' or 'kubernetes'.")
	flag.String(ExecutorRegistry, "", "Container registry passed to the executor.")
	flag.String(ExecutorNamespace, "default", "Cluster namespace passed to the executor.")
	flag.String(ExecutorHTTPURL, "", "Base URL of the HTTP build executor.")
	flag.String(ExecutorHTTPToken, "", "Bearer token for the HTTP build executor.")
	flag.Int(ExecutorHTTPRetryMax, 3, "Maximum retries of failed requests to the HTTP build executor.")
	flag.Duration(ExecutorHTTPRetryWait, time.Second, "Minimum wait between retries of requests to the HTTP build executor.")
	flag.String(ExecutorKubernetesKubeconfig, "", "Path to kubeconfig. The in-cluster configuration is used if empty.")
	flag.String(ExecutorKubernetesRunnerImage, "", "Container image of the build runner Job.")
	flag.String(ExecutorKubernetesSA, "", "Service account of the build runner Job.")
	flag.Int32(ExecutorKubernetesBackoffLimit, 0, "Retries of a failed build runner Job.")
	flag.Duration(ExecutorKubernetesTTL, time.Hour, "How long finished build runner Jobs are kept.")
	flag.Duration(ExecutorKubernetesPollInterval, time.Second*5, "How often the status of a build runner Job is checked.")

	flag.Duration(TimeoutsAcquire, timeouts.AcquireTimeout, "Maximum duration of a repository clone.")
	flag.Duration(TimeoutsGenerate, timeouts.GenerateTimeout, "Maximum duration of artifact generation.")
	flag.Duration(TimeoutsSubmit, timeouts.SubmitTimeout, "Maximum duration of a request to the executor.")
	flag.Duration(TimeoutsBuild, timeouts.BuildTimeout, "Deployments not finished this long after the build started are failed. Zero disables the limit.")
	flag.Duration(TimeoutsStream, time.Minute*30, "Maximum duration of a log stream.")

	return &Config{}
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.Executor.Type {
	case ExecutorNone:
	case ExecutorHTTP:
		if len(c.Executor.HTTP.URL) == 0 {
			return fmt.Errorf("%s must be set when %s is '%s'", ExecutorHTTPURL, ExecutorType, ExecutorHTTP)
		}
	case ExecutorKubernetes:
		if len(c.Executor.Kubernetes.RunnerImage) == 0 {
			return fmt.Errorf("%s must be set when %s is '%s'", ExecutorKubernetesRunnerImage, ExecutorType, ExecutorKubernetes)
		}
		// a finished Job must survive at least one status check
		k := c.Executor.Kubernetes
		if k.TTL > 0 && k.TTL <= k.PollInterval {
			return fmt.Errorf("%s must be longer than %s", ExecutorKubernetesTTL, ExecutorKubernetesPollInterval)
		}
	default:
		return fmt.Errorf("unknown %s '%s'", ExecutorType, c.Executor.Type)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%s must not be empty", KafkaBrokers)
	}
	if len(c.WorkspaceRoot) == 0 {
		return fmt.Errorf("%s must not be empty", WorkspaceRoot)
	}
	return nil
}

// Orchestrator returns the orchestrator settings.
func (c *Config) Orchestrator() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.AcquireTimeout = c.Timeouts.Acquire
	cfg.GenerateTimeout = c.Timeouts.Generate
	cfg.SubmitTimeout = c.Timeouts.Submit
	cfg.BuildTimeout = c.Timeouts.Build
	cfg.Registry = c.Executor.Registry
	cfg.Namespace = c.Executor.Namespace
	return cfg
}
