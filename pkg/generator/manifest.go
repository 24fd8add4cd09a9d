package generator

import (
	"encoding/json"
	"fmt"
)

const (
	healthCheckPath     = "/health"
	healthCheckInterval = 30
	healthCheckTimeout  = 10
	healthCheckRetries  = 3

	defaultCPU          = "1"
	defaultMemory       = "512Mi"
	defaultMinReplicas  = 1
	defaultMaxReplicas  = 5
	defaultCPUThreshold = 70
)

type Manifest struct {
	Build       BuildSection      `json:"build"`
	Start       StartSection      `json:"start"`
	Environment map[string]string `json:"environment"`
	HealthCheck HealthCheck       `json:"health_check"`
	Resources   Resources         `json:"resources"`
	Scaling     Scaling           `json:"scaling"`
}

type BuildSection struct {
	Command          string   `json:"command"`
	OutputDirectory  string   `json:"output_directory"`
	CacheDirectories []string `json:"cache_directories"`
}

type StartSection struct {
	Command string `json:"command"`
	Port    int    `json:"port"`
}

type HealthCheck struct {
	Path     string `json:"path"`
	Interval int    `json:"interval"`
	Timeout  int    `json:"timeout"`
	Retries  int    `json:"retries"`
}

type Resources struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

type Scaling struct {
	MinReplicas          int `json:"min_replicas"`
	MaxReplicas          int `json:"max_replicas"`
	TargetCPUUtilization int `json:"target_cpu_utilization"`
}

// RuntimeManifest describes how the platform builds, starts and scales the application.
// Environment values are placeholders resolved by the secret store at execution time.
func RuntimeManifest(cfg Config) Manifest {
	cfg = cfg.Normalize()

	caches := make([]string, 0)
	caches = append(caches, cacheDirectories[cfg.PackageManager]...)
	if cfg.Framework == FrameworkNextJS {
		caches = append(caches, ".next/cache")
	}

	environment := make(map[string]string, len(cfg.EnvVarNames))
	for _, name := range cfg.EnvVarNames {
		environment[name] = fmt.Sprintf("${%s}", name)
	}

	return Manifest{
		Build: BuildSection{
			Command:          cfg.BuildCommand,
			OutputDirectory:  outputDirectory(cfg.Framework),
			CacheDirectories: caches,
		},
		Start: StartSection{
			Command: cfg.StartCommand,
			Port:    cfg.Port,
		},
		Environment: environment,
		HealthCheck: HealthCheck{
			Path:     healthCheckPath,
			Interval: healthCheckInterval,
			Timeout:  healthCheckTimeout,
			Retries:  healthCheckRetries,
		},
		Resources: Resources{
			CPU:    defaultCPU,
			Memory: defaultMemory,
		},
		Scaling: Scaling{
			MinReplicas:          defaultMinReplicas,
			MaxReplicas:          defaultMaxReplicas,
			TargetCPUUtilization: defaultCPUThreshold,
		},
	}
}

func (m Manifest) JSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
