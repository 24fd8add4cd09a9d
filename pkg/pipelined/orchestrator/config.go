package orchestrator

import (
	"time"
)

type Config struct {
	// Ceilings for the blocking pipeline steps. A step that exceeds its ceiling fails the deployment.
	AcquireTimeout  time.Duration
	GenerateTimeout time.Duration
	SubmitTimeout   time.Duration
	// BuildTimeout fails deployments that stay in BUILDING or DEPLOYING for too long. Zero disables it.
	BuildTimeout time.Duration

	PublishRetries  int
	PublishInterval time.Duration

	// Passed through to the executor.
	Registry  string
	Namespace string
}

func DefaultConfig() Config {
	return Config{
		AcquireTimeout:  10 * time.Minute,
		GenerateTimeout: 30 * time.Second,
		SubmitTimeout:   2 * time.Minute,
		BuildTimeout:    time.Hour,
		PublishRetries:  5,
		PublishInterval: 500 * time.Millisecond,
	}
}
