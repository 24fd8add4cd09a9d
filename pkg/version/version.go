package version

import (
	"time"
)

// Set at build time with -ldflags "-X github.com/nais/pipelined/pkg/version.version=..."
var (
	version   = "unknown"
	buildTime = "0"
)

func Version() string {
	return version
}

func BuildTime() time.Time {
	t, err := time.Parse(time.RFC3339, buildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
