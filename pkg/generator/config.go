package generator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const defaultBranch = "main"

var envVarName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config is the complete input to artifact generation.
// Only environment variable names are accepted; values never reach the generator.
type Config struct {
	ProjectID      string
	Branch         string
	Framework      string
	PackageManager string
	BuildCommand   string
	StartCommand   string
	Port           int
	EnvVarNames    []string
}

// Error is returned when generation input cannot be turned into artifacts.
type Error struct {
	Artifact string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generate %s: %s", e.Artifact, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Normalize returns a copy of cfg with canonical names and defaults filled in.
// A package manager that cannot build the framework is replaced with the framework default.
func (cfg Config) Normalize() Config {
	n := cfg
	n.Framework = CanonicalFramework(cfg.Framework)
	n.PackageManager = CanonicalPackageManager(cfg.PackageManager)

	if !packageManagerFits(n.Framework, n.PackageManager) {
		n.PackageManager = defaultPackageManager(n.Framework)
	}

	if len(n.Branch) == 0 {
		n.Branch = defaultBranch
	}

	if n.Port <= 0 {
		n.Port = defaultPorts[familyOf(n.Framework)]
	}

	if len(n.BuildCommand) == 0 {
		n.BuildCommand = buildCommands[n.PackageManager]
	}

	if len(n.StartCommand) == 0 {
		if cmd, ok := frameworkStartCommands[n.Framework]; ok {
			n.StartCommand = cmd
		} else {
			n.StartCommand = startCommands[n.PackageManager]
		}
	}

	n.EnvVarNames = sortedUnique(cfg.EnvVarNames)

	return n
}

// Validate checks that cfg can be rendered without escaping into generated text.
func (cfg Config) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	// commands are written verbatim into Dockerfile instructions
	if strings.IndexFunc(cfg.BuildCommand, unicode.IsControl) >= 0 {
		return fmt.Errorf("build command must be a single line without control characters")
	}
	if strings.IndexFunc(cfg.StartCommand, unicode.IsControl) >= 0 {
		return fmt.Errorf("start command must be a single line without control characters")
	}
	for _, name := range cfg.EnvVarNames {
		if !envVarName.MatchString(name) {
			return fmt.Errorf("invalid environment variable name '%s'", name)
		}
	}
	return nil
}

func sortedUnique(names []string) []string {
	seen := make(map[string]bool, len(names))
	unique := make([]string, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		unique = append(unique, name)
	}
	sort.Strings(unique)
	return unique
}
