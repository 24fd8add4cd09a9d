package generator

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

const (
	nodeVersion   = "20"
	pythonVersion = "3.12"

	deployAction = "nais/pipelined-action@v1"
	tokenSecret  = "PIPELINED_TOKEN"
	manifestFile = "pipelined.json"
)

type workflow struct {
	Name string                 `yaml:"name"`
	On   workflowTrigger        `yaml:"on"`
	Jobs map[string]workflowJob `yaml:"jobs"`
}

type workflowTrigger struct {
	Push             branchFilter      `yaml:"push"`
	WorkflowDispatch map[string]string `yaml:"workflow_dispatch"`
}

type branchFilter struct {
	Branches []string `yaml:"branches"`
}

type workflowJob struct {
	RunsOn string        `yaml:"runs-on"`
	Env    yaml.MapSlice `yaml:"env,omitempty"`
	Steps  []step        `yaml:"steps"`
}

type step struct {
	Name            string        `yaml:"name"`
	Uses            string        `yaml:"uses,omitempty"`
	With            yaml.MapSlice `yaml:"with,omitempty"`
	Run             string        `yaml:"run,omitempty"`
	ContinueOnError bool          `yaml:"continue-on-error,omitempty"`
}

func secretRef(name string) string {
	return fmt.Sprintf("${{ secrets.%s }}", name)
}

func with(pairs ...string) yaml.MapSlice {
	slice := make(yaml.MapSlice, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		slice = append(slice, yaml.MapItem{Key: pairs[i], Value: pairs[i+1]})
	}
	return slice
}

func setupSteps(packageManager string) []step {
	switch packageManager {
	case PackageManagerPNPM:
		return []step{
			{Name: "Set up pnpm", Uses: "pnpm/action-setup@v4", With: with("version", "9")},
			{Name: "Set up Node.js", Uses: "actions/setup-node@v4", With: with("node-version", nodeVersion, "cache", "pnpm")},
		}
	case PackageManagerYarn:
		return []step{{Name: "Set up Node.js", Uses: "actions/setup-node@v4", With: with("node-version", nodeVersion, "cache", "yarn")}}
	case PackageManagerBun:
		return []step{{Name: "Set up Bun", Uses: "oven-sh/setup-bun@v2", With: with("bun-version", "latest")}}
	case PackageManagerPip:
		return []step{{Name: "Set up Python", Uses: "actions/setup-python@v5", With: with("python-version", pythonVersion, "cache", "pip")}}
	case PackageManagerPoetry:
		return []step{
			{Name: "Install Poetry", Run: "pipx install poetry"},
			{Name: "Set up Python", Uses: "actions/setup-python@v5", With: with("python-version", pythonVersion, "cache", "poetry")},
		}
	case PackageManagerGo:
		return []step{{Name: "Set up Go", Uses: "actions/setup-go@v5", With: with("go-version-file", "go.mod")}}
	case PackageManagerCargo:
		return []step{{Name: "Set up Rust", Uses: "dtolnay/rust-toolchain@stable"}}
	default:
		return []step{{Name: "Set up Node.js", Uses: "actions/setup-node@v4", With: with("node-version", nodeVersion, "cache", "npm")}}
	}
}

// CIWorkflow renders a GitHub Actions workflow that builds, tests and deploys the project.
// Environment variables are referenced as repository secrets.
func CIWorkflow(cfg Config) (string, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return "", &Error{Artifact: "workflow", Err: err}
	}

	steps := []step{{Name: "Check out repository", Uses: "actions/checkout@v4"}}
	steps = append(steps, setupSteps(cfg.PackageManager)...)
	steps = append(steps, step{Name: "Install dependencies", Run: installCommands[cfg.PackageManager]})
	if len(cfg.BuildCommand) > 0 {
		steps = append(steps, step{Name: "Build", Run: cfg.BuildCommand})
	}
	steps = append(steps,
		step{Name: "Test", Run: testCommands[cfg.PackageManager], ContinueOnError: true},
		step{
			Name: "Deploy",
			Uses: deployAction,
			With: with(
				"project-id", cfg.ProjectID,
				"manifest", manifestFile,
				"token", secretRef(tokenSecret),
			),
		},
	)

	env := make(yaml.MapSlice, 0, len(cfg.EnvVarNames))
	for _, name := range cfg.EnvVarNames {
		env = append(env, yaml.MapItem{Key: name, Value: secretRef(name)})
	}

	wf := workflow{
		Name: "Build and deploy",
		On: workflowTrigger{
			Push:             branchFilter{Branches: []string{cfg.Branch}},
			WorkflowDispatch: map[string]string{},
		},
		Jobs: map[string]workflowJob{
			"deploy": {
				RunsOn: "ubuntu-latest",
				Env:    env,
				Steps:  steps,
			},
		},
	}

	out, err := yaml.Marshal(wf)
	if err != nil {
		return "", &Error{Artifact: "workflow", Err: err}
	}
	return string(out), nil
}
