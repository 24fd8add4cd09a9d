// Package detect works out how a repository should be built from the files it contains.
package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/nais/pipelined/pkg/generator"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
)

// OverrideFile is read from the repository root when present.
const OverrideFile = ".pipelined.yaml"

type Settings struct {
	Framework      string `json:"framework,omitempty"`
	PackageManager string `json:"packageManager,omitempty"`
	BuildCommand   string `json:"buildCommand,omitempty"`
	StartCommand   string `json:"startCommand,omitempty"`
	Port           int    `json:"port,omitempty"`
}

// merge fills empty fields in s from fallback.
func (s Settings) merge(fallback Settings) Settings {
	if len(s.Framework) == 0 {
		s.Framework = fallback.Framework
	}
	if len(s.PackageManager) == 0 {
		s.PackageManager = fallback.PackageManager
	}
	if len(s.BuildCommand) == 0 {
		s.BuildCommand = fallback.BuildCommand
	}
	if len(s.StartCommand) == 0 {
		s.StartCommand = fallback.StartCommand
	}
	if s.Port == 0 {
		s.Port = fallback.Port
	}
	return s
}

// Resolve combines project settings, the repository override file and detection,
// in that order of precedence.
func Resolve(project deployment.Project, root string, files []string) (Settings, error) {
	settings := Settings{
		Framework:      project.Framework,
		PackageManager: project.PackageManager,
		BuildCommand:   project.BuildCommand,
		StartCommand:   project.StartCommand,
		Port:           project.Port,
	}

	override, err := ReadOverrideFile(root)
	if err != nil {
		return Settings{}, err
	}
	settings = settings.merge(override)

	return settings.merge(Detect(root, files)), nil
}

// ReadOverrideFile parses the override file, returning empty settings if there is none.
func ReadOverrideFile(root string) (Settings, error) {
	settings := Settings{}

	data, err := os.ReadFile(filepath.Join(root, OverrideFile))
	if os.IsNotExist(err) {
		return settings, nil
	} else if err != nil {
		return settings, err
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("parse %s: %w", OverrideFile, err)
	}
	return settings, nil
}

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
}

func (p packageJSON) has(name string) bool {
	_, dep := p.Dependencies[name]
	_, dev := p.DevDependencies[name]
	return dep || dev
}

// Checked in order; meta frameworks come before the libraries they build on.
var nodeFrameworks = []struct {
	dependency string
	framework  string
}{
	{"next", generator.FrameworkNextJS},
	{"nuxt", generator.FrameworkNuxt},
	{"@sveltejs/kit", generator.FrameworkSvelteKit},
	{"gatsby", generator.FrameworkGatsby},
	{"astro", generator.FrameworkAstro},
	{"@remix-run/react", generator.FrameworkRemix},
	{"@nestjs/core", generator.FrameworkNestJS},
	{"@angular/core", generator.FrameworkAngular},
	{"react-scripts", generator.FrameworkReact},
	{"vue", generator.FrameworkVue},
	{"svelte", generator.FrameworkSvelte},
	{"vite", generator.FrameworkVite},
	{"react", generator.FrameworkReact},
	{"fastify", generator.FrameworkFastify},
	{"express", generator.FrameworkExpress},
}

var pythonFrameworks = []string{
	generator.FrameworkDjango,
	generator.FrameworkFastAPI,
	generator.FrameworkFlask,
}

var lockfiles = []struct {
	file           string
	packageManager string
}{
	{"pnpm-lock.yaml", generator.PackageManagerPNPM},
	{"yarn.lock", generator.PackageManagerYarn},
	{"bun.lockb", generator.PackageManagerBun},
	{"bun.lock", generator.PackageManagerBun},
	{"package-lock.json", generator.PackageManagerNPM},
	{"poetry.lock", generator.PackageManagerPoetry},
	{"requirements.txt", generator.PackageManagerPip},
	{"go.mod", generator.PackageManagerGo},
	{"Cargo.toml", generator.PackageManagerCargo},
}

// Detect inspects top level marker files. Fields it cannot determine are left empty.
func Detect(root string, files []string) Settings {
	top := make(map[string]bool)
	for _, file := range files {
		if !strings.Contains(file, "/") {
			top[file] = true
		}
	}

	settings := Settings{}
	for _, lock := range lockfiles {
		if top[lock.file] {
			settings.PackageManager = lock.packageManager
			break
		}
	}

	switch {
	case top["package.json"]:
		settings.Framework = generator.FrameworkNode
		pkg := packageJSON{}
		if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
			_ = json.Unmarshal(data, &pkg)
		}
		for _, candidate := range nodeFrameworks {
			if pkg.has(candidate.dependency) {
				settings.Framework = candidate.framework
				break
			}
		}
		if len(settings.PackageManager) == 0 && len(pkg.PackageManager) > 0 {
			// corepack style "pnpm@9.1.0"
			settings.PackageManager = strings.SplitN(pkg.PackageManager, "@", 2)[0]
		}
		for _, name := range []string{"next.config.js", "next.config.mjs", "next.config.ts"} {
			if top[name] {
				settings.Framework = generator.FrameworkNextJS
			}
		}

	case top["requirements.txt"] || top["pyproject.toml"]:
		settings.Framework = generator.FrameworkPython
		requirements := readLower(root, "requirements.txt") + readLower(root, "pyproject.toml")
		for _, framework := range pythonFrameworks {
			if strings.Contains(requirements, framework) {
				settings.Framework = framework
				break
			}
		}
		if len(settings.PackageManager) == 0 {
			settings.PackageManager = generator.PackageManagerPip
		}

	case top["go.mod"]:
		settings.Framework = generator.FrameworkGo

	case top["Cargo.toml"]:
		settings.Framework = generator.FrameworkRust
	}

	return settings
}

func readLower(root, name string) string {
	data, err := os.ReadFile(filepath.Join(root, name))
	if err != nil {
		return ""
	}
	return strings.ToLower(string(data))
}
