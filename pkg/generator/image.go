package generator

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	nodeImage   = "node:20-alpine"
	bunImage    = "oven/bun:1-alpine"
	pythonImage = "python:3.12-slim"
	goImage     = "golang:1.22-alpine"
	rustImage   = "rust:1.79-slim"
)

type instruction struct {
	keyword string
	args    string
}

type stage struct {
	from         string
	name         string
	instructions []instruction
}

func newStage(from, name string) *stage {
	return &stage{from: from, name: name}
}

func (s *stage) add(keyword, format string, args ...interface{}) *stage {
	s.instructions = append(s.instructions, instruction{keyword: keyword, args: fmt.Sprintf(format, args...)})
	return s
}

func (s *stage) workdir(dir string) *stage {
	return s.add("WORKDIR", "%s", dir)
}

func (s *stage) copy(src ...string) *stage {
	return s.add("COPY", "%s", strings.Join(src, " "))
}

func (s *stage) run(command string) *stage {
	if len(command) == 0 {
		return s
	}
	return s.add("RUN", "%s", command)
}

func (s *stage) env(key, value string) *stage {
	return s.add("ENV", "%s=%s", key, value)
}

func (s *stage) expose(port int) *stage {
	return s.add("EXPOSE", "%d", port)
}

func (s *stage) healthcheck(command string) *stage {
	return s.add("HEALTHCHECK", "--interval=%ds --timeout=%ds --retries=%d CMD %s",
		healthCheckInterval, healthCheckTimeout, healthCheckRetries, command)
}

func (s *stage) cmd(argv ...string) *stage {
	encoded, _ := json.Marshal(argv)
	return s.add("CMD", "%s", encoded)
}

func (s *stage) shellCmd(command string) *stage {
	return s.cmd("sh", "-c", command)
}

type imageDefinition struct {
	stages []*stage
}

func (d *imageDefinition) String() string {
	var b strings.Builder
	for i, s := range d.stages {
		if i > 0 {
			b.WriteString("\n")
		}
		if len(s.name) > 0 {
			fmt.Fprintf(&b, "FROM %s AS %s\n", s.from, s.name)
		} else {
			fmt.Fprintf(&b, "FROM %s\n", s.from)
		}
		for _, in := range s.instructions {
			fmt.Fprintf(&b, "%s %s\n", in.keyword, in.args)
		}
	}
	return b.String()
}

type imageBuilder func(cfg Config) *imageDefinition

var imageBuilders = map[family]imageBuilder{
	familyNextJS:   nextJSImage,
	familyNode:     nodeImageDefinition,
	familyPython:   pythonImageDefinition,
	familyCompiled: compiledImage,
}

// ContainerImage renders the container image definition for the framework family of cfg.
// Unknown frameworks use the generic single stage Node.js image.
func ContainerImage(cfg Config) string {
	cfg = cfg.Normalize()
	build, ok := imageBuilders[familyOf(cfg.Framework)]
	if !ok {
		build = nodeImageDefinition
	}
	return build(cfg).String()
}

func httpHealthcheck(port int) string {
	return fmt.Sprintf("wget -qO- http://localhost:%d%s || exit 1", port, healthCheckPath)
}

func corepack(s *stage, pm string) {
	if pm == PackageManagerPNPM || pm == PackageManagerYarn {
		s.run("corepack enable")
	}
}

// dependencyFiles returns the COPY sources needed to install dependencies, followed by the destination.
func dependencyFiles(pm string) []string {
	files := make([]string, 0, len(lockfiles[pm])+1)
	files = append(files, lockfiles[pm]...)
	return append(files, "./")
}

func nodeBaseImage(pm string) string {
	if pm == PackageManagerBun {
		return bunImage
	}
	return nodeImage
}

// Static assets and the standalone server are copied separately out of the build stage.
func nextJSImage(cfg Config) *imageDefinition {
	base := nodeBaseImage(cfg.PackageManager)
	port := fmt.Sprint(cfg.Port)

	deps := newStage(base, "deps").workdir("/app")
	corepack(deps, cfg.PackageManager)
	deps.copy(dependencyFiles(cfg.PackageManager)...)
	deps.run(installCommands[cfg.PackageManager])

	builder := newStage(base, "builder").workdir("/app")
	corepack(builder, cfg.PackageManager)
	builder.copy("--from=deps", "/app/node_modules", "./node_modules").
		copy(".", ".").
		env("NEXT_TELEMETRY_DISABLED", "1").
		run(cfg.BuildCommand)

	runner := newStage(base, "runner").workdir("/app").
		env("NODE_ENV", "production").
		env("NEXT_TELEMETRY_DISABLED", "1").
		env("PORT", port).
		env("HOSTNAME", "0.0.0.0").
		run("addgroup --system --gid 1001 nodejs && adduser --system --uid 1001 nextjs").
		copy("--from=builder", "/app/public", "./public").
		copy("--from=builder", "--chown=nextjs:nodejs", "/app/.next/standalone", "./").
		copy("--from=builder", "--chown=nextjs:nodejs", "/app/.next/static", "./.next/static").
		add("USER", "nextjs").
		expose(cfg.Port).
		healthcheck(httpHealthcheck(cfg.Port)).
		cmd("node", "server.js")

	return &imageDefinition{stages: []*stage{deps, builder, runner}}
}

func nodeImageDefinition(cfg Config) *imageDefinition {
	s := newStage(nodeBaseImage(cfg.PackageManager), "").workdir("/app")
	corepack(s, cfg.PackageManager)
	s.copy(dependencyFiles(cfg.PackageManager)...).
		run(installCommands[cfg.PackageManager]).
		copy(".", ".").
		run(cfg.BuildCommand).
		env("NODE_ENV", "production").
		env("PORT", fmt.Sprint(cfg.Port)).
		expose(cfg.Port).
		healthcheck(httpHealthcheck(cfg.Port)).
		shellCmd(cfg.StartCommand)

	return &imageDefinition{stages: []*stage{s}}
}

func pythonImageDefinition(cfg Config) *imageDefinition {
	s := newStage(pythonImage, "").
		env("PYTHONDONTWRITEBYTECODE", "1").
		env("PYTHONUNBUFFERED", "1").
		env("PIP_NO_CACHE_DIR", "1").
		env("PORT", fmt.Sprint(cfg.Port)).
		workdir("/app").
		copy(dependencyFiles(cfg.PackageManager)...)

	if cfg.PackageManager == PackageManagerPoetry {
		s.run("pip install poetry && poetry config virtualenvs.create false")
	}

	s.run(installCommands[cfg.PackageManager]).
		copy(".", ".").
		run(cfg.BuildCommand).
		run("useradd --create-home --uid 1001 app").
		add("USER", "app").
		expose(cfg.Port).
		healthcheck(fmt.Sprintf(`python -c "import urllib.request; urllib.request.urlopen('http://localhost:%d%s')" || exit 1`, cfg.Port, healthCheckPath)).
		shellCmd(cfg.StartCommand)

	return &imageDefinition{stages: []*stage{s}}
}

func compiledImage(cfg Config) *imageDefinition {
	output := outputDirectory(cfg.Framework)

	var builder, runtime *stage
	if cfg.PackageManager == PackageManagerCargo {
		builder = newStage(rustImage, "builder")
		runtime = newStage("debian:bookworm-slim", "runtime").
			run("apt-get update && apt-get install -y --no-install-recommends ca-certificates wget && rm -rf /var/lib/apt/lists/*")
	} else {
		builder = newStage(goImage, "builder").env("CGO_ENABLED", "0")
		runtime = newStage("alpine:3.20", "runtime").
			run("apk add --no-cache ca-certificates")
	}

	builder.workdir("/src").
		copy(dependencyFiles(cfg.PackageManager)...).
		run(installCommands[cfg.PackageManager]).
		copy(".", ".").
		run(cfg.BuildCommand)

	runtime.workdir("/app").
		copy("--from=builder", "/src/"+output, "./"+output).
		env("PORT", fmt.Sprint(cfg.Port)).
		run("adduser -D -u 1001 app || useradd --uid 1001 app").
		add("USER", "app").
		expose(cfg.Port).
		healthcheck(httpHealthcheck(cfg.Port)).
		shellCmd(cfg.StartCommand)

	return &imageDefinition{stages: []*stage{builder, runtime}}
}
