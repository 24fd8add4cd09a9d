package generator

import (
	"strings"
)

type family int

const (
	familyNode family = iota
	familyNextJS
	familyPython
	familyCompiled
)

func (f family) String() string {
	switch f {
	case familyNextJS:
		return "nextjs"
	case familyPython:
		return "python"
	case familyCompiled:
		return "compiled"
	default:
		return "node"
	}
}

const (
	FrameworkNextJS    = "nextjs"
	FrameworkReact     = "react"
	FrameworkVue       = "vue"
	FrameworkVite      = "vite"
	FrameworkAngular   = "angular"
	FrameworkSvelte    = "svelte"
	FrameworkSvelteKit = "sveltekit"
	FrameworkNuxt      = "nuxt"
	FrameworkGatsby    = "gatsby"
	FrameworkAstro     = "astro"
	FrameworkRemix     = "remix"
	FrameworkNestJS    = "nestjs"
	FrameworkExpress   = "express"
	FrameworkFastify   = "fastify"
	FrameworkNode      = "node"
	FrameworkDjango    = "django"
	FrameworkFlask     = "flask"
	FrameworkFastAPI   = "fastapi"
	FrameworkPython    = "python"
	FrameworkGo        = "go"
	FrameworkRust      = "rust"
)

const (
	PackageManagerNPM    = "npm"
	PackageManagerYarn   = "yarn"
	PackageManagerPNPM   = "pnpm"
	PackageManagerBun    = "bun"
	PackageManagerPip    = "pip"
	PackageManagerPoetry = "poetry"
	PackageManagerGo     = "go"
	PackageManagerCargo  = "cargo"
)

var frameworkAliases = map[string]string{
	"next":             FrameworkNextJS,
	"next.js":          FrameworkNextJS,
	"create-react-app": FrameworkReact,
	"cra":              FrameworkReact,
	"reactjs":          FrameworkReact,
	"react.js":         FrameworkReact,
	"vue.js":           FrameworkVue,
	"vuejs":            FrameworkVue,
	"svelte-kit":       FrameworkSvelteKit,
	"nuxt.js":          FrameworkNuxt,
	"nuxtjs":           FrameworkNuxt,
	"nest":             FrameworkNestJS,
	"nest.js":          FrameworkNestJS,
	"express.js":       FrameworkExpress,
	"expressjs":        FrameworkExpress,
	"nodejs":           FrameworkNode,
	"node.js":          FrameworkNode,
	"golang":           FrameworkGo,
}

var frameworkFamilies = map[string]family{
	FrameworkNextJS:    familyNextJS,
	FrameworkReact:     familyNode,
	FrameworkVue:       familyNode,
	FrameworkVite:      familyNode,
	FrameworkAngular:   familyNode,
	FrameworkSvelte:    familyNode,
	FrameworkSvelteKit: familyNode,
	FrameworkNuxt:      familyNode,
	FrameworkGatsby:    familyNode,
	FrameworkAstro:     familyNode,
	FrameworkRemix:     familyNode,
	FrameworkNestJS:    familyNode,
	FrameworkExpress:   familyNode,
	FrameworkFastify:   familyNode,
	FrameworkNode:      familyNode,
	FrameworkDjango:    familyPython,
	FrameworkFlask:     familyPython,
	FrameworkFastAPI:   familyPython,
	FrameworkPython:    familyPython,
	FrameworkGo:        familyCompiled,
	FrameworkRust:      familyCompiled,
}

// Unknown frameworks resolve to defaultOutputDirectory.
const defaultOutputDirectory = "dist"

var outputDirectories = map[string]string{
	FrameworkNextJS:    ".next",
	FrameworkReact:     "build",
	FrameworkVue:       "dist",
	FrameworkVite:      "dist",
	FrameworkAngular:   "dist",
	FrameworkSvelte:    "dist",
	FrameworkSvelteKit: "build",
	FrameworkNuxt:      ".output",
	FrameworkGatsby:    "public",
	FrameworkAstro:     "dist",
	FrameworkRemix:     "build",
	FrameworkNestJS:    "dist",
	FrameworkDjango:    "staticfiles",
	FrameworkGo:        "bin",
	FrameworkRust:      "target/release",
}

var installCommands = map[string]string{
	PackageManagerNPM:    "npm ci",
	PackageManagerYarn:   "yarn install --frozen-lockfile",
	PackageManagerPNPM:   "pnpm install --frozen-lockfile",
	PackageManagerBun:    "bun install --frozen-lockfile",
	PackageManagerPip:    "pip install -r requirements.txt",
	PackageManagerPoetry: "poetry install --no-interaction --no-root",
	PackageManagerGo:     "go mod download",
	PackageManagerCargo:  "cargo fetch",
}

var testCommands = map[string]string{
	PackageManagerNPM:    "npm test",
	PackageManagerYarn:   "yarn test",
	PackageManagerPNPM:   "pnpm test",
	PackageManagerBun:    "bun test",
	PackageManagerPip:    "python -m pytest",
	PackageManagerPoetry: "poetry run pytest",
	PackageManagerGo:     "go test ./...",
	PackageManagerCargo:  "cargo test",
}

var buildCommands = map[string]string{
	PackageManagerNPM:   "npm run build",
	PackageManagerYarn:  "yarn build",
	PackageManagerPNPM:  "pnpm build",
	PackageManagerBun:   "bun run build",
	PackageManagerGo:    "go build -o bin/app .",
	PackageManagerCargo: "cargo build --release",
}

var startCommands = map[string]string{
	PackageManagerNPM:    "npm start",
	PackageManagerYarn:   "yarn start",
	PackageManagerPNPM:   "pnpm start",
	PackageManagerBun:    "bun run start",
	PackageManagerPip:    "python app.py",
	PackageManagerPoetry: "poetry run python app.py",
	PackageManagerGo:     "./bin/app",
	PackageManagerCargo:  "./target/release/app",
}

// Python frameworks have well known production servers.
var frameworkStartCommands = map[string]string{
	FrameworkNextJS:  "node server.js",
	FrameworkDjango:  "gunicorn --bind 0.0.0.0:$PORT wsgi:application",
	FrameworkFlask:   "gunicorn --bind 0.0.0.0:$PORT app:app",
	FrameworkFastAPI: "uvicorn main:app --host 0.0.0.0 --port $PORT",
}

var cacheDirectories = map[string][]string{
	PackageManagerNPM:    {"node_modules", "~/.npm"},
	PackageManagerYarn:   {"node_modules", ".yarn/cache"},
	PackageManagerPNPM:   {"node_modules", "~/.pnpm-store"},
	PackageManagerBun:    {"node_modules", "~/.bun/install/cache"},
	PackageManagerPip:    {"~/.cache/pip"},
	PackageManagerPoetry: {"~/.cache/pypoetry"},
	PackageManagerGo:     {"~/go/pkg/mod", "~/.cache/go-build"},
	PackageManagerCargo:  {"~/.cargo/registry", "target"},
}

var lockfiles = map[string][]string{
	PackageManagerNPM:    {"package.json", "package-lock.json"},
	PackageManagerYarn:   {"package.json", "yarn.lock"},
	PackageManagerPNPM:   {"package.json", "pnpm-lock.yaml"},
	PackageManagerBun:    {"package.json", "bun.lockb"},
	PackageManagerPip:    {"requirements.txt"},
	PackageManagerPoetry: {"pyproject.toml", "poetry.lock*"},
	PackageManagerGo:     {"go.mod", "go.sum*"},
	PackageManagerCargo:  {"Cargo.toml", "Cargo.lock*"},
}

var defaultPorts = map[family]int{
	familyNode:     3000,
	familyNextJS:   3000,
	familyPython:   8000,
	familyCompiled: 8080,
}

// CanonicalFramework maps user or detector supplied framework names onto the names used
// in lookup tables. Unknown names are returned lowercased.
func CanonicalFramework(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "")
	if canonical, ok := frameworkAliases[name]; ok {
		return canonical
	}
	return name
}

func CanonicalPackageManager(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "pip3", "pipenv":
		return PackageManagerPip
	case "golang":
		return PackageManagerGo
	case "rust":
		return PackageManagerCargo
	}
	return name
}

func familyOf(framework string) family {
	if f, ok := frameworkFamilies[framework]; ok {
		return f
	}
	return familyNode
}

// KnownFramework reports whether name resolves to a framework with a dedicated entry.
func KnownFramework(name string) bool {
	_, ok := frameworkFamilies[CanonicalFramework(name)]
	return ok
}

func defaultPackageManager(framework string) string {
	switch framework {
	case FrameworkGo:
		return PackageManagerGo
	case FrameworkRust:
		return PackageManagerCargo
	}
	if familyOf(framework) == familyPython {
		return PackageManagerPip
	}
	return PackageManagerNPM
}

func packageManagerFits(framework, pm string) bool {
	switch pm {
	case PackageManagerNPM, PackageManagerYarn, PackageManagerPNPM, PackageManagerBun:
		f := familyOf(framework)
		return f == familyNode || f == familyNextJS
	case PackageManagerPip, PackageManagerPoetry:
		return familyOf(framework) == familyPython
	case PackageManagerGo:
		return framework == FrameworkGo
	case PackageManagerCargo:
		return framework == FrameworkRust
	}
	return false
}

func outputDirectory(framework string) string {
	if dir, ok := outputDirectories[framework]; ok {
		return dir
	}
	return defaultOutputDirectory
}
