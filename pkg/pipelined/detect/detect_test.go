package detect_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nais/pipelined/pkg/pipelined/detect"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRepository(t *testing.T, files map[string]string) (string, []string) {
	root := t.TempDir()
	names := make([]string, 0, len(files))
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		names = append(names, name)
	}
	return root, names
}

func TestDetect(t *testing.T) {
	for _, test := range []struct {
		name     string
		files    map[string]string
		expected detect.Settings
	}{
		{
			name: "next.js with pnpm",
			files: map[string]string{
				"package.json":   `{"dependencies":{"next":"14.1.0","react":"18.2.0"}}`,
				"pnpm-lock.yaml": "",
			},
			expected: detect.Settings{Framework: "nextjs", PackageManager: "pnpm"},
		},
		{
			name: "next config without dependency",
			files: map[string]string{
				"package.json":   `{}`,
				"next.config.js": "",
				"yarn.lock":      "",
			},
			expected: detect.Settings{Framework: "nextjs", PackageManager: "yarn"},
		},
		{
			name: "vite react app, corepack package manager",
			files: map[string]string{
				"package.json": `{"packageManager":"bun@1.1.0","devDependencies":{"vite":"5.0.0"},"dependencies":{"react":"18"}}`,
			},
			expected: detect.Settings{Framework: "vite", PackageManager: "bun"},
		},
		{
			name: "plain node",
			files: map[string]string{
				"package.json":      `{"dependencies":{"lodash":"4"}}`,
				"package-lock.json": "",
			},
			expected: detect.Settings{Framework: "node", PackageManager: "npm"},
		},
		{
			name: "fastapi with poetry",
			files: map[string]string{
				"pyproject.toml": "[tool.poetry.dependencies]\nFastAPI = \"^0.110\"\n",
				"poetry.lock":    "",
			},
			expected: detect.Settings{Framework: "fastapi", PackageManager: "poetry"},
		},
		{
			name: "django with pip",
			files: map[string]string{
				"requirements.txt": "Django==5.0\ngunicorn\n",
			},
			expected: detect.Settings{Framework: "django", PackageManager: "pip"},
		},
		{
			name:     "go",
			files:    map[string]string{"go.mod": "module x", "main.go": "package main"},
			expected: detect.Settings{Framework: "go", PackageManager: "go"},
		},
		{
			name:     "rust",
			files:    map[string]string{"Cargo.toml": "[package]"},
			expected: detect.Settings{Framework: "rust", PackageManager: "cargo"},
		},
		{
			name:     "nested markers are ignored",
			files:    map[string]string{"docs/package.json": `{"dependencies":{"next":"1"}}`, "README.md": ""},
			expected: detect.Settings{},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			root, files := writeRepository(t, test.files)
			assert.Equal(t, test.expected, detect.Detect(root, files))
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	root, files := writeRepository(t, map[string]string{
		"package.json":      `{"dependencies":{"next":"14"}}`,
		"package-lock.json": "",
		detect.OverrideFile: "packageManager: yarn\nbuildCommand: yarn build:prod\nport: 8080\n",
	})

	project := deployment.Project{
		BuildCommand: "make build",
	}

	settings, err := detect.Resolve(project, root, files)
	require.NoError(t, err)
	assert.Equal(t, detect.Settings{
		Framework:      "nextjs",
		PackageManager: "yarn",
		BuildCommand:   "make build",
		Port:           8080,
	}, settings)
}

func TestReadOverrideFile(t *testing.T) {
	root, _ := writeRepository(t, map[string]string{})
	settings, err := detect.ReadOverrideFile(root)
	assert.NoError(t, err)
	assert.Equal(t, detect.Settings{}, settings)

	root, _ = writeRepository(t, map[string]string{detect.OverrideFile: "port: [not a number"})
	_, err = detect.ReadOverrideFile(root)
	assert.Error(t, err)
}
