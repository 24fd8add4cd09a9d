package acquisition

import (
	"io/fs"
	"path/filepath"
	"sort"
)

// Directories holding version control metadata or dependency caches.
var excludedDirectories = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".pnpm-store":  true,
	".yarn":        true,
	".next":        true,
	".nuxt":        true,
	"target":       true,
	".gradle":      true,
	".cache":       true,
}

// ListFiles returns all regular files below root as sorted, slash separated relative paths.
// Nothing is retained between calls.
func ListFiles(root string) ([]string, error) {
	files := make([]string, 0)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if path != root && excludedDirectories[entry.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
