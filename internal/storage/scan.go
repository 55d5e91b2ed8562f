package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"burrholeprep/internal/models"
)

// FindCases walks root and returns every directory for which match, given
// the set of regular file names in that directory, reports true. Results are
// in lexical path order. Hidden directories are not descended into.
func FindCases(root string, match func(files map[string]bool) bool) ([]models.Case, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: %s is not a directory", root)
	}

	var out []models.Case
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && len(d.Name()) > 0 && d.Name()[0] == '.' {
			return filepath.SkipDir
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return err
		}
		files := make(map[string]bool, len(entries))
		for _, e := range entries {
			if e.Type().IsRegular() {
				files[e.Name()] = true
			}
		}
		if match(files) {
			rel, _ := filepath.Rel(abs, p)
			out = append(out, models.Case{Dir: p, Rel: rel})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan %s: %w", root, err)
	}
	return out, nil
}

// HasAll returns a matcher requiring every named file.
func HasAll(names ...string) func(map[string]bool) bool {
	return func(files map[string]bool) bool {
		for _, n := range names {
			if !files[n] {
				return false
			}
		}
		return true
	}
}

// HasAny returns a matcher requiring at least one of the named files.
func HasAny(names ...string) func(map[string]bool) bool {
	return func(files map[string]bool) bool {
		for _, n := range names {
			if files[n] {
				return true
			}
		}
		return false
	}
}
