// Package fuzzyfile implements the §4.9 fuzzy file suggestion contract: a
// deterministic scoring of every file under a search root against a query
// string, for the workspace/task file-picker endpoint.
package fuzzyfile

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// blacklistedDirs is pruned outright during the walk, matching §4.9's fixed
// directory blacklist. Dotfile-prefixed directory names are pruned too,
// handled separately since `.git` is the one exception.
var blacklistedDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "__pycache__": {}, ".next": {}, "dist": {},
	"build": {}, ".venv": {}, "venv": {}, "env": {}, ".mypy_cache": {},
	".pytest_cache": {}, ".ruff_cache": {}, "target": {}, ".cargo": {},
	"vendor": {}, "coverage": {}, ".nyc_output": {}, "tasks": {}, ".idea": {},
	".vscode": {}, "out": {}, "tmp": {}, ".turbo": {},
}

// Suggestion is one scored match.
type Suggestion struct {
	Path  string
	Score int
}

// Suggest walks root and returns up to limit paths (relative to root)
// matching query, scored and ordered per §4.9.
func Suggest(root, query string, limit int) ([]Suggestion, error) {
	q := strings.ToLower(query)

	var matches []Suggestion
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if _, blocked := blacklistedDirs[name]; blocked || strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		score := scoreMatch(q, name, rel)
		if score > 0 {
			matches = append(matches, Suggestion{Path: rel, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Path < matches[j].Path
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// scoreMatch implements §4.9's exact scoring table. q must already be
// lower-cased; basename and path are case-folded here.
func scoreMatch(q, basename, path string) int {
	if q == "" {
		return 1
	}

	base := strings.ToLower(basename)
	stem := base
	if ext := filepath.Ext(base); ext != "" {
		stem = strings.TrimSuffix(base, ext)
	}
	foldedPath := strings.ToLower(path)

	switch {
	case base == q || stem == q:
		return 1000
	case strings.HasPrefix(base, q) || strings.HasPrefix(stem, q):
		return 900
	case strings.Contains(base, q):
		return 700
	case strings.Contains(foldedPath, q):
		return 500
	case isSubsequence(q, base):
		return 300
	case isSubsequence(q, foldedPath):
		return 100
	default:
		return 0
	}
}

// isSubsequence reports whether every rune of q appears in s in order,
// not necessarily contiguously.
func isSubsequence(q, s string) bool {
	qr := []rune(q)
	if len(qr) == 0 {
		return true
	}
	i := 0
	for _, r := range s {
		if r == qr[i] {
			i++
			if i == len(qr) {
				return true
			}
		}
	}
	return false
}
