package ingest

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Source is one file a dialect claims on disk.
type Source struct {
	Path    string
	Dialect Dialect
	Kind    SourceKind
	Format  SourceFormat
}

type sourcePattern struct {
	glob   string
	kind   SourceKind
	format SourceFormat
}

// Discoverer enumerates log and document files under the configured
// assistant roots. A missing root is normal (the assistant may not be
// installed) and yields zero sources for that dialect.
type Discoverer struct {
	ClaudeRoot string
	CodexRoot  string
}

func NewDiscoverer(claudeRoot, codexRoot string) *Discoverer {
	return &Discoverer{ClaudeRoot: claudeRoot, CodexRoot: codexRoot}
}

// DefaultRoots resolves the conventional install locations under $HOME.
func DefaultRoots() (claudeRoot, codexRoot string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(home, ".claude"), filepath.Join(home, ".codex"), nil
}

var claudePatterns = []sourcePattern{
	{glob: filepath.Join("projects", "*", "*.jsonl"), kind: KindSession, format: FormatAppendLog},
	{glob: filepath.Join("plans", "*.md"), kind: KindDocument, format: FormatRewritten},
}

var codexPatterns = []sourcePattern{
	{glob: filepath.Join("sessions", "**", "rollout-*.jsonl"), kind: KindSession, format: FormatAppendLog},
}

// Discover walks both roots and returns every matching file, sorted by path
// so runs process sources in a stable order.
func (d *Discoverer) Discover() ([]Source, error) {
	var out []Source
	seen := map[string]struct{}{}

	appendPattern := func(root string, dialect Dialect, pat sourcePattern) error {
		matches, err := expandGlobWithDoubleStar(filepath.Join(root, pat.glob))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, Source{Path: m, Dialect: dialect, Kind: pat.kind, Format: pat.format})
		}
		return nil
	}

	if rootExists(d.ClaudeRoot) {
		for _, pat := range claudePatterns {
			if err := appendPattern(d.ClaudeRoot, DialectClaude, pat); err != nil {
				return nil, err
			}
		}
	}
	if rootExists(d.CodexRoot) {
		for _, pat := range codexPatterns {
			if err := appendPattern(d.CodexRoot, DialectCodex, pat); err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func rootExists(root string) bool {
	if strings.TrimSpace(root) == "" {
		return false
	}
	info, err := os.Stat(root)
	return err == nil && info.IsDir()
}

func expandGlobWithDoubleStar(pattern string) ([]string, error) {
	// Go's filepath.Glob doesn't support **; implement a minimal recursive matcher.
	if !strings.Contains(pattern, "**") {
		return filepath.Glob(pattern)
	}

	// Split at the first ** occurrence.
	idx := strings.Index(pattern, "**")
	basePart := strings.TrimRight(pattern[:idx], string(filepath.Separator)+"/")
	if basePart == "" {
		basePart = "."
	}
	basePart = filepath.Clean(basePart)

	suffix := pattern[idx+2:]
	suffix = strings.TrimLeft(suffix, string(filepath.Separator)+"/")
	if suffix == "" {
		suffix = "*"
	}

	baseSlash := filepath.ToSlash(basePart)
	suffixSlash := filepath.ToSlash(suffix)
	matchBasenameOnly := !strings.Contains(suffixSlash, "/")

	var matches []string
	err := filepath.WalkDir(basePart, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		pSlash := filepath.ToSlash(p)
		rel := strings.TrimPrefix(pSlash, baseSlash)
		rel = strings.TrimLeft(rel, "/")
		candidate := rel
		if matchBasenameOnly {
			candidate = path.Base(rel)
		}
		ok, matchErr := path.Match(suffixSlash, candidate)
		if matchErr != nil {
			return matchErr
		}
		if ok {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}
