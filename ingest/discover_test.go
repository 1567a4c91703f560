package ingest

import (
	"path/filepath"
	"testing"
)

func TestDiscoverFindsBothDialects(t *testing.T) {
	claudeRoot := t.TempDir()
	codexRoot := t.TempDir()

	writeFile(t, filepath.Join(claudeRoot, "projects", "-home-p", "sess.jsonl"), "{}\n")
	writeFile(t, filepath.Join(claudeRoot, "projects", "-home-p", "agent-x.jsonl"), "{}\n")
	writeFile(t, filepath.Join(claudeRoot, "plans", "a-plan.md"), "# A\n")
	writeFile(t, filepath.Join(claudeRoot, "projects", "-home-p", "notes.txt"), "skip\n")
	writeFile(t, filepath.Join(codexRoot, "sessions", "2026", "03", "01", "rollout-x.jsonl"), "{}\n")
	writeFile(t, filepath.Join(codexRoot, "sessions", "2026", "03", "01", "other.jsonl"), "skip\n")

	d := NewDiscoverer(claudeRoot, codexRoot)
	sources, err := d.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 4 {
		t.Fatalf("expected 4 sources, got %d: %+v", len(sources), sources)
	}

	byPath := map[string]Source{}
	for _, s := range sources {
		byPath[filepath.Base(s.Path)] = s
	}
	if s := byPath["sess.jsonl"]; s.Dialect != DialectClaude || s.Kind != KindSession || s.Format != FormatAppendLog {
		t.Fatalf("unexpected classification for sess.jsonl: %+v", s)
	}
	if s := byPath["a-plan.md"]; s.Kind != KindDocument || s.Format != FormatRewritten {
		t.Fatalf("unexpected classification for a-plan.md: %+v", s)
	}
	if s := byPath["rollout-x.jsonl"]; s.Dialect != DialectCodex || s.Kind != KindSession {
		t.Fatalf("unexpected classification for rollout-x.jsonl: %+v", s)
	}
	if _, ok := byPath["notes.txt"]; ok {
		t.Fatal("notes.txt must not match any pattern")
	}
	if _, ok := byPath["other.jsonl"]; ok {
		t.Fatal("other.jsonl must not match the rollout pattern")
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	// Neither assistant installed: zero sources, no error.
	d := NewDiscoverer(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "nope2"))
	sources, err := d.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 0 {
		t.Fatalf("expected no sources, got %d", len(sources))
	}
}

func TestDiscoverStableOrder(t *testing.T) {
	claudeRoot := t.TempDir()
	writeFile(t, filepath.Join(claudeRoot, "projects", "-p", "b.jsonl"), "{}\n")
	writeFile(t, filepath.Join(claudeRoot, "projects", "-p", "a.jsonl"), "{}\n")

	d := NewDiscoverer(claudeRoot, "")
	sources, err := d.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 || filepath.Base(sources[0].Path) != "a.jsonl" {
		t.Fatalf("expected sorted sources, got %+v", sources)
	}
}
