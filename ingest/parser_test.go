package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadNewLinesFromStart(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, p, "{\"a\":1}\n{\"a\":2}\n")

	inc, err := readNewLines(p, SourceCheckpoint{})
	if err != nil {
		t.Fatal(err)
	}
	if len(inc.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(inc.Lines))
	}
	if inc.Lines[0].Offset != 0 || inc.Lines[0].Number != 1 {
		t.Fatalf("unexpected lineage for first line: offset=%d number=%d", inc.Lines[0].Offset, inc.Lines[0].Number)
	}
	if inc.Lines[1].Offset != 8 || inc.Lines[1].Number != 2 {
		t.Fatalf("unexpected lineage for second line: offset=%d number=%d", inc.Lines[1].Offset, inc.Lines[1].Number)
	}
	if inc.NewOffset != 16 || inc.LineCount != 2 {
		t.Fatalf("unexpected checkpoint: offset=%d lines=%d", inc.NewOffset, inc.LineCount)
	}
}

func TestReadNewLinesLeavesPartialLine(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, p, "{\"a\":1}\n{\"a\":2")

	inc, err := readNewLines(p, SourceCheckpoint{})
	if err != nil {
		t.Fatal(err)
	}
	if len(inc.Lines) != 1 {
		t.Fatalf("expected 1 complete line, got %d", len(inc.Lines))
	}
	if inc.NewOffset != 8 {
		t.Fatalf("offset must stop before the partial line, got %d", inc.NewOffset)
	}

	// Writer finishes the line; the next read picks it up whole.
	writeFile(t, p, "{\"a\":1}\n{\"a\":2}\n")
	inc2, err := readNewLines(p, SourceCheckpoint{ByteOffset: inc.NewOffset, LineCount: inc.LineCount})
	if err != nil {
		t.Fatal(err)
	}
	if len(inc2.Lines) != 1 || inc2.Lines[0].Text != "{\"a\":2}" {
		t.Fatalf("expected the completed line on resume, got %+v", inc2.Lines)
	}
	if inc2.Lines[0].Number != 2 {
		t.Fatalf("expected absolute line number 2, got %d", inc2.Lines[0].Number)
	}
}

func TestReadNewLinesResume(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, p, "one\n")
	inc, err := readNewLines(p, SourceCheckpoint{})
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("two\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	inc2, err := readNewLines(p, SourceCheckpoint{ByteOffset: inc.NewOffset, LineCount: inc.LineCount})
	if err != nil {
		t.Fatal(err)
	}
	if len(inc2.Lines) != 1 || inc2.Lines[0].Text != "two" {
		t.Fatalf("expected only the appended line, got %+v", inc2.Lines)
	}
}

func TestReadNewLinesTruncation(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, p, "one\ntwo\nthree\n")
	inc, err := readNewLines(p, SourceCheckpoint{})
	if err != nil {
		t.Fatal(err)
	}

	// File replaced with something shorter than the checkpoint.
	writeFile(t, p, "fresh\n")
	inc2, err := readNewLines(p, SourceCheckpoint{ByteOffset: inc.NewOffset, LineCount: inc.LineCount})
	if err != nil {
		t.Fatal(err)
	}
	if !inc2.Truncated {
		t.Fatal("expected truncation to be detected")
	}
	if len(inc2.Lines) != 1 || inc2.Lines[0].Text != "fresh" {
		t.Fatalf("expected re-read from start, got %+v", inc2.Lines)
	}
	if inc2.Lines[0].Number != 1 {
		t.Fatalf("line numbering must restart after truncation, got %d", inc2.Lines[0].Number)
	}
}

func TestReadNewLinesSkipsBlankLines(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, p, "one\n\n  \ntwo\n")

	inc, err := readNewLines(p, SourceCheckpoint{})
	if err != nil {
		t.Fatal(err)
	}
	if len(inc.Lines) != 2 {
		t.Fatalf("expected blank lines skipped, got %d lines", len(inc.Lines))
	}
	// Blank lines still advance the offset and line count.
	if inc.LineCount != 4 {
		t.Fatalf("expected 4 physical lines counted, got %d", inc.LineCount)
	}
}
