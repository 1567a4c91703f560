package ingest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// rawLine is one newline-terminated line as read from a source file,
// with enough lineage to trace a stored message back to its origin.
type rawLine struct {
	Text   string
	Offset int64 // byte offset of the line start within the file
	Number int64 // 1-based line number within the file
}

// ParseResult is everything a dialect parser extracted from one source file.
// Message and spawn sequences are local to this parse, starting at 1 per
// thread; the store rebases them onto persisted sequences at commit time.
type ParseResult struct {
	Session  *Session
	Threads  []Thread
	Messages []Message
	Plans    []Plan

	// Spawns maps an agent id to the sequence of the tool call in the main
	// thread that launched it.
	Spawns map[string]int64

	// AgentID is set when the file itself is an agent's own log.
	AgentID string

	Warnings []string
}

func (r *ParseResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// DialectParser turns raw source lines into canonical entities.
type DialectParser interface {
	Name() Dialect
	Parse(src Source, lines []rawLine) (*ParseResult, error)
}

func parserFor(d Dialect) (DialectParser, error) {
	switch d {
	case DialectClaude:
		return &claudeParser{}, nil
	case DialectCodex:
		return &codexParser{}, nil
	}
	return nil, fmt.Errorf("no parser for dialect %q", d)
}

// readIncrement is one incremental read of an append-only log file.
type readIncrement struct {
	Lines     []rawLine
	NewOffset int64
	LineCount int64
	Truncated bool
}

// readNewLines reads the newline-terminated lines appended since the
// checkpoint. A partially written trailing line is left unconsumed so the
// next run picks it up once the writer finishes it. When the file is now
// smaller than the recorded offset it was truncated or replaced and the
// read restarts from the beginning.
func readNewLines(path string, cp SourceCheckpoint) (*readIncrement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	inc := &readIncrement{NewOffset: cp.ByteOffset, LineCount: cp.LineCount}
	if info.Size() < cp.ByteOffset {
		inc.Truncated = true
		inc.NewOffset = 0
		inc.LineCount = 0
	}
	if _, err := f.Seek(inc.NewOffset, io.SeekStart); err != nil {
		return nil, err
	}

	rd := bufio.NewReader(f)
	for {
		chunk, err := rd.ReadString('\n')
		if err == io.EOF {
			// No terminating newline yet; the offset stays before it.
			break
		}
		if err != nil {
			return nil, err
		}
		start := inc.NewOffset
		inc.NewOffset += int64(len(chunk))
		inc.LineCount++
		text := strings.TrimRight(chunk, "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		inc.Lines = append(inc.Lines, rawLine{Text: text, Offset: start, Number: inc.LineCount})
	}
	return inc, nil
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
