package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type CoordinatorConfig struct {
	// DBPath is the canonical store. Required.
	DBPath string
	// Assistant roots. Empty values fall back to the conventional
	// locations under $HOME.
	ClaudeRoot string
	CodexRoot  string
	// Disabled dialects are never scanned, whatever their root holds.
	DisableClaude bool
	DisableCodex  bool
	// PublisherAddr enables downstream publishing when non-empty.
	PublisherAddr    string
	PublishBatchSize int
	Debug            bool
	Timeout          time.Duration
	PollInterval     time.Duration
}

// Coordinator drives one ingest cycle: discover sources, parse what changed,
// commit per file, publish pending messages, resolve agent spawns.
type Coordinator struct {
	cfg        CoordinatorConfig
	store      *Store
	disc       *Discoverer
	publisher  Publisher
	correlator *Correlator
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("DBPath is required")
	}
	if cfg.ClaudeRoot == "" || cfg.CodexRoot == "" {
		claude, codex, err := DefaultRoots()
		if err != nil {
			return nil, err
		}
		if cfg.ClaudeRoot == "" {
			cfg.ClaudeRoot = claude
		}
		if cfg.CodexRoot == "" {
			cfg.CodexRoot = codex
		}
	}
	if cfg.DisableClaude {
		cfg.ClaudeRoot = ""
	}
	if cfg.DisableCodex {
		cfg.CodexRoot = ""
	}
	if cfg.PublishBatchSize <= 0 {
		cfg.PublishBatchSize = 256
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	store := NewStore(db)

	c := &Coordinator{
		cfg:        cfg,
		store:      store,
		disc:       NewDiscoverer(cfg.ClaudeRoot, cfg.CodexRoot),
		correlator: NewCorrelator(store),
	}
	if cfg.PublisherAddr != "" {
		c.publisher = NewTCPPublisher(cfg.PublisherAddr)
	}
	return c, nil
}

func (c *Coordinator) Store() *Store { return c.store }

func (c *Coordinator) Close() error {
	if c == nil || c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	return err
}

func (c *Coordinator) debugf(format string, args ...any) {
	if c == nil || !c.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

type runStats struct {
	FilesScanned   int
	FilesChanged   int
	MessagesNew    int
	PlansNew       int
	Warnings       int
	PublishedOK    int
	PublishedErr   int
	SpawnsResolved int
	Orphans        int
}

// RunOnce performs a single ingest cycle. Per-file errors are logged and do
// not abort the cycle; a broken file must not starve the healthy ones.
func (c *Coordinator) RunOnce() error {
	start := time.Now()
	stats := &runStats{}
	deadline := time.Time{}
	if c.cfg.Timeout > 0 {
		deadline = time.Now().Add(c.cfg.Timeout)
	}

	c.debugf("run_once start: db=%q claudeRoot=%q codexRoot=%q timeout=%s",
		c.cfg.DBPath, c.cfg.ClaudeRoot, c.cfg.CodexRoot, c.cfg.Timeout)

	sources, err := c.disc.Discover()
	if err != nil {
		return err
	}
	checkpoints, err := c.store.Checkpoints()
	if err != nil {
		return err
	}

	for _, src := range sources {
		if isDeadlineExceeded(deadline) {
			return fmt.Errorf("timeout exceeded")
		}
		stats.FilesScanned++
		if err := c.ingestSource(src, checkpoints[src.Path], stats); err != nil {
			log.Printf("ingest failed path=%q err=%v", src.Path, err)
		}
	}

	if isDeadlineExceeded(deadline) {
		return fmt.Errorf("timeout exceeded")
	}
	if err := c.publishPending(deadline, stats); err != nil {
		return err
	}

	resolved, orphans, err := c.correlator.Drain()
	if err != nil {
		return err
	}
	stats.SpawnsResolved = resolved
	stats.Orphans = len(orphans)
	for _, id := range orphans {
		c.debugf("agent thread without spawn record agent=%q", id)
	}

	c.debugf("run_once done: scanned=%d changed=%d messagesNew=%d plansNew=%d warnings=%d publishedOK=%d publishedErr=%d spawnsResolved=%d orphans=%d elapsed=%s",
		stats.FilesScanned, stats.FilesChanged, stats.MessagesNew, stats.PlansNew,
		stats.Warnings, stats.PublishedOK, stats.PublishedErr,
		stats.SpawnsResolved, stats.Orphans, time.Since(start))
	return nil
}

// Run polls until the context is cancelled. Cycle errors are logged, not
// fatal; transient filesystem or network trouble resolves itself on a later
// poll.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.RunOnce(); err != nil {
			log.Printf("run failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) ingestSource(src Source, cp SourceCheckpoint, stats *runStats) error {
	info, err := os.Stat(src.Path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Size() == 0 {
		return nil
	}

	if src.Kind == KindDocument {
		return c.ingestDocument(src, cp, info, stats)
	}

	// Cheap unchanged check before touching content.
	if cp.Path != "" && cp.ByteOffset == info.Size() && cp.ModUnixNano == info.ModTime().UnixNano() {
		return nil
	}

	inc, err := readNewLines(src.Path, cp)
	if err != nil {
		return err
	}
	if inc.Truncated {
		log.Printf("file truncated, re-reading from start path=%q oldOffset=%d size=%d",
			src.Path, cp.ByteOffset, info.Size())
		stats.Warnings++
	}
	if len(inc.Lines) == 0 && inc.NewOffset == cp.ByteOffset && !inc.Truncated {
		// Nothing but a partial trailing line; wait for the writer.
		return nil
	}

	parser, err := parserFor(src.Dialect)
	if err != nil {
		return err
	}
	res, err := parser.Parse(src, inc.Lines)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		log.Printf("parse warning: %s", w)
	}
	stats.Warnings += len(res.Warnings)

	next := SourceCheckpoint{
		ID:          cp.ID,
		Path:        src.Path,
		Dialect:     src.Dialect,
		Kind:        src.Kind,
		Format:      src.Format,
		ByteOffset:  inc.NewOffset,
		LineCount:   inc.LineCount,
		SizeBytes:   info.Size(),
		ModUnixNano: info.ModTime().UnixNano(),
		LastSyncAt:  time.Now().UTC(),
	}
	inserted, err := c.store.CommitFile(res, next)
	if err != nil {
		return err
	}
	stats.FilesChanged++
	stats.MessagesNew += len(inserted)
	stats.PlansNew += len(res.Plans)
	c.debugf("ingested path=%q lines=%d messages=%d offset=%d", src.Path, len(inc.Lines), len(inserted), inc.NewOffset)
	return nil
}

// ingestDocument handles rewritten-in-place files (plan markdown). Change
// detection is by content hash since these are not append-only.
func (c *Coordinator) ingestDocument(src Source, cp SourceCheckpoint, info os.FileInfo, stats *runStats) error {
	content, err := os.ReadFile(src.Path)
	if err != nil {
		return err
	}
	hash := hashContent(content)
	if cp.Path != "" && cp.ContentHash == hash {
		return nil
	}

	slug := strings.TrimSuffix(filepath.Base(src.Path), filepath.Ext(src.Path))
	title := ""
	for _, line := range strings.Split(string(content), "\n") {
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimPrefix(line, "# ")
			break
		}
	}
	res := &ParseResult{
		Plans: []Plan{{
			Slug:        slug,
			Title:       title,
			Content:     string(content),
			ContentHash: hash,
			CreatedAt:   info.ModTime().UTC(),
			ModifiedAt:  info.ModTime().UTC(),
			SourcePath:  src.Path,
		}},
	}
	next := SourceCheckpoint{
		ID:          cp.ID,
		Path:        src.Path,
		Dialect:     src.Dialect,
		Kind:        src.Kind,
		Format:      src.Format,
		ContentHash: hash,
		SizeBytes:   info.Size(),
		ModUnixNano: info.ModTime().UnixNano(),
		LastSyncAt:  time.Now().UTC(),
	}
	if _, err := c.store.CommitFile(res, next); err != nil {
		return err
	}
	stats.FilesChanged++
	stats.PlansNew++
	c.debugf("ingested plan path=%q hash=%s", src.Path, hash[:12])
	return nil
}

// publishPending pushes committed-but-unacknowledged messages downstream in
// batches. A send failure records the error and leaves the batch pending for
// the next run; publishing never blocks ingestion.
func (c *Coordinator) publishPending(deadline time.Time, stats *runStats) error {
	if c.publisher == nil {
		return nil
	}
	for {
		if isDeadlineExceeded(deadline) {
			return fmt.Errorf("timeout exceeded")
		}
		msgs, err := c.store.PendingMessages(c.cfg.PublishBatchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		ids := make([]uint, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if err := c.publisher.PublishBatch(msgs, remainingTimeout(deadline, 3*time.Second)); err != nil {
			c.debugf("publish failed batch=%d err=%v", len(msgs), err)
			stats.PublishedErr += len(msgs)
			return c.store.MarkPublishFailed(ids, err)
		}
		if err := c.store.MarkPublished(ids); err != nil {
			return err
		}
		stats.PublishedOK += len(msgs)
		if len(msgs) < c.cfg.PublishBatchSize {
			return nil
		}
	}
}

func isDeadlineExceeded(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func remainingTimeout(deadline time.Time, fallback time.Duration) time.Duration {
	if deadline.IsZero() {
		return fallback
	}
	rem := time.Until(deadline)
	if rem <= 0 {
		return 1 * time.Millisecond
	}
	if fallback <= 0 || rem < fallback {
		return rem
	}
	return fallback
}
