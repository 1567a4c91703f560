package main

import (
	"ailog-spooler/ingest"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath string
	var dbPath string
	var claudeRoot string
	var codexRoot string
	var noClaude bool
	var noCodex bool
	var publishAddr string
	var publishBatch int
	var debug bool
	var timeout time.Duration
	var once bool
	var pollInterval time.Duration

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.StringVar(&dbPath, "db", "ailog.db", "SQLite store path.")
	flag.StringVar(&claudeRoot, "claude-root", "", "Claude Code root directory (default $HOME/.claude).")
	flag.StringVar(&codexRoot, "codex-root", "", "Codex CLI root directory (default $HOME/.codex).")
	flag.BoolVar(&noClaude, "no-claude", false, "Disable the Claude Code dialect.")
	flag.BoolVar(&noCodex, "no-codex", false, "Disable the Codex dialect.")
	flag.StringVar(&publishAddr, "publish-addr", "", "Downstream collector address (tcp). Empty disables publishing.")
	flag.IntVar(&publishBatch, "publish-batch", 256, "Max messages per publish batch.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.DurationVar(&timeout, "timeout", 0, "Overall timeout for one run (e.g. 30s, 2m).")
	flag.BoolVar(&once, "once", false, "Run one ingest cycle and exit.")
	flag.DurationVar(&pollInterval, "poll-interval", 30*time.Second, "Polling interval in daemon mode.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	// Base config from file (optional)
	fileCfg := &ingest.FileConfig{}
	if configPath != "" {
		cfg, err := ingest.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		fileCfg = cfg
	}

	// Merge config + CLI overrides
	finalDB := fileCfg.DB
	if finalDB == "" || visited["db"] {
		finalDB = dbPath
	}
	finalClaudeRoot := fileCfg.Roots.Claude
	if visited["claude-root"] {
		finalClaudeRoot = claudeRoot
	}
	finalCodexRoot := fileCfg.Roots.Codex
	if visited["codex-root"] {
		finalCodexRoot = codexRoot
	}
	finalNoClaude := !fileCfg.Dialects.ClaudeEnabled()
	if visited["no-claude"] {
		finalNoClaude = noClaude
	}
	finalNoCodex := !fileCfg.Dialects.CodexEnabled()
	if visited["no-codex"] {
		finalNoCodex = noCodex
	}
	finalPublishAddr := fileCfg.Publisher.Addr
	if visited["publish-addr"] {
		finalPublishAddr = publishAddr
	}
	finalPublishBatch := fileCfg.Publisher.BatchSize
	if finalPublishBatch == 0 || visited["publish-batch"] {
		finalPublishBatch = publishBatch
	}
	finalDebug := fileCfg.Debug
	if visited["debug"] {
		finalDebug = debug
	}
	finalTimeout := fileCfg.Timeout.Std()
	if visited["timeout"] {
		finalTimeout = timeout
	}
	finalPoll := fileCfg.PollInterval.Std()
	if finalPoll == 0 || visited["poll-interval"] {
		finalPoll = pollInterval
	}

	if finalNoClaude && finalNoCodex {
		fmt.Fprintln(os.Stderr, "both dialects disabled, nothing to ingest")
		os.Exit(2)
	}
	if strings.TrimSpace(finalDB) == "" {
		fmt.Fprintln(os.Stderr, "missing store path (use --db or config.yaml db)")
		os.Exit(2)
	}

	// Fail fast when another ingest process owns the store. Observers read
	// concurrently; writers never do.
	lock, err := ingest.AcquireLock(finalDB)
	if err != nil {
		log.Fatalf("acquire lock: %v", err)
	}
	defer lock.Close()

	coord, err := ingest.NewCoordinator(ingest.CoordinatorConfig{
		DBPath:           finalDB,
		ClaudeRoot:       finalClaudeRoot,
		CodexRoot:        finalCodexRoot,
		DisableClaude:    finalNoClaude,
		DisableCodex:     finalNoCodex,
		PublisherAddr:    finalPublishAddr,
		PublishBatchSize: finalPublishBatch,
		Debug:            finalDebug,
		Timeout:          finalTimeout,
		PollInterval:     finalPoll,
	})
	if err != nil {
		log.Fatalf("init coordinator: %v", err)
	}
	defer coord.Close()

	if once {
		if err := coord.RunOnce(); err != nil {
			log.Fatalf("run once: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := coord.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("run: %v", err)
	}
}
