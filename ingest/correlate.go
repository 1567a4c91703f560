package ingest

import (
	"strings"
)

// Correlator links agent threads to the tool call in the parent thread that
// spawned them. Spawn records and agent files can arrive in either order
// across any number of runs, so resolution works off the persisted
// agent_spawns table rather than anything held in memory.
type Correlator struct {
	store *Store
}

func NewCorrelator(store *Store) *Correlator {
	return &Correlator{store: store}
}

// Drain retries every unresolved agent thread against the spawn table and
// returns the agent ids still lacking a spawn record. Orphans are normal
// mid-run (the main log may simply not have flushed the spawning record yet)
// and are retried on the next run.
func (c *Correlator) Drain() (resolved int, orphans []string, err error) {
	threads, err := c.store.UnresolvedAgentThreads()
	if err != nil {
		return 0, nil, err
	}
	for _, th := range threads {
		agentID := agentIDFromThread(th.ID)
		if agentID == "" {
			orphans = append(orphans, th.ID)
			continue
		}
		spawn, ok, err := c.store.SpawnFor(agentID)
		if err != nil {
			return resolved, orphans, err
		}
		if !ok {
			orphans = append(orphans, agentID)
			continue
		}
		parent := mainThreadID(spawn.SessionID)
		if err := c.store.ResolveThreadSpawn(th.ID, parent, spawn.SpawningSeq); err != nil {
			return resolved, orphans, err
		}
		resolved++
	}
	return resolved, orphans, nil
}

func agentIDFromThread(threadID string) string {
	idx := strings.LastIndex(threadID, "-agent-")
	if idx < 0 {
		return ""
	}
	return threadID[idx+len("-agent-"):]
}
