package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func commitAgentThread(t *testing.T, store *Store, sessionID, agentID string) string {
	t.Helper()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tid := agentThreadID(sessionID, agentID)
	res := &ParseResult{
		AgentID: agentID,
		Threads: []Thread{{
			ID: tid, SessionID: sessionID, Kind: ThreadAgent, StartedAt: at,
		}},
		Messages: []Message{{
			SessionID: sessionID, ThreadID: tid, Seq: 1,
			EmittedAt: at, Role: RoleCaller, Kind: MsgPrompt, Content: "go",
		}},
	}
	_, err := store.CommitFile(res, checkpointFor("/tmp/agent-"+agentID+".jsonl", 10))
	require.NoError(t, err)
	return tid
}

func commitSpawn(t *testing.T, store *Store, sessionID, agentID string, seq int64) {
	t.Helper()
	res := sampleResult(sessionID, seq)
	res.Spawns[agentID] = seq
	_, err := store.CommitFile(res, checkpointFor("/tmp/"+sessionID+".jsonl", 10))
	require.NoError(t, err)
}

func TestCorrelateSpawnFirst(t *testing.T) {
	store := openTestStore(t)
	corr := NewCorrelator(store)

	commitSpawn(t, store, "s1", "ag1", 1)
	tid := commitAgentThread(t, store, "s1", "ag1")

	resolved, orphans, err := corr.Drain()
	require.NoError(t, err)
	require.Equal(t, 1, resolved)
	require.Empty(t, orphans)

	th, ok, err := store.GetThread(tid)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, th.ParentThreadID)
	require.Equal(t, "s1-main", *th.ParentThreadID)
	require.NotNil(t, th.SpawnedBySeq)
	require.Equal(t, int64(1), *th.SpawnedBySeq)
}

func TestCorrelateAgentFirst(t *testing.T) {
	store := openTestStore(t)
	corr := NewCorrelator(store)

	tid := commitAgentThread(t, store, "s1", "ag1")

	// First run: no spawn record yet, thread stays an orphan.
	resolved, orphans, err := corr.Drain()
	require.NoError(t, err)
	require.Zero(t, resolved)
	require.Equal(t, []string{"ag1"}, orphans)

	// The spawning record shows up in a later run.
	commitSpawn(t, store, "s1", "ag1", 1)
	resolved, orphans, err = corr.Drain()
	require.NoError(t, err)
	require.Equal(t, 1, resolved)
	require.Empty(t, orphans)

	th, _, err := store.GetThread(tid)
	require.NoError(t, err)
	require.NotNil(t, th.SpawnedBySeq)
}

func TestCorrelateDrainIdempotent(t *testing.T) {
	store := openTestStore(t)
	corr := NewCorrelator(store)

	commitSpawn(t, store, "s1", "ag1", 1)
	tid := commitAgentThread(t, store, "s1", "ag1")

	_, _, err := corr.Drain()
	require.NoError(t, err)

	// Resolved threads are not touched again.
	resolved, orphans, err := corr.Drain()
	require.NoError(t, err)
	require.Zero(t, resolved)
	require.Empty(t, orphans)

	th, _, err := store.GetThread(tid)
	require.NoError(t, err)
	require.Equal(t, int64(1), *th.SpawnedBySeq)
}

func TestOrphanDoesNotBlockOthers(t *testing.T) {
	store := openTestStore(t)
	corr := NewCorrelator(store)

	commitSpawn(t, store, "s1", "good", 1)
	commitAgentThread(t, store, "s1", "good")
	commitAgentThread(t, store, "s1", "lost")

	resolved, orphans, err := corr.Drain()
	require.NoError(t, err)
	require.Equal(t, 1, resolved)
	require.Equal(t, []string{"lost"}, orphans)
}
