package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store := NewStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleResult(sessionID string, seqs ...int64) *ParseResult {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tid := mainThreadID(sessionID)
	res := &ParseResult{
		Session: &Session{
			ID:             sessionID,
			Dialect:        DialectClaude,
			StartedAt:      at,
			LastActivityAt: at,
		},
		Threads: []Thread{{
			ID:             tid,
			SessionID:      sessionID,
			Kind:           ThreadMain,
			StartedAt:      at,
			LastActivityAt: at,
		}},
		Spawns: map[string]int64{},
	}
	for _, s := range seqs {
		res.Messages = append(res.Messages, Message{
			SessionID: sessionID,
			ThreadID:  tid,
			Seq:       s,
			EmittedAt: at,
			Role:      RoleHuman,
			Kind:      MsgPrompt,
			Content:   "hello",
		})
	}
	return res
}

func checkpointFor(path string, offset int64) SourceCheckpoint {
	return SourceCheckpoint{
		Path:       path,
		Dialect:    DialectClaude,
		Kind:       KindSession,
		Format:     FormatAppendLog,
		ByteOffset: offset,
		LastSyncAt: time.Now().UTC(),
	}
}

func TestCommitFileIdempotent(t *testing.T) {
	store := openTestStore(t)

	_, err := store.CommitFile(sampleResult("s1", 1, 2, 3), checkpointFor("/tmp/s1.jsonl", 100))
	require.NoError(t, err)

	// Replaying the identical parse must not duplicate anything.
	_, err = store.CommitFile(sampleResult("s1", 1, 2, 3), checkpointFor("/tmp/s1.jsonl", 100))
	require.NoError(t, err)

	n, err := store.CountMessages()
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	cps, err := store.Checkpoints()
	require.NoError(t, err)
	require.Len(t, cps, 1)
}

func TestCommitFileRebasesSequences(t *testing.T) {
	store := openTestStore(t)

	_, err := store.CommitFile(sampleResult("s1", 1, 2), checkpointFor("/tmp/s1.jsonl", 50))
	require.NoError(t, err)

	// An incremental parse restarts its local sequence at 1; stored order
	// must keep increasing.
	_, err = store.CommitFile(sampleResult("s1", 1, 2), checkpointFor("/tmp/s1.jsonl", 90))
	require.NoError(t, err)

	msgs, err := store.ThreadMessages(mainThreadID("s1"))
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		require.Equal(t, int64(i+1), m.Seq)
	}

	cp, ok, err := store.CheckpointFor("/tmp/s1.jsonl")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(90), cp.ByteOffset)
}

func TestSessionLastActivityMonotonic(t *testing.T) {
	store := openTestStore(t)

	newer := sampleResult("s1", 1)
	newer.Session.LastActivityAt = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err := store.CommitFile(newer, checkpointFor("/tmp/a.jsonl", 10))
	require.NoError(t, err)

	// A parse of stale data must not wind the clock backwards.
	older := sampleResult("s1", 2)
	older.Session.LastActivityAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = store.CommitFile(older, checkpointFor("/tmp/b.jsonl", 10))
	require.NoError(t, err)

	sess, ok, err := store.GetSession("s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), sess.LastActivityAt.UTC())
}

func TestCommitFileSpawnRebase(t *testing.T) {
	store := openTestStore(t)

	// First commit fills seqs 1-2.
	_, err := store.CommitFile(sampleResult("s1", 1, 2), checkpointFor("/tmp/s1.jsonl", 20))
	require.NoError(t, err)

	// Second parse spawns an agent at local seq 1, which is global seq 3.
	res := sampleResult("s1", 1)
	res.Spawns["ag-42"] = 1
	_, err = store.CommitFile(res, checkpointFor("/tmp/s1.jsonl", 40))
	require.NoError(t, err)

	spawn, ok, err := store.SpawnFor("ag-42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), spawn.SpawningSeq)
	require.Equal(t, "s1", spawn.SessionID)
}

func TestPendingAndMarkPublished(t *testing.T) {
	store := openTestStore(t)

	_, err := store.CommitFile(sampleResult("s1", 1, 2, 3), checkpointFor("/tmp/s1.jsonl", 10))
	require.NoError(t, err)

	pending, err := store.PendingMessages(0)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	require.NoError(t, store.MarkPublished([]uint{pending[0].ID, pending[1].ID}))

	pending, err = store.PendingMessages(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(3), pending[0].Seq)
}

func TestMessagesAfterResumesIncrementally(t *testing.T) {
	store := openTestStore(t)

	_, err := store.CommitFile(sampleResult("s1", 1, 2, 3), checkpointFor("/tmp/s1.jsonl", 30))
	require.NoError(t, err)

	first, err := store.MessagesAfter(0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// A consumer resuming from the last row id it saw gets exactly the rest.
	rest, err := store.MessagesAfter(first[1].ID, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, int64(3), rest[0].Seq)

	none, err := store.MessagesAfter(rest[0].ID, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPlanUpsertKeepsSessionLink(t *testing.T) {
	store := openTestStore(t)

	linked := &ParseResult{Plans: []Plan{{
		Slug: "build-thing", SessionID: "s1", Title: "Build", Content: "# Build\n", ContentHash: "h1",
	}}}
	_, err := store.CommitFile(linked, checkpointFor("/tmp/s1.jsonl", 10))
	require.NoError(t, err)

	// Standalone rescan of the plan file carries no session id.
	rescan := &ParseResult{Plans: []Plan{{
		Slug: "build-thing", Title: "Build v2", Content: "# Build v2\n", ContentHash: "h2",
	}}}
	_, err = store.CommitFile(rescan, checkpointFor("/plans/build-thing.md", 0))
	require.NoError(t, err)

	var plan Plan
	require.NoError(t, store.DB().Where("slug = ?", "build-thing").First(&plan).Error)
	require.Equal(t, "s1", plan.SessionID)
	require.Equal(t, "Build v2", plan.Title)
}
