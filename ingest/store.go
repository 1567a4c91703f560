package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenDB opens (or creates) the canonical store and migrates its schema.
// Only the ingest-capable process may call this; observers use OpenQueryDB.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&SourceCheckpoint{}, &Session{}, &Thread{}, &Message{}, &Plan{}, &AgentSpawn{},
	); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenQueryDB opens an existing store for querying without mutating schema.
// Read-only observers must never run migrations against a store another
// process is writing.
func OpenQueryDB(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{})
}

// Store wraps the canonical database with the ingest write path and the
// query shapes downstream collaborators need.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoints returns a snapshot of all resumption markers keyed by source path.
func (s *Store) Checkpoints() (map[string]SourceCheckpoint, error) {
	var rows []SourceCheckpoint
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]SourceCheckpoint, len(rows))
	for _, cp := range rows {
		out[cp.Path] = cp
	}
	return out, nil
}

func (s *Store) CheckpointFor(path string) (SourceCheckpoint, bool, error) {
	var cp SourceCheckpoint
	err := s.db.Where("path = ?", path).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SourceCheckpoint{}, false, nil
	}
	if err != nil {
		return SourceCheckpoint{}, false, err
	}
	return cp, true, nil
}

// CommitFile persists everything parsed from one source file in a single
// transaction, the checkpoint update last. A crash between two files leaves
// the store consistent with exactly the files that committed.
//
// Parser-local message sequences start at 1 per thread; they are rebased here
// onto the thread's stored maximum so sequences stay strictly increasing
// across incremental parses. The spawn map references sequences in this
// file's main thread, so it is rebased with the same base.
//
// Returns the batch of newly inserted messages for downstream publishing.
func (s *Store) CommitFile(res *ParseResult, cp SourceCheckpoint) ([]Message, error) {
	var inserted []Message

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if res.Session != nil {
			if err := upsertSession(tx, res.Session); err != nil {
				return fmt.Errorf("session %s: %w", res.Session.ID, err)
			}
		}

		bases := make(map[string]int64)
		for i := range res.Threads {
			th := &res.Threads[i]
			if err := insertThreadIfAbsent(tx, th); err != nil {
				return fmt.Errorf("thread %s: %w", th.ID, err)
			}
		}

		for i := range res.Messages {
			m := &res.Messages[i]
			base, ok := bases[m.ThreadID]
			if !ok {
				var err error
				base, err = maxSeq(tx, m.ThreadID)
				if err != nil {
					return err
				}
				bases[m.ThreadID] = base
			}
			m.Seq += base
		}
		if len(res.Messages) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&res.Messages).Error; err != nil {
				return fmt.Errorf("messages: %w", err)
			}
			inserted = res.Messages
		}

		for i := range res.Threads {
			th := res.Threads[i]
			if !th.LastActivityAt.IsZero() {
				if err := advanceThreadActivity(tx, th.ID, th.LastActivityAt); err != nil {
					return err
				}
			}
		}

		for agentID, seq := range res.Spawns {
			sessionID := ""
			if res.Session != nil {
				sessionID = res.Session.ID
			}
			base := bases[mainThreadID(sessionID)]
			spawn := AgentSpawn{
				AgentID:     agentID,
				SessionID:   sessionID,
				SpawningSeq: seq + base,
				CreatedAt:   time.Now().UTC(),
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "agent_id"}},
				UpdateAll: true,
			}).Create(&spawn).Error; err != nil {
				return fmt.Errorf("agent spawn %s: %w", agentID, err)
			}
		}

		for i := range res.Plans {
			if err := upsertPlan(tx, &res.Plans[i]); err != nil {
				return fmt.Errorf("plan %s: %w", res.Plans[i].Slug, err)
			}
		}

		// Checkpoint last: its advance and the entity writes commit together.
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			UpdateAll: true,
		}).Create(&cp).Error; err != nil {
			return fmt.Errorf("checkpoint %s: %w", cp.Path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func upsertSession(tx *gorm.DB, sess *Session) error {
	var existing Session
	err := tx.Where("id = ?", sess.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(sess).Error
	}
	if err != nil {
		return err
	}
	// Started-at keeps the earliest observation; last-activity only advances.
	if !existing.StartedAt.IsZero() && existing.StartedAt.Before(sess.StartedAt) {
		sess.StartedAt = existing.StartedAt
	}
	if sess.LastActivityAt.Before(existing.LastActivityAt) {
		sess.LastActivityAt = existing.LastActivityAt
	}
	if sess.ProjectPath == "" {
		sess.ProjectPath = existing.ProjectPath
		sess.ProjectName = existing.ProjectName
	}
	if sess.ModelID == "" {
		sess.ModelID = existing.ModelID
	}
	return tx.Model(&Session{}).Where("id = ?", sess.ID).Updates(map[string]any{
		"model_id":         sess.ModelID,
		"project_name":     sess.ProjectName,
		"project_path":     sess.ProjectPath,
		"git_branch":       sess.GitBranch,
		"started_at":       sess.StartedAt,
		"last_activity_at": sess.LastActivityAt,
	}).Error
}

func insertThreadIfAbsent(tx *gorm.DB, th *Thread) error {
	var existing Thread
	err := tx.Where("id = ?", th.ID).First(&existing).Error
	if err == nil {
		// Preserve any correlation references already resolved.
		th.ParentThreadID = existing.ParentThreadID
		th.SpawnedBySeq = existing.SpawnedBySeq
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return tx.Create(th).Error
}

func maxSeq(tx *gorm.DB, threadID string) (int64, error) {
	var seq *int64
	err := tx.Model(&Message{}).Where("thread_id = ?", threadID).
		Select("MAX(seq)").Scan(&seq).Error
	if err != nil {
		return 0, err
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

func advanceThreadActivity(tx *gorm.DB, threadID string, at time.Time) error {
	return tx.Model(&Thread{}).
		Where("id = ? AND last_activity_at < ?", threadID, at).
		Update("last_activity_at", at).Error
}

func upsertPlan(tx *gorm.DB, plan *Plan) error {
	var existing Plan
	err := tx.Where("slug = ?", plan.Slug).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(plan).Error
	}
	if err != nil {
		return err
	}
	updates := map[string]any{}
	// A plan discovered standalone carries no session; keep the known link.
	if plan.SessionID != "" && plan.SessionID != existing.SessionID {
		updates["session_id"] = plan.SessionID
	}
	if existing.ContentHash != plan.ContentHash {
		updates["title"] = plan.Title
		updates["content"] = plan.Content
		updates["content_hash"] = plan.ContentHash
		updates["modified_at"] = plan.ModifiedAt
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&Plan{}).Where("slug = ?", plan.Slug).Updates(updates).Error
}

// UnresolvedAgentThreads returns agent threads whose spawning tool call has
// not been identified yet.
func (s *Store) UnresolvedAgentThreads() ([]Thread, error) {
	var threads []Thread
	err := s.db.Where("kind = ? AND spawned_by_seq IS NULL", ThreadAgent).Find(&threads).Error
	return threads, err
}

// SpawnFor looks up the persisted spawn record for an agent id.
func (s *Store) SpawnFor(agentID string) (AgentSpawn, bool, error) {
	var spawn AgentSpawn
	err := s.db.Where("agent_id = ?", agentID).First(&spawn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AgentSpawn{}, false, nil
	}
	if err != nil {
		return AgentSpawn{}, false, err
	}
	return spawn, true, nil
}

// ResolveThreadSpawn fills in an agent thread's correlation references.
// A no-op when the thread is already resolved, so re-running is safe.
func (s *Store) ResolveThreadSpawn(threadID, parentThreadID string, spawnedBySeq int64) error {
	return s.db.Model(&Thread{}).
		Where("id = ? AND spawned_by_seq IS NULL", threadID).
		Updates(map[string]any{
			"parent_thread_id": parentThreadID,
			"spawned_by_seq":   spawnedBySeq,
		}).Error
}

func (s *Store) GetThread(id string) (Thread, bool, error) {
	var th Thread
	err := s.db.Where("id = ?", id).First(&th).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Thread{}, false, nil
	}
	if err != nil {
		return Thread{}, false, err
	}
	return th, true, nil
}

func (s *Store) GetSession(id string) (Session, bool, error) {
	var sess Session
	err := s.db.Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *Store) SessionThreads(sessionID string) ([]Thread, error) {
	var threads []Thread
	err := s.db.Where("session_id = ?", sessionID).Order("started_at asc").Find(&threads).Error
	return threads, err
}

func (s *Store) ThreadMessages(threadID string) ([]Message, error) {
	var msgs []Message
	err := s.db.Where("thread_id = ?", threadID).Order("seq asc").Find(&msgs).Error
	return msgs, err
}

// MessagesAfter returns messages with a row id greater than afterID, oldest
// first. This is the incremental query shape analytics consumers resume from.
func (s *Store) MessagesAfter(afterID uint, limit int) ([]Message, error) {
	q := s.db.Where("id > ?", afterID).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []Message
	err := q.Find(&msgs).Error
	return msgs, err
}

// PendingMessages returns committed messages not yet acknowledged by the
// downstream publisher, oldest first.
func (s *Store) PendingMessages(limit int) ([]Message, error) {
	q := s.db.Where("published = ?", false).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []Message
	err := q.Find(&msgs).Error
	return msgs, err
}

func (s *Store) MarkPublished(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.Model(&Message{}).Where("id IN ?", ids).Updates(map[string]any{
		"published":     true,
		"publish_error": "",
		"published_at":  &now,
	}).Error
}

func (s *Store) MarkPublishFailed(ids []uint, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Model(&Message{}).Where("id IN ?", ids).
		Update("publish_error", cause.Error()).Error
}

func (s *Store) RecentSessions(limit int) ([]Session, error) {
	q := s.db.Order("last_activity_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var sessions []Session
	err := q.Find(&sessions).Error
	return sessions, err
}

func (s *Store) CountMessages() (int64, error) {
	var n int64
	err := s.db.Model(&Message{}).Count(&n).Error
	return n, err
}

func (s *Store) CountSessions() (int64, error) {
	var n int64
	err := s.db.Model(&Session{}).Count(&n).Error
	return n, err
}

func mainThreadID(sessionID string) string {
	return sessionID + "-main"
}

func agentThreadID(sessionID, agentID string) string {
	return sessionID + "-agent-" + agentID
}
