package ingest

import "time"

// Dialect identifies the assistant log format a source belongs to.
type Dialect string

const (
	DialectClaude Dialect = "claude"
	DialectCodex  Dialect = "codex"
)

// SourceKind declares what entity a source file produces.
type SourceKind string

const (
	KindSession  SourceKind = "session"
	KindDocument SourceKind = "document"
)

// SourceFormat declares how a source file is written, which in turn
// selects the checkpoint strategy.
type SourceFormat string

const (
	// FormatAppendLog: append-only line-delimited; checkpoint is a byte offset.
	FormatAppendLog SourceFormat = "append_log"
	// FormatRewritten: whole file rewritten in place; checkpoint is a content hash.
	FormatRewritten SourceFormat = "rewritten"
)

// SourceCheckpoint is the durable resumption marker for one source file.
// It is only advanced inside the same transaction that commits the
// entities parsed from that file.
type SourceCheckpoint struct {
	ID          uint         `gorm:"primaryKey"`
	Path        string       `gorm:"uniqueIndex;size:1024"`
	Dialect     Dialect      `gorm:"index;size:16"`
	Kind        SourceKind   `gorm:"size:16"`
	Format      SourceFormat `gorm:"size:16"`
	ByteOffset  int64
	LineCount   int64
	ContentHash string `gorm:"size:64"`
	SizeBytes   int64
	ModUnixNano int64
	LastSyncAt  time.Time `gorm:"index"`
}

// Session is one continuous period of assistant activity.
type Session struct {
	ID             string  `gorm:"primaryKey;size:128"`
	Dialect        Dialect `gorm:"index;size:16"`
	ModelID        string  `gorm:"size:128"`
	ProjectName    string  `gorm:"index;size:256"`
	ProjectPath    string  `gorm:"size:1024"`
	GitBranch      string  `gorm:"size:256"`
	StartedAt      time.Time
	LastActivityAt time.Time `gorm:"index"`
	SourcePath     string    `gorm:"size:1024"`
}

// ThreadKind distinguishes the implicit main conversation from spawned agents.
type ThreadKind string

const (
	ThreadMain  ThreadKind = "main"
	ThreadAgent ThreadKind = "agent"
)

// Thread is a conversation flow inside a session. ParentThreadID and
// SpawnedBySeq start unset for agent threads and may be filled in by a later
// correlation pass; that is the only mutation a thread permits after insert.
type Thread struct {
	ID             string     `gorm:"primaryKey;size:160"`
	SessionID      string     `gorm:"index;size:128"`
	Kind           ThreadKind `gorm:"index;size:16"`
	ParentThreadID *string    `gorm:"size:160"`
	SpawnedBySeq   *int64
	StartedAt      time.Time
	LastActivityAt time.Time
}

// Role is who authored a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	// RoleCaller marks user-role records that are really the invoking CLI
	// or a parent assistant, not a person.
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// MessageKind classifies a normalized message.
type MessageKind string

const (
	MsgPrompt     MessageKind = "prompt"
	MsgResponse   MessageKind = "response"
	MsgToolCall   MessageKind = "tool_call"
	MsgToolResult MessageKind = "tool_result"
	MsgContext    MessageKind = "context"
	MsgError      MessageKind = "error"
)

// Message is the atomic unit of activity. Insert-only: the unique
// (thread_id, seq) index makes replayed writes no-ops. Raw holds the
// complete original source record verbatim; SourcePath/SourceOffset/
// SourceLine point back at the exact bytes it came from.
type Message struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"index;size:128"`
	ThreadID   string `gorm:"uniqueIndex:uniq_thread_seq;size:160"`
	Seq        int64  `gorm:"uniqueIndex:uniq_thread_seq"`
	EmittedAt  time.Time
	ObservedAt time.Time   `gorm:"index"`
	Role       Role        `gorm:"size:16"`
	Kind       MessageKind `gorm:"index;size:16"`
	Content    string      `gorm:"type:text"`
	ToolName   string      `gorm:"size:128"`
	ToolInput  string      `gorm:"type:text"`
	ToolResult string      `gorm:"type:text"`
	TokensIn   int
	TokensOut  int

	SourcePath   string `gorm:"index;size:1024"`
	SourceOffset int64
	SourceLine   int

	Raw string `gorm:"type:text"`

	Published    bool `gorm:"index"`
	PublishError string
	PublishedAt  *time.Time
}

// Plan is a standalone markdown artifact with its own lifecycle, linked to a
// session by reference. ContentHash deduplicates rewrites of the same file.
type Plan struct {
	Slug        string `gorm:"primaryKey;size:256"`
	SessionID   string `gorm:"index;size:128"`
	Title       string `gorm:"size:512"`
	Content     string `gorm:"type:text"`
	ContentHash string `gorm:"size:64"`
	CreatedAt   time.Time
	ModifiedAt  time.Time
	SourcePath  string `gorm:"size:1024"`
}

// AgentSpawn records which message spawned a given agent. Persisted so
// correlation works regardless of whether the main session or the agent
// file is parsed first, including across separate sync runs.
type AgentSpawn struct {
	AgentID     string `gorm:"primaryKey;size:128"`
	SessionID   string `gorm:"index;size:128"`
	SpawningSeq int64
	CreatedAt   time.Time
}
