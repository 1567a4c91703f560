package ingest

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// codexParser reads Codex CLI rollout logs from
// <root>/sessions/YYYY/MM/DD/rollout-<timestamp>-<uuid>.jsonl. Codex has no
// subagent files; every rollout is a single main thread.
type codexParser struct{}

func (p *codexParser) Name() Dialect { return DialectCodex }

type codexEvent struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type codexSessionMeta struct {
	ID  string `json:"id"`
	CWD string `json:"cwd"`
	Git *struct {
		Branch string `json:"branch"`
	} `json:"git"`
}

type codexTurnContext struct {
	CWD   string `json:"cwd"`
	Model string `json:"model"`
}

type codexEventMsg struct {
	Type string `json:"type"`
	Info *struct {
		LastTokenUsage *codexTokenUsage `json:"last_token_usage"`
	} `json:"info"`
}

type codexTokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type codexResponseItem struct {
	Type             string          `json:"type"`
	Role             string          `json:"role"`
	Content          []codexContent  `json:"content"`
	Name             string          `json:"name"`
	Arguments        string          `json:"arguments"`
	CallID           string          `json:"call_id"`
	Output           string          `json:"output"`
	Input            json.RawMessage `json:"input"`
	Summary          []codexSummary  `json:"summary"`
	EncryptedContent string          `json:"encrypted_content"`
	GhostCommit      *codexGhostInfo `json:"ghost_commit"`
}

type codexContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type codexSummary struct {
	Text string `json:"text"`
}

type codexGhostInfo struct {
	ID string `json:"id"`
}

// systemInjectedContext reports whether a user-role message is CLI-injected
// context rather than something a person typed.
func systemInjectedContext(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "<environment_context>") ||
		strings.HasPrefix(t, "<user_shell_command>") ||
		strings.HasPrefix(t, "<INSTRUCTIONS>") ||
		strings.HasPrefix(t, "<user_instructions>") ||
		strings.HasPrefix(t, "<system") ||
		strings.HasPrefix(t, "# AGENTS.md instructions for")
}

func (p *codexParser) Parse(src Source, lines []rawLine) (*ParseResult, error) {
	res := &ParseResult{Spawns: map[string]int64{}}

	// The session id is recoverable from the filename, which matters when a
	// resumed parse never sees the session_meta record again.
	sessionID := codexSessionIDFromPath(src.Path)
	threadID := mainThreadID(sessionID)

	var (
		seq        int64
		modelID    string
		cwd        string
		gitBranch  string
		observedAt = time.Now().UTC()
		lastUsage  *codexTokenUsage
	)
	var firstAt, lastAt time.Time
	threadCreated := false
	lastActivity := time.Time{}

	// The first user message in a fresh file is the CLI invocation, authored
	// by the caller. On a resumed parse that prompt was already consumed, so
	// any new user messages are follow-up human input.
	seenFirstUserPrompt := len(lines) > 0 && lines[0].Number > 1

	mk := func(ln rawLine, emittedAt time.Time, role Role, kind MessageKind) *Message {
		seq++
		res.Messages = append(res.Messages, Message{
			SessionID:    sessionID,
			ThreadID:     threadID,
			Seq:          seq,
			EmittedAt:    emittedAt,
			ObservedAt:   observedAt,
			Role:         role,
			Kind:         kind,
			SourcePath:   src.Path,
			SourceOffset: ln.Offset,
			SourceLine:   int(ln.Number),
			Raw:          ln.Text,
		})
		return &res.Messages[len(res.Messages)-1]
	}

	for _, ln := range lines {
		var ev codexEvent
		if err := json.Unmarshal([]byte(ln.Text), &ev); err != nil {
			res.warnf("%s line %d (offset %d): bad json: %v", src.Path, ln.Number, ln.Offset, err)
			continue
		}

		emittedAt := observedAt
		if ev.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
				emittedAt = ts.UTC()
			}
		}
		if firstAt.IsZero() {
			firstAt = emittedAt
		}
		lastAt = emittedAt

		if !threadCreated {
			threadCreated = true
			res.Threads = append(res.Threads, Thread{
				ID:        threadID,
				SessionID: sessionID,
				Kind:      ThreadMain,
				StartedAt: emittedAt,
			})
		}

		switch ev.Type {
		case "session_meta":
			var meta codexSessionMeta
			_ = json.Unmarshal(ev.Payload, &meta)
			if meta.ID != "" && meta.ID != sessionID {
				sessionID = meta.ID
				threadID = mainThreadID(sessionID)
				res.Threads[0].ID = threadID
				res.Threads[0].SessionID = sessionID
			}
			if cwd == "" {
				cwd = meta.CWD
			}
			if meta.Git != nil && gitBranch == "" {
				gitBranch = meta.Git.Branch
			}

		case "turn_context":
			var tc codexTurnContext
			_ = json.Unmarshal(ev.Payload, &tc)
			if modelID == "" {
				modelID = tc.Model
			}
			if tc.CWD != "" {
				cwd = tc.CWD
			}

		case "event_msg":
			var em codexEventMsg
			_ = json.Unmarshal(ev.Payload, &em)
			switch em.Type {
			case "user_message", "agent_message", "agent_reasoning":
				// Duplicates of response_item records; skip.
			case "token_count":
				if em.Info != nil && em.Info.LastTokenUsage != nil {
					lastUsage = em.Info.LastTokenUsage
				}
			default:
				m := mk(ln, emittedAt, RoleSystem, MsgContext)
				m.Content = "[" + orUnknown(em.Type) + "]"
			}

		case "response_item":
			var item codexResponseItem
			_ = json.Unmarshal(ev.Payload, &item)
			switch item.Type {
			case "message":
				for _, block := range item.Content {
					switch block.Type {
					case "input_text", "output_text", "text":
					default:
						continue
					}
					if block.Text == "" {
						continue
					}
					role, kind := RoleSystem, MsgContext
					switch {
					case item.Role == "assistant":
						role, kind = RoleAssistant, MsgResponse
					case item.Role == "user" && systemInjectedContext(block.Text):
						role, kind = RoleCaller, MsgContext
					case item.Role == "user" && !seenFirstUserPrompt:
						seenFirstUserPrompt = true
						role, kind = RoleCaller, MsgPrompt
					case item.Role == "user":
						role, kind = RoleHuman, MsgPrompt
					}
					m := mk(ln, emittedAt, role, kind)
					m.Content = block.Text
					if role == RoleAssistant && lastUsage != nil {
						m.TokensIn = lastUsage.InputTokens
						m.TokensOut = lastUsage.OutputTokens
					}
					if kind != MsgContext {
						lastActivity = emittedAt
					}
				}

			case "function_call", "custom_tool_call":
				m := mk(ln, emittedAt, RoleAssistant, MsgToolCall)
				m.ToolName = item.Name
				if item.Arguments != "" {
					m.ToolInput = item.Arguments
				} else if len(item.Input) > 0 {
					m.ToolInput = string(item.Input)
				}
				lastActivity = emittedAt

			case "function_call_output", "custom_tool_call_output":
				m := mk(ln, emittedAt, RoleTool, MsgToolResult)
				m.ToolResult = item.Output
				lastActivity = emittedAt

			case "reasoning":
				var content string
				if len(item.Summary) > 0 {
					content = item.Summary[0].Text
				}
				if item.EncryptedContent != "" {
					if content != "" {
						content += "\n[encrypted reasoning]"
					} else {
						content = "[encrypted reasoning]"
					}
				}
				m := mk(ln, emittedAt, RoleAssistant, MsgContext)
				m.Content = content

			case "ghost_snapshot":
				commit := "unknown"
				if item.GhostCommit != nil && item.GhostCommit.ID != "" {
					commit = item.GhostCommit.ID
					if len(commit) > 8 {
						commit = commit[:8]
					}
				}
				m := mk(ln, emittedAt, RoleSystem, MsgContext)
				m.Content = "git checkpoint: " + commit

			default:
				m := mk(ln, emittedAt, RoleSystem, MsgContext)
				m.Content = "[" + orUnknown(item.Type) + "]"
			}

		default:
			m := mk(ln, emittedAt, RoleSystem, MsgContext)
			m.Content = "[" + orUnknown(ev.Type) + "]"
		}
	}

	if len(res.Threads) > 0 && !lastActivity.IsZero() {
		res.Threads[0].LastActivityAt = lastActivity
	}

	if len(lines) > 0 {
		res.Session = &Session{
			ID:             sessionID,
			Dialect:        DialectCodex,
			ModelID:        modelID,
			ProjectName:    filepath.Base(cwd),
			ProjectPath:    cwd,
			GitBranch:      gitBranch,
			StartedAt:      firstAt,
			LastActivityAt: lastAt,
			SourcePath:     src.Path,
		}
	}
	return res, nil
}

// codexSessionIDFromPath pulls the session uuid out of a rollout filename,
// rollout-2025-11-24T19-33-35-019ab86e-1e83-75b0-b2d7-d335492e7026.jsonl.
// The uuid is the last five dash-separated groups; the filename's own
// timestamp also uses dashes, so scan for an 8-hex-digit group.
func codexSessionIDFromPath(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(stem, "-")
	for i := 0; i+5 <= len(parts); i++ {
		if len(parts[i]) == 8 && isHex(parts[i]) {
			return strings.Join(parts[i:i+5], "-")
		}
	}
	return stem
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return len(s) > 0
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
