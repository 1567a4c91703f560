package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// claudeParser reads Claude Code session logs from
// <root>/projects/<encoded-path>/*.jsonl. Files named agent-*.jsonl hold a
// subagent's own conversation; everything else is a main session log.
type claudeParser struct{}

func (p *claudeParser) Name() Dialect { return DialectClaude }

type claudeRecord struct {
	UUID          string          `json:"uuid"`
	ParentUUID    string          `json:"parentUuid"`
	SessionID     string          `json:"sessionId"`
	Type          string          `json:"type"`
	Timestamp     string          `json:"timestamp"`
	CWD           string          `json:"cwd"`
	GitBranch     string          `json:"gitBranch"`
	IsSidechain   bool            `json:"isSidechain"`
	Slug          string          `json:"slug"`
	Message       *claudeMessage  `json:"message"`
	ToolUseResult json.RawMessage `json:"toolUseResult"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *claudeUsage    `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	Source    *claudeImageSrc `json:"source"`
}

type claudeImageSrc struct {
	MediaType string `json:"media_type"`
}

func (p *claudeParser) Parse(src Source, lines []rawLine) (*ParseResult, error) {
	res := &ParseResult{Spawns: map[string]int64{}}

	stem := strings.TrimSuffix(filepath.Base(src.Path), filepath.Ext(src.Path))
	isAgentFile := strings.HasPrefix(stem, "agent-")
	if isAgentFile {
		res.AgentID = strings.TrimPrefix(stem, "agent-")
	}

	var (
		seq        int64
		sessionID  string
		threadID   string
		modelID    string
		cwd        string
		gitBranch  string
		slugs      []string
		uuidToSeq  = map[string]int64{}
		observedAt = time.Now().UTC()
	)
	// Records without a timestamp borrow the last seen one.
	var firstAt, lastAt time.Time
	threadActivity := map[string]time.Time{}

	for _, ln := range lines {
		var rec claudeRecord
		if err := json.Unmarshal([]byte(ln.Text), &rec); err != nil {
			res.warnf("%s line %d (offset %d): bad json: %v", src.Path, ln.Number, ln.Offset, err)
			continue
		}
		if rec.Type == "file-history-snapshot" {
			continue
		}
		// Sidechain records in main logs duplicate the agent's own file.
		if !isAgentFile && rec.IsSidechain {
			continue
		}

		if sessionID == "" {
			sessionID = rec.SessionID
			if sessionID == "" {
				sessionID = stem
			}
		}
		if cwd == "" {
			cwd = rec.CWD
		}
		if gitBranch == "" {
			gitBranch = rec.GitBranch
		}
		if rec.Slug != "" && !containsStr(slugs, rec.Slug) {
			slugs = append(slugs, rec.Slug)
		}
		if rec.Message != nil && modelID == "" {
			modelID = rec.Message.Model
		}

		emittedAt := lastAt
		if rec.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
				emittedAt = ts.UTC()
			}
		}
		if emittedAt.IsZero() {
			emittedAt = observedAt
		}
		if firstAt.IsZero() {
			firstAt = emittedAt
		}
		lastAt = emittedAt

		if threadID == "" {
			if isAgentFile {
				threadID = agentThreadID(sessionID, res.AgentID)
			} else {
				threadID = mainThreadID(sessionID)
			}
			kind := ThreadMain
			if isAgentFile {
				kind = ThreadAgent
			}
			res.Threads = append(res.Threads, Thread{
				ID:        threadID,
				SessionID: sessionID,
				Kind:      kind,
				StartedAt: emittedAt,
			})
		}

		preSeq := seq
		msgs := p.recordMessages(&rec, ln, isAgentFile, sessionID, threadID, src.Path, &seq, emittedAt, observedAt)

		// Remember which sequence a record's uuid produced; a later tool
		// result names its spawning tool call via parentUuid.
		if rec.UUID != "" && seq > preSeq {
			uuidToSeq[rec.UUID] = preSeq + 1
		}
		if !isAgentFile && len(rec.ToolUseResult) > 0 && rec.ParentUUID != "" {
			var tur struct {
				AgentID string `json:"agentId"`
			}
			if err := json.Unmarshal(rec.ToolUseResult, &tur); err == nil && tur.AgentID != "" {
				if spawnSeq, ok := uuidToSeq[rec.ParentUUID]; ok {
					res.Spawns[tur.AgentID] = spawnSeq
				}
			}
		}

		for _, m := range msgs {
			if m.Kind != MsgContext {
				threadActivity[threadID] = emittedAt
				break
			}
		}
		res.Messages = append(res.Messages, msgs...)
	}

	for i := range res.Threads {
		if at, ok := threadActivity[res.Threads[i].ID]; ok {
			res.Threads[i].LastActivityAt = at
		}
	}

	if sessionID != "" {
		projectPath := cwd
		if projectPath == "" {
			projectPath = decodeProjectFolder(filepath.Base(filepath.Dir(src.Path)))
		}
		res.Session = &Session{
			ID:             sessionID,
			Dialect:        DialectClaude,
			ModelID:        modelID,
			ProjectName:    filepath.Base(projectPath),
			ProjectPath:    projectPath,
			GitBranch:      gitBranch,
			StartedAt:      firstAt,
			LastActivityAt: lastAt,
			SourcePath:     src.Path,
		}
		root := claudeRootFromSource(src.Path)
		for _, slug := range slugs {
			plan, ok, err := parsePlanFile(root, slug, sessionID)
			if err != nil {
				res.warnf("plan %s: %v", slug, err)
				continue
			}
			if ok {
				res.Plans = append(res.Plans, plan)
			}
		}
	}
	return res, nil
}

// recordMessages converts one log record to canonical messages. Empty text
// blocks produce nothing so sequences stay gapless.
func (p *claudeParser) recordMessages(rec *claudeRecord, ln rawLine, isAgentFile bool, sessionID, threadID, sourcePath string, seq *int64, emittedAt, observedAt time.Time) []Message {
	userRole, assistantRole := RoleHuman, RoleAssistant
	if isAgentFile {
		userRole, assistantRole = RoleCaller, RoleAgent
	}

	var out []Message
	mk := func(role Role, kind MessageKind) *Message {
		*seq++
		out = append(out, Message{
			SessionID:    sessionID,
			ThreadID:     threadID,
			Seq:          *seq,
			EmittedAt:    emittedAt,
			ObservedAt:   observedAt,
			Role:         role,
			Kind:         kind,
			SourcePath:   sourcePath,
			SourceOffset: ln.Offset,
			SourceLine:   int(ln.Number),
			Raw:          ln.Text,
		})
		return &out[len(out)-1]
	}

	switch rec.Type {
	case "assistant", "user":
		if rec.Message == nil || len(rec.Message.Content) == 0 {
			return out
		}
		isAssistant := rec.Type == "assistant"
		role, textKind := userRole, MsgPrompt
		if isAssistant {
			role, textKind = assistantRole, MsgResponse
		}
		var tokensIn, tokensOut int
		if isAssistant && rec.Message.Usage != nil {
			tokensIn = rec.Message.Usage.InputTokens
			tokensOut = rec.Message.Usage.OutputTokens
		}

		var text string
		if err := json.Unmarshal(rec.Message.Content, &text); err == nil {
			if text != "" {
				m := mk(role, textKind)
				m.Content = text
				m.TokensIn, m.TokensOut = tokensIn, tokensOut
			}
			return out
		}

		var blocks []claudeBlock
		if err := json.Unmarshal(rec.Message.Content, &blocks); err != nil {
			m := mk(role, MsgContext)
			m.Content = "[unrecognized content]"
			return out
		}
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if b.Text == "" {
					continue
				}
				m := mk(role, textKind)
				m.Content = b.Text
				m.TokensIn, m.TokensOut = tokensIn, tokensOut
			case "tool_use":
				kind := MsgToolCall
				if !isAssistant {
					// Out of place; keep it visible rather than drop it.
					kind = MsgContext
				}
				m := mk(role, kind)
				m.ToolName = b.Name
				m.ToolInput = string(b.Input)
				m.TokensIn, m.TokensOut = tokensIn, tokensOut
			case "tool_result":
				kind := MsgToolResult
				if b.IsError {
					kind = MsgError
				}
				if isAssistant {
					kind = MsgContext
				}
				m := mk(RoleTool, kind)
				m.ToolResult = blockResultText(b.Content)
			case "image":
				kind := MsgPrompt
				if isAssistant {
					kind = MsgContext
				}
				media := "image"
				if b.Source != nil && b.Source.MediaType != "" {
					media = b.Source.MediaType
				}
				m := mk(role, kind)
				m.Content = "[" + media + "]"
			default:
				m := mk(role, MsgContext)
				m.Content = "[unknown content block]"
			}
		}
	default:
		// Unknown record type; keep it as context instead of dropping data.
		recType := rec.Type
		if recType == "" {
			recType = "unknown"
		}
		m := mk(RoleSystem, MsgContext)
		m.Content = "[" + recType + "]"
	}
	return out
}

// blockResultText renders a tool_result content value, which is either a
// plain string or structured JSON.
func blockResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// decodeProjectFolder reverses the dash-encoding of project directories,
// "-home-user-dev-myproject" to "/home/user/dev/myproject". Paths with
// literal dashes cannot be recovered exactly.
func decodeProjectFolder(folder string) string {
	if !strings.HasPrefix(folder, "-") {
		return folder
	}
	return strings.ReplaceAll(folder, "-", "/")
}

// claudeRootFromSource walks up from <root>/projects/<encoded>/<file>.jsonl.
func claudeRootFromSource(path string) string {
	return filepath.Dir(filepath.Dir(filepath.Dir(path)))
}

// parsePlanFile reads <root>/plans/<slug>.md. A missing file is not an
// error; the session simply references a plan that was never written.
func parsePlanFile(root, slug, sessionID string) (Plan, bool, error) {
	path := filepath.Join(root, "plans", slug+".md")
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Plan{}, false, nil
	}
	if err != nil {
		return Plan{}, false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Plan{}, false, fmt.Errorf("stat %s: %w", path, err)
	}

	title := ""
	for _, line := range strings.Split(string(content), "\n") {
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimPrefix(line, "# ")
			break
		}
	}

	return Plan{
		Slug:        slug,
		SessionID:   sessionID,
		Title:       title,
		Content:     string(content),
		ContentHash: hashContent(content),
		CreatedAt:   info.ModTime().UTC(),
		ModifiedAt:  info.ModTime().UTC(),
		SourcePath:  path,
	}, true, nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
