package ingest

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
)

// PublishEvent is the wire envelope for one canonical message. Downstream
// consumers dedupe on (thread_id, seq), so redelivery after a lost ack is
// harmless.
type PublishEvent struct {
	BatchID      string      `json:"batch_id"`
	Host         string      `json:"host"`
	SessionID    string      `json:"session_id"`
	ThreadID     string      `json:"thread_id"`
	Seq          int64       `json:"seq"`
	EmittedAt    time.Time   `json:"emitted_at"`
	Role         Role        `json:"role"`
	Kind         MessageKind `json:"kind"`
	Content      string      `json:"content,omitempty"`
	ToolName     string      `json:"tool_name,omitempty"`
	ToolResult   string      `json:"tool_result,omitempty"`
	TokensIn     int         `json:"tokens_in,omitempty"`
	TokensOut    int         `json:"tokens_out,omitempty"`
	SourcePath   string      `json:"source_path"`
	SourceOffset int64       `json:"source_offset"`
}

// Publisher delivers batches of canonical messages downstream. Delivery is
// at least once; an error means the whole batch will be retried later.
type Publisher interface {
	PublishBatch(msgs []Message, timeout time.Duration) error
}

// TCPPublisher writes events as JSON lines over a short-lived TCP
// connection, one dial per batch.
type TCPPublisher struct {
	addr string
}

func NewTCPPublisher(addr string) *TCPPublisher {
	return &TCPPublisher{addr: addr}
}

func (p *TCPPublisher) PublishBatch(msgs []Message, timeout time.Duration) error {
	if len(msgs) == 0 {
		return nil
	}

	var conn net.Conn
	var err error
	if timeout > 0 {
		conn, err = net.DialTimeout("tcp", p.addr, timeout)
	} else {
		conn, err = net.Dial("tcp", p.addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "-"
	}
	batchID := uuid.NewString()

	w := bufio.NewWriter(conn)
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		ev := PublishEvent{
			BatchID:      batchID,
			Host:         host,
			SessionID:    m.SessionID,
			ThreadID:     m.ThreadID,
			Seq:          m.Seq,
			EmittedAt:    m.EmittedAt,
			Role:         m.Role,
			Kind:         m.Kind,
			Content:      m.Content,
			ToolName:     m.ToolName,
			ToolResult:   m.ToolResult,
			TokensIn:     m.TokensIn,
			TokensOut:    m.TokensOut,
			SourcePath:   m.SourcePath,
			SourceOffset: m.SourceOffset,
		}
		if err := enc.Encode(&ev); err != nil {
			return err
		}
	}
	return w.Flush()
}
