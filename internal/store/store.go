// Package store persists threads, messages, trace events and embedding
// records in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	DB *sql.DB
}

// Thread is one ongoing conversation.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one immutable conversation turn.
type Message struct {
	ID        int64                  `json:"id"`
	ThreadID  string                 `json:"threadId"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// TraceEvent is one persisted pipeline observation.
type TraceEvent struct {
	ID        int64                  `json:"id,omitempty"`
	ThreadID  string                 `json:"threadId,omitempty"`
	Type      string                 `json:"type"`
	Task      string                 `json:"task,omitempty"`
	Agent     string                 `json:"agent,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Summary   string                 `json:"summary"`
	CreatedAt time.Time              `json:"createdAt,omitempty"`
}

// EmbeddingRecord maps a vector index entry back to a message.
type EmbeddingRecord struct {
	VectorID  int64     `json:"vectorId"`
	MessageID int64     `json:"messageId"`
	ThreadID  string    `json:"threadId"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// CreateThread inserts a new thread and returns it.
func (s *Store) CreateThread(ctx context.Context, title string) (Thread, error) {
	id := uuid.NewString()
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO threads (id, title) VALUES ($1,$2)
RETURNING id, title, summary, created_at, updated_at
`, id, title)
	return scanThread(row)
}

// GetThread fetches a thread by id. Returns ErrNotFound when absent.
func (s *Store) GetThread(ctx context.Context, id string) (Thread, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, title, summary, created_at, updated_at FROM threads WHERE id=$1
`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	return t, err
}

// LatestThread returns the most recently updated thread, or ErrNotFound.
func (s *Store) LatestThread(ctx context.Context) (Thread, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, title, summary, created_at, updated_at FROM threads
ORDER BY updated_at DESC LIMIT 1
`)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	return t, err
}

// ListThreads returns threads ordered by most recent activity.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, summary, created_at, updated_at FROM threads
ORDER BY updated_at DESC LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateThreadSummary replaces the thread's built context summary.
func (s *Store) UpdateThreadSummary(ctx context.Context, id, summary string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE threads SET summary=$2, updated_at=NOW() WHERE id=$1
`, id, summary)
	return err
}

// TouchThread bumps the thread's updated_at.
func (s *Store) TouchThread(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE threads SET updated_at=NOW() WHERE id=$1`, id)
	return err
}

// AddMessage appends an immutable message to a thread and touches the thread.
func (s *Store) AddMessage(ctx context.Context, threadID, role, content string, metadata map[string]interface{}) (Message, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return Message{}, fmt.Errorf("marshal metadata: %w", err)
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO messages (thread_id, role, content, metadata) VALUES ($1,$2,$3,$4)
RETURNING id, thread_id, role, content, metadata, created_at
`, threadID, role, content, metaBytes)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, err
	}
	if err := s.TouchThread(ctx, threadID); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a thread. With newestFirst the
// batch is the most recent messages in reverse order; otherwise the oldest in
// insertion order.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int, newestFirst bool) ([]Message, error) {
	if limit <= 0 {
		limit = 30
	}
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
SELECT id, thread_id, role, content, metadata, created_at FROM messages
WHERE thread_id=$1 ORDER BY id %s LIMIT $2
`, order), threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListRecentMessages returns the latest messages across all threads in
// chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, thread_id, role, content, metadata, created_at FROM messages
ORDER BY id DESC LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessagesByIDs fetches messages by id set, unordered.
func (s *Store) GetMessagesByIDs(ctx context.Context, ids []int64) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, thread_id, role, content, metadata, created_at FROM messages
WHERE id = ANY($1)
`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// AddTrace persists one pipeline trace event for a thread.
func (s *Store) AddTrace(ctx context.Context, threadID string, ev TraceEvent) error {
	argsBytes, err := marshalNullable(ev.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	outBytes, err := marshalNullable(ev.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO traces (thread_id, type, task, agent, tool, args, output, summary)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, threadID, ev.Type, nullableString(ev.Task), nullableString(ev.Agent), nullableString(ev.Tool), argsBytes, outBytes, ev.Summary)
	return err
}

// ListTraces returns trace events of a thread in insertion order.
func (s *Store) ListTraces(ctx context.Context, threadID string, limit int) ([]TraceEvent, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, thread_id, type, task, agent, tool, args, output, summary, created_at FROM traces
WHERE thread_id=$1 ORDER BY id ASC LIMIT $2
`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTraces(rows)
}

// NextVectorID atomically allocates the next vector id from the durable
// counter. Safe under concurrent callers.
func (s *Store) NextVectorID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.DB.QueryRowContext(ctx, `SELECT nextval('vector_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate vector id: %w", err)
	}
	return id, nil
}

// SaveEmbeddingRecord records the vector-id-to-message mapping, exactly once
// per embedded message.
func (s *Store) SaveEmbeddingRecord(ctx context.Context, vectorID, messageID int64, threadID string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO embedding_records (vector_id, message_id, thread_id) VALUES ($1,$2,$3)
`, vectorID, messageID, threadID)
	return err
}

// GetEmbeddingRecords fetches records by vector id set, scoped to a thread.
func (s *Store) GetEmbeddingRecords(ctx context.Context, vectorIDs []int64, threadID string) ([]EmbeddingRecord, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT vector_id, message_id, thread_id, created_at FROM embedding_records
WHERE vector_id = ANY($1) AND thread_id=$2
`, pq.Array(vectorIDs), threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmbeddingRecord
	for rows.Next() {
		var rec EmbeddingRecord
		if err := rows.Scan(&rec.VectorID, &rec.MessageID, &rec.ThreadID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanThread(row scanner) (Thread, error) {
	var t Thread
	if err := row.Scan(&t.ID, &t.Title, &t.Summary, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Thread{}, err
	}
	return t, nil
}

func scanMessage(row scanner) (Message, error) {
	var (
		m    Message
		meta []byte
	)
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &meta, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return Message{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanTraces(rows *sql.Rows) ([]TraceEvent, error) {
	var out []TraceEvent
	for rows.Next() {
		var (
			ev          TraceEvent
			task, agent sql.NullString
			tool        sql.NullString
			args, outp  []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ThreadID, &ev.Type, &task, &agent, &tool, &args, &outp, &ev.Summary, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Task = task.String
		ev.Agent = agent.String
		ev.Tool = tool.String
		if len(args) > 0 {
			if err := json.Unmarshal(args, &ev.Args); err != nil {
				return nil, fmt.Errorf("unmarshal args: %w", err)
			}
		}
		if len(outp) > 0 {
			if err := json.Unmarshal(outp, &ev.Output); err != nil {
				return nil, fmt.Errorf("unmarshal output: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func marshalNullable(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullableString(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
