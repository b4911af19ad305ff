package memory

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/finsight-ai/finsight/internal/store"
	"github.com/finsight-ai/finsight/internal/vector"
	"github.com/finsight-ai/finsight/provider"
)

type fakeProvider struct {
	embeddings map[string][]float32
	err        error
	calls      int
}

func (f *fakeProvider) Complete(ctx context.Context, msgs []provider.Message) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeProvider) CreateEmbedding(ctx context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = f.embeddings[in]
	}
	return out, nil
}

func (f *fakeProvider) EmbeddingModel() string { return "fake-embedding" }

func newTestManager(t *testing.T, p provider.Provider) (*Manager, sqlmock.Sqlmock, *vector.Index) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	idx, err := vector.Open(filepath.Join(t.TempDir(), "vectors.idx"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	logger := log.New(os.Stderr, "[MEMORY] ", log.LstdFlags)
	mgr := NewManager(p, &store.Store{DB: db}, idx, nil, nil, Options{}, logger)
	return mgr, mock, idx
}

func TestEmbedBlankText(t *testing.T) {
	p := &fakeProvider{embeddings: map[string][]float32{}}
	mgr, _, _ := newTestManager(t, p)

	if got := mgr.Embed(context.Background(), "   \n\t"); got != nil {
		t.Fatalf("expected nil embedding for blank text, got %v", got)
	}
	if p.calls != 0 {
		t.Fatalf("provider should not be called for blank text")
	}
}

func TestEmbedProviderFailure(t *testing.T) {
	p := &fakeProvider{err: errors.New("upstream down")}
	mgr, _, _ := newTestManager(t, p)

	if got := mgr.Embed(context.Background(), "hello"); got != nil {
		t.Fatalf("expected nil embedding on provider failure, got %v", got)
	}
}

func TestIndexMessageSkipsWithoutEmbedding(t *testing.T) {
	p := &fakeProvider{err: errors.New("upstream down")}
	mgr, mock, idx := newTestManager(t, p)

	msg := store.Message{ID: 1, ThreadID: "t1", Role: "user", Content: "hello"}
	if err := mgr.IndexMessage(context.Background(), msg); err != nil {
		t.Fatalf("IndexMessage: %v", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("index should stay empty, has %d", idx.Len())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no database calls expected: %v", err)
	}
}

func TestIndexMessageStoresRecord(t *testing.T) {
	p := &fakeProvider{embeddings: map[string][]float32{"is NVDA cheap?": {1, 0}}}
	mgr, mock, idx := newTestManager(t, p)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT nextval('vector_id_seq')`)).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(101)))
	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO embedding_records (vector_id, message_id, thread_id) VALUES ($1,$2,$3)
`)).WithArgs(int64(101), int64(7), "t1").WillReturnResult(sqlmock.NewResult(1, 1))

	msg := store.Message{ID: 7, ThreadID: "t1", Role: "user", Content: "is NVDA cheap?"}
	if err := mgr.IndexMessage(context.Background(), msg); err != nil {
		t.Fatalf("IndexMessage: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("expected 1 indexed vector, got %d", idx.Len())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBuildContextEmptyThread(t *testing.T) {
	p := &fakeProvider{err: errors.New("upstream down")}
	mgr, mock, _ := newTestManager(t, p)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, thread_id, role, content, metadata, created_at FROM messages
WHERE thread_id=$1 ORDER BY id DESC LIMIT $2
`)).WithArgs("t1", 6).
		WillReturnRows(sqlmock.NewRows([]string{"id", "thread_id", "role", "content", "metadata", "created_at"}))

	got := mgr.BuildContext(context.Background(), "t1", "hello")
	if got != "" {
		t.Fatalf("expected empty context, got %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBuildContextDeduplicatesRelated(t *testing.T) {
	p := &fakeProvider{embeddings: map[string][]float32{
		"what about earnings?": {1, 0},
	}}
	mgr, mock, idx := newTestManager(t, p)

	// Vectors 101 and 102 map to messages 2 and 3 respectively.
	if err := idx.Add(101, []float32{1, 0}); err != nil {
		t.Fatalf("add 101: %v", err)
	}
	if err := idx.Add(102, []float32{0.9, 0.1}); err != nil {
		t.Fatalf("add 102: %v", err)
	}

	now := time.Now()
	msgCols := []string{"id", "thread_id", "role", "content", "metadata", "created_at"}

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, thread_id, role, content, metadata, created_at FROM messages
WHERE thread_id=$1 ORDER BY id DESC LIMIT $2
`)).WithArgs("t1", 6).
		WillReturnRows(sqlmock.NewRows(msgCols).
			AddRow(int64(2), "t1", "assistant", "earnings beat estimates", []byte(`{}`), now).
			AddRow(int64(1), "t1", "user", "how did NVDA report?", []byte(`{}`), now))

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT vector_id, message_id, thread_id, created_at FROM embedding_records
WHERE vector_id = ANY($1) AND thread_id=$2
`)).WithArgs(pq.Array([]int64{101, 102}), "t1").
		WillReturnRows(sqlmock.NewRows([]string{"vector_id", "message_id", "thread_id", "created_at"}).
			AddRow(int64(101), int64(2), "t1", now).
			AddRow(int64(102), int64(3), "t1", now))

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, thread_id, role, content, metadata, created_at FROM messages
WHERE id = ANY($1)
`)).WithArgs(pq.Array([]int64{2, 3})).
		WillReturnRows(sqlmock.NewRows(msgCols).
			AddRow(int64(2), "t1", "assistant", "earnings beat estimates", []byte(`{}`), now).
			AddRow(int64(3), "t1", "user", "remind me about guidance", []byte(`{}`), now))

	got := mgr.BuildContext(context.Background(), "t1", "what about earnings?")

	if !strings.Contains(got, "how did NVDA report?") {
		t.Fatalf("missing recent message in context:\n%s", got)
	}
	if !strings.Contains(got, "remind me about guidance") {
		t.Fatalf("missing related message in context:\n%s", got)
	}
	if strings.Count(got, "earnings beat estimates") != 1 {
		t.Fatalf("related message already in recent window must not repeat:\n%s", got)
	}
	// Recent window stays chronological.
	if strings.Index(got, "how did NVDA report?") > strings.Index(got, "earnings beat estimates") {
		t.Fatalf("recent messages out of order:\n%s", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindRelatedEmptyIndex(t *testing.T) {
	p := &fakeProvider{embeddings: map[string][]float32{"query": {1, 0}}}
	mgr, mock, _ := newTestManager(t, p)

	if got := mgr.FindRelated(context.Background(), "t1", "query"); got != nil {
		t.Fatalf("expected no related messages, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no database calls expected: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  hello world  ", 5); got != "hello" {
		t.Fatalf("truncate: got %q", got)
	}
	if got := truncate("short", 240); got != "short" {
		t.Fatalf("truncate passthrough: got %q", got)
	}
}
