// Package memory provides the long-term conversational memory layer:
// message embedding, vector indexing and retrieval-augmented context
// assembly.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finsight-ai/finsight/internal/store"
	"github.com/finsight-ai/finsight/internal/telemetry"
	"github.com/finsight-ai/finsight/internal/vector"
	"github.com/finsight-ai/finsight/provider"
)

const embedCacheTTL = 24 * time.Hour

// Options bound how much history flows into the assembled context.
type Options struct {
	RecentLimit  int
	RelatedTopK  int
	RecentChars  int
	RelatedChars int
}

// Manager owns the embedding, indexing and retrieval of past messages.
type Manager struct {
	provider provider.Provider
	store    *store.Store
	index    *vector.Index
	cache    *redis.Client
	metrics  *telemetry.Metrics
	opts     Options
	logger   *log.Logger
}

func NewManager(p provider.Provider, st *store.Store, idx *vector.Index, cache *redis.Client, metrics *telemetry.Metrics, opts Options, logger *log.Logger) *Manager {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 6
	}
	if opts.RelatedTopK <= 0 {
		opts.RelatedTopK = 6
	}
	if opts.RecentChars <= 0 {
		opts.RecentChars = 240
	}
	if opts.RelatedChars <= 0 {
		opts.RelatedChars = 200
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{provider: p, store: st, index: idx, cache: cache, metrics: metrics, opts: opts, logger: logger}
}

// Embed returns the embedding of text, or nil when the text is blank or the
// embedding provider is unavailable. It never returns an error to callers;
// memory degradation must not fail a conversation turn.
func (m *Manager) Embed(ctx context.Context, text string) []float32 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if m.provider == nil {
		return nil
	}

	cacheKey := m.cacheKey(trimmed)
	if cached := m.cachedEmbedding(ctx, cacheKey); cached != nil {
		return cached
	}

	vecs, err := m.provider.CreateEmbedding(ctx, []string{trimmed})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		if err != nil {
			m.logger.Printf("[MEMORY] embedding unavailable: %v", err)
		}
		return nil
	}

	m.storeCachedEmbedding(ctx, cacheKey, vecs[0])
	return vecs[0]
}

// IndexMessage embeds a stored message and registers it in the vector index.
// Messages that produce no embedding are skipped without error; repeated
// lookups of the same text hit the cache rather than re-embedding.
func (m *Manager) IndexMessage(ctx context.Context, msg store.Message) error {
	emb := m.Embed(ctx, msg.Content)
	if emb == nil {
		m.countIndexed("skipped")
		return nil
	}

	vectorID, err := m.store.NextVectorID(ctx)
	if err != nil {
		m.countIndexed("failed")
		return fmt.Errorf("allocate vector id: %w", err)
	}
	if err := m.index.Add(vectorID, emb); err != nil {
		m.countIndexed("failed")
		return fmt.Errorf("index vector %d: %w", vectorID, err)
	}
	if err := m.store.SaveEmbeddingRecord(ctx, vectorID, msg.ID, msg.ThreadID); err != nil {
		m.countIndexed("failed")
		return fmt.Errorf("save embedding record: %w", err)
	}
	m.countIndexed("indexed")
	return nil
}

// FindRelated returns past messages of the thread semantically close to the
// query. A missing embedding or an empty index yields no results, never an
// error.
func (m *Manager) FindRelated(ctx context.Context, threadID, query string) []store.Message {
	emb := m.Embed(ctx, query)
	if emb == nil {
		return nil
	}

	ids, _, err := m.index.Search(emb, m.opts.RelatedTopK)
	if err != nil {
		m.logger.Printf("[MEMORY] vector search failed: %v", err)
		return nil
	}
	var vectorIDs []int64
	for _, id := range ids {
		if id == vector.NoMatchID {
			continue
		}
		vectorIDs = append(vectorIDs, id)
	}
	if len(vectorIDs) == 0 {
		return nil
	}

	recs, err := m.store.GetEmbeddingRecords(ctx, vectorIDs, threadID)
	if err != nil {
		m.logger.Printf("[MEMORY] embedding record lookup failed: %v", err)
		return nil
	}
	if len(recs) == 0 {
		return nil
	}

	// Preserve relevance order from the search result.
	byVector := make(map[int64]store.EmbeddingRecord, len(recs))
	for _, r := range recs {
		byVector[r.VectorID] = r
	}
	var messageIDs []int64
	for _, vid := range vectorIDs {
		if r, ok := byVector[vid]; ok {
			messageIDs = append(messageIDs, r.MessageID)
		}
	}

	msgs, err := m.store.GetMessagesByIDs(ctx, messageIDs)
	if err != nil {
		m.logger.Printf("[MEMORY] related message lookup failed: %v", err)
		return nil
	}
	byID := make(map[int64]store.Message, len(msgs))
	for _, msg := range msgs {
		byID[msg.ID] = msg
	}
	var out []store.Message
	for _, id := range messageIDs {
		if msg, ok := byID[id]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// BuildContext assembles the memory block for a pipeline run: the thread's
// most recent messages in chronological order plus semantically related
// earlier messages not already present in the recent window. Returns the
// empty string when the thread has no history.
func (m *Manager) BuildContext(ctx context.Context, threadID, userMessage string) string {
	recent, err := m.store.ListMessages(ctx, threadID, m.opts.RecentLimit, true)
	if err != nil {
		m.logger.Printf("[MEMORY] recent history lookup failed: %v", err)
		recent = nil
	}
	// ListMessages with newestFirst returns reverse order; flip to
	// chronological.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	seen := make(map[int64]bool, len(recent))
	var b strings.Builder
	if len(recent) > 0 {
		b.WriteString("Recent messages:\n")
	}
	for _, msg := range recent {
		seen[msg.ID] = true
		fmt.Fprintf(&b, "- %s: %s\n", msg.Role, truncate(msg.Content, m.opts.RecentChars))
	}

	var relatedLines []string
	for _, msg := range m.FindRelated(ctx, threadID, userMessage) {
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		relatedLines = append(relatedLines, fmt.Sprintf("- %s: %s", msg.Role, truncate(msg.Content, m.opts.RelatedChars)))
	}
	if len(relatedLines) > 0 {
		b.WriteString("Relevant past context:\n")
		for _, line := range relatedLines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func (m *Manager) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(m.provider.EmbeddingModel() + "\x00" + text))
	return "finsight:emb:" + hex.EncodeToString(sum[:])
}

func (m *Manager) cachedEmbedding(ctx context.Context, key string) []float32 {
	if m.cache == nil {
		return nil
	}
	raw, err := m.cache.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) == 0 {
		return nil
	}
	return vec
}

func (m *Manager) storeCachedEmbedding(ctx context.Context, key string, vec []float32) {
	if m.cache == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, key, raw, embedCacheTTL).Err(); err != nil {
		m.logger.Printf("[MEMORY] embedding cache write failed: %v", err)
	}
}

func (m *Manager) countIndexed(status string) {
	if m.metrics != nil {
		m.metrics.MessagesIndexed.WithLabelValues(status).Inc()
	}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
