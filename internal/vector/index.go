// Package vector implements a durable flat inner-product index over
// fixed-dimension float vectors.
//
// Vectors are L2-normalized on the way in, so inner-product scores are
// cosine similarities. The whole index is rewritten to disk after every
// insertion via write-temp-then-rename, so a crash loses at most the
// in-flight insertion.
package vector

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// NoMatchID pads search results when the index holds fewer than k vectors.
// Callers are expected to skip it.
const NoMatchID int64 = -1

// DimensionMismatchError reports an insertion whose dimension differs from
// the index's fixed dimension.
type DimensionMismatchError struct {
	Want, Got int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: index has %d, got %d", e.Want, e.Got)
}

// Index is an append-only nearest-neighbor index keyed by integer id.
// All operations are serialized under one exclusive lock: the index is
// persisted synchronously after each insertion and a concurrent search
// must never observe a partially written state.
type Index struct {
	path string

	mu   sync.Mutex
	dim  int
	ids  []int64
	vecs [][]float32
}

type indexFile struct {
	Dim  int
	IDs  []int64
	Vecs [][]float32
}

// Open loads the index at path, or returns an empty index when the file
// does not exist yet.
func Open(path string) (*Index, error) {
	idx := &Index{path: path}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	var data indexFile
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	idx.dim = data.Dim
	idx.ids = data.IDs
	idx.vecs = data.Vecs
	return idx, nil
}

// Len reports the number of stored vectors.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.ids)
}

// Add inserts vec under id and persists the index. The dimension is fixed
// by the first insertion; later mismatches fail with DimensionMismatchError.
func (idx *Index) Add(id int64, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty vector")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dim == 0 {
		idx.dim = len(vec)
	} else if len(vec) != idx.dim {
		return &DimensionMismatchError{Want: idx.dim, Got: len(vec)}
	}

	idx.ids = append(idx.ids, id)
	idx.vecs = append(idx.vecs, normalize(vec))

	if err := idx.persistLocked(); err != nil {
		// roll back the in-memory insert so memory and disk stay in sync
		idx.ids = idx.ids[:len(idx.ids)-1]
		idx.vecs = idx.vecs[:len(idx.vecs)-1]
		return err
	}
	return nil
}

// Search returns the ids and inner-product scores of the k nearest vectors
// in descending score order. Results are padded to k with NoMatchID. An
// empty index yields empty slices.
func (idx *Index) Search(vec []float32, k int) ([]int64, []float32, error) {
	if k <= 0 {
		return nil, nil, nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.ids) == 0 {
		return []int64{}, []float32{}, nil
	}
	if len(vec) != idx.dim {
		return nil, nil, &DimensionMismatchError{Want: idx.dim, Got: len(vec)}
	}

	q := normalize(vec)
	type hit struct {
		id    int64
		score float32
	}
	hits := make([]hit, len(idx.ids))
	for i, v := range idx.vecs {
		hits[i] = hit{id: idx.ids[i], score: dot(q, v)}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	ids := make([]int64, k)
	scores := make([]float32, k)
	for i := 0; i < k; i++ {
		if i < len(hits) {
			ids[i] = hits[i].id
			scores[i] = hits[i].score
		} else {
			ids[i] = NoMatchID
		}
	}
	return ids, scores, nil
}

// persistLocked rewrites the index file atomically. Caller holds mu.
func (idx *Index) persistLocked() error {
	dir := filepath.Dir(idx.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vectors-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	defer os.Remove(tmp.Name())

	data := indexFile{Dim: idx.dim, IDs: idx.ids, Vecs: idx.vecs}
	if err := gob.NewEncoder(tmp).Encode(&data); err != nil {
		tmp.Close()
		return fmt.Errorf("encode index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmp.Name(), idx.path); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
