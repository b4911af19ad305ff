package vector

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func TestAddAndSearchRanksByCosine(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "vectors.idx"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := idx.Add(1, []float32{1, 0, 0}); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := idx.Add(2, []float32{0, 1, 0}); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if err := idx.Add(3, []float32{0.9, 0.1, 0}); err != nil {
		t.Fatalf("add 3: %v", err)
	}

	ids, scores, err := idx.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if scores[0] < scores[1] {
		t.Fatalf("scores not descending: %v", scores)
	}
	if math.Abs(float64(scores[0])-1.0) > 1e-5 {
		t.Fatalf("expected near-unit score for exact match, got %v", scores[0])
	}
}

func TestSearchPadsToK(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "vectors.idx"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Add(5, []float32{0.5, 0.5}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ids, scores, err := idx.Search([]float32{0.5, 0.5}, 4)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) != 4 || len(scores) != 4 {
		t.Fatalf("expected padded result of 4, got %d/%d", len(ids), len(scores))
	}
	if ids[0] != 5 {
		t.Fatalf("expected id 5 first, got %v", ids)
	}
	for _, id := range ids[1:] {
		if id != NoMatchID {
			t.Fatalf("expected sentinel padding, got %v", ids)
		}
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "vectors.idx"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ids, scores, err := idx.Search([]float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) != 0 || len(scores) != 0 {
		t.Fatalf("expected empty result, got %v %v", ids, scores)
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "vectors.idx"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Add(1, []float32{1, 0, 0}); err != nil {
		t.Fatalf("add: %v", err)
	}

	err = idx.Add(2, []float32{1, 0})
	var dimErr *DimensionMismatchError
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected DimensionMismatchError, got %v", err)
	}
	if dimErr.Want != 3 || dimErr.Got != 2 {
		t.Fatalf("unexpected dims: %+v", dimErr)
	}

	if _, _, err := idx.Search([]float32{1, 0}, 1); !errors.As(err, &dimErr) {
		t.Fatalf("expected DimensionMismatchError on search, got %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.idx")

	idx, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Add(10, []float32{0, 1}); err != nil {
		t.Fatalf("add 10: %v", err)
	}
	if err := idx.Add(11, []float32{1, 0}); err != nil {
		t.Fatalf("add 11: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("expected 2 vectors after reopen, got %d", reopened.Len())
	}
	ids, _, err := reopened.Search([]float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) != 1 || ids[0] != 10 {
		t.Fatalf("unexpected ids after reopen: %v", ids)
	}
}
