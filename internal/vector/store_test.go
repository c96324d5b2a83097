package vector

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/kgraph-dev/kgraph/internal/storage"
)

// newTestStores opens the storage engine on a temp file and binds a vector
// store to its connection.
func newTestStores(t *testing.T) (*storage.Store, *Store) {
	t.Helper()
	s, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "knowledge_graph.db")})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, New(s.DB())
}

func mustEntity(t *testing.T, s *storage.Store, name string) int64 {
	t.Helper()
	id, err := s.CreateEntity(name, "test")
	if err != nil {
		t.Fatalf("CreateEntity(%s): %v", name, err)
	}
	return id
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero norm left", []float32{0, 0}, []float32{1, 1}, 0},
		{"zero norm right", []float32{1, 1}, []float32{0, 0}, 0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s, v := newTestStores(t)
	id := mustEntity(t, s, "alpha")

	vec := []float32{0.1, -0.5, 0.9, 2.25}
	if err := v.Put(id, "all-minilm", vec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := v.Get(id, "all-minilm")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != len(vec) {
		t.Fatalf("got %d dims, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("vec[%d] = %f, want %f", i, got[i], vec[i])
		}
	}
}

func TestPut_UpsertReplaces(t *testing.T) {
	s, v := newTestStores(t)
	id := mustEntity(t, s, "alpha")

	_ = v.Put(id, "all-minilm", []float32{1, 2, 3})
	if err := v.Put(id, "all-minilm", []float32{4, 5}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, _ := v.Get(id, "all-minilm")
	if len(got) != 2 || got[0] != 4 {
		t.Errorf("after upsert got %v", got)
	}
}

func TestMultipleModelsPerEntity(t *testing.T) {
	s, v := newTestStores(t)
	id := mustEntity(t, s, "alpha")

	_ = v.Put(id, "all-minilm", []float32{1, 0})
	_ = v.Put(id, "nomic-embed-text", []float32{0, 1, 0})

	small, _ := v.Get(id, "all-minilm")
	large, _ := v.Get(id, "nomic-embed-text")
	if len(small) != 2 || len(large) != 3 {
		t.Errorf("per-model vectors = %v / %v", small, large)
	}

	// Model unspecified: any one embedding, deterministically the first by
	// model name.
	first, _ := v.Get(id, "")
	if len(first) != 2 {
		t.Errorf("unspecified-model get returned %v", first)
	}
}

func TestGet_Missing(t *testing.T) {
	s, v := newTestStores(t)
	id := mustEntity(t, s, "alpha")

	got, err := v.Get(id, "all-minilm")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("missing embedding = %v, want nil", got)
	}
}

func TestExists_ModelAware(t *testing.T) {
	s, v := newTestStores(t)
	id := mustEntity(t, s, "alpha")
	_ = v.Put(id, "all-minilm", []float32{1, 0})

	if ok, _ := v.Exists(id, "all-minilm"); !ok {
		t.Error("Exists(all-minilm) = false")
	}
	if ok, _ := v.Exists(id, "nomic-embed-text"); ok {
		t.Error("Exists(other model) = true")
	}
	if ok, _ := v.Exists(id, ""); !ok {
		t.Error("Exists(any model) = false")
	}
}

func TestDelete(t *testing.T) {
	s, v := newTestStores(t)
	id := mustEntity(t, s, "alpha")
	_ = v.Put(id, "all-minilm", []float32{1, 0})
	_ = v.Put(id, "nomic-embed-text", []float32{0, 1})

	if err := v.Delete(id, "all-minilm"); err != nil {
		t.Fatalf("Delete one model: %v", err)
	}
	if ok, _ := v.Exists(id, "all-minilm"); ok {
		t.Error("deleted model still exists")
	}
	if ok, _ := v.Exists(id, "nomic-embed-text"); !ok {
		t.Error("other model was deleted too")
	}

	if err := v.Delete(id, ""); err != nil {
		t.Fatalf("Delete all: %v", err)
	}
	if ok, _ := v.Exists(id, ""); ok {
		t.Error("embeddings survive delete-all")
	}
}

func TestDelete_CascadesWithEntity(t *testing.T) {
	s, v := newTestStores(t)
	id := mustEntity(t, s, "alpha")
	_ = v.Put(id, "all-minilm", []float32{1, 0})

	if _, err := s.DeleteEntity("alpha"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	if ok, _ := v.Exists(id, ""); ok {
		t.Error("embedding survived entity cascade")
	}
}

func TestSearch_RanksByCosine(t *testing.T) {
	s, v := newTestStores(t)
	a := mustEntity(t, s, "a")
	b := mustEntity(t, s, "b")
	c := mustEntity(t, s, "c")

	_ = v.Put(a, "m", []float32{1, 0})
	_ = v.Put(b, "m", []float32{0.9, 0.1})
	_ = v.Put(c, "m", []float32{0, 1})

	matches, err := v.Search([]float32{1, 0}, 3, -1, "m")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}
	if matches[0].EntityID != a || matches[1].EntityID != b || matches[2].EntityID != c {
		t.Errorf("order = %v", matches)
	}
	if matches[0].Similarity < 0.999 {
		t.Errorf("exact match similarity = %f", matches[0].Similarity)
	}
}

func TestSearch_ThresholdAndK(t *testing.T) {
	s, v := newTestStores(t)
	a := mustEntity(t, s, "a")
	b := mustEntity(t, s, "b")
	c := mustEntity(t, s, "c")

	_ = v.Put(a, "m", []float32{1, 0})
	_ = v.Put(b, "m", []float32{0.7, 0.7})
	_ = v.Put(c, "m", []float32{-1, 0})

	matches, _ := v.Search([]float32{1, 0}, 10, 0.5, "m")
	if len(matches) != 2 {
		t.Errorf("threshold 0.5 kept %d matches, want 2", len(matches))
	}

	matches, _ = v.Search([]float32{1, 0}, 1, -1, "m")
	if len(matches) != 1 || matches[0].EntityID != a {
		t.Errorf("k=1 returned %v", matches)
	}
}

func TestSearch_FiltersByModel(t *testing.T) {
	s, v := newTestStores(t)
	a := mustEntity(t, s, "a")
	b := mustEntity(t, s, "b")

	_ = v.Put(a, "small", []float32{1, 0})
	_ = v.Put(b, "large", []float32{1, 0, 0})

	matches, err := v.Search([]float32{1, 0}, 10, -1, "small")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].EntityID != a {
		t.Errorf("model filter leaked: %v", matches)
	}
}

func TestDimensionsRecorded(t *testing.T) {
	s, v := newTestStores(t)
	id := mustEntity(t, s, "alpha")
	_ = v.Put(id, "m", []float32{1, 2, 3, 4, 5})

	var dims int
	if err := s.DB().QueryRow(
		`SELECT dimensions FROM embeddings WHERE entity_id = ? AND model_name = 'm'`, id,
	).Scan(&dims); err != nil {
		t.Fatalf("read dimensions: %v", err)
	}
	if dims != 5 {
		t.Errorf("dimensions = %d, want 5", dims)
	}
}

func TestBatchPut(t *testing.T) {
	s, v := newTestStores(t)
	a := mustEntity(t, s, "a")
	b := mustEntity(t, s, "b")

	err := v.BatchPut([]Row{
		{EntityID: a, Model: "m", Vector: []float32{1, 0}},
		{EntityID: b, Model: "m", Vector: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("BatchPut: %v", err)
	}
	for _, id := range []int64{a, b} {
		if ok, _ := v.Exists(id, "m"); !ok {
			t.Errorf("entity %d missing after batch", id)
		}
	}
}

func TestBatchPut_EmptyVectorRollsBack(t *testing.T) {
	s, v := newTestStores(t)
	a := mustEntity(t, s, "a")
	b := mustEntity(t, s, "b")

	err := v.BatchPut([]Row{
		{EntityID: a, Model: "m", Vector: []float32{1, 0}},
		{EntityID: b, Model: "m", Vector: nil},
	})
	if err == nil {
		t.Fatal("expected error for empty vector")
	}
	if ok, _ := v.Exists(a, "m"); ok {
		t.Error("partial batch was committed")
	}
}
