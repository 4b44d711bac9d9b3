package semantic

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"agrama/internal/errors"
	"agrama/internal/logging"
)

func newTestIndex(dim int) *Index {
	return New(logging.NewNop().For(logging.ComponentSemantic), dim, Params{
		M: 16, M0: 32, EFConstruction: 200, EFSearch: 64, LevelMultiplier: 1 / math.Log(2),
	})
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	ix := newTestIndex(4)
	if _, err := ix.Insert([]float32{1, 2, 3}); errors.KindOf(err) != errors.DimensionMismatch {
		t.Fatalf("expected dimension_mismatch, got %v", err)
	}
}

func TestSearchOnEmptyIndex(t *testing.T) {
	ix := newTestIndex(4)
	if _, err := ix.Search([]float32{1, 2, 3, 4}, 5, 32, 0); errors.KindOf(err) != errors.InvalidInput {
		t.Fatalf("expected index_empty error, got %v", err)
	}
}

func TestInsertAndSearchSingleVector(t *testing.T) {
	ix := newTestIndex(3)
	id, err := ix.Insert([]float32{1, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ix.Search([]float32{1, 0, 0}, 1, 32, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].ID != id {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// Recall on two well-separated Gaussian clusters.
func TestClusteredRecall(t *testing.T) {
	const dim = 16
	rng := rand.New(rand.NewSource(42))
	ix := newTestIndex(dim)

	gauss := func(center float32) []float32 {
		v := make([]float32, dim)
		for i := range v {
			v[i] = center + float32(rng.NormFloat64())*0.05
		}
		return v
	}

	var clusterA, clusterB []int
	for i := 0; i < 500; i++ {
		id, err := ix.Insert(gauss(0))
		if err != nil {
			t.Fatal(err)
		}
		clusterA = append(clusterA, id)
	}
	for i := 0; i < 500; i++ {
		id, err := ix.Insert(gauss(10))
		if err != nil {
			t.Fatal(err)
		}
		clusterB = append(clusterB, id)
	}

	query := gauss(0)
	res, err := ix.Search(query, 10, 64, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 10 {
		t.Fatalf("expected 10 results, got %d", len(res))
	}
	inA := map[int]bool{}
	for _, id := range clusterA {
		inA[id] = true
	}
	hits := 0
	for _, r := range res {
		if inA[r.ID] {
			hits++
		}
	}
	if hits < 8 {
		t.Fatalf("expected at least 8/10 nearest neighbors from the query's own cluster, got %d", hits)
	}
	_ = clusterB
}

// A prefix-dimension query distance equals the
// Euclidean distance computed over just the leading D' components of
// the stored full-precision vectors, for any D' <= configured dimension.
func TestPrefixDistanceEquivalence(t *testing.T) {
	const dim = 8
	ix := newTestIndex(dim)
	vecs := [][]float32{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{8, 7, 6, 5, 4, 3, 2, 1},
		{0, 0, 0, 0, 1, 1, 1, 1},
	}
	ids := make([]int, len(vecs))
	for i, v := range vecs {
		id, err := ix.Insert(v)
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}

	query := []float32{1, 2, 3, 4, 0, 0, 0, 0}
	for _, prefixDim := range []int{2, 4, 8} {
		res, err := ix.Search(query, len(vecs), 32, prefixDim)
		if err != nil {
			t.Fatal(err)
		}
		got := make(map[int]float64, len(res))
		for _, r := range res {
			got[r.ID] = r.Distance
		}
		for i, v := range vecs {
			want := dist(query[:prefixDim], v[:prefixDim])
			if math.Abs(got[ids[i]]-want) > 1e-9 {
				t.Fatalf("prefixDim %d: id %d distance = %v, want %v", prefixDim, ids[i], got[ids[i]], want)
			}
		}
	}
}

func TestSearchRejectsOversizedQueryDimension(t *testing.T) {
	ix := newTestIndex(4)
	if _, err := ix.Insert([]float32{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Search([]float32{1, 2, 3, 4}, 1, 32, 8); errors.KindOf(err) != errors.DimensionMismatch {
		t.Fatalf("expected dimension_mismatch, got %v", err)
	}
}

func TestSearchKGreaterThanIndexSizeReturnsAll(t *testing.T) {
	ix := newTestIndex(2)
	for i := 0; i < 3; i++ {
		if _, err := ix.Insert([]float32{float32(i), float32(i)}); err != nil {
			t.Fatal(err)
		}
	}
	res, err := ix.Search([]float32{0, 0}, 100, 32, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 3 {
		t.Fatalf("expected all 3 vectors returned, got %d", len(res))
	}
}

// Deterministic tie-breaking: two coincident vectors at equal distance
// from the query must be ordered by ascending handle.
func TestSearchTieBreakByHandle(t *testing.T) {
	ix := newTestIndex(2)
	id1, err := ix.Insert([]float32{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := ix.Insert([]float32{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ix.Search([]float32{1, 1}, 2, 32, 0)
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{res[0].ID, res[1].ID}
	sort.Ints(ids)
	if ids[0] != id1 || ids[1] != id2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if res[0].ID > res[1].ID && res[0].Distance == res[1].Distance {
		t.Fatalf("expected lower handle first on distance tie, got %+v", res)
	}
}
