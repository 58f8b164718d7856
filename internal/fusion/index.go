package fusion

import (
	"sync"

	"github.com/coder/hnsw"

	"github.com/abelbrown/eventline/internal/logging"
)

// Index is the approximate-neighbor accelerator for candidate
// pre-selection. It never decides a merge by itself; the exact funnel
// gates run on whatever it returns.
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[string]
}

func NewIndex() *Index {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 32
	return &Index{graph: g}
}

// Add indexes an event's embedding. Re-adding an id is a no-op.
func (ix *Index) Add(id string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("HNSW panic recovered in Add", "error", r, "id", id)
		}
	}()
	if _, exists := ix.graph.Lookup(id); exists {
		return
	}
	ix.graph.Add(hnsw.MakeNode(id, vec))
}

// Candidate is one approximate neighbor with its exact similarity.
type Candidate struct {
	ID         string
	Similarity float64
}

// Neighbors returns up to k indexed events nearest to vec, excluding
// excludeID. CosineDistance maps to similarity as 1 - d/2.
func (ix *Index) Neighbors(vec []float32, k int, excludeID string) []Candidate {
	if len(vec) == 0 || k <= 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []Candidate
	defer func() {
		if r := recover(); r != nil {
			logging.Error("HNSW panic recovered in Neighbors", "error", r)
			out = nil
		}
	}()

	if ix.graph.Len() == 0 {
		return nil
	}
	for _, n := range ix.graph.Search(vec, k+1) {
		if n.Key == excludeID || len(n.Value) != len(vec) {
			continue
		}
		d := hnsw.CosineDistance(vec, n.Value)
		out = append(out, Candidate{ID: n.Key, Similarity: float64(1.0 - d/2.0)})
		if len(out) == k {
			break
		}
	}
	return out
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.graph.Len()
}
