// Package ann provides approximate nearest neighbor search over cluster
// centroids using HNSW (Hierarchical Navigable Small World graphs).
//
// Pure Go, zero CGO, following Malkov & Yashunin (2018):
// "Efficient and robust approximate nearest neighbor using Hierarchical
// Navigable Small World graphs" — https://arxiv.org/abs/1603.09320
//
// The index holds one vector per claim cluster (the running-mean
// centroid). It is a derived cache of the cluster store: it may return
// an occasional false negative (a near-duplicate reported as new), and
// it can always be rebuilt from the store's centroids after a crash.
package ann

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// Index is an in-memory HNSW index keyed by cluster ID.
type Index struct {
	mu         sync.RWMutex
	nodes      []node
	idToIdx    map[int64]int // cluster ID → node index
	entryPoint int           // index of entry point node (-1 if empty)
	maxLevel   int           // current max level in the graph
	dims       int           // vector dimensionality
	live       int           // node count excluding tombstones

	// Tuning parameters
	M              int     // max connections per layer
	Mmax0          int     // max connections for layer 0 (2*M)
	EfConstruction int     // build-time beam width
	EfSearch       int     // search-time beam width
	LevelMult      float64 // level generation multiplier: 1/ln(M)

	rng *rand.Rand
}

// node is a single centroid in the HNSW graph. Removed nodes become
// tombstones: they stay navigable but are never returned from Search.
type node struct {
	id      int64
	vector  []float32
	friends [][]int // friends[layer] = neighbor node indices
	level   int
	deleted bool
}

// Result is a search hit with cosine distance (1 - similarity).
type Result struct {
	ID       int64
	Distance float32
}

// candidate is used in the beam during search.
type candidate struct {
	idx  int
	dist float32
}

// DefaultM is the default max connections per layer.
const DefaultM = 16

// DefaultEfConstruction is the default build-time beam width.
const DefaultEfConstruction = 200

// DefaultEfSearch is the default search-time beam width.
const DefaultEfSearch = 50

// compactMinDead is the minimum tombstone count before an in-place
// compaction is considered; below it a rebuild costs more than the
// dead nodes do.
const compactMinDead = 16

// New creates an HNSW index for vectors of the given dimensionality.
func New(dims int) *Index {
	return NewWithParams(dims, DefaultM, DefaultEfConstruction, DefaultEfSearch)
}

// NewWithParams creates an HNSW index with custom parameters.
func NewWithParams(dims, m, efConstruction, efSearch int) *Index {
	if m < 2 {
		m = 2
	}
	return &Index{
		dims:           dims,
		M:              m,
		Mmax0:          2 * m,
		EfConstruction: efConstruction,
		EfSearch:       efSearch,
		LevelMult:      1.0 / math.Log(float64(m)),
		entryPoint:     -1,
		maxLevel:       -1,
		idToIdx:        make(map[int64]int),
		rng:            rand.New(rand.NewSource(42)),
	}
}

// Len returns the number of live vectors in the index.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.live
}

// Dims returns the index's vector dimensionality.
func (idx *Index) Dims() int {
	return idx.dims
}

// Has returns true if the given cluster ID is in the index.
func (idx *Index) Has(id int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, exists := idx.idToIdx[id]
	return exists
}

// Insert adds a centroid under the given cluster ID.
// Inserting an existing ID is a no-op; use Update to replace.
func (idx *Index) Insert(id int64, vector []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.insertLocked(id, vector)
}

// Update replaces the centroid for an existing cluster ID. The old node
// is tombstoned and the new vector reinserted, so search quality does
// not degrade as centroids drift. Unknown IDs are inserted.
func (idx *Index) Update(id int64, vector []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
	idx.insertLocked(id, vector)
	idx.maybeCompactLocked()
}

// Remove tombstones the node for the given cluster ID. The node stays
// in the graph for navigation but is never returned from Search.
func (idx *Index) Remove(id int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
	idx.maybeCompactLocked()
}

// maybeCompactLocked rebuilds the graph from the live nodes once
// tombstones outnumber them. Every centroid update leaves one dead
// node behind; without compaction a hot cluster would grow the graph
// one node per attach forever.
func (idx *Index) maybeCompactLocked() {
	dead := len(idx.nodes) - idx.live
	if dead < compactMinDead || dead <= idx.live {
		return
	}
	idx.compactLocked()
}

func (idx *Index) compactLocked() {
	old := idx.nodes
	idx.nodes = make([]node, 0, idx.live)
	idx.idToIdx = make(map[int64]int, idx.live)
	idx.entryPoint = -1
	idx.maxLevel = -1
	idx.live = 0
	for i := range old {
		if !old[i].deleted {
			idx.insertLocked(old[i].id, old[i].vector)
		}
	}
}

func (idx *Index) removeLocked(id int64) {
	nodeIdx, exists := idx.idToIdx[id]
	if !exists {
		return
	}
	if !idx.nodes[nodeIdx].deleted {
		idx.nodes[nodeIdx].deleted = true
		idx.live--
	}
	delete(idx.idToIdx, id)
}

func (idx *Index) insertLocked(id int64, vector []float32) {
	if _, exists := idx.idToIdx[id]; exists {
		return
	}
	if idx.dims == 0 {
		idx.dims = len(vector)
	}

	nodeIdx := len(idx.nodes)
	level := idx.randomLevel()

	n := node{
		id:      id,
		vector:  vector,
		friends: make([][]int, level+1),
		level:   level,
	}

	idx.nodes = append(idx.nodes, n)
	idx.idToIdx[id] = nodeIdx
	idx.live++

	// First node — just set as entry point
	if idx.entryPoint == -1 {
		idx.entryPoint = nodeIdx
		idx.maxLevel = level
		return
	}

	// Greedy descent from the top layer down to the node's level + 1
	ep := idx.entryPoint
	for l := idx.maxLevel; l > level; l-- {
		ep = idx.greedyClosest(vector, ep, l)
	}

	topLayer := level
	if topLayer > idx.maxLevel {
		topLayer = idx.maxLevel
	}

	// For each layer from min(level, maxLevel) down to 0: beam search,
	// select neighbors, create bidirectional links.
	for l := topLayer; l >= 0; l-- {
		candidates := idx.searchLayer(vector, ep, idx.EfConstruction, l)

		maxConn := idx.M
		if l == 0 {
			maxConn = idx.Mmax0
		}
		neighbors := idx.selectNeighbors(candidates, maxConn)

		idx.nodes[nodeIdx].friends[l] = neighbors

		for _, neighborIdx := range neighbors {
			idx.nodes[neighborIdx].friends[l] = append(idx.nodes[neighborIdx].friends[l], nodeIdx)

			if len(idx.nodes[neighborIdx].friends[l]) > maxConn {
				idx.nodes[neighborIdx].friends[l] = idx.shrinkNeighbors(
					neighborIdx, idx.nodes[neighborIdx].friends[l], maxConn, l,
				)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0].idx
		}
	}

	if level > idx.maxLevel {
		idx.entryPoint = nodeIdx
		idx.maxLevel = level
	}
}

// Search finds the K nearest live centroids to the query vector.
// Results are sorted by distance ascending (closest first).
func (idx *Index) Search(query []float32, k int) []Result {
	return idx.SearchEf(query, k, idx.EfSearch)
}

// SearchEf finds the K nearest neighbors with a custom beam width.
// Higher ef = better recall but slower.
func (idx *Index) SearchEf(query []float32, k, ef int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.live == 0 || idx.entryPoint == -1 {
		return nil
	}

	if ef < k {
		ef = k
	}

	ep := idx.entryPoint
	for l := idx.maxLevel; l > 0; l-- {
		ep = idx.greedyClosest(query, ep, l)
	}

	candidates := idx.searchLayer(query, ep, ef, 0)

	results := make([]Result, 0, k)
	for _, c := range candidates {
		if idx.nodes[c.idx].deleted {
			continue
		}
		results = append(results, Result{ID: idx.nodes[c.idx].id, Distance: c.dist})
		if len(results) == k {
			break
		}
	}
	return results
}

// randomLevel draws a level from the geometric distribution.
func (idx *Index) randomLevel() int {
	r := idx.rng.Float64()
	if r == 0 {
		r = 1e-10 // avoid log(0)
	}
	return int(math.Floor(-math.Log(r) * idx.LevelMult))
}

// greedyClosest finds the single closest node to query at the given
// layer, starting from entry point ep. Tombstones are navigable.
func (idx *Index) greedyClosest(query []float32, ep int, layer int) int {
	dist := cosineDistance(query, idx.nodes[ep].vector)

	for {
		improved := false
		if layer < len(idx.nodes[ep].friends) {
			for _, friendIdx := range idx.nodes[ep].friends[layer] {
				friendDist := cosineDistance(query, idx.nodes[friendIdx].vector)
				if friendDist < dist {
					ep = friendIdx
					dist = friendDist
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return ep
}

// searchLayer performs beam search at a single layer.
// Returns up to ef candidates sorted by distance ascending.
func (idx *Index) searchLayer(query []float32, ep int, ef int, layer int) []candidate {
	visited := make(map[int]bool)
	visited[ep] = true

	epDist := cosineDistance(query, idx.nodes[ep].vector)
	candidates := []candidate{{idx: ep, dist: epDist}}
	results := []candidate{{idx: ep, dist: epDist}}

	for len(candidates) > 0 {
		closest := candidates[0]
		candidates = candidates[1:]

		farthest := results[len(results)-1]
		if closest.dist > farthest.dist && len(results) >= ef {
			break
		}

		if layer < len(idx.nodes[closest.idx].friends) {
			for _, neighborIdx := range idx.nodes[closest.idx].friends[layer] {
				if visited[neighborIdx] {
					continue
				}
				visited[neighborIdx] = true

				neighborDist := cosineDistance(query, idx.nodes[neighborIdx].vector)

				if neighborDist < results[len(results)-1].dist || len(results) < ef {
					candidates = insertSorted(candidates, candidate{idx: neighborIdx, dist: neighborDist})
					results = insertSorted(results, candidate{idx: neighborIdx, dist: neighborDist})

					if len(results) > ef {
						results = results[:ef]
					}
				}
			}
		}
	}

	return results
}

// selectNeighbors picks the closest maxConn neighbors from candidates.
func (idx *Index) selectNeighbors(candidates []candidate, maxConn int) []int {
	if len(candidates) <= maxConn {
		neighbors := make([]int, len(candidates))
		for i, c := range candidates {
			neighbors[i] = c.idx
		}
		return neighbors
	}

	neighbors := make([]int, maxConn)
	for i := 0; i < maxConn; i++ {
		neighbors[i] = candidates[i].idx
	}
	return neighbors
}

// shrinkNeighbors prunes a neighbor list to maxConn by keeping closest.
func (idx *Index) shrinkNeighbors(nodeIdx int, neighbors []int, maxConn int, layer int) []int {
	if len(neighbors) <= maxConn {
		return neighbors
	}

	type scored struct {
		idx  int
		dist float32
	}

	ranked := make([]scored, len(neighbors))
	vec := idx.nodes[nodeIdx].vector
	for i, nIdx := range neighbors {
		ranked[i] = scored{idx: nIdx, dist: cosineDistance(vec, idx.nodes[nIdx].vector)}
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].dist < ranked[j].dist
	})

	result := make([]int, maxConn)
	for i := 0; i < maxConn; i++ {
		result[i] = ranked[i].idx
	}
	return result
}

// insertSorted inserts a candidate into a distance-sorted slice.
func insertSorted(s []candidate, c candidate) []candidate {
	i := sort.Search(len(s), func(i int) bool { return s[i].dist >= c.dist })
	s = append(s, candidate{})
	copy(s[i+1:], s[i:])
	s[i] = c
	return s
}

// cosineDistance returns 1 - cosine_similarity. Range [0, 2], lower is
// more similar. Mismatched or zero-norm vectors get max distance.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 2.0
	}

	sim := dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
	return 1.0 - sim
}
