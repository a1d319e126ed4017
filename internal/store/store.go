// Package store is a persistent collection of (id, vector, payload)
// triples with cosine similarity search, equality metadata filters,
// retrieve-by-id, delete-by-file, scroll, and stats.
//
// Unfiltered top-k search runs over a coder/hnsw approximate-NN graph.
// coder/hnsw has no notion of payload or predicate pushdown, so a
// filtered search instead walks the in-process payload map directly and
// ranks the matching subset by brute-force cosine similarity — the same
// "filter candidates, then score" shape used by chromem-go-backed
// filtered search elsewhere in this domain.
package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"github.com/mag-mcp/magserver/internal/magerr"
)

// namespaceUUID is the fixed namespace deterministic chunk-id-to-store-key
// derivation hangs off, matching the uuid5(NAMESPACE_UUID, chunk_id)
// scheme this domain has always used.
var namespaceUUID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// StoreKey derives a deterministic UUID for a chunk id: repeated calls
// with the same chunkID always produce the same key. Store itself keys
// points by the chunk id string and does not call StoreKey.
func StoreKey(chunkID string) uuid.UUID {
	return uuid.NewSHA1(namespaceUUID, []byte(chunkID))
}

// Point is one (id, vector, payload) triple as presented to the store.
// Payload carries all chunk metadata, including the chunk text under
// "document"; the store adds "_original_id" and keeps every other key,
// such as "file_mtime", as given.
type Point struct {
	ChunkID string
	Vector  []float32
	Payload map[string]any
}

// Result is one ranked hit from Search.
type Result struct {
	ChunkID  string
	Document string
	Payload  map[string]any
	Score    float32 // cosine similarity in [-1, 1]
}

// Stats summarizes the collection from a sampled scroll.
type Stats struct {
	TotalChunks         int
	UniqueFilesSampled  int
	CodeTypes           []string
}

// Store is a vector+payload collection. All mutating operations
// (Upsert, DeleteByFile, Clear, UpdateMetadata) serialize on the write
// side of a single sync.RWMutex, which is not reentrant: no mutating
// method calls another. Reads (Search, Retrieve, Count, ListFiles,
// GetStats, Scroll) take only the shared read lock, so they run
// concurrently with each other and wait for any in-progress write.
type Store struct {
	mu sync.RWMutex

	dims  int
	graph *hnsw.Graph[uint64]

	idToKey map[string]uint64
	keyToID map[uint64]string
	nextKey uint64

	vectors  map[string][]float32 // normalized, keyed by chunkID; backs filtered brute-force search
	payloads map[string]map[string]any
}

// New builds an empty Store. dims is established at first Upsert if 0.
func New(dims int) *Store {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25

	return &Store{
		dims:     dims,
		graph:    g,
		idToKey:  make(map[string]uint64),
		keyToID:  make(map[uint64]string),
		vectors:  make(map[string][]float32),
		payloads: make(map[string]map[string]any),
	}
}

// Upsert atomically inserts or replaces points. If the first point's
// vector dimension differs from the collection's established D, the
// collection is dropped and recreated at the new D (one-time bootstrap).
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dims != 0 && len(points[0].Vector) != s.dims {
		s.resetLocked(len(points[0].Vector))
	} else if s.dims == 0 {
		s.dims = len(points[0].Vector)
	}

	// Validate the whole batch first so a mismatch leaves the store untouched.
	for _, p := range points {
		if len(p.Vector) != s.dims {
			return magerr.Store(fmt.Sprintf("vector dimension mismatch: expected %d, got %d", s.dims, len(p.Vector)), nil)
		}
	}

	for _, p := range points {
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		normalize(vec)

		if existingKey, ok := s.idToKey[p.ChunkID]; ok {
			delete(s.keyToID, existingKey) // lazy delete: orphan the graph node rather than remove it
		}
		key := s.nextKey
		s.nextKey++
		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idToKey[p.ChunkID] = key
		s.keyToID[key] = p.ChunkID
		s.vectors[p.ChunkID] = vec

		payload := clonePayload(p.Payload)
		payload["_original_id"] = p.ChunkID
		s.payloads[p.ChunkID] = payload
	}
	return nil
}

// resetLocked drops the collection and recreates it at a new dimension.
// Caller must hold s.mu.
func (s *Store) resetLocked(newDims int) {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25

	s.graph = g
	s.dims = newDims
	s.idToKey = make(map[string]uint64)
	s.keyToID = make(map[uint64]string)
	s.vectors = make(map[string][]float32)
	s.payloads = make(map[string]map[string]any)
	s.nextKey = 0
}

// Search returns up to k nearest neighbours to query, optionally
// restricted to points whose payload matches every equality predicate in
// where. An empty or missing collection returns an empty result, never
// an error.
func (s *Store) Search(ctx context.Context, query []float32, k int, where map[string]any) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.payloads) == 0 {
		return []Result{}, nil
	}
	if s.dims != 0 && len(query) != s.dims {
		return nil, magerr.Store(fmt.Sprintf("query dimension mismatch: expected %d, got %d", s.dims, len(query)), nil)
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalize(q)

	if len(where) == 0 {
		return s.searchUnfilteredLocked(q, k), nil
	}
	return s.searchFilteredLocked(q, k, where), nil
}

func (s *Store) searchUnfilteredLocked(query []float32, k int) []Result {
	if s.graph.Len() == 0 {
		return []Result{}
	}
	nodes := s.graph.Search(query, k)
	out := make([]Result, 0, len(nodes))
	for _, n := range nodes {
		id, ok := s.keyToID[n.Key]
		if !ok {
			continue // lazily-deleted node
		}
		payload := s.payloads[id]
		dist := s.graph.Distance(query, n.Value)
		out = append(out, Result{
			ChunkID:  id,
			Document: documentOf(payload),
			Payload:  withoutInternalKeys(payload),
			Score:    cosineDistanceToSimilarity(dist),
		})
	}
	return out
}

func (s *Store) searchFilteredLocked(query []float32, k int, where map[string]any) []Result {
	var candidates []Result
	for id, payload := range s.payloads {
		if !matchesWhere(payload, where) {
			continue
		}
		vec, ok := s.vectors[id]
		if !ok {
			continue
		}
		score := cosineSimilarity(query, vec)
		candidates = append(candidates, Result{
			ChunkID:  id,
			Document: documentOf(payload),
			Payload:  withoutInternalKeys(payload),
			Score:    score,
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// Retrieve returns the stored vector and payload for id, or (nil, false)
// if absent. The returned payload omits "document" and "_original_id".
func (s *Store) Retrieve(chunkID string) (*Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.payloads[chunkID]
	if !ok {
		return nil, false
	}
	vec := s.vectors[chunkID]
	cp := make([]float32, len(vec))
	copy(cp, vec)
	return &Point{ChunkID: chunkID, Vector: cp, Payload: withoutInternalKeys(payload)}, true
}

// DeleteByFile removes every point whose payload.file equals file,
// returning the count deleted.
func (s *Store) DeleteByFile(ctx context.Context, file string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, payload := range s.payloads {
		if fmt.Sprint(payload["file"]) == file {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		if key, ok := s.idToKey[id]; ok {
			delete(s.keyToID, key)
		}
		delete(s.idToKey, id)
		delete(s.vectors, id)
		delete(s.payloads, id)
	}
	return len(ids)
}

// Clear removes every point, resetting the collection to empty.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(s.dims)
}

// Count returns the number of live points.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payloads)
}

// ListFiles returns up to limit unique file paths, sorted.
func (s *Store) ListFiles(limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	for _, payload := range s.payloads {
		if f, ok := payload["file"].(string); ok {
			set[f] = struct{}{}
		}
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files
}

// GetStats samples up to 1000 points to summarize the collection.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const sampleLimit = 1000
	files := make(map[string]struct{})
	types := make(map[string]struct{})

	sampled := 0
	for _, payload := range s.payloads {
		if sampled >= sampleLimit {
			break
		}
		sampled++
		if f, ok := payload["file"].(string); ok {
			files[f] = struct{}{}
		}
		if t, ok := payload["type"].(string); ok {
			types[t] = struct{}{}
		}
	}

	typeList := make([]string, 0, len(types))
	for t := range types {
		typeList = append(typeList, t)
	}
	sort.Strings(typeList)

	return Stats{
		TotalChunks:        len(s.payloads),
		UniqueFilesSampled: len(files),
		CodeTypes:          typeList,
	}
}

// UpdateMetadata replaces a point's payload, preserving "document" and
// "_original_id", and re-upserts with the same vector.
func (s *Store) UpdateMetadata(ctx context.Context, chunkID string, newPayload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.payloads[chunkID]
	if !ok {
		return magerr.NotFound("no such chunk: " + chunkID)
	}
	merged := clonePayload(newPayload)
	merged["document"] = existing["document"]
	merged["_original_id"] = chunkID
	s.payloads[chunkID] = merged
	return nil
}

// Scroll enumerates points whose payload matches every equality
// predicate in where (nil/empty matches everything), up to limit (0 =
// unbounded). This is the first-class alternative to a collection.get
// compatibility shim.
func (s *Store) Scroll(where map[string]any, limit int) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Point
	for id, payload := range s.payloads {
		if !matchesWhere(payload, where) {
			continue
		}
		out = append(out, Point{ChunkID: id, Vector: s.vectors[id], Payload: withoutInternalKeys(payload)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func matchesWhere(payload map[string]any, where map[string]any) bool {
	for k, v := range where {
		if v == nil || fmt.Sprint(v) == "" {
			continue
		}
		if fmt.Sprint(payload[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func documentOf(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if d, ok := payload["document"].(string); ok {
		return d
	}
	return ""
}

func withoutInternalKeys(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "document" || k == "_original_id" {
			continue
		}
		out[k] = v
	}
	return out
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func normalize(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

func cosineSimilarity(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot) // a, b already unit-normalized
}

// cosineDistanceToSimilarity converts coder/hnsw's cosine distance
// (0 = identical, 2 = opposite) back into a [-1, 1] similarity score.
func cosineDistanceToSimilarity(distance float32) float32 {
	return 1 - distance
}

// --- persistence ---

type persisted struct {
	Dims     int
	IDToKey  map[string]uint64
	NextKey  uint64
	Vectors  map[string][]float32
	Payloads map[string]map[string]any
}

// Save persists the store to path (graph + metadata) atomically.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return magerr.Store("failed to create store directory", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return magerr.Store("failed to create store file", err)
	}
	if err := s.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return magerr.Store("failed to export graph", err)
	}
	if err := f.Close(); err != nil {
		return magerr.Store("failed to close store file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return magerr.Store("failed to finalize store file", err)
	}

	return s.saveMeta(path + ".meta")
}

func (s *Store) saveMeta(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return magerr.Store("failed to create metadata file", err)
	}
	meta := persisted{
		Dims: s.dims, IDToKey: s.idToKey, NextKey: s.nextKey,
		Vectors: s.vectors, Payloads: s.payloads,
	}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return magerr.Store("failed to encode metadata", err)
	}
	if err := f.Close(); err != nil {
		return magerr.Store("failed to close metadata file", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a store previously written by Save.
func Load(path string) (*Store, error) {
	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return New(0), nil
		}
		return nil, magerr.Store("failed to open metadata file", err)
	}
	defer func() { _ = metaFile.Close() }()

	var meta persisted
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return nil, magerr.Store("failed to decode metadata", err)
	}

	s := New(meta.Dims)
	s.idToKey = meta.IDToKey
	s.nextKey = meta.NextKey
	s.vectors = meta.Vectors
	s.payloads = meta.Payloads
	s.keyToID = make(map[uint64]string, len(meta.IDToKey))
	for id, key := range meta.IDToKey {
		s.keyToID[key] = id
	}

	graphFile, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, magerr.Store("failed to open graph file", err)
	}
	defer func() { _ = graphFile.Close() }()

	reader := bufio.NewReader(graphFile)
	if err := s.graph.Import(reader); err != nil {
		return nil, magerr.Store("failed to import graph", err)
	}
	return s, nil
}
