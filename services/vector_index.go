package services

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"docuquery-backend/internal/logger"
	"docuquery-backend/models"
)

// VectorIndex holds one document's embeddings in memory, L2-normalized so
// cosine similarity reduces to a dot product. Instances are immutable after
// construction; a rebuild produces a new instance.
type VectorIndex struct {
	dimension int
	vectors   [][]float32
	chunkIDs  []string
	chunkIdx  []int
	sizeBytes int
}

type indexEntry struct {
	ChunkID    string    `json:"chunk_id"`
	ChunkIndex int       `json:"chunk_index"`
	Vector     []float32 `json:"vector"`
}

type indexMeta struct {
	Dimension int       `json:"dimension"`
	Count     int       `json:"count"`
	BuiltAt   time.Time `json:"built_at"`
}

// ScoredChunk is a single search hit. Score is cosine similarity in [-1, 1].
type ScoredChunk struct {
	ChunkID    string
	ChunkIndex int
	Score      float64
}

// IndexStats summarizes one document's index for the stats endpoint.
type IndexStats struct {
	Vectors   int   `json:"vectors"`
	Dimension int   `json:"dimension"`
	SizeBytes int64 `json:"size_bytes"`
}

func newVectorIndex(dimension int) *VectorIndex {
	return &VectorIndex{dimension: dimension}
}

func (v *VectorIndex) add(chunkID string, chunkIndex int, vec []float32) error {
	if len(vec) != v.dimension {
		return fmt.Errorf("vector dimension %d does not match index dimension %d", len(vec), v.dimension)
	}
	v.vectors = append(v.vectors, normalize(vec))
	v.chunkIDs = append(v.chunkIDs, chunkID)
	v.chunkIdx = append(v.chunkIdx, chunkIndex)
	v.sizeBytes += len(chunkID) + 8 + 4*len(vec)
	return nil
}

// Search returns up to k chunks scoring at or above threshold, ordered by
// descending score with ties broken by ascending chunk index. An empty
// result is a valid outcome, not an error.
func (v *VectorIndex) Search(query []float32, k int, threshold float64) ([]ScoredChunk, error) {
	if len(query) != v.dimension {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), v.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	q := normalize(query)
	hits := make([]ScoredChunk, 0, len(v.vectors))
	for i, vec := range v.vectors {
		score := dot(q, vec)
		if score < threshold {
			continue
		}
		hits = append(hits, ScoredChunk{
			ChunkID:    v.chunkIDs[i],
			ChunkIndex: v.chunkIdx[i],
			Score:      score,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (v *VectorIndex) stats() IndexStats {
	return IndexStats{
		Vectors:   len(v.vectors),
		Dimension: v.dimension,
		SizeBytes: int64(v.sizeBytes),
	}
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	if norm == 0 {
		return out
	}
	for i, x := range vec {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// IndexRegistry manages the per-document indexes and persists them to a
// bbolt file, one bucket per document. Indexes are loaded lazily and cached
// in memory; a rebuild replaces both the bucket and the cached instance
// atomically.
type IndexRegistry struct {
	db    *bolt.DB
	mu    sync.RWMutex
	cache map[string]*VectorIndex
}

var metaKey = []byte("!meta")

// NewIndexRegistry opens (or creates) the index database at path.
func NewIndexRegistry(path string) (*IndexRegistry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	return &IndexRegistry{db: db, cache: make(map[string]*VectorIndex)}, nil
}

// Build replaces the index for documentID with one built from chunks and
// their vectors. The old bucket is dropped and rewritten inside a single
// transaction, so readers see either the previous index or the new one.
func (r *IndexRegistry) Build(documentID string, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk count %d does not match vector count %d", len(chunks), len(vectors))
	}
	if len(vectors) == 0 {
		return fmt.Errorf("cannot build an empty index for document %s", documentID)
	}

	dim := len(vectors[0])
	idx := newVectorIndex(dim)
	for i, ch := range chunks {
		if err := idx.add(ch.ChunkID, ch.ChunkIndex, vectors[i]); err != nil {
			return err
		}
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(documentID)) != nil {
			if err := tx.DeleteBucket([]byte(documentID)); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket([]byte(documentID))
		if err != nil {
			return err
		}

		meta, err := json.Marshal(indexMeta{Dimension: dim, Count: len(chunks), BuiltAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		if err := b.Put(metaKey, meta); err != nil {
			return err
		}

		for i, ch := range chunks {
			entry, err := json.Marshal(indexEntry{
				ChunkID:    ch.ChunkID,
				ChunkIndex: ch.ChunkIndex,
				Vector:     idx.vectors[i],
			})
			if err != nil {
				return err
			}
			if err := b.Put(slotKey(i), entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist index for document %s: %w", documentID, err)
	}

	r.mu.Lock()
	r.cache[documentID] = idx
	r.mu.Unlock()

	logger.Debug("Vector index built", "document_id", documentID, "vectors", len(chunks), "dimension", dim)
	return nil
}

// Get returns the index for documentID, loading it from disk on a cache
// miss. ErrNotFound means no index has been built for the document.
func (r *IndexRegistry) Get(documentID string) (*VectorIndex, error) {
	r.mu.RLock()
	idx, ok := r.cache[documentID]
	r.mu.RUnlock()
	if ok {
		return idx, nil
	}

	loaded, err := r.load(documentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another goroutine may have loaded or rebuilt in the meantime.
	if cached, ok := r.cache[documentID]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.cache[documentID] = loaded
	r.mu.Unlock()
	return loaded, nil
}

func (r *IndexRegistry) load(documentID string) (*VectorIndex, error) {
	var idx *VectorIndex
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(documentID))
		if b == nil {
			return ErrNotFound
		}

		raw := b.Get(metaKey)
		if raw == nil {
			return fmt.Errorf("index bucket for %s has no metadata", documentID)
		}
		var meta indexMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("corrupt index metadata for %s: %w", documentID, err)
		}

		idx = newVectorIndex(meta.Dimension)
		for i := 0; i < meta.Count; i++ {
			raw := b.Get(slotKey(i))
			if raw == nil {
				return fmt.Errorf("index for %s is missing slot %d", documentID, i)
			}
			var entry indexEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("corrupt index entry %d for %s: %w", i, documentID, err)
			}
			// Vectors were normalized before persisting; add would
			// renormalize, so append directly.
			idx.vectors = append(idx.vectors, entry.Vector)
			idx.chunkIDs = append(idx.chunkIDs, entry.ChunkID)
			idx.chunkIdx = append(idx.chunkIdx, entry.ChunkIndex)
			idx.sizeBytes += len(entry.ChunkID) + 8 + 4*len(entry.Vector)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// Delete drops the persisted index and evicts the cached copy. Deleting an
// index that does not exist is not an error.
func (r *IndexRegistry) Delete(documentID string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(documentID)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(documentID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete index for document %s: %w", documentID, err)
	}

	r.mu.Lock()
	delete(r.cache, documentID)
	r.mu.Unlock()
	return nil
}

// Stats reports the index footprint for one document.
func (r *IndexRegistry) Stats(documentID string) (IndexStats, error) {
	idx, err := r.Get(documentID)
	if err != nil {
		return IndexStats{}, err
	}
	return idx.stats(), nil
}

// DocumentIDs lists every document with a persisted index. The janitor uses
// it to sweep buckets whose documents no longer exist.
func (r *IndexRegistry) DocumentIDs() ([]string, error) {
	var ids []string
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			ids = append(ids, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *IndexRegistry) Close() error {
	return r.db.Close()
}

func slotKey(i int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(i))
	return key
}
