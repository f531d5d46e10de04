// Package index is the persistent tool catalog: a bbolt-backed table plus a
// bleve full-text projection and a co-occurrence table used for bundle
// suggestions.
//
// bbolt gives the "tools" table its ACID, single-file-on-disk semantics;
// bleve gives it the "tools_fts" projection. Both are kept in lockstep by
// this package on every mutation rather than by native database triggers,
// since bbolt has none — the invariant (FTS never observably out of sync
// with the main table) is enforced procedurally instead: the bleve update
// runs right after the bbolt write transaction commits, while the Store's
// write lock is still held, so no reader of this Store sees the gap. A bleve
// failure after that commit is returned to the caller; the committed bbolt
// rows are not rolled back.
package index

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketTools       = "tools"
	bucketCooccur     = "tool_cooccurrences"
	bucketMeta        = "meta"
	keySeq            = "next_id"
	ftsOperatorChars  = `*"(){}[]^~\`
)

// Tool is the persisted projection of an upstream tool.
type Tool struct {
	ID          uint64          `json:"id"`
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
	ServerKey   string          `json:"serverKey"`
	SchemaHash  string          `json:"schemaHash"`
	Embedding   []float32       `json:"embedding,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// QualifiedName returns "<server-key>:<tool-name>".
func (t Tool) QualifiedName() string {
	return t.ServerKey + ":" + t.Name
}

// SearchHit is one result row from Search or SearchSemantic.
type SearchHit struct {
	Tool  Tool
	Score float64
}

// CooccurrenceRecord is the persisted unordered-pair usage count.
type CooccurrenceRecord struct {
	ToolA      string    `json:"toolA"`
	ToolB      string    `json:"toolB"`
	Count      int64     `json:"count"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// Store is the embedded relational store backing all search state.
type Store struct {
	mu   sync.RWMutex
	db   *bolt.DB
	fts  bleve.Index
	path string
}

// Open opens (creating if necessary) the index at path. An empty path opens
// a store backed by a fresh temporary directory (both bbolt and bleve files
// live there); Close does not remove that directory.
func Open(path string) (*Store, error) {
	dbPath := path
	ftsPath := ""
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
		ftsPath = path + ".bleve"
	} else {
		dir, err := os.MkdirTemp("", "metamcp-index-*")
		if err != nil {
			return nil, fmt.Errorf("create temp index dir: %w", err)
		}
		dbPath = filepath.Join(dir, "index.db")
		ftsPath = filepath.Join(dir, "index.bleve")
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{bucketTools, bucketCooccur, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	fts, err := openOrCreateFTS(ftsPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, fts: fts, path: dbPath}, nil
}

func openOrCreateFTS(path string) (bleve.Index, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return idx, nil
	}
	mapping := bleve.NewIndexMapping()
	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, fmt.Errorf("create fts index: %w", err)
	}
	return idx, nil
}

// Close releases the bbolt and bleve handles. Calling it again is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	defer func() { s.fts, s.db = nil, nil }()
	var errs []error
	if err := s.fts.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close index: %v", errs)
	}
	return nil
}

func toolKey(name, serverKey string) []byte {
	return []byte(serverKey + "\x00" + name)
}

type ftsDoc struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// IndexTool upserts a single tool by (name, serverKey).
func (s *Store) IndexTool(t Tool) (Tool, error) {
	res, err := s.IndexTools([]Tool{t})
	if err != nil {
		return Tool{}, err
	}
	return res[0], nil
}

// IndexTools upserts a batch of tools inside one bbolt transaction,
// recomputing schema_hash and updated_at, and keeps the FTS projection in
// lockstep.
func (s *Store) IndexTools(tools []Tool) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Tool, len(tools))
	// UTC without a monotonic reading, so the returned timestamps equal what
	// a later read decodes from the stored JSON.
	now := time.Now().UTC().Round(0)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketTools))
		meta := tx.Bucket([]byte(bucketMeta))
		for i, t := range tools {
			t.SchemaHash = stableHash(t.InputSchema)
			key := toolKey(t.Name, t.ServerKey)
			existing := b.Get(key)
			if existing != nil {
				var prev Tool
				if err := json.Unmarshal(existing, &prev); err != nil {
					return fmt.Errorf("decode existing tool %s: %w", key, err)
				}
				t.ID = prev.ID
				t.CreatedAt = prev.CreatedAt
				if t.Embedding == nil {
					t.Embedding = prev.Embedding
				}
			} else {
				id, err := nextID(meta)
				if err != nil {
					return err
				}
				t.ID = id
				t.CreatedAt = now
			}
			t.UpdatedAt = now

			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("encode tool: %w", err)
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			out[i] = t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, t := range out {
		desc := ""
		if t.Description != nil {
			desc = *t.Description
		}
		if err := s.fts.Index(t.QualifiedName(), ftsDoc{Name: t.Name, Description: desc}); err != nil {
			return nil, fmt.Errorf("update fts for %s: %w", t.QualifiedName(), err)
		}
	}
	return out, nil
}

func nextID(meta *bolt.Bucket) (uint64, error) {
	raw := meta.Get([]byte(keySeq))
	var next uint64 = 1
	if raw != nil {
		next = binary.BigEndian.Uint64(raw) + 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := meta.Put([]byte(keySeq), buf); err != nil {
		return 0, err
	}
	return next, nil
}

// HashSchema exposes the same canonicalized schema hash IndexTools computes
// internally, so callers that need to compare schemas without a round trip
// through the store (the Background Refresher's pre/post diff) can reuse it.
func HashSchema(schema json.RawMessage) string {
	return stableHash(schema)
}

// stableHash is a pure function of the canonicalized input schema: decode
// to a generic value and re-encode with sorted map keys (encoding/json
// already sorts map[string]any keys), so semantically identical schemas with
// different key order hash identically.
func stableHash(schema json.RawMessage) string {
	if len(schema) == 0 {
		schema = []byte("{}")
	}
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		sum := sha256.Sum256(schema)
		return fmt.Sprintf("%x", sum)
	}
	canonical, _ := json.Marshal(v)
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum)
}

// GetTool returns the tool for (name, serverKey), if present.
func (s *Store) GetTool(name, serverKey string) (Tool, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t Tool
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketTools)).Get(toolKey(name, serverKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	return t, found, err
}

// GetToolsForServer returns every tool owned by serverKey.
func (s *Store) GetToolsForServer(serverKey string) ([]Tool, error) {
	return s.filterTools(func(t Tool) bool { return t.ServerKey == serverKey })
}

// GetAllTools returns every indexed tool.
func (s *Store) GetAllTools() ([]Tool, error) {
	return s.filterTools(func(Tool) bool { return true })
}

func (s *Store) filterTools(pred func(Tool) bool) ([]Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Tool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTools)).ForEach(func(_, v []byte) error {
			var t Tool
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if pred(t) {
				out = append(out, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName() < out[j].QualifiedName() })
	return out, nil
}

// RemoveTool deletes the tool for (name, serverKey). It returns whether a
// row existed, checked before the delete because bbolt's Delete does not
// report it; the FTS document is removed only when a row existed.
func (s *Store) RemoveTool(name, serverKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := toolKey(name, serverKey)
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketTools))
		if b.Get(key) != nil {
			existed = true
		}
		return b.Delete(key)
	})
	if err != nil {
		return false, err
	}
	if existed {
		if err := s.fts.Delete(serverKey + ":" + name); err != nil {
			return false, fmt.Errorf("remove fts doc: %w", err)
		}
	}
	return existed, nil
}

// RemoveToolsForServer deletes every tool owned by serverKey, returning the
// pre-count.
func (s *Store) RemoveToolsForServer(serverKey string) (int, error) {
	tools, err := s.GetToolsForServer(serverKey)
	if err != nil {
		return 0, err
	}
	for _, t := range tools {
		if _, err := s.RemoveTool(t.Name, t.ServerKey); err != nil {
			return 0, err
		}
	}
	return len(tools), nil
}

// UpdateEmbedding sets the embedding for an existing (name, serverKey) row,
// returning whether the row existed.
func (s *Store) UpdateEmbedding(name, serverKey string, vec []float32) (bool, error) {
	n, err := s.UpdateEmbeddings(map[[2]string][]float32{{serverKey, name}: vec})
	return n == 1, err
}

// UpdateEmbeddings batch-upserts vectors in one transaction, keyed by
// [serverKey, name], returning the count of rows that actually existed.
func (s *Store) UpdateEmbeddings(vecs map[[2]string][]float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketTools))
		for k, vec := range vecs {
			serverKey, name := k[0], k[1]
			key := toolKey(name, serverKey)
			data := b.Get(key)
			if data == nil {
				continue
			}
			var t Tool
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			t.Embedding = vec
			t.UpdatedAt = time.Now()
			encoded, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := b.Put(key, encoded); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// prepareFTSQuery strips the FTS operator set, collapses whitespace, and
// splits the user query into terms.
func prepareFTSQuery(q string) []string {
	var b strings.Builder
	for _, r := range q {
		if strings.ContainsRune(ftsOperatorChars, r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	fields := strings.Fields(b.String())
	return fields
}

func buildFTSQuery(terms []string) bleveQuery.Query {
	if len(terms) == 0 {
		return bleve.NewMatchNoneQuery()
	}
	disjunct := bleve.NewDisjunctionQuery()
	for _, term := range terms {
		nameQ := bleve.NewPrefixQuery(strings.ToLower(term))
		nameQ.SetField("name")
		descQ := bleve.NewPrefixQuery(strings.ToLower(term))
		descQ.SetField("description")
		disjunct.AddQuery(nameQ, descQ)
	}
	return disjunct
}

// Search runs the FTS query and joins hits back to the tools bucket, ordered
// with the best match first (Score descending, higher is better).
func (s *Store) Search(q string, limit int) ([]SearchHit, error) {
	terms := prepareFTSQuery(q)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	req := bleve.NewSearchRequestOptions(buildFTSQuery(terms), limit, 0, false)
	res, err := s.fts.Search(req)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}

	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		parts := strings.SplitN(h.ID, ":", 2)
		if len(parts) != 2 {
			continue
		}
		t, found, err := s.getToolLocked(parts[1], parts[0])
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		hits = append(hits, SearchHit{Tool: t, Score: h.Score})
	}
	return hits, nil
}

// SearchCount returns the total number of rows matching the same prepared
// FTS query as Search, independent of limit.
func (s *Store) SearchCount(q string) (int, error) {
	terms := prepareFTSQuery(q)
	if len(terms) == 0 {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	req := bleve.NewSearchRequestOptions(buildFTSQuery(terms), 1, 0, false)
	res, err := s.fts.Search(req)
	if err != nil {
		return 0, fmt.Errorf("fts count: %w", err)
	}
	return int(res.Total), nil
}

func (s *Store) getToolLocked(name, serverKey string) (Tool, bool, error) {
	var t Tool
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketTools)).Get(toolKey(name, serverKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	return t, found, err
}

// SearchSemantic loads every tool with a non-nil embedding, ranks by cosine
// similarity (a dot product, since vectors are unit-norm) against qv, and
// returns the top-K descending.
func (s *Store) SearchSemantic(qv []float32, limit int) ([]SearchHit, error) {
	all, err := s.GetAllTools()
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(all))
	for _, t := range all {
		if t.Embedding == nil {
			continue
		}
		hits = append(hits, SearchHit{Tool: t, Score: dot(qv, t.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// EncodeVector renders a unit-norm float vector as its raw little-endian
// byte payload
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func cooccurKey(a, b string) []byte {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	return []byte(lo + "\x00" + hi)
}

// RecordCooccurrence canonicalizes the pair (lexicographic min first),
// inserts-or-increments, and stamps last_used.
func (s *Store) RecordCooccurrence(a, b string) error {
	return s.RecordCooccurrences([]string{a, b})
}

// RecordCooccurrences generates all C(n,2) pairs from keys in one
// transaction.
func (s *Store) RecordCooccurrences(keys []string) error {
	if len(keys) < 2 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCooccur))
		for i := 0; i < len(keys); i++ {
			for j := i + 1; j < len(keys); j++ {
				a, bb := keys[i], keys[j]
				lo, hi := a, bb
				if hi < lo {
					lo, hi = hi, lo
				}
				key := cooccurKey(a, bb)
				rec := CooccurrenceRecord{ToolA: lo, ToolB: hi}
				if data := b.Get(key); data != nil {
					if err := json.Unmarshal(data, &rec); err != nil {
						return err
					}
				}
				rec.Count++
				rec.LastUsedAt = now
				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := b.Put(key, data); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetRelatedTools returns the full record of every pair involving key with
// count >= minCount, ordered by descending count.
func (s *Store) GetRelatedTools(key string, minCount int64, limit int) ([]CooccurrenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []CooccurrenceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCooccur)).ForEach(func(_, v []byte) error {
			var rec CooccurrenceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Count < minCount {
				return nil
			}
			if rec.ToolA == key || rec.ToolB == key {
				recs = append(recs, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Count > recs[j].Count })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Bundle is a suggested group of tools frequently used alongside the input set.
type Bundle struct {
	Tool      string
	Frequency int64
}

// GetSuggestedBundles aggregates partner counts across the input keys,
// excludes any key already in the input set, and returns the top suggestions.
func (s *Store) GetSuggestedBundles(keys []string, minCount int64, limit int) ([]Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in := make(map[string]bool, len(keys))
	for _, k := range keys {
		in[k] = true
	}

	agg := map[string]int64{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCooccur)).ForEach(func(_, v []byte) error {
			var rec CooccurrenceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Count < minCount {
				return nil
			}
			if in[rec.ToolA] && !in[rec.ToolB] {
				agg[rec.ToolB] += rec.Count
			}
			if in[rec.ToolB] && !in[rec.ToolA] {
				agg[rec.ToolA] += rec.Count
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	bundles := make([]Bundle, 0, len(agg))
	for tool, freq := range agg {
		bundles = append(bundles, Bundle{Tool: tool, Frequency: freq})
	}
	sort.Slice(bundles, func(i, j int) bool {
		if bundles[i].Frequency != bundles[j].Frequency {
			return bundles[i].Frequency > bundles[j].Frequency
		}
		return bundles[i].Tool < bundles[j].Tool
	})
	if limit > 0 && len(bundles) > limit {
		bundles = bundles[:limit]
	}
	return bundles, nil
}

// ClearCooccurrences empties the co-occurrence table, returning the
// pre-clear row count.
func (s *Store) ClearCooccurrences() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCooccur))
		if err := b.ForEach(func(k, _ []byte) error {
			count++
			return nil
		}); err != nil {
			return err
		}
		return tx.DeleteBucket([]byte(bucketCooccur))
	})
	if err != nil {
		return 0, err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucket([]byte(bucketCooccur))
		return err
	}); err != nil {
		return 0, err
	}
	return count, nil
}
