// Package rag implements the knowledge-base retrieval layer: fixed-window
// chunking, a batched embedding client, a flat file-persisted vector index
// and a context-budgeted retriever.
package rag

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	metaFileName = "chunks.json"
	vecsFileName = "vecs.bin"
)

// kbExtensions is the whitelist of knowledge-base file extensions.
var kbExtensions = map[string]bool{".txt": true, ".md": true}

// Chunk is one bounded slice of a knowledge-base document. Chunks are
// replaced wholesale when their source file changes; they are never
// mutated in place.
type Chunk struct {
	ID    string  `json:"id"`   // shortHash(path) + ":" + sequence index
	File  string  `json:"file"` // source path
	Text  string  `json:"text"`
	Mtime float64 `json:"mtime"` // source modification time, unix seconds
}

// Result is a chunk with its cosine similarity against the query.
type Result struct {
	Chunk Chunk
	Score float32
}

// IndexOptions configures an Index.
type IndexOptions struct {
	KBDir        string
	IndexDir     string
	ChunkSize    int
	ChunkOverlap int
}

// Index holds every chunk of the knowledge base plus a parallel matrix of
// unit-normalized embedding vectors, persisted as two companion files and
// rebuilt in full whenever any source file is added, removed or modified.
//
// State machine: unloaded -> (snapshot read) -> ready; ready -> rebuilding
// -> ready on staleness. All transitions serialize through mu, so readers
// only ever observe a complete snapshot.
type Index struct {
	opts     IndexOptions
	embedder Embedder

	mu     sync.Mutex
	loaded bool
	chunks []Chunk
	vecs   [][]float32 // unit-norm rows, vecs[i] belongs to chunks[i]
}

// NewIndex creates an index over the given knowledge-base directory.
func NewIndex(opts IndexOptions, embedder Embedder) *Index {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 900
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	return &Index{opts: opts, embedder: embedder}
}

// ChunkCount returns the number of indexed chunks.
func (ix *Index) ChunkCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.chunks)
}

// Invalidate forces the next Ensure to re-check the snapshot from disk.
func (ix *Index) Invalidate() {
	ix.mu.Lock()
	ix.loaded = false
	ix.mu.Unlock()
}

// Ensure makes the in-memory index current. It is idempotent and safe
// under concurrent invocation: one physical rebuild proceeds at a time and
// concurrent callers block until they observe the completed result. A
// rebuild failure leaves the previous good state in place.
func (ix *Index) Ensure(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := os.MkdirAll(ix.opts.IndexDir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	if !ix.loaded {
		ix.loadSnapshot()
	}

	files, err := ix.listKBFiles()
	if err != nil {
		return fmt.Errorf("enumerate knowledge base: %w", err)
	}

	if !ix.needRebuild(files) {
		return nil
	}

	slog.Info("rag: rebuilding index", "files", len(files))

	chunks, texts := ix.chunkFiles(files)

	var vecs [][]float32
	if len(texts) > 0 {
		vecs, err = ix.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed knowledge base: %w", err)
		}
		if len(vecs) != len(chunks) {
			return fmt.Errorf("embed knowledge base: got %d vectors for %d chunks", len(vecs), len(chunks))
		}
		normalizeRows(vecs)
	}

	// An empty knowledge base is a valid state; it is persisted like any
	// other so a stale non-empty snapshot does not come back on restart.
	if err := ix.persist(chunks, vecs); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}

	ix.chunks, ix.vecs, ix.loaded = chunks, vecs, true
	if len(chunks) == 0 {
		slog.Warn("rag: no chunks produced, index is empty", "kb_dir", ix.opts.KBDir)
	} else {
		slog.Info("rag: index built", "chunks", len(chunks), "files", len(files))
	}
	return nil
}

// Search embeds the query and returns the k most similar chunks in
// descending score order. Ties keep original row order. An empty or
// unloaded index returns nil.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if err := ix.Ensure(ctx); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	chunks, vecs := ix.chunks, ix.vecs
	ix.mu.Unlock()

	if len(chunks) == 0 || k <= 0 {
		return nil, nil
	}

	qv, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qv) == 0 {
		return nil, nil
	}
	q := qv[0]
	normalizeVector(q)

	results := make([]Result, len(chunks))
	for i := range chunks {
		results[i] = Result{Chunk: chunks[i], Score: dot(vecs[i], q)}
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// kbFile is one enumerated source file.
type kbFile struct {
	path  string
	mtime float64
}

func (ix *Index) listKBFiles() ([]kbFile, error) {
	var files []kbFile
	root := ix.opts.KBDir
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !kbExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, kbFile{path: path, mtime: float64(info.ModTime().UnixNano()) / 1e9})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

// needRebuild compares the enumerated file set against the loaded
// snapshot. Any added, removed or modified file triggers a full rebuild.
func (ix *Index) needRebuild(files []kbFile) bool {
	if !ix.loaded {
		return true
	}

	known := make(map[string]float64)
	for _, c := range ix.chunks {
		known[c.File] = c.Mtime
	}

	current := make(map[string]bool, len(files))
	for _, f := range files {
		current[f.path] = true
		mtime, ok := known[f.path]
		if !ok || math.Abs(mtime-f.mtime) > 1e-6 {
			return true
		}
	}
	for path := range known {
		if !current[path] {
			return true
		}
	}
	return false
}

func (ix *Index) chunkFiles(files []kbFile) (chunks []Chunk, texts []string) {
	for _, f := range files {
		raw, err := os.ReadFile(f.path)
		if err != nil {
			slog.Error("rag: failed to read source file", "path", f.path, "error", err)
			continue
		}
		parts := SplitChunks(normalizeDocText(string(raw)), ix.opts.ChunkSize, ix.opts.ChunkOverlap)
		for i, part := range parts {
			chunks = append(chunks, Chunk{
				ID:    fmt.Sprintf("%s:%d", shortHash(f.path), i),
				File:  f.path,
				Text:  part,
				Mtime: f.mtime,
			})
			texts = append(texts, part)
		}
	}
	return chunks, texts
}

// loadSnapshot restores the persisted index if both artifacts exist and
// agree. A corrupt snapshot is discarded and rebuilt.
func (ix *Index) loadSnapshot() {
	metaPath := filepath.Join(ix.opts.IndexDir, metaFileName)
	vecsPath := filepath.Join(ix.opts.IndexDir, vecsFileName)

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return
	}
	var chunks []Chunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		slog.Error("rag: corrupt index metadata, rebuilding", "error", err)
		return
	}

	vecs, err := readMatrix(vecsPath)
	if err != nil {
		slog.Error("rag: corrupt vector file, rebuilding", "error", err)
		return
	}
	if len(vecs) != len(chunks) {
		slog.Error("rag: snapshot mismatch, rebuilding", "chunks", len(chunks), "rows", len(vecs))
		return
	}

	ix.chunks, ix.vecs, ix.loaded = chunks, vecs, true
	slog.Info("rag: loaded index snapshot", "chunks", len(chunks))
}

// persist writes both artifacts atomically (temp file + rename) so a crash
// mid-write never corrupts the loadable snapshot.
func (ix *Index) persist(chunks []Chunk, vecs [][]float32) error {
	meta, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(ix.opts.IndexDir, metaFileName), meta); err != nil {
		return err
	}
	return writeMatrixAtomic(filepath.Join(ix.opts.IndexDir, vecsFileName), vecs)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// shortHash is a stable 10-hex-char digest used for chunk IDs.
func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:10]
}
