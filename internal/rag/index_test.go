package rag

import (
	"context"
	"crypto/sha1"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// hashEmbedder derives a deterministic vector from each text so identical
// texts map to identical vectors and the index behaves reproducibly.
type hashEmbedder struct {
	calls atomic.Int32
	fail  error
}

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.fail != nil {
		return nil, e.fail
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha1.Sum([]byte(text))
		v := make([]float32, 8)
		for j := range v {
			v[j] = float32(sum[j]) - 128
		}
		out[i] = v
	}
	return out, nil
}

func writeKB(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestIndex(t *testing.T, kbDir string) (*Index, *hashEmbedder) {
	t.Helper()
	emb := &hashEmbedder{}
	ix := NewIndex(IndexOptions{
		KBDir:        kbDir,
		IndexDir:     filepath.Join(t.TempDir(), "cache"),
		ChunkSize:    50,
		ChunkOverlap: 10,
	}, emb)
	return ix, emb
}

func TestIndexEnsure_BuildsFromFiles(t *testing.T) {
	kb := t.TempDir()
	writeKB(t, kb, "rules.md", "Rule one: be kind. Rule two: no griefing on the server.")
	writeKB(t, kb, "warp.txt", "Use /warp hub to reach the central hub area quickly.")
	writeKB(t, kb, "ignored.pdf", "binary-ish content")

	ix, _ := newTestIndex(t, kb)
	if err := ix.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ix.ChunkCount() == 0 {
		t.Fatal("expected chunks from .md and .txt files")
	}
	for _, c := range ix.chunks {
		if filepath.Ext(c.File) == ".pdf" {
			t.Errorf("non-whitelisted file was indexed: %s", c.File)
		}
	}
}

func TestIndexEnsure_Idempotent(t *testing.T) {
	kb := t.TempDir()
	writeKB(t, kb, "a.txt", "some knowledge base content here")

	ix, emb := newTestIndex(t, kb)
	ctx := context.Background()
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	calls := emb.calls.Load()
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if emb.calls.Load() != calls {
		t.Error("second ensure on unchanged KB should not re-embed")
	}
}

func TestIndexEnsure_RebuildOnNewFile(t *testing.T) {
	kb := t.TempDir()
	writeKB(t, kb, "a.txt", "first document")

	ix, _ := newTestIndex(t, kb)
	ctx := context.Background()
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	before := ix.ChunkCount()

	writeKB(t, kb, "b.txt", "second document arrives later")
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if ix.ChunkCount() <= before {
		t.Errorf("expected more chunks after adding a file: %d -> %d", before, ix.ChunkCount())
	}
}

func TestIndexEnsure_RebuildOnRemovedFile(t *testing.T) {
	kb := t.TempDir()
	writeKB(t, kb, "a.txt", "first document")
	path := writeKB(t, kb, "b.txt", "second document")

	ix, _ := newTestIndex(t, kb)
	ctx := context.Background()
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	before := ix.ChunkCount()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if ix.ChunkCount() >= before {
		t.Errorf("expected fewer chunks after removing a file: %d -> %d", before, ix.ChunkCount())
	}
}

func TestIndexEnsure_RebuildOnMtimeChange(t *testing.T) {
	kb := t.TempDir()
	path := writeKB(t, kb, "a.txt", "original content")

	ix, emb := newTestIndex(t, kb)
	ctx := context.Background()
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	calls := emb.calls.Load()

	writeKB(t, kb, "a.txt", "updated content, same path")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if emb.calls.Load() == calls {
		t.Error("expected a re-embed after mtime change")
	}
	found := false
	for _, c := range ix.chunks {
		if c.Text == "updated content, same path" {
			found = true
		}
	}
	if !found {
		t.Error("rebuilt index does not contain the updated text")
	}
}

func TestIndexEnsure_EmbedFailureKeepsPreviousState(t *testing.T) {
	kb := t.TempDir()
	writeKB(t, kb, "a.txt", "good content")

	ix, emb := newTestIndex(t, kb)
	ctx := context.Background()
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	before := ix.ChunkCount()

	writeKB(t, kb, "b.txt", "this addition will fail to embed")
	emb.fail = errors.New("embedding API down")
	if err := ix.Ensure(ctx); err == nil {
		t.Fatal("expected ensure to fail")
	}
	if ix.ChunkCount() != before {
		t.Errorf("failed rebuild must keep previous chunks: %d -> %d", before, ix.ChunkCount())
	}

	// Searching still works against the old snapshot once embedding recovers.
	emb.fail = nil
	if _, err := ix.Search(ctx, "good content", 1); err != nil {
		t.Fatalf("search after recovery: %v", err)
	}
}

func TestIndexEnsure_MissingKBDirIsEmpty(t *testing.T) {
	ix, _ := newTestIndex(t, filepath.Join(t.TempDir(), "does-not-exist"))
	if err := ix.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ix.ChunkCount() != 0 {
		t.Errorf("expected empty index, got %d chunks", ix.ChunkCount())
	}
	res, err := ix.Search(context.Background(), "anything", 3)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("expected nil results from empty index, got %v", res)
	}
}

func TestIndexEnsure_EmptyRebuildPersisted(t *testing.T) {
	kb := t.TempDir()
	cache := t.TempDir()
	opts := IndexOptions{KBDir: kb, IndexDir: cache, ChunkSize: 50, ChunkOverlap: 10}
	path := writeKB(t, kb, "a.txt", "content that will go away")

	ix := NewIndex(opts, &hashEmbedder{})
	ctx := context.Background()
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if ix.ChunkCount() == 0 {
		t.Fatal("expected a non-empty index before removal")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := ix.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if ix.ChunkCount() != 0 {
		t.Fatalf("expected an empty index, got %d chunks", ix.ChunkCount())
	}

	// A fresh process over the same directories must load the empty
	// snapshot, not resurrect the stale one and rebuild.
	emb := &hashEmbedder{}
	second := NewIndex(opts, emb)
	if err := second.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if second.ChunkCount() != 0 {
		t.Errorf("stale snapshot came back: %d chunks", second.ChunkCount())
	}
	if emb.calls.Load() != 0 {
		t.Errorf("expected no embedding calls on reload, got %d", emb.calls.Load())
	}
}

func TestIndexSnapshot_ReloadedWithoutReembedding(t *testing.T) {
	kb := t.TempDir()
	cache := t.TempDir()
	writeKB(t, kb, "a.txt", "persistent knowledge")

	opts := IndexOptions{KBDir: kb, IndexDir: cache, ChunkSize: 50, ChunkOverlap: 10}
	first := NewIndex(opts, &hashEmbedder{})
	if err := first.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}

	emb := &hashEmbedder{}
	second := NewIndex(opts, emb)
	if err := second.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if emb.calls.Load() != 0 {
		t.Error("fresh process over a current snapshot should not embed")
	}
	if second.ChunkCount() != first.ChunkCount() {
		t.Errorf("snapshot chunk count mismatch: %d vs %d", second.ChunkCount(), first.ChunkCount())
	}
}

func TestIndexSearch_TopHitIsExactMatch(t *testing.T) {
	kb := t.TempDir()
	writeKB(t, kb, "a.txt", "how to claim land on the server")
	writeKB(t, kb, "b.txt", "economy and trading guide")
	writeKB(t, kb, "c.txt", "pvp arena schedule and rules")

	ix, _ := newTestIndex(t, kb)
	res, err := ix.Search(context.Background(), "economy and trading guide", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) == 0 {
		t.Fatal("expected results")
	}
	if res[0].Chunk.Text != "economy and trading guide" {
		t.Errorf("expected exact match first, got %q (score %v)", res[0].Chunk.Text, res[0].Score)
	}
	if math.Abs(float64(res[0].Score)-1) > 1e-5 {
		t.Errorf("self similarity should be ~1, got %v", res[0].Score)
	}
	for i := 1; i < len(res); i++ {
		if res[i].Score > res[i-1].Score {
			t.Error("results not in descending score order")
		}
	}
}

func TestIndexSearch_RespectsK(t *testing.T) {
	kb := t.TempDir()
	writeKB(t, kb, "a.txt", "alpha")
	writeKB(t, kb, "b.txt", "bravo")
	writeKB(t, kb, "c.txt", "charlie")

	ix, _ := newTestIndex(t, kb)
	res, err := ix.Search(context.Background(), "alpha", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 {
		t.Errorf("expected 2 results, got %d", len(res))
	}
}
