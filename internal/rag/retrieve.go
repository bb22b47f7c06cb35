package rag

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Retriever formats top-k search results into a character-budgeted context
// block for the completion prompt.
type Retriever struct {
	index    *Index
	topK     int
	maxChars int
}

// NewRetriever wires a retriever over an index. topK defaults to 6 and
// maxChars to 2000.
func NewRetriever(index *Index, topK, maxChars int) *Retriever {
	if topK <= 0 {
		topK = 6
	}
	if maxChars <= 0 {
		maxChars = 2000
	}
	return &Retriever{index: index, topK: topK, maxChars: maxChars}
}

// BuildContext searches the index and greedily concatenates chunk texts in
// descending score order until the budget is spent. The chunk that would
// overflow the budget is truncated to the remainder and ends the walk —
// lower-ranked chunks are not considered after a truncation. Returns ""
// when nothing was retrieved.
//
// Only chunk content is emitted, never internal chunk identifiers; the
// framing lines tell the model how to treat the excerpts.
func (r *Retriever) BuildContext(ctx context.Context, query string, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = r.maxChars
	}

	results, err := r.index.Search(ctx, query, r.topK)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var parts []string
	total := 0
	for _, res := range results {
		snippet := strings.TrimSpace(res.Chunk.Text)
		if snippet == "" {
			continue
		}
		truncated := false
		if total+len(snippet) > maxChars {
			cut := maxChars - total
			for cut > 0 && !utf8.RuneStart(snippet[cut]) {
				cut--
			}
			snippet = snippet[:cut]
			truncated = true
		}
		if snippet != "" {
			parts = append(parts, snippet)
			total += len(snippet)
		}
		if truncated || total >= maxChars {
			break
		}
	}
	if len(parts) == 0 {
		return "", nil
	}

	slog.Debug("rag: built context", "snippets", len(parts), "chars", total)

	var b strings.Builder
	b.WriteString("Knowledge base excerpts. Use them as reference only and never echo source markers back.\n")
	b.WriteString(strings.Join(parts, "\n"))
	b.WriteString("\n— end of excerpts —")
	return b.String(), nil
}
