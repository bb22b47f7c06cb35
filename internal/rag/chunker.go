package rag

import "strings"

// SplitChunks slices text into overlapping fixed-size windows: a window of
// size bytes advanced by size-overlap until the text is exhausted. Windows
// that are empty after trimming are dropped. The output is fully
// re-derivable from the source, so re-chunking an unchanged file yields an
// identical sequence.
func SplitChunks(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" || size <= 0 {
		return nil
	}

	step := size - overlap
	if step < 1 {
		// overlap >= size would loop forever; clamp to guarantee progress
		step = 1
	}

	var out []string
	for i := 0; i < len(text); i += step {
		end := i + size
		if end > len(text) {
			end = len(text)
		}
		if c := text[i:end]; strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// normalizeDocText strips a UTF-8 BOM and unifies line endings so that
// chunk content is stable across platforms.
func normalizeDocText(raw string) string {
	raw = strings.TrimPrefix(raw, "\ufeff")
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.ReplaceAll(raw, "\r", "\n")
}
