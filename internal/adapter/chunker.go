package adapter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/been-there-done-that/coderev/internal/store"
)

const (
	defaultChunkSize = 2000
	defaultOverlap   = 200
	minChunkSize     = 100
	// breakWindow is how far back from the size limit a paragraph break is
	// looked for.
	breakWindow = 500
)

// Chunker covers files no code adapter understands by splitting them into
// overlapping document symbols on line boundaries.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker() *Chunker {
	return &Chunker{size: defaultChunkSize, overlap: defaultOverlap}
}

// NewChunkerSize returns a chunker with custom limits. size is raised to the
// minimum chunk size and overlap capped at half of it.
func NewChunkerSize(size, overlap int) *Chunker {
	size = max(size, minChunkSize)
	return &Chunker{size: size, overlap: min(overlap, size/2)}
}

func (c *Chunker) Language() string { return "document" }

type chunk struct {
	first, last int // line indexes, inclusive
}

func (c *Chunker) Extract(_ context.Context, path string, src []byte) (*Result, error) {
	res := &Result{Module: strings.TrimSuffix(filepath.ToSlash(path), filepath.Ext(path))}
	content := string(src)
	if strings.TrimSpace(content) == "" {
		return res, nil
	}

	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	chunks := c.split(lines)

	base := filepath.Base(path)
	for i, ch := range chunks {
		name := base
		if len(chunks) > 1 {
			name = fmt.Sprintf("%s#chunk_%d", base, i+1)
		}
		res.Symbols = append(res.Symbols, Declaration{
			Kind:      store.KindDocument,
			Name:      name,
			LineStart: ch.first + 1,
			LineEnd:   ch.last + 1,
			Content:   strings.Join(lines[ch.first:ch.last+1], ""),
			Scope:     -1,
		})
	}
	return res, nil
}

func (c *Chunker) split(lines []string) []chunk {
	total := 0
	for _, l := range lines {
		total += len(l)
	}
	if total <= c.size {
		return []chunk{{0, len(lines) - 1}}
	}

	var chunks []chunk
	start := 0
	for start < len(lines) {
		end, n := start, 0
		for end < len(lines) && n+len(lines[end]) <= c.size {
			n += len(lines[end])
			end++
		}
		if end == start {
			// A single line longer than the limit is a chunk on its own.
			end++
		} else if end < len(lines) {
			end = c.paragraphBreak(lines, start, end)
		}
		chunks = append(chunks, chunk{start, end - 1})
		if end >= len(lines) {
			break
		}
		next := end
		for back := 0; next-1 > start && back+len(lines[next-1]) <= c.overlap; next-- {
			back += len(lines[next-1])
		}
		start = next
	}

	// A short tail is folded into the chunk before it.
	if len(chunks) > 1 {
		last := chunks[len(chunks)-1]
		n := 0
		for _, l := range lines[last.first : last.last+1] {
			n += len(l)
		}
		if n < minChunkSize {
			chunks = chunks[:len(chunks)-1]
			chunks[len(chunks)-1].last = last.last
		}
	}
	return chunks
}

// paragraphBreak moves end back to just after the last blank line within the
// final breakWindow characters of the chunk, if one exists and keeps the chunk
// above the minimum size.
func (c *Chunker) paragraphBreak(lines []string, start, end int) int {
	n := 0
	for i := start; i < end; i++ {
		n += len(lines[i])
	}
	back := 0
	for i := end - 1; i > start && back < breakWindow; i-- {
		if strings.TrimSpace(lines[i]) == "" && n-back >= minChunkSize {
			return i + 1
		}
		back += len(lines[i])
	}
	return end
}
