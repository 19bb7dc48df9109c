package text

import (
	"strings"
)

const (
	// DefaultChunkSize is used when a non-positive chunk size is requested.
	DefaultChunkSize = 800
	// MinClampedOverlap is the floor applied when an overlap has to be clamped.
	MinClampedOverlap = 50
)

type Chunk struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// NormalizeWindow returns the effective chunk size and overlap used by Split.
// An overlap that is not smaller than the size is clamped to max(size/4, 50);
// if that still does not fit (tiny sizes) it falls back to size/4.
func NormalizeWindow(size, overlap int) (int, int) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = max(size/4, MinClampedOverlap)
		if overlap >= size {
			overlap = size / 4
		}
	}
	return size, overlap
}

// Split splits text into word windows of size words, each window starting
// size-overlap words after the previous one. Indexes are zero-based and gap-free.
func Split(text string, size, overlap int) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	size, overlap = NormalizeWindow(size, overlap)
	step := size - overlap

	var chunks []Chunk
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))

		joined := strings.TrimSpace(strings.Join(words[start:end], " "))
		if joined != "" {
			chunks = append(chunks, Chunk{Text: joined, Index: len(chunks)})
		}

		if end == len(words) {
			break
		}
	}
	return chunks
}

// ExpectedChunkCount is the closed form of len(Split(...)) for n words.
func ExpectedChunkCount(n, size, overlap int) int {
	if n <= 0 {
		return 0
	}
	size, overlap = NormalizeWindow(size, overlap)
	if n <= overlap {
		return 1
	}
	step := size - overlap
	return (n - overlap + step - 1) / step
}
