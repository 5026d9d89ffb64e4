// Package chunker splits documents into fixed-size, overlapping rune windows.
package chunker

import (
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/hubenschmidt/go-ragstream/core"
)

// DefaultChunkSize is the number of runes per chunk.
const DefaultChunkSize = 100

// DefaultChunkOverlap is the number of runes shared by consecutive chunks.
const DefaultChunkOverlap = 10

// Chunker holds validated chunk parameters.
type Chunker struct {
	size    int
	overlap int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize sets the chunk size in runes.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		c.size = size
	}
}

// WithOverlap sets the overlap between chunks in runes.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		c.overlap = overlap
	}
}

// New returns a Chunker or ErrInvalidConfig when overlap >= size.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{size: DefaultChunkSize, overlap: DefaultChunkOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if err := Validate(c.size, c.overlap); err != nil {
		return nil, err
	}
	return c, nil
}

// Size returns the chunk size in runes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap in runes.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits doc using the configured parameters.
func (c *Chunker) Chunk(doc core.Document) []core.Chunk {
	chunks, _ := Split(doc, c.size, c.overlap)
	return chunks
}

// Validate checks chunk parameters: size > 0 and 0 <= overlap < size.
func Validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", core.ErrInvalidConfig, size)
	}
	if overlap < 0 {
		return fmt.Errorf("%w: overlap must not be negative, got %d", core.ErrInvalidConfig, overlap)
	}
	if overlap >= size {
		return fmt.Errorf("%w: overlap %d must be smaller than chunk size %d", core.ErrInvalidConfig, overlap, size)
	}
	return nil
}

// Split cuts doc.Text into windows of size runes, each starting overlap
// runes before the end of the previous one. The final window may be short.
func Split(doc core.Document, size, overlap int) ([]core.Chunk, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}

	runes := []rune(doc.Text)
	n := len(runes)
	if n == 0 {
		return nil, nil
	}

	chunks := make([]core.Chunk, 0, Count(n, size, overlap))
	start := 0
	for {
		end := min(start+size, n)
		idx := len(chunks)

		ov := 0
		if idx > 0 {
			ov = overlap
		}

		chunks = append(chunks, core.Chunk{
			ID:         ChunkID(doc.ID, idx),
			DocumentID: doc.ID,
			Index:      idx,
			Start:      start,
			End:        end,
			Overlap:    ov,
			Text:       string(runes[start:end]),
			Metadata:   maps.Clone(doc.Metadata),
		})

		if end == n {
			break
		}
		start = end - overlap
	}

	return chunks, nil
}

// Count returns how many chunks Split produces for n runes.
func Count(n, size, overlap int) int {
	if n <= 0 {
		return 0
	}
	if n <= overlap {
		return 1
	}
	step := size - overlap
	return (n - overlap + step - 1) / step
}

// Reconstruct joins chunks back into the original text by dropping the
// leading overlap from every chunk after the first.
func Reconstruct(chunks []core.Chunk) string {
	var out []rune
	for i, c := range chunks {
		r := []rune(c.Text)
		if i > 0 {
			r = r[c.Overlap:]
		}
		out = append(out, r...)
	}
	return string(out)
}

// ChunkID derives a stable UUID for the idx-th chunk of a document.
func ChunkID(docID string, idx int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("ragstream:%s#%d", docID, idx))).String()
}
