// Package chunker splits cleaned document text into bounded, quality-scored
// passages. Passages that fail quality validation are discarded before
// embedding.
package chunker

import (
	"regexp"
	"strings"
)

// Boundary selects the segmentation rule used before chunks are assembled.
type Boundary string

const (
	BoundarySentence  Boundary = "sentence"
	BoundaryParagraph Boundary = "paragraph"
	BoundaryWord      Boundary = "word"
)

// Config controls chunk sizing and segmentation.
type Config struct {
	MaxChunkSize int
	MinChunkSize int
	OverlapSize  int // words carried from the previous chunk into the next
	Boundary     Boundary
}

// DefaultConfig returns the chunking configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize: 1000,
		MinChunkSize: 100,
		OverlapSize:  20,
		Boundary:     BoundarySentence,
	}
}

// Quality is the retrieval-quality verdict for a single chunk.
type Quality struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
	Valid   bool     `json:"is_valid"`
}

// Chunk is one passage cut from a document. Chunks are immutable after
// creation; re-chunking a document produces a new generation.
type Chunk struct {
	Index   int     `json:"index"`
	Text    string  `json:"text"`
	Size    int     `json:"size"`
	Quality Quality `json:"quality"`
}

// Chunker assembles boundary segments into size-bounded chunks with
// sliding-window word overlap.
type Chunker struct {
	cfg Config
}

// New creates a Chunker, falling back to defaults for non-positive sizes and
// unknown boundaries.
func New(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = def.MaxChunkSize
	}
	if cfg.MinChunkSize <= 0 || cfg.MinChunkSize > cfg.MaxChunkSize {
		cfg.MinChunkSize = min(def.MinChunkSize, cfg.MaxChunkSize)
	}
	if cfg.OverlapSize < 0 {
		cfg.OverlapSize = 0
	}
	switch cfg.Boundary {
	case BoundarySentence, BoundaryParagraph, BoundaryWord:
	default:
		cfg.Boundary = def.Boundary
	}
	return &Chunker{cfg: cfg}
}

var (
	sentenceRe   = regexp.MustCompile(`[^.!?]+[.!?]+|[^.!?]+$`)
	paragraphRe  = regexp.MustCompile(`\n[ \t]*\n+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	// Characters outside the printable range plus a few common control
	// artifacts that survive document conversion.
	unsupportedRe = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f�]")
)

// Split cuts text into ordered, valid chunks. An empty document, or one whose
// every chunk fails validation, yields an empty slice; callers treat that as
// an ingestion failure.
func (c *Chunker) Split(text string) []Chunk {
	segments := c.segment(text)
	if len(segments) == 0 {
		return nil
	}

	var (
		chunks []Chunk
		buf    string
	)
	closeChunk := func() {
		if buf == "" {
			return
		}
		chunk := Chunk{
			Index:   len(chunks),
			Text:    buf,
			Size:    len(buf),
			Quality: c.score(buf),
		}
		if chunk.Quality.Valid {
			chunks = append(chunks, chunk)
		}
		overlap := lastWords(buf, c.cfg.OverlapSize)
		buf = overlap
	}

	for _, seg := range segments {
		switch {
		case buf == "":
			buf = seg
		case len(buf)+1+len(seg) > c.cfg.MaxChunkSize:
			// Flush even an under-min buffer; scoring decides whether the
			// short chunk survives, but the size cap always holds.
			closeChunk()
			if buf == "" || len(buf)+1+len(seg) > c.cfg.MaxChunkSize {
				buf = seg
			} else {
				buf += " " + seg
			}
		default:
			buf += " " + seg
		}
	}
	closeChunk()

	// Chunk indexes are assigned as valid chunks are appended, so discarded
	// chunks leave no gaps.
	return chunks
}

// segment normalizes text and splits it at the configured boundary. Segments
// longer than MaxChunkSize are hard-split at word boundaries so no chunk can
// exceed the cap.
func (c *Chunker) segment(text string) []string {
	var raw []string
	switch c.cfg.Boundary {
	case BoundaryParagraph:
		for _, p := range paragraphRe.Split(text, -1) {
			if p = normalize(p); p != "" {
				raw = append(raw, p)
			}
		}
	case BoundaryWord:
		if n := normalize(text); n != "" {
			raw = strings.Fields(n)
		}
	default: // sentence
		for _, s := range sentenceRe.FindAllString(normalize(text), -1) {
			if s = strings.TrimSpace(s); s != "" {
				raw = append(raw, s)
			}
		}
	}

	segments := make([]string, 0, len(raw))
	for _, seg := range raw {
		if len(seg) <= c.cfg.MaxChunkSize {
			segments = append(segments, seg)
			continue
		}
		segments = append(segments, splitWords(seg, c.cfg.MaxChunkSize)...)
	}
	return segments
}

// normalize collapses whitespace runs and strips unsupported symbols.
func normalize(text string) string {
	text = unsupportedRe.ReplaceAllString(text, "")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// splitWords cuts s into word-bounded pieces of at most limit bytes. A single
// word longer than limit is truncated rather than kept whole.
func splitWords(s string, limit int) []string {
	var (
		pieces []string
		buf    string
	)
	for _, w := range strings.Fields(s) {
		if len(w) > limit {
			w = w[:limit]
		}
		switch {
		case buf == "":
			buf = w
		case len(buf)+1+len(w) > limit:
			pieces = append(pieces, buf)
			buf = w
		default:
			buf += " " + w
		}
	}
	if buf != "" {
		pieces = append(pieces, buf)
	}
	return pieces
}

// lastWords returns the trailing n words of s joined by single spaces.
func lastWords(s string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(s)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}
