package chunker

import "strings"

// validThreshold is the minimum quality score a chunk needs to be kept.
const validThreshold = 0.5

// minWordCount below which a chunk is penalised as too thin for retrieval.
const minWordCount = 10

// uniqueRatioFloor below which a chunk is treated as repetition/boilerplate.
const uniqueRatioFloor = 0.4

// score rates a closed chunk for retrieval quality. Scoring starts at 1.0 and
// subtracts a fixed penalty per defect; a chunk is valid iff the final score
// is at least validThreshold.
func (c *Chunker) score(text string) Quality {
	q := Quality{Score: 1.0}
	deduct := func(amount float64, reason string) {
		q.Score -= amount
		q.Reasons = append(q.Reasons, reason)
	}

	if len(text) < c.cfg.MinChunkSize {
		deduct(0.3, "below minimum chunk size")
	}
	if len(text) > c.cfg.MaxChunkSize {
		deduct(0.2, "exceeds maximum chunk size")
	}

	words := strings.Fields(text)
	if len(words) < minWordCount {
		deduct(0.2, "fewer than 10 words")
	}
	if !strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "!") && !strings.HasSuffix(text, "?") {
		deduct(0.2, "no terminal sentence punctuation")
	}
	if len(words) >= minWordCount && uniqueRatio(words) < uniqueRatioFloor {
		deduct(0.4, "low unique word ratio")
	}

	if q.Score < 0 {
		q.Score = 0
	}
	q.Valid = q.Score >= validThreshold
	return q
}

// uniqueRatio is the share of distinct words (case-insensitive) in the chunk.
func uniqueRatio(words []string) float64 {
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[strings.ToLower(w)] = struct{}{}
	}
	return float64(len(seen)) / float64(len(words))
}
