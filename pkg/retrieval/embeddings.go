package retrieval

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Embedder turns texts into fixed-dimension vectors. The Postgres connector
// embeds queries with it; the stub provider reuses it for deterministic
// embeddings responses.
type Embedder interface {
	EmbedTexts(texts []string) [][]float64
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// HashEmbedder maps each token to a vector component by SHA-256: the first
// two digest bytes pick the index, the third byte's parity picks the sign.
// Vectors are L2-normalized and rounded to 6 decimals. No model weights, no
// network: the same text always embeds identically, which is what the
// deterministic test corpus and the stub provider need.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder builds an embedder of the given dimension (min 1).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim < 1 {
		dim = 1
	}
	return &HashEmbedder{dim: dim}
}

// Dim reports the vector dimension.
func (e *HashEmbedder) Dim() int { return e.dim }

// EmbedTexts implements Embedder.
func (e *HashEmbedder) EmbedTexts(texts []string) [][]float64 {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = e.embed(text)
	}
	return out
}

func (e *HashEmbedder) embed(text string) []float64 {
	vector := make([]float64, e.dim)
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return vector
	}

	for _, token := range tokens {
		digest := sha256.Sum256([]byte(token))
		idx := int(binary.BigEndian.Uint16(digest[:2])) % e.dim
		sign := 1.0
		if digest[2]%2 == 1 {
			sign = -1.0
		}
		vector[idx] += sign
	}

	norm := 0.0
	for _, v := range vector {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}
	for i, v := range vector {
		vector[i] = math.Round(v/norm*1e6) / 1e6
	}
	return vector
}

// VectorLiteral renders a vector as a pgvector literal: "[f.6,f.6,...]".
func VectorLiteral(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.6f", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
