package vectorindex

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/philippgille/chromem-go"
)

// DefaultHashDimension is the vector size of HashEmbedding.
const DefaultHashDimension = 256

// EmbedderConfig selects an embedding provider.
type EmbedderConfig struct {
	// Provider is "hash" (default), "ollama", or "openai" for any
	// OpenAI-compatible endpoint such as TEI.
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
}

// NewEmbeddingFunc returns the embedding function for cfg.
func NewEmbeddingFunc(cfg EmbedderConfig) (chromem.EmbeddingFunc, error) {
	switch cfg.Provider {
	case "", "hash":
		return HashEmbedding(DefaultHashDimension), nil
	case "ollama":
		if cfg.Model == "" {
			return nil, fmt.Errorf("ollama embedder: model is required")
		}
		return chromem.NewEmbeddingFuncOllama(cfg.Model, cfg.BaseURL), nil
	case "openai":
		if cfg.BaseURL == "" || cfg.Model == "" {
			return nil, fmt.Errorf("openai-compatible embedder: base URL and model are required")
		}
		return chromem.NewEmbeddingFuncOpenAICompat(cfg.BaseURL, cfg.APIKey, cfg.Model, nil), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// HashEmbedding returns a deterministic bag-of-words embedding: each
// lowercased token is hashed into one of dim signed buckets and the result is
// L2-normalized. It needs no model and suits tag and name matching.
func HashEmbedding(dim int) chromem.EmbeddingFunc {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, tok := range tokens {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			sum := h.Sum32()
			sign := float32(1)
			if sum&(1<<31) != 0 {
				sign = -1
			}
			vec[int(sum%uint32(dim))] += sign
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
		return vec, nil
	}
}
