package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
)

// DefaultEmbeddingDimension matches text-embedding-3-small and the width
// of the substrate's vector column.
const DefaultEmbeddingDimension = 1536

// OpenAIEmbedder produces embeddings from an OpenAI-compatible endpoint.
type OpenAIEmbedder struct {
	key        *memguard.Enclave
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
}

// NewOpenAIEmbedder builds an embedder from the environment:
//
//	OPENAI_API_KEY          required (falls back to /run/secrets/openai_api_key)
//	OPENAI_EMBEDDING_MODEL  default text-embedding-3-small
//	OPENAI_BASE_URL         optional
func NewOpenAIEmbedder() (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		keyBytes, err := os.ReadFile("/run/secrets/openai_api_key")
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(keyBytes))
	}

	model := os.Getenv("OPENAI_EMBEDDING_MODEL")
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	slog.Info("Initializing OpenAI embedder", "model", model, "dimension", DefaultEmbeddingDimension)
	return &OpenAIEmbedder{
		key:        memguard.NewEnclave([]byte(apiKey)),
		baseURL:    os.Getenv("OPENAI_BASE_URL"),
		model:      model,
		dimension:  DefaultEmbeddingDimension,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Dimension implements Embedder.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Embed implements Embedder. Inputs are batched into a single API call.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	buf, err := e.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	cfg := openai.DefaultConfig(buf.String())
	buf.Destroy()
	if e.baseURL != "" {
		cfg.BaseURL = e.baseURL
	}
	cfg.HTTPClient = e.httpClient
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// MockEmbedder derives a deterministic unit vector from each input text.
// Equal texts always produce equal vectors, which is what the semantic
// index tests rely on.
type MockEmbedder struct {
	Dim int
}

// NewMockEmbedder returns a MockEmbedder with the given dimension
// (DefaultEmbeddingDimension when dim <= 0).
func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = DefaultEmbeddingDimension
	}
	return &MockEmbedder{Dim: dim}
}

// Dimension implements Embedder.
func (m *MockEmbedder) Dimension() int { return m.Dim }

// Embed implements Embedder.
func (m *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.vector(text)
	}
	return out, nil
}

// vector expands the SHA-256 of the text into Dim float32 components and
// normalizes to unit length so cosine scores stay in [-1, 1].
func (m *MockEmbedder) vector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, m.Dim)

	var norm float64
	block := seed[:]
	for i := 0; i < m.Dim; i++ {
		if i > 0 && i%8 == 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		v := float32(int32(bits)) / float32(math.MaxInt32)
		vec[i] = v
		norm += float64(v) * float64(v)
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
