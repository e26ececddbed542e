// Package embed converts chunk and query text into fixed-dimension vectors.
//
// Two providers exist: a live OpenAI-backed one and a deterministic offline
// fallback. The mode is decided once at startup (API key probe) and injected;
// components never consult global availability flags. Even in live mode a
// provider error is absorbed by substituting fallback vectors, so indexing
// always completes, at reduced retrieval quality.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

const (
	// Model is the OpenAI embedding model.
	Model = "text-embedding-3-small"

	// Dimension is the vector size produced by Model. The fallback provider
	// emits the same dimension so the index never sees mixed sizes.
	Dimension = 1536

	// DefaultBatchSize bounds per-call overhead without tripping rate limits.
	DefaultBatchSize = 10

	// MaxTextLength truncates inputs before embedding. A latency and cost
	// bound, not a correctness one: the full chunk text is still stored.
	MaxTextLength = 1000
)

// Provider converts texts to vectors, one per input, order preserved.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	// Degraded returns how many inputs received fallback vectors.
	Degraded() int64
}

// NewFromEnv probes the environment once and returns a live provider when an
// OpenAI API key is configured, the offline fallback otherwise.
func NewFromEnv(logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if os.Getenv("OPENAI_API_KEY") == "" {
		logger.Warn("OPENAI_API_KEY not set, embeddings run in offline fallback mode")
		return NewFallback()
	}
	return NewOpenAI(logger, 0)
}

// OpenAI is the live provider. Batches are retried with exponential backoff
// on rate limits; any batch that still fails gets deterministic fallback
// vectors instead of propagating the error.
type OpenAI struct {
	client    openai.Client
	logger    *slog.Logger
	batchSize int
	degraded  atomic.Int64
}

// NewOpenAI creates a live provider. A non-positive batchSize selects the
// default.
func NewOpenAI(logger *slog.Logger, batchSize int) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &OpenAI{
		client:    openai.NewClient(),
		logger:    logger,
		batchSize: batchSize,
	}
}

// Embed implements Provider.
func (p *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += p.batchSize {
		end := min(i+p.batchSize, len(texts))
		batch := texts[i:end]

		embedded, err := p.embedBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.degraded.Add(int64(len(batch)))
			p.logger.Warn("Embedding batch failed, substituting fallback vectors",
				"batch_start", i, "batch_size", len(batch), "error", err)
			embedded = make([][]float32, len(batch))
			for j, text := range batch {
				embedded[j] = FallbackVector(text)
			}
		}
		vectors = append(vectors, embedded...)
	}
	return vectors, nil
}

// Dimension implements Provider.
func (p *OpenAI) Dimension() int { return Dimension }

// Degraded implements Provider.
func (p *OpenAI) Degraded() int64 { return p.degraded.Load() }

func (p *OpenAI) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	truncated := make([]string, len(texts))
	for i, text := range texts {
		truncated[i] = truncate(text, MaxTextLength)
	}

	var vectors [][]float32
	operation := func() error {
		resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: truncated,
			},
			Model: Model,
		})
		if err != nil {
			if isRateLimitError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != len(truncated) {
			return backoff.Permanent(errors.New("embedding response length mismatch"))
		}
		vectors = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			vectors[i] = toFloat32(data.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return vectors, err
}

// Fallback is the offline provider. Vectors are derived purely from a hash
// of the text, so identical inputs always produce identical vectors.
type Fallback struct {
	degraded atomic.Int64
}

// NewFallback creates the offline provider.
func NewFallback() *Fallback { return &Fallback{} }

// Embed implements Provider.
func (p *Fallback) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.degraded.Add(int64(len(texts)))
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = FallbackVector(text)
	}
	return vectors, nil
}

// Dimension implements Provider.
func (p *Fallback) Dimension() int { return Dimension }

// Degraded implements Provider.
func (p *Fallback) Degraded() int64 { return p.degraded.Load() }

// FallbackVector derives a reproducible unit vector from the text. The
// truncated text seeds a SHA-256 chain whose output fills the vector, which
// is then L2-normalized so cosine distances stay well-behaved.
func FallbackVector(text string) []float32 {
	seed := sha256.Sum256([]byte(truncate(text, MaxTextLength)))

	vec := make([]float32, Dimension)
	block := seed
	for i := 0; i < Dimension; {
		for off := 0; off+4 <= len(block) && i < Dimension; off += 4 {
			raw := binary.LittleEndian.Uint32(block[off : off+4])
			vec[i] = float32(raw)/float32(math.MaxUint32) - 0.5
			i++
		}
		block = sha256.Sum256(block[:])
	}

	var norm float64
	for _, v := range vec {
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

// truncate cuts text to at most limit bytes without splitting a rune.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// toFloat32 converts the API's float64 vectors for storage.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
