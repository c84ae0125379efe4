// Package annotate turns raw media artifacts into searchable annotations:
// transcripts for audio chunks, captions for sampled frames, and embedding
// vectors for all three indexed columns. Every backend hides behind a small
// interface so the pipeline can run against external APIs, a local ONNX
// model, or deterministic mocks.
package annotate

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
)

// Transcriber converts one audio chunk into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Captioner describes one frame image in natural language.
type Captioner interface {
	Caption(ctx context.Context, imagePath string) (string, error)
}

// TextEmbedder maps text into the vector space used for transcript and
// description search.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// ImageEmbedder maps a frame image into the vector space used for
// image-to-image search.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, imagePath string) ([]float32, error)
	Model() string
}

// Annotators bundles one provider per annotation concern.
type Annotators struct {
	Transcriber Transcriber
	Captioner   Captioner
	Text        TextEmbedder
	Image       ImageEmbedder
}

// Pick assembles providers for the configured credentials. Anything that
// cannot be backed by a real service falls back to a deterministic mock with
// a warning, so ingestion keeps working end to end without API access.
func Pick(cfg *config.Config) *Annotators {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("ANNOTATORS")))
	if mode == "mock" {
		return Mocks(cfg.EmbeddingDim)
	}

	a := &Annotators{}
	if cfg.HasValidAPI() {
		a.Transcriber = NewOpenAITranscriber(cfg)
		a.Captioner = NewOpenAICaptioner(cfg)
		a.Image = NewMultimodalEmbeddingClient(cfg)
	} else {
		fmt.Println("Warning: API configuration not found, using mock transcription and captioning")
		a.Transcriber = MockTranscriber{}
		a.Captioner = MockCaptioner{}
		a.Image = NewMockEmbedder(cfg.EmbeddingDim)
	}

	if cfg.HasLocalEmbedder() {
		emb, err := NewOnnxTextEmbedder(cfg)
		if err != nil {
			fmt.Printf("Warning: failed to load local embedding model (%v), falling back\n", err)
			a.Text = fallbackTextEmbedder(cfg)
		} else {
			a.Text = emb
		}
	} else {
		a.Text = fallbackTextEmbedder(cfg)
	}
	return a
}

func fallbackTextEmbedder(cfg *config.Config) TextEmbedder {
	if cfg.HasValidAPI() {
		return NewOpenAITextEmbedder(cfg)
	}
	fmt.Println("Warning: no embedding backend configured, using mock embeddings")
	return NewMockEmbedder(cfg.EmbeddingDim)
}

// Mocks returns a full set of deterministic providers sharing one embedder.
func Mocks(dim int) *Annotators {
	emb := NewMockEmbedder(dim)
	return &Annotators{Transcriber: MockTranscriber{}, Captioner: MockCaptioner{}, Text: emb, Image: emb}
}

// Close releases any provider holding native resources.
func (a *Annotators) Close() error {
	if c, ok := a.Text.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

const maxRetries = 3

// retryDelay is the base backoff unit; attempt n sleeps n times this long.
var retryDelay = time.Second

// withRetry runs call up to maxRetries times with linear backoff. The final
// failure is classified as an external service error so callers can mark the
// row failed and move on instead of aborting the whole ingest.
func withRetry(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = call(); lastErr == nil {
			return nil
		}
		if i < maxRetries-1 {
			time.Sleep(retryDelay * time.Duration(i+1))
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %v: %w", op, maxRetries, lastErr, core.ErrExternalService)
}

// normalizeL2 scales the vector to unit length so cosine scores compare
// across providers. Zero vectors pass through unchanged.
func normalizeL2(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
