package annotate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
)

func shortRetries(t *testing.T) {
	t.Helper()
	old := retryDelay
	retryDelay = time.Millisecond
	t.Cleanup(func() { retryDelay = old })
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestMockEmbedderDeterministic(t *testing.T) {
	emb := NewMockEmbedder(64)
	ctx := context.Background()

	a, err := emb.EmbedText(ctx, "a red barn beside the road")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := emb.EmbedText(ctx, "a red barn beside the road")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("vector dim = %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same text produced different vectors at %d", i)
		}
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-6 {
		t.Errorf("vector norm = %v, want unit length", math.Sqrt(norm))
	}
}

func TestMockEmbedderSeparatesTopics(t *testing.T) {
	emb := NewMockEmbedder(128)
	ctx := context.Background()

	barn, _ := emb.EmbedText(ctx, "red barn in a field")
	barnish, _ := emb.EmbedText(ctx, "red barn at dusk")
	city, _ := emb.EmbedText(ctx, "neon skyline over downtown traffic")

	if cosine(barn, barnish) <= cosine(barn, city) {
		t.Errorf("overlapping texts score %v, unrelated %v; want overlap to win",
			cosine(barn, barnish), cosine(barn, city))
	}
}

func TestMockEmbedderImageStable(t *testing.T) {
	emb := NewMockEmbedder(32)
	ctx := context.Background()
	dir := t.TempDir()
	frame := filepath.Join(dir, "00001.jpg")
	if err := os.WriteFile(frame, []byte("fake jpeg bytes"), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	a, err := emb.EmbedImage(ctx, frame)
	if err != nil {
		t.Fatalf("embed image: %v", err)
	}
	b, err := emb.EmbedImage(ctx, frame)
	if err != nil {
		t.Fatalf("embed image: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same frame produced different vectors at %d", i)
		}
	}

	// Unreadable paths still embed deterministically.
	c, err := emb.EmbedImage(ctx, filepath.Join(dir, "missing.jpg"))
	if err != nil {
		t.Fatalf("embed missing frame: %v", err)
	}
	if len(c) != 32 {
		t.Fatalf("missing-frame vector dim = %d, want 32", len(c))
	}
}

func TestMockTextProviders(t *testing.T) {
	ctx := context.Background()
	text, err := MockTranscriber{}.Transcribe(ctx, "/tmp/chunks/chunk_0003.wav")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(text, "chunk_0003.wav") {
		t.Errorf("transcript %q does not name its chunk", text)
	}

	caption, err := MockCaptioner{}.Caption(ctx, "/tmp/frames/00002.jpg")
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if !strings.Contains(caption, "00002.jpg") {
		t.Errorf("caption %q does not name its frame", caption)
	}
}

func multimodalServer(t *testing.T, wantType string, failures int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/embeddings" {
			t.Errorf("request path = %q, want /embeddings", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header = %q", got)
		}
		if calls <= failures {
			http.Error(w, "upstream overload", http.StatusInternalServerError)
			return
		}
		var req multimodalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 1 || req.Input[0].Type != wantType {
			t.Errorf("request input = %+v, want one %q input", req.Input, wantType)
		}
		if wantType == "image_url" {
			if req.Input[0].ImageURL == nil || !strings.HasPrefix(req.Input[0].ImageURL.URL, "data:image/jpeg;base64,") {
				t.Errorf("image input missing data url: %+v", req.Input[0].ImageURL)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "emb-1",
			"model":  req.Model,
			"object": "list",
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{0.6, 0.8}, "object": "embedding"},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func multimodalTestClient(srvURL string) *MultimodalEmbeddingClient {
	cfg := config.Defaults()
	cfg.APIKey = "test-key"
	cfg.BaseURL = srvURL
	cfg.ImageEmbeddingModel = "test-vision-model"
	return NewMultimodalEmbeddingClient(cfg)
}

func TestMultimodalClientEmbedsText(t *testing.T) {
	srv, _ := multimodalServer(t, "text", 0)
	client := multimodalTestClient(srv.URL)

	vec, err := client.EmbedText(context.Background(), "a boat on calm water")
	if err != nil {
		t.Fatalf("embed text: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.6 || vec[1] != 0.8 {
		t.Fatalf("vector = %v, want [0.6 0.8]", vec)
	}
}

func TestMultimodalClientEmbedsImage(t *testing.T) {
	srv, _ := multimodalServer(t, "image_url", 0)
	client := multimodalTestClient(srv.URL)

	frame := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(frame, []byte{0xff, 0xd8, 0xff, 0xe0}, 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	vec, err := client.EmbedImage(context.Background(), frame)
	if err != nil {
		t.Fatalf("embed image: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("vector = %v, want 2 components", vec)
	}
}

func TestMultimodalClientRetriesTransientFailure(t *testing.T) {
	shortRetries(t)
	srv, calls := multimodalServer(t, "text", 1)
	client := multimodalTestClient(srv.URL)

	vec, err := client.EmbedText(context.Background(), "retry me")
	if err != nil {
		t.Fatalf("embed after transient failure: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("vector = %v", vec)
	}
	if *calls != 2 {
		t.Errorf("server saw %d calls, want 2", *calls)
	}
}

func TestMultimodalClientMissingFrame(t *testing.T) {
	srv, calls := multimodalServer(t, "image_url", 0)
	client := multimodalTestClient(srv.URL)

	if _, err := client.EmbedImage(context.Background(), filepath.Join(t.TempDir(), "nope.jpg")); err == nil {
		t.Fatalf("embedding a missing frame succeeded")
	}
	if *calls != 0 {
		t.Errorf("server called %d times for unreadable frame, want 0", *calls)
	}
}

func TestWithRetryClassifiesExhaustion(t *testing.T) {
	shortRetries(t)
	attempts := 0
	err := withRetry(context.Background(), "probe service", func() error {
		attempts++
		return fmt.Errorf("boom %d", attempts)
	})
	if !errors.Is(err, core.ErrExternalService) {
		t.Fatalf("err = %v, want ErrExternalService", err)
	}
	if attempts != maxRetries {
		t.Errorf("attempts = %d, want %d", attempts, maxRetries)
	}
	if !strings.Contains(err.Error(), "boom 3") {
		t.Errorf("final error %q does not carry the last cause", err)
	}
}

func TestWithRetryHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := withRetry(ctx, "never runs", func() error {
		attempts++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 0 {
		t.Errorf("call ran %d times under canceled context", attempts)
	}
}

func TestPickFallsBackToMocks(t *testing.T) {
	cfg := config.Defaults()
	cfg.APIKey = ""
	cfg.EmbeddingDim = 16

	a := Pick(cfg)
	if _, ok := a.Transcriber.(MockTranscriber); !ok {
		t.Errorf("transcriber = %T, want MockTranscriber without credentials", a.Transcriber)
	}
	if _, ok := a.Captioner.(MockCaptioner); !ok {
		t.Errorf("captioner = %T, want MockCaptioner without credentials", a.Captioner)
	}
	if _, ok := a.Text.(*MockEmbedder); !ok {
		t.Errorf("text embedder = %T, want *MockEmbedder without credentials", a.Text)
	}
}

func TestPickHonorsMockOverride(t *testing.T) {
	t.Setenv("ANNOTATORS", "mock")
	cfg := config.Defaults()
	cfg.APIKey = "real-key"

	a := Pick(cfg)
	if _, ok := a.Transcriber.(MockTranscriber); !ok {
		t.Errorf("transcriber = %T, want MockTranscriber under override", a.Transcriber)
	}
	if _, ok := a.Image.(*MockEmbedder); !ok {
		t.Errorf("image embedder = %T, want *MockEmbedder under override", a.Image)
	}
}

func TestPickUsesAPIWhenConfigured(t *testing.T) {
	t.Setenv("ANNOTATORS", "")
	cfg := config.Defaults()
	cfg.APIKey = "real-key"

	a := Pick(cfg)
	if _, ok := a.Transcriber.(*OpenAITranscriber); !ok {
		t.Errorf("transcriber = %T, want *OpenAITranscriber with credentials", a.Transcriber)
	}
	if _, ok := a.Text.(*OpenAITextEmbedder); !ok {
		t.Errorf("text embedder = %T, want *OpenAITextEmbedder with credentials", a.Text)
	}
	if _, ok := a.Image.(*MultimodalEmbeddingClient); !ok {
		t.Errorf("image embedder = %T, want *MultimodalEmbeddingClient with credentials", a.Image)
	}
}
