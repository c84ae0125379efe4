package annotate

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
)

// MockTranscriber produces a stable placeholder transcript per chunk so
// pipelines and search can run without any ASR backend.
type MockTranscriber struct{}

func (MockTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return fmt.Sprintf("Placeholder transcript for %s", filepath.Base(audioPath)), nil
}

// MockCaptioner produces a stable placeholder description per frame.
type MockCaptioner struct{}

func (MockCaptioner) Caption(ctx context.Context, imagePath string) (string, error) {
	return fmt.Sprintf("Placeholder description for %s", filepath.Base(imagePath)), nil
}

// MockEmbedder hashes words into a fixed number of buckets and normalizes the
// result. Identical inputs map to identical vectors and texts sharing words
// score higher than unrelated ones, which is enough structure for tests and
// offline runs.
type MockEmbedder struct {
	dim int
}

func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &MockEmbedder{dim: dim}
}

func (m *MockEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, m.dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		vec[m.bucket([]byte(word))]++
	}
	return normalizeL2(vec), nil
}

// EmbedImage hashes the file bytes when readable, otherwise the path, so a
// given frame always lands on the same vector.
func (m *MockEmbedder) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		data = []byte(imagePath)
	}
	vec := make([]float32, m.dim)
	const stride = 512
	for start := 0; start < len(data); start += stride {
		end := start + stride
		if end > len(data) {
			end = len(data)
		}
		vec[m.bucket(data[start:end])]++
	}
	return normalizeL2(vec), nil
}

func (m *MockEmbedder) Model() string { return "mock-embedding" }

func (m *MockEmbedder) bucket(data []byte) int {
	h := fnv.New32a()
	h.Write(data)
	return int(h.Sum32() % uint32(m.dim))
}
