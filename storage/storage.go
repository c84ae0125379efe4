// Package storage persists one media item's derived segments and embedding
// vectors behind a uniform Store contract. Four providers share it: an
// in-memory store for tests and development, an embedded sqlite store, and
// remote pgvector and milvus stores.
package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
)

// IndexColumn names an embeddable segment column. A column is searchable
// only after EnsureIndex has been called for it.
type IndexColumn string

const (
	ColumnTranscript  IndexColumn = "transcript"
	ColumnFrame       IndexColumn = "frame"
	ColumnDescription IndexColumn = "description"
)

// IndexSpec describes one embedding index: which column it covers, the
// model that produced its vectors, and their dimension.
type IndexSpec struct {
	Column IndexColumn `json:"column"`
	Model  string      `json:"model"`
	Dim    int         `json:"dim"`
}

// Match is one scored row from a vector search. Sound rows carry
// StartSec/EndSec, visual rows carry FramePosMs; Text holds the matched
// column's text when it has one.
type Match struct {
	Pos        int     `json:"pos"`
	Score      float64 `json:"score"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	FramePosMs float64 `json:"frame_pos_ms"`
	Text       string  `json:"text"`
}

// Store is a resolved segment store for a single media item.
type Store interface {
	Handle() core.StoreHandle

	PutContent(ctx context.Context, row core.ContentRow) error
	Content(ctx context.Context) (core.ContentRow, error)

	AppendSoundSegments(ctx context.Context, rows []core.SoundSegment) error
	AppendVisualSegments(ctx context.Context, rows []core.VisualSegment) error

	SetTranscript(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error
	SetCaption(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error
	SetFrameVector(ctx context.Context, pos int, vec []float32, status core.AnnotationStatus) error

	ListSoundSegments(ctx context.Context) ([]core.SoundSegment, error)
	ListVisualSegments(ctx context.Context) ([]core.VisualSegment, error)
	PendingSoundSegments(ctx context.Context) ([]core.SoundSegment, error)
	PendingVisualSegments(ctx context.Context) ([]core.VisualSegment, error)

	EnsureIndex(ctx context.Context, spec IndexSpec) error
	HasIndex(ctx context.Context, column IndexColumn) (bool, error)

	// Search ranks indexed rows by cosine similarity to vec, descending,
	// ties broken by insertion order. topK <= 0 yields an empty result.
	// A column without an index fails with core.ErrIndexNotFound.
	Search(ctx context.Context, column IndexColumn, vec []float32, topK int) ([]Match, error)

	Close() error
}

// Provider creates and resolves stores for one backend.
type Provider interface {
	// Create allocates a fresh uniquely-named namespace plus its tables.
	// Callers deduplicate via the registry; Create never does.
	Create(ctx context.Context, mediaID string) (Store, error)
	// Open resolves a handle persisted earlier. A namespace that no longer
	// exists fails with core.ErrStoreNotFound.
	Open(ctx context.Context, handle core.StoreHandle) (Store, error)
	Close() error
}

// NewProvider selects the backend named by cfg.StoreKind.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreKind)) {
	case "", "memory":
		return NewMemoryProvider(), nil
	case "sqlite":
		return NewSQLiteProvider(cfg.SQLitePath)
	case "pgvector":
		return NewPgProvider(ctx, cfg.PostgresURL, cfg.EmbeddingDim)
	case "milvus":
		return NewMilvusProvider(ctx, cfg.MilvusAddr, cfg.EmbeddingDim)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.StoreKind)
	}
}

// newNamespace allocates a collision-free storage cache name. The suffix is
// random so concurrent creates for different identifiers can never collide.
func newNamespace() string {
	return "storage_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func serializeVector(vector []float32) []byte {
	if len(vector) == 0 {
		return nil
	}
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func deserializeVector(data []byte) []float32 {
	vector := make([]float32, len(data)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankBruteForce scores candidates against the query vector and returns the
// topK best, score descending, insertion order on ties. Rows without a
// vector never participate.
func rankBruteForce(query []float32, rows []Match, vectors [][]float32, topK int) []Match {
	if topK <= 0 {
		return []Match{}
	}
	scored := make([]Match, 0, len(rows))
	for i, row := range rows {
		if len(vectors[i]) == 0 {
			continue
		}
		row.Score = cosineSimilarity(query, vectors[i])
		scored = append(scored, row)
	}
	sortMatches(scored)
	if topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}

// sortMatches orders by score descending, then insertion position ascending.
func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Pos < matches[j].Pos
	})
}
