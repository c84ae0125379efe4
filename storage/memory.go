package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/vbabua/video-map-agent/core"
)

// MemoryProvider keeps every namespace in process memory. It backs tests and
// development runs and is the fallback when a remote backend is unreachable.
type MemoryProvider struct {
	mu         sync.RWMutex
	namespaces map[string]*memoryTables
}

type memoryTables struct {
	handle core.StoreHandle

	mu      sync.RWMutex
	content *core.ContentRow
	sounds  []core.SoundSegment
	visuals []core.VisualSegment
	indexes map[IndexColumn]IndexSpec
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{namespaces: make(map[string]*memoryTables)}
}

func (p *MemoryProvider) Create(ctx context.Context, mediaID string) (Store, error) {
	handle, err := core.NewStoreHandle(mediaID, newNamespace())
	if err != nil {
		return nil, err
	}

	tables := &memoryTables{
		handle:  handle,
		indexes: make(map[IndexColumn]IndexSpec),
	}

	p.mu.Lock()
	p.namespaces[handle.StorageCache] = tables
	p.mu.Unlock()

	return &memoryStore{tables: tables}, nil
}

func (p *MemoryProvider) Open(ctx context.Context, handle core.StoreHandle) (Store, error) {
	p.mu.RLock()
	tables, ok := p.namespaces[handle.StorageCache]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("namespace %q: %w", handle.StorageCache, core.ErrStoreNotFound)
	}
	return &memoryStore{tables: tables}, nil
}

func (p *MemoryProvider) Close() error { return nil }

type memoryStore struct {
	tables *memoryTables
}

func (s *memoryStore) Handle() core.StoreHandle { return s.tables.handle }

func (s *memoryStore) PutContent(ctx context.Context, row core.ContentRow) error {
	s.tables.mu.Lock()
	defer s.tables.mu.Unlock()
	s.tables.content = &row
	return nil
}

func (s *memoryStore) Content(ctx context.Context) (core.ContentRow, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	if s.tables.content == nil {
		return core.ContentRow{}, fmt.Errorf("content row not written for %q", s.tables.handle.MediaIdentifier)
	}
	return *s.tables.content, nil
}

func (s *memoryStore) AppendSoundSegments(ctx context.Context, rows []core.SoundSegment) error {
	s.tables.mu.Lock()
	defer s.tables.mu.Unlock()
	s.tables.sounds = append(s.tables.sounds, rows...)
	return nil
}

func (s *memoryStore) AppendVisualSegments(ctx context.Context, rows []core.VisualSegment) error {
	s.tables.mu.Lock()
	defer s.tables.mu.Unlock()
	s.tables.visuals = append(s.tables.visuals, rows...)
	return nil
}

func (s *memoryStore) SetTranscript(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error {
	s.tables.mu.Lock()
	defer s.tables.mu.Unlock()
	for i := range s.tables.sounds {
		if s.tables.sounds[i].Pos == pos {
			s.tables.sounds[i].Transcript = text
			s.tables.sounds[i].TranscriptVector = vec
			s.tables.sounds[i].TranscriptStatus = status
			return nil
		}
	}
	return fmt.Errorf("sound segment pos %d not found", pos)
}

func (s *memoryStore) SetCaption(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error {
	s.tables.mu.Lock()
	defer s.tables.mu.Unlock()
	for i := range s.tables.visuals {
		if s.tables.visuals[i].Pos == pos {
			s.tables.visuals[i].Description = text
			s.tables.visuals[i].DescriptionVector = vec
			s.tables.visuals[i].CaptionStatus = status
			return nil
		}
	}
	return fmt.Errorf("visual segment pos %d not found", pos)
}

func (s *memoryStore) SetFrameVector(ctx context.Context, pos int, vec []float32, status core.AnnotationStatus) error {
	s.tables.mu.Lock()
	defer s.tables.mu.Unlock()
	for i := range s.tables.visuals {
		if s.tables.visuals[i].Pos == pos {
			s.tables.visuals[i].FrameVector = vec
			s.tables.visuals[i].FrameEmbedStatus = status
			return nil
		}
	}
	return fmt.Errorf("visual segment pos %d not found", pos)
}

func (s *memoryStore) ListSoundSegments(ctx context.Context) ([]core.SoundSegment, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	out := make([]core.SoundSegment, len(s.tables.sounds))
	copy(out, s.tables.sounds)
	return out, nil
}

func (s *memoryStore) ListVisualSegments(ctx context.Context) ([]core.VisualSegment, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	out := make([]core.VisualSegment, len(s.tables.visuals))
	copy(out, s.tables.visuals)
	return out, nil
}

func (s *memoryStore) PendingSoundSegments(ctx context.Context) ([]core.SoundSegment, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	var out []core.SoundSegment
	for _, row := range s.tables.sounds {
		if row.TranscriptStatus != core.StatusComplete {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memoryStore) PendingVisualSegments(ctx context.Context) ([]core.VisualSegment, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	var out []core.VisualSegment
	for _, row := range s.tables.visuals {
		if row.CaptionStatus != core.StatusComplete || row.FrameEmbedStatus != core.StatusComplete {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memoryStore) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	if spec.Dim <= 0 {
		return fmt.Errorf("ensure index %s: dimension %d invalid", spec.Column, spec.Dim)
	}
	s.tables.mu.Lock()
	defer s.tables.mu.Unlock()
	s.tables.indexes[spec.Column] = spec
	return nil
}

func (s *memoryStore) HasIndex(ctx context.Context, column IndexColumn) (bool, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	_, ok := s.tables.indexes[column]
	return ok, nil
}

func (s *memoryStore) Search(ctx context.Context, column IndexColumn, vec []float32, topK int) ([]Match, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()

	if _, ok := s.tables.indexes[column]; !ok {
		return nil, fmt.Errorf("column %s in %s: %w", column, s.tables.handle.StorageCache, core.ErrIndexNotFound)
	}
	if topK <= 0 {
		return []Match{}, nil
	}

	var rows []Match
	var vectors [][]float32
	switch column {
	case ColumnTranscript:
		for _, row := range s.tables.sounds {
			if row.TranscriptStatus != core.StatusComplete {
				continue
			}
			rows = append(rows, Match{Pos: row.Pos, StartSec: row.StartSec, EndSec: row.EndSec, Text: row.Transcript})
			vectors = append(vectors, row.TranscriptVector)
		}
	case ColumnFrame:
		for _, row := range s.tables.visuals {
			if row.FrameEmbedStatus != core.StatusComplete {
				continue
			}
			rows = append(rows, Match{Pos: row.Pos, FramePosMs: row.FramePosMs})
			vectors = append(vectors, row.FrameVector)
		}
	case ColumnDescription:
		for _, row := range s.tables.visuals {
			if row.CaptionStatus != core.StatusComplete {
				continue
			}
			rows = append(rows, Match{Pos: row.Pos, FramePosMs: row.FramePosMs, Text: row.Description})
			vectors = append(vectors, row.DescriptionVector)
		}
	default:
		return nil, fmt.Errorf("unknown index column %q", column)
	}

	return rankBruteForce(vec, rows, vectors, topK), nil
}

func (s *memoryStore) Close() error { return nil }
