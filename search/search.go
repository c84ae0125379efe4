// Package search answers ranked similarity queries over one indexed media
// item. A Session resolves the media identifier through the registry once
// and then serves any number of queries against the three embedding columns.
package search

import (
	"context"

	"github.com/vbabua/video-map-agent/annotate"
	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
	"github.com/vbabua/video-map-agent/registry"
	"github.com/vbabua/video-map-agent/storage"
)

type Engine struct {
	reg      *registry.Registry
	provider storage.Provider
	text     annotate.TextEmbedder
	image    annotate.ImageEmbedder
	buffer   float64
}

func NewEngine(cfg *config.Config, reg *registry.Registry, provider storage.Provider, ann *annotate.Annotators) *Engine {
	return &Engine{
		reg:      reg,
		provider: provider,
		text:     ann.Text,
		image:    ann.Image,
		buffer:   cfg.FrameTimeBufferSec,
	}
}

// Session resolves a media identifier to its live segment store. Unknown
// identifiers fail immediately with the media-not-indexed condition rather
// than surfacing empty results later.
func (e *Engine) Session(ctx context.Context, mediaID string) (*Session, error) {
	handle, err := e.reg.Lookup(mediaID)
	if err != nil {
		return nil, err
	}
	store, err := e.provider.Open(ctx, handle)
	if err != nil {
		return nil, err
	}
	return &Session{eng: e, store: store}, nil
}

// Session is one resolved media item ready to be queried. Sessions hold no
// locks and are safe for concurrent queries.
type Session struct {
	eng   *Engine
	store storage.Store
}

func (s *Session) Handle() core.StoreHandle { return s.store.Handle() }

func (s *Session) Content(ctx context.Context) (core.ContentRow, error) {
	return s.store.Content(ctx)
}

// SearchSpeech ranks transcript chunks against a text query. Each hit spans
// the chunk's own start and end times.
func (s *Session) SearchSpeech(ctx context.Context, query string, topK int) ([]core.TimeRangeHit, error) {
	matches, err := s.queryText(ctx, storage.ColumnTranscript, query, topK)
	if err != nil {
		return nil, err
	}
	hits := make([]core.TimeRangeHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, core.TimeRangeHit{BeginTime: m.StartSec, FinishTime: m.EndSec, Score: m.Score})
	}
	return hits, nil
}

// SearchDescription ranks frame captions against a text query. A matched
// frame's single timestamp is expanded into a symmetric window.
func (s *Session) SearchDescription(ctx context.Context, query string, topK int) ([]core.TimeRangeHit, error) {
	matches, err := s.queryText(ctx, storage.ColumnDescription, query, topK)
	if err != nil {
		return nil, err
	}
	return s.windows(matches), nil
}

// SearchVisual ranks frames against a query image in the frame embedding
// space.
func (s *Session) SearchVisual(ctx context.Context, imagePath string, topK int) ([]core.TimeRangeHit, error) {
	if topK <= 0 {
		if err := s.probeIndex(ctx, storage.ColumnFrame); err != nil {
			return nil, err
		}
		return []core.TimeRangeHit{}, nil
	}
	vec, err := s.eng.image.EmbedImage(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	matches, err := s.store.Search(ctx, storage.ColumnFrame, vec, topK)
	if err != nil {
		return nil, err
	}
	return s.windows(matches), nil
}

// FetchTranscriptText returns the matched transcript text itself instead of
// a time window.
func (s *Session) FetchTranscriptText(ctx context.Context, query string, topK int) ([]core.TextHit, error) {
	matches, err := s.queryText(ctx, storage.ColumnTranscript, query, topK)
	if err != nil {
		return nil, err
	}
	return textHits(matches), nil
}

// FetchDescriptionText returns the matched caption text itself instead of a
// time window.
func (s *Session) FetchDescriptionText(ctx context.Context, query string, topK int) ([]core.TextHit, error) {
	matches, err := s.queryText(ctx, storage.ColumnDescription, query, topK)
	if err != nil {
		return nil, err
	}
	return textHits(matches), nil
}

// queryText embeds the query and searches one text column. A non-positive
// topK skips the embedding call; the store still reports a missing index.
func (s *Session) queryText(ctx context.Context, column storage.IndexColumn, query string, topK int) ([]storage.Match, error) {
	if topK <= 0 {
		if err := s.probeIndex(ctx, column); err != nil {
			return nil, err
		}
		return nil, nil
	}
	vec, err := s.eng.text.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.store.Search(ctx, column, vec, topK)
}

func (s *Session) probeIndex(ctx context.Context, column storage.IndexColumn) error {
	_, err := s.store.Search(ctx, column, nil, 0)
	return err
}

// windows expands frame timestamps into [t-b, t+b] ranges. The window is
// exactly symmetric; callers that feed it to a cutter clamp at the media
// boundaries themselves.
func (s *Session) windows(matches []storage.Match) []core.TimeRangeHit {
	hits := make([]core.TimeRangeHit, 0, len(matches))
	for _, m := range matches {
		center := m.FramePosMs / 1000
		hits = append(hits, core.TimeRangeHit{
			BeginTime:  center - s.eng.buffer,
			FinishTime: center + s.eng.buffer,
			Score:      m.Score,
		})
	}
	return hits
}

func textHits(matches []storage.Match) []core.TextHit {
	hits := make([]core.TextHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, core.TextHit{Text: m.Text, Score: m.Score})
	}
	return hits
}
