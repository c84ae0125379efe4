package search

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vbabua/video-map-agent/annotate"
	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
	"github.com/vbabua/video-map-agent/registry"
	"github.com/vbabua/video-map-agent/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Provider, *registry.Registry, *annotate.Annotators) {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataRoot = t.TempDir()
	cfg.FrameTimeBufferSec = 5
	ann := annotate.Mocks(64)
	provider := storage.NewMemoryProvider()
	reg := registry.New(filepath.Join(cfg.DataRoot, ".storage_records"), 5)
	return NewEngine(cfg, reg, provider, ann), provider, reg, ann
}

// seedItem builds a small fully annotated item: two transcript chunks and two
// captioned frames, embedded with the same mock providers the engine queries
// with so similarity scores are meaningful.
func seedItem(t *testing.T, provider storage.Provider, reg *registry.Registry, ann *annotate.Annotators, mediaID string) core.StoreHandle {
	t.Helper()
	ctx := context.Background()

	store, err := provider.Create(ctx, mediaID)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	embedText := func(text string) []float32 {
		vec, err := ann.Text.EmbedText(ctx, text)
		if err != nil {
			t.Fatalf("embed %q: %v", text, err)
		}
		return vec
	}
	embedImage := func(path string) []float32 {
		vec, err := ann.Image.EmbedImage(ctx, path)
		if err != nil {
			t.Fatalf("embed image %q: %v", path, err)
		}
		return vec
	}

	if err := store.AppendSoundSegments(ctx, []core.SoundSegment{
		{Pos: 0, StartSec: 0, EndSec: 10, TranscriptStatus: core.StatusPending},
		{Pos: 1, StartSec: 9, EndSec: 19, TranscriptStatus: core.StatusPending},
	}); err != nil {
		t.Fatalf("append sounds: %v", err)
	}
	transcripts := []string{
		"the rocket launch countdown begins now",
		"weather forecast calls for a sunny afternoon",
	}
	for pos, text := range transcripts {
		if err := store.SetTranscript(ctx, pos, text, embedText(text), core.StatusComplete); err != nil {
			t.Fatalf("set transcript %d: %v", pos, err)
		}
	}

	if err := store.AppendVisualSegments(ctx, []core.VisualSegment{
		{Pos: 0, FramePosMs: 0, RawFramePath: "frames/a.jpg", ScaledFramePath: "frames/a.jpg",
			CaptionStatus: core.StatusPending, FrameEmbedStatus: core.StatusPending},
		{Pos: 1, FramePosMs: 5000, RawFramePath: "frames/b.jpg", ScaledFramePath: "frames/b.jpg",
			CaptionStatus: core.StatusPending, FrameEmbedStatus: core.StatusPending},
	}); err != nil {
		t.Fatalf("append visuals: %v", err)
	}
	captions := []string{
		"rocket standing on the launch pad",
		"weather map covered with sun icons",
	}
	for pos, caption := range captions {
		if err := store.SetCaption(ctx, pos, caption, embedText(caption), core.StatusComplete); err != nil {
			t.Fatalf("set caption %d: %v", pos, err)
		}
	}
	for pos, path := range []string{"frames/a.jpg", "frames/b.jpg"} {
		if err := store.SetFrameVector(ctx, pos, embedImage(path), core.StatusComplete); err != nil {
			t.Fatalf("set frame vector %d: %v", pos, err)
		}
	}

	for _, spec := range []storage.IndexSpec{
		{Column: storage.ColumnTranscript, Model: ann.Text.Model(), Dim: 64},
		{Column: storage.ColumnDescription, Model: ann.Text.Model(), Dim: 64},
		{Column: storage.ColumnFrame, Model: ann.Image.Model(), Dim: 64},
	} {
		if err := store.EnsureIndex(ctx, spec); err != nil {
			t.Fatalf("ensure %s index: %v", spec.Column, err)
		}
	}

	if err := store.PutContent(ctx, core.ContentRow{
		MediaIdentifier: mediaID,
		SourcePath:      "/media/" + mediaID,
		Metadata:        core.MediaMetadata{DurationSec: 19},
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		t.Fatalf("put content: %v", err)
	}
	if err := reg.Register(store.Handle()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return store.Handle()
}

func TestSessionUnknownMedia(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	if _, err := eng.Session(context.Background(), "ghost.mp4"); !errors.Is(err, core.ErrMediaNotIndexed) {
		t.Fatalf("session err = %v, want ErrMediaNotIndexed", err)
	}
}

func TestSessionDanglingRegistryEntry(t *testing.T) {
	eng, _, reg, _ := newTestEngine(t)
	handle, err := core.NewStoreHandle("gone.mp4", "storage_0123456789ab")
	if err != nil {
		t.Fatalf("build handle: %v", err)
	}
	if err := reg.Register(handle); err != nil {
		t.Fatalf("register dangling handle: %v", err)
	}
	if _, err := eng.Session(context.Background(), "gone.mp4"); !errors.Is(err, core.ErrStoreNotFound) {
		t.Fatalf("session err = %v, want ErrStoreNotFound", err)
	}
}

func TestSearchSpeechRanking(t *testing.T) {
	ctx := context.Background()
	eng, provider, reg, ann := newTestEngine(t)
	seedItem(t, provider, reg, ann, "launch.mp4")

	session, err := eng.Session(ctx, "launch.mp4")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	hits, err := session.SearchSpeech(ctx, "rocket launch countdown", 5)
	if err != nil {
		t.Fatalf("search speech: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].BeginTime != 0 || hits[0].FinishTime != 10 {
		t.Errorf("top hit window = [%v,%v], want the first chunk [0,10]", hits[0].BeginTime, hits[0].FinishTime)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not strictly ordered: %v then %v", hits[0].Score, hits[1].Score)
	}

	top, err := session.SearchSpeech(ctx, "rocket launch countdown", 1)
	if err != nil {
		t.Fatalf("search speech top 1: %v", err)
	}
	if len(top) != 1 || top[0] != hits[0] {
		t.Errorf("top_k=1 = %+v, want only the best hit %+v", top, hits[0])
	}
}

func TestSearchDescriptionWindowSymmetry(t *testing.T) {
	ctx := context.Background()
	eng, provider, reg, ann := newTestEngine(t)
	seedItem(t, provider, reg, ann, "pad.mp4")

	session, err := eng.Session(ctx, "pad.mp4")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	hits, err := session.SearchDescription(ctx, "rocket on the launch pad", 2)
	if err != nil {
		t.Fatalf("search description: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}

	// Frame at 0ms wins; its window stays symmetric even below zero.
	if hits[0].BeginTime != -5 || hits[0].FinishTime != 5 {
		t.Errorf("top window = [%v,%v], want [-5,5]", hits[0].BeginTime, hits[0].FinishTime)
	}
	for i, h := range hits {
		if got := h.FinishTime - h.BeginTime; got != 10 {
			t.Errorf("hit %d window width = %v, want exactly 10", i, got)
		}
	}
	if hits[1].BeginTime != 0 || hits[1].FinishTime != 10 {
		t.Errorf("second window = [%v,%v], want [0,10] around the 5s frame", hits[1].BeginTime, hits[1].FinishTime)
	}
}

func TestSearchVisualByImage(t *testing.T) {
	ctx := context.Background()
	eng, provider, reg, ann := newTestEngine(t)
	seedItem(t, provider, reg, ann, "frames.mp4")

	session, err := eng.Session(ctx, "frames.mp4")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	hits, err := session.SearchVisual(ctx, "frames/a.jpg", 1)
	if err != nil {
		t.Fatalf("search visual: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].BeginTime != -5 || hits[0].FinishTime != 5 {
		t.Errorf("hit window = [%v,%v], want the 0ms frame window [-5,5]", hits[0].BeginTime, hits[0].FinishTime)
	}
	if hits[0].Score < 0.999 {
		t.Errorf("self-similarity score = %v, want ~1", hits[0].Score)
	}
}

func TestFetchTextVariants(t *testing.T) {
	ctx := context.Background()
	eng, provider, reg, ann := newTestEngine(t)
	seedItem(t, provider, reg, ann, "texts.mp4")

	session, err := eng.Session(ctx, "texts.mp4")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	speech, err := session.FetchTranscriptText(ctx, "sunny weather forecast", 1)
	if err != nil {
		t.Fatalf("fetch transcript text: %v", err)
	}
	if len(speech) != 1 || speech[0].Text != "weather forecast calls for a sunny afternoon" {
		t.Errorf("transcript hits = %+v, want the weather chunk text", speech)
	}

	captions, err := session.FetchDescriptionText(ctx, "map with sun icons", 1)
	if err != nil {
		t.Fatalf("fetch description text: %v", err)
	}
	if len(captions) != 1 || captions[0].Text != "weather map covered with sun icons" {
		t.Errorf("caption hits = %+v, want the weather caption", captions)
	}
}

func TestTopKZeroReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	eng, provider, reg, ann := newTestEngine(t)
	seedItem(t, provider, reg, ann, "zero.mp4")

	session, err := eng.Session(ctx, "zero.mp4")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	hits, err := session.SearchSpeech(ctx, "anything", 0)
	if err != nil {
		t.Fatalf("top_k=0 err = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("top_k=0 hits = %+v, want none", hits)
	}
	texts, err := session.FetchDescriptionText(ctx, "anything", -1)
	if err != nil {
		t.Fatalf("top_k=-1 err = %v", err)
	}
	if len(texts) != 0 {
		t.Fatalf("top_k=-1 hits = %+v, want none", texts)
	}
}

func TestMissingIndexSurfaces(t *testing.T) {
	ctx := context.Background()
	eng, provider, reg, _ := newTestEngine(t)

	// A registered item whose annotation never completed has no indexes.
	store, err := provider.Create(ctx, "bare.mp4")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := reg.Register(store.Handle()); err != nil {
		t.Fatalf("register: %v", err)
	}

	session, err := eng.Session(ctx, "bare.mp4")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := session.SearchSpeech(ctx, "q", 3); !errors.Is(err, core.ErrIndexNotFound) {
		t.Errorf("speech err = %v, want ErrIndexNotFound", err)
	}
	if _, err := session.SearchVisual(ctx, "img.jpg", 3); !errors.Is(err, core.ErrIndexNotFound) {
		t.Errorf("visual err = %v, want ErrIndexNotFound", err)
	}
	// Even a non-positive top_k reports the missing index rather than
	// pretending the column is queryable.
	if _, err := session.SearchDescription(ctx, "q", 0); !errors.Is(err, core.ErrIndexNotFound) {
		t.Errorf("description top_k=0 err = %v, want ErrIndexNotFound", err)
	}
}
