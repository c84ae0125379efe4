package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vbabua/video-map-agent/annotate"
	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
	"github.com/vbabua/video-map-agent/media"
	"github.com/vbabua/video-map-agent/registry"
	"github.com/vbabua/video-map-agent/storage"
)

// fakeTools satisfies mediaOps without ffmpeg. It writes small placeholder
// files so path-based annotation still has something to read.
type fakeTools struct {
	duration     float64
	probeErr     error
	transcodeErr error
	frames       int

	mu       sync.Mutex
	cutCalls int
}

func (f *fakeTools) Probe(ctx context.Context, path string) (float64, error) {
	if f.probeErr != nil && !strings.HasPrefix(filepath.Base(path), "transcoded_") {
		return 0, f.probeErr
	}
	return f.duration, nil
}

func (f *fakeTools) Transcode(ctx context.Context, path string) (string, error) {
	if f.transcodeErr != nil {
		return "", f.transcodeErr
	}
	dir, name := filepath.Split(path)
	return filepath.Join(dir, "transcoded_"+name), nil
}

func (f *fakeTools) ExtractAudio(ctx context.Context, input, audioOut string) error {
	return os.WriteFile(audioOut, []byte("riff"), 0o644)
}

func (f *fakeTools) CutChunk(ctx context.Context, audioPath, chunkOut string, startSec, endSec float64) error {
	f.mu.Lock()
	f.cutCalls++
	f.mu.Unlock()
	return os.WriteFile(chunkOut, []byte(fmt.Sprintf("chunk %v-%v", startSec, endSec)), 0o644)
}

func (f *fakeTools) SampleFrames(ctx context.Context, input, framesDir string, intervalSec float64) ([]media.Frame, error) {
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, err
	}
	frames := make([]media.Frame, 0, f.frames)
	for i := 1; i <= f.frames; i++ {
		p := filepath.Join(framesDir, fmt.Sprintf("%05d.jpg", i))
		if err := os.WriteFile(p, []byte(fmt.Sprintf("frame-%d", i)), 0o644); err != nil {
			return nil, err
		}
		frames = append(frames, media.Frame{PosMs: float64(i-1) * intervalSec * 1000, Path: p})
	}
	return frames, nil
}

func (f *fakeTools) ScaleFrame(ctx context.Context, src, dst string, width, height int) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

type failingTranscriber struct{}

func (failingTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return "", errors.New("asr offline")
}

func newTestPipeline(t *testing.T, duration float64, frames int) (*Pipeline, *fakeTools) {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataRoot = t.TempDir()
	cfg.Workers = 2
	cfg.EmbeddingDim = 16

	reg := registry.New(filepath.Join(cfg.DataRoot, ".storage_records"), 5)
	p := New(cfg, reg, storage.NewMemoryProvider(), annotate.Mocks(16))
	ft := &fakeTools{duration: duration, frames: frames}
	p.tools = ft
	return p, ft
}

func TestIngestEndToEnd(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, 28, 3)

	result, err := p.Ingest(ctx, "", "/media/lecture.mp4")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.AlreadyIndexed {
		t.Fatalf("fresh ingest reported already indexed")
	}
	if result.MediaIdentifier != "lecture.mp4" {
		t.Errorf("media identifier = %q, want lecture.mp4", result.MediaIdentifier)
	}
	if result.SoundSegments != 3 {
		t.Errorf("sound segments = %d, want 3 for 28s at 10s/1s overlap", result.SoundSegments)
	}
	if result.VisualSegments != 3 {
		t.Errorf("visual segments = %d, want 3", result.VisualSegments)
	}
	if result.FailedRows != 0 {
		t.Errorf("failed rows = %d, want 0", result.FailedRows)
	}

	handle, err := p.reg.Lookup("lecture.mp4")
	if err != nil {
		t.Fatalf("registry lookup after ingest: %v", err)
	}
	store, err := p.provider.Open(ctx, handle)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	sounds, err := store.ListSoundSegments(ctx)
	if err != nil {
		t.Fatalf("list sounds: %v", err)
	}
	wantSpans := [][2]float64{{0, 10}, {9, 19}, {18, 28}}
	if len(sounds) != len(wantSpans) {
		t.Fatalf("stored %d sound rows, want %d", len(sounds), len(wantSpans))
	}
	for i, row := range sounds {
		if row.StartSec != wantSpans[i][0] || row.EndSec != wantSpans[i][1] {
			t.Errorf("row %d span = [%v,%v], want %v", i, row.StartSec, row.EndSec, wantSpans[i])
		}
		if row.TranscriptStatus != core.StatusComplete || row.Transcript == "" {
			t.Errorf("row %d not annotated: %+v", i, row)
		}
	}

	for _, column := range []storage.IndexColumn{storage.ColumnTranscript, storage.ColumnDescription, storage.ColumnFrame} {
		has, err := store.HasIndex(ctx, column)
		if err != nil {
			t.Fatalf("has index %s: %v", column, err)
		}
		if !has {
			t.Errorf("index %s missing after ingest", column)
		}
	}

	content, err := store.Content(ctx)
	if err != nil {
		t.Fatalf("content row: %v", err)
	}
	if content.Metadata.DurationSec != 28 {
		t.Errorf("content duration = %v, want 28", content.Metadata.DurationSec)
	}
	if content.Metadata.Title != "lecture" {
		t.Errorf("content title = %q, want filename fallback", content.Metadata.Title)
	}
	if content.CreatedAt.IsZero() {
		t.Errorf("content row missing created_at")
	}
}

func TestIngestExplicitIdentifier(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, 15, 1)

	result, err := p.Ingest(ctx, "spring-keynote", "/media/2025-04-01-recording.mp4")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.MediaIdentifier != "spring-keynote" {
		t.Errorf("media identifier = %q, want the caller-supplied key", result.MediaIdentifier)
	}
	if _, err := p.reg.Lookup("spring-keynote"); err != nil {
		t.Errorf("lookup by explicit identifier: %v", err)
	}
	if exists, _ := p.reg.Exists("2025-04-01-recording.mp4"); exists {
		t.Errorf("base name registered although an explicit identifier was given")
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, ft := newTestPipeline(t, 28, 2)

	first, err := p.Ingest(ctx, "", "/media/talk.mp4")
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	cutsAfterFirst := ft.cutCalls

	second, err := p.Ingest(ctx, "", "/media/talk.mp4")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.AlreadyIndexed {
		t.Fatalf("second ingest did not short-circuit")
	}
	if second.Handle != first.Handle {
		t.Errorf("second ingest handle %+v, want the registered %+v", second.Handle, first.Handle)
	}
	if ft.cutCalls != cutsAfterFirst {
		t.Errorf("second ingest cut %d more chunks", ft.cutCalls-cutsAfterFirst)
	}
}

func TestIngestConcurrentSameIdentifier(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, 28, 1)

	results := make([]*IngestResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Ingest(ctx, "", "/media/race.mp4")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("ingest %d: %v", i, errs[i])
		}
		if !results[i].AlreadyIndexed {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("%d ingests did full work, want exactly 1", fresh)
	}
}

func TestIngestUnreadableMedia(t *testing.T) {
	ctx := context.Background()

	p, ft := newTestPipeline(t, 30, 1)
	ft.probeErr = errors.New("moov atom not found")
	ft.transcodeErr = errors.New("invalid data")

	if _, err := p.Ingest(ctx, "", "/media/broken.mp4"); !errors.Is(err, core.ErrMediaUnreadable) {
		t.Fatalf("ingest err = %v, want ErrMediaUnreadable", err)
	}
	if exists, _ := p.reg.Exists("broken.mp4"); exists {
		t.Errorf("unreadable media ended up registered")
	}
}

func TestIngestRecoversThroughTranscode(t *testing.T) {
	ctx := context.Background()
	p, ft := newTestPipeline(t, 15, 1)
	ft.probeErr = errors.New("moov atom not found")

	result, err := p.Ingest(ctx, "", "/media/fixable.mp4")
	if err != nil {
		t.Fatalf("ingest with recoverable probe failure: %v", err)
	}
	if result.SoundSegments == 0 {
		t.Errorf("no sound segments after transcode recovery")
	}
}

func TestIngestSurvivesAnnotationFailures(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, 28, 2)
	p.ann.Transcriber = failingTranscriber{}

	result, err := p.Ingest(ctx, "", "/media/muted.mp4")
	if err != nil {
		t.Fatalf("ingest with failing transcriber: %v", err)
	}
	if result.FailedRows != result.SoundSegments {
		t.Errorf("failed rows = %d, want all %d sound rows", result.FailedRows, result.SoundSegments)
	}

	handle, err := p.reg.Lookup("muted.mp4")
	if err != nil {
		t.Fatalf("item with failed rows not registered: %v", err)
	}
	store, err := p.provider.Open(ctx, handle)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	// No transcript completed, so the speech index must not exist.
	if _, err := store.Search(ctx, storage.ColumnTranscript, []float32{1, 0}, 3); !errors.Is(err, core.ErrIndexNotFound) {
		t.Errorf("speech search err = %v, want ErrIndexNotFound", err)
	}
	// The visual side is independent and should be intact.
	if has, _ := store.HasIndex(ctx, storage.ColumnDescription); !has {
		t.Errorf("description index missing although captions succeeded")
	}

	pending, err := store.PendingSoundSegments(ctx)
	if err != nil {
		t.Fatalf("pending sounds: %v", err)
	}
	if len(pending) != result.SoundSegments {
		t.Errorf("pending sound rows = %d, want %d failed rows targetable", len(pending), result.SoundSegments)
	}
	for _, row := range pending {
		if row.TranscriptStatus != core.StatusFailed {
			t.Errorf("row %d status = %q, want failed", row.Pos, row.TranscriptStatus)
		}
	}
}

func TestBackfillCompletesFailedRows(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, 28, 2)
	p.ann.Transcriber = failingTranscriber{}

	if _, err := p.Ingest(ctx, "", "/media/retry.mp4"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Service recovers; backfill should finish the failed rows.
	p.ann.Transcriber = annotate.MockTranscriber{}
	result, err := p.Backfill(ctx, "retry.mp4")
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if result.SoundRowsFixed != 3 {
		t.Errorf("sound rows fixed = %d, want 3", result.SoundRowsFixed)
	}
	if result.StillPending != 0 {
		t.Errorf("still pending = %d, want 0", result.StillPending)
	}

	handle, _ := p.reg.Lookup("retry.mp4")
	store, err := p.provider.Open(ctx, handle)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if has, _ := store.HasIndex(ctx, storage.ColumnTranscript); !has {
		t.Errorf("transcript index missing after backfill")
	}
	matches, err := store.Search(ctx, storage.ColumnTranscript, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("search after backfill: %v", err)
	}
	if len(matches) == 0 {
		t.Errorf("no matches after backfill")
	}
}

func TestBackfillUnknownMedia(t *testing.T) {
	p, _ := newTestPipeline(t, 10, 1)
	if _, err := p.Backfill(context.Background(), "never-ingested.mp4"); !errors.Is(err, core.ErrMediaNotIndexed) {
		t.Fatalf("backfill err = %v, want ErrMediaNotIndexed", err)
	}
}

func TestIngestShortMediaSkipsChunks(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, 0.5, 2)

	result, err := p.Ingest(ctx, "", "/media/blip.mp4")
	if err != nil {
		t.Fatalf("ingest sub-minimum media: %v", err)
	}
	if result.SoundSegments != 0 {
		t.Errorf("sound segments = %d, want 0 below the minimum chunk length", result.SoundSegments)
	}
	if result.VisualSegments != 2 {
		t.Errorf("visual segments = %d, want 2", result.VisualSegments)
	}
}
