// Package pipeline drives ingestion end to end: validate and probe the
// source, split audio into overlapping chunks, sample frames, run the
// annotation providers over every row, build the embedding indexes, and
// finally commit the item to the registry. Rows that fail annotation are
// marked failed and picked up again by Backfill.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vbabua/video-map-agent/annotate"
	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
	"github.com/vbabua/video-map-agent/media"
	"github.com/vbabua/video-map-agent/registry"
	"github.com/vbabua/video-map-agent/storage"
)

// mediaOps is the slice of media tooling the pipeline drives. *media.Tools
// implements it; tests substitute a fake to run without ffmpeg.
type mediaOps interface {
	Probe(ctx context.Context, path string) (float64, error)
	Transcode(ctx context.Context, path string) (string, error)
	ExtractAudio(ctx context.Context, input, audioOut string) error
	CutChunk(ctx context.Context, audioPath, chunkOut string, startSec, endSec float64) error
	SampleFrames(ctx context.Context, input, framesDir string, intervalSec float64) ([]media.Frame, error)
	ScaleFrame(ctx context.Context, src, dst string, width, height int) error
}

type Pipeline struct {
	cfg      *config.Config
	reg      *registry.Registry
	provider storage.Provider
	ann      *annotate.Annotators
	tools    mediaOps

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

func New(cfg *config.Config, reg *registry.Registry, provider storage.Provider, ann *annotate.Annotators) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		reg:      reg,
		provider: provider,
		ann:      ann,
		tools:    media.NewTools(),
		inflight: make(map[string]*sync.Mutex),
	}
}

// IngestResult reports what one ingest run produced.
type IngestResult struct {
	MediaIdentifier string           `json:"media_identifier"`
	AlreadyIndexed  bool             `json:"already_indexed"`
	DurationSec     float64          `json:"duration_sec"`
	SoundSegments   int              `json:"sound_segments"`
	VisualSegments  int              `json:"visual_segments"`
	FailedRows      int              `json:"failed_rows"`
	Handle          core.StoreHandle `json:"handle"`
}

// BackfillResult reports how many previously failed or pending rows a
// backfill run completed.
type BackfillResult struct {
	MediaIdentifier string `json:"media_identifier"`
	SoundRowsFixed  int    `json:"sound_rows_fixed"`
	VisualRowsFixed int    `json:"visual_rows_fixed"`
	StillPending    int    `json:"still_pending"`
}

// lockFor serializes ingests of the same identifier so concurrent requests
// cannot race past the registry existence check into duplicate stores.
func (p *Pipeline) lockFor(mediaID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.inflight[mediaID]
	if !ok {
		m = &sync.Mutex{}
		p.inflight[mediaID] = m
	}
	return m
}

// Ingest indexes one media file under mediaID. An empty identifier defaults
// to the file's base name. An identifier already present in the registry
// short-circuits without touching the file again.
func (p *Pipeline) Ingest(ctx context.Context, mediaID, path string) (*IngestResult, error) {
	if strings.TrimSpace(mediaID) == "" {
		mediaID = filepath.Base(path)
	}
	lock := p.lockFor(mediaID)
	lock.Lock()
	defer lock.Unlock()

	exists, err := p.reg.Exists(mediaID)
	if err != nil {
		return nil, err
	}
	if exists {
		handle, err := p.reg.Lookup(mediaID)
		if err != nil {
			return nil, err
		}
		log.Printf("Media %s already indexed in %s, skipping", mediaID, handle.StorageCache)
		return &IngestResult{MediaIdentifier: mediaID, AlreadyIndexed: true, Handle: handle}, nil
	}

	log.Printf("Starting ingest of %s", mediaID)
	workPath, duration, err := p.prepareMedia(ctx, path)
	if err != nil {
		return nil, err
	}

	itemDir := filepath.Join(p.cfg.DataRoot, "items", core.NewID())
	if err := os.MkdirAll(itemDir, 0755); err != nil {
		return nil, fmt.Errorf("create item dir: %w", err)
	}

	audioPath := filepath.Join(itemDir, "audio.wav")
	if err := p.tools.ExtractAudio(ctx, workPath, audioPath); err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}

	store, err := p.provider.Create(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("create segment store: %w", err)
	}

	result := &IngestResult{MediaIdentifier: mediaID, DurationSec: duration, Handle: store.Handle()}

	soundRows, soundFailed, err := p.ingestSounds(ctx, store, audioPath, itemDir, duration)
	if err != nil {
		return nil, err
	}
	result.SoundSegments = soundRows
	result.FailedRows += soundFailed

	visualRows, visualFailed, err := p.ingestVisuals(ctx, store, workPath, itemDir)
	if err != nil {
		return nil, err
	}
	result.VisualSegments = visualRows
	result.FailedRows += visualFailed

	metadata := media.ReadTags(path)
	metadata.DurationSec = duration
	content := core.ContentRow{
		MediaIdentifier: mediaID,
		SourcePath:      path,
		AudioPath:       audioPath,
		Metadata:        metadata,
		CreatedAt:       time.Now().UTC(),
	}
	if err := store.PutContent(ctx, content); err != nil {
		return nil, fmt.Errorf("write content row: %w", err)
	}

	// Registering is the commit point: an identifier only becomes visible
	// once its store is fully populated.
	if err := p.reg.Register(store.Handle()); err != nil {
		return nil, fmt.Errorf("register %s: %w", mediaID, err)
	}

	log.Printf("Ingest of %s completed: %d sound segments, %d visual segments, %d failed rows",
		mediaID, result.SoundSegments, result.VisualSegments, result.FailedRows)
	return result, nil
}

// prepareMedia probes the source and, when the probe fails, retries once
// through a container remux before giving up on the file.
func (p *Pipeline) prepareMedia(ctx context.Context, path string) (string, float64, error) {
	duration, err := p.tools.Probe(ctx, path)
	if err == nil {
		return path, duration, nil
	}

	log.Printf("Probe of %s failed (%v), attempting transcode", path, err)
	transcoded, terr := p.tools.Transcode(ctx, path)
	if terr != nil {
		return "", 0, fmt.Errorf("%s: %v: %w", path, terr, core.ErrMediaUnreadable)
	}
	duration, err = p.tools.Probe(ctx, transcoded)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %v: %w", path, err, core.ErrMediaUnreadable)
	}
	return transcoded, duration, nil
}

func (p *Pipeline) ingestSounds(ctx context.Context, store storage.Store, audioPath, itemDir string, duration float64) (int, int, error) {
	chunks := media.PlanChunks(duration, p.cfg.ChunkDurationSec, p.cfg.ChunkOverlapSec, p.cfg.MinChunkSec)
	if len(chunks) == 0 {
		log.Printf("No audio chunks planned for %.2fs of media", duration)
		return 0, 0, nil
	}

	chunkDir := filepath.Join(itemDir, "audio_chunks")
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return 0, 0, fmt.Errorf("create chunk dir: %w", err)
	}

	rows := make([]core.SoundSegment, 0, len(chunks))
	for _, c := range chunks {
		chunkPath := filepath.Join(chunkDir, fmt.Sprintf("chunk_%04d.wav", c.Pos))
		if err := p.tools.CutChunk(ctx, audioPath, chunkPath, c.StartSec, c.EndSec); err != nil {
			fmt.Printf("Warning: failed to cut chunk %d (%v), row will fail annotation\n", c.Pos, err)
		}
		rows = append(rows, core.SoundSegment{
			Pos:              c.Pos,
			StartSec:         c.StartSec,
			EndSec:           c.EndSec,
			AudioChunkPath:   chunkPath,
			TranscriptStatus: core.StatusPending,
		})
	}
	if err := store.AppendSoundSegments(ctx, rows); err != nil {
		return 0, 0, err
	}

	transcripts, failed := p.annotateSoundRows(ctx, store, rows)
	if err := p.ensureTextIndex(ctx, store, storage.ColumnTranscript, transcripts); err != nil {
		return 0, 0, err
	}
	return len(rows), failed, nil
}

func (p *Pipeline) ingestVisuals(ctx context.Context, store storage.Store, workPath, itemDir string) (int, int, error) {
	framesDir := filepath.Join(itemDir, "frames")
	frames, err := p.tools.SampleFrames(ctx, workPath, framesDir, p.cfg.FrameIntervalSec)
	if err != nil {
		return 0, 0, fmt.Errorf("sample frames: %w", err)
	}
	if len(frames) == 0 {
		log.Printf("No frames sampled from %s", workPath)
		return 0, 0, nil
	}

	scaledDir := filepath.Join(itemDir, "frames_scaled")
	if err := os.MkdirAll(scaledDir, 0755); err != nil {
		return 0, 0, fmt.Errorf("create scaled frames dir: %w", err)
	}

	rows := make([]core.VisualSegment, 0, len(frames))
	for i, f := range frames {
		scaledPath := filepath.Join(scaledDir, filepath.Base(f.Path))
		if err := p.tools.ScaleFrame(ctx, f.Path, scaledPath, p.cfg.ResizeWidth, p.cfg.ResizeHeight); err != nil {
			fmt.Printf("Warning: failed to scale frame %d (%v), using the raw frame\n", i, err)
			scaledPath = f.Path
		}
		rows = append(rows, core.VisualSegment{
			Pos:              i,
			FramePosMs:       f.PosMs,
			RawFramePath:     f.Path,
			ScaledFramePath:  scaledPath,
			CaptionStatus:    core.StatusPending,
			FrameEmbedStatus: core.StatusPending,
		})
	}
	if err := store.AppendVisualSegments(ctx, rows); err != nil {
		return 0, 0, err
	}

	captioned, frameEmbedded, failed := p.annotateVisualRows(ctx, store, rows)
	if err := p.ensureTextIndex(ctx, store, storage.ColumnDescription, captioned); err != nil {
		return 0, 0, err
	}
	if err := p.ensureFrameIndex(ctx, store, frameEmbedded); err != nil {
		return 0, 0, err
	}
	return len(rows), failed, nil
}

// tally collects annotation outcomes across workers.
type tally struct {
	mu        sync.Mutex
	completed int
	failed    int
	dim       int
}

func (t *tally) ok(vecLen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	if t.dim == 0 && vecLen > 0 {
		t.dim = vecLen
	}
}

func (t *tally) fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
}

// annotateSoundRows transcribes and embeds each row with a bounded worker
// pool. Failures mark the row failed and never abort the batch.
func (p *Pipeline) annotateSoundRows(ctx context.Context, store storage.Store, rows []core.SoundSegment) (*tally, int) {
	t := &tally{}
	p.forEach(ctx, len(rows), func(i int) {
		row := rows[i]
		text, err := p.ann.Transcriber.Transcribe(ctx, row.AudioChunkPath)
		if err == nil {
			var vec []float32
			vec, err = p.ann.Text.EmbedText(ctx, text)
			if err == nil {
				if err = store.SetTranscript(ctx, row.Pos, text, vec, core.StatusComplete); err == nil {
					t.ok(len(vec))
					return
				}
			}
		}
		log.Printf("Transcript annotation for row %d failed: %v", row.Pos, err)
		if serr := store.SetTranscript(ctx, row.Pos, "", nil, core.StatusFailed); serr != nil {
			log.Printf("Failed to mark sound row %d failed: %v", row.Pos, serr)
		}
		t.fail()
	})
	return t, t.failed
}

// annotateVisualRows runs the caption and frame-embedding flows for each row.
// The two annotations carry independent statuses, so one failing never blocks
// the other.
func (p *Pipeline) annotateVisualRows(ctx context.Context, store storage.Store, rows []core.VisualSegment) (*tally, *tally, int) {
	captions := &tally{}
	frames := &tally{}
	var failedMu sync.Mutex
	failed := 0

	p.forEach(ctx, len(rows), func(i int) {
		row := rows[i]
		rowFailed := false
		framePath := row.ScaledFramePath
		if framePath == "" {
			framePath = row.RawFramePath
		}

		if row.CaptionStatus != core.StatusComplete {
			caption, err := p.ann.Captioner.Caption(ctx, framePath)
			if err == nil {
				var vec []float32
				vec, err = p.ann.Text.EmbedText(ctx, caption)
				if err == nil {
					if err = store.SetCaption(ctx, row.Pos, caption, vec, core.StatusComplete); err == nil {
						captions.ok(len(vec))
					}
				}
			}
			if err != nil {
				log.Printf("Caption annotation for row %d failed: %v", row.Pos, err)
				if serr := store.SetCaption(ctx, row.Pos, "", nil, core.StatusFailed); serr != nil {
					log.Printf("Failed to mark caption row %d failed: %v", row.Pos, serr)
				}
				captions.fail()
				rowFailed = true
			}
		}

		if row.FrameEmbedStatus != core.StatusComplete {
			vec, err := p.ann.Image.EmbedImage(ctx, framePath)
			if err == nil {
				if err = store.SetFrameVector(ctx, row.Pos, vec, core.StatusComplete); err == nil {
					frames.ok(len(vec))
				}
			}
			if err != nil {
				log.Printf("Frame embedding for row %d failed: %v", row.Pos, err)
				if serr := store.SetFrameVector(ctx, row.Pos, nil, core.StatusFailed); serr != nil {
					log.Printf("Failed to mark frame row %d failed: %v", row.Pos, serr)
				}
				frames.fail()
				rowFailed = true
			}
		}

		if rowFailed {
			failedMu.Lock()
			failed++
			failedMu.Unlock()
		}
	})

	return captions, frames, failed
}

func (p *Pipeline) ensureTextIndex(ctx context.Context, store storage.Store, column storage.IndexColumn, t *tally) error {
	if t.completed == 0 {
		log.Printf("No completed rows for %s, skipping index", column)
		return nil
	}
	spec := storage.IndexSpec{Column: column, Model: p.ann.Text.Model(), Dim: t.dim}
	if err := store.EnsureIndex(ctx, spec); err != nil {
		return fmt.Errorf("ensure %s index: %w", column, err)
	}
	return nil
}

func (p *Pipeline) ensureFrameIndex(ctx context.Context, store storage.Store, t *tally) error {
	if t.completed == 0 {
		log.Printf("No completed rows for %s, skipping index", storage.ColumnFrame)
		return nil
	}
	spec := storage.IndexSpec{Column: storage.ColumnFrame, Model: p.ann.Image.Model(), Dim: t.dim}
	if err := store.EnsureIndex(ctx, spec); err != nil {
		return fmt.Errorf("ensure %s index: %w", storage.ColumnFrame, err)
	}
	return nil
}

// forEach fans indexes 0..n-1 out to the configured number of workers and
// waits for all of them. A canceled context stops feeding new work.
func (p *Pipeline) forEach(ctx context.Context, n int, fn func(i int)) {
	if n == 0 {
		return
	}
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

// Backfill retries annotation for every row of an indexed item that is not
// yet complete, then rebuilds any index that gained its first rows.
func (p *Pipeline) Backfill(ctx context.Context, mediaID string) (*BackfillResult, error) {
	handle, err := p.reg.Lookup(mediaID)
	if err != nil {
		return nil, err
	}
	store, err := p.provider.Open(ctx, handle)
	if err != nil {
		return nil, err
	}

	result := &BackfillResult{MediaIdentifier: mediaID}

	sounds, err := store.PendingSoundSegments(ctx)
	if err != nil {
		return nil, err
	}
	if len(sounds) > 0 {
		log.Printf("Backfilling %d sound rows for %s", len(sounds), mediaID)
		t, _ := p.annotateSoundRows(ctx, store, sounds)
		result.SoundRowsFixed = t.completed
		if err := p.ensureTextIndex(ctx, store, storage.ColumnTranscript, t); err != nil {
			return nil, err
		}
	}

	visuals, err := store.PendingVisualSegments(ctx)
	if err != nil {
		return nil, err
	}
	if len(visuals) > 0 {
		log.Printf("Backfilling %d visual rows for %s", len(visuals), mediaID)
		captions, frames, _ := p.annotateVisualRows(ctx, store, visuals)
		result.VisualRowsFixed = captions.completed + frames.completed
		if err := p.ensureTextIndex(ctx, store, storage.ColumnDescription, captions); err != nil {
			return nil, err
		}
		if err := p.ensureFrameIndex(ctx, store, frames); err != nil {
			return nil, err
		}
	}

	stillSounds, err := store.PendingSoundSegments(ctx)
	if err != nil {
		return nil, err
	}
	stillVisuals, err := store.PendingVisualSegments(ctx)
	if err != nil {
		return nil, err
	}
	result.StillPending = len(stillSounds) + len(stillVisuals)
	return result, nil
}
