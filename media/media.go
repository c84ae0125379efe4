// Package media wraps the external tools that touch raw bytes: ffprobe for
// validation, ffmpeg for audio extraction, chunk cutting, frame sampling,
// scaling and clip cutting, and container tag readers for item metadata.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhowden/tag"

	"github.com/vbabua/video-map-agent/core"
)

// Frame is one sampled still with its position in the source timeline.
type Frame struct {
	PosMs float64 `json:"frame_pos_ms"`
	Path  string  `json:"path"`
}

// Chunk is one planned audio span. EndSec is always > StartSec.
type Chunk struct {
	Pos      int     `json:"pos"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
}

// Tools shells out to ffmpeg/ffprobe. Binary paths are overridable for
// environments that ship pinned builds.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

func NewTools() *Tools {
	return &Tools{FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
}

// Probe returns the container duration in seconds. An error means the file
// is unreadable by the backend and a transcode should be attempted.
func (t *Tools) Probe(ctx context.Context, path string) (float64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	cmd := exec.CommandContext(ctx, t.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %v: %s", path, err, strings.TrimSpace(errBuf.String()))
	}
	s := strings.TrimSpace(out.String())
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: parse duration %q: %v", path, s, err)
	}
	return d, nil
}

// Transcode remuxes path into a fresh container next to the source and
// returns the new path. Streams are copied, not re-encoded.
func (t *Tools) Transcode(ctx context.Context, path string) (string, error) {
	dir, name := filepath.Split(path)
	out := filepath.Join(dir, "transcoded_"+name)
	if err := t.run(ctx, "-y", "-i", path, "-c", "copy", out); err != nil {
		return "", fmt.Errorf("transcode %s: %w", path, err)
	}
	log.Printf("Transcoded %s -> %s", path, out)
	return out, nil
}

// ExtractAudio writes a mono 16kHz wav, the input expected downstream by
// transcription and chunk cutting.
func (t *Tools) ExtractAudio(ctx context.Context, input, audioOut string) error {
	return t.run(ctx, "-y", "-i", input, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", audioOut)
}

// CutChunk copies one [startSec, endSec) span of an extracted wav.
func (t *Tools) CutChunk(ctx context.Context, audioPath, chunkOut string, startSec, endSec float64) error {
	return t.run(ctx, "-y",
		"-i", audioPath,
		"-ss", formatSeconds(startSec),
		"-to", formatSeconds(endSec),
		"-c", "copy",
		chunkOut)
}

// SampleFrames extracts one jpg every intervalSec into framesDir and returns
// the frames with their timeline positions, ordered by position.
func (t *Tools) SampleFrames(ctx context.Context, input, framesDir string, intervalSec float64) ([]Frame, error) {
	if intervalSec <= 0 {
		return nil, fmt.Errorf("sample frames: interval %v must be positive", intervalSec)
	}
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}
	pattern := filepath.Join(framesDir, "%05d.jpg")
	if err := t.run(ctx, "-y", "-i", input, "-vf", fmt.Sprintf("fps=1/%s", formatSeconds(intervalSec)), pattern); err != nil {
		return nil, fmt.Errorf("sample frames %s: %w", input, err)
	}
	return EnumerateFrames(framesDir, intervalSec)
}

// EnumerateFrames maps the %05d.jpg files ffmpeg produced back to timeline
// positions: file i sits at (i-1)*interval seconds.
func EnumerateFrames(framesDir string, intervalSec float64) ([]Frame, error) {
	dirents, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	frames := make([]Frame, 0, len(dirents))
	for _, e := range dirents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))
		i, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		frames = append(frames, Frame{
			PosMs: float64(i-1) * intervalSec * 1000,
			Path:  filepath.Join(framesDir, name),
		})
	}
	// ReadDir sorts by name and the zero-padded names sort numerically, so
	// frames are already in timeline order.
	return frames, nil
}

// ScaleFrame writes a copy of src resized to exactly width x height.
func (t *Tools) ScaleFrame(ctx context.Context, src, dst string, width, height int) error {
	return t.run(ctx, "-y", "-i", src, "-vf", fmt.Sprintf("scale=%d:%d", width, height), dst)
}

// CutClip re-encodes the [beginSec, finishSec] span of src into dst. Video is
// re-encoded so the clip starts on a clean frame; audio is stream-copied.
func (t *Tools) CutClip(ctx context.Context, src, dst string, beginSec, finishSec float64) error {
	return t.run(ctx,
		"-ss", formatSeconds(beginSec),
		"-to", formatSeconds(finishSec),
		"-i", src,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-c:a", "copy",
		"-y",
		dst)
}

// ReadTags pulls embedded container tags, best-effort: untagged or unsupported
// containers yield a metadata with only the title fallback set.
func ReadTags(path string) core.MediaMetadata {
	md := core.MediaMetadata{
		Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}
	f, err := os.Open(path)
	if err != nil {
		return md
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return md
	}
	if title := m.Title(); title != "" {
		md.Title = title
	}
	md.Artist = m.Artist()
	if albumArtist := m.AlbumArtist(); albumArtist != "" {
		md.Artist = albumArtist
	}
	md.Album = m.Album()
	md.Genre = m.Genre()
	return md
}

// PlanChunks lays out overlapping spans over durationSec: each chunk is
// chunkSec long (the last may be shorter), consecutive starts advance by
// chunkSec-overlapSec, and spans shorter than minSec are dropped.
func PlanChunks(durationSec, chunkSec, overlapSec, minSec float64) []Chunk {
	if durationSec <= 0 || chunkSec <= 0 || overlapSec < 0 || overlapSec >= chunkSec {
		return nil
	}
	step := chunkSec - overlapSec
	var spans []Chunk
	for i := 0; ; i++ {
		start := float64(i) * step
		if start >= durationSec {
			break
		}
		end := start + chunkSec
		if end > durationSec {
			end = durationSec
		}
		if end-start >= minSec {
			spans = append(spans, Chunk{Pos: len(spans), StartSec: start, EndSec: end})
		}
		if end >= durationSec {
			break
		}
	}
	return spans
}

func (t *Tools) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, t.FFmpeg, args...)
	var errBuf bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s: %v: %s", strings.Join(args, " "), err, tail(errBuf.String(), 400))
	}
	return nil
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', -1, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
