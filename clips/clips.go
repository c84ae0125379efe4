// Package clips composes the per-modality searches into higher-level
// operations: cut a clip matching a text query or an example image, and
// answer a question from the captions nearest to it.
package clips

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
	"github.com/vbabua/video-map-agent/media"
	"github.com/vbabua/video-map-agent/search"
)

// clipCutter is the slice of the media toolset the extractor needs.
type clipCutter interface {
	CutClip(ctx context.Context, src, dst string, beginSec, finishSec float64) error
}

// ClipResult describes one cut clip and the match that selected its span.
type ClipResult struct {
	Path       string        `json:"clip_path"`
	BeginTime  float64       `json:"begin_time"`
	FinishTime float64       `json:"finish_time"`
	Score      float64       `json:"match_score"`
	Modality   core.Modality `json:"modality"`
}

type Extractor struct {
	cfg    *config.Config
	eng    *search.Engine
	cutter clipCutter
}

func NewExtractor(cfg *config.Config, eng *search.Engine) *Extractor {
	return &Extractor{cfg: cfg, eng: eng, cutter: media.NewTools()}
}

// modalityOutcome keeps "the index matched nothing" distinct from "the index
// does not exist". Composition never substitutes a zero score for a missing
// modality.
type modalityOutcome struct {
	hit       core.TimeRangeHit
	matched   bool
	available bool
}

func searchModality(run func() ([]core.TimeRangeHit, error)) (modalityOutcome, error) {
	hits, err := run()
	if errors.Is(err, core.ErrIndexNotFound) {
		return modalityOutcome{}, nil
	}
	if err != nil {
		return modalityOutcome{}, err
	}
	out := modalityOutcome{available: true}
	if len(hits) > 0 {
		out.hit = hits[0]
		out.matched = true
	}
	return out, nil
}

// ExtractByQuery searches the transcript and caption spaces for the query and
// cuts a clip around the stronger match. A modality whose index was never
// built is skipped; only when neither modality is searchable does the call
// fail with the missing-index condition.
func (e *Extractor) ExtractByQuery(ctx context.Context, mediaID, query string) (ClipResult, error) {
	session, err := e.eng.Session(ctx, mediaID)
	if err != nil {
		return ClipResult{}, err
	}

	speech, err := searchModality(func() ([]core.TimeRangeHit, error) {
		return session.SearchSpeech(ctx, query, e.cfg.ClipSpeechTopK)
	})
	if err != nil {
		return ClipResult{}, err
	}
	caption, err := searchModality(func() ([]core.TimeRangeHit, error) {
		return session.SearchDescription(ctx, query, e.cfg.ClipCaptionTopK)
	})
	if err != nil {
		return ClipResult{}, err
	}

	if !speech.available && !caption.available {
		return ClipResult{}, fmt.Errorf("extract clip %s: no searchable modality: %w", mediaID, core.ErrIndexNotFound)
	}
	if !speech.matched && !caption.matched {
		return ClipResult{}, fmt.Errorf("extract clip %s: query %q: %w", mediaID, query, core.ErrNoMatch)
	}

	best := clipFromHit(speech.hit, core.ModalitySpeech)
	switch {
	case speech.matched && caption.matched:
		// The caption window only wins on a strictly better score.
		if caption.hit.Score > speech.hit.Score {
			best = clipFromHit(caption.hit, core.ModalityDescription)
		}
	case caption.matched:
		best = clipFromHit(caption.hit, core.ModalityDescription)
	}
	return e.cut(ctx, session, best)
}

// ExtractByImage cuts a clip around the frame most similar to the example
// image.
func (e *Extractor) ExtractByImage(ctx context.Context, mediaID, imagePath string) (ClipResult, error) {
	session, err := e.eng.Session(ctx, mediaID)
	if err != nil {
		return ClipResult{}, err
	}
	hits, err := session.SearchVisual(ctx, imagePath, e.cfg.ClipImageTopK)
	if err != nil {
		return ClipResult{}, err
	}
	if len(hits) == 0 {
		return ClipResult{}, fmt.Errorf("extract clip %s: image %s: %w", mediaID, filepath.Base(imagePath), core.ErrNoMatch)
	}
	return e.cut(ctx, session, clipFromHit(hits[0], core.ModalityVisual))
}

// AnswerQuestion returns the captions nearest to the question, best first,
// newline-joined. A question that matches nothing yields an empty answer,
// not an error.
func (e *Extractor) AnswerQuestion(ctx context.Context, mediaID, question string) (string, error) {
	session, err := e.eng.Session(ctx, mediaID)
	if err != nil {
		return "", err
	}
	hits, err := session.FetchDescriptionText(ctx, question, e.cfg.AnswerTopK)
	if err != nil {
		return "", err
	}
	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		texts = append(texts, h.Text)
	}
	return strings.Join(texts, "\n"), nil
}

func clipFromHit(hit core.TimeRangeHit, modality core.Modality) ClipResult {
	return ClipResult{
		BeginTime:  hit.BeginTime,
		FinishTime: hit.FinishTime,
		Score:      hit.Score,
		Modality:   modality,
	}
}

// cut renders the selected span from the original source file. Frame windows
// can start before zero; the begin time clamps at the media start while
// ffmpeg itself stops at the end of the stream.
func (e *Extractor) cut(ctx context.Context, session *search.Session, res ClipResult) (ClipResult, error) {
	content, err := session.Content(ctx)
	if err != nil {
		return ClipResult{}, err
	}
	if res.BeginTime < 0 {
		res.BeginTime = 0
	}

	outDir := filepath.Join(e.cfg.DataRoot, "shared_media")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return ClipResult{}, fmt.Errorf("create clip dir: %w", err)
	}
	res.Path = filepath.Join(outDir, core.NewID()+".mp4")

	if err := e.cutter.CutClip(ctx, content.SourcePath, res.Path, res.BeginTime, res.FinishTime); err != nil {
		return ClipResult{}, fmt.Errorf("cut clip from %s: %v", content.SourcePath, err)
	}
	log.Printf("Cut %s clip %s [%s - %s] score %.4f",
		res.Modality, res.Path, core.FormatTime(res.BeginTime), core.FormatTime(res.FinishTime), res.Score)
	return res, nil
}
