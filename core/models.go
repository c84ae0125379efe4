package core

import (
	"fmt"
	"strings"
	"time"
)

// AnnotationStatus tracks a per-row external annotation (transcript, caption,
// frame embedding) so failed rows can be targeted by backfill instead of
// re-scanning everything.
type AnnotationStatus string

const (
	StatusPending  AnnotationStatus = "pending"
	StatusComplete AnnotationStatus = "complete"
	StatusFailed   AnnotationStatus = "failed"
)

// Modality names an independently embedded and searchable channel.
type Modality string

const (
	ModalitySpeech      Modality = "speech"
	ModalityVisual      Modality = "visual"
	ModalityDescription Modality = "description"
)

// StoreHandle names the storage namespace and tables holding one media
// item's segments. Handles are plain strings so they survive registry
// snapshots across process restarts; a provider resolves them back to a
// live store.
type StoreHandle struct {
	MediaIdentifier    string `json:"media_identifier"`
	StorageCache       string `json:"storage_cache"`
	ContentTable       string `json:"content_table"`
	VisualSegmentsView string `json:"visual_segments_view"`
	SoundSegmentsView  string `json:"sound_segments_view"`
}

// NewStoreHandle validates the namespace naming once at construction so the
// rest of the system only ever sees well-formed handles.
func NewStoreHandle(mediaID, storageCache string) (StoreHandle, error) {
	if strings.TrimSpace(mediaID) == "" {
		return StoreHandle{}, fmt.Errorf("store handle: empty media identifier")
	}
	if strings.TrimSpace(storageCache) == "" {
		return StoreHandle{}, fmt.Errorf("store handle: empty storage cache name")
	}
	return StoreHandle{
		MediaIdentifier:    mediaID,
		StorageCache:       storageCache,
		ContentTable:       storageCache + "_content",
		VisualSegmentsView: storageCache + "_visuals",
		SoundSegmentsView:  storageCache + "_audio_parts",
	}, nil
}

// Valid reports whether a handle parsed from a snapshot carries every name
// needed to resolve it.
func (h StoreHandle) Valid() bool {
	return h.MediaIdentifier != "" && h.StorageCache != "" &&
		h.ContentTable != "" && h.VisualSegmentsView != "" && h.SoundSegmentsView != ""
}

// MediaMetadata holds item-level fields derived at ingest time: the probed
// duration plus whatever embedded tags the container carries.
type MediaMetadata struct {
	Title       string  `json:"title,omitempty"`
	Artist      string  `json:"artist,omitempty"`
	Album       string  `json:"album,omitempty"`
	Genre       string  `json:"genre,omitempty"`
	DurationSec float64 `json:"duration_sec"`
}

// ContentRow is the single root row of a segment store: the validated media
// reference and its item-level derived artifacts.
type ContentRow struct {
	MediaIdentifier string        `json:"media_identifier"`
	SourcePath      string        `json:"source_path"`
	AudioPath       string        `json:"audio_path"`
	Metadata        MediaMetadata `json:"metadata"`
	CreatedAt       time.Time     `json:"created_at"`
}

// SoundSegment is one overlapping audio chunk. StartSec < EndSec always;
// rows are ordered by StartSec within a media item.
type SoundSegment struct {
	Pos              int              `json:"pos"`
	StartSec         float64          `json:"start_sec"`
	EndSec           float64          `json:"end_sec"`
	AudioChunkPath   string           `json:"audio_chunk"`
	Transcript       string           `json:"transcript"`
	TranscriptStatus AnnotationStatus `json:"transcript_status"`
	TranscriptVector []float32        `json:"-"`
}

// VisualSegment is one sampled frame. FramePosMs is monotonically increasing
// within a media item. CaptionStatus covers the caption text and its
// embedding as one unit; FrameEmbedStatus covers the raw frame embedding.
type VisualSegment struct {
	Pos               int              `json:"pos"`
	FramePosMs        float64          `json:"frame_pos_ms"`
	RawFramePath      string           `json:"raw_frame"`
	ScaledFramePath   string           `json:"scaled_frame"`
	Description       string           `json:"visual_description"`
	CaptionStatus     AnnotationStatus `json:"caption_status"`
	FrameEmbedStatus  AnnotationStatus `json:"frame_embed_status"`
	FrameVector       []float32        `json:"-"`
	DescriptionVector []float32        `json:"-"`
}

// TimeRangeHit is one ranked search result carrying a playable time window.
type TimeRangeHit struct {
	BeginTime  float64 `json:"begin_time"`
	FinishTime float64 `json:"finish_time"`
	Score      float64 `json:"match_score"`
}

// TextHit is one ranked search result carrying the matched raw text instead
// of a time window.
type TextHit struct {
	Text  string  `json:"text"`
	Score float64 `json:"match_score"`
}
