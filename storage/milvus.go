package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/vbabua/video-map-agent/core"
)

// placeholderDim sizes the dummy vector on the content collection; milvus
// refuses collections without a vector field.
const placeholderDim = 2

// MilvusProvider keeps each namespace as a set of milvus collections with
// HNSW cosine indexes. Rows awaiting annotation carry zero vectors and are
// excluded from search by their status field.
type MilvusProvider struct {
	mc  client.Client
	dim int
}

func NewMilvusProvider(ctx context.Context, addr string, dim int) (*MilvusProvider, error) {
	mc, err := client.NewClient(ctx, client.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	return &MilvusProvider{mc: mc, dim: dim}, nil
}

func (p *MilvusProvider) Create(ctx context.Context, mediaID string) (Store, error) {
	handle, err := core.NewStoreHandle(mediaID, newNamespace())
	if err != nil {
		return nil, err
	}

	contentSchema := entity.NewSchema().WithName(handle.ContentTable)
	contentSchema.WithField(entity.NewField().WithName("pos").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
	contentSchema.WithField(entity.NewField().WithName("media_identifier").WithDataType(entity.FieldTypeVarChar).WithMaxLength(512))
	contentSchema.WithField(entity.NewField().WithName("source_path").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
	contentSchema.WithField(entity.NewField().WithName("audio_path").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
	contentSchema.WithField(entity.NewField().WithName("title").WithDataType(entity.FieldTypeVarChar).WithMaxLength(512))
	contentSchema.WithField(entity.NewField().WithName("artist").WithDataType(entity.FieldTypeVarChar).WithMaxLength(512))
	contentSchema.WithField(entity.NewField().WithName("album").WithDataType(entity.FieldTypeVarChar).WithMaxLength(512))
	contentSchema.WithField(entity.NewField().WithName("genre").WithDataType(entity.FieldTypeVarChar).WithMaxLength(512))
	contentSchema.WithField(entity.NewField().WithName("duration_sec").WithDataType(entity.FieldTypeDouble))
	contentSchema.WithField(entity.NewField().WithName("created_at").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64))
	contentSchema.WithField(entity.NewField().WithName("placeholder").WithDataType(entity.FieldTypeFloatVector).WithDim(placeholderDim))

	soundSchema := entity.NewSchema().WithName(handle.SoundSegmentsView)
	soundSchema.WithField(entity.NewField().WithName("pos").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
	soundSchema.WithField(entity.NewField().WithName("start_sec").WithDataType(entity.FieldTypeDouble))
	soundSchema.WithField(entity.NewField().WithName("end_sec").WithDataType(entity.FieldTypeDouble))
	soundSchema.WithField(entity.NewField().WithName("audio_chunk").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
	soundSchema.WithField(entity.NewField().WithName("transcript").WithDataType(entity.FieldTypeVarChar).WithMaxLength(4096))
	soundSchema.WithField(entity.NewField().WithName("transcript_status").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16))
	soundSchema.WithField(entity.NewField().WithName("transcript_vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(p.dim)))

	visualSchema := entity.NewSchema().WithName(handle.VisualSegmentsView)
	visualSchema.WithField(entity.NewField().WithName("pos").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
	visualSchema.WithField(entity.NewField().WithName("frame_pos_ms").WithDataType(entity.FieldTypeDouble))
	visualSchema.WithField(entity.NewField().WithName("raw_frame").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
	visualSchema.WithField(entity.NewField().WithName("scaled_frame").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
	visualSchema.WithField(entity.NewField().WithName("visual_description").WithDataType(entity.FieldTypeVarChar).WithMaxLength(4096))
	visualSchema.WithField(entity.NewField().WithName("caption_status").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16))
	visualSchema.WithField(entity.NewField().WithName("frame_embed_status").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16))
	visualSchema.WithField(entity.NewField().WithName("frame_vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(p.dim)))
	visualSchema.WithField(entity.NewField().WithName("description_vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(p.dim)))

	for _, schema := range []*entity.Schema{contentSchema, soundSchema, visualSchema} {
		if err := p.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return nil, fmt.Errorf("create collection %s: %w", schema.CollectionName, err)
		}
	}

	return &milvusStore{mc: p.mc, handle: handle, dim: p.dim}, nil
}

func (p *MilvusProvider) Open(ctx context.Context, handle core.StoreHandle) (Store, error) {
	has, err := p.mc.HasCollection(ctx, handle.ContentTable)
	if err != nil {
		return nil, fmt.Errorf("resolve namespace %s: %w", handle.StorageCache, err)
	}
	if !has {
		return nil, fmt.Errorf("namespace %q: %w", handle.StorageCache, core.ErrStoreNotFound)
	}

	for _, coll := range []string{handle.SoundSegmentsView, handle.VisualSegmentsView} {
		if err := p.mc.LoadCollection(ctx, coll, false); err != nil {
			fmt.Printf("Warning: failed to load collection %s: %v\n", coll, err)
		}
	}
	return &milvusStore{mc: p.mc, handle: handle, dim: p.dim}, nil
}

func (p *MilvusProvider) Close() error { return p.mc.Close() }

type milvusStore struct {
	mc     client.Client
	handle core.StoreHandle
	dim    int
}

func (s *milvusStore) Handle() core.StoreHandle { return s.handle }

func (s *milvusStore) PutContent(ctx context.Context, row core.ContentRow) error {
	_, err := s.mc.Upsert(ctx, s.handle.ContentTable, "",
		entity.NewColumnInt64("pos", []int64{0}),
		entity.NewColumnVarChar("media_identifier", []string{row.MediaIdentifier}),
		entity.NewColumnVarChar("source_path", []string{row.SourcePath}),
		entity.NewColumnVarChar("audio_path", []string{row.AudioPath}),
		entity.NewColumnVarChar("title", []string{row.Metadata.Title}),
		entity.NewColumnVarChar("artist", []string{row.Metadata.Artist}),
		entity.NewColumnVarChar("album", []string{row.Metadata.Album}),
		entity.NewColumnVarChar("genre", []string{row.Metadata.Genre}),
		entity.NewColumnDouble("duration_sec", []float64{row.Metadata.DurationSec}),
		entity.NewColumnVarChar("created_at", []string{row.CreatedAt.UTC().Format(time.RFC3339Nano)}),
		entity.NewColumnFloatVector("placeholder", placeholderDim, [][]float32{make([]float32, placeholderDim)}),
	)
	if err != nil {
		return fmt.Errorf("upsert content row: %w", err)
	}
	return nil
}

func (s *milvusStore) Content(ctx context.Context) (core.ContentRow, error) {
	rs, err := s.mc.Query(ctx, s.handle.ContentTable, nil, "pos == 0",
		[]string{"media_identifier", "source_path", "audio_path", "title", "artist", "album", "genre", "duration_sec", "created_at"})
	if err != nil {
		return core.ContentRow{}, fmt.Errorf("query content row: %w", err)
	}
	cols := columnMap(rs)
	if columnLen(cols, "media_identifier") == 0 {
		return core.ContentRow{}, fmt.Errorf("content row not written for %q", s.handle.MediaIdentifier)
	}

	row := core.ContentRow{
		MediaIdentifier: varcharAt(cols, "media_identifier", 0),
		SourcePath:      varcharAt(cols, "source_path", 0),
		AudioPath:       varcharAt(cols, "audio_path", 0),
		Metadata: core.MediaMetadata{
			Title:       varcharAt(cols, "title", 0),
			Artist:      varcharAt(cols, "artist", 0),
			Album:       varcharAt(cols, "album", 0),
			Genre:       varcharAt(cols, "genre", 0),
			DurationSec: doubleAt(cols, "duration_sec", 0),
		},
	}
	if t, err := time.Parse(time.RFC3339Nano, varcharAt(cols, "created_at", 0)); err == nil {
		row.CreatedAt = t
	}
	return row, nil
}

func (s *milvusStore) AppendSoundSegments(ctx context.Context, rows []core.SoundSegment) error {
	if len(rows) == 0 {
		return nil
	}
	poses := make([]int64, 0, len(rows))
	starts := make([]float64, 0, len(rows))
	ends := make([]float64, 0, len(rows))
	chunks := make([]string, 0, len(rows))
	transcripts := make([]string, 0, len(rows))
	statuses := make([]string, 0, len(rows))
	vectors := make([][]float32, 0, len(rows))
	for _, row := range rows {
		poses = append(poses, int64(row.Pos))
		starts = append(starts, row.StartSec)
		ends = append(ends, row.EndSec)
		chunks = append(chunks, row.AudioChunkPath)
		transcripts = append(transcripts, row.Transcript)
		statuses = append(statuses, string(row.TranscriptStatus))
		vectors = append(vectors, s.vectorOrZero(row.TranscriptVector))
	}

	_, err := s.mc.Insert(ctx, s.handle.SoundSegmentsView, "",
		entity.NewColumnInt64("pos", poses),
		entity.NewColumnDouble("start_sec", starts),
		entity.NewColumnDouble("end_sec", ends),
		entity.NewColumnVarChar("audio_chunk", chunks),
		entity.NewColumnVarChar("transcript", transcripts),
		entity.NewColumnVarChar("transcript_status", statuses),
		entity.NewColumnFloatVector("transcript_vector", s.dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("append sound segments: %w", err)
	}
	return nil
}

func (s *milvusStore) AppendVisualSegments(ctx context.Context, rows []core.VisualSegment) error {
	if len(rows) == 0 {
		return nil
	}
	poses := make([]int64, 0, len(rows))
	positions := make([]float64, 0, len(rows))
	raws := make([]string, 0, len(rows))
	scaled := make([]string, 0, len(rows))
	descriptions := make([]string, 0, len(rows))
	capStatuses := make([]string, 0, len(rows))
	frameStatuses := make([]string, 0, len(rows))
	frameVecs := make([][]float32, 0, len(rows))
	descVecs := make([][]float32, 0, len(rows))
	for _, row := range rows {
		poses = append(poses, int64(row.Pos))
		positions = append(positions, row.FramePosMs)
		raws = append(raws, row.RawFramePath)
		scaled = append(scaled, row.ScaledFramePath)
		descriptions = append(descriptions, row.Description)
		capStatuses = append(capStatuses, string(row.CaptionStatus))
		frameStatuses = append(frameStatuses, string(row.FrameEmbedStatus))
		frameVecs = append(frameVecs, s.vectorOrZero(row.FrameVector))
		descVecs = append(descVecs, s.vectorOrZero(row.DescriptionVector))
	}

	_, err := s.mc.Insert(ctx, s.handle.VisualSegmentsView, "",
		entity.NewColumnInt64("pos", poses),
		entity.NewColumnDouble("frame_pos_ms", positions),
		entity.NewColumnVarChar("raw_frame", raws),
		entity.NewColumnVarChar("scaled_frame", scaled),
		entity.NewColumnVarChar("visual_description", descriptions),
		entity.NewColumnVarChar("caption_status", capStatuses),
		entity.NewColumnVarChar("frame_embed_status", frameStatuses),
		entity.NewColumnFloatVector("frame_vector", s.dim, frameVecs),
		entity.NewColumnFloatVector("description_vector", s.dim, descVecs),
	)
	if err != nil {
		return fmt.Errorf("append visual segments: %w", err)
	}
	return nil
}

// vectorOrZero pads pending rows with a zero vector; milvus requires every
// row to carry its vector fields. Status filters keep them out of searches.
func (s *milvusStore) vectorOrZero(vec []float32) []float32 {
	if len(vec) > 0 {
		return vec
	}
	return make([]float32, s.dim)
}

func (s *milvusStore) SetTranscript(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error {
	rows, err := s.soundRows(ctx, fmt.Sprintf("pos == %d", pos))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("sound segment pos %d not found", pos)
	}
	row := rows[0]
	row.Transcript = text
	row.TranscriptVector = vec
	row.TranscriptStatus = status
	return s.upsertSound(ctx, row)
}

func (s *milvusStore) SetCaption(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error {
	rows, err := s.visualRows(ctx, fmt.Sprintf("pos == %d", pos))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("visual segment pos %d not found", pos)
	}
	row := rows[0]
	row.Description = text
	row.DescriptionVector = vec
	row.CaptionStatus = status
	return s.upsertVisual(ctx, row)
}

func (s *milvusStore) SetFrameVector(ctx context.Context, pos int, vec []float32, status core.AnnotationStatus) error {
	rows, err := s.visualRows(ctx, fmt.Sprintf("pos == %d", pos))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("visual segment pos %d not found", pos)
	}
	row := rows[0]
	row.FrameVector = vec
	row.FrameEmbedStatus = status
	return s.upsertVisual(ctx, row)
}

func (s *milvusStore) upsertSound(ctx context.Context, row core.SoundSegment) error {
	_, err := s.mc.Upsert(ctx, s.handle.SoundSegmentsView, "",
		entity.NewColumnInt64("pos", []int64{int64(row.Pos)}),
		entity.NewColumnDouble("start_sec", []float64{row.StartSec}),
		entity.NewColumnDouble("end_sec", []float64{row.EndSec}),
		entity.NewColumnVarChar("audio_chunk", []string{row.AudioChunkPath}),
		entity.NewColumnVarChar("transcript", []string{row.Transcript}),
		entity.NewColumnVarChar("transcript_status", []string{string(row.TranscriptStatus)}),
		entity.NewColumnFloatVector("transcript_vector", s.dim, [][]float32{s.vectorOrZero(row.TranscriptVector)}),
	)
	if err != nil {
		return fmt.Errorf("upsert sound segment %d: %w", row.Pos, err)
	}
	return nil
}

func (s *milvusStore) upsertVisual(ctx context.Context, row core.VisualSegment) error {
	_, err := s.mc.Upsert(ctx, s.handle.VisualSegmentsView, "",
		entity.NewColumnInt64("pos", []int64{int64(row.Pos)}),
		entity.NewColumnDouble("frame_pos_ms", []float64{row.FramePosMs}),
		entity.NewColumnVarChar("raw_frame", []string{row.RawFramePath}),
		entity.NewColumnVarChar("scaled_frame", []string{row.ScaledFramePath}),
		entity.NewColumnVarChar("visual_description", []string{row.Description}),
		entity.NewColumnVarChar("caption_status", []string{string(row.CaptionStatus)}),
		entity.NewColumnVarChar("frame_embed_status", []string{string(row.FrameEmbedStatus)}),
		entity.NewColumnFloatVector("frame_vector", s.dim, [][]float32{s.vectorOrZero(row.FrameVector)}),
		entity.NewColumnFloatVector("description_vector", s.dim, [][]float32{s.vectorOrZero(row.DescriptionVector)}),
	)
	if err != nil {
		return fmt.Errorf("upsert visual segment %d: %w", row.Pos, err)
	}
	return nil
}

func (s *milvusStore) ListSoundSegments(ctx context.Context) ([]core.SoundSegment, error) {
	return s.soundRows(ctx, "pos >= 0")
}

func (s *milvusStore) PendingSoundSegments(ctx context.Context) ([]core.SoundSegment, error) {
	return s.soundRows(ctx, `transcript_status != "complete"`)
}

func (s *milvusStore) soundRows(ctx context.Context, expr string) ([]core.SoundSegment, error) {
	rs, err := s.mc.Query(ctx, s.handle.SoundSegmentsView, nil, expr,
		[]string{"pos", "start_sec", "end_sec", "audio_chunk", "transcript", "transcript_status"})
	if err != nil {
		return nil, fmt.Errorf("query sound segments: %w", err)
	}
	cols := columnMap(rs)

	n := columnLen(cols, "pos")
	out := make([]core.SoundSegment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, core.SoundSegment{
			Pos:              int(int64At(cols, "pos", i)),
			StartSec:         doubleAt(cols, "start_sec", i),
			EndSec:           doubleAt(cols, "end_sec", i),
			AudioChunkPath:   varcharAt(cols, "audio_chunk", i),
			Transcript:       varcharAt(cols, "transcript", i),
			TranscriptStatus: core.AnnotationStatus(varcharAt(cols, "transcript_status", i)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out, nil
}

func (s *milvusStore) ListVisualSegments(ctx context.Context) ([]core.VisualSegment, error) {
	return s.visualRows(ctx, "pos >= 0")
}

func (s *milvusStore) PendingVisualSegments(ctx context.Context) ([]core.VisualSegment, error) {
	return s.visualRows(ctx, `caption_status != "complete" or frame_embed_status != "complete"`)
}

func (s *milvusStore) visualRows(ctx context.Context, expr string) ([]core.VisualSegment, error) {
	rs, err := s.mc.Query(ctx, s.handle.VisualSegmentsView, nil, expr,
		[]string{"pos", "frame_pos_ms", "raw_frame", "scaled_frame", "visual_description", "caption_status", "frame_embed_status"})
	if err != nil {
		return nil, fmt.Errorf("query visual segments: %w", err)
	}
	cols := columnMap(rs)

	n := columnLen(cols, "pos")
	out := make([]core.VisualSegment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, core.VisualSegment{
			Pos:              int(int64At(cols, "pos", i)),
			FramePosMs:       doubleAt(cols, "frame_pos_ms", i),
			RawFramePath:     varcharAt(cols, "raw_frame", i),
			ScaledFramePath:  varcharAt(cols, "scaled_frame", i),
			Description:      varcharAt(cols, "visual_description", i),
			CaptionStatus:    core.AnnotationStatus(varcharAt(cols, "caption_status", i)),
			FrameEmbedStatus: core.AnnotationStatus(varcharAt(cols, "frame_embed_status", i)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out, nil
}

func (s *milvusStore) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	if spec.Dim <= 0 {
		return fmt.Errorf("ensure index %s: dimension %d invalid", spec.Column, spec.Dim)
	}
	if spec.Dim != s.dim {
		return fmt.Errorf("ensure index %s: dimension %d does not match collection dimension %d", spec.Column, spec.Dim, s.dim)
	}
	coll, field, err := s.columnTarget(spec.Column)
	if err != nil {
		return err
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, coll, field, idx, false, client.WithIndexName("idx_"+field)); err != nil {
		return fmt.Errorf("create index on %s.%s: %w", coll, field, err)
	}
	if err := s.mc.LoadCollection(ctx, coll, false); err != nil {
		return fmt.Errorf("load collection %s: %w", coll, err)
	}
	return nil
}

func (s *milvusStore) HasIndex(ctx context.Context, column IndexColumn) (bool, error) {
	coll, field, err := s.columnTarget(column)
	if err != nil {
		return false, err
	}
	idx, err := s.mc.DescribeIndex(ctx, coll, field)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "index not found") {
			return false, nil
		}
		return false, fmt.Errorf("describe index %s.%s: %w", coll, field, err)
	}
	return len(idx) > 0, nil
}

func (s *milvusStore) columnTarget(column IndexColumn) (coll, field string, err error) {
	switch column {
	case ColumnTranscript:
		return s.handle.SoundSegmentsView, "transcript_vector", nil
	case ColumnFrame:
		return s.handle.VisualSegmentsView, "frame_vector", nil
	case ColumnDescription:
		return s.handle.VisualSegmentsView, "description_vector", nil
	default:
		return "", "", fmt.Errorf("unknown index column %q", column)
	}
}

func (s *milvusStore) Search(ctx context.Context, column IndexColumn, vec []float32, topK int) ([]Match, error) {
	has, err := s.HasIndex(ctx, column)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("column %s in %s: %w", column, s.handle.StorageCache, core.ErrIndexNotFound)
	}
	if topK <= 0 {
		return []Match{}, nil
	}

	coll, field, err := s.columnTarget(column)
	if err != nil {
		return nil, err
	}

	var filter string
	var outputFields []string
	switch column {
	case ColumnTranscript:
		filter = `transcript_status == "complete"`
		outputFields = []string{"pos", "start_sec", "end_sec", "transcript"}
	case ColumnFrame:
		filter = `frame_embed_status == "complete"`
		outputFields = []string{"pos", "frame_pos_ms"}
	case ColumnDescription:
		filter = `caption_status == "complete"`
		outputFields = []string{"pos", "frame_pos_ms", "visual_description"}
	}

	sp, _ := entity.NewIndexHNSWSearchParam(74)
	res, err := s.mc.Search(ctx, coll, []string{}, filter, outputFields,
		[]entity.Vector{entity.FloatVector(vec)}, field, entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", column, err)
	}

	matches := []Match{}
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			m := Match{
				Pos:   int(int64At(cols, "pos", i)),
				Score: float64(r.Scores[i]),
			}
			switch column {
			case ColumnTranscript:
				m.StartSec = doubleAt(cols, "start_sec", i)
				m.EndSec = doubleAt(cols, "end_sec", i)
				m.Text = varcharAt(cols, "transcript", i)
			case ColumnFrame:
				m.FramePosMs = doubleAt(cols, "frame_pos_ms", i)
			case ColumnDescription:
				m.FramePosMs = doubleAt(cols, "frame_pos_ms", i)
				m.Text = varcharAt(cols, "visual_description", i)
			}
			matches = append(matches, m)
		}
	}
	sortMatches(matches)
	return matches, nil
}

func (s *milvusStore) Close() error { return nil }

func columnMap(rs client.ResultSet) map[string]entity.Column {
	cols := make(map[string]entity.Column, len(rs))
	for _, c := range rs {
		cols[c.Name()] = c
	}
	return cols
}

func columnLen(cols map[string]entity.Column, name string) int {
	if c, ok := cols[name]; ok {
		return c.Len()
	}
	return 0
}

func varcharAt(cols map[string]entity.Column, name string, i int) string {
	if c, ok := cols[name].(*entity.ColumnVarChar); ok {
		data := c.Data()
		if i < len(data) {
			return data[i]
		}
	}
	return ""
}

func doubleAt(cols map[string]entity.Column, name string, i int) float64 {
	if c, ok := cols[name].(*entity.ColumnDouble); ok {
		data := c.Data()
		if i < len(data) {
			return data[i]
		}
	}
	return 0
}

func int64At(cols map[string]entity.Column, name string, i int) int64 {
	if c, ok := cols[name].(*entity.ColumnInt64); ok {
		data := c.Data()
		if i < len(data) {
			return data[i]
		}
	}
	return 0
}
