package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/vbabua/video-map-agent/core"
)

// PgProvider stores segments in PostgreSQL with pgvector columns. Ranking
// runs in the database via the cosine distance operator; an ivfflat index is
// attached opportunistically once rows carry vectors.
type PgProvider struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPgProvider(ctx context.Context, dbURL string, dim int) (*PgProvider, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create vector extension: %w", err)
	}
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS embedding_indexes (
    namespace TEXT NOT NULL,
    col_name TEXT NOT NULL,
    model TEXT NOT NULL,
    dim INTEGER NOT NULL,
    created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (namespace, col_name)
);`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create index catalog: %w", err)
	}

	return &PgProvider{pool: pool, dim: dim}, nil
}

func (p *PgProvider) Create(ctx context.Context, mediaID string) (Store, error) {
	handle, err := core.NewStoreHandle(mediaID, newNamespace())
	if err != nil {
		return nil, err
	}
	if err := validateHandleIdents(handle); err != nil {
		return nil, err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    media_identifier TEXT NOT NULL,
    source_path TEXT NOT NULL,
    audio_path TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    artist TEXT NOT NULL DEFAULT '',
    album TEXT NOT NULL DEFAULT '',
    genre TEXT NOT NULL DEFAULT '',
    duration_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL
);`, handle.ContentTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    pos INTEGER PRIMARY KEY,
    start_sec DOUBLE PRECISION NOT NULL,
    end_sec DOUBLE PRECISION NOT NULL,
    audio_chunk TEXT NOT NULL,
    transcript TEXT NOT NULL DEFAULT '',
    transcript_status TEXT NOT NULL,
    transcript_vector vector
);`, handle.SoundSegmentsView),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    pos INTEGER PRIMARY KEY,
    frame_pos_ms DOUBLE PRECISION NOT NULL,
    raw_frame TEXT NOT NULL,
    scaled_frame TEXT NOT NULL DEFAULT '',
    visual_description TEXT NOT NULL DEFAULT '',
    caption_status TEXT NOT NULL,
    frame_embed_status TEXT NOT NULL,
    frame_vector vector,
    description_vector vector
);`, handle.VisualSegmentsView),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create namespace %s: %w", handle.StorageCache, err)
		}
	}

	return &pgStore{pool: p.pool, handle: handle, dim: p.dim}, nil
}

func (p *PgProvider) Open(ctx context.Context, handle core.StoreHandle) (Store, error) {
	if err := validateHandleIdents(handle); err != nil {
		return nil, err
	}

	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM information_schema.tables WHERE table_name = $1
);`, handle.ContentTable).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("resolve namespace %s: %w", handle.StorageCache, err)
	}
	if !exists {
		return nil, fmt.Errorf("namespace %q: %w", handle.StorageCache, core.ErrStoreNotFound)
	}
	return &pgStore{pool: p.pool, handle: handle, dim: p.dim}, nil
}

func (p *PgProvider) Close() error {
	p.pool.Close()
	return nil
}

type pgStore struct {
	pool   *pgxpool.Pool
	handle core.StoreHandle
	dim    int
}

func (s *pgStore) Handle() core.StoreHandle { return s.handle }

func (s *pgStore) PutContent(ctx context.Context, row core.ContentRow) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.handle.ContentTable)); err != nil {
		return fmt.Errorf("clear content row: %w", err)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (media_identifier, source_path, audio_path, title, artist, album, genre, duration_sec, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.handle.ContentTable),
		row.MediaIdentifier, row.SourcePath, row.AudioPath,
		row.Metadata.Title, row.Metadata.Artist, row.Metadata.Album, row.Metadata.Genre,
		row.Metadata.DurationSec, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert content row: %w", err)
	}
	return nil
}

func (s *pgStore) Content(ctx context.Context) (core.ContentRow, error) {
	var row core.ContentRow
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT media_identifier, source_path, audio_path, title, artist, album, genre, duration_sec, created_at
FROM %s LIMIT 1`, s.handle.ContentTable)).Scan(
		&row.MediaIdentifier, &row.SourcePath, &row.AudioPath,
		&row.Metadata.Title, &row.Metadata.Artist, &row.Metadata.Album, &row.Metadata.Genre,
		&row.Metadata.DurationSec, &row.CreatedAt)
	if err == pgx.ErrNoRows {
		return core.ContentRow{}, fmt.Errorf("content row not written for %q", s.handle.MediaIdentifier)
	}
	if err != nil {
		return core.ContentRow{}, fmt.Errorf("read content row: %w", err)
	}
	return row, nil
}

func (s *pgStore) AppendSoundSegments(ctx context.Context, rows []core.SoundSegment) error {
	stmt := fmt.Sprintf(`
INSERT INTO %s (pos, start_sec, end_sec, audio_chunk, transcript, transcript_status, transcript_vector)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.handle.SoundSegmentsView)
	for _, row := range rows {
		var vec any
		if len(row.TranscriptVector) > 0 {
			vec = pgvector.NewVector(row.TranscriptVector)
		}
		if _, err := s.pool.Exec(ctx, stmt,
			row.Pos, row.StartSec, row.EndSec, row.AudioChunkPath,
			row.Transcript, string(row.TranscriptStatus), vec); err != nil {
			return fmt.Errorf("append sound segment %d: %w", row.Pos, err)
		}
	}
	return nil
}

func (s *pgStore) AppendVisualSegments(ctx context.Context, rows []core.VisualSegment) error {
	stmt := fmt.Sprintf(`
INSERT INTO %s (pos, frame_pos_ms, raw_frame, scaled_frame, visual_description, caption_status, frame_embed_status, frame_vector, description_vector)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.handle.VisualSegmentsView)
	for _, row := range rows {
		var frameVec, descVec any
		if len(row.FrameVector) > 0 {
			frameVec = pgvector.NewVector(row.FrameVector)
		}
		if len(row.DescriptionVector) > 0 {
			descVec = pgvector.NewVector(row.DescriptionVector)
		}
		if _, err := s.pool.Exec(ctx, stmt,
			row.Pos, row.FramePosMs, row.RawFramePath, row.ScaledFramePath,
			row.Description, string(row.CaptionStatus), string(row.FrameEmbedStatus),
			frameVec, descVec); err != nil {
			return fmt.Errorf("append visual segment %d: %w", row.Pos, err)
		}
	}
	return nil
}

func (s *pgStore) SetTranscript(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error {
	var val any
	if len(vec) > 0 {
		val = pgvector.NewVector(vec)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET transcript = $1, transcript_vector = $2, transcript_status = $3 WHERE pos = $4`, s.handle.SoundSegmentsView),
		text, val, string(status), pos)
	if err != nil {
		return fmt.Errorf("update transcript %d: %w", pos, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sound segment pos %d not found", pos)
	}
	return nil
}

func (s *pgStore) SetCaption(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error {
	var val any
	if len(vec) > 0 {
		val = pgvector.NewVector(vec)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET visual_description = $1, description_vector = $2, caption_status = $3 WHERE pos = $4`, s.handle.VisualSegmentsView),
		text, val, string(status), pos)
	if err != nil {
		return fmt.Errorf("update caption %d: %w", pos, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("visual segment pos %d not found", pos)
	}
	return nil
}

func (s *pgStore) SetFrameVector(ctx context.Context, pos int, vec []float32, status core.AnnotationStatus) error {
	var val any
	if len(vec) > 0 {
		val = pgvector.NewVector(vec)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET frame_vector = $1, frame_embed_status = $2 WHERE pos = $3`, s.handle.VisualSegmentsView),
		val, string(status), pos)
	if err != nil {
		return fmt.Errorf("update frame vector %d: %w", pos, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("visual segment pos %d not found", pos)
	}
	return nil
}

func (s *pgStore) ListSoundSegments(ctx context.Context) ([]core.SoundSegment, error) {
	return s.querySounds(ctx, fmt.Sprintf(`
SELECT pos, start_sec, end_sec, audio_chunk, transcript, transcript_status
FROM %s ORDER BY pos`, s.handle.SoundSegmentsView))
}

func (s *pgStore) PendingSoundSegments(ctx context.Context) ([]core.SoundSegment, error) {
	return s.querySounds(ctx, fmt.Sprintf(`
SELECT pos, start_sec, end_sec, audio_chunk, transcript, transcript_status
FROM %s WHERE transcript_status != 'complete' ORDER BY pos`, s.handle.SoundSegmentsView))
}

func (s *pgStore) querySounds(ctx context.Context, query string) ([]core.SoundSegment, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sound segments: %w", err)
	}
	defer rows.Close()

	var out []core.SoundSegment
	for rows.Next() {
		var seg core.SoundSegment
		var status string
		if err := rows.Scan(&seg.Pos, &seg.StartSec, &seg.EndSec, &seg.AudioChunkPath, &seg.Transcript, &status); err != nil {
			return nil, fmt.Errorf("scan sound segment: %w", err)
		}
		seg.TranscriptStatus = core.AnnotationStatus(status)
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *pgStore) ListVisualSegments(ctx context.Context) ([]core.VisualSegment, error) {
	return s.queryVisuals(ctx, fmt.Sprintf(`
SELECT pos, frame_pos_ms, raw_frame, scaled_frame, visual_description, caption_status, frame_embed_status
FROM %s ORDER BY pos`, s.handle.VisualSegmentsView))
}

func (s *pgStore) PendingVisualSegments(ctx context.Context) ([]core.VisualSegment, error) {
	return s.queryVisuals(ctx, fmt.Sprintf(`
SELECT pos, frame_pos_ms, raw_frame, scaled_frame, visual_description, caption_status, frame_embed_status
FROM %s WHERE caption_status != 'complete' OR frame_embed_status != 'complete' ORDER BY pos`, s.handle.VisualSegmentsView))
}

func (s *pgStore) queryVisuals(ctx context.Context, query string) ([]core.VisualSegment, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query visual segments: %w", err)
	}
	defer rows.Close()

	var out []core.VisualSegment
	for rows.Next() {
		var seg core.VisualSegment
		var capStatus, frameStatus string
		if err := rows.Scan(&seg.Pos, &seg.FramePosMs, &seg.RawFramePath, &seg.ScaledFramePath,
			&seg.Description, &capStatus, &frameStatus); err != nil {
			return nil, fmt.Errorf("scan visual segment: %w", err)
		}
		seg.CaptionStatus = core.AnnotationStatus(capStatus)
		seg.FrameEmbedStatus = core.AnnotationStatus(frameStatus)
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *pgStore) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	if spec.Dim <= 0 {
		return fmt.Errorf("ensure index %s: dimension %d invalid", spec.Column, spec.Dim)
	}
	table, col, err := s.columnTarget(spec.Column)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, `
INSERT INTO embedding_indexes (namespace, col_name, model, dim)
VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, col_name) DO UPDATE SET model = EXCLUDED.model, dim = EXCLUDED.dim`,
		s.handle.StorageCache, string(spec.Column), spec.Model, spec.Dim); err != nil {
		return fmt.Errorf("record index %s: %w", spec.Column, err)
	}

	// Pin the column dimension so an ANN index can attach. Exact search via
	// the distance operator keeps working either way, so failures only warn.
	if _, err := s.pool.Exec(ctx,
		fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE vector(%d)`, table, col, spec.Dim)); err != nil {
		fmt.Printf("Warning: failed to pin vector dimension on %s.%s: %v\n", table, col, err)
		return nil
	}
	if err := s.createVectorIndex(ctx, table, col); err != nil {
		fmt.Printf("Warning: failed to create vector index on %s.%s: %v\n", table, col, err)
	}
	return nil
}

// createVectorIndex builds an ivfflat index sized to the current row count.
func (s *pgStore) createVectorIndex(ctx context.Context, table, col string) error {
	var count int
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s IS NOT NULL`, table, col)).Scan(&count); err != nil {
		return fmt.Errorf("count vectors: %w", err)
	}
	if count == 0 {
		return nil
	}

	lists := 100
	if count > 10000 {
		lists = count / 100
		if lists > 1000 {
			lists = 1000
		}
	} else if count < 1000 {
		lists = 10
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE INDEX IF NOT EXISTS idx_%s_%s
ON %s USING ivfflat (%s vector_cosine_ops)
WITH (lists = %d)`, table, col, table, col, lists))
	return err
}

func (s *pgStore) HasIndex(ctx context.Context, column IndexColumn) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM embedding_indexes WHERE namespace = $1 AND col_name = $2`,
		s.handle.StorageCache, string(column)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", column, err)
	}
	return n > 0, nil
}

func (s *pgStore) columnTarget(column IndexColumn) (table, col string, err error) {
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

func (s *pgStore) Search(ctx context.Context, column IndexColumn, vec []float32, topK int) ([]Match, error) {
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

	query := pgvector.NewVector(vec)
	var rows pgx.Rows
	switch column {
	case ColumnTranscript:
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
SELECT pos, start_sec, end_sec, transcript, 1 - (transcript_vector <=> $1) AS similarity
FROM %s
WHERE transcript_status = 'complete' AND transcript_vector IS NOT NULL
ORDER BY transcript_vector <=> $1, pos
LIMIT $2`, s.handle.SoundSegmentsView), query, topK)
	case ColumnFrame:
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
SELECT pos, frame_pos_ms, '' AS text, 1 - (frame_vector <=> $1) AS similarity
FROM %s
WHERE frame_embed_status = 'complete' AND frame_vector IS NOT NULL
ORDER BY frame_vector <=> $1, pos
LIMIT $2`, s.handle.VisualSegmentsView), query, topK)
	case ColumnDescription:
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
SELECT pos, frame_pos_ms, visual_description, 1 - (description_vector <=> $1) AS similarity
FROM %s
WHERE caption_status = 'complete' AND description_vector IS NOT NULL
ORDER BY description_vector <=> $1, pos
LIMIT $2`, s.handle.VisualSegmentsView), query, topK)
	default:
		return nil, fmt.Errorf("unknown index column %q", column)
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", column, err)
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var m Match
		if column == ColumnTranscript {
			if err := rows.Scan(&m.Pos, &m.StartSec, &m.EndSec, &m.Text, &m.Score); err != nil {
				return nil, fmt.Errorf("scan match: %w", err)
			}
		} else {
			if err := rows.Scan(&m.Pos, &m.FramePosMs, &m.Text, &m.Score); err != nil {
				return nil, fmt.Errorf("scan match: %w", err)
			}
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *pgStore) Close() error { return nil }
