package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vbabua/video-map-agent/core"
)

// catalogSchema records which embedding indexes exist per namespace. Segment
// tables themselves are created per namespace at Create time.
const catalogSchema = `
CREATE TABLE IF NOT EXISTS embedding_indexes (
    namespace TEXT NOT NULL,
    col_name TEXT NOT NULL,
    model TEXT NOT NULL,
    dim INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (namespace, col_name)
);
`

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteProvider is the default embedded backend: vectors live as BLOBs and
// ranking is in-process cosine similarity over the candidate rows.
type SQLiteProvider struct {
	db *sql.DB
}

func NewSQLiteProvider(path string) (*SQLiteProvider, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The pipeline writes from multiple goroutines; a single connection
	// serializes them instead of tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run catalog migration: %w", err)
	}
	return &SQLiteProvider{db: db}, nil
}

func (p *SQLiteProvider) Create(ctx context.Context, mediaID string) (Store, error) {
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
    duration_sec REAL NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);`, handle.ContentTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    pos INTEGER PRIMARY KEY,
    start_sec REAL NOT NULL,
    end_sec REAL NOT NULL,
    audio_chunk TEXT NOT NULL,
    transcript TEXT NOT NULL DEFAULT '',
    transcript_status TEXT NOT NULL,
    transcript_vector BLOB
);`, handle.SoundSegmentsView),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    pos INTEGER PRIMARY KEY,
    frame_pos_ms REAL NOT NULL,
    raw_frame TEXT NOT NULL,
    scaled_frame TEXT NOT NULL DEFAULT '',
    visual_description TEXT NOT NULL DEFAULT '',
    caption_status TEXT NOT NULL,
    frame_embed_status TEXT NOT NULL,
    frame_vector BLOB,
    description_vector BLOB
);`, handle.VisualSegmentsView),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create namespace %s: %w", handle.StorageCache, err)
		}
	}

	return &sqliteStore{db: p.db, handle: handle}, nil
}

func (p *SQLiteProvider) Open(ctx context.Context, handle core.StoreHandle) (Store, error) {
	if err := validateHandleIdents(handle); err != nil {
		return nil, err
	}

	var name string
	err := p.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, handle.ContentTable).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("namespace %q: %w", handle.StorageCache, core.ErrStoreNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve namespace %s: %w", handle.StorageCache, err)
	}
	return &sqliteStore{db: p.db, handle: handle}, nil
}

func (p *SQLiteProvider) Close() error { return p.db.Close() }

func validateHandleIdents(handle core.StoreHandle) error {
	for _, ident := range []string{handle.StorageCache, handle.ContentTable, handle.VisualSegmentsView, handle.SoundSegmentsView} {
		if !identPattern.MatchString(ident) {
			return fmt.Errorf("invalid table identifier %q in handle", ident)
		}
	}
	return nil
}

type sqliteStore struct {
	db     *sql.DB
	handle core.StoreHandle
}

func (s *sqliteStore) Handle() core.StoreHandle { return s.handle }

func (s *sqliteStore) PutContent(ctx context.Context, row core.ContentRow) error {
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s`, s.handle.ContentTable)); err != nil {
		return fmt.Errorf("clear content row: %w", err)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (media_identifier, source_path, audio_path, title, artist, album, genre, duration_sec, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.handle.ContentTable),
		row.MediaIdentifier, row.SourcePath, row.AudioPath,
		row.Metadata.Title, row.Metadata.Artist, row.Metadata.Album, row.Metadata.Genre,
		row.Metadata.DurationSec, row.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert content row: %w", err)
	}
	return nil
}

func (s *sqliteStore) Content(ctx context.Context) (core.ContentRow, error) {
	var row core.ContentRow
	var createdAt string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT media_identifier, source_path, audio_path, title, artist, album, genre, duration_sec, created_at
FROM %s LIMIT 1`, s.handle.ContentTable)).Scan(
		&row.MediaIdentifier, &row.SourcePath, &row.AudioPath,
		&row.Metadata.Title, &row.Metadata.Artist, &row.Metadata.Album, &row.Metadata.Genre,
		&row.Metadata.DurationSec, &createdAt)
	if err == sql.ErrNoRows {
		return core.ContentRow{}, fmt.Errorf("content row not written for %q", s.handle.MediaIdentifier)
	}
	if err != nil {
		return core.ContentRow{}, fmt.Errorf("read content row: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		row.CreatedAt = t
	}
	return row, nil
}

func (s *sqliteStore) AppendSoundSegments(ctx context.Context, rows []core.SoundSegment) error {
	stmt := fmt.Sprintf(`
INSERT INTO %s (pos, start_sec, end_sec, audio_chunk, transcript, transcript_status, transcript_vector)
VALUES (?, ?, ?, ?, ?, ?, ?)`, s.handle.SoundSegmentsView)
	for _, row := range rows {
		var vec []byte
		if len(row.TranscriptVector) > 0 {
			vec = serializeVector(row.TranscriptVector)
		}
		if _, err := s.db.ExecContext(ctx, stmt,
			row.Pos, row.StartSec, row.EndSec, row.AudioChunkPath,
			row.Transcript, string(row.TranscriptStatus), vec); err != nil {
			return fmt.Errorf("append sound segment %d: %w", row.Pos, err)
		}
	}
	return nil
}

func (s *sqliteStore) AppendVisualSegments(ctx context.Context, rows []core.VisualSegment) error {
	stmt := fmt.Sprintf(`
INSERT INTO %s (pos, frame_pos_ms, raw_frame, scaled_frame, visual_description, caption_status, frame_embed_status, frame_vector, description_vector)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.handle.VisualSegmentsView)
	for _, row := range rows {
		var frameVec, descVec []byte
		if len(row.FrameVector) > 0 {
			frameVec = serializeVector(row.FrameVector)
		}
		if len(row.DescriptionVector) > 0 {
			descVec = serializeVector(row.DescriptionVector)
		}
		if _, err := s.db.ExecContext(ctx, stmt,
			row.Pos, row.FramePosMs, row.RawFramePath, row.ScaledFramePath,
			row.Description, string(row.CaptionStatus), string(row.FrameEmbedStatus),
			frameVec, descVec); err != nil {
			return fmt.Errorf("append visual segment %d: %w", row.Pos, err)
		}
	}
	return nil
}

func (s *sqliteStore) SetTranscript(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error {
	var blob []byte
	if len(vec) > 0 {
		blob = serializeVector(vec)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET transcript = ?, transcript_vector = ?, transcript_status = ? WHERE pos = ?`, s.handle.SoundSegmentsView),
		text, blob, string(status), pos)
	if err != nil {
		return fmt.Errorf("update transcript %d: %w", pos, err)
	}
	return requireRow(res, "sound segment", pos)
}

func (s *sqliteStore) SetCaption(ctx context.Context, pos int, text string, vec []float32, status core.AnnotationStatus) error {
	var blob []byte
	if len(vec) > 0 {
		blob = serializeVector(vec)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET visual_description = ?, description_vector = ?, caption_status = ? WHERE pos = ?`, s.handle.VisualSegmentsView),
		text, blob, string(status), pos)
	if err != nil {
		return fmt.Errorf("update caption %d: %w", pos, err)
	}
	return requireRow(res, "visual segment", pos)
}

func (s *sqliteStore) SetFrameVector(ctx context.Context, pos int, vec []float32, status core.AnnotationStatus) error {
	var blob []byte
	if len(vec) > 0 {
		blob = serializeVector(vec)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET frame_vector = ?, frame_embed_status = ? WHERE pos = ?`, s.handle.VisualSegmentsView),
		blob, string(status), pos)
	if err != nil {
		return fmt.Errorf("update frame vector %d: %w", pos, err)
	}
	return requireRow(res, "visual segment", pos)
}

func requireRow(res sql.Result, kind string, pos int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s pos %d not found", kind, pos)
	}
	return nil
}

func (s *sqliteStore) ListSoundSegments(ctx context.Context) ([]core.SoundSegment, error) {
	return s.querySounds(ctx, fmt.Sprintf(`
SELECT pos, start_sec, end_sec, audio_chunk, transcript, transcript_status, transcript_vector
FROM %s ORDER BY pos`, s.handle.SoundSegmentsView))
}

func (s *sqliteStore) PendingSoundSegments(ctx context.Context) ([]core.SoundSegment, error) {
	return s.querySounds(ctx, fmt.Sprintf(`
SELECT pos, start_sec, end_sec, audio_chunk, transcript, transcript_status, transcript_vector
FROM %s WHERE transcript_status != 'complete' ORDER BY pos`, s.handle.SoundSegmentsView))
}

func (s *sqliteStore) querySounds(ctx context.Context, query string) ([]core.SoundSegment, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sound segments: %w", err)
	}
	defer rows.Close()

	var out []core.SoundSegment
	for rows.Next() {
		var seg core.SoundSegment
		var status string
		var vec []byte
		if err := rows.Scan(&seg.Pos, &seg.StartSec, &seg.EndSec, &seg.AudioChunkPath, &seg.Transcript, &status, &vec); err != nil {
			return nil, fmt.Errorf("scan sound segment: %w", err)
		}
		seg.TranscriptStatus = core.AnnotationStatus(status)
		if len(vec) > 0 {
			seg.TranscriptVector = deserializeVector(vec)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListVisualSegments(ctx context.Context) ([]core.VisualSegment, error) {
	return s.queryVisuals(ctx, fmt.Sprintf(`
SELECT pos, frame_pos_ms, raw_frame, scaled_frame, visual_description, caption_status, frame_embed_status, frame_vector, description_vector
FROM %s ORDER BY pos`, s.handle.VisualSegmentsView))
}

func (s *sqliteStore) PendingVisualSegments(ctx context.Context) ([]core.VisualSegment, error) {
	return s.queryVisuals(ctx, fmt.Sprintf(`
SELECT pos, frame_pos_ms, raw_frame, scaled_frame, visual_description, caption_status, frame_embed_status, frame_vector, description_vector
FROM %s WHERE caption_status != 'complete' OR frame_embed_status != 'complete' ORDER BY pos`, s.handle.VisualSegmentsView))
}

func (s *sqliteStore) queryVisuals(ctx context.Context, query string) ([]core.VisualSegment, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query visual segments: %w", err)
	}
	defer rows.Close()

	var out []core.VisualSegment
	for rows.Next() {
		var seg core.VisualSegment
		var capStatus, frameStatus string
		var frameVec, descVec []byte
		if err := rows.Scan(&seg.Pos, &seg.FramePosMs, &seg.RawFramePath, &seg.ScaledFramePath,
			&seg.Description, &capStatus, &frameStatus, &frameVec, &descVec); err != nil {
			return nil, fmt.Errorf("scan visual segment: %w", err)
		}
		seg.CaptionStatus = core.AnnotationStatus(capStatus)
		seg.FrameEmbedStatus = core.AnnotationStatus(frameStatus)
		if len(frameVec) > 0 {
			seg.FrameVector = deserializeVector(frameVec)
		}
		if len(descVec) > 0 {
			seg.DescriptionVector = deserializeVector(descVec)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	if spec.Dim <= 0 {
		return fmt.Errorf("ensure index %s: dimension %d invalid", spec.Column, spec.Dim)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO embedding_indexes (namespace, col_name, model, dim, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (namespace, col_name) DO UPDATE SET model = excluded.model, dim = excluded.dim`,
		s.handle.StorageCache, string(spec.Column), spec.Model, spec.Dim,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record index %s: %w", spec.Column, err)
	}
	return nil
}

func (s *sqliteStore) HasIndex(ctx context.Context, column IndexColumn) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embedding_indexes WHERE namespace = ? AND col_name = ?`,
		s.handle.StorageCache, string(column)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", column, err)
	}
	return n > 0, nil
}

func (s *sqliteStore) Search(ctx context.Context, column IndexColumn, vec []float32, topK int) ([]Match, error) {
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

	var rows []Match
	var vectors [][]float32
	switch column {
	case ColumnTranscript:
		segs, err := s.querySounds(ctx, fmt.Sprintf(`
SELECT pos, start_sec, end_sec, audio_chunk, transcript, transcript_status, transcript_vector
FROM %s WHERE transcript_status = 'complete' AND transcript_vector IS NOT NULL ORDER BY pos`, s.handle.SoundSegmentsView))
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			rows = append(rows, Match{Pos: seg.Pos, StartSec: seg.StartSec, EndSec: seg.EndSec, Text: seg.Transcript})
			vectors = append(vectors, seg.TranscriptVector)
		}
	case ColumnFrame:
		segs, err := s.queryVisuals(ctx, fmt.Sprintf(`
SELECT pos, frame_pos_ms, raw_frame, scaled_frame, visual_description, caption_status, frame_embed_status, frame_vector, description_vector
FROM %s WHERE frame_embed_status = 'complete' AND frame_vector IS NOT NULL ORDER BY pos`, s.handle.VisualSegmentsView))
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			rows = append(rows, Match{Pos: seg.Pos, FramePosMs: seg.FramePosMs})
			vectors = append(vectors, seg.FrameVector)
		}
	case ColumnDescription:
		segs, err := s.queryVisuals(ctx, fmt.Sprintf(`
SELECT pos, frame_pos_ms, raw_frame, scaled_frame, visual_description, caption_status, frame_embed_status, frame_vector, description_vector
FROM %s WHERE caption_status = 'complete' AND description_vector IS NOT NULL ORDER BY pos`, s.handle.VisualSegmentsView))
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			rows = append(rows, Match{Pos: seg.Pos, FramePosMs: seg.FramePosMs, Text: seg.Description})
			vectors = append(vectors, seg.DescriptionVector)
		}
	default:
		return nil, fmt.Errorf("unknown index column %q", column)
	}

	return rankBruteForce(vec, rows, vectors, topK), nil
}

func (s *sqliteStore) Close() error { return nil }
