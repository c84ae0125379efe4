package core

import "errors"

// Error kinds surfaced by the indexing and search paths. Callers are expected
// to classify with errors.Is rather than string matching.
var (
	// ErrMediaUnreadable marks a source file that could not be opened by the
	// media backend even after one transcode attempt.
	ErrMediaUnreadable = errors.New("media unreadable")

	// ErrMediaNotIndexed marks a search against a media identifier that has no
	// registry entry.
	ErrMediaNotIndexed = errors.New("media not indexed")

	// ErrIndexNotFound marks a search against a column whose embedding index
	// was never built (annotation for that modality did not complete).
	ErrIndexNotFound = errors.New("embedding index not found")

	// ErrStoreNotFound marks a registry entry whose storage namespace no
	// longer resolves (deleted out-of-band).
	ErrStoreNotFound = errors.New("segment store not found")

	// ErrExternalService marks a transcription/captioning/embedding call that
	// failed after retries were exhausted.
	ErrExternalService = errors.New("external service failure")

	// ErrNoMatch marks a clip extraction whose searchable modalities all
	// returned zero hits. Distinct from ErrIndexNotFound: the indexes exist,
	// the query just matched nothing.
	ErrNoMatch = errors.New("no matching segments")

	// ErrRegistryCorrupt marks a persisted registry snapshot that could not be
	// parsed. The registry is the only record of store locations, so this is
	// surfaced rather than silently swallowed.
	ErrRegistryCorrupt = errors.New("registry snapshot corrupt")
)
