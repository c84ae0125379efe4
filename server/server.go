// Package server exposes ingestion, search, clip extraction and question
// answering over HTTP. Handlers decode JSON requests, call the underlying
// services and map the error taxonomy onto status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vbabua/video-map-agent/clips"
	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
	"github.com/vbabua/video-map-agent/pipeline"
	"github.com/vbabua/video-map-agent/registry"
	"github.com/vbabua/video-map-agent/search"
)

// Ingester runs the segmentation and annotation pipeline.
type Ingester interface {
	Ingest(ctx context.Context, mediaID, sourcePath string) (*pipeline.IngestResult, error)
	Backfill(ctx context.Context, mediaID string) (*pipeline.BackfillResult, error)
}

// Searcher opens per-media query sessions.
type Searcher interface {
	Session(ctx context.Context, mediaID string) (*search.Session, error)
}

// Clipper composes searches into clip extraction and question answering.
type Clipper interface {
	ExtractByQuery(ctx context.Context, mediaID, query string) (clips.ClipResult, error)
	ExtractByImage(ctx context.Context, mediaID, imagePath string) (clips.ClipResult, error)
	AnswerQuestion(ctx context.Context, mediaID, question string) (string, error)
}

type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	ingester Ingester
	searcher Searcher
	clipper  Clipper
	started  time.Time
}

func New(cfg *config.Config, reg *registry.Registry, ingester Ingester, searcher Searcher, clipper Clipper) *Server {
	return &Server{
		cfg:      cfg,
		reg:      reg,
		ingester: ingester,
		searcher: searcher,
		clipper:  clipper,
		started:  time.Now(),
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/backfill", s.handleBackfill)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/fetch-text", s.handleFetchText)
	mux.HandleFunc("/extract-clip", s.handleExtractClip)
	mux.HandleFunc("/extract-clip-image", s.handleExtractClipImage)
	mux.HandleFunc("/answer", s.handleAnswer)
	mux.HandleFunc("/registry", s.handleRegistry)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) ListenAndServe(addr string) error {
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, s.Routes())
}

// statusFor maps the error taxonomy to HTTP statuses. A missing embedding
// index is a conflict, not a missing resource: the media exists but that
// modality is not queryable until backfill completes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrMediaNotIndexed),
		errors.Is(err, core.ErrStoreNotFound),
		errors.Is(err, core.ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, core.ErrMediaUnreadable):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrIndexNotFound):
		return http.StatusConflict
	case errors.Is(err, core.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	core.WriteJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// IngestRequest names the file to index. The identifier is optional and
// defaults to the file's base name.
type IngestRequest struct {
	SourcePath      string `json:"source_path"`
	MediaIdentifier string `json:"media_identifier,omitempty"`
}

type BackfillRequest struct {
	MediaIdentifier string `json:"media_identifier"`
}

type SearchRequest struct {
	MediaIdentifier string `json:"media_identifier"`
	Modality        string `json:"modality"`
	Query           string `json:"query"`
	TopK            int    `json:"top_k"`
}

type SearchResponse struct {
	MediaIdentifier string              `json:"media_identifier"`
	Modality        string              `json:"modality"`
	Hits            []core.TimeRangeHit `json:"hits"`
}

type FetchTextResponse struct {
	MediaIdentifier string         `json:"media_identifier"`
	Modality        string         `json:"modality"`
	Hits            []core.TextHit `json:"hits"`
}

type ClipRequest struct {
	MediaIdentifier string `json:"media_identifier"`
	Query           string `json:"query"`
}

type ClipImageRequest struct {
	MediaIdentifier string `json:"media_identifier"`
	ImagePath       string `json:"image_path"`
}

type AnswerRequest struct {
	MediaIdentifier string `json:"media_identifier"`
	Question        string `json:"question"`
}

type AnswerResponse struct {
	MediaIdentifier string `json:"media_identifier"`
	Question        string `json:"question"`
	Answer          string `json:"answer"`
}

type RegistryResponse struct {
	Count int                `json:"count"`
	Items []core.StoreHandle `json:"items"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.SourcePath) == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "source_path is required"})
		return
	}
	if _, err := os.Stat(req.SourcePath); os.IsNotExist(err) {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Media file not found: %s", req.SourcePath)})
		return
	}

	result, err := s.ingester.Ingest(r.Context(), req.MediaIdentifier, req.SourcePath)
	if err != nil {
		s.fail(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.MediaIdentifier) == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "media_identifier is required"})
		return
	}

	result, err := s.ingester.Backfill(r.Context(), req.MediaIdentifier)
	if err != nil {
		s.fail(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.MediaIdentifier) == "" || strings.TrimSpace(req.Query) == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "media_identifier and query are required"})
		return
	}

	session, err := s.searcher.Session(r.Context(), req.MediaIdentifier)
	if err != nil {
		s.fail(w, err)
		return
	}

	var hits []core.TimeRangeHit
	switch core.Modality(req.Modality) {
	case core.ModalitySpeech:
		hits, err = session.SearchSpeech(r.Context(), req.Query, req.TopK)
	case core.ModalityVisual:
		// The query names an image file reachable by the server.
		hits, err = session.SearchVisual(r.Context(), req.Query, req.TopK)
	case core.ModalityDescription:
		hits, err = session.SearchDescription(r.Context(), req.Query, req.TopK)
	default:
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "modality must be speech, visual or description"})
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if hits == nil {
		hits = []core.TimeRangeHit{}
	}
	core.WriteJSON(w, http.StatusOK, SearchResponse{MediaIdentifier: req.MediaIdentifier, Modality: req.Modality, Hits: hits})
}

func (s *Server) handleFetchText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.MediaIdentifier) == "" || strings.TrimSpace(req.Query) == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "media_identifier and query are required"})
		return
	}

	session, err := s.searcher.Session(r.Context(), req.MediaIdentifier)
	if err != nil {
		s.fail(w, err)
		return
	}

	var hits []core.TextHit
	switch core.Modality(req.Modality) {
	case core.ModalitySpeech:
		hits, err = session.FetchTranscriptText(r.Context(), req.Query, req.TopK)
	case core.ModalityDescription:
		hits, err = session.FetchDescriptionText(r.Context(), req.Query, req.TopK)
	default:
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "modality must be speech or description"})
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if hits == nil {
		hits = []core.TextHit{}
	}
	core.WriteJSON(w, http.StatusOK, FetchTextResponse{MediaIdentifier: req.MediaIdentifier, Modality: req.Modality, Hits: hits})
}

func (s *Server) handleExtractClip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ClipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.MediaIdentifier) == "" || strings.TrimSpace(req.Query) == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "media_identifier and query are required"})
		return
	}

	res, err := s.clipper.ExtractByQuery(r.Context(), req.MediaIdentifier, req.Query)
	if err != nil {
		s.fail(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleExtractClipImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ClipImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.MediaIdentifier) == "" || strings.TrimSpace(req.ImagePath) == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "media_identifier and image_path are required"})
		return
	}
	if _, err := os.Stat(req.ImagePath); os.IsNotExist(err) {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Image file not found: %s", req.ImagePath)})
		return
	}

	res, err := s.clipper.ExtractByImage(r.Context(), req.MediaIdentifier, req.ImagePath)
	if err != nil {
		s.fail(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.MediaIdentifier) == "" || strings.TrimSpace(req.Question) == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "media_identifier and question are required"})
		return
	}

	answer, err := s.clipper.AnswerQuestion(r.Context(), req.MediaIdentifier, req.Question)
	if err != nil {
		s.fail(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, AnswerResponse{MediaIdentifier: req.MediaIdentifier, Question: req.Question, Answer: answer})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	items, err := s.reg.List()
	if err != nil {
		s.fail(w, err)
		return
	}
	if items == nil {
		items = []core.StoreHandle{}
	}
	core.WriteJSON(w, http.StatusOK, RegistryResponse{Count: len(items), Items: items})
}
