package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"communityhub/internal/cache"
	"communityhub/internal/domain"
	"communityhub/internal/feed"
	"communityhub/internal/logging"
	"communityhub/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// CommunityService is the part of service.CommunityService the API uses
type CommunityService interface {
	Graph(minScore int, highlight domain.ProfileID) (*domain.WebOfTrust, error)
	TrustedProfiles(minScore int) ([]domain.GraphNode, error)
	Profile(ctx context.Context, id domain.ProfileID) (domain.GraphNode, error)
	NotesByAuthor(ctx context.Context, id domain.ProfileID) []domain.Note
	Feed() (feed.Result, error)
	FeedOptions() (feed.Options, error)
	PageSize() int
	LoadFeed(ctx context.Context, opts feed.Options) (feed.Result, error)
	RefreshFeed(ctx context.Context) (feed.Result, error)
	ClearCache(ctx context.Context, kind string) error
	Status(ctx context.Context) (service.Status, error)
	Export(format string, w io.Writer) error
}

// CommunityHandler handles community API requests
type CommunityHandler struct {
	svc      CommunityService
	logger   *zap.Logger
	validate *validator.Validate
}

// NewCommunityHandler creates a new handler
func NewCommunityHandler(svc CommunityService, logger *zap.Logger) *CommunityHandler {
	return &CommunityHandler{
		svc:      svc,
		logger:   logging.OrNop(logger),
		validate: validator.New(),
	}
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ProfileResponse is a graph node with the author's cached notes
type ProfileResponse struct {
	domain.GraphNode
	Notes []domain.Note `json:"notes"`
}

// FeedResponse is one page of the feed
type FeedResponse struct {
	Status  feed.Status                 `json:"status"`
	Loading bool                        `json:"loading"`
	Error   string                      `json:"error,omitempty"`
	Options feed.Options                `json:"options"`
	Notes   feed.Page[domain.Note]      `json:"notes"`
	Images  feed.Page[domain.ImageNote] `json:"images"`
}

// FeedRequest replaces the feed query
type FeedRequest struct {
	Tag           string `json:"tag" validate:"max=64"`
	MinTrustScore *int   `json:"min_trust_score" validate:"omitempty,min=0,max=100"`
	Limit         int    `json:"limit" validate:"min=0,max=500"`
	ImagesOnly    bool   `json:"images_only"`
}

// GetGraph returns the trust graph filtered by min_score with an optional
// highlighted identity
func (h *CommunityHandler) GetGraph(w http.ResponseWriter, r *http.Request) {
	minScore, ok := h.intParam(w, r, "min_score", 0)
	if !ok {
		return
	}
	graph, err := h.svc.Graph(minScore, domain.ProfileID(r.URL.Query().Get("highlight")))
	if err != nil {
		h.serviceError(w, "Failed to get graph", err)
		return
	}
	h.writeJSON(w, graph, http.StatusOK)
}

// ListTrustedProfiles returns graph nodes scoring at least min_score, highest
// first
func (h *CommunityHandler) ListTrustedProfiles(w http.ResponseWriter, r *http.Request) {
	minScore, ok := h.intParam(w, r, "min_score", domain.PerSeedTrustScore)
	if !ok {
		return
	}
	nodes, err := h.svc.TrustedProfiles(minScore)
	if err != nil {
		h.serviceError(w, "Failed to list profiles", err)
		return
	}
	h.writeJSON(w, nodes, http.StatusOK)
}

// GetProfile returns one identity with its cached notes
func (h *CommunityHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id := domain.ProfileID(chi.URLParam(r, "id"))
	if id == "" {
		h.writeError(w, "Invalid profile ID", "Profile ID is required", http.StatusBadRequest)
		return
	}
	node, err := h.svc.Profile(r.Context(), id)
	if err != nil {
		h.serviceError(w, "Failed to get profile", err)
		return
	}
	notes := h.svc.NotesByAuthor(r.Context(), id)
	if notes == nil {
		notes = []domain.Note{}
	}
	h.writeJSON(w, ProfileResponse{GraphNode: node, Notes: notes}, http.StatusOK)
}

// GetFeed returns one page of the current feed
func (h *CommunityHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	page, ok := h.intParam(w, r, "page", 1)
	if !ok {
		return
	}
	result, err := h.svc.Feed()
	if err != nil {
		h.serviceError(w, "Failed to get feed", err)
		return
	}
	opts, err := h.svc.FeedOptions()
	if err != nil {
		h.serviceError(w, "Failed to get feed", err)
		return
	}
	h.writeJSON(w, h.feedResponse(result, opts, page), http.StatusOK)
}

// UpdateFeed replaces the feed query and starts a new load
func (h *CommunityHandler) UpdateFeed(w http.ResponseWriter, r *http.Request) {
	var req FeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, "Invalid feed query", err.Error(), http.StatusBadRequest)
		return
	}

	opts := feed.Options{
		Tag:           req.Tag,
		MinTrustScore: req.MinTrustScore,
		Limit:         req.Limit,
		ImagesOnly:    req.ImagesOnly,
	}
	result, err := h.svc.LoadFeed(r.Context(), opts)
	if err != nil {
		h.serviceError(w, "Failed to load feed", err)
		return
	}
	h.writeJSON(w, h.feedResponse(result, opts, 1), http.StatusAccepted)
}

// RefreshFeed reloads the feed with its current query
func (h *CommunityHandler) RefreshFeed(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.RefreshFeed(r.Context())
	if err != nil {
		h.serviceError(w, "Failed to refresh feed", err)
		return
	}
	opts, err := h.svc.FeedOptions()
	if err != nil {
		h.serviceError(w, "Failed to refresh feed", err)
		return
	}
	h.writeJSON(w, h.feedResponse(result, opts, 1), http.StatusAccepted)
}

func (h *CommunityHandler) feedResponse(result feed.Result, opts feed.Options, page int) FeedResponse {
	size := h.svc.PageSize()
	return FeedResponse{
		Status:  result.Status,
		Loading: result.Loading(),
		Error:   result.Error,
		Options: opts,
		Notes:   feed.Paginate(result.Notes, page, size),
		Images:  feed.Paginate(result.Images, page, size),
	}
}

// ClearCache empties the cache kind named in the path, or every kind
func (h *CommunityHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if err := h.svc.ClearCache(r.Context(), kind); err != nil {
		h.serviceError(w, "Failed to clear cache", err)
		return
	}
	if kind == "" {
		kind = "all"
	}
	h.writeJSON(w, map[string]string{"status": "cleared", "kind": kind}, http.StatusOK)
}

// GetStatus reports the running discovery session
func (h *CommunityHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		h.serviceError(w, "Failed to get status", err)
		return
	}
	h.writeJSON(w, status, http.StatusOK)
}

// Export writes the graph snapshot as an attachment
func (h *CommunityHandler) Export(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")

	var buf bytes.Buffer
	if err := h.svc.Export(format, &buf); err != nil {
		h.serviceError(w, "Failed to export graph", err)
		return
	}

	contentType := "application/json"
	if format == "yaml" {
		contentType = "application/x-yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=graph.%s", format))
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Debug("failed to write export", zap.Error(err))
	}
}

// Helper methods

func (h *CommunityHandler) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		h.writeError(w, "Invalid "+name, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func (h *CommunityHandler) serviceError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotStarted), errors.Is(err, feed.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, service.ErrProfileNotFound),
		errors.Is(err, service.ErrUnsupportedFormat),
		errors.Is(err, cache.ErrUnknownKind):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	h.writeError(w, msg, err.Error(), status)
}

func (h *CommunityHandler) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug("failed to encode JSON", zap.Error(err))
	}
}

func (h *CommunityHandler) writeError(w http.ResponseWriter, error, details string, statusCode int) {
	h.writeJSON(w, ErrorResponse{Error: error, Details: details}, statusCode)
}
