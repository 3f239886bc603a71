package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/platform/storage"
	"github.com/stitchfield/api/internal/services"
)

const (
	maxArtworkRequestBody = 4 * 1024
	maxArtworkUploadBytes = 20 * 1024 * 1024
	artworkUploadExpiry   = 15 * time.Minute
	artworkDownloadExpiry = 5 * time.Minute
)

var allowedArtworkContentTypes = []string{
	"image/png",
	"image/jpeg",
	"image/svg+xml",
	"application/pdf",
}

// ArtworkHandlers issues signed storage URLs for customer artwork uploads,
// staff proof uploads, and scoped downloads.
type ArtworkHandlers struct {
	authn       *auth.Authenticator
	storage     *storage.Client
	orders      services.OrderService
	bucket      string
	newUploadID func() string
}

// ArtworkOption customises ArtworkHandlers construction.
type ArtworkOption func(*ArtworkHandlers)

// WithUploadIDGenerator overrides upload ID generation, for tests.
func WithUploadIDGenerator(gen func() string) ArtworkOption {
	return func(h *ArtworkHandlers) {
		if gen != nil {
			h.newUploadID = gen
		}
	}
}

// NewArtworkHandlers constructs artwork handlers bound to a storage bucket.
func NewArtworkHandlers(authn *auth.Authenticator, client *storage.Client, orders services.OrderService, bucket string, opts ...ArtworkOption) *ArtworkHandlers {
	h := &ArtworkHandlers{
		authn:   authn,
		storage: client,
		orders:  orders,
		bucket:  strings.TrimSpace(bucket),
		newUploadID: func() string {
			return strings.ToLower(ulid.Make().String())
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /artwork endpoints.
func (h *ArtworkHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/uploads", h.issueArtworkUpload)
	r.Post("/proof-uploads", h.issueProofUpload)
	r.Post("/downloads", h.issueDownload)
}

type artworkUploadRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

type proofUploadRequest struct {
	OrderID     string `json:"order_id"`
	LineItemID  string `json:"line_item_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

type signedURLResponse struct {
	ObjectPath string            `json:"object_path"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	ExpiresAt  string            `json:"expires_at,omitempty"`
}

type artworkDownloadRequest struct {
	ObjectPath  string `json:"object_path"`
	Disposition string `json:"disposition,omitempty"`
}

func (h *ArtworkHandlers) issueArtworkUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req artworkUploadRequest
	if !decodeJSONBody(ctx, w, r, maxArtworkRequestBody, &req) {
		return
	}

	objectPath, err := storage.BuildObjectPath(storage.PurposeArtwork, storage.PathParams{
		UserID:   identity.UID,
		UploadID: h.newUploadID(),
		FileName: strings.TrimSpace(req.FileName),
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	h.signUpload(ctx, w, objectPath, req.ContentType, req.SizeBytes)
}

func (h *ArtworkHandlers) issueProofUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "staff role required", http.StatusForbidden))
		return
	}

	var req proofUploadRequest
	if !decodeJSONBody(ctx, w, r, maxArtworkRequestBody, &req) {
		return
	}

	objectPath, err := storage.BuildObjectPath(storage.PurposeProof, storage.PathParams{
		OrderID:    strings.TrimSpace(req.OrderID),
		LineItemID: strings.TrimSpace(req.LineItemID),
		FileName:   strings.TrimSpace(req.FileName),
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	h.signUpload(ctx, w, objectPath, req.ContentType, 0)
}

func (h *ArtworkHandlers) issueDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req artworkDownloadRequest
	if !decodeJSONBody(ctx, w, r, maxArtworkRequestBody, &req) {
		return
	}

	objectPath := strings.TrimSpace(req.ObjectPath)
	ownerID, err := h.resolveObjectOwner(ctx, objectPath)
	if err != nil {
		writeArtworkError(ctx, w, err)
		return
	}

	result, err := h.storage.SignedURL(ctx, h.bucket, objectPath, storage.SignedURLOptions{
		Download: &storage.DownloadOptions{
			ExpiresIn:   artworkDownloadExpiry,
			Disposition: strings.TrimSpace(req.Disposition),
			OwnerID:     ownerID,
			Identity:    identity,
		},
	})
	if err != nil {
		writeArtworkError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildSignedURLResponse(objectPath, result))
}

// resolveObjectOwner derives the owning user for an object path so download
// authorisation can run. Artwork objects carry the owner in the path; proof
// and invoice objects resolve through the order.
func (h *ArtworkHandlers) resolveObjectOwner(ctx context.Context, objectPath string) (string, error) {
	segments := strings.Split(objectPath, "/")
	switch {
	case len(segments) >= 4 && segments[0] == "assets" && segments[1] == "users":
		return segments[2], nil
	case len(segments) >= 4 && segments[0] == "assets" && segments[1] == "orders":
		if h.orders == nil {
			return "", storage.ErrPermissionDenied
		}
		order, err := h.orders.GetOrder(ctx, segments[2], services.OrderReadOptions{})
		if err != nil {
			return "", err
		}
		return order.UserID, nil
	default:
		return "", errors.New("object_path is not a recognised asset path")
	}
}

func (h *ArtworkHandlers) signUpload(ctx context.Context, w http.ResponseWriter, objectPath, contentType string, sizeBytes int64) {
	maxSize := int64(maxArtworkUploadBytes)
	if sizeBytes > 0 && sizeBytes < maxSize {
		maxSize = sizeBytes
	}

	result, err := h.storage.SignedURL(ctx, h.bucket, objectPath, storage.SignedURLOptions{
		Upload: &storage.UploadOptions{
			ContentType:         strings.TrimSpace(contentType),
			AllowedContentTypes: allowedArtworkContentTypes,
			MaxSize:             maxSize,
			ExpiresIn:           artworkUploadExpiry,
		},
	})
	if err != nil {
		writeArtworkError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildSignedURLResponse(objectPath, result))
}

func buildSignedURLResponse(objectPath string, result storage.SignedURLResult) signedURLResponse {
	payload := signedURLResponse{
		ObjectPath: objectPath,
		URL:        result.URL,
		Method:     result.Method,
		Headers:    result.Headers,
	}
	if !result.ExpiresAt.IsZero() {
		payload.ExpiresAt = result.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func (h *ArtworkHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.storage == nil || h.bucket == "" {
		httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "artwork storage unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeArtworkError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrPermissionDenied):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to access this object", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}
