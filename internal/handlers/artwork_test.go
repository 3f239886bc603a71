package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/storage"
	"github.com/stitchfield/api/internal/services"
)

type fakeSigner struct{}

func (fakeSigner) Email() string { return "signer@test.iam.gserviceaccount.com" }

func (fakeSigner) SignBytes(context.Context, []byte) ([]byte, error) {
	return []byte("signed"), nil
}

func newArtworkRouter(t *testing.T, orders services.OrderService) chi.Router {
	t.Helper()
	client, err := storage.NewClient(fakeSigner{}, storage.WithClock(func() time.Time {
		return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("storage.NewClient: %v", err)
	}
	handlers := NewArtworkHandlers(nil, client, orders, "stitchfield-assets", WithUploadIDGenerator(func() string {
		return "upload1"
	}))
	r := chi.NewRouter()
	r.Route("/artwork", handlers.Routes)
	return r
}

func TestIssueArtworkUpload(t *testing.T) {
	router := newArtworkRouter(t, nil)

	body := artworkUploadRequest{FileName: "logo.png", ContentType: "image/png", SizeBytes: 1024}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/artwork/uploads", body, customerIdentity()))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp signedURLResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ObjectPath != "assets/users/user_1/artwork/upload1/logo.png" {
		t.Fatalf("unexpected object path %q", resp.ObjectPath)
	}
	if resp.Method != "PUT" || resp.URL == "" {
		t.Fatalf("unexpected signed url response %+v", resp)
	}
	if resp.Headers["Content-Type"] != "image/png" {
		t.Fatalf("expected content type header, got %+v", resp.Headers)
	}
}

func TestIssueArtworkUploadRejectsContentType(t *testing.T) {
	router := newArtworkRouter(t, nil)

	body := artworkUploadRequest{FileName: "logo.exe", ContentType: "application/octet-stream"}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/artwork/uploads", body, customerIdentity()))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestIssueProofUploadRequiresStaff(t *testing.T) {
	router := newArtworkRouter(t, nil)

	body := proofUploadRequest{OrderID: "ord_1", LineItemID: "itm_a", FileName: "proof.png", ContentType: "image/png"}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/artwork/proof-uploads", body, customerIdentity()))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customers, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/artwork/proof-uploads", body, staffIdentity()))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for staff, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp signedURLResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ObjectPath != "assets/orders/ord_1/proofs/itm_a/proof.png" {
		t.Fatalf("unexpected object path %q", resp.ObjectPath)
	}
}

func TestIssueDownloadAuthorisesOrderOwner(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(_ context.Context, orderID string, _ services.OrderReadOptions) (services.Order, error) {
			if orderID != "ord_1" {
				t.Fatalf("unexpected order id %q", orderID)
			}
			return sampleOrder(), nil
		},
	}
	router := newArtworkRouter(t, svc)

	body := artworkDownloadRequest{ObjectPath: "assets/orders/ord_1/proofs/itm_a/proof.png"}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/artwork/downloads", body, customerIdentity()))
	if rr.Code != http.StatusOK {
		t.Fatalf("owner download should pass, got %d: %s", rr.Code, rr.Body.String())
	}

	other := customerIdentity()
	other.UID = "user_2"
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/artwork/downloads", body, other))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-owner download should be denied, got %d", rr.Code)
	}
}

func TestIssueDownloadRejectsUnknownPath(t *testing.T) {
	router := newArtworkRouter(t, nil)

	body := artworkDownloadRequest{ObjectPath: "secrets/plans.pdf"}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/artwork/downloads", body, customerIdentity()))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "object_path") {
		t.Fatalf("error should mention object_path, got %s", rr.Body.String())
	}
}
