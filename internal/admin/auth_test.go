package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	am := newAuthMiddleware("secret")
	handler := am.Check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	am := newAuthMiddleware("secret")
	handler := am.Check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsWrongToken(t *testing.T) {
	am := newAuthMiddleware("secret")
	handler := am.Check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAllowsUnauthenticatedWhenNoTokenConfigured(t *testing.T) {
	am := newAuthMiddleware("")
	handler := am.Check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with no token configured, got %d", rec.Code)
	}
}

func TestClipTokenRoundTrip(t *testing.T) {
	am := newAuthMiddleware("secret")
	token, err := am.generateClipToken("2026-01-01/arrival.mp4", time.Minute)
	if err != nil {
		t.Fatalf("generateClipToken: %v", err)
	}
	subject, err := am.verifyClipToken(token)
	if err != nil {
		t.Fatalf("verifyClipToken: %v", err)
	}
	if subject != "2026-01-01/arrival.mp4" {
		t.Fatalf("subject = %q, want clip path", subject)
	}
}

func TestClipTokenRejectsWrongSigningSecret(t *testing.T) {
	signer := newAuthMiddleware("secret-a")
	token, err := signer.generateClipToken("clip.mp4", time.Minute)
	if err != nil {
		t.Fatalf("generateClipToken: %v", err)
	}
	verifier := newAuthMiddleware("secret-b")
	if _, err := verifier.verifyClipToken(token); err == nil {
		t.Fatal("expected verification to fail with a different signing secret")
	}
}
