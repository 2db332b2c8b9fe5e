package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerify(t *testing.T) {
	a := New("secret-key")
	if !a.Verify("secret-key") {
		t.Error("correct key rejected")
	}
	if a.Verify("secret-keY") {
		t.Error("wrong key accepted")
	}
	if a.Verify("") {
		t.Error("empty key accepted")
	}
	if a.Verify("secret-key-and-more") {
		t.Error("prefix match accepted")
	}
}

func TestMiddleware(t *testing.T) {
	a := New("secret-key")
	var reached bool
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/__tunnel__/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || reached {
		t.Fatalf("missing key: code=%d reached=%v", rec.Code, reached)
	}

	req = httptest.NewRequest(http.MethodGet, "/__tunnel__/status", nil)
	req.Header.Set(HeaderName, "secret-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !reached {
		t.Fatalf("valid key: code=%d reached=%v", rec.Code, reached)
	}
}
