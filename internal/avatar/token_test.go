package avatar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		_, _ = w.Write([]byte("  tok-abc123\n"))
	}))
	defer srv.Close()

	token, err := NewTokenClient(srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if token != "tok-abc123" {
		t.Fatalf("token = %q", token)
	}
}

func TestTokenFetchErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()
		if _, err := NewTokenClient(srv.URL).Fetch(context.Background()); err == nil {
			t.Fatal("expected error on 403")
		}
	})
	t.Run("empty body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()
		if _, err := NewTokenClient(srv.URL).Fetch(context.Background()); err == nil {
			t.Fatal("expected error on empty token")
		}
	})
	t.Run("unconfigured", func(t *testing.T) {
		if _, err := NewTokenClient("").Fetch(context.Background()); err == nil {
			t.Fatal("expected error without url")
		}
	})
}
