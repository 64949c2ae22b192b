package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSearchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "key" {
			t.Errorf("token header = %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "北京 天气" {
			t.Errorf("q = %q", got)
		}
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"t1","description":"d1","url":"http://a"},
			{"title":"t2","description":"d2","url":"http://b"}
		]}}`))
	}))
	defer srv.Close()

	c := NewClient("key", WithEndpoint(srv.URL))
	results, err := c.Search(context.Background(), "北京 天气")
	if err != nil {
		t.Fatalf("Search returned unexpected error: %v", err)
	}
	if len(results) != 2 || results[0].Title != "t1" {
		t.Fatalf("results = %+v", results)
	}

	formatted := FormatResults(results)
	if !strings.Contains(formatted, "1. t1") || !strings.Contains(formatted, "http://b") {
		t.Errorf("formatted = %q", formatted)
	}
}

func TestSearchEmptyVsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"web":{"results":[]}}`))
	}))
	defer srv.Close()

	c := NewClient("key", WithEndpoint(srv.URL))
	results, err := c.Search(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("empty result set must not be an error: %v", err)
	}
	if FormatResults(results) != NoResults {
		t.Errorf("FormatResults = %q, want sentinel", FormatResults(results))
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer failing.Close()

	c = NewClient("key", WithEndpoint(failing.URL))
	if _, err := c.Search(context.Background(), "x"); err == nil {
		t.Error("auth failure must surface as a hard error")
	}
}

func TestSearchRequiresKey(t *testing.T) {
	c := NewClient("")
	if _, err := c.Search(context.Background(), "x"); err == nil {
		t.Error("missing API key must be an error")
	}
}
