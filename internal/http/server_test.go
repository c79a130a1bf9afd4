package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type fakeDB struct{}

func (fakeDB) GetProperty(name string) (string, bool) {
	if name == "shaledb.num-files-at-level0" {
		return "3", true
	}
	return "", false
}

func newTestRouter() http.Handler {
	s := NewServer(fakeDB{}, nil, slog.Default(), 0)

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/property/{name}", s.handleProperty)
	return r
}

func TestHealth(t *testing.T) {
	r := newTestRouter()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPropertyFound(t *testing.T) {
	r := newTestRouter()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/property/num-files-at-level0", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["value"] != "3" {
		t.Fatalf("value = %q", body["value"])
	}
}

func TestPropertyUnknown(t *testing.T) {
	r := newTestRouter()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/property/bogus", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
