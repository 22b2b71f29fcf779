package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"slidewell/api/internal/store"
)

func newTestHTTP(t *testing.T) (*HTTPServer, *store.MemoryStore) {
	t.Helper()
	svc, s, _ := newTestService(t)
	return NewHTTPServer(svc), s
}

func doRequest(t *testing.T, h *HTTPServer, method, path string, body any, userID, role string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestHTTP(t)
	rec := doRequest(t, h, http.MethodGet, "/api/health", nil, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/api/ready", nil, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d, want 200", rec.Code)
	}
}

func TestMissingPrincipalIsUnauthorized(t *testing.T) {
	h, _ := newTestHTTP(t)
	rec := doRequest(t, h, http.MethodPost, "/api/undo", nil, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAnnotationLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestHTTP(t)

	rec := doRequest(t, h, http.MethodPost, "/api/images/img_1/annotations", map[string]any{
		"location": "POLYGON ((10 10, 10 50, 50 50, 50 10, 10 10))",
		"termIds":  []string{"term_tumor"},
	}, "user_a", "annotator")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created store.Annotation
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/annotations/"+created.ID, nil, "user_a", "annotator")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/images/img_1/included", map[string]any{
		"region": "POLYGON ((0 0, 0 100, 100 100, 100 0, 0 0))",
	}, "user_a", "viewer")
	if rec.Code != http.StatusOK {
		t.Fatalf("included status = %d, body %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Size int `json:"size"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Size != 1 {
		t.Fatalf("size = %d, want 1", page.Size)
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/annotations/"+created.ID, nil, "user_a", "annotator")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/undo", nil, "user_a", "annotator")
	if rec.Code != http.StatusOK {
		t.Fatalf("undo status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestGeometryErrorsMapToCodes(t *testing.T) {
	h, _ := newTestHTTP(t)

	rec := doRequest(t, h, http.MethodPost, "/api/images/img_1/annotations", map[string]any{
		"location": "POLYGON ((broken",
	}, "user_a", "annotator")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "SyntaxError" {
		t.Fatalf("code = %s, want SyntaxError", body.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/images/img_1/annotations", map[string]any{
		"location": "POLYGON ((5000 5000, 5000 6000, 6000 6000, 6000 5000, 5000 5000))",
	}, "user_a", "annotator")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-bounds status = %d, want 400", rec.Code)
	}
}

func TestReviewFlowOverHTTP(t *testing.T) {
	h, _ := newTestHTTP(t)

	rec := doRequest(t, h, http.MethodPost, "/api/images/img_1/annotations", map[string]any{
		"location": "POINT (10 10)",
	}, "user_a", "annotator")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var ann store.Annotation
	if err := json.Unmarshal(rec.Body.Bytes(), &ann); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Review before the lock is a state error.
	rec = doRequest(t, h, http.MethodPost, "/api/annotations/"+ann.ID+"/review", map[string]any{}, "user_r", "reviewer")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("review without lock status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/api/images/img_1/review", nil, "user_r", "reviewer")
	if rec.Code != http.StatusOK {
		t.Fatalf("start review status = %d, body %s", rec.Code, rec.Body.String())
	}

	// A second reviewer hits the lock conflict.
	rec = doRequest(t, h, http.MethodPost, "/api/images/img_1/review", nil, "user_other", "reviewer")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second reviewer status = %d, want 409", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/annotations/"+ann.ID+"/review", map[string]any{}, "user_r", "reviewer")
	if rec.Code != http.StatusCreated {
		t.Fatalf("review status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/images/img_1/review", nil, "user_r", "reviewer")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop review status = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/projects/proj_1", nil, "user_a", "viewer")
	if rec.Code != http.StatusOK {
		t.Fatalf("project status = %d", rec.Code)
	}
	var project store.Project
	if err := json.Unmarshal(rec.Body.Bytes(), &project); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if project.CountReviewedAnnotations != 1 {
		t.Fatalf("project counter = %d, want 1", project.CountReviewedAnnotations)
	}
}
