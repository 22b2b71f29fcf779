package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slidewell/api/internal/authz"
	"slidewell/api/internal/spatial"
)

// HTTPServer is a thin JSON transport over the engine. Authentication
// happens upstream; the gateway forwards the verified principal in the
// X-User-Id and X-User-Role headers.
type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{service: service}
}

func (s *HTTPServer) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	sub, ok := subjectFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing principal headers", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NotFoundError", "no such route", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "undo":
		res, err := s.service.Undo(r.Context(), sub)
		s.respond(w, res, err)
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "redo":
		res, err := s.service.Redo(r.Context(), sub)
		s.respond(w, res, err)

	case len(parts) == 3 && parts[1] == "projects" && r.Method == http.MethodGet:
		s.handleGetProject(w, r, sub, parts[2])

	case len(parts) == 4 && parts[1] == "images" && parts[3] == "annotations" && r.Method == http.MethodPost:
		s.handleAddAnnotation(w, r, sub, parts[2])
	case len(parts) == 4 && parts[1] == "images" && parts[3] == "included" && r.Method == http.MethodPost:
		s.handleListIncluded(w, r, sub, parts[2])
	case len(parts) == 4 && parts[1] == "images" && parts[3] == "normalize" && r.Method == http.MethodPost:
		s.handleNormalize(w, r, sub, parts[2])

	case len(parts) == 4 && parts[1] == "images" && parts[3] == "review" && r.Method == http.MethodPost:
		image, err := s.service.StartReview(r.Context(), sub, parts[2])
		s.respond(w, image, err)
	case len(parts) == 4 && parts[1] == "images" && parts[3] == "review" && r.Method == http.MethodDelete:
		cancel := r.URL.Query().Get("cancel") == "true"
		image, err := s.service.StopReview(r.Context(), sub, parts[2], cancel)
		s.respond(w, image, err)
	case len(parts) == 5 && parts[1] == "images" && parts[3] == "review" && parts[4] == "layer" && r.Method == http.MethodPost:
		s.handleReviewLayer(w, r, sub, parts[2])
	case len(parts) == 5 && parts[1] == "images" && parts[3] == "review" && parts[4] == "layer" && r.Method == http.MethodDelete:
		s.handleUnreviewLayer(w, r, sub, parts[2])

	case len(parts) == 3 && parts[1] == "annotations" && r.Method == http.MethodGet:
		ann, err := s.service.GetAnnotation(r.Context(), sub, parts[2])
		s.respond(w, ann, err)
	case len(parts) == 3 && parts[1] == "annotations" && r.Method == http.MethodPut:
		s.handleUpdateAnnotation(w, r, sub, parts[2])
	case len(parts) == 3 && parts[1] == "annotations" && r.Method == http.MethodDelete:
		if err := s.service.DeleteAnnotation(r.Context(), sub, parts[2]); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) == 4 && parts[1] == "annotations" && parts[3] == "review" && r.Method == http.MethodPost:
		s.handleReviewAnnotation(w, r, sub, parts[2])
	case len(parts) == 4 && parts[1] == "annotations" && parts[3] == "review" && r.Method == http.MethodDelete:
		if err := s.service.UnReviewAnnotation(r.Context(), sub, parts[2]); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 3 && parts[1] == "reviewedannotations" && parts[2] == "correct" && r.Method == http.MethodPost:
		s.handleCorrect(w, r, sub)

	default:
		writeError(w, http.StatusNotFound, "NotFoundError", "no such route", nil)
	}
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request, sub authz.Subject, projectID string) {
	project, err := s.service.GetProject(r.Context(), sub, projectID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *HTTPServer) handleAddAnnotation(w http.ResponseWriter, r *http.Request, sub authz.Subject, imageID string) {
	var in AddAnnotationInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error(), nil)
		return
	}
	in.ImageID = imageID
	ann, err := s.service.AddAnnotation(r.Context(), sub, in)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ann)
}

func (s *HTTPServer) handleUpdateAnnotation(w http.ResponseWriter, r *http.Request, sub authz.Subject, annotationID string) {
	var in UpdateAnnotationInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error(), nil)
		return
	}
	ann, err := s.service.UpdateAnnotation(r.Context(), sub, annotationID, in)
	s.respond(w, ann, err)
}

func (s *HTTPServer) handleNormalize(w http.ResponseWriter, r *http.Request, sub authz.Subject, imageID string) {
	var in struct {
		Location string `json:"location"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error(), nil)
		return
	}
	location, err := s.service.Normalize(r.Context(), sub, imageID, in.Location)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"location": location})
}

func (s *HTTPServer) handleListIncluded(w http.ResponseWriter, r *http.Request, sub authz.Subject, imageID string) {
	var in struct {
		Region               string   `json:"region"`
		AuthorIDs            []string `json:"authorIds"`
		TermIDs              []string `json:"termIds"`
		ExcludedAnnotationID string   `json:"excludedAnnotationId"`
		Reviewed             bool     `json:"reviewed"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error(), nil)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "offset must be an integer", nil)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "limit must be an integer", nil)
		return
	}
	page, err := s.service.ListIncluded(r.Context(), sub, spatial.Filter{
		ImageID:              imageID,
		RegionWKT:            in.Region,
		AuthorIDs:            in.AuthorIDs,
		TermIDs:              in.TermIDs,
		ExcludedAnnotationID: in.ExcludedAnnotationID,
		Reviewed:             in.Reviewed,
		Offset:               offset,
		Limit:                limit,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleReviewAnnotation(w http.ResponseWriter, r *http.Request, sub authz.Subject, annotationID string) {
	var in struct {
		TermIDs []string `json:"termIds"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error(), nil)
		return
	}
	rev, err := s.service.ReviewAnnotation(r.Context(), sub, annotationID, in.TermIDs)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (s *HTTPServer) handleReviewLayer(w http.ResponseWriter, r *http.Request, sub authz.Subject, imageID string) {
	var in struct {
		AuthorIDs []string `json:"authorIds"`
		TermIDs   []string `json:"termIds"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error(), nil)
		return
	}
	created, err := s.service.ReviewLayer(r.Context(), sub, imageID, in.AuthorIDs, in.TermIDs)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": created})
}

func (s *HTTPServer) handleUnreviewLayer(w http.ResponseWriter, r *http.Request, sub authz.Subject, imageID string) {
	var in struct {
		AuthorIDs []string `json:"authorIds"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error(), nil)
		return
	}
	removed, err := s.service.UnreviewLayer(r.Context(), sub, imageID, in.AuthorIDs)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *HTTPServer) handleCorrect(w http.ResponseWriter, r *http.Request, sub authz.Subject) {
	var in struct {
		IDs    []string `json:"ids"`
		Region string   `json:"region"`
		Remove bool     `json:"remove"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error(), nil)
		return
	}
	if err := s.service.CorrectReviewedAnnotations(r.Context(), sub, in.IDs, in.Region, in.Remove); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// respond writes payload as 200 JSON or classifies err.
func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error) {
	domain := ToDomainError(err)
	writeError(w, domain.Status, domain.Code, domain.Message, domain.Details)
}

func subjectFrom(r *http.Request) (authz.Subject, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		return authz.Subject{}, false
	}
	role := authz.Normalize(strings.TrimSpace(r.Header.Get("X-User-Role")))
	return authz.Subject{ID: userID, Role: role}, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
