package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a fully in-process implementation of the store surface,
// used by engine tests and as a reference for the Postgres behavior:
// same conflict rules, same cascades, same counter maintenance.
type MemoryStore struct {
	mu         sync.Mutex
	projects   map[string]Project
	images     map[string]Image
	terms      map[string]Term
	anns       map[string]Annotation
	reviewed   map[string]ReviewedAnnotation
	byParent   map[string]string // parentIdent -> reviewed annotation id
	commandLog []CommandRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]Project),
		images:   make(map[string]Image),
		terms:    make(map[string]Term),
		anns:     make(map[string]Annotation),
		reviewed: make(map[string]ReviewedAnnotation),
		byParent: make(map[string]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) InsertProject(_ context.Context, project Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return project, nil
}

func (s *MemoryStore) InsertImage(_ context.Context, image Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[image.ID] = image
	return nil
}

func (s *MemoryStore) GetImage(_ context.Context, imageID string) (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	image, ok := s.images[imageID]
	if !ok {
		return Image{}, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}
	return image, nil
}

// SetImageReview writes the review-lock fields in one step, standing in
// for the row-level locked UPDATE the Postgres store performs.
func (s *MemoryStore) SetImageReview(_ context.Context, imageID string, reviewUserID *string, start, stop *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	image, ok := s.images[imageID]
	if !ok {
		return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}
	image.ReviewUserID = reviewUserID
	image.ReviewStart = start
	image.ReviewStop = stop
	s.images[imageID] = image
	return nil
}

func (s *MemoryStore) InsertTerm(_ context.Context, term Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terms[term.ID] = term
	return nil
}

func (s *MemoryStore) TermExists(_ context.Context, projectID, termID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	term, ok := s.terms[termID]
	return ok && term.ProjectID == projectID, nil
}

func (s *MemoryStore) GetAnnotation(_ context.Context, annotationID string) (Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ann, ok := s.anns[annotationID]
	if !ok {
		return Annotation{}, fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
	}
	return copyAnnotation(ann), nil
}

func (s *MemoryStore) InsertAnnotation(_ context.Context, ann Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.anns[ann.ID]; exists {
		return fmt.Errorf("annotation %s: %w", ann.ID, ErrConflict)
	}
	s.anns[ann.ID] = copyAnnotation(ann)
	return nil
}

func (s *MemoryStore) UpdateAnnotation(_ context.Context, ann Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.anns[ann.ID]
	if !ok {
		return fmt.Errorf("annotation %s: %w", ann.ID, ErrNotFound)
	}
	current.Location = ann.Location
	current.TermIDs = append([]string(nil), ann.TermIDs...)
	current.UpdatedAt = ann.UpdatedAt
	s.anns[ann.ID] = current
	return nil
}

// DeleteAnnotation removes the annotation and its dependent records
// (term links live inline here; sharing/description dependents are
// opaque rows cascaded by the schema in Postgres).
func (s *MemoryStore) DeleteAnnotation(_ context.Context, annotationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.anns[annotationID]; !ok {
		return fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
	}
	delete(s.anns, annotationID)
	return nil
}

func (s *MemoryStore) ListAnnotationsByImage(_ context.Context, imageID string, authorIDs []string) ([]Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	authors := make(map[string]struct{}, len(authorIDs))
	for _, id := range authorIDs {
		authors[id] = struct{}{}
	}
	items := make([]Annotation, 0)
	for _, ann := range s.anns {
		if ann.ImageID != imageID {
			continue
		}
		if len(authors) > 0 {
			if _, ok := authors[ann.AuthorID]; !ok {
				continue
			}
		}
		items = append(items, copyAnnotation(ann))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) GetReviewedAnnotation(_ context.Context, reviewedID string) (ReviewedAnnotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.reviewed[reviewedID]
	if !ok {
		return ReviewedAnnotation{}, fmt.Errorf("reviewed annotation %s: %w", reviewedID, ErrNotFound)
	}
	return copyReviewed(rev), nil
}

func (s *MemoryStore) FindReviewedByParent(_ context.Context, parentIdent string) (ReviewedAnnotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reviewedID, ok := s.byParent[parentIdent]
	if !ok {
		return ReviewedAnnotation{}, fmt.Errorf("reviewed annotation for parent %s: %w", parentIdent, ErrNotFound)
	}
	return copyReviewed(s.reviewed[reviewedID]), nil
}

func (s *MemoryStore) InsertReviewedAnnotation(_ context.Context, rev ReviewedAnnotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reviewed[rev.ID]; exists {
		return fmt.Errorf("reviewed annotation %s: %w", rev.ID, ErrConflict)
	}
	if _, exists := s.byParent[rev.ParentIdent]; exists {
		return fmt.Errorf("parent %s already reviewed: %w", rev.ParentIdent, ErrConflict)
	}
	s.reviewed[rev.ID] = copyReviewed(rev)
	s.byParent[rev.ParentIdent] = rev.ID
	s.bumpCounters(rev, +1)
	return nil
}

func (s *MemoryStore) UpdateReviewedAnnotation(_ context.Context, rev ReviewedAnnotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.reviewed[rev.ID]
	if !ok {
		return fmt.Errorf("reviewed annotation %s: %w", rev.ID, ErrNotFound)
	}
	current.Location = rev.Location
	current.TermIDs = append([]string(nil), rev.TermIDs...)
	current.UpdatedAt = rev.UpdatedAt
	s.reviewed[rev.ID] = current
	return nil
}

func (s *MemoryStore) DeleteReviewedAnnotation(_ context.Context, reviewedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.reviewed[reviewedID]
	if !ok {
		return fmt.Errorf("reviewed annotation %s: %w", reviewedID, ErrNotFound)
	}
	delete(s.reviewed, reviewedID)
	delete(s.byParent, rev.ParentIdent)
	s.bumpCounters(rev, -1)
	return nil
}

func (s *MemoryStore) ListReviewedByImage(_ context.Context, imageID string) ([]ReviewedAnnotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ReviewedAnnotation, 0)
	for _, rev := range s.reviewed {
		if rev.ImageID == imageID {
			items = append(items, copyReviewed(rev))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// bumpCounters keeps the denormalized reviewed-annotation counts in sync
// on the source annotation (when it still exists), the image and the
// project. Callers hold s.mu.
func (s *MemoryStore) bumpCounters(rev ReviewedAnnotation, delta int) {
	if ann, ok := s.anns[rev.ParentIdent]; ok {
		ann.CountReviewedAnnotations = max(0, ann.CountReviewedAnnotations+delta)
		s.anns[rev.ParentIdent] = ann
	}
	if image, ok := s.images[rev.ImageID]; ok {
		image.CountReviewedAnnotations = max(0, image.CountReviewedAnnotations+delta)
		s.images[rev.ImageID] = image
	}
	if project, ok := s.projects[rev.ProjectID]; ok {
		project.CountReviewedAnnotations = max(0, project.CountReviewedAnnotations+delta)
		s.projects[rev.ProjectID] = project
	}
}

// ApplyCreate, ApplyUpdate and ApplyDelete apply a command snapshot to
// the store. Create and delete are exact inverses so the command log can
// replay either direction from the recorded state.
func (s *MemoryStore) ApplyCreate(ctx context.Context, targetType string, snapshot []byte) error {
	switch targetType {
	case TargetAnnotation:
		var ann Annotation
		if err := json.Unmarshal(snapshot, &ann); err != nil {
			return fmt.Errorf("decode annotation snapshot: %w", err)
		}
		return s.InsertAnnotation(ctx, ann)
	case TargetReviewedAnnotation:
		var rev ReviewedAnnotation
		if err := json.Unmarshal(snapshot, &rev); err != nil {
			return fmt.Errorf("decode reviewed snapshot: %w", err)
		}
		return s.InsertReviewedAnnotation(ctx, rev)
	}
	return fmt.Errorf("apply create %s: %w", targetType, ErrNotFound)
}

func (s *MemoryStore) ApplyUpdate(ctx context.Context, targetType, id string, snapshot []byte) error {
	switch targetType {
	case TargetImage:
		// Only the review-lock fields of an image are command-mutable.
		var image Image
		if err := json.Unmarshal(snapshot, &image); err != nil {
			return fmt.Errorf("decode image snapshot: %w", err)
		}
		return s.SetImageReview(ctx, id, image.ReviewUserID, image.ReviewStart, image.ReviewStop)
	case TargetAnnotation:
		var ann Annotation
		if err := json.Unmarshal(snapshot, &ann); err != nil {
			return fmt.Errorf("decode annotation snapshot: %w", err)
		}
		ann.ID = id
		return s.UpdateAnnotation(ctx, ann)
	case TargetReviewedAnnotation:
		var rev ReviewedAnnotation
		if err := json.Unmarshal(snapshot, &rev); err != nil {
			return fmt.Errorf("decode reviewed snapshot: %w", err)
		}
		rev.ID = id
		return s.UpdateReviewedAnnotation(ctx, rev)
	}
	return fmt.Errorf("apply update %s: %w", targetType, ErrNotFound)
}

func (s *MemoryStore) ApplyDelete(ctx context.Context, targetType, id string) error {
	switch targetType {
	case TargetAnnotation:
		return s.DeleteAnnotation(ctx, id)
	case TargetReviewedAnnotation:
		return s.DeleteReviewedAnnotation(ctx, id)
	}
	return fmt.Errorf("apply delete %s: %w", targetType, ErrNotFound)
}

func (s *MemoryStore) AppendCommandHistory(_ context.Context, record CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandLog = append(s.commandLog, record)
	return nil
}

// CommandHistory returns the audit trail, oldest first.
func (s *MemoryStore) CommandHistory() []CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CommandRecord(nil), s.commandLog...)
}

func copyAnnotation(ann Annotation) Annotation {
	ann.TermIDs = append([]string(nil), ann.TermIDs...)
	return ann
}

func copyReviewed(rev ReviewedAnnotation) ReviewedAnnotation {
	rev.TermIDs = append([]string(nil), rev.TermIDs...)
	return rev
}
