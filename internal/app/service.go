// Package app is the engine facade consumed by the transport layer. It
// authorizes each intent, routes geometry through the normalizer and
// all mutations through the command log.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"slidewell/api/internal/authz"
	"slidewell/api/internal/command"
	"slidewell/api/internal/config"
	"slidewell/api/internal/geometry"
	"slidewell/api/internal/review"
	"slidewell/api/internal/spatial"
	"slidewell/api/internal/store"
	"slidewell/api/internal/util"
)

// dataStore is everything the engine needs from persistence. Both
// store.PostgresStore and store.MemoryStore satisfy it.
type dataStore interface {
	command.EntityStore
	Ping(ctx context.Context) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetImage(ctx context.Context, imageID string) (store.Image, error)
	GetAnnotation(ctx context.Context, annotationID string) (store.Annotation, error)
	TermExists(ctx context.Context, projectID, termID string) (bool, error)
	GetReviewedAnnotation(ctx context.Context, reviewedID string) (store.ReviewedAnnotation, error)
	FindReviewedByParent(ctx context.Context, parentIdent string) (store.ReviewedAnnotation, error)
	ListAnnotationsByImage(ctx context.Context, imageID string, authorIDs []string) ([]store.Annotation, error)
	ListReviewedByImage(ctx context.Context, imageID string) ([]store.ReviewedAnnotation, error)
}

type Service struct {
	store     dataStore
	log       *command.Log
	query     *spatial.Query
	workflow  *review.Workflow
	geo       *geometry.Normalizer
	authorize authz.Authorizer
	maxPoints int
}

func NewService(cfg config.Config, s dataStore, history command.HistoryStore, authorizer authz.Authorizer) *Service {
	geo := geometry.NewNormalizer(cfg.MinAnnotationArea)
	log := command.NewLog(s, history)
	return &Service{
		store:     s,
		log:       log,
		query:     spatial.NewQuery(s),
		workflow:  review.NewWorkflow(s, log, geo),
		geo:       geo,
		authorize: authorizer,
		maxPoints: cfg.MaxAnnotationPoints,
	}
}

type AddAnnotationInput struct {
	ImageID  string   `json:"imageId"`
	SliceID  string   `json:"sliceId"`
	Location string   `json:"location"`
	TermIDs  []string `json:"termIds"`
}

type UpdateAnnotationInput struct {
	Location string   `json:"location"`
	TermIDs  []string `json:"termIds"`
}

// Normalize exposes the geometry pipeline for callers that want to
// preview a shape against an image without persisting anything.
func (s *Service) Normalize(ctx context.Context, sub authz.Subject, imageID, locationWKT string) (string, error) {
	image, err := s.store.GetImage(ctx, imageID)
	if err != nil {
		return "", err
	}
	if err := s.authorize.Authorize(sub, authz.ActionRead, imageResource(image)); err != nil {
		return "", err
	}
	return s.geo.Normalize(locationWKT, image.Width, image.Height, s.maxPoints)
}

// AddAnnotation normalizes the geometry, checks the terms against the
// project ontology and records the creation as a command.
func (s *Service) AddAnnotation(ctx context.Context, sub authz.Subject, in AddAnnotationInput) (store.Annotation, error) {
	image, err := s.store.GetImage(ctx, in.ImageID)
	if err != nil {
		return store.Annotation{}, err
	}
	if err := s.authorize.Authorize(sub, authz.ActionAnnotate, imageResource(image)); err != nil {
		return store.Annotation{}, err
	}
	if err := s.checkTerms(ctx, image.ProjectID, in.TermIDs); err != nil {
		return store.Annotation{}, err
	}

	location, err := s.geo.Normalize(in.Location, image.Width, image.Height, s.maxPoints)
	if err != nil {
		return store.Annotation{}, err
	}

	now := time.Now().UTC()
	ann := store.Annotation{
		ID:         util.NewID("ann"),
		ProjectID:  image.ProjectID,
		ImageID:    image.ID,
		SliceID:    in.SliceID,
		Location:   location,
		TermIDs:    in.TermIDs,
		AuthorID:   sub.ID,
		AuthorKind: store.AuthorUser,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	after, err := json.Marshal(ann)
	if err != nil {
		return store.Annotation{}, fmt.Errorf("encode annotation: %w", err)
	}
	_, err = s.log.Execute(ctx, command.Command{
		Kind:       command.KindCreate,
		TargetType: store.TargetAnnotation,
		TargetID:   ann.ID,
		After:      after,
		Principal:  sub.ID,
		Message:    fmt.Sprintf("annotation %s added", ann.ID),
	})
	if err != nil {
		return store.Annotation{}, err
	}
	return ann, nil
}

// UpdateAnnotation replaces the geometry and terms of an annotation,
// renormalizing against the image bounds.
func (s *Service) UpdateAnnotation(ctx context.Context, sub authz.Subject, annotationID string, in UpdateAnnotationInput) (store.Annotation, error) {
	ann, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return store.Annotation{}, err
	}
	image, err := s.store.GetImage(ctx, ann.ImageID)
	if err != nil {
		return store.Annotation{}, err
	}
	if err := s.authorize.Authorize(sub, authz.ActionAnnotate, imageResource(image)); err != nil {
		return store.Annotation{}, err
	}
	if err := s.checkTerms(ctx, ann.ProjectID, in.TermIDs); err != nil {
		return store.Annotation{}, err
	}

	location, err := s.geo.Normalize(in.Location, image.Width, image.Height, s.maxPoints)
	if err != nil {
		return store.Annotation{}, err
	}

	updated := ann
	updated.Location = location
	updated.TermIDs = in.TermIDs
	updated.UpdatedAt = time.Now().UTC()

	before, err := json.Marshal(ann)
	if err != nil {
		return store.Annotation{}, fmt.Errorf("encode annotation: %w", err)
	}
	after, err := json.Marshal(updated)
	if err != nil {
		return store.Annotation{}, fmt.Errorf("encode annotation: %w", err)
	}
	_, err = s.log.Execute(ctx, command.Command{
		Kind:       command.KindUpdate,
		TargetType: store.TargetAnnotation,
		TargetID:   ann.ID,
		Before:     before,
		After:      after,
		Principal:  sub.ID,
		Message:    fmt.Sprintf("annotation %s edited", ann.ID),
	})
	if err != nil {
		return store.Annotation{}, err
	}
	return updated, nil
}

func (s *Service) DeleteAnnotation(ctx context.Context, sub authz.Subject, annotationID string) error {
	ann, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return err
	}
	if err := s.authorize.Authorize(sub, authz.ActionAnnotate, annotationResource(ann)); err != nil {
		return err
	}

	before, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("encode annotation: %w", err)
	}
	_, err = s.log.Execute(ctx, command.Command{
		Kind:       command.KindDelete,
		TargetType: store.TargetAnnotation,
		TargetID:   ann.ID,
		Before:     before,
		Principal:  sub.ID,
		Message:    fmt.Sprintf("annotation %s deleted", ann.ID),
	})
	return err
}

func (s *Service) GetAnnotation(ctx context.Context, sub authz.Subject, annotationID string) (store.Annotation, error) {
	ann, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return store.Annotation{}, err
	}
	if err := s.authorize.Authorize(sub, authz.ActionRead, annotationResource(ann)); err != nil {
		return store.Annotation{}, err
	}
	return ann, nil
}

// ListIncluded runs the spatial inclusion query over an image.
func (s *Service) ListIncluded(ctx context.Context, sub authz.Subject, f spatial.Filter) (spatial.Page, error) {
	image, err := s.store.GetImage(ctx, f.ImageID)
	if err != nil {
		return spatial.Page{}, err
	}
	if err := s.authorize.Authorize(sub, authz.ActionRead, imageResource(image)); err != nil {
		return spatial.Page{}, err
	}
	return s.query.ListIncluded(ctx, f)
}

// GetProject exposes the project record with its reviewed-annotation
// counter for dashboard reads.
func (s *Service) GetProject(ctx context.Context, sub authz.Subject, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if err := s.authorize.Authorize(sub, authz.ActionRead, authz.Resource{Kind: "project", ID: project.ID, ProjectID: project.ID}); err != nil {
		return store.Project{}, err
	}
	return project, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Undo(ctx context.Context, sub authz.Subject) (command.Result, error) {
	return s.log.Undo(ctx, sub.ID)
}

func (s *Service) Redo(ctx context.Context, sub authz.Subject) (command.Result, error) {
	return s.log.Redo(ctx, sub.ID)
}

func (s *Service) StartReview(ctx context.Context, sub authz.Subject, imageID string) (store.Image, error) {
	if err := s.authorizeReview(ctx, sub, imageID); err != nil {
		return store.Image{}, err
	}
	return s.workflow.StartReview(ctx, imageID, sub.ID)
}

func (s *Service) StopReview(ctx context.Context, sub authz.Subject, imageID string, cancel bool) (store.Image, error) {
	if err := s.authorizeReview(ctx, sub, imageID); err != nil {
		return store.Image{}, err
	}
	return s.workflow.StopReview(ctx, imageID, sub.ID, cancel)
}

func (s *Service) ReviewAnnotation(ctx context.Context, sub authz.Subject, annotationID string, termIDs []string) (store.ReviewedAnnotation, error) {
	ann, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return store.ReviewedAnnotation{}, err
	}
	if err := s.authorize.Authorize(sub, authz.ActionReview, annotationResource(ann)); err != nil {
		return store.ReviewedAnnotation{}, err
	}
	return s.workflow.ReviewAnnotation(ctx, annotationID, termIDs, sub.ID)
}

func (s *Service) UnReviewAnnotation(ctx context.Context, sub authz.Subject, annotationID string) error {
	rev, err := s.store.FindReviewedByParent(ctx, annotationID)
	if err == nil {
		if err := s.authorize.Authorize(sub, authz.ActionReview, reviewedResource(rev)); err != nil {
			return err
		}
	}
	return s.workflow.UnReviewAnnotation(ctx, annotationID, sub.ID)
}

func (s *Service) ReviewLayer(ctx context.Context, sub authz.Subject, imageID string, authorIDs, termIDs []string) ([]string, error) {
	if err := s.authorizeReview(ctx, sub, imageID); err != nil {
		return nil, err
	}
	return s.workflow.ReviewLayer(ctx, imageID, authorIDs, termIDs, sub.ID)
}

func (s *Service) UnreviewLayer(ctx context.Context, sub authz.Subject, imageID string, authorIDs []string) (int, error) {
	if err := s.authorizeReview(ctx, sub, imageID); err != nil {
		return 0, err
	}
	return s.workflow.UnreviewLayer(ctx, imageID, authorIDs, sub.ID)
}

func (s *Service) CorrectReviewedAnnotations(ctx context.Context, sub authz.Subject, reviewedIDs []string, regionWKT string, remove bool) error {
	if len(reviewedIDs) == 0 {
		return nil
	}
	rev, err := s.store.GetReviewedAnnotation(ctx, reviewedIDs[0])
	if err != nil {
		return err
	}
	if err := s.authorize.Authorize(sub, authz.ActionReview, reviewedResource(rev)); err != nil {
		return err
	}
	return s.workflow.CorrectReviewedAnnotations(ctx, reviewedIDs, regionWKT, remove, sub.ID)
}

func (s *Service) authorizeReview(ctx context.Context, sub authz.Subject, imageID string) error {
	image, err := s.store.GetImage(ctx, imageID)
	if err != nil {
		return err
	}
	return s.authorize.Authorize(sub, authz.ActionReview, imageResource(image))
}

func (s *Service) checkTerms(ctx context.Context, projectID string, termIDs []string) error {
	for _, termID := range termIDs {
		ok, err := s.store.TermExists(ctx, projectID, termID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("term %s: %w", termID, store.ErrNotFound)
		}
	}
	return nil
}

func imageResource(image store.Image) authz.Resource {
	return authz.Resource{Kind: store.TargetImage, ID: image.ID, ProjectID: image.ProjectID}
}

func annotationResource(ann store.Annotation) authz.Resource {
	return authz.Resource{Kind: store.TargetAnnotation, ID: ann.ID, ProjectID: ann.ProjectID}
}

func reviewedResource(rev store.ReviewedAnnotation) authz.Resource {
	return authz.Resource{Kind: store.TargetReviewedAnnotation, ID: rev.ID, ProjectID: rev.ProjectID}
}
