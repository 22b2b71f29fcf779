// Package review drives the per-image review lifecycle: the reviewer
// lock, promotion of annotations to reviewed annotations, and geometric
// correction of reviewed geometry. Every mutation goes through the
// command log so it is auditable and undoable.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twpayne/go-geos"

	"slidewell/api/internal/command"
	"slidewell/api/internal/geometry"
	"slidewell/api/internal/store"
	"slidewell/api/internal/util"
)

var (
	ErrNotUnderReview     = errors.New("image is not under review")
	ErrAlreadyUnderReview = errors.New("image is already under review by another user")
	ErrAlreadyReviewed    = errors.New("annotation is already reviewed")
	ErrNotReviewed        = errors.New("annotation is not reviewed")
	ErrNotReviewer        = errors.New("caller does not hold the review lock")
	ErrUnknownTerm        = errors.New("term does not belong to the project ontology")
)

// workflowStore is the slice of the store the workflow reads. All
// writes go through the command log instead.
type workflowStore interface {
	GetImage(ctx context.Context, imageID string) (store.Image, error)
	GetAnnotation(ctx context.Context, annotationID string) (store.Annotation, error)
	TermExists(ctx context.Context, projectID, termID string) (bool, error)
	GetReviewedAnnotation(ctx context.Context, reviewedID string) (store.ReviewedAnnotation, error)
	FindReviewedByParent(ctx context.Context, parentIdent string) (store.ReviewedAnnotation, error)
	ListAnnotationsByImage(ctx context.Context, imageID string, authorIDs []string) ([]store.Annotation, error)
	ListReviewedByImage(ctx context.Context, imageID string) ([]store.ReviewedAnnotation, error)
}

type Workflow struct {
	store workflowStore
	log   *command.Log
	geo   *geometry.Normalizer
}

func NewWorkflow(s workflowStore, log *command.Log, geo *geometry.Normalizer) *Workflow {
	return &Workflow{store: s, log: log, geo: geo}
}

// StartReview places the review lock on an image. Starting an image the
// principal already holds is idempotent. A finished review may be
// reopened, which clears the stop timestamp.
func (w *Workflow) StartReview(ctx context.Context, imageID, principal string) (store.Image, error) {
	image, err := w.store.GetImage(ctx, imageID)
	if err != nil {
		return store.Image{}, err
	}
	if image.ReviewUserID != nil && image.ReviewStop == nil {
		if *image.ReviewUserID == principal {
			return image, nil
		}
		return store.Image{}, fmt.Errorf("image %s held by %s: %w", imageID, *image.ReviewUserID, ErrAlreadyUnderReview)
	}

	now := time.Now().UTC()
	updated := image
	updated.ReviewUserID = &principal
	updated.ReviewStart = &now
	updated.ReviewStop = nil

	if err := w.executeImageUpdate(ctx, image, updated, principal,
		fmt.Sprintf("review of image %s started", imageID)); err != nil {
		return store.Image{}, err
	}
	return updated, nil
}

// StopReview releases the review lock. With cancel the image returns to
// its unreviewed state; otherwise the review is marked finished.
func (w *Workflow) StopReview(ctx context.Context, imageID, principal string, cancel bool) (store.Image, error) {
	image, err := w.store.GetImage(ctx, imageID)
	if err != nil {
		return store.Image{}, err
	}
	if err := reviewGuard(image, principal); err != nil {
		return store.Image{}, err
	}

	updated := image
	if cancel {
		updated.ReviewUserID = nil
		updated.ReviewStart = nil
		updated.ReviewStop = nil
	} else {
		now := time.Now().UTC()
		updated.ReviewStop = &now
	}

	if err := w.executeImageUpdate(ctx, image, updated, principal,
		fmt.Sprintf("review of image %s stopped", imageID)); err != nil {
		return store.Image{}, err
	}
	return updated, nil
}

// ReviewAnnotation promotes one annotation to a reviewed annotation.
// termIDs overrides the copied terms when non-nil; every override term
// must belong to the project ontology.
func (w *Workflow) ReviewAnnotation(ctx context.Context, annotationID string, termIDs []string, principal string) (store.ReviewedAnnotation, error) {
	ann, err := w.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return store.ReviewedAnnotation{}, err
	}
	image, err := w.store.GetImage(ctx, ann.ImageID)
	if err != nil {
		return store.ReviewedAnnotation{}, err
	}
	if err := reviewGuard(image, principal); err != nil {
		return store.ReviewedAnnotation{}, err
	}
	if _, err := w.store.FindReviewedByParent(ctx, annotationID); err == nil {
		return store.ReviewedAnnotation{}, fmt.Errorf("annotation %s: %w", annotationID, ErrAlreadyReviewed)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.ReviewedAnnotation{}, err
	}
	return w.promote(ctx, ann, termIDs, principal)
}

// UnReviewAnnotation deletes the reviewed copy of an annotation. It
// works even when the source annotation has since been deleted, because
// the reviewed record is independent once created.
func (w *Workflow) UnReviewAnnotation(ctx context.Context, annotationID, principal string) error {
	rev, err := w.store.FindReviewedByParent(ctx, annotationID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("annotation %s: %w", annotationID, ErrNotReviewed)
	}
	if err != nil {
		return err
	}
	image, err := w.store.GetImage(ctx, rev.ImageID)
	if err != nil {
		return err
	}
	if err := reviewGuard(image, principal); err != nil {
		return err
	}
	return w.executeDelete(ctx, rev, principal,
		fmt.Sprintf("reviewed annotation %s removed", rev.ID))
}

// ReviewLayer promotes every not-yet-reviewed annotation authored by
// any of authorIDs on the image. The guard is checked once up front so
// a caller without the lock creates nothing.
func (w *Workflow) ReviewLayer(ctx context.Context, imageID string, authorIDs, termIDs []string, principal string) ([]string, error) {
	image, err := w.store.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if err := reviewGuard(image, principal); err != nil {
		return nil, err
	}

	anns, err := w.store.ListAnnotationsByImage(ctx, imageID, authorIDs)
	if err != nil {
		return nil, err
	}

	var created []string
	for _, ann := range anns {
		if _, err := w.store.FindReviewedByParent(ctx, ann.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return created, err
		}
		rev, err := w.promote(ctx, ann, termIDs, principal)
		if err != nil {
			return created, err
		}
		created = append(created, rev.ID)
	}
	return created, nil
}

// UnreviewLayer deletes the reviewed annotations of the given authors
// on the image, all of them when authorIDs is empty. It returns how
// many were removed.
func (w *Workflow) UnreviewLayer(ctx context.Context, imageID string, authorIDs []string, principal string) (int, error) {
	image, err := w.store.GetImage(ctx, imageID)
	if err != nil {
		return 0, err
	}
	if err := reviewGuard(image, principal); err != nil {
		return 0, err
	}

	revs, err := w.store.ListReviewedByImage(ctx, imageID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rev := range revs {
		if len(authorIDs) > 0 && !containsString(authorIDs, rev.AuthorID) {
			continue
		}
		if err := w.executeDelete(ctx, rev, principal,
			fmt.Sprintf("reviewed annotation %s removed", rev.ID)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// CorrectReviewedAnnotations reshapes the named reviewed annotations
// with the correction region. Without remove, the whole set merges into
// the first annotation, whose geometry becomes the union of the region
// and every member; the other members are deleted. With remove, each
// annotation keeps the difference with the region, and annotations left
// empty are deleted. The batch is best effort: a failure partway leaves
// earlier members corrected.
func (w *Workflow) CorrectReviewedAnnotations(ctx context.Context, reviewedIDs []string, regionWKT string, remove bool, principal string) error {
	if len(reviewedIDs) == 0 {
		return nil
	}

	revs := make([]store.ReviewedAnnotation, 0, len(reviewedIDs))
	for _, id := range reviewedIDs {
		rev, err := w.store.GetReviewedAnnotation(ctx, id)
		if err != nil {
			return err
		}
		revs = append(revs, rev)
	}

	image, err := w.store.GetImage(ctx, revs[0].ImageID)
	if err != nil {
		return err
	}
	if err := reviewGuard(image, principal); err != nil {
		return err
	}

	region, err := w.prepareRegion(regionWKT, image)
	if err != nil {
		return err
	}
	defer region.Destroy()

	if remove {
		return w.correctRemove(ctx, revs, region, principal)
	}
	return w.correctMerge(ctx, revs, region, principal)
}

func (w *Workflow) correctMerge(ctx context.Context, revs []store.ReviewedAnnotation, region *geos.Geom, principal string) error {
	merged := region.Clone()
	for _, rev := range revs {
		geom, err := geometry.Parse(rev.Location)
		if err != nil {
			merged.Destroy()
			return fmt.Errorf("reviewed annotation %s: %w", rev.ID, err)
		}
		next := merged.Union(geom)
		geom.Destroy()
		merged.Destroy()
		if next == nil {
			return fmt.Errorf("reviewed annotation %s: union failed", rev.ID)
		}
		merged = next
	}
	defer merged.Destroy()

	base := revs[0]
	location, degenerate, err := w.finishGeometry(merged)
	if err != nil {
		return fmt.Errorf("merged geometry: %w", err)
	}
	if degenerate {
		if err := w.executeDelete(ctx, base, principal,
			fmt.Sprintf("reviewed annotation %s removed by correction", base.ID)); err != nil {
			return err
		}
	} else if err := w.executeLocationUpdate(ctx, base, location, principal); err != nil {
		return err
	}

	for _, sibling := range revs[1:] {
		if err := w.executeDelete(ctx, sibling, principal,
			fmt.Sprintf("reviewed annotation %s merged into %s", sibling.ID, base.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) correctRemove(ctx context.Context, revs []store.ReviewedAnnotation, region *geos.Geom, principal string) error {
	for _, rev := range revs {
		geom, err := geometry.Parse(rev.Location)
		if err != nil {
			return fmt.Errorf("reviewed annotation %s: %w", rev.ID, err)
		}
		diff := geom.Difference(region)
		geom.Destroy()
		if diff == nil {
			return fmt.Errorf("reviewed annotation %s: difference failed", rev.ID)
		}

		location, degenerate, err := w.finishGeometry(diff)
		diff.Destroy()
		if err != nil {
			return fmt.Errorf("reviewed annotation %s: %w", rev.ID, err)
		}
		if degenerate {
			if err := w.executeDelete(ctx, rev, principal,
				fmt.Sprintf("reviewed annotation %s removed by correction", rev.ID)); err != nil {
				return err
			}
			continue
		}
		if err := w.executeLocationUpdate(ctx, rev, location, principal); err != nil {
			return err
		}
	}
	return nil
}

// prepareRegion parses, repairs and clips the correction region.
func (w *Workflow) prepareRegion(regionWKT string, image store.Image) (*geos.Geom, error) {
	region, err := geometry.Parse(regionWKT)
	if err != nil {
		return nil, fmt.Errorf("correction region: %w", err)
	}
	region, err = w.geo.Validate(region)
	if err != nil {
		return nil, fmt.Errorf("correction region: %w", err)
	}
	clipped, err := geometry.ClipToBounds(region, image.Width, image.Height)
	if err != nil {
		region.Destroy()
		return nil, fmt.Errorf("correction region: %w", err)
	}
	if clipped != region {
		region.Destroy()
	}
	return clipped, nil
}

// finishGeometry validates a correction result. Degenerate output,
// empty or below the minimum area, signals deletion instead of storage.
func (w *Workflow) finishGeometry(geom *geos.Geom) (string, bool, error) {
	valid, err := w.geo.Validate(geom.Clone())
	if errors.Is(err, geometry.ErrEmptyGeometry) || errors.Is(err, geometry.ErrGeometryTooSmall) {
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}
	defer valid.Destroy()
	return geometry.ToCanonicalText(valid), false, nil
}

func (w *Workflow) promote(ctx context.Context, ann store.Annotation, termIDs []string, principal string) (store.ReviewedAnnotation, error) {
	terms := ann.TermIDs
	if termIDs != nil {
		for _, termID := range termIDs {
			ok, err := w.store.TermExists(ctx, ann.ProjectID, termID)
			if err != nil {
				return store.ReviewedAnnotation{}, err
			}
			if !ok {
				return store.ReviewedAnnotation{}, fmt.Errorf("term %s: %w", termID, ErrUnknownTerm)
			}
		}
		terms = termIDs
	}

	now := time.Now().UTC()
	rev := store.ReviewedAnnotation{
		ID:          util.NewID("rev"),
		ProjectID:   ann.ProjectID,
		ImageID:     ann.ImageID,
		SliceID:     ann.SliceID,
		Location:    ann.Location,
		TermIDs:     terms,
		AuthorID:    ann.AuthorID,
		AuthorKind:  ann.AuthorKind,
		ParentIdent: ann.ID,
		ReviewerID:  principal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	after, err := json.Marshal(rev)
	if err != nil {
		return store.ReviewedAnnotation{}, fmt.Errorf("encode reviewed annotation: %w", err)
	}
	_, err = w.log.Execute(ctx, command.Command{
		Kind:       command.KindCreate,
		TargetType: store.TargetReviewedAnnotation,
		TargetID:   rev.ID,
		After:      after,
		Principal:  principal,
		Message:    fmt.Sprintf("annotation %s reviewed", ann.ID),
	})
	if errors.Is(err, store.ErrConflict) {
		// Lost the race against a concurrent review of the same source.
		return store.ReviewedAnnotation{}, fmt.Errorf("annotation %s: %w", ann.ID, ErrAlreadyReviewed)
	}
	if err != nil {
		return store.ReviewedAnnotation{}, err
	}
	return rev, nil
}

func (w *Workflow) executeImageUpdate(ctx context.Context, before, after store.Image, principal, message string) error {
	beforeData, err := json.Marshal(before)
	if err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	afterData, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	_, err = w.log.Execute(ctx, command.Command{
		Kind:       command.KindUpdate,
		TargetType: store.TargetImage,
		TargetID:   before.ID,
		Before:     beforeData,
		After:      afterData,
		Principal:  principal,
		Message:    message,
	})
	return err
}

func (w *Workflow) executeLocationUpdate(ctx context.Context, rev store.ReviewedAnnotation, location, principal string) error {
	beforeData, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("encode reviewed annotation: %w", err)
	}
	updated := rev
	updated.Location = location
	updated.UpdatedAt = time.Now().UTC()
	afterData, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encode reviewed annotation: %w", err)
	}
	_, err = w.log.Execute(ctx, command.Command{
		Kind:       command.KindUpdate,
		TargetType: store.TargetReviewedAnnotation,
		TargetID:   rev.ID,
		Before:     beforeData,
		After:      afterData,
		Principal:  principal,
		Message:    fmt.Sprintf("reviewed annotation %s corrected", rev.ID),
	})
	return err
}

func (w *Workflow) executeDelete(ctx context.Context, rev store.ReviewedAnnotation, principal, message string) error {
	beforeData, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("encode reviewed annotation: %w", err)
	}
	_, err = w.log.Execute(ctx, command.Command{
		Kind:       command.KindDelete,
		TargetType: store.TargetReviewedAnnotation,
		TargetID:   rev.ID,
		Before:     beforeData,
		Principal:  principal,
		Message:    message,
	})
	return err
}

// reviewGuard checks that the image is under review and held by the
// caller.
func reviewGuard(image store.Image, principal string) error {
	if image.ReviewUserID == nil || image.ReviewStop != nil {
		return fmt.Errorf("image %s: %w", image.ID, ErrNotUnderReview)
	}
	if *image.ReviewUserID != principal {
		return fmt.Errorf("image %s held by %s: %w", image.ID, *image.ReviewUserID, ErrNotReviewer)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
