package spatial

import (
	"context"
	"fmt"

	"slidewell/api/internal/geometry"
	"slidewell/api/internal/store"
)

// annotationLister is the slice of the store the query needs.
type annotationLister interface {
	ListAnnotationsByImage(ctx context.Context, imageID string, authorIDs []string) ([]store.Annotation, error)
	ListReviewedByImage(ctx context.Context, imageID string) ([]store.ReviewedAnnotation, error)
}

// Filter selects which annotations of an image to test against the
// region. An empty AuthorIDs or TermIDs slice means no filtering on
// that axis; a non-empty TermIDs matches annotations carrying at least
// one of the terms.
type Filter struct {
	ImageID              string
	RegionWKT            string
	AuthorIDs            []string
	TermIDs              []string
	ExcludedAnnotationID string
	Reviewed             bool
	Offset               int
	Limit                int
}

type Query struct {
	store annotationLister
}

func NewQuery(s annotationLister) *Query {
	return &Query{store: s}
}

// ListIncluded returns the annotations whose geometry intersects the
// region, ordered by id ascending. Touching the region boundary counts
// as inclusion.
func (q *Query) ListIncluded(ctx context.Context, f Filter) (Page, error) {
	region, err := geometry.Parse(f.RegionWKT)
	if err != nil {
		return Page{}, fmt.Errorf("region: %w", err)
	}
	defer region.Destroy()

	var candidates []store.AnnotationSummary
	if f.Reviewed {
		reviewed, err := q.store.ListReviewedByImage(ctx, f.ImageID)
		if err != nil {
			return Page{}, err
		}
		for _, rev := range reviewed {
			if !matchAuthor(f.AuthorIDs, rev.AuthorID) {
				continue
			}
			candidates = append(candidates, store.AnnotationSummary{
				ID:         rev.ID,
				Kind:       store.TargetReviewedAnnotation,
				Location:   rev.Location,
				TermIDs:    rev.TermIDs,
				AuthorID:   rev.AuthorID,
				AuthorKind: rev.AuthorKind,
			})
		}
	} else {
		anns, err := q.store.ListAnnotationsByImage(ctx, f.ImageID, f.AuthorIDs)
		if err != nil {
			return Page{}, err
		}
		for _, ann := range anns {
			candidates = append(candidates, store.AnnotationSummary{
				ID:         ann.ID,
				Kind:       store.TargetAnnotation,
				Location:   ann.Location,
				TermIDs:    ann.TermIDs,
				AuthorID:   ann.AuthorID,
				AuthorKind: ann.AuthorKind,
			})
		}
	}

	included := make([]store.AnnotationSummary, 0, len(candidates))
	for _, cand := range candidates {
		if cand.ID == f.ExcludedAnnotationID {
			continue
		}
		if !matchTerms(f.TermIDs, cand.TermIDs) {
			continue
		}
		geom, err := geometry.Parse(cand.Location)
		if err != nil {
			return Page{}, fmt.Errorf("annotation %s: %w", cand.ID, err)
		}
		hit := region.Intersects(geom)
		geom.Destroy()
		if hit {
			included = append(included, cand)
		}
	}

	return NewPage(included, f.Offset, f.Limit), nil
}

func matchAuthor(authorIDs []string, authorID string) bool {
	if len(authorIDs) == 0 {
		return true
	}
	for _, id := range authorIDs {
		if id == authorID {
			return true
		}
	}
	return false
}

// matchTerms is a union match: any shared term qualifies.
func matchTerms(wanted, have []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
