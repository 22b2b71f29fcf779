package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func seedMemory(t *testing.T) (*MemoryStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.InsertProject(ctx, Project{ID: "proj_1", Name: "lung biopsies"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := s.InsertImage(ctx, Image{ID: "img_1", ProjectID: "proj_1", Filename: "slide.tiff", Width: 10000, Height: 8000}); err != nil {
		t.Fatalf("insert image: %v", err)
	}
	if err := s.InsertTerm(ctx, Term{ID: "term_tumor", ProjectID: "proj_1", Name: "tumor"}); err != nil {
		t.Fatalf("insert term: %v", err)
	}
	if err := s.InsertAnnotation(ctx, Annotation{
		ID:        "ann_1",
		ProjectID: "proj_1",
		ImageID:   "img_1",
		Location:  "POLYGON ((0 0, 0 10, 10 10, 10 0, 0 0))",
		TermIDs:   []string{"term_tumor"},
		AuthorID:  "user_a",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert annotation: %v", err)
	}
	return s, ctx
}

func TestReviewedInsertMaintainsCounters(t *testing.T) {
	s, ctx := seedMemory(t)

	rev := ReviewedAnnotation{
		ID:          "rev_1",
		ProjectID:   "proj_1",
		ImageID:     "img_1",
		Location:    "POLYGON ((0 0, 0 10, 10 10, 10 0, 0 0))",
		ParentIdent: "ann_1",
		ReviewerID:  "user_r",
	}
	if err := s.InsertReviewedAnnotation(ctx, rev); err != nil {
		t.Fatalf("insert reviewed: %v", err)
	}

	ann, err := s.GetAnnotation(ctx, "ann_1")
	if err != nil {
		t.Fatalf("get annotation: %v", err)
	}
	if ann.CountReviewedAnnotations != 1 {
		t.Fatalf("annotation counter = %d, want 1", ann.CountReviewedAnnotations)
	}
	image, _ := s.GetImage(ctx, "img_1")
	if image.CountReviewedAnnotations != 1 {
		t.Fatalf("image counter = %d, want 1", image.CountReviewedAnnotations)
	}
	project, _ := s.GetProject(ctx, "proj_1")
	if project.CountReviewedAnnotations != 1 {
		t.Fatalf("project counter = %d, want 1", project.CountReviewedAnnotations)
	}

	if err := s.DeleteReviewedAnnotation(ctx, "rev_1"); err != nil {
		t.Fatalf("delete reviewed: %v", err)
	}
	ann, _ = s.GetAnnotation(ctx, "ann_1")
	if ann.CountReviewedAnnotations != 0 {
		t.Fatalf("annotation counter after delete = %d, want 0", ann.CountReviewedAnnotations)
	}
}

func TestReviewedInsertRejectsDuplicateParent(t *testing.T) {
	s, ctx := seedMemory(t)

	base := ReviewedAnnotation{ID: "rev_1", ProjectID: "proj_1", ImageID: "img_1", ParentIdent: "ann_1", ReviewerID: "user_r"}
	if err := s.InsertReviewedAnnotation(ctx, base); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := base
	dup.ID = "rev_2"
	if err := s.InsertReviewedAnnotation(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate parent err = %v, want ErrConflict", err)
	}
}

func TestListAnnotationsByImageFilters(t *testing.T) {
	s, ctx := seedMemory(t)
	if err := s.InsertAnnotation(ctx, Annotation{ID: "ann_2", ProjectID: "proj_1", ImageID: "img_1", AuthorID: "user_b", Location: "POINT (1 1)"}); err != nil {
		t.Fatalf("insert annotation: %v", err)
	}
	if err := s.InsertAnnotation(ctx, Annotation{ID: "ann_3", ProjectID: "proj_1", ImageID: "img_other", AuthorID: "user_a", Location: "POINT (2 2)"}); err != nil {
		t.Fatalf("insert annotation: %v", err)
	}

	all, err := s.ListAnnotationsByImage(ctx, "img_1", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "ann_1" || all[1].ID != "ann_2" {
		t.Fatalf("unexpected listing: %+v", all)
	}

	mine, err := s.ListAnnotationsByImage(ctx, "img_1", []string{"user_b"})
	if err != nil {
		t.Fatalf("list by author: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "ann_2" {
		t.Fatalf("unexpected author filter result: %+v", mine)
	}
}

func TestApplySnapshotsRoundTrip(t *testing.T) {
	s, ctx := seedMemory(t)

	ann, err := s.GetAnnotation(ctx, "ann_1")
	if err != nil {
		t.Fatalf("get annotation: %v", err)
	}
	snapshot, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if err := s.ApplyDelete(ctx, TargetAnnotation, "ann_1"); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if _, err := s.GetAnnotation(ctx, "ann_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete err = %v, want ErrNotFound", err)
	}

	if err := s.ApplyCreate(ctx, TargetAnnotation, snapshot); err != nil {
		t.Fatalf("apply create: %v", err)
	}
	restored, err := s.GetAnnotation(ctx, "ann_1")
	if err != nil {
		t.Fatalf("get restored: %v", err)
	}
	if restored.Location != ann.Location || len(restored.TermIDs) != 1 {
		t.Fatalf("restored annotation diverged: %+v", restored)
	}

	if err := s.ApplyCreate(ctx, TargetAnnotation, snapshot); !errors.Is(err, ErrConflict) {
		t.Fatalf("recreate err = %v, want ErrConflict", err)
	}
}

func TestSetImageReview(t *testing.T) {
	s, ctx := seedMemory(t)

	reviewer := "user_r"
	now := time.Now()
	if err := s.SetImageReview(ctx, "img_1", &reviewer, &now, nil); err != nil {
		t.Fatalf("set review: %v", err)
	}
	image, _ := s.GetImage(ctx, "img_1")
	if image.ReviewUserID == nil || *image.ReviewUserID != "user_r" {
		t.Fatalf("review user = %v, want user_r", image.ReviewUserID)
	}
	if image.ReviewStart == nil || image.ReviewStop != nil {
		t.Fatalf("review window = %v/%v, want start set and stop nil", image.ReviewStart, image.ReviewStop)
	}

	if err := s.SetImageReview(ctx, "img_missing", &reviewer, &now, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing image err = %v, want ErrNotFound", err)
	}
}
