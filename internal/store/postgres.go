package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, count_reviewed_annotations, created_at)
		VALUES ($1, $2, $3, $4)
	`, project.ID, project.Name, project.CountReviewedAnnotations, project.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, count_reviewed_annotations, created_at
		FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.CountReviewedAnnotations, &project.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) InsertImage(ctx context.Context, image Image) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (id, project_id, filename, width, height, review_user_id, review_start, review_stop, count_reviewed_annotations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, image.ID, image.ProjectID, image.Filename, image.Width, image.Height,
		image.ReviewUserID, image.ReviewStart, image.ReviewStop, image.CountReviewedAnnotations)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetImage(ctx context.Context, imageID string) (Image, error) {
	var image Image
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, filename, width, height, review_user_id, review_start, review_stop, count_reviewed_annotations, created_at
		FROM images WHERE id=$1
	`, imageID).Scan(&image.ID, &image.ProjectID, &image.Filename, &image.Width, &image.Height,
		&image.ReviewUserID, &image.ReviewStart, &image.ReviewStop, &image.CountReviewedAnnotations, &image.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}
	if err != nil {
		return Image{}, fmt.Errorf("get image: %w", err)
	}
	return image, nil
}

func (s *PostgresStore) SetImageReview(ctx context.Context, imageID string, reviewUserID *string, start, stop *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images SET review_user_id=$2, review_start=$3, review_stop=$4 WHERE id=$1
	`, imageID, reviewUserID, start, stop)
	if err != nil {
		return fmt.Errorf("set image review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertTerm(ctx context.Context, term Term) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terms (id, project_id, name) VALUES ($1, $2, $3)
	`, term.ID, term.ProjectID, term.Name)
	if err != nil {
		return fmt.Errorf("insert term: %w", err)
	}
	return nil
}

func (s *PostgresStore) TermExists(ctx context.Context, projectID, termID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM terms WHERE id=$1 AND project_id=$2)
	`, termID, projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check term: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (Annotation, error) {
	var ann Annotation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, image_id, slice_id, location, author_id, author_kind, count_reviewed_annotations, created_at, updated_at
		FROM annotations WHERE id=$1
	`, annotationID).Scan(&ann.ID, &ann.ProjectID, &ann.ImageID, &ann.SliceID, &ann.Location,
		&ann.AuthorID, &ann.AuthorKind, &ann.CountReviewedAnnotations, &ann.CreatedAt, &ann.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Annotation{}, fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
	}
	if err != nil {
		return Annotation{}, fmt.Errorf("get annotation: %w", err)
	}
	ann.TermIDs, err = s.termLinks(ctx, `SELECT term_id FROM annotation_terms WHERE annotation_id=$1 ORDER BY term_id`, annotationID)
	if err != nil {
		return Annotation{}, err
	}
	return ann, nil
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, ann Annotation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO annotations (id, project_id, image_id, slice_id, location, author_id, author_kind, count_reviewed_annotations, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`, ann.ID, ann.ProjectID, ann.ImageID, ann.SliceID, ann.Location,
			ann.AuthorID, ann.AuthorKind, ann.CountReviewedAnnotations, ann.CreatedAt, ann.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert annotation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("annotation %s: %w", ann.ID, ErrConflict)
		}
		return s.replaceTermLinks(ctx, tx, "annotation_terms", "annotation_id", ann.ID, ann.TermIDs)
	})
}

func (s *PostgresStore) UpdateAnnotation(ctx context.Context, ann Annotation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE annotations SET location=$2, updated_at=$3 WHERE id=$1
		`, ann.ID, ann.Location, ann.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update annotation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("annotation %s: %w", ann.ID, ErrNotFound)
		}
		return s.replaceTermLinks(ctx, tx, "annotation_terms", "annotation_id", ann.ID, ann.TermIDs)
	})
}

func (s *PostgresStore) DeleteAnnotation(ctx context.Context, annotationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id=$1`, annotationID)
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListAnnotationsByImage(ctx context.Context, imageID string, authorIDs []string) ([]Annotation, error) {
	query := `
		SELECT id, project_id, image_id, slice_id, location, author_id, author_kind, count_reviewed_annotations, created_at, updated_at
		FROM annotations WHERE image_id=$1
	`
	args := []any{imageID}
	if len(authorIDs) > 0 {
		query += ` AND author_id = ANY($2)`
		args = append(args, authorIDs)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var items []Annotation
	for rows.Next() {
		var ann Annotation
		if err := rows.Scan(&ann.ID, &ann.ProjectID, &ann.ImageID, &ann.SliceID, &ann.Location,
			&ann.AuthorID, &ann.AuthorKind, &ann.CountReviewedAnnotations, &ann.CreatedAt, &ann.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, ann)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	for i := range items {
		items[i].TermIDs, err = s.termLinks(ctx, `SELECT term_id FROM annotation_terms WHERE annotation_id=$1 ORDER BY term_id`, items[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *PostgresStore) GetReviewedAnnotation(ctx context.Context, reviewedID string) (ReviewedAnnotation, error) {
	return s.queryReviewed(ctx, `WHERE id=$1`, reviewedID)
}

func (s *PostgresStore) FindReviewedByParent(ctx context.Context, parentIdent string) (ReviewedAnnotation, error) {
	return s.queryReviewed(ctx, `WHERE parent_ident=$1`, parentIdent)
}

func (s *PostgresStore) queryReviewed(ctx context.Context, where, arg string) (ReviewedAnnotation, error) {
	var rev ReviewedAnnotation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, image_id, slice_id, location, author_id, author_kind, parent_ident, reviewer_id, created_at, updated_at
		FROM reviewed_annotations `+where, arg).Scan(&rev.ID, &rev.ProjectID, &rev.ImageID, &rev.SliceID, &rev.Location,
		&rev.AuthorID, &rev.AuthorKind, &rev.ParentIdent, &rev.ReviewerID, &rev.CreatedAt, &rev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReviewedAnnotation{}, fmt.Errorf("reviewed annotation %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return ReviewedAnnotation{}, fmt.Errorf("get reviewed annotation: %w", err)
	}
	rev.TermIDs, err = s.termLinks(ctx, `SELECT term_id FROM reviewed_annotation_terms WHERE reviewed_annotation_id=$1 ORDER BY term_id`, rev.ID)
	if err != nil {
		return ReviewedAnnotation{}, err
	}
	return rev, nil
}

func (s *PostgresStore) InsertReviewedAnnotation(ctx context.Context, rev ReviewedAnnotation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO reviewed_annotations (id, project_id, image_id, slice_id, location, author_id, author_kind, parent_ident, reviewer_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING
		`, rev.ID, rev.ProjectID, rev.ImageID, rev.SliceID, rev.Location,
			rev.AuthorID, rev.AuthorKind, rev.ParentIdent, rev.ReviewerID, rev.CreatedAt, rev.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert reviewed annotation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("parent %s already reviewed: %w", rev.ParentIdent, ErrConflict)
		}
		if err := s.replaceTermLinks(ctx, tx, "reviewed_annotation_terms", "reviewed_annotation_id", rev.ID, rev.TermIDs); err != nil {
			return err
		}
		return s.bumpCounters(ctx, tx, rev, +1)
	})
}

func (s *PostgresStore) UpdateReviewedAnnotation(ctx context.Context, rev ReviewedAnnotation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE reviewed_annotations SET location=$2, updated_at=$3 WHERE id=$1
		`, rev.ID, rev.Location, rev.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update reviewed annotation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("reviewed annotation %s: %w", rev.ID, ErrNotFound)
		}
		return s.replaceTermLinks(ctx, tx, "reviewed_annotation_terms", "reviewed_annotation_id", rev.ID, rev.TermIDs)
	})
}

func (s *PostgresStore) DeleteReviewedAnnotation(ctx context.Context, reviewedID string) error {
	rev, err := s.GetReviewedAnnotation(ctx, reviewedID)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reviewed_annotations WHERE id=$1`, reviewedID); err != nil {
			return fmt.Errorf("delete reviewed annotation: %w", err)
		}
		return s.bumpCounters(ctx, tx, rev, -1)
	})
}

func (s *PostgresStore) ListReviewedByImage(ctx context.Context, imageID string) ([]ReviewedAnnotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, image_id, slice_id, location, author_id, author_kind, parent_ident, reviewer_id, created_at, updated_at
		FROM reviewed_annotations WHERE image_id=$1 ORDER BY id
	`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list reviewed annotations: %w", err)
	}
	defer rows.Close()

	var items []ReviewedAnnotation
	for rows.Next() {
		var rev ReviewedAnnotation
		if err := rows.Scan(&rev.ID, &rev.ProjectID, &rev.ImageID, &rev.SliceID, &rev.Location,
			&rev.AuthorID, &rev.AuthorKind, &rev.ParentIdent, &rev.ReviewerID, &rev.CreatedAt, &rev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reviewed annotation: %w", err)
		}
		items = append(items, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reviewed annotations: %w", err)
	}
	for i := range items {
		items[i].TermIDs, err = s.termLinks(ctx, `SELECT term_id FROM reviewed_annotation_terms WHERE reviewed_annotation_id=$1 ORDER BY term_id`, items[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *PostgresStore) ApplyCreate(ctx context.Context, targetType string, snapshot []byte) error {
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

func (s *PostgresStore) ApplyUpdate(ctx context.Context, targetType, id string, snapshot []byte) error {
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

func (s *PostgresStore) ApplyDelete(ctx context.Context, targetType, id string) error {
	switch targetType {
	case TargetAnnotation:
		return s.DeleteAnnotation(ctx, id)
	case TargetReviewedAnnotation:
		return s.DeleteReviewedAnnotation(ctx, id)
	}
	return fmt.Errorf("apply delete %s: %w", targetType, ErrNotFound)
}

func (s *PostgresStore) AppendCommandHistory(ctx context.Context, record CommandRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_history (id, kind, target_type, target_id, principal, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.ID, record.Kind, record.TargetType, record.TargetID, record.Principal, record.Data, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("append command history: %w", err)
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) replaceTermLinks(ctx context.Context, tx *sql.Tx, table, column, ownerID string, termIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+column+`=$1`, ownerID); err != nil {
		return fmt.Errorf("clear term links: %w", err)
	}
	for _, termID := range termIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+table+` (`+column+`, term_id) VALUES ($1, $2)`, ownerID, termID); err != nil {
			return fmt.Errorf("link term %s: %w", termID, err)
		}
	}
	return nil
}

func (s *PostgresStore) termLinks(ctx context.Context, query, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list term links: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan term link: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list term links: %w", err)
	}
	return ids, nil
}

// bumpCounters maintains the denormalized reviewed-annotation counts on
// the source annotation, the image and the project inside the same
// transaction as the reviewed row change. GREATEST keeps replayed
// deletes from driving a count below zero.
func (s *PostgresStore) bumpCounters(ctx context.Context, tx *sql.Tx, rev ReviewedAnnotation, delta int) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE annotations SET count_reviewed_annotations = GREATEST(0, count_reviewed_annotations + $2) WHERE id=$1
	`, rev.ParentIdent, delta); err != nil {
		return fmt.Errorf("bump annotation counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE images SET count_reviewed_annotations = GREATEST(0, count_reviewed_annotations + $2) WHERE id=$1
	`, rev.ImageID, delta); err != nil {
		return fmt.Errorf("bump image counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET count_reviewed_annotations = GREATEST(0, count_reviewed_annotations + $2) WHERE id=$1
	`, rev.ProjectID, delta); err != nil {
		return fmt.Errorf("bump project counter: %w", err)
	}
	return nil
}
