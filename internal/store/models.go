package store

import "time"

// AuthorKind distinguishes annotations drawn by people from those
// produced by algorithm jobs.
type AuthorKind string

const (
	AuthorUser AuthorKind = "user"
	AuthorAlgo AuthorKind = "algo"
)

// Target types for command snapshots and spatial queries.
const (
	TargetAnnotation         = "annotation"
	TargetReviewedAnnotation = "reviewed_annotation"
	TargetImage              = "image"
)

type Project struct {
	ID                       string    `json:"id"`
	Name                     string    `json:"name"`
	CountReviewedAnnotations int       `json:"countReviewedAnnotations"`
	CreatedAt                time.Time `json:"createdAt"`
}

// Image is one pathology image of a project. The review lock lives here:
// while ReviewUserID is set and ReviewStop is absent, only that principal
// may create or modify reviewed annotations for the image.
type Image struct {
	ID                       string     `json:"id"`
	ProjectID                string     `json:"projectId"`
	Filename                 string     `json:"filename"`
	Width                    float64    `json:"width"`
	Height                   float64    `json:"height"`
	ReviewUserID             *string    `json:"reviewUserId,omitempty"`
	ReviewStart              *time.Time `json:"reviewStart,omitempty"`
	ReviewStop               *time.Time `json:"reviewStop,omitempty"`
	CountReviewedAnnotations int        `json:"countReviewedAnnotations"`
	CreatedAt                time.Time  `json:"createdAt"`
}

type Term struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
}

// Annotation is a user- or algorithm-drawn shape over an image slice.
// Location holds the geometry in canonical WKT, image pixel coordinates.
type Annotation struct {
	ID                       string     `json:"id"`
	ProjectID                string     `json:"projectId"`
	ImageID                  string     `json:"imageId"`
	SliceID                  string     `json:"sliceId"`
	Location                 string     `json:"location"`
	TermIDs                  []string   `json:"termIds"`
	AuthorID                 string     `json:"authorId"`
	AuthorKind               AuthorKind `json:"authorKind"`
	CountReviewedAnnotations int        `json:"countReviewedAnnotations"`
	CreatedAt                time.Time  `json:"createdAt"`
	UpdatedAt                time.Time  `json:"updatedAt"`
}

// ReviewedAnnotation is the immutable promotion of an annotation made
// during image review. ParentIdent references the source annotation; at
// most one reviewed annotation exists per source at a time. The record
// stays valid even if the source annotation is later deleted.
type ReviewedAnnotation struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	ImageID     string     `json:"imageId"`
	SliceID     string     `json:"sliceId"`
	Location    string     `json:"location"`
	TermIDs     []string   `json:"termIds"`
	AuthorID    string     `json:"authorId"`
	AuthorKind  AuthorKind `json:"authorKind"`
	ParentIdent string     `json:"parentIdent"`
	ReviewerID  string     `json:"reviewerId"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// AnnotationSummary is the read model returned by spatial queries,
// covering both plain and reviewed annotations.
type AnnotationSummary struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Location   string     `json:"location"`
	TermIDs    []string   `json:"termIds"`
	AuthorID   string     `json:"authorId"`
	AuthorKind AuthorKind `json:"authorKind"`
}

// CommandRecord is the append-only audit row written for every executed
// command. It is never read back by undo/redo.
type CommandRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	TargetType string    `json:"targetType"`
	TargetID   string    `json:"targetId"`
	Principal  string    `json:"principal"`
	Data       []byte    `json:"data"`
	CreatedAt  time.Time `json:"createdAt"`
}
