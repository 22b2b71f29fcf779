// Package authz is the authorization capability consumed by the engine.
// Rule evaluation itself lives outside this module; the engine only ever
// asks "may subject perform action on resource" and treats the answer as
// opaque.
package authz

import "errors"

var ErrDenied = errors.New("authz: denied")

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleAnnotator Role = "annotator"
	RoleReviewer  Role = "reviewer"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionAnnotate Action = "annotate"
	ActionReview   Action = "review"
	ActionAdmin    Action = "admin"
)

// Subject is the acting principal: a human user or an algorithm job.
type Subject struct {
	ID   string
	Role Role
}

// Resource names the target of an action, scoped to its project.
type Resource struct {
	Kind      string
	ID        string
	ProjectID string
}

type Authorizer interface {
	Authorize(subject Subject, action Action, resource Resource) error
}

// RoleAuthorizer grants by role only. Production deployments plug in
// their own ACL-backed Authorizer; this one is the built-in policy.
type RoleAuthorizer struct{}

func (RoleAuthorizer) Authorize(subject Subject, action Action, _ Resource) error {
	if Can(Normalize(string(subject.Role)), action) {
		return nil
	}
	return ErrDenied
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionAnnotate || action == ActionReview
	case RoleAnnotator:
		return action == ActionRead || action == ActionAnnotate
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAnnotator, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
