// Package command records every annotation mutation as a reversible
// command and maintains per-principal undo and redo stacks over them.
package command

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Command is one applied mutation together with the state snapshots
// needed to replay it in either direction. Before is empty for creates,
// After is empty for deletes.
type Command struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	TargetType string          `json:"targetType"`
	TargetID   string          `json:"targetId"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Principal  string          `json:"principal"`
	Message    string          `json:"message"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Result is the command outcome surfaced to API callers: a status code,
// a human message and the object state after the command ran.
type Result struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Object  json.RawMessage `json:"object,omitempty"`
}
