package docstore

import (
	"time"
)

// Lifecycle phases a document moves through. Emission rules trigger on
// these names.
const (
	EventAfterInsert = "after_insert"
	EventOnUpdate    = "on_update"
	EventOnSubmit    = "on_submit"
	EventOnCancel    = "on_cancel"
	EventOnTrash     = "on_trash"
)

type Document struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	Doctype   string                 `json:"doctype"`
	Docname   string                 `json:"docname"`
	Payload   map[string]interface{} `json:"payload"`
	Deleted   bool                   `json:"deleted"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// LifecycleEvent is delivered to subscribers after a document mutation has
// been durably written. Doc is the post-mutation snapshot.
type LifecycleEvent struct {
	Event    string
	TenantID string
	Doctype  string
	Docname  string
	Doc      map[string]interface{}
}
