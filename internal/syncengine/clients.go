package syncengine

import (
	"context"
	"encoding/json"
	"time"
)

// TaskFields is everything the engine writes onto a Wrike task. Nil or empty
// members are left untouched on update.
type TaskFields struct {
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Status       string            `json:"customStatus,omitempty"`
	Importance   string            `json:"importance,omitempty"`
	StartDate    *time.Time        `json:"startDate,omitempty"`
	DueDate      *time.Time        `json:"dueDate,omitempty"`
	Responsibles []string          `json:"responsibles,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

type Attachment struct {
	ID      string
	Name    string
	Content []byte
}

// RegistryRecord is one Graph list item as returned with $expand=fields.
// Fields stays raw until the kind-specific decoder reads it.
type RegistryRecord struct {
	ID                   string           `json:"id"`
	WebURL               string           `json:"webUrl,omitempty"`
	CreatedDateTime      string           `json:"createdDateTime,omitempty"`
	LastModifiedDateTime string           `json:"lastModifiedDateTime,omitempty"`
	CreatedBy            graphIdentitySet `json:"createdBy"`
	Fields               json.RawMessage  `json:"fields,omitempty"`
}

type graphIdentitySet struct {
	User struct {
		ID          string `json:"id,omitempty"`
		DisplayName string `json:"displayName,omitempty"`
		Email       string `json:"email,omitempty"`
	} `json:"user"`
}

// TrackedTask is the part of a Wrike task a backfill matches on.
type TrackedTask struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// TrackerClient is the Wrike side of the sync.
type TrackerClient interface {
	CreateTask(ctx context.Context, kind RecordKind, fields TaskFields) (string, error)
	UpdateTask(ctx context.Context, taskID string, fields TaskFields) error
	FetchAttachment(ctx context.Context, taskID string) (Attachment, error)
	// ListTasks returns every task in the folder configured for kind.
	ListTasks(ctx context.Context, kind RecordKind) ([]TrackedTask, error)
}

// RegistryClient reads Graph list items, most recently modified first.
type RegistryClient interface {
	FetchRecentRecords(ctx context.Context, kind RecordKind, limit int) ([]RegistryRecord, error)
}

// MutationSink applies changes to Graph list items through the flow endpoint.
type MutationSink interface {
	ApplyMutation(ctx context.Context, mutation Mutation) error
	UploadOrder(ctx context.Context, name string, content []byte) error
}
