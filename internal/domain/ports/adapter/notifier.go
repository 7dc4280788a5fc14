package adapter

import (
	"context"
	"time"
)

// Notification is an entry on the user-visible error channel.
type Notification struct {
	Key       string    `json:"key"`
	Level     string    `json:"level"`
	ProjectID string    `json:"project_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Text      string    `json:"text"`
	Detail    string    `json:"detail,omitempty"`
	Args      []any     `json:"-"`
	At        time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}
