package adapter

import (
	"context"
	"time"
)

type ChangeType string

const (
	ChangeInsert  ChangeType = "INSERT"
	ChangeUpdate  ChangeType = "UPDATE"
	ChangeDelete  ChangeType = "DELETE"
	ChangeUnknown ChangeType = ""
)

// Change is one row-mutation notification. Nothing beyond "something matching
// the filter changed" is guaranteed; Record may be empty.
type Change struct {
	Channel    string
	Table      string
	Type       ChangeType
	Record     map[string]any
	OldRecord  map[string]any
	ReceivedAt time.Time
}

// FeedChannel is one live subscription. Changes is closed once the channel
// stops, whether by Close or by the remote peer. Close is idempotent.
type FeedChannel interface {
	Name() string
	Changes() <-chan Change
	Close() error
}

// ChangeFeed opens subscriptions by (table, filter). Filter is an equality
// predicate such as "project_id=eq.<id>"; empty means every row.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table, filter string) (FeedChannel, error)
}
