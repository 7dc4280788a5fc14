package changefeed

import (
	"encoding/json"
	"strings"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/ports/adapter"
)

type payload struct {
	Table     string         `json:"table"`
	Type      string         `json:"type"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// DecodeChange parses a notification published on topic. An empty payload is
// a bare "something changed" signal for the topic's table.
func DecodeChange(topic string, data []byte, at time.Time) (adapter.Change, error) {
	c := adapter.Change{Channel: topic, Table: TableOf(topic), ReceivedAt: at}
	if len(strings.TrimSpace(string(data))) == 0 {
		return c, nil
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return adapter.Change{}, domain.NewDecodeFailure("change payload", data, err)
	}
	if p.Table != "" {
		c.Table = p.Table
	}
	switch t := adapter.ChangeType(strings.ToUpper(p.Type)); t {
	case adapter.ChangeInsert, adapter.ChangeUpdate, adapter.ChangeDelete:
		c.Type = t
	default:
		c.Type = adapter.ChangeUnknown
	}
	c.Record = p.Record
	c.OldRecord = p.OldRecord
	return c, nil
}
