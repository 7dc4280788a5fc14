// Package changefeed turns row-change notifications into cache invalidations.
package changefeed

import (
	"fmt"
	"strconv"
	"strings"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/ports/adapter"
)

const topicPrefix = "realtime:"

// Topic is the backend channel a table's changes are published on.
func Topic(table string) string { return topicPrefix + table }

// TableOf extracts the table name from a topic.
func TableOf(topic string) string { return strings.TrimPrefix(topic, topicPrefix) }

// ChannelName is the deterministic name of a (table, filter) subscription.
func ChannelName(table, filter string) string {
	if filter == "" {
		return Topic(table)
	}
	return Topic(table) + ":" + filter
}

// Filter is an equality predicate on one column. The zero Filter matches
// every row.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter accepts "" or "<column>=eq.<value>".
func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return Filter{}, nil
	}
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("%w: filter %q", domain.ErrInvalidArgument, s)
	}
	op, val, ok := strings.Cut(rest, ".")
	if !ok || op != "eq" {
		return Filter{}, fmt.Errorf("%w: filter %q: only eq is supported", domain.ErrInvalidArgument, s)
	}
	if val == "" {
		return Filter{}, fmt.Errorf("%w: filter %q: empty value", domain.ErrInvalidArgument, s)
	}
	return Filter{Column: col, Value: val}, nil
}

func (f Filter) IsZero() bool { return f.Column == "" }

func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// Match reports whether a change may concern the filtered rows. A payload
// that carries neither record nor old record with the column counts as a
// match.
func (f Filter) Match(c adapter.Change) bool {
	if f.IsZero() {
		return true
	}
	seen := false
	for _, rec := range []map[string]any{c.Record, c.OldRecord} {
		v, ok := rec[f.Column]
		if !ok {
			continue
		}
		seen = true
		if valueString(v) == f.Value {
			return true
		}
	}
	return !seen
}

func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
