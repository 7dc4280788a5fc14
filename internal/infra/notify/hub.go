// Package notify is the user-visible error and status channel.
package notify

import (
	"context"
	"sync"
	"time"

	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/logging"
	"codeforge-sync/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// Renderer turns a notification key and its args into text.
type Renderer interface {
	T(key string, args ...interface{}) string
}

// Hub keeps the last N notifications and fans new ones out to subscribers.
type Hub struct {
	mu          sync.RWMutex
	entries     []adapter.Notification
	max         int
	subscribers map[chan adapter.Notification]struct{}

	render Renderer
	log    *zerolog.Logger
	now    func() time.Time
}

var _ adapter.Notifier = (*Hub)(nil)

func NewHub(max int, render Renderer, log *zerolog.Logger) *Hub {
	if max <= 0 {
		max = 100
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Hub{
		entries:     make([]adapter.Notification, 0, max),
		max:         max,
		subscribers: make(map[chan adapter.Notification]struct{}),
		render:      render,
		log:         log,
		now:         time.Now,
	}
}

// Notify renders Text from Key and Args when Text is empty, records the
// notification and broadcasts it. Slow subscribers miss entries.
func (h *Hub) Notify(ctx context.Context, n adapter.Notification) {
	if n.Text == "" && h.render != nil {
		n.Text = h.render.T(n.Key, n.Args...)
	}
	if n.Level == "" {
		n.Level = "error"
	}
	if n.At.IsZero() {
		n.At = h.now()
	}
	metrics.IncNotification(n.Key)
	logging.With(ctx, h.log).Info().Str("key", n.Key).Str("level", n.Level).Str("project_id", n.ProjectID).Str("job_id", n.JobID).Msg(n.Text)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= h.max {
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, n)
	for ch := range h.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

// Recent returns up to n of the newest notifications, oldest first.
func (h *Hub) Recent(n int) []adapter.Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := len(h.entries)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]adapter.Notification, n)
	copy(out, h.entries[total-n:])
	return out
}

// Subscribe returns a channel of new notifications and its cancel func.
func (h *Hub) Subscribe() (<-chan adapter.Notification, func()) {
	ch := make(chan adapter.Notification, 32)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}
