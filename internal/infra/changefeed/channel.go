package changefeed

import (
	"sync"

	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/metrics"
)

const channelBuffer = 64

// Channel is the FeedChannel the backends hand out. The backend's receive
// loop calls Deliver for every notification and End when it stops; Close
// runs the backend's stop func once and then ends the channel.
type Channel struct {
	name    string
	table   string
	backend string
	filter  Filter
	stop    func() error

	mu       sync.Mutex
	out      chan adapter.Change
	ended    bool
	stopOnce sync.Once
	stopErr  error
}

var _ adapter.FeedChannel = (*Channel)(nil)

func NewChannel(backend, table string, filter Filter, stop func() error) *Channel {
	metrics.FeedChannelOpened(backend)
	return &Channel{
		name:    ChannelName(table, filter.String()),
		table:   table,
		backend: backend,
		filter:  filter,
		stop:    stop,
		out:     make(chan adapter.Change, channelBuffer),
	}
}

func (c *Channel) Name() string                   { return c.name }
func (c *Channel) Changes() <-chan adapter.Change { return c.out }

// Deliver forwards a change if it passes the filter. It never blocks; a
// full buffer drops the change since the queued ones already cause the same
// invalidation.
func (c *Channel) Deliver(ch adapter.Change) {
	if ch.Table != "" && ch.Table != c.table {
		return
	}
	if !c.filter.Match(ch) {
		metrics.IncFeedNotification(c.table, "filtered")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	select {
	case c.out <- ch:
		metrics.IncFeedNotification(c.table, "delivered")
	default:
		metrics.IncFeedNotification(c.table, "dropped")
	}
}

// End closes Changes. Idempotent.
func (c *Channel) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	close(c.out)
	metrics.FeedChannelClosed(c.backend)
}

func (c *Channel) Close() error {
	c.stopOnce.Do(func() {
		if c.stop != nil {
			c.stopErr = c.stop()
		}
		c.End()
	})
	return c.stopErr
}
