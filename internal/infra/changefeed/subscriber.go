package changefeed

import (
	"context"
	"fmt"
	"sync"

	"codeforge-sync/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

// Invalidator is the part of the cache a subscriber needs.
type Invalidator interface {
	Invalidate(key string)
}

// FeedSpec binds one (table, filter) subscription to the cache keys its
// changes invalidate.
type FeedSpec struct {
	Table  string
	Filter string
	Keys   []string
}

func (s FeedSpec) Name() string { return ChannelName(s.Table, s.Filter) }

// Subscriber invalidates its keys on every change, whatever the operation,
// and never applies payloads to the cache.
type Subscriber struct {
	spec  FeedSpec
	cache Invalidator
	log   *zerolog.Logger

	mu sync.Mutex
	ch adapter.FeedChannel // nil once closed
}

// Subscribe opens the feed channel and starts invalidating.
func Subscribe(ctx context.Context, feed adapter.ChangeFeed, cache Invalidator, spec FeedSpec, log *zerolog.Logger) (*Subscriber, error) {
	if _, err := ParseFilter(spec.Filter); err != nil {
		return nil, err
	}
	ch, err := feed.Subscribe(ctx, spec.Table, spec.Filter)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name(), err)
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	s := &Subscriber{spec: spec, cache: cache, log: log, ch: ch}
	go s.loop(ch.Changes())
	return s, nil
}

func (s *Subscriber) loop(changes <-chan adapter.Change) {
	for c := range changes {
		s.mu.Lock()
		if s.ch == nil {
			s.mu.Unlock()
			continue
		}
		for _, k := range s.spec.Keys {
			s.cache.Invalidate(k)
		}
		s.mu.Unlock()
		s.log.Debug().Str("channel", s.spec.Name()).Str("type", string(c.Type)).Strs("keys", s.spec.Keys).Msg("change invalidated keys")
	}
	s.mu.Lock()
	live := s.ch != nil
	s.mu.Unlock()
	if live {
		s.log.Warn().Str("channel", s.spec.Name()).Msg("change feed ended by peer")
	}
}

func (s *Subscriber) Name() string { return s.spec.Name() }

func (s *Subscriber) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil
}

// Close releases the channel. No invalidation happens after it returns.
// Safe to call repeatedly.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}
