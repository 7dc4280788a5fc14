package changefeed

import (
	"context"
	"errors"
	"sync"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

// Scope owns everything opened for one mount (subscribers, streams) and
// tears it all down exactly once.
type Scope struct {
	name string
	log  *zerolog.Logger

	mu      sync.Mutex
	closers []namedCloser
	subs    []*Subscriber
	closed  bool
}

type namedCloser struct {
	name string
	fn   func() error
}

func NewScope(name string, log *zerolog.Logger) *Scope {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Scope{name: name, log: log}
}

func (s *Scope) Name() string { return s.name }

// Track registers a teardown func. On a closed scope fn runs immediately and
// ErrClosed is returned.
func (s *Scope) Track(name string, fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = fn()
		return domain.ErrClosed
	}
	s.closers = append(s.closers, namedCloser{name: name, fn: fn})
	s.mu.Unlock()
	return nil
}

// Subscribe opens a subscriber owned by the scope.
func (s *Scope) Subscribe(ctx context.Context, feed adapter.ChangeFeed, cache Invalidator, spec FeedSpec) (*Subscriber, error) {
	sub, err := Subscribe(ctx, feed, cache, spec, s.log)
	if err != nil {
		return nil, err
	}
	if err := s.Track(sub.Name(), sub.Close); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

// Mount subscribes every spec. On failure the subscribers opened so far stay
// tracked and are released by Close.
func (s *Scope) Mount(ctx context.Context, feed adapter.ChangeFeed, cache Invalidator, specs []FeedSpec) error {
	for _, spec := range specs {
		if _, err := s.Subscribe(ctx, feed, cache, spec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scope) Subscribers() []*Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscriber, len(s.subs))
	copy(out, s.subs)
	return out
}

func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases everything in reverse order. Later calls are no-ops.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			s.log.Warn().Err(err).Str("scope", s.name).Str("resource", closers[i].name).Msg("teardown failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
