package changefeed

import (
	"context"
	"sort"
	"sync"

	"codeforge-sync/internal/domain/ports/adapter"
)

// Registry is the ChangeFeed handed to subscribers. With coalescing on, every
// (table, filter) pair shares one backend channel, reference counted across
// observers; the last release closes it. With coalescing off each
// subscription gets its own backend channel.
type Registry struct {
	backend  adapter.ChangeFeed
	coalesce bool

	mu     sync.Mutex
	shared map[string]*sharedChannel
}

var _ adapter.ChangeFeed = (*Registry)(nil)

type sharedChannel struct {
	name     string
	upstream adapter.FeedChannel
	leases   map[*lease]struct{}
}

func NewRegistry(backend adapter.ChangeFeed, coalesce bool) *Registry {
	return &Registry{backend: backend, coalesce: coalesce, shared: make(map[string]*sharedChannel)}
}

func (r *Registry) Subscribe(ctx context.Context, table, filter string) (adapter.FeedChannel, error) {
	if !r.coalesce {
		return r.backend.Subscribe(ctx, table, filter)
	}
	name := ChannelName(table, filter)

	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.shared[name]
	if !ok {
		up, err := r.backend.Subscribe(ctx, table, filter)
		if err != nil {
			return nil, err
		}
		sc = &sharedChannel{name: name, upstream: up, leases: make(map[*lease]struct{})}
		r.shared[name] = sc
		go r.fanout(sc)
	}
	l := &lease{reg: r, sc: sc, out: make(chan adapter.Change, channelBuffer)}
	sc.leases[l] = struct{}{}
	return l, nil
}

func (r *Registry) fanout(sc *sharedChannel) {
	for c := range sc.upstream.Changes() {
		r.mu.Lock()
		for l := range sc.leases {
			l.deliver(c)
		}
		r.mu.Unlock()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for l := range sc.leases {
		l.end()
		delete(sc.leases, l)
	}
	if r.shared[sc.name] == sc {
		delete(r.shared, sc.name)
	}
}

// RefCount is the number of observers sharing a channel.
func (r *Registry) RefCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.shared[name]; ok {
		return len(sc.leases)
	}
	return 0
}

func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.shared))
	for name := range r.shared {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// lease is one observer's view of a shared channel. Its fields are guarded
// by the registry mutex.
type lease struct {
	reg   *Registry
	sc    *sharedChannel
	out   chan adapter.Change
	ended bool
}

func (l *lease) Name() string                   { return l.sc.name }
func (l *lease) Changes() <-chan adapter.Change { return l.out }

func (l *lease) deliver(c adapter.Change) {
	if l.ended {
		return
	}
	select {
	case l.out <- c:
	default:
	}
}

func (l *lease) end() {
	if !l.ended {
		l.ended = true
		close(l.out)
	}
}

func (l *lease) Close() error {
	r := l.reg
	r.mu.Lock()
	if l.ended {
		r.mu.Unlock()
		return nil
	}
	l.end()
	delete(l.sc.leases, l)
	last := len(l.sc.leases) == 0 && r.shared[l.sc.name] == l.sc
	if last {
		delete(r.shared, l.sc.name)
	}
	r.mu.Unlock()
	if last {
		return l.sc.upstream.Close()
	}
	return nil
}
