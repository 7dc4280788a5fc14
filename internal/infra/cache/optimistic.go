package cache

import (
	"fmt"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/infra/metrics"
)

// Mutator derives a new value from the current one. It must not modify cur.
type Mutator func(cur any) (any, error)

// Handle identifies one optimistic write until it is confirmed or rolled back.
type Handle struct {
	key      string
	id       uint64
	snapshot any
	hadValue bool
	mutate   Mutator
	rollback Mutator
}

func (h *Handle) Key() string { return h.key }

type WriteOption func(*Handle)

// WithRollback undoes the write by applying fn to the value current at
// rollback time instead of restoring the snapshot.
func WithRollback(fn Mutator) WriteOption {
	return func(h *Handle) { h.rollback = fn }
}

// WriteOptimistic applies mutator to the current value, marks the key
// pending-optimistic and returns a handle for ConfirmOrRollback. No fetch
// result will overwrite the key until every pending write resolves.
func (s *Store) WriteOptimistic(key string, mutator Mutator, opts ...WriteOption) (*Handle, error) {
	if mutator == nil {
		return nil, fmt.Errorf("%w: nil mutator", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrClosed
	}
	e := s.entryLocked(key)
	next, err := mutator(e.value)
	if err != nil {
		return nil, fmt.Errorf("optimistic write %s: %w", key, err)
	}

	s.handles++
	h := &Handle{key: key, id: s.handles, snapshot: e.value, hadValue: e.hasValue, mutate: mutator}
	for _, o := range opts {
		o(h)
	}
	if len(e.pending) == 0 && e.freshness == Stale {
		// the key already needed a fetch before this write
		e.refetchAfterResolve = true
	}
	e.pending = append(e.pending, h)
	e.value = next
	e.hasValue = true
	e.freshness = PendingOptimistic
	e.updatedAt = s.now()
	e.gen++
	metrics.IncCacheOptimistic(string(KindOf(key)), "written")
	s.publishLocked(key, e)
	return h, nil
}

// ConfirmOrRollback resolves an optimistic write. A nil outcome keeps the
// optimistic value; an error reverts it. Reverting a write that has later
// writes stacked on it replays those later writes on top of the restored
// value. When the last pending write resolves the key becomes fresh, or
// stale plus a refetch if an invalidation was deferred meanwhile.
func (s *Store) ConfirmOrRollback(h *Handle, outcome error) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h.key]
	idx := -1
	if ok {
		for i, p := range e.pending {
			if p == h {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: handle for %s already resolved", domain.ErrInvalidArgument, h.key)
	}
	kind := string(KindOf(h.key))
	later := e.pending[idx+1:]

	if outcome == nil {
		metrics.IncCacheOptimistic(kind, "confirmed")
	} else {
		metrics.IncCacheOptimistic(kind, "rolled_back")
		s.revertLocked(e, h, later)
	}
	e.pending = append(e.pending[:idx:idx], later...)
	e.gen++
	e.updatedAt = s.now()
	defer s.publishLocked(h.key, e)

	if len(e.pending) > 0 {
		return nil
	}
	if !e.refetchAfterResolve {
		e.freshness = Fresh
		e.err = nil
		e.notify(h.key)
		return nil
	}
	e.refetchAfterResolve = false
	e.freshness = Stale
	s.startFetchLocked(h.key, e)
	return nil
}

func (s *Store) revertLocked(e *entry, h *Handle, later []*Handle) {
	if h.rollback != nil {
		v, err := h.rollback(e.value)
		if err == nil {
			e.value = v
			for _, l := range later {
				if sv, err := h.rollback(l.snapshot); err == nil {
					l.snapshot = sv
				}
			}
			return
		}
		s.log.Warn().Err(err).Str("key", h.key).Msg("rollback mutator failed; replaying from snapshot")
	}

	v, has := h.snapshot, h.hadValue
	for _, l := range later {
		l.snapshot, l.hadValue = v, has
		nv, err := l.mutate(v)
		if err != nil {
			s.log.Warn().Err(err).Str("key", h.key).Msg("replaying optimistic write failed")
			continue
		}
		v, has = nv, true
	}
	e.value, e.hasValue = v, has
}
