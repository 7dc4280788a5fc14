// Package cache is the reactive store that reconciles pull-fetched values with
// push-driven invalidations and speculative local writes.
//
// Every write goes through Read (fetch-and-populate), Invalidate,
// WriteOptimistic and ConfirmOrRollback. A key with an outstanding optimistic
// write never accepts a fetch result: the fetch is discarded and reissued once
// the last write on the key resolves.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/infra/metrics"
	"codeforge-sync/internal/infra/worker"

	"github.com/rs/zerolog"
)

type Freshness int

const (
	Absent Freshness = iota
	Fresh
	Stale
	PendingOptimistic
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case PendingOptimistic:
		return "pending-optimistic"
	}
	return "absent"
}

func (f Freshness) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Fetcher loads the authoritative value for a key. The returned value replaces
// the cached one wholesale.
type Fetcher func(ctx context.Context, key string) (any, error)

// Decoder turns a mirrored snapshot back into a value.
type Decoder func(data []byte) (any, error)

type Source struct {
	Fetch  Fetcher
	Decode Decoder
}

// JSONDecoder decodes mirrored snapshots into T.
func JSONDecoder[T any]() Decoder {
	return func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Executor runs background fetches; *worker.Pool satisfies it.
type Executor interface {
	Submit(task worker.Task) error
}

// Mirror persists fresh values so a restarted process can show last-known
// data (as stale) before its first fetch completes.
type Mirror interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// Result is what a read observes. Pending, when non-nil, receives exactly one
// Result once the key's next fetch commits or fails, and is then closed.
type Result struct {
	Key       string
	Value     any
	Found     bool
	Freshness Freshness
	Err       error
	UpdatedAt time.Time
	Pending   <-chan Result
}

// Value extracts a typed value from a result.
func Value[T any](r Result) (T, bool) {
	v, ok := r.Value.(T)
	return v, ok && r.Found
}

type entry struct {
	value     any
	hasValue  bool
	freshness Freshness
	err       error
	updatedAt time.Time

	// gen moves on every invalidation, optimistic write and resolution; a
	// fetch only commits if gen is unchanged since it started.
	gen      uint64
	fetching bool
	waiters  []chan Result

	pending             []*Handle
	refetchAfterResolve bool
}

type Option func(*Store)

func WithExecutor(e Executor) Option { return func(s *Store) { s.exec = e } }

func WithMirror(m Mirror) Option { return func(s *Store) { s.mirror = m } }

func WithLogger(l *zerolog.Logger) Option { return func(s *Store) { s.log = l } }

func WithFetchTimeout(d time.Duration) Option { return func(s *Store) { s.fetchTimeout = d } }

type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	watchers map[string]map[chan Result]struct{}
	sources  map[Kind]Source
	handles  uint64
	closed   bool

	exec         Executor
	mirror       Mirror
	log          *zerolog.Logger
	fetchTimeout time.Duration
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

type goExecutor struct{}

func (goExecutor) Submit(task worker.Task) error {
	go func() { _ = task(context.Background()) }()
	return nil
}

func New(opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		entries:      make(map[string]*entry),
		watchers:     make(map[string]map[chan Result]struct{}),
		sources:      make(map[Kind]Source),
		exec:         goExecutor{},
		fetchTimeout: 30 * time.Second,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		nop := zerolog.Nop()
		s.log = &nop
	}
	return s
}

// Register binds a fetch source to every key of a kind.
func (s *Store) Register(kind Kind, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[kind] = src
}

// Read returns the cached value immediately. Fresh values come back as-is;
// stale or absent keys also start a background fetch whose outcome arrives
// on Result.Pending. Fetch failures surface as Result.Err next to the
// last-known value.
func (s *Store) Read(ctx context.Context, key string) Result {
	s.seed(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{Key: key, Err: domain.ErrClosed}
	}
	kind := string(KindOf(key))
	e := s.entryLocked(key)

	switch e.freshness {
	case Fresh:
		metrics.IncCacheRequest(kind, "hit")
		return e.result(key)
	case PendingOptimistic:
		metrics.IncCacheRequest(kind, "pending")
		r := e.result(key)
		if e.refetchAfterResolve {
			r.Pending = e.addWaiter()
		}
		return r
	}

	if e.hasValue {
		metrics.IncCacheRequest(kind, "stale")
	} else {
		metrics.IncCacheRequest(kind, "miss")
	}
	r := e.result(key)
	r.Pending = e.addWaiter()
	s.startFetchLocked(key, e)
	return r
}

// Peek returns the key's current state without fetching.
func (s *Store) Peek(key string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Result{Key: key}
	}
	return e.result(key)
}

// Get is Read, but waits for the fetch when nothing is cached yet.
func (s *Store) Get(ctx context.Context, key string) Result {
	r := s.Read(ctx, key)
	if r.Found || r.Pending == nil {
		return r
	}
	return await(ctx, r)
}

// Refresh invalidates the key and waits for the refetch. While an optimistic
// write is pending it returns the optimistic value without waiting.
func (s *Store) Refresh(ctx context.Context, key string) Result {
	s.Invalidate(key)
	r := s.Read(ctx, key)
	if r.Pending == nil || r.Freshness == PendingOptimistic {
		return r
	}
	return await(ctx, r)
}

func await(ctx context.Context, r Result) Result {
	select {
	case res, ok := <-r.Pending:
		if !ok {
			r.Err = domain.ErrClosed
			return r
		}
		return res
	case <-ctx.Done():
		r.Err = ctx.Err()
		r.Pending = nil
		return r
	}
}

// Invalidate marks a fresh key stale without dropping its value and without
// fetching. On a key with a pending optimistic write the invalidation is
// remembered and turns into a refetch once the write resolves.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.closed {
		return
	}
	kind := string(KindOf(key))
	metrics.IncCacheInvalidation(kind)
	e.gen++
	switch e.freshness {
	case PendingOptimistic:
		e.refetchAfterResolve = true
		metrics.IncCacheDeferred(kind)
	case Fresh:
		e.freshness = Stale
	}
	s.publishLocked(key, e)
}

func (s *Store) entryLocked(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{freshness: Stale}
		s.entries[key] = e
	}
	return e
}

func (e *entry) result(key string) Result {
	f := e.freshness
	if !e.hasValue && f != PendingOptimistic {
		f = Absent
	}
	return Result{
		Key:       key,
		Value:     e.value,
		Found:     e.hasValue,
		Freshness: f,
		Err:       e.err,
		UpdatedAt: e.updatedAt,
	}
}

func (e *entry) addWaiter() <-chan Result {
	ch := make(chan Result, 1)
	e.waiters = append(e.waiters, ch)
	return ch
}

func (e *entry) notify(key string) {
	if len(e.waiters) == 0 {
		return
	}
	r := e.result(key)
	for _, ch := range e.waiters {
		ch <- r
		close(ch)
	}
	e.waiters = nil
}

func (s *Store) startFetchLocked(key string, e *entry) {
	if e.fetching || len(e.pending) > 0 {
		return
	}
	src, ok := s.sources[KindOf(key)]
	if !ok || src.Fetch == nil {
		e.err = fmt.Errorf("%w: %s", domain.ErrNoFetcher, key)
		e.notify(key)
		return
	}
	e.fetching = true
	gen := e.gen
	err := s.exec.Submit(func(context.Context) error {
		s.runFetch(key, gen, src.Fetch)
		return nil
	})
	if err != nil {
		e.fetching = false
		e.err = fmt.Errorf("schedule fetch %s: %w", key, err)
		metrics.IncCacheFetch(string(KindOf(key)), "error")
		e.notify(key)
	}
}

func (s *Store) runFetch(key string, gen uint64, fetch Fetcher) {
	ctx, cancel := context.WithTimeout(s.ctx, s.fetchTimeout)
	v, err := safeFetch(ctx, fetch, key)
	cancel()

	kind := string(KindOf(key))
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	e.fetching = false

	switch {
	case len(e.pending) > 0:
		// never commit over a pending optimistic write
		e.refetchAfterResolve = true
		metrics.IncCacheDeferred(kind)
		metrics.IncCacheFetch(kind, "discarded")
		s.mu.Unlock()
		return
	case e.gen != gen:
		metrics.IncCacheFetch(kind, "discarded")
		if e.freshness == Stale && len(e.waiters) > 0 {
			s.startFetchLocked(key, e)
		} else {
			e.notify(key)
		}
		s.mu.Unlock()
		return
	case err != nil:
		e.err = err
		metrics.IncCacheFetch(kind, "error")
		s.log.Warn().Err(err).Str("key", key).Msg("cache fetch failed")
		e.notify(key)
		s.publishLocked(key, e)
		s.mu.Unlock()
		return
	}

	e.value = v
	e.hasValue = true
	e.freshness = Fresh
	e.err = nil
	e.updatedAt = s.now()
	metrics.IncCacheFetch(kind, "committed")
	e.notify(key)
	s.publishLocked(key, e)
	s.mu.Unlock()

	s.saveMirror(key, v)
}

func safeFetch(ctx context.Context, fetch Fetcher, key string) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("fetch %s panicked: %v", key, rec)
		}
	}()
	return fetch(ctx, key)
}

func (s *Store) seed(ctx context.Context, key string) {
	if s.mirror == nil {
		return
	}
	s.mu.Lock()
	_, exists := s.entries[key]
	src := s.sources[KindOf(key)]
	s.mu.Unlock()
	if exists || src.Decode == nil {
		return
	}
	data, err := s.mirror.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Debug().Err(err).Str("key", key).Msg("snapshot load failed")
		}
		return
	}
	v, err := src.Decode(data)
	if err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("snapshot decode failed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists && !s.closed {
		s.entries[key] = &entry{value: v, hasValue: true, freshness: Stale}
	}
}

func (s *Store) saveMirror(key string, v any) {
	if s.mirror == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = s.exec.Submit(func(context.Context) error {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		return s.mirror.Save(ctx, key, data)
	})
}

// Watch delivers the key's latest state after every change to it. Slow
// watchers only see the most recent state. The returned func unsubscribes.
func (s *Store) Watch(key string) (<-chan Result, func()) {
	ch := make(chan Result, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	set, ok := s.watchers[key]
	if !ok {
		set = make(map[chan Result]struct{})
		s.watchers[key] = set
	}
	set[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if set, ok := s.watchers[key]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(s.watchers, key)
				}
			}
		})
	}
}

func (s *Store) publishLocked(key string, e *entry) {
	set := s.watchers[key]
	if len(set) == 0 {
		return
	}
	r := e.result(key)
	for ch := range set {
		select {
		case <-ch:
		default:
		}
		ch <- r
	}
}

// EntryInfo describes one key for diagnostics.
type EntryInfo struct {
	Key       string    `json:"key"`
	Kind      Kind      `json:"kind"`
	Freshness Freshness `json:"freshness"`
	HasValue  bool      `json:"has_value"`
	Pending   int       `json:"pending_writes"`
	Fetching  bool      `json:"fetching"`
	Err       string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) Snapshot() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for k, e := range s.entries {
		info := EntryInfo{
			Key:       k,
			Kind:      KindOf(k),
			Freshness: e.result(k).Freshness,
			HasValue:  e.hasValue,
			Pending:   len(e.pending),
			Fetching:  e.fetching,
			UpdatedAt: e.updatedAt,
		}
		if e.err != nil {
			info.Err = e.err.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close fails every outstanding waiter and stops accepting work.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	for _, e := range s.entries {
		for _, ch := range e.waiters {
			ch <- Result{Err: domain.ErrClosed}
			close(ch)
		}
		e.waiters = nil
	}
	for key, set := range s.watchers {
		for ch := range set {
			close(ch)
		}
		delete(s.watchers, key)
	}
}
