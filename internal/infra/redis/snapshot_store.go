package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/infra/cache"

	"github.com/go-redis/redis/v8"
)

const snapshotPrefix = "codeforge:snapshot:"

// SnapshotStore mirrors fresh cache values so a restarted daemon can show
// last-known data while its first fetches run.
type SnapshotStore struct {
	client RedisClient
	ttl    time.Duration
	scope  string
	sealer Sealer
}

// Sealer encrypts values at rest. The cache key is passed as the label so a
// value copied under another key does not open.
type Sealer interface {
	Seal(label string, plain []byte) ([]byte, error)
	Open(label string, sealed []byte) ([]byte, error)
}

type SnapshotOption func(*SnapshotStore)

func WithSealer(s Sealer) SnapshotOption { return func(st *SnapshotStore) { st.sealer = s } }

var _ cache.Mirror = (*SnapshotStore)(nil)

// NewSnapshotStore namespaces keys by scope (the user id) so two users
// sharing one Redis never see each other's data.
func NewSnapshotStore(client RedisClient, ttl time.Duration, scope string, opts ...SnapshotOption) *SnapshotStore {
	s := &SnapshotStore{client: client, ttl: ttl, scope: scope}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SnapshotStore) key(k string) string {
	return snapshotPrefix + s.scope + ":" + k
}

func (s *SnapshotStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key))
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return []byte(data), nil
	}
	plain, err := s.sealer.Open(key, []byte(data))
	if err != nil {
		// Written under another key or with a rotated secret; treat as absent.
		return nil, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return plain, nil
}

func (s *SnapshotStore) Save(ctx context.Context, key string, data []byte) error {
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(key, data)
		if err != nil {
			return err
		}
		data = sealed
	}
	return s.client.Set(ctx, s.key(key), data, s.ttl)
}

func (s *SnapshotStore) Forget(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.client.Del(ctx, full...)
}
