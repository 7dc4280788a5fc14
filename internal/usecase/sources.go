package usecase

import (
	"context"
	"fmt"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/cache"
)

// RegisterSources wires one gateway call per cache key kind. Values are
// stored as the concrete types the gateway returns so cache.Value[T] can
// extract them.
func RegisterSources(store *cache.Store, gw adapter.RequestGateway, jobsLimit int) {
	store.Register(cache.KindProjectList, cache.Source{
		Fetch: func(ctx context.Context, _ string) (any, error) {
			return gw.ListProjects(ctx)
		},
		Decode: cache.JSONDecoder[[]*model.Project](),
	})
	store.Register(cache.KindProject, cache.Source{
		Fetch: func(ctx context.Context, key string) (any, error) {
			id, err := keyID(key, cache.KindProject)
			if err != nil {
				return nil, err
			}
			return gw.GetProject(ctx, id)
		},
		Decode: cache.JSONDecoder[*model.Project](),
	})
	store.Register(cache.KindProjectJobs, cache.Source{
		Fetch: func(ctx context.Context, key string) (any, error) {
			id, err := keyID(key, cache.KindProjectJobs)
			if err != nil {
				return nil, err
			}
			return gw.ListProjectJobs(ctx, id, jobsLimit)
		},
		Decode: cache.JSONDecoder[[]*model.Job](),
	})
	store.Register(cache.KindProjectFiles, cache.Source{
		Fetch: func(ctx context.Context, key string) (any, error) {
			id, err := keyID(key, cache.KindProjectFiles)
			if err != nil {
				return nil, err
			}
			return gw.ListFiles(ctx, id)
		},
		Decode: cache.JSONDecoder[[]*model.ProjectFile](),
	})
	store.Register(cache.KindProjectMessages, cache.Source{
		Fetch: func(ctx context.Context, key string) (any, error) {
			id, err := keyID(key, cache.KindProjectMessages)
			if err != nil {
				return nil, err
			}
			return gw.ListMessages(ctx, id)
		},
		Decode: cache.JSONDecoder[[]*model.ChatMessage](),
	})
	store.Register(cache.KindJob, cache.Source{
		Fetch: func(ctx context.Context, key string) (any, error) {
			id, err := keyID(key, cache.KindJob)
			if err != nil {
				return nil, err
			}
			return gw.GetJobStatus(ctx, id)
		},
		Decode: cache.JSONDecoder[*model.Job](),
	})
}

func keyID(key string, want cache.Kind) (string, error) {
	kind, id := cache.ParseKey(key)
	if kind != want || id == "" {
		return "", fmt.Errorf("%w: key %q is not a %s key", domain.ErrInvalidArgument, key, want)
	}
	return id, nil
}

// View is a cached value as the caller sees it: the data plus how much to
// trust it.
type View[T any] struct {
	Data      T               `json:"data"`
	Freshness cache.Freshness `json:"freshness"`
	UpdatedAt time.Time       `json:"updated_at"`
	Error     string          `json:"error,omitempty"`
}

// viewOf fails only when nothing is known about the key. A fetch error next
// to a last-known value is reported in View.Error.
func viewOf[T any](r cache.Result) (View[T], error) {
	var v View[T]
	if !r.Found {
		if r.Err != nil {
			return v, r.Err
		}
		return v, fmt.Errorf("%w: %s", domain.ErrNotFound, r.Key)
	}
	data, ok := cache.Value[T](r)
	if !ok {
		return v, fmt.Errorf("cached %s holds %T", r.Key, r.Value)
	}
	v.Data = data
	v.Freshness = r.Freshness
	v.UpdatedAt = r.UpdatedAt
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v, nil
}
