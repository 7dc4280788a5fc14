package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/cache"
	"codeforge-sync/internal/infra/changefeed"
	"codeforge-sync/internal/infra/logging"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ ProjectUseCase = (*projectUC)(nil)

// ProjectUseCase reads project data through the cache and keeps one
// change-feed scope per mounted project so those reads stay current.
type ProjectUseCase interface {
	ListProjects(ctx context.Context) (View[[]*model.Project], error)
	Get(ctx context.Context, projectID string) (View[*model.Project], error)
	ListFiles(ctx context.Context, projectID string) (View[[]*model.ProjectFile], error)

	MountUser(ctx context.Context, userID string) error
	Mount(ctx context.Context, projectID string) error
	Unmount(projectID string) error
	// Track ties a resource's teardown to a mounted project's scope.
	Track(projectID, name string, fn func() error) error
	Mounted() []MountInfo
	Close() error
}

type MountInfo struct {
	Scope    string   `json:"scope"`
	Channels []string `json:"channels"`
}

type projectUC struct {
	store    *cache.Store
	feed     adapter.ChangeFeed // nil: no live updates
	notifier adapter.Notifier
	log      *zerolog.Logger

	mu     sync.Mutex
	scopes map[string]*changefeed.Scope
	closed bool
}

const userScope = "user"

func NewProjectUseCase(store *cache.Store, feed adapter.ChangeFeed, notifier adapter.Notifier, log *zerolog.Logger) *projectUC {
	if log == nil {
		log = logging.Nop()
	}
	return &projectUC{
		store:    store,
		feed:     feed,
		notifier: notifier,
		log:      logging.Component(log, "projects"),
		scopes:   make(map[string]*changefeed.Scope),
	}
}

func (p *projectUC) ListProjects(ctx context.Context) (View[[]*model.Project], error) {
	return viewOf[[]*model.Project](p.store.Get(ctx, cache.ProjectListKey()))
}

// Get mounts the project on first access.
func (p *projectUC) Get(ctx context.Context, projectID string) (View[*model.Project], error) {
	if err := p.Mount(ctx, projectID); err != nil && !errors.Is(err, domain.ErrClosed) {
		return View[*model.Project]{}, err
	}
	return viewOf[*model.Project](p.store.Get(ctx, cache.ProjectKey(projectID)))
}

func (p *projectUC) ListFiles(ctx context.Context, projectID string) (View[[]*model.ProjectFile], error) {
	return viewOf[[]*model.ProjectFile](p.store.Get(ctx, cache.ProjectFilesKey(projectID)))
}

func (p *projectUC) MountUser(ctx context.Context, userID string) error {
	return p.mount(ctx, userScope, changefeed.UserFeeds(userID))
}

func (p *projectUC) Mount(ctx context.Context, projectID string) error {
	if projectID == "" {
		return fmt.Errorf("%w: missing project id", domain.ErrInvalidArgument)
	}
	return p.mount(ctx, "project:"+projectID, changefeed.ProjectFeeds(projectID))
}

// mount is idempotent per scope name. A channel that cannot be opened is
// reported and skipped; its keys then only refresh on explicit reads.
func (p *projectUC) mount(ctx context.Context, name string, specs []changefeed.FeedSpec) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrClosed
	}
	if _, ok := p.scopes[name]; ok {
		p.mu.Unlock()
		return nil
	}
	scope := changefeed.NewScope(name, p.log)
	p.scopes[name] = scope
	p.mu.Unlock()

	if p.feed == nil {
		p.log.Debug().Str("scope", name).Msg("mounted without change-feed")
		return nil
	}
	opened := 0
	for _, spec := range specs {
		if _, err := scope.Subscribe(ctx, p.feed, p.store, spec); err != nil {
			if errors.Is(err, domain.ErrClosed) {
				return err
			}
			p.log.Warn().Err(err).Str("scope", name).Str("channel", spec.Name()).Msg("change-feed subscribe failed")
			if p.notifier != nil {
				p.notifier.Notify(ctx, adapter.Notification{
					Key:    "feed.subscribe_failed",
					Level:  "warn",
					Detail: err.Error(),
					Args:   []any{spec.Table, userFacing(err)},
				})
			}
			continue
		}
		opened++
	}
	p.log.Info().Str("scope", name).Int("channels", opened).Msg("scope mounted")
	return nil
}

func (p *projectUC) Unmount(projectID string) error {
	p.mu.Lock()
	name := "project:" + projectID
	scope, ok := p.scopes[name]
	delete(p.scopes, name)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: project %s is not mounted", domain.ErrNotFound, projectID)
	}
	return scope.Close()
}

func (p *projectUC) Track(projectID, name string, fn func() error) error {
	p.mu.Lock()
	scope, ok := p.scopes["project:"+projectID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: project %s is not mounted", domain.ErrNotFound, projectID)
	}
	return scope.Track(name, fn)
}

func (p *projectUC) Mounted() []MountInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MountInfo, 0, len(p.scopes))
	for name, scope := range p.scopes {
		info := MountInfo{Scope: name, Channels: []string{}}
		for _, sub := range scope.Subscribers() {
			if sub.Active() {
				info.Channels = append(info.Channels, sub.Name())
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Close unmounts everything.
func (p *projectUC) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	scopes := p.scopes
	p.scopes = make(map[string]*changefeed.Scope)
	p.mu.Unlock()

	var errs []error
	for _, s := range scopes {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
