package application

import (
	"context"
	"errors"
	"fmt"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/cache"
	"codeforge-sync/internal/usecase"
)

// SyncFacade composes the use cases into the operations the local API offers.
type SyncFacade struct {
	Projects      usecase.ProjectUseCase
	Jobs          usecase.JobUseCase
	Chat          usecase.ChatUseCase
	Notifications NotificationFeed
	Cache         CacheInspector
	// DefaultAgent answers chat messages that name no agent.
	DefaultAgent model.AgentType
}

func NewSyncFacade(projects usecase.ProjectUseCase, jobs usecase.JobUseCase, chat usecase.ChatUseCase, notes NotificationFeed, c CacheInspector, defaultAgent model.AgentType) *SyncFacade {
	return &SyncFacade{
		Projects:      projects,
		Jobs:          jobs,
		Chat:          chat,
		Notifications: notes,
		Cache:         c,
		DefaultAgent:  defaultAgent,
	}
}

func (f *SyncFacade) ListProjects(ctx context.Context) (usecase.View[[]*model.Project], error) {
	return f.Projects.ListProjects(ctx)
}

func (f *SyncFacade) GetProject(ctx context.Context, projectID string) (usecase.View[*model.Project], error) {
	return f.Projects.Get(ctx, projectID)
}

func (f *SyncFacade) ProjectJobs(ctx context.Context, projectID string) (usecase.View[[]*model.Job], error) {
	return f.Jobs.ListProjectJobs(ctx, projectID)
}

func (f *SyncFacade) ProjectFiles(ctx context.Context, projectID string) (usecase.View[[]*model.ProjectFile], error) {
	return f.Projects.ListFiles(ctx, projectID)
}

// Messages mounts the project first so server-side writes to the
// conversation invalidate the cached list.
func (f *SyncFacade) Messages(ctx context.Context, projectID string) (usecase.View[[]*model.ChatMessage], error) {
	if err := f.mount(ctx, projectID); err != nil {
		return usecase.View[[]*model.ChatMessage]{}, err
	}
	return f.Chat.ListMessages(ctx, projectID)
}

// SendMessage uses DefaultAgent when agent is empty. The project is mounted
// before sending: the provisional message is only replaced once the
// messages feed reports the server's write.
func (f *SyncFacade) SendMessage(ctx context.Context, projectID, content, agent string) (*adapter.RunAgentResponse, error) {
	at := f.DefaultAgent
	if agent != "" {
		parsed, err := model.ParseAgentType(agent)
		if err != nil {
			return nil, err
		}
		at = parsed
	}
	if err := f.mount(ctx, projectID); err != nil {
		return nil, err
	}
	return f.Chat.SendMessage(ctx, projectID, content, at)
}

// mount tolerates a closed use case so reads keep working during teardown.
func (f *SyncFacade) mount(ctx context.Context, projectID string) error {
	if err := f.Projects.Mount(ctx, projectID); err != nil && !errors.Is(err, domain.ErrClosed) {
		return err
	}
	return nil
}

// RunAgent launches a job and ties its stream to the project's scope so
// unmounting the project stops following it.
func (f *SyncFacade) RunAgent(ctx context.Context, projectID, agent string, input map[string]any) (*model.Job, error) {
	at, err := model.ParseAgentType(agent)
	if err != nil {
		return nil, err
	}
	job, err := f.Jobs.Launch(ctx, projectID, at, input)
	if err != nil {
		return nil, err
	}
	if err := f.Projects.Mount(ctx, projectID); err == nil {
		jobID := job.JobID
		_ = f.Projects.Track(projectID, "stream:"+jobID, func() error {
			f.Jobs.Unwatch(jobID)
			return nil
		})
	}
	return job, nil
}

func (f *SyncFacade) GetJob(ctx context.Context, jobID string) (usecase.View[*model.Job], error) {
	return f.Jobs.Status(ctx, jobID)
}

func (f *SyncFacade) WatchJob(jobID string) error { return f.Jobs.Watch(jobID) }

func (f *SyncFacade) CancelJob(ctx context.Context, jobID string) (*adapter.CancelJobResponse, error) {
	return f.Jobs.Cancel(ctx, jobID)
}

func (f *SyncFacade) AnswerJob(ctx context.Context, jobID string, answers map[string]any) (*adapter.AgentResponse, error) {
	return f.Jobs.Answer(ctx, jobID, answers)
}

func (f *SyncFacade) UnmountProject(projectID string) error {
	return f.Projects.Unmount(projectID)
}

func (f *SyncFacade) RecentNotifications(n int) []adapter.Notification {
	if f.Notifications == nil {
		return nil
	}
	return f.Notifications.Recent(n)
}

// Status summarizes what the daemon is currently following.
type Status struct {
	Mounts  []usecase.MountInfo `json:"mounts"`
	Watches []usecase.WatchInfo `json:"watches"`
	Entries []cache.EntryInfo   `json:"entries"`
}

func (f *SyncFacade) Status() Status {
	st := Status{Mounts: f.Projects.Mounted(), Watches: f.Jobs.Watched()}
	if f.Cache != nil {
		st.Entries = f.Cache.Snapshot()
	}
	return st
}

// Close stops every stream and unmounts every project.
func (f *SyncFacade) Close() error {
	f.Jobs.Close()
	if err := f.Projects.Close(); err != nil {
		return fmt.Errorf("unmount projects: %w", err)
	}
	return nil
}
