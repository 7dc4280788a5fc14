//go:build !integration

package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/cache"
	"codeforge-sync/internal/infra/changefeed"
	"codeforge-sync/internal/infra/stream"
)

// mockGateway answers with the configured funcs; unset funcs fail with
// ErrNotFound.
type mockGateway struct {
	mu    sync.Mutex
	calls map[string]int

	RunAgentFunc        func(ctx context.Context, req adapter.RunAgentRequest) (*adapter.RunAgentResponse, error)
	GetJobStatusFunc    func(ctx context.Context, jobID string) (*model.Job, error)
	CancelJobFunc       func(ctx context.Context, jobID string) (*adapter.CancelJobResponse, error)
	RespondToAgentFunc  func(ctx context.Context, jobID string, answers map[string]any) (*adapter.AgentResponse, error)
	ListProjectJobsFunc func(ctx context.Context, projectID string, limit int) ([]*model.Job, error)
	ListProjectsFunc    func(ctx context.Context) ([]*model.Project, error)
	GetProjectFunc      func(ctx context.Context, projectID string) (*model.Project, error)
	ListMessagesFunc    func(ctx context.Context, projectID string) ([]*model.ChatMessage, error)
	ListFilesFunc       func(ctx context.Context, projectID string) ([]*model.ProjectFile, error)
}

var _ adapter.RequestGateway = (*mockGateway)(nil)

func (m *mockGateway) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
}

func (m *mockGateway) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockGateway) RunAgent(ctx context.Context, req adapter.RunAgentRequest) (*adapter.RunAgentResponse, error) {
	m.record("RunAgent")
	if m.RunAgentFunc != nil {
		return m.RunAgentFunc(ctx, req)
	}
	return nil, domain.ErrNotFound
}

func (m *mockGateway) GetJobStatus(ctx context.Context, jobID string) (*model.Job, error) {
	m.record("GetJobStatus")
	if m.GetJobStatusFunc != nil {
		return m.GetJobStatusFunc(ctx, jobID)
	}
	return nil, domain.ErrNotFound
}

func (m *mockGateway) CancelJob(ctx context.Context, jobID string) (*adapter.CancelJobResponse, error) {
	m.record("CancelJob")
	if m.CancelJobFunc != nil {
		return m.CancelJobFunc(ctx, jobID)
	}
	return nil, domain.ErrNotFound
}

func (m *mockGateway) RespondToAgent(ctx context.Context, jobID string, answers map[string]any) (*adapter.AgentResponse, error) {
	m.record("RespondToAgent")
	if m.RespondToAgentFunc != nil {
		return m.RespondToAgentFunc(ctx, jobID, answers)
	}
	return nil, domain.ErrNotFound
}

func (m *mockGateway) ListProjectJobs(ctx context.Context, projectID string, limit int) ([]*model.Job, error) {
	m.record("ListProjectJobs")
	if m.ListProjectJobsFunc != nil {
		return m.ListProjectJobsFunc(ctx, projectID, limit)
	}
	return nil, domain.ErrNotFound
}

func (m *mockGateway) ListProjects(ctx context.Context) ([]*model.Project, error) {
	m.record("ListProjects")
	if m.ListProjectsFunc != nil {
		return m.ListProjectsFunc(ctx)
	}
	return nil, domain.ErrNotFound
}

func (m *mockGateway) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	m.record("GetProject")
	if m.GetProjectFunc != nil {
		return m.GetProjectFunc(ctx, projectID)
	}
	return nil, domain.ErrNotFound
}

func (m *mockGateway) ListMessages(ctx context.Context, projectID string) ([]*model.ChatMessage, error) {
	m.record("ListMessages")
	if m.ListMessagesFunc != nil {
		return m.ListMessagesFunc(ctx, projectID)
	}
	return nil, domain.ErrNotFound
}

func (m *mockGateway) ListFiles(ctx context.Context, projectID string) ([]*model.ProjectFile, error) {
	m.record("ListFiles")
	if m.ListFilesFunc != nil {
		return m.ListFilesFunc(ctx, projectID)
	}
	return nil, domain.ErrNotFound
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []adapter.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n adapter.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Key)
	}
	return out
}

type fakeStream struct {
	mu          sync.Mutex
	activations []string
	deactivated int
	connected   bool
}

func (f *fakeStream) Activate(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations = append(f.activations, jobID)
}

func (f *fakeStream) Deactivate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated++
	f.connected = false
}

func (f *fakeStream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStream) State() stream.State {
	if f.IsConnected() {
		return stream.StateOpen
	}
	return stream.StateIdle
}

func (f *fakeStream) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeStream) activationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activations)
}

// streamRecorder hands out fakeStreams and remembers them in order.
type streamRecorder struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (r *streamRecorder) factory(...stream.Option) JobStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeStream{}
	r.streams = append(r.streams, s)
	return s
}

func (r *streamRecorder) last() *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		return nil
	}
	return r.streams[len(r.streams)-1]
}

// memFeed opens in-memory channels; tables listed in fail refuse to open.
type memFeed struct {
	mu       sync.Mutex
	channels []*changefeed.Channel
	fail     map[string]bool
}

func (m *memFeed) Subscribe(_ context.Context, table, filter string) (adapter.FeedChannel, error) {
	if m.fail[table] {
		return nil, errors.New("listen refused")
	}
	f, err := changefeed.ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	ch := changefeed.NewChannel("mem", table, f, nil)
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
	return ch, nil
}

func (m *memFeed) publish(c adapter.Change) {
	m.mu.Lock()
	chans := append([]*changefeed.Channel(nil), m.channels...)
	m.mu.Unlock()
	for _, ch := range chans {
		ch.Deliver(c)
	}
}

func newTestStore(t *testing.T, gw adapter.RequestGateway) *cache.Store {
	t.Helper()
	store := cache.New()
	RegisterSources(store, gw, 50)
	t.Cleanup(store.Close)
	return store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
