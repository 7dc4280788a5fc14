package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/cache"
	"codeforge-sync/internal/infra/logging"
	"codeforge-sync/internal/infra/metrics"
	"codeforge-sync/internal/infra/stream"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxInputContextBytes caps the serialized input context of one agent run.
const MaxInputContextBytes = 50000

// Compile-time check
var _ JobUseCase = (*jobUC)(nil)

type JobUseCase interface {
	Launch(ctx context.Context, projectID string, agentType model.AgentType, input map[string]any) (*model.Job, error)
	Watch(jobID string) error
	Unwatch(jobID string)
	Status(ctx context.Context, jobID string) (View[*model.Job], error)
	ListProjectJobs(ctx context.Context, projectID string) (View[[]*model.Job], error)
	Cancel(ctx context.Context, jobID string) (*adapter.CancelJobResponse, error)
	Answer(ctx context.Context, jobID string, answers map[string]any) (*adapter.AgentResponse, error)
	// PollOnce refreshes every watched job that is still running but has no
	// live stream, and returns how many it polled.
	PollOnce(ctx context.Context) int
	Watched() []WatchInfo
	Close()
}

// JobStream is one push connection slot; *stream.Client satisfies it.
type JobStream interface {
	Activate(jobID string)
	Deactivate()
	IsConnected() bool
	State() stream.State
}

// StreamFactory builds a stream for one job with the tracker's callbacks
// installed.
type StreamFactory func(opts ...stream.Option) JobStream

type WatchInfo struct {
	JobID       string       `json:"job_id"`
	StreamState stream.State `json:"stream_state"`
}

type watch struct {
	stream   JobStream
	notified model.JobStatus
}

type jobUC struct {
	store     *cache.Store
	gw        adapter.RequestGateway
	notifier  adapter.Notifier
	newStream StreamFactory
	log       *zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

func NewJobUseCase(store *cache.Store, gw adapter.RequestGateway, notifier adapter.Notifier, newStream StreamFactory, log *zerolog.Logger) *jobUC {
	if log == nil {
		log = logging.Nop()
	}
	return &jobUC{
		store:     store,
		gw:        gw,
		notifier:  notifier,
		newStream: newStream,
		log:       logging.Component(log, "jobs"),
		now:       time.Now,
		watches:   make(map[string]*watch),
	}
}

func (j *jobUC) Launch(ctx context.Context, projectID string, agentType model.AgentType, input map[string]any) (*model.Job, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return nil, fmt.Errorf("%w: project id %q is not a UUID", domain.ErrInvalidArgument, projectID)
	}
	if _, err := model.ParseAgentType(string(agentType)); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("%w: input context: %v", domain.ErrInvalidArgument, err)
	}
	if len(raw) > MaxInputContextBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", domain.ErrContextTooLarge, len(raw), MaxInputContextBytes)
	}

	ctx = logging.WithProjectID(ctx, projectID)
	log := logging.With(ctx, j.log)
	resp, err := j.gw.RunAgent(ctx, adapter.RunAgentRequest{ProjectID: projectID, AgentType: agentType, InputContext: input})
	if err != nil {
		metrics.IncJobLaunched(string(agentType), "failed")
		log.Warn().Err(err).Str("agent_type", string(agentType)).Msg("agent launch failed")
		j.notify(ctx, adapter.Notification{
			Key:       "job.launch_failed",
			ProjectID: projectID,
			Detail:    err.Error(),
			Args:      []any{agentType, userFacing(err)},
		})
		return nil, err
	}
	metrics.IncJobLaunched(string(agentType), "accepted")

	job := &model.Job{
		JobID:     resp.JobID,
		ProjectID: projectID,
		AgentType: agentType,
		Status:    resp.Status,
		CreatedAt: j.now(),
	}
	if err := j.seed(job); err != nil {
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("seeding launched job failed")
	}
	j.store.Invalidate(cache.ProjectJobsKey(projectID))
	if err := j.Watch(job.JobID); err != nil {
		return nil, err
	}
	log.Info().Str("job_id", job.JobID).Str("agent_type", string(agentType)).Msg("agent launched")
	return job, nil
}

// seed records a just-launched job unless something newer already landed.
func (j *jobUC) seed(job *model.Job) error {
	h, err := j.store.WriteOptimistic(cache.JobKey(job.JobID), func(cur any) (any, error) {
		if existing, ok := cur.(*model.Job); ok && existing != nil {
			return existing, nil
		}
		return job, nil
	})
	if err != nil {
		return err
	}
	return j.store.ConfirmOrRollback(h, nil)
}

func (j *jobUC) Watch(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: missing job id", domain.ErrInvalidArgument)
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return domain.ErrClosed
	}
	w, ok := j.watches[jobID]
	if !ok {
		w = &watch{stream: j.newStream(
			stream.OnEvent(j.onEvent),
			stream.OnState(j.onState),
			stream.OnDecodeFailure(j.onDecodeFailure),
		)}
		j.watches[jobID] = w
	}
	j.mu.Unlock()
	w.stream.Activate(jobID)
	return nil
}

func (j *jobUC) Unwatch(jobID string) {
	j.mu.Lock()
	w, ok := j.watches[jobID]
	delete(j.watches, jobID)
	j.mu.Unlock()
	if ok {
		w.stream.Deactivate()
	}
}

func (j *jobUC) Status(ctx context.Context, jobID string) (View[*model.Job], error) {
	return viewOf[*model.Job](j.store.Get(ctx, cache.JobKey(jobID)))
}

func (j *jobUC) ListProjectJobs(ctx context.Context, projectID string) (View[[]*model.Job], error) {
	return viewOf[[]*model.Job](j.store.Get(ctx, cache.ProjectJobsKey(projectID)))
}

func (j *jobUC) Cancel(ctx context.Context, jobID string) (*adapter.CancelJobResponse, error) {
	ctx = logging.WithJobID(ctx, jobID)
	resp, err := j.gw.CancelJob(ctx, jobID)
	if err != nil {
		j.notify(ctx, adapter.Notification{
			Key:    "job.cancel_failed",
			JobID:  jobID,
			Detail: err.Error(),
			Args:   []any{jobID, userFacing(err)},
		})
		return nil, err
	}
	j.invalidateJob(jobID)
	logging.With(ctx, j.log).Info().Str("status", string(resp.Status)).Msg("job cancel requested")
	return resp, nil
}

// Answer hands the user's answers to a job waiting for input and resumes
// following its stream if the connection was lost meanwhile.
func (j *jobUC) Answer(ctx context.Context, jobID string, answers map[string]any) (*adapter.AgentResponse, error) {
	if len(answers) == 0 {
		return nil, fmt.Errorf("%w: no answers", domain.ErrInvalidArgument)
	}
	ctx = logging.WithJobID(ctx, jobID)
	resp, err := j.gw.RespondToAgent(ctx, jobID, answers)
	if err != nil {
		j.notify(ctx, adapter.Notification{
			Key:    "job.answer_failed",
			JobID:  jobID,
			Detail: err.Error(),
			Args:   []any{jobID, userFacing(err)},
		})
		return nil, err
	}
	j.invalidateJob(jobID)
	if model.IsPolling(resp.Status) || resp.Status == "" {
		j.mu.Lock()
		w, ok := j.watches[jobID]
		j.mu.Unlock()
		if !ok || !w.stream.IsConnected() {
			if err := j.Watch(jobID); err != nil {
				logging.With(ctx, j.log).Warn().Err(err).Msg("resuming job stream failed")
			}
		}
	}
	return resp, nil
}

func (j *jobUC) PollOnce(ctx context.Context) int {
	polled := 0
	for _, id := range j.pollCandidates() {
		if ctx.Err() != nil {
			break
		}
		metrics.IncJobPoll()
		polled++
		r := j.store.Refresh(ctx, cache.JobKey(id))
		if r.Err != nil {
			j.log.Debug().Err(r.Err).Str("job_id", id).Msg("job poll failed")
			continue
		}
		if job, ok := cache.Value[*model.Job](r); ok && job != nil {
			metrics.IncJobEvent("poll", string(job.Status))
			j.observe(ctx, job)
		}
	}
	return polled
}

func (j *jobUC) pollCandidates() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for id, w := range j.watches {
		if w.stream.IsConnected() {
			continue
		}
		job, ok := cache.Value[*model.Job](j.store.Peek(cache.JobKey(id)))
		if ok && job != nil && !model.IsPolling(job.Status) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (j *jobUC) Watched() []WatchInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]WatchInfo, 0, len(j.watches))
	for id, w := range j.watches {
		out = append(out, WatchInfo{JobID: id, StreamState: w.stream.State()})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].JobID < out[b].JobID })
	return out
}

// Close stops every stream. Later Watch calls fail with ErrClosed.
func (j *jobUC) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	watches := j.watches
	j.watches = make(map[string]*watch)
	j.mu.Unlock()
	for _, w := range watches {
		w.stream.Deactivate()
	}
}

func (j *jobUC) onEvent(jobID string, ev model.JobEvent) {
	status := model.EventStatus(ev)
	metrics.IncJobEvent("stream", string(status))
	job, err := j.applyEvent(jobID, ev)
	if err != nil {
		j.log.Debug().Err(err).Str("job_id", jobID).Str("status", string(status)).Msg("stream event dropped")
		return
	}
	j.observe(context.Background(), job)
}

// applyEvent folds a pushed event into job:<id>. The write is confirmed at
// once: the event already is the server's word.
func (j *jobUC) applyEvent(jobID string, ev model.JobEvent) (*model.Job, error) {
	var applied *model.Job
	h, err := j.store.WriteOptimistic(cache.JobKey(jobID), func(cur any) (any, error) {
		base, ok := cur.(*model.Job)
		if !ok || base == nil {
			base = &model.Job{JobID: jobID, Status: model.JobStatusRunning}
			if model.EventStatus(ev) == model.JobStatusQueued {
				base.Status = model.JobStatusQueued
			}
		}
		next, err := base.Apply(ev, j.now())
		if err != nil {
			return nil, err
		}
		applied = &next
		return applied, nil
	})
	if err != nil {
		return nil, err
	}
	if err := j.store.ConfirmOrRollback(h, nil); err != nil {
		return nil, err
	}
	return applied, nil
}

func (j *jobUC) onState(jobID string, s stream.State) {
	if s != stream.StateErrorClosed {
		return
	}
	job, ok := cache.Value[*model.Job](j.store.Peek(cache.JobKey(jobID)))
	if ok && job != nil && model.IsTerminal(job.Status) {
		return
	}
	j.notify(context.Background(), adapter.Notification{
		Key:   "stream.lost",
		Level: "warn",
		JobID: jobID,
		Args:  []any{jobID},
	})
}

func (j *jobUC) onDecodeFailure(jobID string, err error) {
	var df *domain.DecodeFailure
	if errors.As(err, &df) {
		j.log.Debug().Str("job_id", jobID).Str("raw", df.Raw).Msg("undecodable stream frame")
	}
}

// observe emits one notification per status worth telling the user about
// and refreshes the project's job list when a job finishes.
func (j *jobUC) observe(ctx context.Context, job *model.Job) {
	var key, level string
	args := []any{job.AgentType}
	switch job.Status {
	case model.JobStatusCompleted:
		key, level = "job.completed", "info"
	case model.JobStatusFailed:
		key, level = "job.failed", "error"
		args = append(args, job.Error)
	case model.JobStatusCancelled:
		key, level = "job.cancelled", "info"
	case model.JobStatusWaitingForInput:
		key, level = "job.waiting", "info"
	default:
		return
	}

	j.mu.Lock()
	w, ok := j.watches[job.JobID]
	if !ok || w.notified == job.Status {
		j.mu.Unlock()
		return
	}
	w.notified = job.Status
	j.mu.Unlock()

	if model.IsTerminal(job.Status) && job.ProjectID != "" {
		j.store.Invalidate(cache.ProjectJobsKey(job.ProjectID))
	}
	j.notify(ctx, adapter.Notification{
		Key:       key,
		Level:     level,
		ProjectID: job.ProjectID,
		JobID:     job.JobID,
		Detail:    job.Error,
		Args:      args,
	})
}

func (j *jobUC) invalidateJob(jobID string) {
	j.store.Invalidate(cache.JobKey(jobID))
	if job, ok := cache.Value[*model.Job](j.store.Peek(cache.JobKey(jobID))); ok && job != nil && job.ProjectID != "" {
		j.store.Invalidate(cache.ProjectJobsKey(job.ProjectID))
	}
}

func (j *jobUC) notify(ctx context.Context, n adapter.Notification) {
	if j.notifier != nil {
		j.notifier.Notify(ctx, n)
	}
}
