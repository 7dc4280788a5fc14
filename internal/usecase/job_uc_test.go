//go:build !integration

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/cache"
)

func cachedJob(store *cache.Store, jobID string) *model.Job {
	job, _ := cache.Value[*model.Job](store.Peek(cache.JobKey(jobID)))
	return job
}

func TestJobUseCase_Launch(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject a project id that is not a UUID", func(t *testing.T) {
		gw := &mockGateway{}
		uc := NewJobUseCase(newTestStore(t, gw), gw, nil, (&streamRecorder{}).factory, nil)
		if _, err := uc.Launch(ctx, "not-a-uuid", model.AgentCode, nil); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		if gw.count("RunAgent") != 0 {
			t.Fatal("gateway must not be called")
		}
	})

	t.Run("should reject an unknown agent type", func(t *testing.T) {
		gw := &mockGateway{}
		uc := NewJobUseCase(newTestStore(t, gw), gw, nil, (&streamRecorder{}).factory, nil)
		if _, err := uc.Launch(ctx, projectID, model.AgentType("poet"), nil); !errors.Is(err, domain.ErrUnknownAgentType) {
			t.Fatalf("expected ErrUnknownAgentType, got %v", err)
		}
	})

	t.Run("should cap the input context size", func(t *testing.T) {
		gw := &mockGateway{}
		uc := NewJobUseCase(newTestStore(t, gw), gw, nil, (&streamRecorder{}).factory, nil)
		big := map[string]any{"blob": strings.Repeat("x", MaxInputContextBytes)}
		if _, err := uc.Launch(ctx, projectID, model.AgentCode, big); !errors.Is(err, domain.ErrContextTooLarge) {
			t.Fatalf("expected ErrContextTooLarge, got %v", err)
		}
	})

	t.Run("should seed the job as queued and start following its stream", func(t *testing.T) {
		gw := &mockGateway{
			RunAgentFunc: func(ctx context.Context, req adapter.RunAgentRequest) (*adapter.RunAgentResponse, error) {
				return &adapter.RunAgentResponse{JobID: "job-1", Status: model.JobStatusQueued}, nil
			},
			GetJobStatusFunc: func(ctx context.Context, jobID string) (*model.Job, error) {
				return &model.Job{JobID: jobID, ProjectID: projectID, AgentType: model.AgentCode, Status: model.JobStatusQueued}, nil
			},
		}
		streams := &streamRecorder{}
		store := newTestStore(t, gw)
		uc := NewJobUseCase(store, gw, nil, streams.factory, nil)

		job, err := uc.Launch(ctx, projectID, model.AgentCode, map[string]any{"goal": "scaffold"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if job.JobID != "job-1" || job.Status != model.JobStatusQueued || job.ProjectID != projectID {
			t.Fatalf("unexpected job %+v", job)
		}
		view, err := uc.Status(ctx, "job-1")
		if err != nil || view.Data.Status != model.JobStatusQueued {
			t.Fatalf("expected cached queued job, got %+v %v", view, err)
		}
		s := streams.last()
		if s == nil || s.activationCount() != 1 || s.activations[0] != "job-1" {
			t.Fatalf("expected stream for job-1, got %+v", s)
		}
	})

	t.Run("should notify when the launch is refused", func(t *testing.T) {
		gw := &mockGateway{
			RunAgentFunc: func(ctx context.Context, req adapter.RunAgentRequest) (*adapter.RunAgentResponse, error) {
				return nil, &domain.RemoteError{Op: "run_agent", Status: 400, Message: "Invalid agent type"}
			},
		}
		notes := &recordingNotifier{}
		uc := NewJobUseCase(newTestStore(t, gw), gw, notes, (&streamRecorder{}).factory, nil)
		if _, err := uc.Launch(ctx, projectID, model.AgentQA, nil); err == nil {
			t.Fatal("expected error")
		}
		if keys := notes.keys(); len(keys) != 1 || keys[0] != "job.launch_failed" {
			t.Fatalf("unexpected notifications %v", keys)
		}
	})
}

func TestJobUseCase_StreamEvents(t *testing.T) {
	newUC := func(t *testing.T) (*jobUC, *cache.Store, *recordingNotifier) {
		gw := &mockGateway{}
		store := newTestStore(t, gw)
		notes := &recordingNotifier{}
		uc := NewJobUseCase(store, gw, notes, (&streamRecorder{}).factory, nil)
		if err := uc.Watch("job-1"); err != nil {
			t.Fatalf("watch: %v", err)
		}
		return uc, store, notes
	}

	t.Run("should fold progress and completion into the cached job", func(t *testing.T) {
		uc, store, notes := newUC(t)

		uc.onEvent("job-1", model.ProgressEvent{Status: model.JobStatusRunning, Progress: 40})
		if job := cachedJob(store, "job-1"); job == nil || job.Progress != 40 || job.Status != model.JobStatusRunning {
			t.Fatalf("unexpected job %+v", job)
		}
		uc.onEvent("job-1", model.CompleteEvent{Result: json.RawMessage(`{"summary":"ok"}`)})
		uc.onEvent("job-1", model.CompleteEvent{Result: json.RawMessage(`{"summary":"ok"}`)})

		job := cachedJob(store, "job-1")
		if job.Status != model.JobStatusCompleted || job.Progress != 100 || string(job.Result) != `{"summary":"ok"}` {
			t.Fatalf("unexpected job %+v", job)
		}
		if keys := notes.keys(); len(keys) != 1 || keys[0] != "job.completed" {
			t.Fatalf("expected one completion notice, got %v", keys)
		}
	})

	t.Run("should drop events that break the status machine", func(t *testing.T) {
		uc, store, _ := newUC(t)
		uc.onEvent("job-1", model.ErrorEvent{Error: "boom"})
		uc.onEvent("job-1", model.ProgressEvent{Status: model.JobStatusRunning, Progress: 10})

		job := cachedJob(store, "job-1")
		if job.Status != model.JobStatusFailed || job.Error != "boom" {
			t.Fatalf("terminal job changed: %+v", job)
		}
	})

	t.Run("should announce a lost stream for unfinished jobs only", func(t *testing.T) {
		uc, _, notes := newUC(t)
		uc.onEvent("job-1", model.ProgressEvent{Status: model.JobStatusRunning, Progress: 5})
		uc.onState("job-1", "error-closed")
		if keys := notes.keys(); len(keys) != 1 || keys[0] != "stream.lost" {
			t.Fatalf("unexpected notifications %v", keys)
		}
	})
}

func TestJobUseCase_PollOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("should poll running jobs without a live stream", func(t *testing.T) {
		var status atomic.Value
		status.Store(model.JobStatusRunning)
		gw := &mockGateway{
			GetJobStatusFunc: func(ctx context.Context, jobID string) (*model.Job, error) {
				return &model.Job{JobID: jobID, ProjectID: projectID, AgentType: model.AgentQA, Status: status.Load().(model.JobStatus)}, nil
			},
		}
		streams := &streamRecorder{}
		notes := &recordingNotifier{}
		store := newTestStore(t, gw)
		uc := NewJobUseCase(store, gw, notes, streams.factory, nil)
		_ = uc.Watch("job-live")
		streams.last().setConnected(true)
		_ = uc.Watch("job-lost")

		if n := uc.PollOnce(ctx); n != 1 {
			t.Fatalf("expected one poll, got %d", n)
		}
		status.Store(model.JobStatusCompleted)
		if n := uc.PollOnce(ctx); n != 1 {
			t.Fatalf("expected one poll, got %d", n)
		}
		if job := cachedJob(store, "job-lost"); job.Status != model.JobStatusCompleted {
			t.Fatalf("expected completed, got %+v", job)
		}
		if n := uc.PollOnce(ctx); n != 0 {
			t.Fatalf("finished jobs must not be polled, got %d", n)
		}
		if keys := notes.keys(); len(keys) != 1 || keys[0] != "job.completed" {
			t.Fatalf("unexpected notifications %v", keys)
		}
	})
}

func TestJobUseCase_Control(t *testing.T) {
	ctx := context.Background()

	t.Run("should notify when cancelling fails", func(t *testing.T) {
		gw := &mockGateway{
			CancelJobFunc: func(ctx context.Context, jobID string) (*adapter.CancelJobResponse, error) {
				return nil, &domain.RemoteError{Op: "cancel_job", Status: 400, Message: "Job already finished"}
			},
		}
		notes := &recordingNotifier{}
		uc := NewJobUseCase(newTestStore(t, gw), gw, notes, (&streamRecorder{}).factory, nil)
		if _, err := uc.Cancel(ctx, "job-1"); err == nil {
			t.Fatal("expected error")
		}
		if keys := notes.keys(); len(keys) != 1 || keys[0] != "job.cancel_failed" {
			t.Fatalf("unexpected notifications %v", keys)
		}
	})

	t.Run("should resume the stream after answering", func(t *testing.T) {
		var got map[string]any
		gw := &mockGateway{
			RespondToAgentFunc: func(ctx context.Context, jobID string, answers map[string]any) (*adapter.AgentResponse, error) {
				got = answers
				return &adapter.AgentResponse{JobID: jobID, Status: model.JobStatusRunning}, nil
			},
		}
		streams := &streamRecorder{}
		uc := NewJobUseCase(newTestStore(t, gw), gw, nil, streams.factory, nil)
		_ = uc.Watch("job-1")

		if _, err := uc.Answer(ctx, "job-1", map[string]any{"audience": "students"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got["audience"] != "students" {
			t.Errorf("answers not forwarded: %v", got)
		}
		if n := streams.last().activationCount(); n != 2 {
			t.Fatalf("expected the stream to be reactivated, got %d activations", n)
		}
		if _, err := uc.Answer(ctx, "job-1", nil); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("should stop every stream on close", func(t *testing.T) {
		gw := &mockGateway{}
		streams := &streamRecorder{}
		uc := NewJobUseCase(newTestStore(t, gw), gw, nil, streams.factory, nil)
		_ = uc.Watch("job-1")
		_ = uc.Watch("job-2")

		uc.Close()
		uc.Close()
		for _, s := range streams.streams {
			if s.deactivated != 1 {
				t.Fatalf("expected one deactivation, got %d", s.deactivated)
			}
		}
		if err := uc.Watch("job-3"); !errors.Is(err, domain.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
		if len(uc.Watched()) != 0 {
			t.Fatal("expected no watches after close")
		}
	})
}
