//go:build !integration

package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"codeforge-sync/internal/domain"
)

// --- Job Status Tests ---

func TestParseJobStatus(t *testing.T) {
	t.Run("should accept every status in the closed set", func(t *testing.T) {
		for _, s := range AllJobStatuses {
			got, err := ParseJobStatus(string(s))
			if err != nil || got != s {
				t.Errorf("ParseJobStatus(%q) = %q, %v", s, got, err)
			}
		}
	})

	t.Run("should reject unknown and differently cased values", func(t *testing.T) {
		for _, s := range []string{"", "done", "Running", "pending"} {
			if _, err := ParseJobStatus(s); !errors.Is(err, domain.ErrUnknownStatus) {
				t.Errorf("expected ErrUnknownStatus for %q, got %v", s, err)
			}
		}
	})
}

func TestStatusPartition(t *testing.T) {
	t.Run("should classify every status as exactly one of terminal or polling", func(t *testing.T) {
		terminal := map[JobStatus]bool{
			JobStatusQueued:          false,
			JobStatusRunning:         false,
			JobStatusWaitingForInput: false,
			JobStatusCompleted:       true,
			JobStatusFailed:          true,
			JobStatusCancelled:       true,
		}
		if len(terminal) != len(AllJobStatuses) {
			t.Fatalf("table covers %d statuses, closed set has %d", len(terminal), len(AllJobStatuses))
		}
		for _, s := range AllJobStatuses {
			want, ok := terminal[s]
			if !ok {
				t.Fatalf("status %q missing from table", s)
			}
			if IsTerminal(s) != want {
				t.Errorf("IsTerminal(%s) = %v, want %v", s, IsTerminal(s), want)
			}
			if IsTerminal(s) == IsPolling(s) {
				t.Errorf("%s: IsTerminal=%v IsPolling=%v, want exactly one", s, IsTerminal(s), IsPolling(s))
			}
		}
	})

	t.Run("should classify unknown values as neither", func(t *testing.T) {
		for _, s := range []JobStatus{"", "paused", "Completed"} {
			if IsTerminal(s) || IsPolling(s) {
				t.Errorf("%q: IsTerminal=%v IsPolling=%v, want false/false", s, IsTerminal(s), IsPolling(s))
			}
		}
	})
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusRunning, true},
		{JobStatusRunning, JobStatusWaitingForInput, true},
		{JobStatusWaitingForInput, JobStatusRunning, true},
		{JobStatusWaitingForInput, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusCompleted, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusCancelled, JobStatusRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

// --- Job Tests ---

func TestJobUnmarshal(t *testing.T) {
	t.Run("should round float progress into range", func(t *testing.T) {
		var j Job
		err := json.Unmarshal([]byte(`{"job_id":"j1","agent_type":"code","status":"running","progress":42.6}`), &j)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if j.Progress != 43 || j.AgentType != AgentCode {
			t.Fatalf("unexpected job %+v", j)
		}

		if err := json.Unmarshal([]byte(`{"status":"running","progress":180}`), &j); err != nil || j.Progress != 100 {
			t.Fatalf("expected clamp to 100, got %d %v", j.Progress, err)
		}
	})

	t.Run("should reject unknown statuses and agent types", func(t *testing.T) {
		var j Job
		if err := json.Unmarshal([]byte(`{"status":"paused"}`), &j); !errors.Is(err, domain.ErrUnknownStatus) {
			t.Errorf("expected ErrUnknownStatus, got %v", err)
		}
		if err := json.Unmarshal([]byte(`{"status":"queued","agent_type":"poet"}`), &j); !errors.Is(err, domain.ErrUnknownAgentType) {
			t.Errorf("expected ErrUnknownAgentType, got %v", err)
		}
		if err := json.Unmarshal([]byte(`{"job_id":"j1"}`), &j); !errors.Is(err, domain.ErrUnknownStatus) {
			t.Errorf("expected a missing status to fail, got %v", err)
		}
	})
}

func TestJobApply(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should stamp start and completion times", func(t *testing.T) {
		j := Job{JobID: "j1", Status: JobStatusQueued}

		j, err := j.Apply(ProgressEvent{Status: JobStatusRunning, Progress: 30}, at)
		if err != nil {
			t.Fatalf("apply progress: %v", err)
		}
		if j.StartedAt == nil || !j.StartedAt.Equal(at) || j.Progress != 30 {
			t.Fatalf("unexpected job after progress %+v", j)
		}

		done := at.Add(time.Minute)
		j, err = j.Apply(CompleteEvent{Result: json.RawMessage(`{"ok":true}`)}, done)
		if err != nil {
			t.Fatalf("apply complete: %v", err)
		}
		if !j.IsComplete() || j.Progress != 100 || string(j.Result) != `{"ok":true}` {
			t.Fatalf("unexpected job after complete %+v", j)
		}
		if d, ok := j.Duration(); !ok || d != time.Minute {
			t.Fatalf("expected one minute, got %v %v", d, ok)
		}
	})

	t.Run("should leave the original untouched on rejection", func(t *testing.T) {
		j := Job{JobID: "j1", Status: JobStatusCompleted, Progress: 100}
		got, err := j.Apply(ProgressEvent{Status: JobStatusRunning, Progress: 5}, at)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if got.Status != JobStatusCompleted || got.Progress != 100 {
			t.Fatalf("rejected event mutated the job: %+v", got)
		}
	})

	t.Run("should record the error on failure", func(t *testing.T) {
		j := Job{Status: JobStatusRunning}
		j, err := j.Apply(ErrorEvent{Error: "agent crashed"}, at)
		if err != nil || j.Status != JobStatusFailed || j.Error != "agent crashed" || j.CompletedAt == nil {
			t.Fatalf("unexpected job %+v %v", j, err)
		}
		if _, ok := j.Duration(); ok {
			t.Fatal("a job that never started has no duration")
		}
	})
}

// --- Job Event Tests ---

func TestDecodeJobEvent(t *testing.T) {
	t.Run("should decode each frame shape", func(t *testing.T) {
		cases := []struct {
			frame string
			want  JobStatus
		}{
			{`{"status":"queued","progress":0}`, JobStatusQueued},
			{`{"status":"running","progress":12.5,"message":"reading"}`, JobStatusRunning},
			{`{"status":"completed","result":{"files":[]}}`, JobStatusCompleted},
			{`{"status":"failed","error":"boom"}`, JobStatusFailed},
			{`{"status":"waiting_for_input","questions":[{"id":"q1"}]}`, JobStatusWaitingForInput},
		}
		for _, c := range cases {
			ev, err := DecodeJobEvent([]byte(c.frame))
			if err != nil {
				t.Errorf("decode %s: %v", c.frame, err)
				continue
			}
			if got := EventStatus(ev); got != c.want {
				t.Errorf("decode %s: status %s, want %s", c.frame, got, c.want)
			}
		}
	})

	t.Run("should reject frames whose shape does not match the status", func(t *testing.T) {
		for _, frame := range []string{
			`{"progress":10}`,
			`{"status":"running"}`,
			`{"status":"completed"}`,
			`{"status":"completed","result":null}`,
			`{"status":"failed"}`,
			`{"status":"waiting_for_input"}`,
			`{"status":"exploded","progress":1}`,
			`not json`,
		} {
			_, err := DecodeJobEvent([]byte(frame))
			var df *domain.DecodeFailure
			if !errors.As(err, &df) {
				t.Errorf("expected DecodeFailure for %s, got %v", frame, err)
			}
		}
	})

	t.Run("should truncate the raw preview", func(t *testing.T) {
		_, err := DecodeJobEvent([]byte(`{"status":"running","message":"` + strings.Repeat("x", 1000) + `"}`))
		var df *domain.DecodeFailure
		if !errors.As(err, &df) || len(df.Raw) > 300 {
			t.Fatalf("expected a truncated preview, got %v", err)
		}
	})
}

// --- Chat Message Tests ---

func TestProvisionalIDs(t *testing.T) {
	t.Run("should mint unique increasing ids within one millisecond", func(t *testing.T) {
		g := NewProvisionalIDs()
		frozen := time.Now()
		g.now = func() time.Time { return frozen }

		prev := g.Next()
		for i := 0; i < 100; i++ {
			id := g.Next()
			if id <= prev {
				t.Fatalf("ids not increasing: %s then %s", prev, id)
			}
			if !IsProvisional(id) || !strings.Contains(id, g.Origin()) {
				t.Fatalf("unexpected id %s", id)
			}
			prev = id
		}
	})

	t.Run("should tag ids from different generators apart", func(t *testing.T) {
		a, b := NewProvisionalIDs(), NewProvisionalIDs()
		if a.Origin() == b.Origin() {
			t.Fatal("two generators share an origin")
		}
	})
}

func TestMessageHelpers(t *testing.T) {
	msgs := []*ChatMessage{
		{MessageID: "m1", Role: RoleUser, Content: "a"},
		{MessageID: "m2", Role: RoleAssistant, Content: "b"},
		NewProvisionalMessage("temp-x-1", "p1", "c"),
	}

	t.Run("should drop only the named message", func(t *testing.T) {
		out := WithoutMessage(msgs, "temp-x-1")
		if len(out) != 2 || len(msgs) != 3 {
			t.Fatalf("unexpected result %d (input %d)", len(out), len(msgs))
		}
	})

	t.Run("should keep the most recent window", func(t *testing.T) {
		if got := RecentMessages(msgs, 2); len(got) != 2 || got[0].MessageID != "m2" {
			t.Fatalf("unexpected window %v", got)
		}
		if got := RecentMessages(msgs, 0); len(got) != 3 {
			t.Fatalf("zero window should keep everything")
		}
	})

	t.Run("should flag provisional messages", func(t *testing.T) {
		if msgs[0].IsProvisional() || !msgs[2].IsProvisional() {
			t.Fatal("provisional flag wrong")
		}
		if msgs[2].Role != RoleUser || msgs[2].ProjectID != "p1" {
			t.Fatalf("unexpected provisional message %+v", msgs[2])
		}
	})
}
