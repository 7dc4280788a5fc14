//go:build !integration

package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
)

type staticCreds struct{ token string }

func (s staticCreds) Token(context.Context) (string, error) { return s.token, nil }
func (s staticCreds) UserID() string                        { return "u-1" }

type sseServer struct {
	*httptest.Server
	mu           sync.Mutex
	paths        []string
	auth         []string
	disconnected chan string
}

// newSSEServer serves frames, then holds the connection open until the
// client goes away.
func newSSEServer(t *testing.T, frames ...string) *sseServer {
	t.Helper()
	s := &sseServer{disconnected: make(chan string, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
		<-r.Context().Done()
		s.disconnected <- r.URL.Path
	}))
	t.Cleanup(s.Close)
	return s
}

func data(payload string) string { return "data: " + payload + "\n\n" }

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected state %s, got %s", want, c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDisconnect(t *testing.T, s *sseServer) string {
	t.Helper()
	select {
	case p := <-s.disconnected:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the client disconnect")
	}
	return ""
}

func TestClient(t *testing.T) {
	t.Run("should record events and close once on a terminal frame", func(t *testing.T) {
		srv := newSSEServer(t,
			": keep-alive\n\n",
			data(`{"status":"running","progress":10}`),
			data(`{"status":"running","progress":`),
			"data: {\"status\":\"running\",\n"+"data: \"progress\":40}\n\n",
			data(`{"status":"completed","result":{"summary":"done"}}`),
			data(`{"status":"running","progress":99}`),
		)
		var decodeFailures, terminalStates atomic.Int32
		var mu sync.Mutex
		var seen []model.JobStatus
		c := New(srv.URL, staticCreds{token: "tok"},
			OnEvent(func(_ string, ev model.JobEvent) {
				mu.Lock()
				seen = append(seen, model.EventStatus(ev))
				mu.Unlock()
			}),
			OnDecodeFailure(func(string, error) { decodeFailures.Add(1) }),
			OnState(func(_ string, s State) {
				if s == StateTerminalClosed {
					terminalStates.Add(1)
				}
			}),
		)
		defer c.Close()

		c.Activate("job-1")
		waitState(t, c, StateTerminalClosed)
		if p := waitDisconnect(t, srv); p != "/agents/jobs/job-1/stream" {
			t.Errorf("unexpected path %q", p)
		}

		events := c.Events()
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d: %#v", len(events), events)
		}
		if p, ok := events[1].(model.ProgressEvent); !ok || p.Progress != 40 {
			t.Errorf("multi-line frame not joined: %#v", events[1])
		}
		latest, ok := c.LatestEvent()
		if _, isComplete := latest.(model.CompleteEvent); !ok || !isComplete {
			t.Errorf("expected complete event last, got %#v", latest)
		}
		if decodeFailures.Load() != 1 {
			t.Errorf("expected 1 decode failure, got %d", decodeFailures.Load())
		}
		if terminalStates.Load() != 1 {
			t.Errorf("expected one terminal close, got %d", terminalStates.Load())
		}
		mu.Lock()
		if len(seen) != 3 {
			t.Errorf("callback saw %v", seen)
		}
		mu.Unlock()
		if c.IsConnected() {
			t.Error("terminal-closed stream reports connected")
		}
		srv.mu.Lock()
		if srv.auth[0] != "Bearer tok" {
			t.Errorf("expected bearer header, got %q", srv.auth[0])
		}
		srv.mu.Unlock()
	})

	t.Run("should deliver a completed frame larger than a megabyte", func(t *testing.T) {
		big := strings.Repeat("a", 2<<20)
		srv := newSSEServer(t,
			data(`{"status":"running","progress":50}`),
			data(`{"status":"completed","result":{"code":"`+big+`"}}`),
		)
		var lost atomic.Int32
		c := New(srv.URL, staticCreds{}, OnState(func(_ string, s State) {
			if s == StateErrorClosed {
				lost.Add(1)
			}
		}))
		defer c.Close()

		c.Activate("job-1")
		waitState(t, c, StateTerminalClosed)
		latest, ok := c.LatestEvent()
		done, isComplete := latest.(model.CompleteEvent)
		if !ok || !isComplete || len(done.Result) < 2<<20 {
			t.Fatalf("expected the large completed event last, got %T", latest)
		}
		if lost.Load() != 0 {
			t.Fatal("a large frame closed the stream on error")
		}
	})

	t.Run("should drop a frame over the size cap without closing", func(t *testing.T) {
		huge := strings.Repeat("z", maxFrameSize+1)
		srv := newSSEServer(t,
			data(`{"status":"running","message":"`+huge+`","progress":1}`),
			data(`{"status":"running","progress":2}`),
		)
		var failures atomic.Int32
		c := New(srv.URL, staticCreds{}, OnDecodeFailure(func(_ string, err error) {
			if errors.Is(err, errFrameTooLarge) {
				failures.Add(1)
			}
		}))
		defer c.Close()

		c.Activate("job-1")
		deadline := time.Now().Add(5 * time.Second)
		for len(c.Events()) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if c.State() != StateOpen {
			t.Fatalf("expected the stream to stay open, got %s", c.State())
		}
		events := c.Events()
		if len(events) != 1 {
			t.Fatalf("expected only the small frame, got %d events", len(events))
		}
		if p, ok := events[0].(model.ProgressEvent); !ok || p.Progress != 2 {
			t.Fatalf("unexpected event %#v", events[0])
		}
		if failures.Load() != 1 {
			t.Fatalf("expected one oversize decode failure, got %d", failures.Load())
		}
	})

	t.Run("should treat a non-200 answer as error-closed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()
		c := New(srv.URL, staticCreds{})
		c.Activate("job-1")
		waitState(t, c, StateErrorClosed)
		if !errors.Is(c.Err(), domain.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", c.Err())
		}
	})

	t.Run("should mark error-closed when the server hangs up early", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, data(`{"status":"running","progress":5}`))
		}))
		defer srv.Close()
		c := New(srv.URL, staticCreds{})
		c.Activate("job-1")
		waitState(t, c, StateErrorClosed)
		if !errors.Is(c.Err(), domain.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", c.Err())
		}
		if len(c.Events()) != 1 {
			t.Fatalf("events before the hangup should be kept")
		}
	})

	t.Run("should deactivate idempotently", func(t *testing.T) {
		srv := newSSEServer(t, data(`{"status":"running","progress":1}`))
		c := New(srv.URL, staticCreds{})
		c.Activate("job-1")
		waitState(t, c, StateOpen)

		c.Deactivate()
		c.Deactivate()
		waitDisconnect(t, srv)
		if c.State() != StateIdle || c.IsConnected() {
			t.Fatalf("expected idle, got %s", c.State())
		}
	})

	t.Run("should close the old connection when switching jobs", func(t *testing.T) {
		srv := newSSEServer(t)
		c := New(srv.URL, staticCreds{})
		defer c.Close()

		c.Activate("job-1")
		waitState(t, c, StateOpen)
		c.Activate("job-1")
		c.Activate("job-2")
		if p := waitDisconnect(t, srv); p != "/agents/jobs/job-1/stream" {
			t.Fatalf("expected job-1 to be closed, got %q", p)
		}
		waitState(t, c, StateOpen)
		if c.JobID() != "job-2" {
			t.Fatalf("expected job-2 active, got %s", c.JobID())
		}
		srv.mu.Lock()
		defer srv.mu.Unlock()
		if len(srv.paths) != 2 {
			t.Fatalf("re-activating the same job must not reconnect: %v", srv.paths)
		}
	})

	t.Run("should give up after the idle timeout", func(t *testing.T) {
		srv := newSSEServer(t)
		c := New(srv.URL, staticCreds{}, WithIdleTimeout(50*time.Millisecond))
		c.Activate("job-1")
		waitState(t, c, StateErrorClosed)
		if !strings.Contains(c.Err().Error(), "idle") {
			t.Fatalf("expected idle error, got %v", c.Err())
		}
	})
}

func TestReadFrames(t *testing.T) {
	t.Run("should join data lines and skip other fields", func(t *testing.T) {
		in := "data: a\r\n\r\nevent: x\nid: 3\ndata: b\ndata: c\n\n: note\ndata: cut"
		var got []string
		err := readFrames(strings.NewReader(in), maxFrameSize, func(d []byte, err error) bool {
			if err != nil {
				t.Fatalf("unexpected frame error: %v", err)
			}
			got = append(got, string(d))
			return true
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 || got[0] != "a" || got[1] != "b\nc" {
			t.Fatalf("unexpected frames %q", got)
		}
	})

	t.Run("should drop an oversized frame and keep reading", func(t *testing.T) {
		in := "data: " + strings.Repeat("x", 64) + "\n\n" +
			"data: 0123456789\ndata: 0123456789\n\n" +
			"data: ok\n\n"
		var got []string
		var dropped int
		err := readFrames(strings.NewReader(in), 16, func(d []byte, err error) bool {
			if errors.Is(err, errFrameTooLarge) {
				dropped++
				return true
			}
			got = append(got, string(d))
			return true
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dropped != 2 || len(got) != 1 || got[0] != "ok" {
			t.Fatalf("expected 2 dropped and [ok], got %d %q", dropped, got)
		}
	})

	t.Run("should stop when the callback says so", func(t *testing.T) {
		calls := 0
		_ = readFrames(strings.NewReader("data: a\n\ndata: b\n\n"), maxFrameSize, func([]byte, error) bool {
			calls++
			return false
		})
		if calls != 1 {
			t.Fatalf("expected one call, got %d", calls)
		}
	})
}
