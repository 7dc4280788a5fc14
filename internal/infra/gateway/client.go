// Package gateway is the HTTP client for the remote job and project API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/logging"
	"codeforge-sync/internal/infra/metrics"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	apiPrefix       = "/v1"
	maxResponseSize = 8 << 20
	maxListLimit    = 100
)

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l *zerolog.Logger) Option { return func(c *Client) { c.log = l } }

func WithTracer(t trace.Tracer) Option { return func(c *Client) { c.tracer = t } }

type Client struct {
	base   string
	creds  adapter.CredentialSource
	http   *http.Client
	log    *zerolog.Logger
	tracer trace.Tracer
}

var _ adapter.RequestGateway = (*Client)(nil)

func New(baseURL string, creds adapter.CredentialSource, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/") + apiPrefix,
		creds:  creds,
		http:   &http.Client{Timeout: timeout},
		tracer: otel.Tracer("codeforge-sync/gateway"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		nop := zerolog.Nop()
		c.log = &nop
	}
	return c
}

// APIBase is the versioned base URL, shared with the stream client.
func (c *Client) APIBase() string { return c.base }

func (c *Client) RunAgent(ctx context.Context, in adapter.RunAgentRequest) (*adapter.RunAgentResponse, error) {
	var out adapter.RunAgentResponse
	if err := c.call(ctx, "run_agent", http.MethodPost, "/agents/run-agent", in, &out); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, domain.NewDecodeFailure("run_agent", nil, errors.New("response without job_id"))
	}
	if out.Status == "" {
		out.Status = model.JobStatusQueued
	}
	return &out, nil
}

func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	if err := c.call(ctx, "get_job_status", http.MethodGet, "/agents/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) (*adapter.CancelJobResponse, error) {
	var out adapter.CancelJobResponse
	if err := c.call(ctx, "cancel_job", http.MethodPost, "/agents/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RespondToAgent(ctx context.Context, jobID string, answers map[string]any) (*adapter.AgentResponse, error) {
	body := map[string]any{"answers": answers}
	var out adapter.AgentResponse
	if err := c.call(ctx, "respond_to_agent", http.MethodPost, "/agents/jobs/"+url.PathEscape(jobID)+"/respond", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjectJobs returns the newest jobs first; limit is clamped to 1..100.
func (c *Client) ListProjectJobs(ctx context.Context, projectID string, limit int) ([]*model.Job, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	path := "/agents/jobs/" + url.PathEscape(projectID) + "/list?limit=" + strconv.Itoa(limit)
	var raw json.RawMessage
	if err := c.call(ctx, "list_project_jobs", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return decodeList[*model.Job]("list_project_jobs", raw, "jobs")
}

func (c *Client) ListProjects(ctx context.Context) ([]*model.Project, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "list_projects", http.MethodGet, "/projects", nil, &raw); err != nil {
		return nil, err
	}
	return decodeList[*model.Project]("list_projects", raw, "projects")
}

func (c *Client) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	var p model.Project
	if err := c.call(ctx, "get_project", http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListMessages(ctx context.Context, projectID string) ([]*model.ChatMessage, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "list_messages", http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/messages", nil, &raw); err != nil {
		return nil, err
	}
	return decodeList[*model.ChatMessage]("list_messages", raw, "messages")
}

func (c *Client) ListFiles(ctx context.Context, projectID string) ([]*model.ProjectFile, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "list_files", http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/files", nil, &raw); err != nil {
		return nil, err
	}
	return decodeList[*model.ProjectFile]("list_files", raw, "files")
}

// call performs one request inside a client span and records its metrics.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	ctx, span := c.tracer.Start(ctx, "gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	status, err := c.roundTrip(ctx, op, method, path, in, out)
	metrics.ObserveGatewayCall(op, status, time.Since(start).Milliseconds(), err == nil)

	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out any) (int, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: credentials: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id := logging.TraceIDFrom(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", op, domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: %w: read body: %v", op, domain.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, c.remoteError(ctx, op, resp, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, domain.NewDecodeFailure(op, data, err)
	}
	return resp.StatusCode, nil
}

// errorEnvelope covers the service's {"error","message","details"} shape and
// the framework's bare {"detail": ...}.
type errorEnvelope struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

func (c *Client) remoteError(ctx context.Context, op string, resp *http.Response, data []byte) error {
	re := &domain.RemoteError{Op: op, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil {
		re.Code = env.Error
		switch {
		case env.Message != "":
			re.Message = env.Message
		case len(env.Detail) > 0:
			var s string
			if json.Unmarshal(env.Detail, &s) == nil {
				re.Message = s
			} else {
				re.Message = string(env.Detail)
			}
		}
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs >= 0 {
			re.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	log := logging.With(ctx, c.log)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		log.Warn().Str("op", op).Msg("remote call unauthorized")
	case http.StatusTooManyRequests:
		log.Warn().Str("op", op).Dur("retry_after", re.RetryAfter).Msg("remote call rate limited")
	default:
		log.Debug().Str("op", op).Int("status", re.Status).Str("code", re.Code).Msg("remote call failed")
	}
	return re
}

// decodeList accepts a bare array or an object wrapping it under field.
func decodeList[T any](op string, raw json.RawMessage, field string) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []T{}, nil
	}
	if trimmed[0] != '[' {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, domain.NewDecodeFailure(op, raw, err)
		}
		inner, ok := wrapped[field]
		if !ok {
			return nil, domain.NewDecodeFailure(op, raw, fmt.Errorf("missing %q", field))
		}
		trimmed = inner
	}
	out := []T{}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, domain.NewDecodeFailure(op, raw, err)
	}
	return out, nil
}
