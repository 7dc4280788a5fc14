package adapter

import (
	"context"

	"codeforge-sync/internal/domain/model"
)

type RunAgentRequest struct {
	ProjectID    string          `json:"project_id"`
	AgentType    model.AgentType `json:"agent_type"`
	InputContext map[string]any  `json:"input_context"`
}

type RunAgentResponse struct {
	JobID         string          `json:"job_id"`
	Status        model.JobStatus `json:"status"`
	EstimatedTime string          `json:"estimated_time"`
}

type CancelJobResponse struct {
	JobID   string          `json:"job_id"`
	Status  model.JobStatus `json:"status"`
	Message string          `json:"message"`
}

type AgentResponse struct {
	JobID   string          `json:"job_id"`
	Status  model.JobStatus `json:"status"`
	Message string          `json:"message,omitempty"`
}

// RequestGateway issues job-control and data calls against the remote service.
// Every call attaches a fresh bearer credential.
type RequestGateway interface {
	RunAgent(ctx context.Context, req RunAgentRequest) (*RunAgentResponse, error)
	GetJobStatus(ctx context.Context, jobID string) (*model.Job, error)
	CancelJob(ctx context.Context, jobID string) (*CancelJobResponse, error)
	RespondToAgent(ctx context.Context, jobID string, answers map[string]any) (*AgentResponse, error)
	ListProjectJobs(ctx context.Context, projectID string, limit int) ([]*model.Job, error)

	ListProjects(ctx context.Context) ([]*model.Project, error)
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	ListMessages(ctx context.Context, projectID string) ([]*model.ChatMessage, error)
	ListFiles(ctx context.Context, projectID string) ([]*model.ProjectFile, error)
}
