package server

import "foreman/internal/domain"

type CreateIssueRequest struct {
	Title       string            `json:"title" minLength:"1" doc:"Issue title"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty" doc:"Issue type used for routing"`
	Priority    int               `json:"priority,omitempty" minimum:"0" maximum:"4"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}

type UpdateIssueRequest struct {
	Status      *string           `json:"status,omitempty" enum:"open,in_progress,completed,blocked,pending_user_input"`
	Assignee    *string           `json:"assignee,omitempty"`
	Result      *string           `json:"result,omitempty"`
	BlockReason *string           `json:"block_reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	AddDeps     []string          `json:"add_deps,omitempty"`
	RemoveDeps  []string          `json:"remove_deps,omitempty"`
	Force       bool              `json:"force,omitempty" doc:"Skip lifecycle validation"`
}

type IssueListResponse struct {
	Items []domain.Issue `json:"items"`
}

type TurnRequest struct {
	NewIssueIDs []string `json:"new_issue_ids,omitempty"`
}

type ChatRequest struct {
	Message string `json:"message" minLength:"1"`
}

type ChatResponse struct {
	Reply string `json:"reply"`
}

type StatusResponse struct {
	IssueCounts map[string]int `json:"issue_counts"`
	Pools       []PoolStatus   `json:"pools"`
}

type PoolStatus struct {
	Name            string   `json:"name"`
	WorkerReference string   `json:"worker_reference"`
	RouteTypes      []string `json:"route_types,omitempty"`
	MaxConcurrent   int      `json:"max_concurrent,omitempty"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}
