package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"foreman/internal/config"
	"foreman/internal/conversation"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Store       *repo.Store
	Engine      *engine.Engine
	Coordinator *conversation.Coordinator
	Pools       []config.WorkerPool
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"issue not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope for every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Foreman API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Foreman API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg)
	registerIssues(group, cfg)
	registerTurns(group, cfg)
	registerChat(group, cfg)
	registerEvents(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Issue counts and configured pools",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := cfg.Store.CountByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		pools := make([]PoolStatus, 0, len(cfg.Pools))
		for _, p := range cfg.Pools {
			pools = append(pools, PoolStatus{
				Name:            p.Name,
				WorkerReference: p.WorkerReference,
				RouteTypes:      p.RouteTypes,
				MaxConcurrent:   p.MaxConcurrent,
			})
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{IssueCounts: counts, Pools: pools}}, nil
	})
}

func registerIssues(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Create issue",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		issue, err := cfg.Store.Create(ctx, repo.CreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			IssueType:   input.Body.Type,
			Priority:    input.Body.Priority,
			Creator:     actorIDFromContext(ctx),
			Metadata:    input.Body.Metadata,
			DependsOn:   input.Body.DependsOn,
			ActorID:     actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,in_progress,completed,blocked,pending_user_input,"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body IssueListResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.List(ctx, repo.Filters{
			Status:       input.Status,
			MetadataType: input.Type,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueListResponse `json:"body"`
		}{Body: IssueListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get issue",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := cfg.Store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{id}",
		Summary:     "Update issue",
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		opts := repo.UpdateOptions{
			ID:          input.ID,
			Assignee:    input.Body.Assignee,
			Result:      input.Body.Result,
			BlockReason: input.Body.BlockReason,
			Metadata:    input.Body.Metadata,
			AddDeps:     input.Body.AddDeps,
			RemoveDeps:  input.Body.RemoveDeps,
			ActorID:     actorIDFromContext(ctx),
			Force:       input.Body.Force,
		}
		if input.Body.Status != nil {
			status, ok := domain.ParseStatus(*input.Body.Status)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status "+*input.Body.Status, nil)
			}
			opts.Status = &status
		}
		issue, err := cfg.Store.Update(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})
}

func registerTurns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "process-turn",
		Method:      http.MethodPost,
		Path:        "/turns",
		Summary:     "Process one coordination turn",
	}, func(ctx context.Context, input *struct {
		Body TurnRequest `json:"body"`
	}) (*struct {
		Body domain.TurnReport `json:"body"`
	}, error) {
		report := cfg.Engine.OnTurn(ctx, input.Body.NewIssueIDs)
		return &struct {
			Body domain.TurnReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerChat(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/chat",
		Summary:     "Send a message to the coordinator",
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		reply, err := cfg.Coordinator.HandleMessage(ctx, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: ChatResponse{Reply: reply}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" minimum:"0" maximum:"500"`
		After int64  `query:"after" doc:"Return events with id greater than this cursor"`
		Type  string `query:"type"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = cfg.Store.EventsAfter(ctx, input.Limit, input.After)
		} else {
			items, err = cfg.Store.LatestEvents(ctx, input.Limit, input.Type, "", "")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}
