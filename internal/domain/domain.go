package domain

import "strings"

// Status is the lifecycle state of an issue.
type Status string

const (
	StatusOpen         Status = "open"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusBlocked      Status = "blocked"
	StatusPendingInput Status = "pending_user_input"
)

var allStatuses = []Status{
	StatusOpen,
	StatusInProgress,
	StatusCompleted,
	StatusBlocked,
	StatusPendingInput,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStatuses {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// CanTransition reports whether oldStatus -> newStatus is a legal move.
// Workers drive in_progress into the terminal-ish states; a resolution step
// re-opens blocked and pending_user_input issues. completed never leaves.
func CanTransition(oldStatus, newStatus Status) bool {
	switch oldStatus {
	case StatusOpen:
		return newStatus == StatusInProgress
	case StatusInProgress:
		return newStatus == StatusCompleted || newStatus == StatusBlocked || newStatus == StatusPendingInput
	case StatusBlocked, StatusPendingInput:
		return newStatus == StatusOpen
	}
	return false
}

// Issue is a trackable unit of work.
type Issue struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	IssueType   string            `json:"issue_type"`
	Status      Status            `json:"status" enum:"open,in_progress,completed,blocked,pending_user_input"`
	Priority    int               `json:"priority"`
	Assignee    string            `json:"assignee,omitempty"`
	Creator     string            `json:"creator,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Result      string            `json:"result,omitempty"`
	BlockReason string            `json:"block_reason,omitempty"`
	RetryCount  int               `json:"retry_count"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	UpdatedAt   string            `json:"updated_at" format:"date-time"`
}

// RoutingType is the categorical tag routing rules match against:
// metadata "type" when present, the issue type otherwise.
func (i Issue) RoutingType() string {
	if t, ok := i.Metadata["type"]; ok && t != "" {
		return t
	}
	if i.IssueType != "" {
		return i.IssueType
	}
	return "general"
}

// SpawnStage identifies where a spawn attempt failed.
type SpawnStage string

const (
	SpawnStageRoute   SpawnStage = "route"
	SpawnStageClaim   SpawnStage = "claim"
	SpawnStageLaunch  SpawnStage = "launch"
	SpawnStageExecute SpawnStage = "execute"
)

// SpawnFailure records a failed spawn attempt for an issue. Failures are
// accumulated and surfaced through TurnReport; they are never raised.
type SpawnFailure struct {
	IssueID string     `json:"issue_id"`
	Stage   SpawnStage `json:"stage" enum:"route,claim,launch,execute"`
	Reason  string     `json:"reason"`
}

// TurnReport is what one coordination turn surfaces back to the caller.
type TurnReport struct {
	Recovered   []Issue        `json:"recovered,omitempty"`
	Completions []Issue        `json:"completions,omitempty"`
	NeedInput   []Issue        `json:"need_input,omitempty"`
	Failures    []SpawnFailure `json:"failures,omitempty"`
	Spawned     int            `json:"spawned"`
}

// Event is an append-only log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
