package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"foreman/internal/decompose"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/repo"
)

// Coordinator turns user messages into engine turns. Each message is
// classified as a status request, a work request, a resolution for an
// issue waiting on input, or general conversation.
type Coordinator struct {
	Store      *repo.Store
	Engine     *engine.Engine
	Decomposer decompose.Decomposer
	Log        *slog.Logger
	ActorID    string
}

func New(store *repo.Store, eng *engine.Engine, dec decompose.Decomposer, logger *slog.Logger, actorID string) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if dec == nil {
		dec = decompose.Fallback{}
	}
	if actorID == "" {
		actorID = "foreman"
	}
	return &Coordinator{Store: store, Engine: eng, Decomposer: dec, Log: logger, ActorID: actorID}
}

// HandleMessage processes one user message and returns the reply text.
func (c *Coordinator) HandleMessage(ctx context.Context, message string) (string, error) {
	var parts []string

	switch {
	case isStatusRequest(message):
		report := c.Engine.OnTurn(ctx, nil)
		parts = appendUpdates(parts, report)
		status, err := c.renderStatus(ctx)
		if err != nil {
			return "", err
		}
		parts = append(parts, status)

	case isWorkRequest(message):
		reply, report, err := c.handleWorkRequest(ctx, message)
		if err != nil {
			return "", err
		}
		parts = appendUpdates(parts, report)
		parts = append(parts, reply)

	default:
		if reply, handled, err := c.tryResolution(ctx, message); err != nil {
			return "", err
		} else if handled {
			report := c.Engine.OnTurn(ctx, nil)
			parts = appendUpdates(parts, report)
			parts = append(parts, reply)
			break
		}
		report := c.Engine.OnTurn(ctx, nil)
		parts = appendUpdates(parts, report)
	}

	if len(parts) == 0 {
		parts = append(parts, "All systems running. Let me know if you need anything!")
	}
	return strings.Join(parts, "\n\n"), nil
}

func (c *Coordinator) handleWorkRequest(ctx context.Context, message string) (string, domain.TurnReport, error) {
	drafts, err := c.Decomposer.Decompose(ctx, message)
	if err != nil {
		c.Log.Warn("decomposition failed, creating a single issue", "error", err)
		drafts = []decompose.Draft{{Title: "Work request", Description: message, Type: "general", Priority: 2}}
	}

	var created []domain.Issue
	for _, d := range drafts {
		issue, err := c.Store.Create(ctx, repo.CreateOptions{
			Title:       d.Title,
			Description: d.Description,
			IssueType:   d.Type,
			Priority:    d.Priority,
			Creator:     c.ActorID,
			Metadata:    map[string]string{"type": d.Type},
			ActorID:     c.ActorID,
		})
		if err != nil {
			return "", domain.TurnReport{}, fmt.Errorf("create issue: %w", err)
		}
		created = append(created, issue)
	}

	ids := make([]string, len(created))
	for i, issue := range created {
		ids[i] = issue.ID
	}
	report := c.Engine.OnTurn(ctx, ids)

	var b strings.Builder
	fmt.Fprintf(&b, "Created %d issue(s) and started %d worker(s):\n", len(created), report.Spawned)
	for _, issue := range created {
		fmt.Fprintf(&b, "- %s [%s]\n", issue.Title, issue.RoutingType())
	}
	return strings.TrimRight(b.String(), "\n"), report, nil
}

// tryResolution treats the message as an answer for the oldest issue
// waiting on user input, when one exists.
func (c *Coordinator) tryResolution(ctx context.Context, message string) (string, bool, error) {
	waiting, err := c.Store.ListByStatus(ctx, domain.StatusPendingInput)
	if err != nil {
		return "", false, err
	}
	if len(waiting) == 0 {
		return "", false, nil
	}
	issue := waiting[0]

	open := domain.StatusOpen
	if _, err := c.Store.Update(ctx, repo.UpdateOptions{
		ID:       issue.ID,
		Status:   &open,
		Metadata: map[string]string{"resolution": message},
		ActorID:  c.ActorID,
	}); err != nil {
		return "", false, fmt.Errorf("apply resolution: %w", err)
	}
	c.Engine.ClearReportedBlocker(issue.ID)

	if err := c.Engine.ResumeWithResolution(ctx, issue.ID, message); err != nil {
		c.Log.Warn("could not resume worker", "issue", issue.ID, "error", err)
		return fmt.Sprintf("Updated issue %q with your input.", issue.Title), true, nil
	}
	return fmt.Sprintf("Got it. Resuming work on %q with your input.", issue.Title), true, nil
}

func (c *Coordinator) renderStatus(ctx context.Context) (string, error) {
	counts, err := c.Store.CountByStatus(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Work status:\n")
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	total := 0
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %d\n", k, counts[k])
		total += counts[k]
	}
	if total == 0 {
		return "No issues tracked yet.", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func appendUpdates(parts []string, report domain.TurnReport) []string {
	for _, issue := range report.Recovered {
		parts = append(parts, fmt.Sprintf("Found %q still %s from a previous session.", issue.Title, issue.Status))
	}
	for _, issue := range report.Completions {
		line := fmt.Sprintf("Completed: %q", issue.Title)
		if issue.Result != "" {
			line += " with result: " + issue.Result
		}
		parts = append(parts, line)
	}
	for _, issue := range report.NeedInput {
		line := fmt.Sprintf("Waiting on you: %q", issue.Title)
		if issue.BlockReason != "" {
			line += " (" + issue.BlockReason + ")"
		}
		parts = append(parts, line)
	}
	for _, f := range report.Failures {
		parts = append(parts, fmt.Sprintf("Worker problem on issue %s (%s): %s", f.IssueID, f.Stage, f.Reason))
	}
	return parts
}

var statusKeywords = []string{
	"status",
	"progress",
	"what's happening",
	"how's it going",
	"what are you working on",
	"show me",
}

var workKeywords = []string{
	"refactor",
	"implement",
	"add",
	"create",
	"build",
	"write",
	"develop",
	"design",
	"make",
	"fix",
	"modify",
	"change",
}

func isStatusRequest(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range statusKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isWorkRequest(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range workKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
