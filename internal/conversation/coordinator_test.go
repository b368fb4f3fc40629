package conversation_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"foreman/internal/config"
	"foreman/internal/conversation"
	"foreman/internal/db"
	"foreman/internal/decompose"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/migrate"
	"foreman/internal/repo"
)

type recordingExecutor struct {
	mu           sync.Mutex
	instructions map[string][]string
}

func (r *recordingExecutor) Spawn(ctx context.Context, workerRef, instruction, issueID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instructions == nil {
		r.instructions = map[string][]string{}
	}
	r.instructions[issueID] = append(r.instructions[issueID], instruction)
	return "session-" + issueID, nil
}

func newCoordinator(t *testing.T) (*conversation.Coordinator, *repo.Store, *engine.Engine, *recordingExecutor) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.New(conn)
	exec := &recordingExecutor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(engine.Options{Store: store, Executor: exec, Config: config.Default(), Logger: logger})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	coord := conversation.New(store, eng, decompose.Fallback{}, logger, "foreman")
	return coord, store, eng, exec
}

func TestWorkRequestCreatesAndSpawns(t *testing.T) {
	coord, store, eng, exec := newCoordinator(t)
	ctx := context.Background()

	reply, err := coord.HandleMessage(ctx, "please fix the login crash")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	eng.Wait()
	if !strings.Contains(reply, "Created 1 issue(s)") {
		t.Fatalf("reply = %q", reply)
	}

	issues, err := store.List(ctx, repo.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 1 {
		t.Fatalf("issues = %d; want 1", len(issues))
	}
	if issues[0].Status != domain.StatusInProgress {
		t.Fatalf("status = %s; want in_progress after spawn", issues[0].Status)
	}
	if len(exec.instructions[issues[0].ID]) != 1 {
		t.Fatalf("worker not spawned for %s", issues[0].ID)
	}
}

func TestStatusRequestRendersCounts(t *testing.T) {
	coord, store, _, _ := newCoordinator(t)
	ctx := context.Background()
	if _, err := store.Create(ctx, repo.CreateOptions{Title: "pending work", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	reply, err := coord.HandleMessage(ctx, "what's the status?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "open: 1") {
		t.Fatalf("reply = %q; want open count", reply)
	}
}

func TestResolutionReopensAndResumes(t *testing.T) {
	coord, store, eng, exec := newCoordinator(t)
	ctx := context.Background()

	issue, err := store.Create(ctx, repo.CreateOptions{Title: "deploy stuck", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, issue.ID, "coding-pool"); err != nil {
		t.Fatal(err)
	}
	pending := domain.StatusPendingInput
	if _, err := store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &pending, ActorID: "worker"}); err != nil {
		t.Fatal(err)
	}

	// no status/work keywords: treated as the answer
	reply, err := coord.HandleMessage(ctx, "use the staging credentials from the vault")
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait()
	if !strings.Contains(reply, "Resuming work") {
		t.Fatalf("reply = %q", reply)
	}

	got, err := store.Get(ctx, issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s; want in_progress", got.Status)
	}
	if got.Metadata["resolution"] == "" {
		t.Fatal("resolution not stored in metadata")
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d; want 1 after re-open", got.RetryCount)
	}
	calls := exec.instructions[issue.ID]
	if len(calls) != 1 || !strings.Contains(calls[0], "staging credentials") {
		t.Fatalf("resume instruction = %v", calls)
	}
}

func TestGeneralMessageReportsUpdates(t *testing.T) {
	coord, store, _, _ := newCoordinator(t)
	ctx := context.Background()

	issue, err := store.Create(ctx, repo.CreateOptions{Title: "ship it", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, issue.ID, "coding-pool"); err != nil {
		t.Fatal(err)
	}
	done := domain.StatusCompleted
	result := "released v1.2"
	if _, err := store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &done, Result: &result, ActorID: "worker"}); err != nil {
		t.Fatal(err)
	}

	reply, err := coord.HandleMessage(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Completed") || !strings.Contains(reply, "released v1.2") {
		t.Fatalf("reply = %q", reply)
	}

	reply, err = coord.HandleMessage(ctx, "hello again")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(reply, "Completed") {
		t.Fatalf("completion reported twice: %q", reply)
	}
}
