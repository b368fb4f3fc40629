package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/migrate"
	"foreman/internal/repo"
)

func newTestStore(t *testing.T) (*repo.Store, context.Context) {
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
	store.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return store, context.Background()
}

func TestCreateAndGet(t *testing.T) {
	store, ctx := newTestStore(t)
	dep, err := store.Create(ctx, repo.CreateOptions{Title: "dep", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	issue, err := store.Create(ctx, repo.CreateOptions{
		Title:       "Fix login",
		Description: "Session cookie expires too early",
		IssueType:   "bug",
		Priority:    1,
		Creator:     "tester",
		Metadata:    map[string]string{"type": "bug", "area": "auth"},
		DependsOn:   []string{dep.ID},
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if issue.Status != domain.StatusOpen {
		t.Fatalf("status = %s; want open", issue.Status)
	}

	got, err := store.Get(ctx, issue.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Fix login" || got.Metadata["area"] != "auth" || got.RetryCount != 0 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != dep.ID {
		t.Fatalf("deps = %v; want [%s]", got.DependsOn, dep.ID)
	}
	if got.RoutingType() != "bug" {
		t.Fatalf("routing type = %q; want bug", got.RoutingType())
	}
}

func TestCreateRequiresTitle(t *testing.T) {
	store, ctx := newTestStore(t)
	if _, err := store.Create(ctx, repo.CreateOptions{Title: "  "}); err == nil {
		t.Fatal("expected error for blank title")
	}
}

func TestGetNotFound(t *testing.T) {
	store, ctx := newTestStore(t)
	_, err := store.Get(ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v; want ErrNotFound", err)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	store, ctx := newTestStore(t)
	issue, err := store.Create(ctx, repo.CreateOptions{Title: "work", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}

	// open -> completed is not a legal step
	completed := domain.StatusCompleted
	if _, err := store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &completed, ActorID: "tester"}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("err = %v; want ErrConflict", err)
	}

	inProgress := domain.StatusInProgress
	got, err := store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &inProgress, ActorID: "tester"})
	if err != nil || got.Status != domain.StatusInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	got, err = store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &completed, ActorID: "tester"})
	if err != nil || got.Status != domain.StatusCompleted {
		t.Fatalf("to completed: %v", err)
	}

	// completed is terminal
	open := domain.StatusOpen
	if _, err := store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &open, ActorID: "tester"}); err == nil {
		t.Fatal("expected terminal state to reject re-open")
	}

	// Force escapes the lifecycle
	got, err = store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &open, ActorID: "tester", Force: true})
	if err != nil || got.Status != domain.StatusOpen {
		t.Fatalf("forced re-open: %v", err)
	}
}

func TestReopenIncrementsRetryCount(t *testing.T) {
	store, ctx := newTestStore(t)
	issue, err := store.Create(ctx, repo.CreateOptions{Title: "stuck", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	blocked := domain.StatusBlocked
	reason := "missing credentials"
	if _, err := store.Claim(ctx, issue.ID, "coding-pool"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &blocked, BlockReason: &reason, ActorID: "worker"}); err != nil {
		t.Fatal(err)
	}

	open := domain.StatusOpen
	got, err := store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &open, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d; want 1", got.RetryCount)
	}
	if got.BlockReason != reason {
		t.Fatalf("block reason lost on re-open: %q", got.BlockReason)
	}

	// pending_user_input -> open also counts
	pending := domain.StatusPendingInput
	if _, err := store.Claim(ctx, issue.ID, "coding-pool"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &pending, ActorID: "worker"}); err != nil {
		t.Fatal(err)
	}
	got, err = store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &open, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 2 {
		t.Fatalf("retry count = %d; want 2", got.RetryCount)
	}
}

func TestClaimConflict(t *testing.T) {
	store, ctx := newTestStore(t)
	issue, err := store.Create(ctx, repo.CreateOptions{Title: "claimable", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Claim(ctx, issue.ID, "coding-pool")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Status != domain.StatusInProgress || got.Assignee != "coding-pool" {
		t.Fatalf("claimed issue = %+v", got)
	}
	if _, err := store.Claim(ctx, issue.ID, "research-pool"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("second claim err = %v; want ErrConflict", err)
	}
}

func TestMetadataMerge(t *testing.T) {
	store, ctx := newTestStore(t)
	issue, err := store.Create(ctx, repo.CreateOptions{
		Title:    "meta",
		Metadata: map[string]string{"type": "task", "area": "infra"},
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Update(ctx, repo.UpdateOptions{
		ID:       issue.ID,
		Metadata: map[string]string{"resolution": "use staging creds", "area": "deploy"},
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["type"] != "task" || got.Metadata["area"] != "deploy" || got.Metadata["resolution"] != "use staging creds" {
		t.Fatalf("metadata merge = %v", got.Metadata)
	}
}

func TestListFilters(t *testing.T) {
	store, ctx := newTestStore(t)
	var blockedID string
	for i, tc := range []struct {
		title string
		typ   string
	}{
		{"one", "bug"}, {"two", "docs"}, {"three", "bug"},
	} {
		issue, err := store.Create(ctx, repo.CreateOptions{
			Title:    tc.title,
			Metadata: map[string]string{"type": tc.typ},
			ActorID:  "tester",
		})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			blockedID = issue.ID
			if _, err := store.Claim(ctx, issue.ID, "coding-pool"); err != nil {
				t.Fatal(err)
			}
			blocked := domain.StatusBlocked
			if _, err := store.Update(ctx, repo.UpdateOptions{ID: issue.ID, Status: &blocked, ActorID: "worker"}); err != nil {
				t.Fatal(err)
			}
		}
	}

	byStatus, err := store.List(ctx, repo.Filters{Status: "blocked"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != blockedID {
		t.Fatalf("blocked list = %v", byStatus)
	}

	byType, err := store.List(ctx, repo.Filters{MetadataType: "bug"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 2 {
		t.Fatalf("bug list = %d items; want 2", len(byType))
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["open"] != 2 || counts["blocked"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestListByStatusOldestFirst(t *testing.T) {
	store, ctx := newTestStore(t)
	stamps := []time.Time{
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	var created []string
	for _, ts := range stamps {
		ts := ts
		store.Now = func() time.Time { return ts }
		issue, err := store.Create(ctx, repo.CreateOptions{Title: "issue", ActorID: "tester"})
		if err != nil {
			t.Fatal(err)
		}
		created = append(created, issue.ID)
	}
	got, err := store.ListByStatus(ctx, domain.StatusOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("listed %d; want 3", len(got))
	}
	if got[0].ID != created[1] || got[2].ID != created[0] {
		t.Fatalf("order = [%s %s %s]; want oldest first", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestEventsRecorded(t *testing.T) {
	store, ctx := newTestStore(t)
	issue, err := store.Create(ctx, repo.CreateOptions{Title: "tracked", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, issue.ID, "coding-pool"); err != nil {
		t.Fatal(err)
	}

	evts, err := store.LatestEvents(ctx, 10, "", "issue", issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("events = %d; want created + claimed", len(evts))
	}
	// newest first
	if evts[0].Type != events.TypeIssueClaimed || evts[1].Type != events.TypeIssueCreated {
		t.Fatalf("event order = %s, %s", evts[0].Type, evts[1].Type)
	}

	after, err := store.EventsAfter(ctx, 10, evts[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].Type != events.TypeIssueClaimed {
		t.Fatalf("events after cursor = %v", after)
	}
}
