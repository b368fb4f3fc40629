package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

type nullExecutor struct{}

func (nullExecutor) Spawn(ctx context.Context, workerRef, instruction, issueID string) (string, error) {
	return "session-" + issueID, nil
}

func newTestServer(t *testing.T, auth AuthConfig) (*httptest.Server, *engine.Engine) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.New(conn)
	appCfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(engine.Options{Store: store, Executor: nullExecutor{}, Config: appCfg, Logger: logger})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	coord := conversation.New(store, eng, decompose.Fallback{}, logger, appCfg.ActorID())
	handler, err := New(Config{
		Store:       store,
		Engine:      eng,
		Coordinator: coord,
		Pools:       appCfg.WorkerPools,
		BasePath:    "/v0",
		Auth:        auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, eng
}

func doJSON(t *testing.T, method, url, token string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{Token: "secret"})
	resp, err := http.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{Token: "secret"})

	resp := doJSON(t, http.MethodGet, srv.URL+"/v0/issues", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d; want 401", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/v0/issues", "wrong", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d; want 401", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/v0/issues", "secret", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d; want 200", resp.StatusCode)
	}
}

func TestIssueLifecycleOverAPI(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{})

	var created domain.Issue
	resp := doJSON(t, http.MethodPost, srv.URL+"/v0/issues", "", CreateIssueRequest{
		Title:    "Fix flaky test",
		Type:     "bug",
		Metadata: map[string]string{"type": "bug"},
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	if created.ID == "" || created.Status != domain.StatusOpen {
		t.Fatalf("created = %+v", created)
	}

	var got domain.Issue
	resp = doJSON(t, http.MethodGet, srv.URL+"/v0/issues/"+created.ID, "", nil, &got)
	if resp.StatusCode != http.StatusOK || got.ID != created.ID {
		t.Fatalf("get status = %d, id = %s", resp.StatusCode, got.ID)
	}

	status := "in_progress"
	var updated domain.Issue
	resp = doJSON(t, http.MethodPatch, srv.URL+"/v0/issues/"+created.ID, "", UpdateIssueRequest{Status: &status}, &updated)
	if resp.StatusCode != http.StatusOK || updated.Status != domain.StatusInProgress {
		t.Fatalf("update status = %d, issue = %+v", resp.StatusCode, updated)
	}

	// in_progress cannot go straight back to open
	bad := "open"
	resp = doJSON(t, http.MethodPatch, srv.URL+"/v0/issues/"+created.ID, "", UpdateIssueRequest{Status: &bad}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("invalid transition status = %d; want 409", resp.StatusCode)
	}

	var list IssueListResponse
	resp = doJSON(t, http.MethodGet, srv.URL+"/v0/issues?status=in_progress", "", nil, &list)
	if resp.StatusCode != http.StatusOK || len(list.Items) != 1 {
		t.Fatalf("list status = %d, items = %d", resp.StatusCode, len(list.Items))
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/v0/issues/nope", "", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing issue status = %d; want 404", resp.StatusCode)
	}
}

func TestTurnEndpointSpawns(t *testing.T) {
	srv, eng := newTestServer(t, AuthConfig{})

	var created domain.Issue
	doJSON(t, http.MethodPost, srv.URL+"/v0/issues", "", CreateIssueRequest{Title: "new work"}, &created)

	var report domain.TurnReport
	resp := doJSON(t, http.MethodPost, srv.URL+"/v0/turns", "", TurnRequest{NewIssueIDs: []string{created.ID}}, &report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turn status = %d", resp.StatusCode)
	}
	eng.Wait()
	if report.Spawned != 1 {
		t.Fatalf("spawned = %d; want 1", report.Spawned)
	}
}

func TestChatEndpoint(t *testing.T) {
	srv, eng := newTestServer(t, AuthConfig{})

	var chat ChatResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/v0/chat", "", ChatRequest{Message: "fix the broken importer"}, &chat)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	eng.Wait()
	if chat.Reply == "" {
		t.Fatal("empty chat reply")
	}

	var events EventListResponse
	resp = doJSON(t, http.MethodGet, srv.URL+"/v0/events?limit=20", "", nil, &events)
	if resp.StatusCode != http.StatusOK || len(events.Items) == 0 {
		t.Fatalf("events status = %d, items = %d", resp.StatusCode, len(events.Items))
	}
}
