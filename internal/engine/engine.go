package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"foreman/internal/config"
	"foreman/internal/domain"
	"foreman/internal/events"
)

// IssueStore is the persistence contract the engine depends on.
type IssueStore interface {
	Get(ctx context.Context, id string) (domain.Issue, error)
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Issue, error)
	Claim(ctx context.Context, id, assignee string) (domain.Issue, error)
}

// WorkerExecutor launches a worker for an issue and reports its session id.
// Implementations return *ExecutionError when the worker launched and then
// failed while running.
type WorkerExecutor interface {
	Spawn(ctx context.Context, workerRef, instruction, issueID string) (string, error)
}

// EventSink records engine-side events. Optional.
type EventSink interface {
	AppendStandalone(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error
}

type spawnState string

const (
	spawnPending spawnState = "pending"
	spawnOK      spawnState = "ok"
	spawnFailed  spawnState = "failed"
)

type spawnRecord struct {
	issueID   string
	pool      string
	state     spawnState
	sessionID string
	reason    string
}

// Engine coordinates issue routing, worker spawning, progress reporting and
// startup recovery. One instance per session; all in-memory state lives for
// the engine's lifetime.
type Engine struct {
	store   IssueStore
	exec    WorkerExecutor
	router  *Router
	pools   map[string]config.WorkerPool
	sink    EventSink
	log     *slog.Logger
	actorID string

	mu            sync.Mutex
	spawns        map[string]*spawnRecord
	reportedDone  map[string]bool
	reportedInput map[string]bool
	failures      []domain.SpawnFailure
	recovered     bool
	wg            sync.WaitGroup
}

type Options struct {
	Store    IssueStore
	Executor WorkerExecutor
	Config   *config.Config
	Sink     EventSink
	Logger   *slog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: issue store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("engine: worker executor is required")
	}
	if opts.Config == nil {
		return nil, errors.New("engine: config is required")
	}
	router, err := CompileRouting(opts.Config)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pools := make(map[string]config.WorkerPool, len(opts.Config.WorkerPools))
	for _, p := range opts.Config.WorkerPools {
		pools[p.Name] = p
	}
	return &Engine{
		store:         opts.Store,
		exec:          opts.Executor,
		router:        router,
		pools:         pools,
		sink:          opts.Sink,
		log:           logger,
		actorID:       opts.Config.ActorID(),
		spawns:        map[string]*spawnRecord{},
		reportedDone:  map[string]bool{},
		reportedInput: map[string]bool{},
	}, nil
}

// OnTurn is the single entry point called once per user interaction. It
// runs startup recovery (first call only), reports new completions and
// issues waiting on user input, and spawn-attempts each new issue id in
// order. It never waits for a spawned worker and never returns an error:
// all failures land in the report's Failures slice.
func (e *Engine) OnTurn(ctx context.Context, newIssueIDs []string) domain.TurnReport {
	var report domain.TurnReport

	presented := make(map[string]bool, len(newIssueIDs))
	for _, id := range newIssueIDs {
		presented[id] = true
	}
	report.Recovered = e.maybeRecover(ctx, presented)

	done, needInput := e.checkProgress(ctx)
	report.Completions = done
	report.NeedInput = needInput

	for _, id := range newIssueIDs {
		if e.maybeSpawn(ctx, id) {
			report.Spawned++
		}
	}

	e.mu.Lock()
	report.Failures = e.failures
	e.failures = nil
	e.mu.Unlock()

	e.emit(ctx, events.TypeTurnProcessed, "turn", "", events.EventPayload{
		"new_issues":  len(newIssueIDs),
		"spawned":     report.Spawned,
		"recovered":   len(report.Recovered),
		"completions": len(report.Completions),
		"need_input":  len(report.NeedInput),
		"failures":    len(report.Failures),
	})
	return report
}

// maybeSpawn routes, claims and launches a worker for the issue id unless a
// spawn record already exists. Returns true when a launch was started.
func (e *Engine) maybeSpawn(ctx context.Context, issueID string) bool {
	e.mu.Lock()
	if _, seen := e.spawns[issueID]; seen {
		e.mu.Unlock()
		e.log.Debug("spawn skipped, already attempted", "issue", issueID)
		return false
	}
	e.mu.Unlock()

	issue, err := e.store.Get(ctx, issueID)
	if err != nil {
		e.recordFailure(ctx, issueID, domain.SpawnStageRoute, fmt.Sprintf("load issue: %v", err))
		return false
	}
	if issue.Status.IsTerminal() {
		e.log.Debug("spawn skipped, issue is terminal", "issue", issueID, "status", issue.Status)
		return false
	}

	pool, err := e.router.Route(issue)
	if err != nil {
		e.recordFailure(ctx, issueID, domain.SpawnStageRoute, err.Error())
		return false
	}
	poolCfg, ok := e.pools[pool]
	if !ok {
		e.recordFailure(ctx, issueID, domain.SpawnStageRoute, fmt.Sprintf("pool %s not configured", pool))
		return false
	}

	// Best effort. A failed claim is recorded but does not stop the launch.
	if _, err := e.store.Claim(ctx, issueID, pool); err != nil {
		e.log.Warn("claim failed", "issue", issueID, "pool", pool, "error", err)
		e.recordFailure(ctx, issueID, domain.SpawnStageClaim, err.Error())
	}

	rec := &spawnRecord{issueID: issueID, pool: pool, state: spawnPending}
	e.mu.Lock()
	if _, seen := e.spawns[issueID]; seen {
		e.mu.Unlock()
		return false
	}
	e.spawns[issueID] = rec
	e.mu.Unlock()

	e.launch(ctx, rec, poolCfg, buildInstruction(issue))
	return true
}

// ResumeWithResolution relaunches a worker for an issue the user just
// unblocked. The dedup record is reset rather than consulted: an explicit
// resolution is a new instruction, not a duplicate creation event. Returns
// an error only when the issue cannot be loaded or routed; the caller can
// then fall back to a plain store update.
func (e *Engine) ResumeWithResolution(ctx context.Context, issueID, resolution string) error {
	issue, err := e.store.Get(ctx, issueID)
	if err != nil {
		return fmt.Errorf("load issue: %w", err)
	}
	if issue.Status.IsTerminal() {
		return fmt.Errorf("issue %s is already completed", issueID)
	}
	pool, err := e.router.Route(issue)
	if err != nil {
		return err
	}
	poolCfg, ok := e.pools[pool]
	if !ok {
		return fmt.Errorf("pool %s not configured", pool)
	}
	if _, err := e.store.Claim(ctx, issueID, pool); err != nil {
		e.log.Warn("claim failed", "issue", issueID, "pool", pool, "error", err)
		e.recordFailure(ctx, issueID, domain.SpawnStageClaim, err.Error())
	}

	rec := &spawnRecord{issueID: issueID, pool: pool, state: spawnPending}
	e.mu.Lock()
	e.spawns[issueID] = rec
	e.mu.Unlock()

	e.launch(ctx, rec, poolCfg, buildResolutionInstruction(issue, resolution))
	return nil
}

// launch runs the worker executor as an independent unit. The turn caller
// never waits on it; the outcome lands in the spawn record and, on
// failure, in the accumulator drained by the next turn.
func (e *Engine) launch(ctx context.Context, rec *spawnRecord, poolCfg config.WorkerPool, instruction string) {
	issueID := rec.issueID
	pool := rec.pool
	spawnCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		sessionID, err := e.exec.Spawn(spawnCtx, poolCfg.WorkerReference, instruction, issueID)
		e.mu.Lock()
		if err != nil {
			rec.state = spawnFailed
			rec.reason = err.Error()
			stage := domain.SpawnStageLaunch
			var execErr *ExecutionError
			if errors.As(err, &execErr) {
				stage = domain.SpawnStageExecute
				rec.sessionID = execErr.SessionID
			}
			e.failures = append(e.failures, domain.SpawnFailure{IssueID: issueID, Stage: stage, Reason: err.Error()})
			e.mu.Unlock()
			e.log.Error("worker spawn failed", "issue", issueID, "pool", pool, "stage", stage, "error", err)
			e.emit(spawnCtx, events.TypeWorkerSpawnFail, "issue", issueID, events.EventPayload{
				"pool":   pool,
				"stage":  string(stage),
				"reason": err.Error(),
			})
			return
		}
		rec.state = spawnOK
		rec.sessionID = sessionID
		e.mu.Unlock()
		e.log.Info("worker spawned", "issue", issueID, "pool", pool, "session", sessionID)
		e.emit(spawnCtx, events.TypeWorkerSpawned, "issue", issueID, events.EventPayload{
			"pool":    pool,
			"session": sessionID,
		})
	}()
}

// checkProgress reports completed and pending_user_input issues not yet
// reported this engine lifetime. Reporting is monotonic: an id is returned
// at most once per set.
func (e *Engine) checkProgress(ctx context.Context) (done, needInput []domain.Issue) {
	issues, err := e.store.ListByStatus(ctx, domain.StatusCompleted, domain.StatusPendingInput)
	if err != nil {
		e.log.Error("progress check failed", "error", err)
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, issue := range issues {
		switch issue.Status {
		case domain.StatusCompleted:
			if !e.reportedDone[issue.ID] {
				e.reportedDone[issue.ID] = true
				done = append(done, issue)
			}
		case domain.StatusPendingInput:
			if !e.reportedInput[issue.ID] {
				e.reportedInput[issue.ID] = true
				needInput = append(needInput, issue)
			}
		}
	}
	return done, needInput
}

// maybeRecover scans for issues left open or in_progress by a prior
// lifetime. Runs once; the flag is set on entry so a re-entrant call cannot
// double-scan. Purely passive: recovered issues are reported, not
// respawned. Ids presented as new on the same turn are not orphans and are
// excluded.
func (e *Engine) maybeRecover(ctx context.Context, presented map[string]bool) []domain.Issue {
	e.mu.Lock()
	if e.recovered {
		e.mu.Unlock()
		return nil
	}
	e.recovered = true
	e.mu.Unlock()

	issues, err := e.store.ListByStatus(ctx, domain.StatusOpen, domain.StatusInProgress)
	if err != nil {
		e.log.Error("recovery scan failed", "error", err)
		return nil
	}
	var orphans []domain.Issue
	for _, issue := range issues {
		if presented[issue.ID] {
			continue
		}
		orphans = append(orphans, issue)
	}
	if len(orphans) > 0 {
		e.log.Info("recovery scan found orphaned issues", "count", len(orphans))
	}
	e.emit(ctx, events.TypeRecoveryScanned, "engine", "", events.EventPayload{"found": len(orphans)})
	return orphans
}

// ClearReportedBlocker forgets that an issue was reported as waiting on
// user input, so a later turn reports it again if it re-enters that state.
func (e *Engine) ClearReportedBlocker(issueID string) {
	e.mu.Lock()
	delete(e.reportedInput, issueID)
	e.mu.Unlock()
}

// SpawnOutcome returns the recorded outcome for an issue's spawn attempt.
func (e *Engine) SpawnOutcome(issueID string) (state, sessionID, reason string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, seen := e.spawns[issueID]
	if !seen {
		return "", "", "", false
	}
	return string(rec.state), rec.sessionID, rec.reason, true
}

// Wait blocks until all in-flight spawn units resolve.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) recordFailure(ctx context.Context, issueID string, stage domain.SpawnStage, reason string) {
	e.mu.Lock()
	e.failures = append(e.failures, domain.SpawnFailure{IssueID: issueID, Stage: stage, Reason: reason})
	e.mu.Unlock()
	e.log.Warn("spawn attempt failed", "issue", issueID, "stage", stage, "reason", reason)
	e.emit(ctx, events.TypeWorkerSpawnFail, "issue", issueID, events.EventPayload{
		"stage":  string(stage),
		"reason": reason,
	})
}

func (e *Engine) emit(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) {
	if e.sink == nil {
		return
	}
	if err := e.sink.AppendStandalone(ctx, evtType, entityKind, entityID, e.actorID, payload); err != nil {
		e.log.Warn("event append failed", "type", evtType, "error", err)
	}
}

func buildInstruction(issue domain.Issue) string {
	return fmt.Sprintf(`You are handling issue #%s.

## Issue Details
Title: %s
Description: %s
Priority: %d

## Your Task
Complete this work. When done:
- Update the issue to 'completed' with results
- If blocked, update to 'blocked' with reason
- If you need user input, update to 'pending_user_input' with a clear question

Focus on this specific issue.
`, issue.ID, issue.Title, issue.Description, issue.Priority)
}

func buildResolutionInstruction(issue domain.Issue, resolution string) string {
	return fmt.Sprintf(`Resuming issue #%s with the user's input.

## Original Issue
Title: %s
Description: %s

## User's Response
%s

## Your Task
Continue work with this new information. Update the issue status when done.
`, issue.ID, issue.Title, issue.Description, resolution)
}
