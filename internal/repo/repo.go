package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
)

// Store is the sqlite-backed issue store.
type Store struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func New(db *sql.DB) *Store {
	return &Store{DB: db, Events: events.Writer{DB: db}, Now: time.Now}
}

func (s *Store) now() string {
	fn := s.Now
	if fn == nil {
		fn = time.Now
	}
	return fn().UTC().Format(time.RFC3339)
}

type CreateOptions struct {
	Title       string
	Description string
	IssueType   string
	Priority    int
	Creator     string
	Metadata    map[string]string
	DependsOn   []string
	ActorID     string
}

// Create inserts a new open issue and records issue.created.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (domain.Issue, error) {
	var issue domain.Issue
	if strings.TrimSpace(opts.Title) == "" {
		return issue, fmt.Errorf("issue title is required")
	}
	issueType := opts.IssueType
	if issueType == "" {
		issueType = "task"
	}
	ts := s.now()
	issue = domain.Issue{
		ID:          uuid.NewString(),
		Title:       opts.Title,
		Description: opts.Description,
		IssueType:   issueType,
		Status:      domain.StatusOpen,
		Priority:    opts.Priority,
		Creator:     opts.Creator,
		DependsOn:   opts.DependsOn,
		Metadata:    opts.Metadata,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if issue.Metadata == nil {
		issue.Metadata = map[string]string{}
	}
	meta, err := json.Marshal(issue.Metadata)
	if err != nil {
		return issue, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO issues(id,title,description,issue_type,status,priority,assignee,creator,metadata,result,block_reason,retry_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		issue.ID, issue.Title, issue.Description, issue.IssueType, string(issue.Status), issue.Priority,
		nullable(issue.Assignee), issue.Creator, string(meta), nullable(issue.Result), nullable(issue.BlockReason),
		issue.RetryCount, issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return issue, err
	}
	if err := addDependencies(ctx, tx, issue.ID, opts.DependsOn); err != nil {
		return issue, err
	}
	err = s.Events.Append(ctx, tx, events.TypeIssueCreated, "issue", issue.ID, opts.ActorID, events.EventPayload{
		"title": issue.Title,
		"type":  issue.IssueType,
	})
	if err != nil {
		return issue, err
	}
	return issue, tx.Commit()
}

const issueColumns = `id,title,description,issue_type,status,priority,assignee,creator,metadata,result,block_reason,retry_count,created_at,updated_at`

type issueScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row issueScanner) (domain.Issue, error) {
	var i domain.Issue
	var assignee, result, blockReason sql.NullString
	var status, meta string
	err := row.Scan(&i.ID, &i.Title, &i.Description, &i.IssueType, &status, &i.Priority,
		&assignee, &i.Creator, &meta, &result, &blockReason, &i.RetryCount, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	i.Status = domain.Status(status)
	if assignee.Valid {
		i.Assignee = assignee.String
	}
	if result.Valid {
		i.Result = result.String
	}
	if blockReason.Valid {
		i.BlockReason = blockReason.String
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &i.Metadata); err != nil {
			return i, fmt.Errorf("decode metadata for %s: %w", i.ID, err)
		}
	}
	if i.Metadata == nil {
		i.Metadata = map[string]string{}
	}
	return i, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Issue, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	issue, err := scanIssue(row)
	if err != nil {
		return issue, err
	}
	deps, err := s.listDependencies(ctx, id)
	if err != nil {
		return issue, err
	}
	issue.DependsOn = deps
	return issue, nil
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	return scanIssue(row)
}

type Filters struct {
	Status          string
	MetadataType    string
	Assignee        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// List returns issues matching the filters, newest first.
func (s *Store) List(ctx context.Context, f Filters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 && f.MetadataType == "" {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		if f.MetadataType != "" && issue.RoutingType() != f.MetadataType {
			continue
		}
		res = append(res, issue)
		if f.Limit > 0 && f.MetadataType != "" && len(res) >= f.Limit {
			break
		}
	}
	return res, rows.Err()
}

// ListByStatus returns issues in any of the given statuses, oldest first,
// so earlier work is picked up before later work.
func (s *Store) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Issue, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT ` + issueColumns + ` FROM issues WHERE status IN (` + placeholders + `) ORDER BY created_at ASC, id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, issue)
	}
	return res, rows.Err()
}

type UpdateOptions struct {
	ID          string
	Status      *domain.Status
	Assignee    *string
	Result      *string
	BlockReason *string
	Metadata    map[string]string
	AddDeps     []string
	RemoveDeps  []string
	ActorID     string
	Force       bool
}

// Update applies a partial mutation. Status changes are validated against
// the lifecycle unless Force is set. Re-opening a blocked or
// pending_user_input issue increments retry_count.
func (s *Store) Update(ctx context.Context, opts UpdateOptions) (domain.Issue, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	issue, err := s.getTx(ctx, tx, opts.ID)
	if err != nil {
		return issue, err
	}

	payload := events.EventPayload{}
	if opts.Status != nil && *opts.Status != issue.Status {
		newStatus := *opts.Status
		if _, ok := domain.ParseStatus(string(newStatus)); !ok {
			return issue, fmt.Errorf("unknown status %q", newStatus)
		}
		if !opts.Force && !domain.CanTransition(issue.Status, newStatus) {
			return issue, fmt.Errorf("%w: cannot move issue %s from %s to %s", ErrConflict, issue.ID, issue.Status, newStatus)
		}
		if newStatus == domain.StatusOpen && (issue.Status == domain.StatusBlocked || issue.Status == domain.StatusPendingInput) {
			issue.RetryCount++
			payload["retry_count"] = issue.RetryCount
		}
		payload["from"] = string(issue.Status)
		payload["to"] = string(newStatus)
		issue.Status = newStatus
	}
	if opts.Assignee != nil {
		issue.Assignee = *opts.Assignee
	}
	if opts.Result != nil {
		issue.Result = *opts.Result
	}
	if opts.BlockReason != nil {
		issue.BlockReason = *opts.BlockReason
	}
	if len(opts.Metadata) > 0 {
		if issue.Metadata == nil {
			issue.Metadata = map[string]string{}
		}
		for k, v := range opts.Metadata {
			issue.Metadata[k] = v
		}
	}
	issue.UpdatedAt = s.now()

	meta, err := json.Marshal(issue.Metadata)
	if err != nil {
		return issue, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE issues SET status=?, assignee=?, result=?, block_reason=?, metadata=?, retry_count=?, updated_at=? WHERE id=?`,
		string(issue.Status), nullable(issue.Assignee), nullable(issue.Result), nullable(issue.BlockReason),
		string(meta), issue.RetryCount, issue.UpdatedAt, issue.ID)
	if err != nil {
		return issue, err
	}
	if err := addDependencies(ctx, tx, issue.ID, opts.AddDeps); err != nil {
		return issue, err
	}
	if err := removeDependencies(ctx, tx, issue.ID, opts.RemoveDeps); err != nil {
		return issue, err
	}
	if err := s.Events.Append(ctx, tx, events.TypeIssueUpdated, "issue", issue.ID, opts.ActorID, payload); err != nil {
		return issue, err
	}
	if err := tx.Commit(); err != nil {
		return issue, err
	}
	deps, err := s.listDependencies(ctx, issue.ID)
	if err != nil {
		return issue, err
	}
	issue.DependsOn = deps
	return issue, nil
}

// Claim moves an open issue to in_progress and assigns it. Returns
// ErrConflict when the issue is no longer open.
func (s *Store) Claim(ctx context.Context, id, assignee string) (domain.Issue, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	issue, err := s.getTx(ctx, tx, id)
	if err != nil {
		return issue, err
	}
	if issue.Status != domain.StatusOpen {
		return issue, fmt.Errorf("%w: issue %s is %s, not open", ErrConflict, id, issue.Status)
	}
	issue.Status = domain.StatusInProgress
	issue.Assignee = assignee
	issue.UpdatedAt = s.now()
	_, err = tx.ExecContext(ctx, `UPDATE issues SET status=?, assignee=?, updated_at=? WHERE id=?`,
		string(issue.Status), nullable(issue.Assignee), issue.UpdatedAt, issue.ID)
	if err != nil {
		return issue, err
	}
	err = s.Events.Append(ctx, tx, events.TypeIssueClaimed, "issue", issue.ID, assignee, events.EventPayload{
		"assignee": assignee,
	})
	if err != nil {
		return issue, err
	}
	return issue, tx.Commit()
}

func (s *Store) listDependencies(ctx context.Context, id string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT depends_on FROM issue_deps WHERE issue_id=? ORDER BY depends_on`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func addDependencies(ctx context.Context, tx *sql.Tx, id string, deps []string) error {
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO issue_deps(issue_id,depends_on) VALUES (?,?)`, id, dep); err != nil {
			return err
		}
	}
	return nil
}

func removeDependencies(ctx context.Context, tx *sql.Tx, id string, deps []string) error {
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM issue_deps WHERE issue_id=? AND depends_on=?`, id, dep); err != nil {
			return err
		}
	}
	return nil
}

// CountByStatus returns a status -> count map across all issues.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

// LatestEvents returns recent events, newest first, optionally filtered.
func (s *Store) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return s.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id greater than cursor, oldest first.
func (s *Store) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`
	return s.queryEvents(ctx, query, cursor, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
