package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"buildline/internal/db"
	"buildline/internal/domain"
)

// Repo is the persistence layer. Writes take a *sql.Tx owned by the caller;
// reads take a Querier so they can run inside or outside a transaction.
type Repo struct {
	DB     *sql.DB
	Driver string
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var ErrNotFound = errors.New("not found")

func (r Repo) rebind(query string) string {
	return db.Rebind(r.Driver, query)
}

func (r Repo) exec(ctx context.Context, q Querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, r.rebind(query), args...)
}

func (r Repo) query(ctx context.Context, q Querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, r.rebind(query), args...)
}

func (r Repo) queryRow(ctx context.Context, q Querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, r.rebind(query), args...)
}

// affectedOne reports whether a guarded write matched its row.
func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// placeholders returns "?,?,?" and the values as args.
func placeholders(values []string) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = v
	}
	return strings.Join(marks, ","), args
}

func (r Repo) EnsureProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.exec(ctx, tx, `INSERT INTO projects(id,name,status,created_at) VALUES (?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		p.ID, nullable(p.Name), p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, q Querier, id string) (domain.Project, error) {
	var p domain.Project
	var name sql.NullString
	err := r.queryRow(ctx, q, `SELECT id,name,status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	p.Name = name.String
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.query(ctx, r.DB, `SELECT id,name,status,created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var name sql.NullString
		if err := rows.Scan(&p.ID, &name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Name = name.String
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
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
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

func (r Repo) scanEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.query(ctx, r.DB, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
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

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func approval(by, at sql.NullString) domain.Approval {
	return domain.Approval{By: stringPtr(by), At: stringPtr(at)}
}
