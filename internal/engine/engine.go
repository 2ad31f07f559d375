package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/metrics"
	"buildline/internal/notify"
	"buildline/internal/repo"
)

// ErrValidation marks data integrity violations rejected before any write.
var ErrValidation = errors.New("validation failed")

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

const dateLayout = "2006-01-02"

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Notify  *notify.Dispatcher
	Now     func() time.Time
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.Logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.Metrics = m }
}

func WithNotifier(d *notify.Dispatcher) Option {
	return func(e *Engine) { e.Notify = d }
}

func New(conn *sql.DB, cfg *config.Config, opts ...Option) Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	driver := cfg.Database.Driver
	if driver == "" {
		driver = db.DriverSQLite
	}
	e := Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Driver: driver},
		Events: events.Writer{Driver: driver},
		Config: cfg,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.Metrics == nil {
		e.Metrics = metrics.New(nil)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// today is the calendar date in the configured project timezone.
func (e Engine) today() string {
	return e.now().In(e.Config.Location()).Format(dateLayout)
}

func (e Engine) workflow() string {
	return e.Config.Acceptance.Workflow
}

// InitProject creates the project and its progress row when they do not exist yet.
func (e Engine) InitProject(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, validationf("project id is required")
	}
	err := e.run(ctx, func(t *txn) error {
		_, err := e.Repo.GetProject(ctx, t.Tx, projectID)
		if err == nil {
			return nil
		}
		if !isNotFound(err) {
			return err
		}
		now := e.stamp()
		p := domain.Project{ID: projectID, Name: name, Status: "active", CreatedAt: now}
		if err := e.Repo.EnsureProject(ctx, t.Tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.EnsureProjectProgress(ctx, t.Tx, projectID, now); err != nil {
			return err
		}
		return e.emit(ctx, t, events.ProjectInit, projectID, "project", projectID, actorID, events.EventPayload{"status": p.Status})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, e.DB, projectID)
}

func newID() string {
	return uuid.NewString()
}

// txn is one logical unit of work. Notifications are collected and handed to the
// dispatcher only after commit.
type txn struct {
	*sql.Tx
	notes []notify.Notification
}

func (e Engine) run(ctx context.Context, fn func(t *txn) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t := &txn{Tx: tx}
	if err := fn(t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, n := range t.notes {
		e.Notify.Send(n)
	}
	return nil
}

// emit appends to the event log and queues the matching notification.
func (e Engine) emit(ctx context.Context, t *txn, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, t.Tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	if actorID == "" {
		actorID = "system"
	}
	t.notes = append(t.notes, notify.Notification{
		Type:       evtType,
		ProjectID:  projectID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		TS:         e.stamp(),
		Payload:    payload,
	})
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func validDate(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(dateLayout, s); err != nil {
		return validationf("invalid date %q, want YYYY-MM-DD", s)
	}
	return nil
}

func validPercentage(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 100 {
		return validationf("percentage %v out of range [0,100]", p)
	}
	return nil
}

func inclusiveDays(start, end string) int {
	s, err1 := time.Parse(dateLayout, start)
	f, err2 := time.Parse(dateLayout, end)
	if err1 != nil || err2 != nil || f.Before(s) {
		return 0
	}
	return int(f.Sub(s).Hours()/24) + 1
}
