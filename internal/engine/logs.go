package engine

import (
	"context"
	"strings"

	"buildline/internal/domain"
	"buildline/internal/events"
)

type LogOptions struct {
	WorkItemID string
	// LogDate defaults to today.
	LogDate    string
	Percentage float64
	AuthorID   string
	Note       string
}

// AddProgressLog records the percentage of a leaf item for a date. A second log for the
// same item and date replaces the first.
func (e Engine) AddProgressLog(ctx context.Context, opts LogOptions) (domain.ProgressLog, error) {
	if err := validPercentage(opts.Percentage); err != nil {
		return domain.ProgressLog{}, err
	}
	if opts.LogDate == "" {
		opts.LogDate = e.today()
	}
	if err := validDate(opts.LogDate); err != nil {
		return domain.ProgressLog{}, err
	}
	var out domain.ProgressLog
	err := e.run(ctx, func(t *txn) error {
		w, err := e.Repo.GetWorkItem(ctx, t.Tx, opts.WorkItemID)
		if err != nil {
			return err
		}
		children, err := e.Repo.ListChildren(ctx, t.Tx, w.ID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return validationf("work item %s has children; its progress comes from them", w.ID)
		}
		out, err = e.upsertLogTx(ctx, t, w, opts)
		return err
	})
	return out, err
}

// upsertLogTx writes the log and recomputes the item through the normal cascade.
func (e Engine) upsertLogTx(ctx context.Context, t *txn, w domain.WorkItem, opts LogOptions) (domain.ProgressLog, error) {
	now := e.stamp()
	author := strings.TrimSpace(opts.AuthorID)
	if author == "" {
		author = "system"
	}
	l := domain.ProgressLog{
		ID:         newID(),
		ProjectID:  w.ProjectID,
		WorkItemID: w.ID,
		LogDate:    opts.LogDate,
		Percentage: opts.Percentage,
		AuthorID:   author,
		Note:       opts.Note,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.UpsertProgressLog(ctx, t.Tx, l); err != nil {
		return l, err
	}
	stored, err := e.Repo.GetProgressLogByDate(ctx, t.Tx, w.ID, l.LogDate)
	if err != nil {
		return l, err
	}
	if err := e.emit(ctx, t, events.LogRecorded, w.ProjectID, "progress_log", stored.ID, author,
		events.EventPayload{"work_item_id": w.ID, "log_date": stored.LogDate, "percentage": stored.Percentage}); err != nil {
		return stored, err
	}
	return stored, e.recomputeTx(ctx, t, w.ID)
}

type LogUpdateOptions struct {
	ID         string
	LogDate    *string
	Percentage *float64
	Note       *string
	ActorID    string
}

func (e Engine) UpdateProgressLog(ctx context.Context, opts LogUpdateOptions) (domain.ProgressLog, error) {
	var out domain.ProgressLog
	err := e.run(ctx, func(t *txn) error {
		l, err := e.Repo.GetProgressLog(ctx, t.Tx, opts.ID)
		if err != nil {
			return err
		}
		if opts.LogDate != nil {
			if err := validDate(*opts.LogDate); err != nil {
				return err
			}
			if *opts.LogDate == "" {
				return validationf("log date is required")
			}
			if *opts.LogDate != l.LogDate {
				other, err := e.Repo.GetProgressLogByDate(ctx, t.Tx, l.WorkItemID, *opts.LogDate)
				if err == nil {
					return validationf("work item %s already has log %s for %s", l.WorkItemID, other.ID, *opts.LogDate)
				}
				if !isNotFound(err) {
					return err
				}
			}
			l.LogDate = *opts.LogDate
		}
		if opts.Percentage != nil {
			if err := validPercentage(*opts.Percentage); err != nil {
				return err
			}
			l.Percentage = *opts.Percentage
		}
		if opts.Note != nil {
			l.Note = *opts.Note
		}
		l.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateProgressLog(ctx, t.Tx, l); err != nil {
			return err
		}
		if err := e.emit(ctx, t, events.LogRecorded, l.ProjectID, "progress_log", l.ID, opts.ActorID,
			events.EventPayload{"work_item_id": l.WorkItemID, "log_date": l.LogDate, "percentage": l.Percentage}); err != nil {
			return err
		}
		out = l
		return e.recomputeTx(ctx, t, l.WorkItemID)
	})
	return out, err
}

func (e Engine) DeleteProgressLog(ctx context.Context, id, actorID string) error {
	return e.run(ctx, func(t *txn) error {
		l, err := e.Repo.GetProgressLog(ctx, t.Tx, id)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteProgressLog(ctx, t.Tx, id); err != nil {
			return err
		}
		if err := e.emit(ctx, t, events.LogDeleted, l.ProjectID, "progress_log", l.ID, actorID,
			events.EventPayload{"work_item_id": l.WorkItemID, "log_date": l.LogDate}); err != nil {
			return err
		}
		return e.recomputeTx(ctx, t, l.WorkItemID)
	})
}

func (e Engine) ListProgressLogs(ctx context.Context, workItemID string) ([]domain.ProgressLog, error) {
	return e.Repo.ListProgressLogs(ctx, e.DB, workItemID)
}
