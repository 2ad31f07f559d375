package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/events"
)

// signal is one candidate input of the project percentage.
type signal struct {
	source string
	value  float64
}

// RecalculateOverall reconciles the project percentage from its signals.
func (e Engine) RecalculateOverall(ctx context.Context, projectID string) (domain.ProjectProgress, error) {
	var p domain.ProjectProgress
	err := e.run(ctx, func(t *txn) error {
		if _, err := e.Repo.GetProject(ctx, t.Tx, projectID); err != nil {
			return err
		}
		var err error
		p, err = e.recalcProjectTx(ctx, t, projectID)
		return err
	})
	return p, err
}

// GetProjectProgress returns the stored row, creating it on first need.
func (e Engine) GetProjectProgress(ctx context.Context, projectID string) (domain.ProjectProgress, error) {
	p, err := e.Repo.GetProjectProgress(ctx, e.DB, projectID)
	if isNotFound(err) {
		return e.RecalculateOverall(ctx, projectID)
	}
	return p, err
}

func (e Engine) recalcProjectTx(ctx context.Context, t *txn, projectID string) (domain.ProjectProgress, error) {
	now := e.stamp()
	if err := e.Repo.EnsureProjectProgress(ctx, t.Tx, projectID, now); err != nil {
		return domain.ProjectProgress{}, err
	}
	p, err := e.Repo.GetProjectProgress(ctx, t.Tx, projectID)
	if err != nil {
		return p, err
	}
	signals, err := e.collectSignals(ctx, t, p)
	if err != nil {
		return p, err
	}
	p.OverallPercentage, p.CalculatedFrom = blend(e.Config.Progress.Blend, signals)
	p.LastCalculatedAt = now
	if err := e.Repo.SaveProjectProgress(ctx, t.Tx, p); err != nil {
		return p, err
	}
	e.Metrics.ProjectRecalculations.WithLabelValues(p.CalculatedFrom).Inc()
	e.Logger.Debug("project progress recalculated",
		zap.String("project_id", projectID),
		zap.Float64("overall", p.OverallPercentage),
		zap.String("source", p.CalculatedFrom))
	return p, nil
}

// collectSignals returns the available signals in precedence order.
func (e Engine) collectSignals(ctx context.Context, t *txn, p domain.ProjectProgress) ([]signal, error) {
	var out []signal

	stats, err := e.Repo.StageItemStats(ctx, t.Tx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(stats) > 0 {
		var sum float64
		for _, st := range stats {
			switch {
			case (domain.AcceptanceStage{Status: st.Status}).IsFullyApproved(e.workflow()):
				sum += 100
			case st.Items > 0:
				sum += float64(st.Approved) / float64(st.Items) * 100
			}
		}
		out = append(out, signal{domain.SourceAcceptance, sum / float64(len(stats))})
	}

	logs, err := e.Repo.CountProjectLogs(ctx, t.Tx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	if logs > 0 {
		roots, err := e.Repo.RootPercentages(ctx, t.Tx, p.ProjectID)
		if err != nil {
			return nil, err
		}
		out = append(out, signal{domain.SourceLogs, mean(roots)})
	}

	subs, err := e.Repo.ListSubcontractors(ctx, t.Tx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(subs) > 0 {
		var weighted, weights float64
		values := make([]float64, 0, len(subs))
		for _, s := range subs {
			weighted += s.Weight * s.Percentage
			weights += s.Weight
			values = append(values, s.Percentage)
		}
		v := mean(values)
		if weights > 0 {
			v = weighted / weights
		}
		out = append(out, signal{domain.SourceSubcontractors, v})
	}

	if p.ManualPercentage != nil {
		out = append(out, signal{domain.SourceManual, *p.ManualPercentage})
	}
	return out, nil
}

// blend picks the project value. precedence takes the first available signal;
// mixed averages every available one.
func blend(mode string, signals []signal) (float64, string) {
	if len(signals) == 0 {
		return 0, domain.SourceManual
	}
	if mode != config.BlendMixed || len(signals) == 1 {
		return round2(signals[0].value), signals[0].source
	}
	values := make([]float64, len(signals))
	for i, s := range signals {
		values[i] = s.value
	}
	return round2(mean(values)), domain.SourceMixed
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SetManualProgress stores the manual override; nil clears it.
func (e Engine) SetManualProgress(ctx context.Context, projectID string, value *float64, actorID string) (domain.ProjectProgress, error) {
	if value != nil {
		if err := validPercentage(*value); err != nil {
			return domain.ProjectProgress{}, err
		}
	}
	var p domain.ProjectProgress
	err := e.run(ctx, func(t *txn) error {
		if _, err := e.Repo.GetProject(ctx, t.Tx, projectID); err != nil {
			return err
		}
		if err := e.Repo.EnsureProjectProgress(ctx, t.Tx, projectID, e.stamp()); err != nil {
			return err
		}
		if err := e.Repo.SetManualPercentage(ctx, t.Tx, projectID, value); err != nil {
			return err
		}
		if err := e.emit(ctx, t, events.ProgressManualSet, projectID, "project", projectID, actorID,
			events.EventPayload{"manual_percentage": value}); err != nil {
			return err
		}
		var err error
		p, err = e.recalcProjectTx(ctx, t, projectID)
		return err
	})
	return p, err
}

type SubcontractorOptions struct {
	ProjectID  string
	Name       string
	Weight     float64
	Percentage float64
	ActorID    string
}

// UpsertSubcontractorProgress records a subcontractor's reported percentage by name.
func (e Engine) UpsertSubcontractorProgress(ctx context.Context, opts SubcontractorOptions) (domain.ProjectProgress, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.ProjectProgress{}, validationf("subcontractor name is required")
	}
	if err := validPercentage(opts.Percentage); err != nil {
		return domain.ProjectProgress{}, err
	}
	if opts.Weight < 0 {
		return domain.ProjectProgress{}, validationf("weight must not be negative")
	}
	if opts.Weight == 0 {
		opts.Weight = 1
	}
	var p domain.ProjectProgress
	err := e.run(ctx, func(t *txn) error {
		if _, err := e.Repo.GetProject(ctx, t.Tx, opts.ProjectID); err != nil {
			return err
		}
		if err := e.Repo.UpsertSubcontractor(ctx, t.Tx, domain.SubcontractorProgress{
			ID:         newID(),
			ProjectID:  opts.ProjectID,
			Name:       name,
			Weight:     opts.Weight,
			Percentage: opts.Percentage,
			UpdatedAt:  e.stamp(),
		}); err != nil {
			return err
		}
		if err := e.emit(ctx, t, events.SubcontractorSet, opts.ProjectID, "project", opts.ProjectID, opts.ActorID,
			events.EventPayload{"name": name, "weight": opts.Weight, "percentage": opts.Percentage}); err != nil {
			return err
		}
		var err error
		p, err = e.recalcProjectTx(ctx, t, opts.ProjectID)
		return err
	})
	return p, err
}

func (e Engine) ListSubcontractors(ctx context.Context, projectID string) ([]domain.SubcontractorProgress, error) {
	return e.Repo.ListSubcontractors(ctx, e.DB, projectID)
}
