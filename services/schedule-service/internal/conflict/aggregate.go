package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/messages"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/policy"
)

const displayLayout = "2006-01-02 15:04"

// CheckAllConflicts runs every guard against the candidate with the policy
// defaults. The checks run concurrently; results are concatenated in a fixed
// order (overlap, rest, weekly hours, time off). Any failing check fails the
// whole report so a partial answer is never mistaken for a clean one.
func (e *Engine) CheckAllConflicts(ctx context.Context, c Candidate) (model.ConflictReport, error) {
	d, p, err := e.resolve(ctx, c)
	if err != nil {
		return model.ConflictReport{}, err
	}

	conflicts, err := e.observe(ctx, checkAll, c.DriverID, func(ctx context.Context) ([]model.Conflict, error) {
		var out []model.Conflict
		if !d.Available() {
			out = append(out, e.unavailable(ctx, p, d))
		}
		found, err := e.runAll(ctx, p, c)
		if err != nil {
			return nil, err
		}
		return append(out, found...), nil
	})
	if err != nil {
		return model.ConflictReport{}, err
	}
	conflicts, _ = e.report(conflicts, nil)
	return model.NewConflictReport(conflicts), nil
}

func (e *Engine) runAll(ctx context.Context, p policy.Policy, c Candidate) ([]model.Conflict, error) {
	var results [4][]model.Conflict
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := e.overlaps(gctx, p, c)
		results[0] = r
		return err
	})
	g.Go(func() error {
		r, err := e.rest(gctx, p, c, p.MinRest())
		results[1] = r
		return err
	})
	g.Go(func() error {
		r, _, err := e.weekly(gctx, p, c, p.MaxWeeklyHours)
		results[2] = r
		return err
	})
	g.Go(func() error {
		r, err := e.timeOff(gctx, p, c)
		results[3] = r
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []model.Conflict
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (e *Engine) unavailable(ctx context.Context, p policy.Policy, d model.Driver) model.Conflict {
	return model.Conflict{
		Type:            model.ConflictDriverUnavailable,
		Severity:        model.SeverityCritical,
		Description:     e.describe(ctx, "conflict.driver_unavailable", p, map[string]any{"Status": d.Status}),
		SuggestedAction: e.describe(ctx, "conflict.driver_unavailable.action", p, nil),
	}
}

// describe renders a message; a start/end pair is formatted in the policy timezone.
func (e *Engine) describe(ctx context.Context, id string, p policy.Policy, data map[string]any, window ...time.Time) string {
	if len(window) == 2 {
		if data == nil {
			data = map[string]any{}
		}
		data["Start"] = window[0].In(p.Location()).Format(displayLayout)
		data["End"] = window[1].In(p.Location()).Format(displayLayout)
	}
	return messages.T(ctx, id, data)
}

type evaluation struct {
	ranked model.RankedDriver
	clean  bool
	keep   bool
}

// FindAlternativeDrivers ranks active drivers other than the original who can
// take the window. Drivers with a conflict at or above the blocking severity
// are left out. Conflict-free drivers rank first, then by remaining weekly
// capacity, then by id so equal candidates come back in a stable order.
func (e *Engine) FindAlternativeDrivers(ctx context.Context, originalDriverID string, w interval.Window, limit int) ([]model.RankedDriver, error) {
	c := Candidate{DriverID: originalDriverID, Window: w}
	_, p, err := e.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidInput)
	}
	if limit == 0 {
		limit = p.DefaultAlternativeLimit
	}

	var ranked []model.RankedDriver
	_, err = e.observe(ctx, checkFinder, originalDriverID, func(ctx context.Context) ([]model.Conflict, error) {
		drivers, err := e.store.ListEligibleDrivers(ctx, originalDriverID)
		if err != nil {
			return nil, fmt.Errorf("list drivers: %w", err)
		}

		evals := make([]evaluation, len(drivers))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.AlternativeWorkers)
		for i, d := range drivers {
			g.Go(func() error {
				ev, err := e.evaluate(gctx, p, d, w)
				if err != nil {
					return fmt.Errorf("evaluate driver %s: %w", d.ID, err)
				}
				evals[i] = ev
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		kept := evals[:0]
		for _, ev := range evals {
			if ev.keep {
				kept = append(kept, ev)
			}
		}
		sort.SliceStable(kept, func(i, j int) bool {
			a, b := kept[i], kept[j]
			if a.clean != b.clean {
				return a.clean
			}
			if a.ranked.Score != b.ranked.Score {
				return a.ranked.Score > b.ranked.Score
			}
			return a.ranked.DriverID < b.ranked.DriverID
		})
		if len(kept) > limit {
			kept = kept[:limit]
		}
		ranked = make([]model.RankedDriver, 0, len(kept))
		for _, ev := range kept {
			ranked = append(ranked, ev.ranked)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return ranked, nil
}

func (e *Engine) evaluate(ctx context.Context, p policy.Policy, d model.Driver, w interval.Window) (evaluation, error) {
	c := Candidate{DriverID: d.ID, Window: w}
	var conflicts []model.Conflict
	if !d.Available() {
		conflicts = append(conflicts, e.unavailable(ctx, p, d))
	}

	overlaps, err := e.overlaps(ctx, p, c)
	if err != nil {
		return evaluation{}, err
	}
	rest, err := e.rest(ctx, p, c, p.MinRest())
	if err != nil {
		return evaluation{}, err
	}
	weekly, total, err := e.weekly(ctx, p, c, p.MaxWeeklyHours)
	if err != nil {
		return evaluation{}, err
	}
	timeOff, err := e.timeOff(ctx, p, c)
	if err != nil {
		return evaluation{}, err
	}
	conflicts = append(conflicts, overlaps...)
	conflicts = append(conflicts, rest...)
	conflicts = append(conflicts, weekly...)
	conflicts = append(conflicts, timeOff...)

	report := model.NewConflictReport(conflicts)
	score := p.MaxWeeklyHours - total
	if p.MaxWeeklyHours <= 0 {
		score = -total
	}
	return evaluation{
		ranked: model.RankedDriver{
			DriverID:    d.ID,
			Name:        d.Name,
			Score:       score,
			WeeklyHours: total,
			Conflicts:   report.Conflicts,
		},
		clean: !report.HasConflicts,
		keep:  len(report.Blocking(p.Blocking())) == 0,
	}, nil
}
