// Package reconcile keeps an activity's goal ranks for a project complete,
// regenerating the full series when rank rows and goals drift apart.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"goalrank/internal/domain"
	"goalrank/internal/lock"
	"goalrank/internal/logger"
	"goalrank/internal/rank"
)

// Store is the persistence the reconciler needs.
type Store interface {
	CountGoalsInProject(ctx context.Context, projectID string) (int, error)
	CountRanksForActivityInProject(ctx context.Context, projectID, activityID string) (int, error)
	ListGoalIDsOrderedForRanking(ctx context.Context, projectID, activityID string) ([]string, error)
	UpsertRanks(ctx context.Context, rows []domain.GoalRank) error
}

type Reconciler struct {
	Store  Store
	Series rank.Series
	// Locker is optional; without it concurrent regenerations are last-write-wins.
	Locker lock.Locker
	Log    *logger.Logger
	// Now stamps regenerated rows; defaults to time.Now.
	Now func() time.Time
}

func New(store Store, series rank.Series, locker lock.Locker, log *logger.Logger) *Reconciler {
	return &Reconciler{Store: store, Series: series, Locker: locker, Log: logger.OrNop(log)}
}

// Result describes one reconciliation pass.
type Result struct {
	Goals       int               `json:"goals"`
	Ranks       int               `json:"ranks"`
	Regenerated bool              `json:"regenerated"`
	Rows        []domain.GoalRank `json:"rows,omitempty"`
}

// RecalculateIfNeeded regenerates the activity's ranks for the project when the
// number of rank rows differs from the number of goals.
func (r *Reconciler) RecalculateIfNeeded(ctx context.Context, projectID, activityID string) (Result, error) {
	goals, ranks, err := r.counts(ctx, projectID, activityID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Goals: goals, Ranks: ranks}
	if goals == ranks {
		return res, nil
	}
	unlock, err := r.lock(ctx, projectID, activityID)
	if err != nil {
		return res, err
	}
	defer unlock()
	if r.Locker != nil {
		// Another holder may have finished the job while we waited.
		goals, ranks, err = r.counts(ctx, projectID, activityID)
		if err != nil {
			return res, err
		}
		res.Goals, res.Ranks = goals, ranks
		if goals == ranks {
			return res, nil
		}
	}
	rows, err := r.regenerate(ctx, projectID, activityID)
	if err != nil {
		return res, err
	}
	res.Regenerated = true
	res.Rows = rows
	r.log().Info("ranks regenerated", "project_id", projectID, "activity_id", activityID, "goals", goals, "previous_ranks", ranks)
	return res, nil
}

// Regenerate rebuilds the activity's ranks unconditionally, keeping the current
// relative order. Used when neighbors have run out of room between them.
func (r *Reconciler) Regenerate(ctx context.Context, projectID, activityID string) (Result, error) {
	unlock, err := r.lock(ctx, projectID, activityID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()
	rows, err := r.regenerate(ctx, projectID, activityID)
	if err != nil {
		return Result{}, err
	}
	r.log().Info("ranks regenerated", "project_id", projectID, "activity_id", activityID, "goals", len(rows), "forced", true)
	return Result{Goals: len(rows), Ranks: len(rows), Regenerated: true, Rows: rows}, nil
}

func (r *Reconciler) counts(ctx context.Context, projectID, activityID string) (goals, ranks int, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.Store.CountGoalsInProject(gctx, projectID)
		if err != nil {
			return fmt.Errorf("count goals: %w", err)
		}
		goals = n
		return nil
	})
	g.Go(func() error {
		n, err := r.Store.CountRanksForActivityInProject(gctx, projectID, activityID)
		if err != nil {
			return fmt.Errorf("count ranks: %w", err)
		}
		ranks = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return goals, ranks, nil
}

func (r *Reconciler) regenerate(ctx context.Context, projectID, activityID string) ([]domain.GoalRank, error) {
	ids, err := r.Store.ListGoalIDsOrderedForRanking(ctx, projectID, activityID)
	if err != nil {
		return nil, fmt.Errorf("list goals for ranking: %w", err)
	}
	values := r.series().Generate(len(ids))
	ts := r.now().UTC().Format(time.RFC3339)
	rows := make([]domain.GoalRank, len(ids))
	for i, id := range ids {
		rows[i] = domain.GoalRank{ActivityID: activityID, GoalID: id, Value: values[i], UpdatedAt: ts}
	}
	if len(rows) == 0 {
		return rows, nil
	}
	if err := r.Store.UpsertRanks(ctx, rows); err != nil {
		return nil, fmt.Errorf("upsert ranks: %w", err)
	}
	return rows, nil
}

func (r *Reconciler) series() rank.Series {
	if r.Series.Min == 0 && r.Series.Max == 0 {
		return rank.DefaultSeries()
	}
	return r.Series
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reconciler) log() *logger.Logger {
	return logger.OrNop(r.Log)
}

func (r *Reconciler) lock(ctx context.Context, projectID, activityID string) (func(), error) {
	if r.Locker == nil {
		return func() {}, nil
	}
	unlock, err := r.Locker.Lock(ctx, lock.Key(activityID, projectID))
	if err != nil {
		return nil, fmt.Errorf("acquire rank lock: %w", err)
	}
	return unlock, nil
}
