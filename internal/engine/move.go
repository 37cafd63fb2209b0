package engine

import (
	"context"
	"errors"
	"fmt"

	"goalrank/internal/domain"
	"goalrank/internal/events"
	"goalrank/internal/rank"
)

// MoveGoalOptions places GoalID directly after AfterID and/or directly before
// BeforeID in the activity's order. Omitting AfterID moves to the top, omitting
// BeforeID to the bottom; at least one is required.
type MoveGoalOptions struct {
	ProjectID  string
	GoalID     string
	ActivityID string
	AfterID    string
	BeforeID   string
}

func (o MoveGoalOptions) validate() error {
	if o.GoalID == "" {
		return invalid("goal id is required")
	}
	if o.ActivityID == "" {
		return invalid("actor is required")
	}
	if o.AfterID == "" && o.BeforeID == "" {
		return invalid("after_id or before_id is required")
	}
	if o.AfterID == o.GoalID || o.BeforeID == o.GoalID {
		return invalid("goal cannot be its own neighbor")
	}
	if o.AfterID != "" && o.AfterID == o.BeforeID {
		return invalid("after_id and before_id must differ")
	}
	return nil
}

// MoveGoal computes a new rank for the goal between its new neighbors. When the
// neighbors have no room left between them the activity's ranks are regenerated
// and the allocation is retried once.
func (e Engine) MoveGoal(ctx context.Context, opts MoveGoalOptions) (domain.GoalRank, error) {
	if err := opts.validate(); err != nil {
		return domain.GoalRank{}, err
	}
	goal, err := e.GetGoal(ctx, opts.GoalID)
	if err != nil {
		return domain.GoalRank{}, err
	}
	if opts.ProjectID == "" {
		opts.ProjectID = goal.ProjectID
	}
	if goal.ProjectID != opts.ProjectID {
		return domain.GoalRank{}, invalid("goal %s not in project %s", goal.ID, opts.ProjectID)
	}
	for _, id := range []string{opts.AfterID, opts.BeforeID} {
		if id == "" {
			continue
		}
		n, err := e.GetGoal(ctx, id)
		if err != nil {
			return domain.GoalRank{}, fmt.Errorf("neighbor %s: %w", id, err)
		}
		if n.ProjectID != opts.ProjectID {
			return domain.GoalRank{}, invalid("neighbor %s not in project %s", id, opts.ProjectID)
		}
	}

	if _, err := e.Reconcile(ctx, opts.ProjectID, opts.ActivityID, false); err != nil {
		return domain.GoalRank{}, err
	}
	value, err := e.allocate(ctx, opts)
	if errors.Is(err, rank.ErrExhaustedPrecision) {
		e.log().Info("rank space exhausted, regenerating", "project_id", opts.ProjectID, "activity_id", opts.ActivityID, "goal_id", opts.GoalID)
		if _, err := e.Reconcile(ctx, opts.ProjectID, opts.ActivityID, true); err != nil {
			return domain.GoalRank{}, err
		}
		value, err = e.allocate(ctx, opts)
	}
	if err != nil {
		return domain.GoalRank{}, err
	}

	row := domain.GoalRank{
		ActivityID: opts.ActivityID,
		GoalID:     opts.GoalID,
		Value:      value,
		UpdatedAt:  e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GoalRank{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertRanksTx(ctx, tx, []domain.GoalRank{row}); err != nil {
		return domain.GoalRank{}, err
	}
	if err := e.writer().Append(ctx, tx, events.GoalReordered, opts.ProjectID, "goal", opts.GoalID, opts.ActivityID, events.EventPayload{
		"after_id":  opts.AfterID,
		"before_id": opts.BeforeID,
		"value":     value,
	}); err != nil {
		return domain.GoalRank{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GoalRank{}, err
	}
	return row, nil
}

func (e Engine) allocate(ctx context.Context, opts MoveGoalOptions) (float64, error) {
	var bounds rank.Bounds
	if opts.AfterID != "" {
		v, err := e.neighborRank(ctx, opts.ActivityID, opts.AfterID)
		if err != nil {
			return 0, err
		}
		bounds.Low = &v
	}
	if opts.BeforeID != "" {
		v, err := e.neighborRank(ctx, opts.ActivityID, opts.BeforeID)
		if err != nil {
			return 0, err
		}
		bounds.High = &v
	}
	return e.Alloc.Middle(bounds)
}

func (e Engine) neighborRank(ctx context.Context, activityID, goalID string) (float64, error) {
	gr, err := e.Repo.GetRank(ctx, activityID, goalID)
	if err != nil {
		return 0, fmt.Errorf("rank for neighbor %s: %w", goalID, err)
	}
	return gr.Value, nil
}
