package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"goalrank/internal/domain"
)

func (r Repo) CountGoalsInProject(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM goals WHERE project_id=? AND deleted_at IS NULL`), projectID).Scan(&n)
	return n, err
}

// CountRanksForActivityInProject counts the activity's rank rows that join to live goals of the project.
func (r Repo) CountRanksForActivityInProject(ctx context.Context, projectID, activityID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM goal_ranks r
JOIN goals g ON g.id=r.goal_id
WHERE g.project_id=? AND g.deleted_at IS NULL AND r.activity_id=?`), projectID, activityID).Scan(&n)
	return n, err
}

func (r Repo) ListGoalIDsOrderedForRanking(ctx context.Context, projectID, activityID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT g.id FROM goals g
LEFT JOIN goal_ranks r ON r.goal_id=g.id AND r.activity_id=?
WHERE g.project_id=? AND g.deleted_at IS NULL
`+rankingOrder), activityID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertRanks writes all rows in one transaction so readers never see a partially applied series.
func (r Repo) UpsertRanks(ctx context.Context, rows []domain.GoalRank) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertRanksTx(ctx, tx, rows); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertRanksTx(ctx context.Context, tx *sql.Tx, rows []domain.GoalRank) error {
	stmt, err := tx.PrepareContext(ctx, r.q(`INSERT INTO goal_ranks(activity_id,goal_id,value,updated_at) VALUES (?,?,?,?)
ON CONFLICT(activity_id, goal_id) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, row := range rows {
		updatedAt := row.UpdatedAt
		if updatedAt == "" {
			updatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, row.ActivityID, row.GoalID, row.Value, updatedAt); err != nil {
			return fmt.Errorf("upsert rank %s/%s: %w", row.ActivityID, row.GoalID, err)
		}
	}
	return nil
}

func (r Repo) GetRank(ctx context.Context, activityID, goalID string) (domain.GoalRank, error) {
	return r.getRank(ctx, r.DB, activityID, goalID)
}

func (r Repo) GetRankTx(ctx context.Context, tx *sql.Tx, activityID, goalID string) (domain.GoalRank, error) {
	return r.getRank(ctx, tx, activityID, goalID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) getRank(ctx context.Context, q queryRower, activityID, goalID string) (domain.GoalRank, error) {
	gr := domain.GoalRank{ActivityID: activityID, GoalID: goalID}
	err := q.QueryRowContext(ctx, r.q(`SELECT value, updated_at FROM goal_ranks WHERE activity_id=? AND goal_id=?`), activityID, goalID).
		Scan(&gr.Value, &gr.UpdatedAt)
	if err == sql.ErrNoRows {
		return gr, ErrNotFound
	}
	return gr, err
}
