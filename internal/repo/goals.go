package repo

import (
	"context"
	"database/sql"

	"goalrank/internal/domain"
)

const goalColumns = `g.id,g.project_id,g.title,g.description,g.created_by,g.created_at,g.updated_at,g.deleted_at`

// rankingOrder sorts an activity's goals: ranked first by value, then unranked
// goals with the most recently updated first. id keeps ties deterministic.
const rankingOrder = `ORDER BY
	CASE WHEN r.value IS NULL THEN 1 ELSE 0 END,
	r.value ASC,
	g.updated_at DESC,
	g.id ASC`

func scanGoal(row rowScanner, extra ...any) (domain.Goal, error) {
	var g domain.Goal
	var desc, deletedAt sql.NullString
	dest := append([]any{&g.ID, &g.ProjectID, &g.Title, &desc, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt, &deletedAt}, extra...)
	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if desc.Valid {
		g.Description = desc.String
	}
	if deletedAt.Valid {
		g.DeletedAt = &deletedAt.String
	}
	return g, nil
}

func (r Repo) InsertGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO goals(id,project_id,title,description,created_by,created_at,updated_at,deleted_at) VALUES (?,?,?,?,?,?,?,?)`),
		g.ID, g.ProjectID, g.Title, nullable(g.Description), g.CreatedBy, g.CreatedAt, g.UpdatedAt, nullableStringPtr(g.DeletedAt))
	return err
}

func (r Repo) UpdateGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE goals SET title=?, description=?, updated_at=?, deleted_at=? WHERE id=?`),
		g.Title, nullable(g.Description), g.UpdatedAt, nullableStringPtr(g.DeletedAt), g.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetGoal returns a goal, including soft-deleted ones.
func (r Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	return scanGoal(r.DB.QueryRowContext(ctx, r.q(`SELECT `+goalColumns+` FROM goals g WHERE g.id=?`), id))
}

func (r Repo) GetGoalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Goal, error) {
	return scanGoal(tx.QueryRowContext(ctx, r.q(`SELECT `+goalColumns+` FROM goals g WHERE g.id=?`), id))
}

// ListRankedGoals lists live goals of a project in the activity's order.
func (r Repo) ListRankedGoals(ctx context.Context, projectID, activityID string) ([]domain.RankedGoal, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+goalColumns+`, r.value FROM goals g
LEFT JOIN goal_ranks r ON r.goal_id=g.id AND r.activity_id=?
WHERE g.project_id=? AND g.deleted_at IS NULL
`+rankingOrder), activityID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RankedGoal{}
	for rows.Next() {
		var value sql.NullFloat64
		g, err := scanGoal(rows, &value)
		if err != nil {
			return nil, err
		}
		rg := domain.RankedGoal{Goal: g}
		if value.Valid {
			v := value.Float64
			rg.Rank = &v
		}
		res = append(res, rg)
	}
	return res, rows.Err()
}
