package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Goal struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	DeletedAt   *string `json:"deleted_at,omitempty" format:"date-time"`
}

// GoalRank is one activity's sort key for one goal.
type GoalRank struct {
	ActivityID string  `json:"activity_id"`
	GoalID     string  `json:"goal_id"`
	Value      float64 `json:"value"`
	UpdatedAt  string  `json:"updated_at,omitempty" format:"date-time"`
}

// RankedGoal is a goal as seen by one activity.
type RankedGoal struct {
	Goal
	Rank *float64 `json:"rank,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
