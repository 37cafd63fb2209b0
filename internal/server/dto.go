package server

import (
	"encoding/json"

	"goalrank/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateGoalRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type UpdateGoalRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type MoveGoalRequest struct {
	AfterID  string `json:"after_id,omitempty" doc:"Goal that should sort directly above"`
	BeforeID string `json:"before_id,omitempty" doc:"Goal that should sort directly below"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type GoalResponse struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	CreatedBy   string   `json:"created_by"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	Rank        *float64 `json:"rank,omitempty"`
}

type GoalListResponse struct {
	Items []GoalResponse `json:"items"`
}

type RankResponse struct {
	ActivityID string  `json:"activity_id"`
	GoalID     string  `json:"goal_id"`
	Value      float64 `json:"value"`
	UpdatedAt  string  `json:"updated_at,omitempty" format:"date-time"`
}

type ReconcileResponse struct {
	Goals       int  `json:"goals"`
	Ranks       int  `json:"ranks" doc:"Rank rows found before any regeneration"`
	Regenerated bool `json:"regenerated"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func goalResponse(g domain.Goal, rank *float64) GoalResponse {
	return GoalResponse{
		ID:          g.ID,
		ProjectID:   g.ProjectID,
		Title:       g.Title,
		Description: g.Description,
		CreatedBy:   g.CreatedBy,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
		Rank:        rank,
	}
}

func rankResponse(r domain.GoalRank) RankResponse {
	return RankResponse{
		ActivityID: r.ActivityID,
		GoalID:     r.GoalID,
		Value:      r.Value,
		UpdatedAt:  r.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
