package goalranksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal goal ranking HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set; servers accept it only in dev mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Goal represents the API goal model. Rank is set on listings.
type Goal struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	CreatedBy   string   `json:"created_by"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	Rank        *float64 `json:"rank,omitempty"`
}

// Rank is the caller's sort key for one goal.
type Rank struct {
	ActivityID string  `json:"activity_id"`
	GoalID     string  `json:"goal_id"`
	Value      float64 `json:"value"`
	UpdatedAt  string  `json:"updated_at"`
}

// Reconciliation reports what a reconcile call found and did.
type Reconciliation struct {
	Goals       int  `json:"goals"`
	Ranks       int  `json:"ranks"`
	Regenerated bool `json:"regenerated"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// CreateGoal creates a goal in the client's project.
func (c *Client) CreateGoal(ctx context.Context, title, description string) (Goal, error) {
	body := map[string]any{"title": title}
	if description != "" {
		body["description"] = description
	}
	var resp Goal
	err := c.do(ctx, http.MethodPost, c.projectPath("goals"), body, &resp)
	return resp, err
}

// ListGoals returns the project's goals in the caller's order.
func (c *Client) ListGoals(ctx context.Context) ([]Goal, error) {
	var resp struct {
		Items []Goal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("goals"), nil, &resp)
	return resp.Items, err
}

// MoveGoal places goalID between afterID (above) and beforeID (below). Either may be empty.
func (c *Client) MoveGoal(ctx context.Context, goalID, afterID, beforeID string) (Rank, error) {
	body := map[string]any{}
	if afterID != "" {
		body["after_id"] = afterID
	}
	if beforeID != "" {
		body["before_id"] = beforeID
	}
	var resp Rank
	endpoint := c.projectPath(fmt.Sprintf("goals/%s/move", url.PathEscape(goalID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Reconcile repairs the caller's ranks; force regenerates them unconditionally.
func (c *Client) Reconcile(ctx context.Context, force bool) (Reconciliation, error) {
	endpoint := c.projectPath("ranks/reconcile")
	if force {
		endpoint += "?force=true"
	}
	var resp Reconciliation
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetRank returns the caller's rank for a goal.
func (c *Client) GetRank(ctx context.Context, goalID string) (Rank, error) {
	var resp Rank
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/goals/%s/rank", url.PathEscape(goalID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
