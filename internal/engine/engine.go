package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"goalrank/internal/config"
	"goalrank/internal/db"
	"goalrank/internal/domain"
	"goalrank/internal/events"
	"goalrank/internal/lock"
	"goalrank/internal/logger"
	"goalrank/internal/rank"
	"goalrank/internal/reconcile"
	"goalrank/internal/repo"
)

// ErrInvalidInput marks caller mistakes; it is wrapped with the specific reason.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ranks  *reconcile.Reconciler
	Alloc  rank.Allocator
	Config *config.Config
	Log    *logger.Logger
	Now    func() time.Time
}

// New wires an engine over an open, migrated database. locker may be nil.
func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, locker lock.Locker, log *logger.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	log = logger.OrNop(log)
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Dialect: dialect},
		Ranks:  reconcile.New(r, cfg.Series(), locker, log.With("component", "reconcile")),
		Alloc:  cfg.Allocator(),
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *logger.Logger {
	return logger.OrNop(e.Log)
}

// reconciler returns the configured reconciler stamping rows with the engine clock.
func (e Engine) reconciler() *reconcile.Reconciler {
	r := reconcile.Reconciler{Store: e.Repo, Log: e.log()}
	if e.Ranks != nil {
		r = *e.Ranks
	}
	r.Now = e.now
	return &r
}

func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// CreateProject inserts a project and records the event.
func (e Engine) CreateProject(ctx context.Context, id, name, description, actorID string) (domain.Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Project{}, invalid("project id is required")
	}
	if name == "" {
		name = id
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DeleteProject removes a project with its goals and ranks.
func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProject(ctx, tx, id); err != nil {
		return err
	}
	if err := e.writer().Append(ctx, tx, events.ProjectDeleted, "", "project", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GoalCreateOptions are parameters for creating a goal.
type GoalCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	ActorID     string
}

func (e Engine) CreateGoal(ctx context.Context, opts GoalCreateOptions) (domain.Goal, error) {
	if opts.ProjectID == "" {
		return domain.Goal{}, invalid("project is required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Goal{}, invalid("title is required")
	}
	if opts.ActorID == "" {
		return domain.Goal{}, invalid("actor is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Goal{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	g := domain.Goal{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, fmt.Errorf("insert goal: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.GoalCreated, g.ProjectID, "goal", g.ID, opts.ActorID, events.EventPayload{"title": g.Title}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

// GoalUpdateOptions carries optional field changes.
type GoalUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	ActorID     string
}

func (e Engine) UpdateGoal(ctx context.Context, opts GoalUpdateOptions) (domain.Goal, error) {
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Goal{}, invalid("title must not be empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetGoalTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Goal{}, err
	}
	if g.DeletedAt != nil {
		return domain.Goal{}, repo.ErrNotFound
	}
	changed := map[string]any{}
	if opts.Title != nil && *opts.Title != g.Title {
		g.Title = *opts.Title
		changed["title"] = g.Title
	}
	if opts.Description != nil && *opts.Description != g.Description {
		g.Description = *opts.Description
		changed["description"] = g.Description
	}
	if len(changed) == 0 {
		return g, nil
	}
	g.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, err
	}
	if err := e.writer().Append(ctx, tx, events.GoalUpdated, g.ProjectID, "goal", g.ID, opts.ActorID, changed); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

// DeleteGoal soft-deletes a goal; its rank rows stop counting toward reconciliation.
func (e Engine) DeleteGoal(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetGoalTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if g.DeletedAt != nil {
		return repo.ErrNotFound
	}
	now := e.timestamp()
	g.DeletedAt = &now
	g.UpdatedAt = now
	if err := e.Repo.UpdateGoal(ctx, tx, g); err != nil {
		return err
	}
	if err := e.writer().Append(ctx, tx, events.GoalDeleted, g.ProjectID, "goal", g.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GetGoal returns a live goal.
func (e Engine) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	g, err := e.Repo.GetGoal(ctx, id)
	if err != nil {
		return domain.Goal{}, err
	}
	if g.DeletedAt != nil {
		return domain.Goal{}, repo.ErrNotFound
	}
	return g, nil
}

// ListGoals returns the project's goals in the activity's order, repairing the
// activity's ranks first when they are incomplete.
func (e Engine) ListGoals(ctx context.Context, projectID, activityID string) ([]domain.RankedGoal, error) {
	if activityID == "" {
		return nil, invalid("actor is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if _, err := e.Reconcile(ctx, projectID, activityID, false); err != nil {
		return nil, err
	}
	return e.Repo.ListRankedGoals(ctx, projectID, activityID)
}

// Reconcile checks the activity's ranks and regenerates them when incomplete, or
// unconditionally when force is set.
func (e Engine) Reconcile(ctx context.Context, projectID, activityID string, force bool) (reconcile.Result, error) {
	if projectID == "" || activityID == "" {
		return reconcile.Result{}, invalid("project and actor are required")
	}
	var (
		res reconcile.Result
		err error
	)
	if force {
		res, err = e.reconciler().Regenerate(ctx, projectID, activityID)
	} else {
		res, err = e.reconciler().RecalculateIfNeeded(ctx, projectID, activityID)
	}
	if err != nil {
		return res, err
	}
	if res.Regenerated {
		if err := e.recordEvent(ctx, events.RanksRegenerated, projectID, "project", projectID, activityID, events.EventPayload{
			"goals":  res.Goals,
			"forced": force,
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e Engine) recordEvent(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.writer().Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
