package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"goalrank/internal/config"
	"goalrank/internal/db"
	"goalrank/internal/domain"
	"goalrank/internal/engine"
	"goalrank/internal/events"
	"goalrank/internal/lock"
	"goalrank/internal/migrate"
	"goalrank/internal/rank"
	"goalrank/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// tickingClock advances one second per call so updated_at values are distinct.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, dialect, config.Default(), &lock.Local{}, nil)
	eng.Now = tickingClock()
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, "proj-1", "Project One", "test", "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) goal(t *testing.T, title string) domain.Goal {
	t.Helper()
	g, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{ProjectID: "proj-1", Title: title, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create goal %s: %v", title, err)
	}
	return g
}

func (env testEnv) order(t *testing.T, activityID string) []string {
	t.Helper()
	items, err := env.Engine.ListGoals(env.Ctx, "proj-1", activityID)
	if err != nil {
		t.Fatalf("list goals: %v", err)
	}
	var titles []string
	for _, it := range items {
		if it.Rank == nil {
			t.Fatalf("goal %s has no rank after listing", it.Title)
		}
		titles = append(titles, it.Title)
	}
	return titles
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestListGoalsInitializesRanks(t *testing.T) {
	env := newTestEnv(t)
	env.goal(t, "one")
	env.goal(t, "two")
	env.goal(t, "three")
	items, err := env.Engine.ListGoals(env.Ctx, "proj-1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	// Unranked goals come most recently updated first.
	wantTitles := []string{"three", "two", "one"}
	wantRanks := []float64{1, 500.5, 1000}
	for i, it := range items {
		if it.Title != wantTitles[i] || it.Rank == nil || *it.Rank != wantRanks[i] {
			t.Fatalf("item %d = %s rank %v, want %s %v", i, it.Title, it.Rank, wantTitles[i], wantRanks[i])
		}
	}
	res, err := env.Engine.Reconcile(env.Ctx, "proj-1", "u1", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Regenerated {
		t.Fatalf("second reconciliation should be a no-op")
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{ProjectID: "proj-1", Type: events.RanksRegenerated, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].ActorID != "u1" {
		t.Fatalf("expected one regeneration event, got %+v", evts)
	}
}

func TestMoveGoal(t *testing.T) {
	env := newTestEnv(t)
	one := env.goal(t, "one")
	two := env.goal(t, "two")
	three := env.goal(t, "three")
	if got := env.order(t, "u1"); !equal(got, []string{"three", "two", "one"}) {
		t.Fatalf("initial order %v", got)
	}

	row, err := env.Engine.MoveGoal(env.Ctx, engine.MoveGoalOptions{GoalID: three.ID, ActivityID: "u1", AfterID: one.ID})
	if err != nil {
		t.Fatalf("move to bottom: %v", err)
	}
	if row.Value <= 1000 {
		t.Fatalf("expected rank after 1000, got %v", row.Value)
	}
	if got := env.order(t, "u1"); !equal(got, []string{"two", "one", "three"}) {
		t.Fatalf("after move to bottom: %v", got)
	}

	row, err = env.Engine.MoveGoal(env.Ctx, engine.MoveGoalOptions{ProjectID: "proj-1", GoalID: three.ID, ActivityID: "u1", AfterID: two.ID, BeforeID: one.ID})
	if err != nil {
		t.Fatalf("move between: %v", err)
	}
	if row.Value <= 500.5 || row.Value >= 1000 {
		t.Fatalf("expected rank between 500.5 and 1000, got %v", row.Value)
	}
	if got := env.order(t, "u1"); !equal(got, []string{"two", "three", "one"}) {
		t.Fatalf("after move between: %v", got)
	}

	if _, err := env.Engine.MoveGoal(env.Ctx, engine.MoveGoalOptions{GoalID: one.ID, ActivityID: "u1", BeforeID: two.ID}); err != nil {
		t.Fatalf("move to top: %v", err)
	}
	if got := env.order(t, "u1"); !equal(got, []string{"one", "two", "three"}) {
		t.Fatalf("after move to top: %v", got)
	}

	// Another activity keeps its own order.
	if got := env.order(t, "u2"); !equal(got, []string{"three", "two", "one"}) {
		t.Fatalf("u2 order affected: %v", got)
	}
	stored, err := env.Engine.Repo.GetRank(env.Ctx, "u1", one.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Value >= 1 {
		t.Fatalf("expected top rank below 1, got %v", stored.Value)
	}
}

func TestMoveGoalRegeneratesWhenPrecisionExhausted(t *testing.T) {
	env := newTestEnv(t)
	b := env.goal(t, "b")
	a := env.goal(t, "a")
	x := env.goal(t, "x")
	if err := env.Engine.Repo.UpsertRanks(env.Ctx, []domain.GoalRank{
		{ActivityID: "u1", GoalID: a.ID, Value: 7},
		{ActivityID: "u1", GoalID: b.ID, Value: 7},
		{ActivityID: "u1", GoalID: x.ID, Value: 500},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Alloc.Middle(rank.Between(7, 7)); !errors.Is(err, rank.ErrExhaustedPrecision) {
		t.Fatalf("expected exhausted precision between equal ranks, got %v", err)
	}
	row, err := env.Engine.MoveGoal(env.Ctx, engine.MoveGoalOptions{GoalID: x.ID, ActivityID: "u1", AfterID: a.ID, BeforeID: b.ID})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	ra, _ := env.Engine.Repo.GetRank(env.Ctx, "u1", a.ID)
	rb, _ := env.Engine.Repo.GetRank(env.Ctx, "u1", b.ID)
	if ra.Value == rb.Value {
		t.Fatalf("neighbors still share rank %v", ra.Value)
	}
	if !(row.Value > ra.Value && row.Value < rb.Value) {
		t.Fatalf("moved rank %v not between %v and %v", row.Value, ra.Value, rb.Value)
	}
	if got := env.order(t, "u1"); !equal(got, []string{"a", "x", "b"}) {
		t.Fatalf("order after regeneration: %v", got)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{ProjectID: "proj-1", Type: events.RanksRegenerated, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one forced regeneration event, got %d", len(evts))
	}
}

func TestMoveGoalWithBareEngineUsesEngineClock(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fixed := time.Date(2030, 5, 5, 0, 0, 0, 0, time.UTC)
	eng := engine.Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Events: events.Writer{Dialect: dialect},
		Alloc:  config.Default().Allocator(),
		Now:    func() time.Time { return fixed },
	}
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, "proj-1", "Project One", "", "tester"); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, title := range []string{"a", "b", "x"} {
		// Same clock for every goal, so the tie between a and b falls back to id order.
		g, err := eng.CreateGoal(ctx, engine.GoalCreateOptions{ID: title, ProjectID: "proj-1", Title: title, ActorID: "tester"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, g.ID)
	}
	old := "2020-01-01T00:00:00Z"
	if err := eng.Repo.UpsertRanks(ctx, []domain.GoalRank{
		{ActivityID: "u1", GoalID: ids[0], Value: 7, UpdatedAt: old},
		{ActivityID: "u1", GoalID: ids[1], Value: 7, UpdatedAt: old},
		{ActivityID: "u1", GoalID: ids[2], Value: 500, UpdatedAt: old},
	}); err != nil {
		t.Fatal(err)
	}
	row, err := eng.MoveGoal(ctx, engine.MoveGoalOptions{GoalID: ids[2], ActivityID: "u1", AfterID: ids[0], BeforeID: ids[1]})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	want := fixed.Format(time.RFC3339)
	for _, id := range ids {
		gr, err := eng.Repo.GetRank(ctx, "u1", id)
		if err != nil {
			t.Fatal(err)
		}
		if gr.UpdatedAt != want {
			t.Fatalf("rank %s stamped %s, want %s", id, gr.UpdatedAt, want)
		}
	}
	ra, _ := eng.Repo.GetRank(ctx, "u1", ids[0])
	rb, _ := eng.Repo.GetRank(ctx, "u1", ids[1])
	if !(ra.Value < row.Value && row.Value < rb.Value) {
		t.Fatalf("moved rank %v not between %v and %v", row.Value, ra.Value, rb.Value)
	}
}

func TestMoveGoalValidation(t *testing.T) {
	env := newTestEnv(t)
	one := env.goal(t, "one")
	two := env.goal(t, "two")
	env.order(t, "u1")

	cases := []engine.MoveGoalOptions{
		{GoalID: one.ID, ActivityID: "u1"},
		{GoalID: one.ID, ActivityID: "u1", AfterID: one.ID},
		{GoalID: one.ID, AfterID: two.ID},
		{GoalID: one.ID, ActivityID: "u1", AfterID: two.ID, BeforeID: two.ID},
	}
	for i, c := range cases {
		if _, err := env.Engine.MoveGoal(env.Ctx, c); !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
	if _, err := env.Engine.MoveGoal(env.Ctx, engine.MoveGoalOptions{GoalID: "missing", ActivityID: "u1", AfterID: two.ID}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// Regeneration puts two ahead of one, so these bounds are inverted.
	three := env.goal(t, "three")
	_, err := env.Engine.MoveGoal(env.Ctx, engine.MoveGoalOptions{GoalID: three.ID, ActivityID: "u1", AfterID: one.ID, BeforeID: two.ID})
	if !errors.Is(err, rank.ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}

	if _, err := env.Engine.CreateProject(env.Ctx, "proj-2", "", "", "tester"); err != nil {
		t.Fatal(err)
	}
	other, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{ProjectID: "proj-2", Title: "elsewhere", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MoveGoal(env.Ctx, engine.MoveGoalOptions{GoalID: one.ID, ActivityID: "u1", AfterID: other.ID}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected cross-project neighbor to be rejected, got %v", err)
	}
}

func TestGoalLifecycleAndReconciliation(t *testing.T) {
	env := newTestEnv(t)
	one := env.goal(t, "one")
	env.goal(t, "two")
	if got := env.order(t, "u1"); !equal(got, []string{"two", "one"}) {
		t.Fatalf("initial order %v", got)
	}

	// Deleting a goal keeps goal and rank counts aligned.
	if err := env.Engine.DeleteGoal(env.Ctx, one.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Reconcile(env.Ctx, "proj-1", "u1", false)
	if err != nil || res.Regenerated || res.Goals != 1 || res.Ranks != 1 {
		t.Fatalf("after delete: %+v %v", res, err)
	}
	if _, err := env.Engine.GetGoal(env.Ctx, one.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted goal should not be found, got %v", err)
	}
	if err := env.Engine.DeleteGoal(env.Ctx, one.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double delete should be not found, got %v", err)
	}

	// A new goal lands after the already-ranked ones.
	env.goal(t, "three")
	res, err = env.Engine.Reconcile(env.Ctx, "proj-1", "u1", false)
	if err != nil || !res.Regenerated || res.Goals != 2 || res.Ranks != 1 {
		t.Fatalf("after create: %+v %v", res, err)
	}
	if got := env.order(t, "u1"); !equal(got, []string{"two", "three"}) {
		t.Fatalf("order after create %v", got)
	}

	title := "renamed"
	g, err := env.Engine.UpdateGoal(env.Ctx, engine.GoalUpdateOptions{ID: res.Rows[1].GoalID, Title: &title, ActorID: "tester"})
	if err != nil || g.Title != "renamed" {
		t.Fatalf("update: %+v %v", g, err)
	}
	empty := " "
	if _, err := env.Engine.UpdateGoal(env.Ctx, engine.GoalUpdateOptions{ID: g.ID, Title: &empty}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid title, got %v", err)
	}
}

func TestCreateGoalValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{ProjectID: "proj-1", ActorID: "tester"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected title required, got %v", err)
	}
	if _, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{ProjectID: "nope", Title: "x", ActorID: "tester"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected missing project, got %v", err)
	}
	if _, err := env.Engine.CreateProject(env.Ctx, "  ", "", "", "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected project id required, got %v", err)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	g := env.goal(t, "one")
	env.order(t, "u1")
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.GetRank(env.Ctx, "u1", g.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rank should be gone with its project, got %v", err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentReconciliationConverges(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"a", "b", "c", "d"} {
		env.goal(t, title)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.Reconcile(env.Ctx, "proj-1", "u1", false); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("reconcile: %v", err)
	}
	n, err := env.Engine.Repo.CountRanksForActivityInProject(env.Ctx, "proj-1", "u1")
	if err != nil || n != 4 {
		t.Fatalf("expected 4 ranks, got %d (%v)", n, err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{ProjectID: "proj-1", Type: events.RanksRegenerated, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("lock should let only one caller regenerate, got %d events", len(evts))
	}
}
