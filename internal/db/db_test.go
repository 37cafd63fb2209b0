package db

import (
	"path/filepath"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `SELECT id FROM goals WHERE project_id=? AND id=?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `SELECT id FROM goals WHERE project_id=$1 AND id=$2`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %s, want %s", got, want)
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"": SQLite, "sqlite": SQLite, "pgx": Postgres, "Postgres": Postgres} {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if dialect != SQLite {
		t.Fatalf("expected sqlite dialect, got %s", dialect)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if want := filepath.Join(dir, ".goalrank", "goalrank.db"); Path(dir) != want {
		t.Fatalf("path = %s, want %s", Path(dir), want)
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, _, err := Open(Config{Driver: "pgx"}); err == nil {
		t.Fatalf("expected dsn error")
	}
}
