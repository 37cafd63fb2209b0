package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"goalrank/internal/repo"
)

// DefaultProjectKey is the .env / environment key holding the workspace's current project.
const DefaultProjectKey = "GOALRANK_DEFAULT_PROJECT"

// ResolveProject picks the active project. It prefers the override, then the
// workspace default, then the only project in the database.
func ResolveProject(ctx context.Context, override, fallback string, r repo.Repo) (string, error) {
	projectID := strings.TrimSpace(override)
	if projectID == "" {
		projectID = strings.TrimSpace(fallback)
	}
	if projectID != "" {
		if _, err := r.GetProject(ctx, projectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("project %s not found", projectID)
			}
			return "", err
		}
		return projectID, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no projects yet; create one with 'gr project create --id <id>'")
		}
		return "", fmt.Errorf("project not specified; use --project or 'gr project use <id>': %w", err)
	}
	return p.ID, nil
}

// EnvPath returns the workspace .env path.
func EnvPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

// LoadEnv loads the workspace .env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnv(workspace string) error {
	path := EnvPath(workspace)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// SetEnvValue sets key in the .env file at path, keeping other entries.
func SetEnvValue(path, key, value string) error {
	values := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		existing, err := godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		values = existing
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	values[key] = value
	return godotenv.Write(values, path)
}
