package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/models"
)

// ProjectService manages projects and their engine locks.
type ProjectService struct {
	client       *database.Client
	reposBaseDir string
}

// NewProjectService creates a new ProjectService. reposBaseDir is where each
// project's cached working tree lives (repos/<tenant>/<project-id>).
func NewProjectService(client *database.Client, reposBaseDir string) *ProjectService {
	return &ProjectService{client: client, reposBaseDir: reposBaseDir}
}

const projectColumns = `id, tenant_id, name, remote_url, local_path,
	published_url, published_at, published_job_id, created_at`

// CreateProject registers a new project for a tenant.
func (s *ProjectService) CreateProject(ctx context.Context, tenantID string, req models.CreateProjectRequest) (*models.Project, error) {
	if tenantID == "" {
		return nil, NewValidationError("tenant_id", "tenant is required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, NewValidationError("name", "project name is required")
	}

	id := uuid.New().String()
	project := &models.Project{
		ID:        id,
		TenantID:  tenantID,
		Name:      name,
		RemoteURL: strings.TrimSpace(req.RemoteURL),
		LocalPath: filepath.Join(s.reposBaseDir, tenantID, id),
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO projects (id, tenant_id, name, remote_url, local_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		project.ID, project.TenantID, project.Name,
		nullString(project.RemoteURL), project.LocalPath, project.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return project, nil
}

// GetProject returns a tenant's project by id.
func (s *ProjectService) GetProject(ctx context.Context, tenantID, projectID string) (*models.Project, error) {
	project, err := s.GetProjectAny(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.TenantID != tenantID {
		return nil, ErrForbidden
	}
	return project, nil
}

// GetProjectAny returns a project regardless of tenant. Callers own the
// tenant check; the API layer uses the distinction to answer 403 vs 404.
func (s *ProjectService) GetProjectAny(ctx context.Context, projectID string) (*models.Project, error) {
	row := s.client.DB().QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID)
	return scanProject(row)
}

// ListProjects returns a tenant's projects, newest first.
func (s *ProjectService) ListProjects(ctx context.Context, tenantID string) ([]*models.Project, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE tenant_id = ? ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return projects, nil
}

// DeleteProject removes a tenant's project. Jobs and events cascade inside
// the same transaction. Returns the deleted row so the caller can remove the
// on-disk tree (best-effort, outside the store).
func (s *ProjectService) DeleteProject(ctx context.Context, tenantID, projectID string) (*models.Project, error) {
	project, err := s.GetProject(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM project_locks WHERE project_id = ?`, projectID); err != nil {
		return nil, fmt.Errorf("failed to clear project lock: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM projects WHERE id = ? AND tenant_id = ?`, projectID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return project, nil
}

// SetPublished records publish metadata after a job's preview is promoted.
func (s *ProjectService) SetPublished(ctx context.Context, tenantID, projectID, url, jobID string) error {
	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE projects SET published_url = ?, published_at = ?, published_job_id = ?
		 WHERE id = ? AND tenant_id = ?`,
		url, time.Now().UTC(), jobID, projectID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to set publish metadata: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read publish result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Project locks
// ─────────────────────────────────────────────────────────────────────────────

// AcquireLock takes the project lock for an engine instance. Locks older
// than ttl are treated as stale and reclaimed. Re-acquiring an own lock
// refreshes it.
func (s *ProjectService) AcquireLock(ctx context.Context, projectID, engineID string, ttl time.Duration) error {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	stale := time.Now().UTC().Add(-ttl)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM project_locks WHERE project_id = ? AND acquired_at < ?`,
		projectID, stale); err != nil {
		return fmt.Errorf("failed to clear stale lock: %w", err)
	}

	var holder string
	err = tx.QueryRowContext(ctx,
		`SELECT engine_id FROM project_locks WHERE project_id = ?`, projectID).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO project_locks (project_id, engine_id, acquired_at) VALUES (?, ?, ?)`,
			projectID, engineID, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to insert project lock: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read project lock: %w", err)
	case holder != engineID:
		return ErrProjectLocked
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE project_locks SET acquired_at = ? WHERE project_id = ?`,
			time.Now().UTC(), projectID); err != nil {
			return fmt.Errorf("failed to refresh project lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock: %w", err)
	}
	return nil
}

// ReleaseLock releases a project lock held by engineID. Releasing a lock
// that is not held is a no-op.
func (s *ProjectService) ReleaseLock(ctx context.Context, projectID, engineID string) error {
	_, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM project_locks WHERE project_id = ? AND engine_id = ?`,
		projectID, engineID)
	if err != nil {
		return fmt.Errorf("failed to release project lock: %w", err)
	}
	return nil
}

// ReleaseEngineLocks drops all locks held by an engine instance. Called at
// startup so locks from a previous crashed run of the same engine id cannot
// wedge the queue.
func (s *ProjectService) ReleaseEngineLocks(ctx context.Context, engineID string) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM project_locks WHERE engine_id = ?`, engineID)
	if err != nil {
		return 0, fmt.Errorf("failed to release engine locks: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var remoteURL, publishedURL, publishedJobID sql.NullString
	var publishedAt sql.NullTime
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &remoteURL, &p.LocalPath,
		&publishedURL, &publishedAt, &publishedJobID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.RemoteURL = remoteURL.String
	p.PublishedURL = publishedURL.String
	p.PublishedJobID = publishedJobID.String
	if publishedAt.Valid {
		t := publishedAt.Time
		p.PublishedAt = &t
	}
	return &p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
