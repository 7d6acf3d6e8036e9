package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chiscode/orchestrator/internal/models"
)

// ErrUserNotFound is returned when no user matches the given email or ID.
var ErrUserNotFound = errors.New("user not found")

// UserStore reads and writes user accounts in PostgreSQL.
type UserStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewUserStore creates a user store backed by the given pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{
		pool:   pool,
		tracer: otel.Tracer("user-store"),
	}
}

// GetByEmail fetches a user by email for login.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx, span := s.tracer.Start(ctx, "user_store.get_by_email")
	defer span.End()

	query := `
		SELECT id, name, email, hashed_password, tier, created_at, updated_at
		FROM users
		WHERE email = $1
	`

	var user models.User
	err := s.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.HashedPassword,
		&user.Tier,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	span.SetAttributes(attribute.String("user.id", user.ID))
	return &user, nil
}

// Create inserts a new user. The email is normalized to lowercase; a
// duplicate email is reported as an error.
func (s *UserStore) Create(ctx context.Context, user *models.User) error {
	ctx, span := s.tracer.Start(ctx, "user_store.create")
	defer span.End()

	query := `
		INSERT INTO users (id, name, email, hashed_password, tier)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.pool.Exec(ctx, query,
		user.ID,
		user.Name,
		strings.ToLower(strings.TrimSpace(user.Email)),
		user.HashedPassword,
		string(user.Tier),
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint") {
			return fmt.Errorf("user with email %s already exists", user.Email)
		}
		span.RecordError(err)
		return fmt.Errorf("failed to insert user: %w", err)
	}

	span.SetAttributes(attribute.String("user.id", user.ID))
	return nil
}

// QuotaSource keeps daily usage counters in PostgreSQL so quota survives
// restarts and is shared across replicas. The upsert makes the
// increment-and-read atomic.
type QuotaSource struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewQuotaSource creates a Postgres-backed quota source.
func NewQuotaSource(pool *pgxpool.Pool) *QuotaSource {
	return &QuotaSource{
		pool:   pool,
		tracer: otel.Tracer("quota-source"),
	}
}

// IncrementAndGet bumps the counter for (sessionID, day) and returns the new
// value.
func (q *QuotaSource) IncrementAndGet(ctx context.Context, sessionID, day string) (int, error) {
	ctx, span := q.tracer.Start(ctx, "quota_source.increment")
	defer span.End()

	query := `
		INSERT INTO quota_usage (session_id, day, used)
		VALUES ($1, $2, 1)
		ON CONFLICT (session_id, day)
		DO UPDATE SET used = quota_usage.used + 1
		RETURNING used
	`

	var used int
	if err := q.pool.QueryRow(ctx, query, sessionID, day).Scan(&used); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to increment quota counter: %w", err)
	}

	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("quota.used", used),
	)
	return used, nil
}

// ProjectArchive persists completed projects so results outlive session
// eviction.
type ProjectArchive struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewProjectArchive creates a Postgres-backed project archive.
func NewProjectArchive(pool *pgxpool.Pool) *ProjectArchive {
	return &ProjectArchive{
		pool:   pool,
		tracer: otel.Tracer("project-archive"),
	}
}

// SaveProject stores a completed project. Files and stack are stored as
// JSONB.
func (a *ProjectArchive) SaveProject(ctx context.Context, sessionID string, project *models.Project) error {
	ctx, span := a.tracer.Start(ctx, "project_archive.save")
	defer span.End()

	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("project.id", project.ID),
	)

	filesJSON, err := json.Marshal(project.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal project files: %w", err)
	}
	stackJSON, err := json.Marshal(project.Stack)
	if err != nil {
		return fmt.Errorf("failed to marshal project stack: %w", err)
	}

	query := `
		INSERT INTO projects (id, session_id, name, description, stack, files, preview_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = a.pool.Exec(ctx, query,
		project.ID,
		sessionID,
		project.Name,
		project.Description,
		stackJSON,
		filesJSON,
		project.PreviewURL,
		project.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// ListProjects returns the most recent archived projects for a session,
// newest first, without file contents.
func (a *ProjectArchive) ListProjects(ctx context.Context, sessionID string, limit int) ([]models.Project, error) {
	ctx, span := a.tracer.Start(ctx, "project_archive.list")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, name, description, stack, preview_url, created_at
		FROM projects
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := a.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var (
			p         models.Project
			stackJSON []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &stackJSON, &p.PreviewURL, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		if err := json.Unmarshal(stackJSON, &p.Stack); err != nil {
			return nil, fmt.Errorf("failed to unmarshal project stack: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read project rows: %w", err)
	}

	span.SetAttributes(attribute.Int("projects.count", len(projects)))
	return projects, nil
}
