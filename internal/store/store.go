package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for orchestration state.
// All writes to one entity are serialized through a per-id lock so a
// monitor loop and a continuation request can never race on the same run.
type Store struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// One connection: pragmas apply connection-wide, and SQLite writers
	// never see SQLITE_BUSY from our own pool
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// lockFor returns the mutex guarding writes to one entity id
func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// CreateProject inserts a project
func (s *Store) CreateProject(p *domain.Project) error {
	deps, err := json.Marshal(p.DeployCommands)
	if err != nil {
		return err
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO projects (id, name, repo_owner, repo_name, repo_url, default_branch,
			auto_merge_enabled, auto_confirm_plans, ui_testing_enabled,
			deploy_commands, health_check_url, base_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			repo_owner = excluded.repo_owner,
			repo_name = excluded.repo_name,
			repo_url = excluded.repo_url,
			default_branch = excluded.default_branch,
			auto_merge_enabled = excluded.auto_merge_enabled,
			auto_confirm_plans = excluded.auto_confirm_plans,
			ui_testing_enabled = excluded.ui_testing_enabled,
			deploy_commands = excluded.deploy_commands,
			health_check_url = excluded.health_check_url,
			base_url = excluded.base_url,
			updated_at = excluded.updated_at
	`,
		p.ID, p.Name, p.RepoOwner, p.RepoName, p.RepoURL, p.DefaultBranch,
		p.AutoMergeEnabled, p.AutoConfirmPlans, p.UITestingEnabled,
		string(deps), p.HealthCheckURL, p.BaseURL, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetProject retrieves a project by id
func (s *Store) GetProject(id string) (*domain.Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, repo_owner, repo_name, repo_url, default_branch,
			auto_merge_enabled, auto_confirm_plans, ui_testing_enabled,
			deploy_commands, health_check_url, base_url, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)

	var p domain.Project
	var deployJSON, healthURL, baseURL sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.RepoOwner, &p.RepoName, &p.RepoURL, &p.DefaultBranch,
		&p.AutoMergeEnabled, &p.AutoConfirmPlans, &p.UITestingEnabled,
		&deployJSON, &healthURL, &baseURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if deployJSON.Valid && deployJSON.String != "" && deployJSON.String != "null" {
		if err := json.Unmarshal([]byte(deployJSON.String), &p.DeployCommands); err != nil {
			return nil, err
		}
	}
	p.HealthCheckURL = healthURL.String
	p.BaseURL = baseURL.String
	return &p, nil
}

// ListProjects returns all projects ordered by name
func (s *Store) ListProjects() ([]*domain.Project, error) {
	rows, err := s.db.Query(`SELECT id FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	projects := make([]*domain.Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProject(id)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func scanNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
