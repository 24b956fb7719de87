// Package postgres provides the PostgreSQL implementation of the storage
// interface.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pullsentry/pullsentry/storage"
)

// PostgreSQL provides storage operations using PostgreSQL.
type PostgreSQL struct {
	db *sql.DB
}

// New creates a new PostgreSQL storage instance.
func New(db *sql.DB) *PostgreSQL {
	return &PostgreSQL{db: db}
}

// NewFromDSN creates a new PostgreSQL storage instance from a connection
// string.
func NewFromDSN(dsn string) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &PostgreSQL{db: db}, nil
}

// Close closes the database connection.
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}

// Migrate creates the required database tables.
func (p *PostgreSQL) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS installations (
			installation_id BIGINT PRIMARY KEY,
			account_login TEXT NOT NULL,
			account_type TEXT NOT NULL DEFAULT '',
			config JSONB NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS repositories (
			repo_id BIGINT PRIMARY KEY,
			installation_id BIGINT NOT NULL,
			full_name TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			index_status TEXT NOT NULL DEFAULT 'pending',
			last_indexed_sha TEXT,
			indexed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_repositories_installation ON repositories(installation_id);

		CREATE TABLE IF NOT EXISTS reviews (
			id UUID PRIMARY KEY,
			repo_id BIGINT NOT NULL,
			pr_number INTEGER NOT NULL,
			head_sha TEXT NOT NULL,
			base_sha TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			stage TEXT,
			findings_count INTEGER NOT NULL DEFAULT 0,
			cost NUMERIC(10,6) NOT NULL DEFAULT 0,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error_message TEXT,
			UNIQUE(repo_id, pr_number, head_sha)
		);
		CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status);

		CREATE TABLE IF NOT EXISTS findings (
			id UUID PRIMARY KEY,
			review_id UUID NOT NULL REFERENCES reviews(id),
			file_path TEXT NOT NULL,
			line_start INTEGER NOT NULL,
			line_end INTEGER NOT NULL,
			diff_position INTEGER NOT NULL,
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			suggestion TEXT,
			comment_id BIGINT,
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			dismissed BOOLEAN NOT NULL DEFAULT FALSE,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_findings_review ON findings(review_id);

		CREATE TABLE IF NOT EXISTS conversation_threads (
			comment_id BIGINT PRIMARY KEY,
			finding_id UUID,
			installation_id BIGINT NOT NULL,
			repo_id BIGINT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL DEFAULT '',
			pr_number INTEGER NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			line INTEGER NOT NULL DEFAULT 0,
			commit_sha TEXT NOT NULL DEFAULT '',
			file_content TEXT NOT NULL DEFAULT '',
			history JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveInstallation stores or reactivates an installation.
func (p *PostgreSQL) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	query := `
		INSERT INTO installations (installation_id, account_login, account_type, config, active)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4, '')::jsonb, '{}'::jsonb), TRUE)
		ON CONFLICT (installation_id) DO UPDATE SET
			account_login = EXCLUDED.account_login,
			account_type = EXCLUDED.account_type,
			active = TRUE,
			updated_at = NOW()
	`
	_, err := p.db.ExecContext(ctx, query, install.ID, install.AccountLogin, install.AccountType, string(install.Config))
	if err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}
	return nil
}

// GetInstallation retrieves an installation, or nil when unknown.
func (p *PostgreSQL) GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error) {
	query := `
		SELECT installation_id, account_login, account_type, config::text, active, created_at
		FROM installations WHERE installation_id = $1
	`
	var install storage.Installation
	var config string
	err := p.db.QueryRowContext(ctx, query, installationID).Scan(
		&install.ID, &install.AccountLogin, &install.AccountType, &config, &install.Active, &install.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	install.Config = []byte(config)
	return &install, nil
}

// DeactivateInstallation performs the logical delete on uninstall; review
// history is retained.
func (p *PostgreSQL) DeactivateInstallation(ctx context.Context, installationID int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE installations SET active = FALSE, updated_at = NOW() WHERE installation_id = $1`, installationID)
	if err != nil {
		return fmt.Errorf("failed to deactivate installation: %w", err)
	}
	return nil
}

// UpsertRepository stores or updates a repository record.
func (p *PostgreSQL) UpsertRepository(ctx context.Context, repo *storage.Repository) error {
	query := `
		INSERT INTO repositories (repo_id, installation_id, full_name, default_branch, index_status)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'main'), COALESCE(NULLIF($5, ''), 'pending'))
		ON CONFLICT (repo_id) DO UPDATE SET
			installation_id = EXCLUDED.installation_id,
			full_name = EXCLUDED.full_name,
			default_branch = EXCLUDED.default_branch
	`
	_, err := p.db.ExecContext(ctx, query, repo.ID, repo.InstallationID, repo.FullName, repo.DefaultBranch, repo.IndexStatus)
	if err != nil {
		return fmt.Errorf("failed to upsert repository: %w", err)
	}
	return nil
}

// GetRepository retrieves a repository, or nil when unknown.
func (p *PostgreSQL) GetRepository(ctx context.Context, repoID int64) (*storage.Repository, error) {
	query := `
		SELECT repo_id, installation_id, full_name, default_branch, index_status,
		       COALESCE(last_indexed_sha, ''), indexed_at, created_at
		FROM repositories WHERE repo_id = $1
	`
	var repo storage.Repository
	var indexedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, query, repoID).Scan(
		&repo.ID, &repo.InstallationID, &repo.FullName, &repo.DefaultBranch,
		&repo.IndexStatus, &repo.LastIndexedSHA, &indexedAt, &repo.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	if indexedAt.Valid {
		repo.IndexedAt = &indexedAt.Time
	}
	return &repo, nil
}

// RemoveRepository deletes a repository record (repo removed from the
// installation).
func (p *PostgreSQL) RemoveRepository(ctx context.Context, repoID int64) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM repositories WHERE repo_id = $1`, repoID); err != nil {
		return fmt.Errorf("failed to remove repository: %w", err)
	}
	return nil
}

// SetIndexStatus updates the indexing state of a repository.
func (p *PostgreSQL) SetIndexStatus(ctx context.Context, repoID int64, status, lastIndexedSHA string) error {
	query := `
		UPDATE repositories
		SET index_status = $2,
		    last_indexed_sha = NULLIF($3, ''),
		    indexed_at = CASE WHEN $2 = 'ready' THEN NOW() ELSE indexed_at END
		WHERE repo_id = $1
	`
	if _, err := p.db.ExecContext(ctx, query, repoID, status, lastIndexedSHA); err != nil {
		return fmt.Errorf("failed to set index status: %w", err)
	}
	return nil
}

// ListRepositories lists the repositories of an installation.
func (p *PostgreSQL) ListRepositories(ctx context.Context, installationID int64) ([]*storage.Repository, error) {
	query := `
		SELECT repo_id, installation_id, full_name, default_branch, index_status,
		       COALESCE(last_indexed_sha, ''), indexed_at, created_at
		FROM repositories WHERE installation_id = $1 ORDER BY full_name
	`
	rows, err := p.db.QueryContext(ctx, query, installationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []*storage.Repository
	for rows.Next() {
		var repo storage.Repository
		var indexedAt sql.NullTime
		if err := rows.Scan(
			&repo.ID, &repo.InstallationID, &repo.FullName, &repo.DefaultBranch,
			&repo.IndexStatus, &repo.LastIndexedSHA, &indexedAt, &repo.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		if indexedAt.Valid {
			repo.IndexedAt = &indexedAt.Time
		}
		repos = append(repos, &repo)
	}
	return repos, rows.Err()
}

// CreateReview inserts a queued review row.
func (p *PostgreSQL) CreateReview(ctx context.Context, review *storage.Review) error {
	query := `
		INSERT INTO reviews (id, repo_id, pr_number, head_sha, base_sha, status, enqueued_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), 'queued', $6)
		ON CONFLICT (repo_id, pr_number, head_sha) DO NOTHING
	`
	enqueuedAt := review.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, query, review.ID, review.RepoID, review.PRNumber, review.HeadSHA, review.BaseSHA, enqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to create review: %w", err)
	}
	return nil
}

// StartReview marks a review processing and stamps its start time.
func (p *PostgreSQL) StartReview(ctx context.Context, reviewID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE reviews SET status = 'processing', started_at = NOW() WHERE id = $1`, reviewID)
	if err != nil {
		return fmt.Errorf("failed to start review: %w", err)
	}
	return nil
}

// SetReviewStage records the pipeline's current stage label.
func (p *PostgreSQL) SetReviewStage(ctx context.Context, reviewID, stage string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE reviews SET stage = $2 WHERE id = $1`, reviewID, stage)
	if err != nil {
		return fmt.Errorf("failed to set review stage: %w", err)
	}
	return nil
}

// CompleteReview transitions the review to completed and writes its findings
// in one transaction, so a completed review can never be missing findings.
func (p *PostgreSQL) CompleteReview(ctx context.Context, reviewID string, cost float64, findings []storage.Finding) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE reviews
		SET status = 'completed', findings_count = $2, cost = $3, completed_at = NOW()
		WHERE id = $1
	`, reviewID, len(findings), cost)
	if err != nil {
		return fmt.Errorf("failed to complete review: %w", err)
	}

	for _, f := range findings {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO findings (id, review_id, file_path, line_start, line_end, diff_position,
				severity, category, title, body, suggestion, comment_id, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, 0), $13)
		`, f.ID, reviewID, f.FilePath, f.LineStart, f.LineEnd, f.DiffPosition,
			f.Severity, f.Category, f.Title, f.Body, f.Suggestion, f.CommentID, f.Confidence)
		if err != nil {
			return fmt.Errorf("failed to insert finding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit review: %w", err)
	}
	return nil
}

// FailReview marks a review failed with its terminal message.
func (p *PostgreSQL) FailReview(ctx context.Context, reviewID string, cost float64, errorMessage string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE reviews
		SET status = 'failed', cost = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1
	`, reviewID, cost, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to fail review: %w", err)
	}
	return nil
}

// GetReview retrieves a review by id, or nil when unknown.
func (p *PostgreSQL) GetReview(ctx context.Context, reviewID string) (*storage.Review, error) {
	query := `
		SELECT id, repo_id, pr_number, head_sha, COALESCE(base_sha, ''), status,
		       COALESCE(stage, ''), findings_count, cost, enqueued_at, started_at,
		       completed_at, COALESCE(error_message, '')
		FROM reviews WHERE id = $1
	`
	var review storage.Review
	var startedAt, completedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, query, reviewID).Scan(
		&review.ID, &review.RepoID, &review.PRNumber, &review.HeadSHA, &review.BaseSHA,
		&review.Status, &review.Stage, &review.FindingsCount, &review.Cost,
		&review.EnqueuedAt, &startedAt, &completedAt, &review.ErrorMessage,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	if startedAt.Valid {
		review.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		review.CompletedAt = &completedAt.Time
	}
	return &review, nil
}

// DismissFinding marks a finding dismissed by the thread's author.
func (p *PostgreSQL) DismissFinding(ctx context.Context, findingID string) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE findings SET dismissed = TRUE WHERE id = $1`, findingID); err != nil {
		return fmt.Errorf("failed to dismiss finding: %w", err)
	}
	return nil
}

// SaveThread stores a conversation thread keyed by the forge comment id.
func (p *PostgreSQL) SaveThread(ctx context.Context, thread *storage.Thread) error {
	query := `
		INSERT INTO conversation_threads (comment_id, finding_id, installation_id, repo_id,
			owner, repo, pr_number, file_path, line, commit_sha, file_content, history)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)
		ON CONFLICT (comment_id) DO UPDATE SET
			history = EXCLUDED.history,
			updated_at = NOW()
	`
	_, err := p.db.ExecContext(ctx, query,
		thread.CommentID, thread.FindingID, thread.InstallationID, thread.RepoID,
		thread.Owner, thread.Repo, thread.PRNumber, thread.FilePath, thread.Line,
		thread.CommitSHA, thread.FileContent, historyToJSON(thread.History),
	)
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by comment id, or nil when unknown.
func (p *PostgreSQL) GetThread(ctx context.Context, commentID int64) (*storage.Thread, error) {
	query := `
		SELECT comment_id, COALESCE(finding_id::text, ''), installation_id, repo_id,
		       owner, repo, pr_number, file_path, line, commit_sha, file_content,
		       history::text, updated_at
		FROM conversation_threads WHERE comment_id = $1
	`
	var thread storage.Thread
	var history string
	err := p.db.QueryRowContext(ctx, query, commentID).Scan(
		&thread.CommentID, &thread.FindingID, &thread.InstallationID, &thread.RepoID,
		&thread.Owner, &thread.Repo, &thread.PRNumber, &thread.FilePath, &thread.Line,
		&thread.CommitSHA, &thread.FileContent, &history, &thread.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	thread.History = historyFromJSON(history)
	return &thread, nil
}

// UpdateThreadHistory replaces a thread's message history.
func (p *PostgreSQL) UpdateThreadHistory(ctx context.Context, commentID int64, history []storage.ThreadMessage) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE conversation_threads SET history = $2::jsonb, updated_at = NOW()
		WHERE comment_id = $1
	`, commentID, historyToJSON(history))
	if err != nil {
		return fmt.Errorf("failed to update thread history: %w", err)
	}
	return nil
}

// GetStats returns the admin snapshot. Reads are plain snapshot queries;
// the admin surface never mutates.
func (p *PostgreSQL) GetStats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(findings_count), 0)
		FROM reviews
	`).Scan(&stats.ReviewsQueued, &stats.ReviewsProcessing, &stats.ReviewsCompleted,
		&stats.ReviewsFailed, &stats.TotalFindings)
	if err != nil {
		return nil, fmt.Errorf("failed to query review counters: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, repo_id, pr_number, COALESCE(error_message, ''), completed_at
		FROM reviews
		WHERE status = 'failed' AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 20
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e storage.ReviewError
		if err := rows.Scan(&e.ReviewID, &e.RepoID, &e.PRNumber, &e.Message, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error row: %w", err)
		}
		stats.RecentErrors = append(stats.RecentErrors, e)
	}
	return stats, rows.Err()
}

// Verify PostgreSQL implements Storage at compile time.
var _ storage.Storage = (*PostgreSQL)(nil)
