package storage

import (
	"context"
)

// Storage is the persistence surface for the gateway, the workers, and the
// admin endpoints. Implementations must be safe for concurrent use by
// multiple goroutines.
type Storage interface {
	// Installation lifecycle
	SaveInstallation(ctx context.Context, install *Installation) error
	GetInstallation(ctx context.Context, installationID int64) (*Installation, error)
	DeactivateInstallation(ctx context.Context, installationID int64) error

	// Repositories
	UpsertRepository(ctx context.Context, repo *Repository) error
	GetRepository(ctx context.Context, repoID int64) (*Repository, error)
	RemoveRepository(ctx context.Context, repoID int64) error
	SetIndexStatus(ctx context.Context, repoID int64, status, lastIndexedSHA string) error
	ListRepositories(ctx context.Context, installationID int64) ([]*Repository, error)

	// Reviews. CompleteReview writes the terminal status and the findings in
	// one transaction: a completed review with missing findings must be
	// impossible.
	CreateReview(ctx context.Context, review *Review) error
	StartReview(ctx context.Context, reviewID string) error
	SetReviewStage(ctx context.Context, reviewID, stage string) error
	CompleteReview(ctx context.Context, reviewID string, cost float64, findings []Finding) error
	FailReview(ctx context.Context, reviewID string, cost float64, errorMessage string) error
	GetReview(ctx context.Context, reviewID string) (*Review, error)

	// Findings
	DismissFinding(ctx context.Context, findingID string) error

	// Conversation threads
	SaveThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, commentID int64) (*Thread, error)
	UpdateThreadHistory(ctx context.Context, commentID int64, history []ThreadMessage) error

	// Admin
	GetStats(ctx context.Context) (*Stats, error)
}
