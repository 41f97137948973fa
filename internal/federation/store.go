package federation

import (
	"context"
	"time"
)

// UserStore is the slice of persistence the identity resolver needs. The
// implementation must enforce uniqueness of (foreign id, home instance) so a
// concurrent resolution race surfaces as ErrAlreadyExists, never a duplicate.
type UserStore interface {
	FindUser(ctx context.Context, id string) (*User, error)
	FindUserByForeignID(ctx context.Context, foreignID, homeInstance string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
}

// SubmissionStore persists the submission graph.
type SubmissionStore interface {
	FindSubmission(ctx context.Context, id string) (*Submission, error)
	CreateSubmission(ctx context.Context, s *Submission) error
	CreateVersion(ctx context.Context, v *Version) error
	LatestVersion(ctx context.Context, submissionID string) (*Version, error)
	CreateReview(ctx context.Context, r *Review) error
	ListReviews(ctx context.Context, submissionID string) ([]Review, error)
	CreateComment(ctx context.Context, c *Comment) error
	ListComments(ctx context.Context, reviewID string) ([]Comment, error)
}

// TokenStore tracks consumed single-use token ids. ConsumeToken returns
// ErrAlreadyExists when the id was consumed before; expiresAt lets the
// implementation garbage-collect rows once the token is dead anyway.
type TokenStore interface {
	ConsumeToken(ctx context.Context, jti string, expiresAt time.Time) error
}

// Store is the full persistence surface consumed by the federation layer.
type Store interface {
	UserStore
	SubmissionStore
	TokenStore

	// Begin opens the transaction the import pipeline runs in.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a transaction-scoped Store. Rollback after Commit is a no-op.
type Tx interface {
	UserStore
	SubmissionStore
	TokenStore

	Commit() error
	Rollback() error
}
