// Package pg implements the federation store on PostgreSQL. The partial
// unique index on users(foreign_id, home_instance) is what makes concurrent
// identity resolution safe; everything else is plain relational plumbing.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sciencegate.org/internal/federation"
)

type Store struct {
	db *sql.DB
	queries
}

var _ federation.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db), nil
}

// NewStore wraps an existing database handle. Used by tests with sqlmock.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, queries: queries{db: db}}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Begin opens the transaction the import pipeline runs in.
func (s *Store) Begin(ctx context.Context) (federation.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, queries: queries{db: tx}}, nil
}

type Tx struct {
	tx *sql.Tx
	queries
}

var _ federation.Tx = (*Tx)(nil)

func (t *Tx) Commit() error { return t.tx.Commit() }

func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so one query set serves the
// pooled store and the import transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

// Users ---------------------------------------------------------------------

func (q queries) FindUser(ctx context.Context, id string) (*federation.User, error) {
	row := q.db.QueryRowContext(ctx, `
		select id, name, email, email_verified, role, profile_picture_url,
		       coalesce(foreign_id, ''), coalesce(home_instance, ''), created_at
		from users where id=$1
	`, id)
	return scanUser(row)
}

func (q queries) FindUserByForeignID(ctx context.Context, foreignID, homeInstance string) (*federation.User, error) {
	row := q.db.QueryRowContext(ctx, `
		select id, name, email, email_verified, role, profile_picture_url,
		       coalesce(foreign_id, ''), coalesce(home_instance, ''), created_at
		from users where foreign_id=$1 and home_instance=$2
	`, foreignID, homeInstance)
	return scanUser(row)
}

func (q queries) CreateUser(ctx context.Context, u *federation.User) error {
	_, err := q.db.ExecContext(ctx, `
		insert into users(id, name, email, email_verified, role, profile_picture_url, foreign_id, home_instance, created_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),nullif($8,''),$9)
	`, u.ID, u.Name, u.Email, u.EmailVerified, u.Role, u.ProfilePictureURL, u.ForeignID, u.HomeInstance, u.CreatedAt)
	return mapErr(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*federation.User, error) {
	var u federation.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.EmailVerified, &u.Role,
		&u.ProfilePictureURL, &u.ForeignID, &u.HomeInstance, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, federation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Submissions ---------------------------------------------------------------

func (q queries) FindSubmission(ctx context.Context, id string) (*federation.Submission, error) {
	var s federation.Submission
	err := q.db.QueryRowContext(ctx, `
		select id, owner_id, title, description, published, created_at
		from submissions where id=$1
	`, id).Scan(&s.ID, &s.OwnerID, &s.Title, &s.Description, &s.Published, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, federation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, `
		select user_id from submission_collaborators where submission_id=$1 order by user_id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		s.CollaboratorIDs = append(s.CollaboratorIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (q queries) CreateSubmission(ctx context.Context, s *federation.Submission) error {
	_, err := q.db.ExecContext(ctx, `
		insert into submissions(id, owner_id, title, description, published, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, s.ID, s.OwnerID, s.Title, s.Description, s.Published, s.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	for _, userID := range s.CollaboratorIDs {
		if _, err := q.db.ExecContext(ctx, `
			insert into submission_collaborators(submission_id, user_id)
			values ($1,$2) on conflict do nothing
		`, s.ID, userID); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (q queries) CreateVersion(ctx context.Context, v *federation.Version) error {
	_, err := q.db.ExecContext(ctx, `
		insert into versions(id, submission_id, tag, created_at)
		values ($1,$2,$3,$4)
	`, v.ID, v.SubmissionID, v.Tag, v.CreatedAt)
	return mapErr(err)
}

func (q queries) LatestVersion(ctx context.Context, submissionID string) (*federation.Version, error) {
	var v federation.Version
	err := q.db.QueryRowContext(ctx, `
		select id, submission_id, tag, created_at
		from versions where submission_id=$1
		order by created_at desc, id desc limit 1
	`, submissionID).Scan(&v.ID, &v.SubmissionID, &v.Tag, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, federation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Reviews and comments ------------------------------------------------------

func (q queries) CreateReview(ctx context.Context, r *federation.Review) error {
	_, err := q.db.ExecContext(ctx, `
		insert into reviews(id, submission_id, owner_id, created_at)
		values ($1,$2,$3,$4)
	`, r.ID, r.SubmissionID, r.OwnerID, r.CreatedAt)
	return mapErr(err)
}

func (q queries) ListReviews(ctx context.Context, submissionID string) ([]federation.Review, error) {
	rows, err := q.db.QueryContext(ctx, `
		select id, submission_id, owner_id, created_at
		from reviews where submission_id=$1 order by created_at asc, id asc
	`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []federation.Review
	for rows.Next() {
		var r federation.Review
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.OwnerID, &r.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (q queries) CreateComment(ctx context.Context, c *federation.Comment) error {
	_, err := q.db.ExecContext(ctx, `
		insert into comments(id, review_id, author_id, parent_id, body, filename, line, created_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8)
	`, c.ID, c.ReviewID, c.AuthorID, c.ParentID, c.Body, c.FileName, c.Line, c.CreatedAt)
	return mapErr(err)
}

func (q queries) ListComments(ctx context.Context, reviewID string) ([]federation.Comment, error) {
	rows, err := q.db.QueryContext(ctx, `
		select id, review_id, author_id, coalesce(parent_id, ''), body, filename, line, created_at
		from comments where review_id=$1 order by created_at asc, id asc
	`, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []federation.Comment
	for rows.Next() {
		var c federation.Comment
		if err := rows.Scan(&c.ID, &c.ReviewID, &c.AuthorID, &c.ParentID, &c.Body, &c.FileName, &c.Line, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Single-use tokens ---------------------------------------------------------

func (q queries) ConsumeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		insert into consumed_tokens(jti, expires_at)
		values ($1,$2) on conflict do nothing
	`, jti, expiresAt)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return federation.ErrAlreadyExists
	}
	return nil
}

// PruneConsumedTokens removes bookkeeping rows for tokens that expired
// anyway.
func (q queries) PruneConsumedTokens(ctx context.Context, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `delete from consumed_tokens where expires_at < $1`, now)
	return err
}

// --- helpers ---

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return federation.ErrAlreadyExists
	}
	return err
}
