// Package federation implements the cross-instance layer: the single sign-on
// handshake between journal instances and the export/import pipeline that
// duplicates a submission, with its reviews and comments, into another
// instance.
package federation

import (
	"errors"
	"time"
)

// Baseline role assigned to users imported from another instance.
const RoleUser = "user"

// User is a local account. ForeignID and HomeInstance are set only for
// accounts imported from another instance; together they are unique.
type User struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	EmailVerified     bool      `json:"email_verified"`
	Role              string    `json:"role"`
	ProfilePictureURL string    `json:"profile_picture_url,omitempty"`
	ForeignID         string    `json:"foreign_id,omitempty"`
	HomeInstance      string    `json:"home_instance,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Remote reports whether the account was imported from another instance.
func (u *User) Remote() bool { return u.ForeignID != "" }

// Submission is the local shell a migrated submission is imported into.
type Submission struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	CollaboratorIDs []string  `json:"collaborator_ids,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Published       bool      `json:"published"`
	CreatedAt       time.Time `json:"created_at"`
}

// Version tags one revision of a submission. A persisted submission always
// has at least one version.
type Version struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	Tag          string    `json:"tag"`
	CreatedAt    time.Time `json:"created_at"`
}

// Review groups one reviewer's comments on a submission.
type Review struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	OwnerID      string    `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Comment is one entry in a review's reply tree. FileName and Line anchor the
// comment to a location in the submission's files; ParentID links a reply to
// the comment it answers.
type Comment struct {
	ID        string    `json:"id"`
	ReviewID  string    `json:"review_id"`
	AuthorID  string    `json:"author_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Body      string    `json:"body"`
	FileName  string    `json:"filename,omitempty"`
	Line      int       `json:"line,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RemoteUserInfo is the minimal public identity the verify leg returns.
type RemoteUserInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}

// RemoteUserRef identifies a user of another instance for local resolution.
// Name, Email and ProfilePictureURL are optional hints; the resolver derives
// placeholders when they are absent (migration payloads carry ids only).
type RemoteUserRef struct {
	ID                string
	HomeInstance      string
	Name              string
	Email             string
	ProfilePictureURL string
}

// ImportedSubmission is the wire payload describing a submission to migrate.
// All user references are foreign ids minted by the exporting instance. The
// payload never contains binary file data, only metadata and text.
type ImportedSubmission struct {
	OwnerID         string           `json:"ownerId"`
	CollaboratorIDs []string         `json:"collaborators,omitempty"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Revision        string           `json:"revision"`
	Reviews         []ImportedReview `json:"reviews,omitempty"`
}

// ImportedReview is the wire payload for one review and its flat comment list.
type ImportedReview struct {
	OwnerID  string            `json:"ownerId"`
	Comments []ImportedComment `json:"comments,omitempty"`
}

// ImportedComment is one comment on the wire. ID is batch-local; Replying, if
// present, names the batch-local id of the comment this one answers.
type ImportedComment struct {
	ID        int       `json:"id"`
	Replying  *int      `json:"replying,omitempty"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	FileName  string    `json:"filename,omitempty"`
	Line      int       `json:"line,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

var (
	// ErrAuthentication covers every fail-closed path of the handshake and
	// token checks: invalid or expired tokens, state mismatches, replays,
	// unknown subjects.
	ErrAuthentication = errors.New("federation: authentication failed")

	// ErrValidation indicates a malformed or unresolvable import payload,
	// rejected before any writes.
	ErrValidation = errors.New("federation: invalid payload")

	// ErrDependency indicates the partner instance was unreachable or
	// answered with a failure.
	ErrDependency = errors.New("federation: remote instance unavailable")

	// ErrNotFound and ErrAlreadyExists are the storage-level outcomes the
	// federation layer cares about.
	ErrNotFound      = errors.New("federation: not found")
	ErrAlreadyExists = errors.New("federation: already exists")
)
