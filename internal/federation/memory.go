package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// InMemory is a Store backed by maps, used in tests and local development.
// Begin snapshots the state; Commit swaps the snapshot in, Rollback drops it,
// so a failed import leaves the visible state untouched exactly like the SQL
// store does.
type InMemory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	users       map[string]*User
	byForeign   map[string]string // foreignID \x00 instance -> user id
	submissions map[string]*Submission
	versions    map[string][]*Version
	reviews     map[string][]*Review
	comments    map[string][]*Comment
	consumed    map[string]bool
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{state: newMemState()}
}

func newMemState() *memState {
	return &memState{
		users:       map[string]*User{},
		byForeign:   map[string]string{},
		submissions: map[string]*Submission{},
		versions:    map[string][]*Version{},
		reviews:     map[string][]*Review{},
		comments:    map[string][]*Comment{},
		consumed:    map[string]bool{},
	}
}

func foreignKey(foreignID, instance string) string {
	return foreignID + "\x00" + instance
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.users {
		u := *v
		c.users[k] = &u
	}
	for k, v := range s.byForeign {
		c.byForeign[k] = v
	}
	for k, v := range s.submissions {
		sub := *v
		sub.CollaboratorIDs = append([]string(nil), v.CollaboratorIDs...)
		c.submissions[k] = &sub
	}
	for k, list := range s.versions {
		c.versions[k] = cloneSlice(list)
	}
	for k, list := range s.reviews {
		c.reviews[k] = cloneSlice(list)
	}
	for k, list := range s.comments {
		c.comments[k] = cloneSlice(list)
	}
	for k := range s.consumed {
		c.consumed[k] = true
	}
	return c
}

func cloneSlice[T any](list []*T) []*T {
	out := make([]*T, 0, len(list))
	for _, item := range list {
		copied := *item
		out = append(out, &copied)
	}
	return out
}

// --- memState store operations ---

func (s *memState) findUser(id string) (*User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *memState) findUserByForeignID(foreignID, instance string) (*User, error) {
	id, ok := s.byForeign[foreignKey(foreignID, instance)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.findUser(id)
}

func (s *memState) createUser(u *User) error {
	if _, ok := s.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	if u.ForeignID != "" {
		key := foreignKey(u.ForeignID, u.HomeInstance)
		if _, ok := s.byForeign[key]; ok {
			return ErrAlreadyExists
		}
		s.byForeign[key] = u.ID
	}
	copied := *u
	s.users[u.ID] = &copied
	return nil
}

func (s *memState) findSubmission(id string) (*Submission, error) {
	sub, ok := s.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sub
	copied.CollaboratorIDs = append([]string(nil), sub.CollaboratorIDs...)
	return &copied, nil
}

func (s *memState) createSubmission(sub *Submission) error {
	if _, ok := s.submissions[sub.ID]; ok {
		return ErrAlreadyExists
	}
	copied := *sub
	copied.CollaboratorIDs = append([]string(nil), sub.CollaboratorIDs...)
	s.submissions[sub.ID] = &copied
	return nil
}

func (s *memState) createVersion(v *Version) error {
	if _, ok := s.submissions[v.SubmissionID]; !ok {
		return ErrNotFound
	}
	copied := *v
	s.versions[v.SubmissionID] = append(s.versions[v.SubmissionID], &copied)
	return nil
}

func (s *memState) latestVersion(submissionID string) (*Version, error) {
	list := s.versions[submissionID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	copied := *list[len(list)-1]
	return &copied, nil
}

func (s *memState) createReview(r *Review) error {
	if _, ok := s.submissions[r.SubmissionID]; !ok {
		return ErrNotFound
	}
	copied := *r
	s.reviews[r.SubmissionID] = append(s.reviews[r.SubmissionID], &copied)
	return nil
}

func (s *memState) listReviews(submissionID string) []Review {
	out := make([]Review, 0, len(s.reviews[submissionID]))
	for _, r := range s.reviews[submissionID] {
		out = append(out, *r)
	}
	return out
}

func (s *memState) createComment(c *Comment) error {
	copied := *c
	s.comments[c.ReviewID] = append(s.comments[c.ReviewID], &copied)
	return nil
}

func (s *memState) listComments(reviewID string) []Comment {
	out := make([]Comment, 0, len(s.comments[reviewID]))
	for _, c := range s.comments[reviewID] {
		out = append(out, *c)
	}
	return out
}

func (s *memState) consumeToken(jti string) error {
	if s.consumed[jti] {
		return ErrAlreadyExists
	}
	s.consumed[jti] = true
	return nil
}

// --- InMemory: direct (auto-commit) operations ---

func (s *InMemory) FindUser(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.findUser(id)
}

func (s *InMemory) FindUserByForeignID(_ context.Context, foreignID, instance string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.findUserByForeignID(foreignID, instance)
}

func (s *InMemory) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createUser(u)
}

func (s *InMemory) FindSubmission(_ context.Context, id string) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.findSubmission(id)
}

func (s *InMemory) CreateSubmission(_ context.Context, sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createSubmission(sub)
}

func (s *InMemory) CreateVersion(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createVersion(v)
}

func (s *InMemory) LatestVersion(_ context.Context, submissionID string) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.latestVersion(submissionID)
}

func (s *InMemory) CreateReview(_ context.Context, r *Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createReview(r)
}

func (s *InMemory) ListReviews(_ context.Context, submissionID string) ([]Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listReviews(submissionID), nil
}

func (s *InMemory) CreateComment(_ context.Context, c *Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createComment(c)
}

func (s *InMemory) ListComments(_ context.Context, reviewID string) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listComments(reviewID), nil
}

func (s *InMemory) ConsumeToken(_ context.Context, jti string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.consumeToken(jti)
}

// Begin opens a snapshot transaction.
func (s *InMemory) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTx{store: s, state: s.state.clone()}, nil
}

type memTx struct {
	store *InMemory
	state *memState
	done  bool
}

var errTxDone = errors.New("transaction already finished")

func (tx *memTx) Commit() error {
	if tx.done {
		return errTxDone
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.store.state = tx.state
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return nil
}

func (tx *memTx) guard() error {
	if tx.done {
		return fmt.Errorf("in-memory store: %w", errTxDone)
	}
	return nil
}

func (tx *memTx) FindUser(_ context.Context, id string) (*User, error) {
	if err := tx.guard(); err != nil {
		return nil, err
	}
	return tx.state.findUser(id)
}

func (tx *memTx) FindUserByForeignID(_ context.Context, foreignID, instance string) (*User, error) {
	if err := tx.guard(); err != nil {
		return nil, err
	}
	return tx.state.findUserByForeignID(foreignID, instance)
}

func (tx *memTx) CreateUser(_ context.Context, u *User) error {
	if err := tx.guard(); err != nil {
		return err
	}
	return tx.state.createUser(u)
}

func (tx *memTx) FindSubmission(_ context.Context, id string) (*Submission, error) {
	if err := tx.guard(); err != nil {
		return nil, err
	}
	return tx.state.findSubmission(id)
}

func (tx *memTx) CreateSubmission(_ context.Context, sub *Submission) error {
	if err := tx.guard(); err != nil {
		return err
	}
	return tx.state.createSubmission(sub)
}

func (tx *memTx) CreateVersion(_ context.Context, v *Version) error {
	if err := tx.guard(); err != nil {
		return err
	}
	return tx.state.createVersion(v)
}

func (tx *memTx) LatestVersion(_ context.Context, submissionID string) (*Version, error) {
	if err := tx.guard(); err != nil {
		return nil, err
	}
	return tx.state.latestVersion(submissionID)
}

func (tx *memTx) CreateReview(_ context.Context, r *Review) error {
	if err := tx.guard(); err != nil {
		return err
	}
	return tx.state.createReview(r)
}

func (tx *memTx) ListReviews(_ context.Context, submissionID string) ([]Review, error) {
	if err := tx.guard(); err != nil {
		return nil, err
	}
	return tx.state.listReviews(submissionID), nil
}

func (tx *memTx) CreateComment(_ context.Context, c *Comment) error {
	if err := tx.guard(); err != nil {
		return err
	}
	return tx.state.createComment(c)
}

func (tx *memTx) ListComments(_ context.Context, reviewID string) ([]Comment, error) {
	if err := tx.guard(); err != nil {
		return nil, err
	}
	return tx.state.listComments(reviewID), nil
}

func (tx *memTx) ConsumeToken(_ context.Context, jti string, _ time.Time) error {
	if err := tx.guard(); err != nil {
		return err
	}
	return tx.state.consumeToken(jti)
}

var (
	_ Store = (*InMemory)(nil)
	_ Tx    = (*memTx)(nil)
)
