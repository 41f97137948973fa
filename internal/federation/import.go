package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sciencegate.org/internal/ids"
	"sciencegate.org/internal/sanitize"
	"sciencegate.org/internal/token"
)

// Sanitizer cleans free-text content before it is persisted.
type Sanitizer interface {
	Text(s string) string
	RichText(s string) string
}

type htmlSanitizer struct{}

func (htmlSanitizer) Text(s string) string     { return sanitize.Text(s) }
func (htmlSanitizer) RichText(s string) string { return sanitize.RichText(s) }

// DefaultSanitizer returns the HTML tokenizer based sanitizer.
func DefaultSanitizer() Sanitizer { return htmlSanitizer{} }

// Importer receives packaged submissions from other instances and commits
// them locally. The whole graph — submission, initial version, reviews,
// comments, and any identities imported along the way — lands in one storage
// transaction, or not at all.
type Importer struct {
	codec  *token.Codec
	store  Store
	clean  Sanitizer
	events *Stream
}

// NewImporter wires an Importer. A nil sanitizer selects the default.
func NewImporter(codec *token.Codec, store Store, clean Sanitizer, events *Stream) *Importer {
	if clean == nil {
		clean = DefaultSanitizer()
	}
	return &Importer{codec: codec, store: store, clean: clean, events: events}
}

// Import validates the export token and payload, then builds the local
// submission graph inside one transaction. On success it returns the fresh
// local submission and publishes post-commit events; on any failure the
// transaction rolls back and a single aggregated error is returned — no
// partial import state is ever visible.
func (im *Importer) Import(ctx context.Context, exportToken string, payload ImportedSubmission) (*Submission, error) {
	claims, err := im.codec.Verify(token.PurposeExport, exportToken)
	if err != nil {
		return nil, fmt.Errorf("%w: export token rejected", ErrAuthentication)
	}
	source := claims.Issuer

	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	tx, err := im.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin import transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.ConsumeToken(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: export token already used", ErrAuthentication)
		}
		return nil, fmt.Errorf("consume export token: %w", err)
	}

	resolver := NewIdentityResolver(tx)
	var imported []*User
	resolve := func(foreignID string) (*User, error) {
		u, created, err := resolver.Resolve(ctx, RemoteUserRef{ID: foreignID, HomeInstance: source})
		if err != nil {
			return nil, err
		}
		if created {
			imported = append(imported, u)
		}
		return u, nil
	}

	owner, err := resolve(payload.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("import submission: %w", err)
	}

	var collaboratorIDs []string
	seen := map[string]bool{payload.OwnerID: true}
	for _, foreignID := range payload.CollaboratorIDs {
		if seen[foreignID] {
			continue
		}
		seen[foreignID] = true
		collaborator, err := resolve(foreignID)
		if err != nil {
			return nil, fmt.Errorf("import submission: %w", err)
		}
		collaboratorIDs = append(collaboratorIDs, collaborator.ID)
	}

	now := time.Now().UTC()
	sub := &Submission{
		ID:              ids.New(),
		OwnerID:         owner.ID,
		CollaboratorIDs: collaboratorIDs,
		Title:           im.clean.Text(payload.Title),
		Description:     im.clean.RichText(payload.Description),
		Published:       false,
		CreatedAt:       now,
	}
	if err := tx.CreateSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("import submission: %w", err)
	}
	if err := tx.CreateVersion(ctx, &Version{
		ID:           ids.New(),
		SubmissionID: sub.ID,
		Tag:          payload.Revision,
		CreatedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("import submission: %w", err)
	}

	for _, review := range payload.Reviews {
		reviewOwner, err := resolve(review.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("import review: %w", err)
		}
		rev := &Review{
			ID:           ids.New(),
			SubmissionID: sub.ID,
			OwnerID:      reviewOwner.ID,
			CreatedAt:    now,
		}
		if err := tx.CreateReview(ctx, rev); err != nil {
			return nil, fmt.Errorf("import review: %w", err)
		}
		if err := im.importComments(ctx, tx, rev.ID, review.Comments, resolve); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit import: %w", err)
	}

	if im.events != nil {
		for _, u := range imported {
			im.events.Publish(Event{Type: EventIdentityImported, UserID: u.ID, Instance: source})
		}
		im.events.Publish(Event{Type: EventSubmissionImported, SubmissionID: sub.ID, Instance: source})
	}
	return sub, nil
}

// importComments rebuilds a review's reply tree from the flat wire list. The
// comments are walked ascending by batch-local id, keeping a lookup of the
// already-processed entries. A reply inherits its file anchor from the entry
// its replying id names — the nearest already-processed ancestor, which after
// a chain of replies is not necessarily the thread root.
func (im *Importer) importComments(ctx context.Context, tx Tx, reviewID string, comments []ImportedComment, resolve func(string) (*User, error)) error {
	ordered := append([]ImportedComment(nil), comments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	processed := make(map[int]*Comment, len(ordered))
	for _, wire := range ordered {
		author, err := resolve(wire.AuthorID)
		if err != nil {
			return fmt.Errorf("import comment %d: %w", wire.ID, err)
		}

		createdAt := wire.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		c := &Comment{
			ID:        ids.New(),
			ReviewID:  reviewID,
			AuthorID:  author.ID,
			Body:      im.clean.RichText(wire.Body),
			FileName:  wire.FileName,
			Line:      wire.Line,
			CreatedAt: createdAt,
		}
		if wire.Replying != nil {
			parent, ok := processed[*wire.Replying]
			if !ok {
				return fmt.Errorf("%w: comment %d replies to unprocessed id %d", ErrValidation, wire.ID, *wire.Replying)
			}
			c.ParentID = parent.ID
			c.FileName = parent.FileName
			c.Line = parent.Line
		}
		if err := tx.CreateComment(ctx, c); err != nil {
			return fmt.Errorf("import comment %d: %w", wire.ID, err)
		}
		processed[wire.ID] = c
	}
	return nil
}

// validatePayload rejects malformed payloads before any identity resolution
// or write happens. Reply references must name an id that is present in the
// batch and strictly smaller than the referencing comment's own id; a payload
// violating that ordering has no defined reconstruction.
func validatePayload(payload ImportedSubmission) error {
	if strings.TrimSpace(payload.OwnerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	if strings.TrimSpace(payload.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if strings.TrimSpace(payload.Revision) == "" {
		return fmt.Errorf("%w: revision tag is required", ErrValidation)
	}
	for i, review := range payload.Reviews {
		if strings.TrimSpace(review.OwnerID) == "" {
			return fmt.Errorf("%w: review %d has no owner", ErrValidation, i)
		}
		idsSeen := make(map[int]bool, len(review.Comments))
		for _, c := range review.Comments {
			if idsSeen[c.ID] {
				return fmt.Errorf("%w: review %d repeats comment id %d", ErrValidation, i, c.ID)
			}
			idsSeen[c.ID] = true
			if strings.TrimSpace(c.AuthorID) == "" {
				return fmt.Errorf("%w: comment %d has no author", ErrValidation, c.ID)
			}
		}
		for _, c := range review.Comments {
			if c.Replying == nil {
				continue
			}
			if *c.Replying >= c.ID {
				return fmt.Errorf("%w: comment %d replies to later id %d", ErrValidation, c.ID, *c.Replying)
			}
			if !idsSeen[*c.Replying] {
				return fmt.Errorf("%w: comment %d replies to unknown id %d", ErrValidation, c.ID, *c.Replying)
			}
		}
	}
	return nil
}
