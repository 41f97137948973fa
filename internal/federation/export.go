package federation

import (
	"context"
	"fmt"

	"sciencegate.org/internal/token"
)

// ImportSender delivers a packaged submission to a destination instance.
type ImportSender interface {
	SendImport(ctx context.Context, destinationURL, exportToken string, sub ImportedSubmission) error
}

// Exporter packages a local submission and pushes it to another instance.
// Export is non-destructive: the origin submission is never mutated, whatever
// the outcome, and a failed delivery is surfaced to the caller rather than
// retried.
type Exporter struct {
	codec *token.Codec
	store Store
	send  ImportSender
}

// NewExporter wires an Exporter over this instance's codec and store.
func NewExporter(codec *token.Codec, store Store, send ImportSender) *Exporter {
	return &Exporter{codec: codec, store: store, send: send}
}

// GenerateExportToken mints a short-lived export authorization scoped to one
// submission.
func (e *Exporter) GenerateExportToken(submissionID string) (string, error) {
	return e.codec.MintExport(submissionID)
}

// Export packages the submission's metadata, reviews and comments into the
// wire format and POSTs it with a fresh export token to the destination's
// import endpoint. The error reports delivery failures (ErrDependency) and
// destination rejections; a nil return means the destination committed.
func (e *Exporter) Export(ctx context.Context, destinationURL, submissionID string) error {
	payload, err := e.Package(ctx, submissionID)
	if err != nil {
		return err
	}
	exportToken, err := e.GenerateExportToken(submissionID)
	if err != nil {
		return fmt.Errorf("mint export token: %w", err)
	}
	if err := e.send.SendImport(ctx, destinationURL, exportToken, *payload); err != nil {
		return fmt.Errorf("export submission %s: %w", submissionID, err)
	}
	return nil
}

// Package reads the submission graph and converts it to the wire format.
// Local user ids become the foreign ids the destination will resolve;
// persisted reply links become batch-local numeric references.
func (e *Exporter) Package(ctx context.Context, submissionID string) (*ImportedSubmission, error) {
	sub, err := e.store.FindSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("load submission %s: %w", submissionID, err)
	}
	version, err := e.store.LatestVersion(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("load version of %s: %w", submissionID, err)
	}
	reviews, err := e.store.ListReviews(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("load reviews of %s: %w", submissionID, err)
	}

	payload := &ImportedSubmission{
		OwnerID:         sub.OwnerID,
		CollaboratorIDs: append([]string(nil), sub.CollaboratorIDs...),
		Title:           sub.Title,
		Description:     sub.Description,
		Revision:        version.Tag,
	}
	for _, review := range reviews {
		comments, err := e.store.ListComments(ctx, review.ID)
		if err != nil {
			return nil, fmt.Errorf("load comments of review %s: %w", review.ID, err)
		}
		payload.Reviews = append(payload.Reviews, ImportedReview{
			OwnerID:  review.OwnerID,
			Comments: flattenComments(comments),
		})
	}
	return payload, nil
}

// flattenComments assigns batch-local ids in storage order and rewrites the
// persisted reply links against them. Storage order is creation order, so a
// parent always receives a smaller id than its replies.
func flattenComments(comments []Comment) []ImportedComment {
	index := make(map[string]int, len(comments))
	for i, c := range comments {
		index[c.ID] = i
	}
	out := make([]ImportedComment, 0, len(comments))
	for i, c := range comments {
		wire := ImportedComment{
			ID:        i,
			AuthorID:  c.AuthorID,
			Body:      c.Body,
			FileName:  c.FileName,
			Line:      c.Line,
			CreatedAt: c.CreatedAt,
		}
		if c.ParentID != "" {
			if parent, ok := index[c.ParentID]; ok {
				p := parent
				wire.Replying = &p
			}
		}
		out = append(out, wire)
	}
	return out
}
