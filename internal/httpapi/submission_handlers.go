package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sciencegate.org/internal/federation"
)

type submissionResponse struct {
	Submission *federation.Submission `json:"submission"`
	Revision   string                 `json:"revision"`
	Reviews    []reviewDocument       `json:"reviews"`
}

type reviewDocument struct {
	federation.Review
	Comments []federation.Comment `json:"comments"`
}

// handleSubmissionResource serves a submission with its latest revision tag
// and review threads. Imported submissions are queryable here like any
// other, but they start unpublished, so a session is required.
func (a *API) handleSubmissionResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if sessionUserID(r.Context()) == "" {
		writeError(w, r, http.StatusForbidden, "authentication required")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/submissions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	ctx := r.Context()
	sub, err := a.store.FindSubmission(ctx, id)
	if err != nil {
		if errors.Is(err, federation.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "submission not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	version, err := a.store.LatestVersion(ctx, id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	reviews, err := a.store.ListReviews(ctx, id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	resp := submissionResponse{
		Submission: sub,
		Revision:   version.Tag,
		Reviews:    make([]reviewDocument, 0, len(reviews)),
	}
	for _, review := range reviews {
		comments, err := a.store.ListComments(ctx, review.ID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		resp.Reviews = append(resp.Reviews, reviewDocument{Review: review, Comments: comments})
	}
	writeJSON(w, http.StatusOK, resp)
}
