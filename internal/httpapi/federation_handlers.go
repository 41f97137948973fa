package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sciencegate.org/internal/audit"
	"sciencegate.org/internal/federation"
	"sciencegate.org/internal/obs"
)

type exportRequest struct {
	SubmissionID   string `json:"submissionId"`
	DestinationURL string `json:"destinationUrl"`
}

type importRequest struct {
	Token      string                        `json:"token"`
	Submission federation.ImportedSubmission `json:"submission"`
}

// handleExport packages a local submission and delivers it to another
// instance. Export is non-destructive: the local submission is never
// mutated, and a failed delivery is reported to the caller without retry.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID := sessionUserID(r.Context())
	if userID == "" {
		writeError(w, r, http.StatusForbidden, "authentication required")
		return
	}

	var req exportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SubmissionID) == "" || strings.TrimSpace(req.DestinationURL) == "" {
		writeError(w, r, http.StatusBadRequest, "submissionId and destinationUrl are required")
		return
	}

	if err := a.exporter.Export(r.Context(), req.DestinationURL, req.SubmissionID); err != nil {
		obs.Export("fail")
		_ = audit.LogEvent(r.Context(), "federation.export.failed", map[string]any{
			"submission_id": req.SubmissionID,
			"destination":   req.DestinationURL,
			"reason":        err.Error(),
		})
		if errors.Is(err, federation.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "submission not found")
			return
		}
		writeError(w, r, http.StatusBadRequest, "failed to export submission")
		return
	}

	obs.Export("ok")
	_ = audit.LogEvent(r.Context(), "federation.export.delivered", map[string]any{
		"submission_id": req.SubmissionID,
		"destination":   req.DestinationURL,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleImport receives an exported submission from another instance. The
// whole import runs in one transaction; the response reports only the final
// outcome, never partial state.
func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req importRequest
	if err := decodeJSON(w, r, &req); err != nil {
		obs.Import("reject")
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := a.importer.Import(r.Context(), req.Token, req.Submission)
	if err != nil {
		switch {
		case errors.Is(err, federation.ErrAuthentication):
			obs.Import("reject")
			writeError(w, r, http.StatusForbidden, "authentication failed")
		case errors.Is(err, federation.ErrValidation):
			obs.Import("reject")
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			obs.Import("fail")
			_ = audit.LogEvent(r.Context(), "federation.import.failed", map[string]any{
				"reason": err.Error(),
			})
			writeError(w, r, http.StatusUnprocessableEntity, "import failed")
		}
		return
	}

	obs.Import("ok")
	_ = audit.LogEvent(r.Context(), "federation.import.committed", map[string]any{
		"submission_id": sub.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"submissionId": sub.ID,
	})
}
