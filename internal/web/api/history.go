package api

import (
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/patrickspencer/couponbat/internal/history"
	"github.com/patrickspencer/couponbat/internal/store"
)

type attemptResponse struct {
	ID            string              `json:"id"`
	AccountID     string              `json:"account_id"`
	AccountName   string              `json:"account_name"`
	BatchID       string              `json:"batch_id"`
	Trigger       string              `json:"trigger"`
	OccurredAt    time.Time           `json:"occurred_at"`
	Status        string              `json:"status"`
	AccountStatus string              `json:"account_status"`
	Succeeded     int                 `json:"succeeded_count"`
	Failed        int                 `json:"failed_count"`
	Lines         []store.LineOutcome `json:"line_outcomes"`
	Message       string              `json:"message,omitempty"`
	RawOutput     string              `json:"raw_output,omitempty"`
	DurationMs    int64               `json:"duration_ms"`
	ExitCode      int                 `json:"exit_code"`
	Truncated     bool                `json:"output_truncated"`
}

func attemptToResponse(at *store.Attempt, withOutput bool) attemptResponse {
	resp := attemptResponse{
		ID:            at.ID,
		AccountID:     at.AccountID,
		AccountName:   at.AccountName,
		BatchID:       at.BatchID,
		Trigger:       at.Trigger,
		OccurredAt:    at.OccurredAt,
		Status:        at.Status,
		AccountStatus: at.AccountStatus,
		Succeeded:     at.SucceededCount,
		Failed:        at.FailedCount,
		Lines:         at.LineOutcomes,
		Message:       at.Message,
		DurationMs:    at.DurationMs,
		ExitCode:      at.ExitCode,
		Truncated:     at.Truncated,
	}
	if resp.Lines == nil {
		resp.Lines = []store.LineOutcome{}
	}
	if withOutput {
		resp.RawOutput = at.RawOutput
	}
	return resp
}

type historyResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	Page     int               `json:"page"`
	PerPage  int               `json:"per_page"`
	Total    int               `json:"total"`
	Pages    int               `json:"pages"`
}

func (a *API) handleListHistory(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	p, err := a.History.List(r.Context(), history.Query{
		AccountID: r.URL.Query().Get("account_id"),
		Page:      page,
		PerPage:   perPage,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := historyResponse{
		Attempts: make([]attemptResponse, 0, len(p.Attempts)),
		Page:     p.Page,
		PerPage:  p.PerPage,
		Total:    p.Total,
		Pages:    p.Pages,
	}
	for _, at := range p.Attempts {
		resp.Attempts = append(resp.Attempts, attemptToResponse(at, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	at, err := a.History.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attemptToResponse(at, true))
}

type attemptLogResponse struct {
	AttemptID    string `json:"attempt_id"`
	Source       string `json:"source"`
	Output       string `json:"output"`
	Path         string `json:"path,omitempty"`
	StorageError string `json:"storage_error,omitempty"`
}

// handleGetAttemptLog serves the persisted log file, falling back to the
// output stored with the attempt.
func (a *API) handleGetAttemptLog(w http.ResponseWriter, r *http.Request) {
	at, err := a.History.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := attemptLogResponse{
		AttemptID: at.ID,
		Source:    "record",
		Output:    at.RawOutput,
	}
	if a.RunLogs != nil && at.LogPath != "" {
		data, path, err := a.RunLogs.ReadAttemptLog(at.AccountID, at.ID)
		if err == nil {
			resp.Source = "file"
			resp.Output = data
			resp.Path = path
		} else if !errors.Is(err, os.ErrNotExist) {
			resp.StorageError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
