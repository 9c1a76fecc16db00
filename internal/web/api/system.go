package api

import (
	"net/http"
	"time"

	"github.com/patrickspencer/couponbat/internal/history"
	"github.com/patrickspencer/couponbat/internal/store"
)

const recentAttempts = 5

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if a.GetConfig == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "config provider unavailable"})
		return
	}

	cfg := a.GetConfig()
	if cfg == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "config unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

type statsResponse struct {
	TotalAccounts  int               `json:"total_accounts"`
	ActiveAccounts int               `json:"active_accounts"`
	TotalAttempts  int               `json:"total_attempts"`
	TodayAttempts  int               `json:"today_attempts"`
	TodaySucceeded int               `json:"today_succeeded"`
	TodayFailed    int               `json:"today_failed"`
	Recent         []attemptResponse `json:"recent"`
	Running        bool              `json:"running"`
	NextRun        *time.Time        `json:"next_run,omitempty"`
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Store.Stats(r.Context(), startOfDay(time.Now()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	recent, err := a.History.List(r.Context(), history.Query{Page: 1, PerPage: recentAttempts})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := statsResponse{
		TotalAccounts:  st.TotalAccounts,
		ActiveAccounts: st.ActiveAccounts,
		TotalAttempts:  st.TotalAttempts,
		TodayAttempts:  st.AttemptsSince,
		TodaySucceeded: st.SucceededSince,
		TodayFailed:    st.FailedSince,
		Recent:         make([]attemptResponse, 0, len(recent.Attempts)),
	}
	for _, at := range recent.Attempts {
		resp.Recent = append(resp.Recent, attemptToResponse(at, false))
	}
	if a.Engine != nil {
		resp.Running = a.Engine.Running()
	}
	if a.NextRunTime != nil {
		if next, ok := a.NextRunTime(); ok {
			resp.NextRun = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type auditResponse struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type auditListResponse struct {
	Logs    []auditResponse `json:"logs"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
	Total   int             `json:"total"`
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	if page == 0 {
		page = 1
	}
	if perPage == 0 {
		perPage = history.DefaultPerPage
	}
	if perPage > history.MaxPerPage {
		perPage = history.MaxPerPage
	}

	q := r.URL.Query()
	opts := store.AuditListOpts{
		Level:    q.Get("level"),
		Category: q.Get("category"),
		Limit:    perPage,
		Offset:   (page - 1) * perPage,
	}
	total, err := a.Store.CountAudit(r.Context(), opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	entries, err := a.Store.ListAudit(r.Context(), opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := auditListResponse{
		Logs:    make([]auditResponse, 0, len(entries)),
		Page:    page,
		PerPage: perPage,
		Total:   total,
	}
	for _, e := range entries {
		resp.Logs = append(resp.Logs, auditResponse{
			ID:        e.ID,
			Level:     e.Level,
			Category:  e.Category,
			Message:   e.Message,
			Details:   e.Details,
			Actor:     e.Actor,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
