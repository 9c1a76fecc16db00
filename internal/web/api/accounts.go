package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patrickspencer/couponbat/internal/account"
	"github.com/patrickspencer/couponbat/internal/credential"
	"github.com/patrickspencer/couponbat/internal/store"
)

type accountResponse struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	Credential    string     `json:"credential"` // masked
	Active        bool       `json:"active"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func accountToResponse(a *store.Account) accountResponse {
	return accountResponse{
		ID:            a.ID,
		Owner:         a.Owner,
		Name:          a.Name,
		Credential:    credential.Mask(a.Credential),
		Active:        a.Active,
		LastRunAt:     a.LastRunAt,
		LastRunStatus: a.LastRunStatus,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.Accounts.List(r.Context(), a.owner(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	result := make([]accountResponse, 0, len(accounts))
	for _, acct := range accounts {
		result = append(result, accountToResponse(acct))
	}
	writeJSON(w, http.StatusOK, result)
}

type addAccountRequest struct {
	Name       string `json:"name"`
	Credential string `json:"credential"`
}

func (a *API) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	owner := a.owner(r)
	acct, err := a.Accounts.Add(r.Context(), owner, req.Name, req.Credential)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r, store.AuditInfo, "account", fmt.Sprintf("added account %q", acct.Name), owner)
	writeJSON(w, http.StatusCreated, accountToResponse(acct))
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountToResponse(acct))
}

type updateAccountRequest struct {
	Name       *string `json:"name"`
	Credential *string `json:"credential"`
	Active     *bool   `json:"active"`
}

func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	acct, err := a.Accounts.Update(r.Context(), chi.URLParam(r, "id"), account.Patch{
		Name:       req.Name,
		Credential: req.Credential,
		Active:     req.Active,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r, store.AuditInfo, "account", fmt.Sprintf("updated account %q", acct.Name), a.owner(r))
	writeJSON(w, http.StatusOK, accountToResponse(acct))
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acct, err := a.Accounts.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Accounts.Delete(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r, store.AuditWarning, "account", fmt.Sprintf("deleted account %q", acct.Name), a.owner(r))
	w.WriteHeader(http.StatusNoContent)
}

// audit appends an operator action entry; failures are only logged.
func (a *API) audit(r *http.Request, level, category, msg, actor string) {
	if a.Store == nil {
		return
	}
	err := a.Store.AppendAudit(r.Context(), &store.AuditEntry{
		Level:    level,
		Category: category,
		Message:  msg,
		Actor:    actor,
	})
	if err != nil {
		a.logger().Warnw("failed to append audit entry", "category", category, "error", err)
	}
}
