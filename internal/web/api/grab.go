package api

import (
	"io"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/patrickspencer/couponbat/internal/grab"
	"github.com/patrickspencer/couponbat/internal/store"
)

type runGrabRequest struct {
	AccountIDs []string `json:"account_ids"`
}

type runGrabResponse struct {
	Results   []grab.Result `json:"results"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// handleRunGrab runs a batch synchronously and returns once every account
// reached a terminal status. An empty body or empty account_ids means all
// active accounts.
func (a *API) handleRunGrab(w http.ResponseWriter, r *http.Request) {
	var req runGrabRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	results, err := a.Engine.Run(r.Context(), req.AccountIDs, grab.TriggerManual)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := runGrabResponse{Results: results, Total: len(results)}
	for _, res := range results {
		if res.Status == store.StatusSuccess {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
