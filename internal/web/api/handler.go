package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/patrickspencer/couponbat/internal/account"
	"github.com/patrickspencer/couponbat/internal/config"
	"github.com/patrickspencer/couponbat/internal/credential"
	"github.com/patrickspencer/couponbat/internal/grab"
	"github.com/patrickspencer/couponbat/internal/history"
	"github.com/patrickspencer/couponbat/internal/logging"
	"github.com/patrickspencer/couponbat/internal/realtime"
	"github.com/patrickspencer/couponbat/internal/runlog"
	"github.com/patrickspencer/couponbat/internal/store"
)

// OwnerHeader names the request header selecting the account owner scope.
const OwnerHeader = "X-Owner"

// Store is the slice of persistence the API reads directly.
type Store interface {
	store.StatsStore
	store.AuditStore
}

// API holds dependencies for all API handlers.
type API struct {
	Accounts     *account.Service
	History      *history.Recorder
	Engine       *grab.Engine
	Store        Store
	Events       *realtime.Broker
	RunLogs      *runlog.Manager // nil when attempt log files are disabled
	GetConfig    func() *config.Config
	NextRunTime  func() (time.Time, bool)
	DefaultOwner string
	Logger       *zap.SugaredLogger
}

// RegisterRoutes registers all API routes under /api/v1.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/accounts", a.handleListAccounts)
		r.Post("/accounts", a.handleAddAccount)
		r.Get("/accounts/{id}", a.handleGetAccount)
		r.Put("/accounts/{id}", a.handleUpdateAccount)
		r.Delete("/accounts/{id}", a.handleDeleteAccount)

		r.Post("/grab/run", a.handleRunGrab)

		r.Get("/history", a.handleListHistory)
		r.Get("/history/{id}", a.handleGetAttempt)
		r.Get("/history/{id}/log", a.handleGetAttemptLog)

		r.Get("/logs", a.handleListAudit)
		r.Get("/events", a.handleEvents)
		r.Get("/stats", a.handleStats)
		r.Get("/config", a.handleConfig)
		r.Get("/health", a.handleHealth)
	})
}

func (a *API) logger() *zap.SugaredLogger {
	if a.Logger == nil {
		return logging.Nop()
	}
	return a.Logger
}

// owner returns the owner scope of the request.
func (a *API) owner(r *http.Request) string {
	if o := strings.TrimSpace(r.Header.Get(OwnerHeader)); o != "" {
		return o
	}
	return a.DefaultOwner
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, credential.ErrInvalidInput),
		errors.Is(err, credential.ErrUnrecognized),
		errors.Is(err, account.ErrNameRequired),
		errors.Is(err, grab.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicateCredential),
		errors.Is(err, grab.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, grab.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps domain errors to status codes. Internal errors are logged
// and reported without detail.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		a.logger().Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	} else {
		resp.Error = errors.UnwrapAll(err).Error()
		resp.Hint = strings.Join(errors.GetAllHints(err), "; ")
	}
	writeJSON(w, status, resp)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// pageParams reads page and per_page query parameters; invalid values fall
// back to defaults.
func pageParams(r *http.Request) (page, perPage int) {
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		page = n
	}
	if n, err := strconv.Atoi(q.Get("per_page")); err == nil && n > 0 {
		perPage = n
	}
	return page, perPage
}
