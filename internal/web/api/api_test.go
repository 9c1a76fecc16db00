package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickspencer/couponbat/internal/account"
	"github.com/patrickspencer/couponbat/internal/config"
	"github.com/patrickspencer/couponbat/internal/grab"
	"github.com/patrickspencer/couponbat/internal/history"
	"github.com/patrickspencer/couponbat/internal/realtime"
	"github.com/patrickspencer/couponbat/internal/store"
)

type invokeFunc func(ctx context.Context, inv grab.Invocation) grab.Output

func (f invokeFunc) Invoke(ctx context.Context, inv grab.Invocation) grab.Output { return f(ctx, inv) }

const longToken = "AgGYIaHEzI14y0HtXaEk2ugpWQkAFchITJ8W51Cbj0123456789abcdefghi"

type testServer struct {
	handler http.Handler
	store   *store.SQLiteStore
}

func newTestServer(t *testing.T, inv grab.Invoker) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if inv == nil {
		inv = invokeFunc(func(_ context.Context, inv grab.Invocation) grab.Output {
			return grab.Output{Text: "successfully claimed for " + inv.AccountID + "\nclaim failed: sold out\n"}
		})
	}

	recorder := history.NewRecorder(st)
	events := realtime.NewBroker()
	cfg := &config.Config{Listen: ":0", DefaultOwner: "admin"}
	a := &API{
		Accounts: account.NewService(st),
		History:  recorder,
		Engine: grab.NewEngine(grab.Deps{
			Accounts: st,
			Recorder: recorder,
			Invoker:  inv,
			Audit:    st,
			Events:   events,
		}),
		Store:        st,
		Events:       events,
		GetConfig:    func() *config.Config { return cfg },
		NextRunTime:  func() (time.Time, bool) { return time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC), true },
		DefaultOwner: "admin",
	}
	r := chi.NewRouter()
	a.RegisterRoutes(r)
	return &testServer{handler: r, store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAccountLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{
		"name":       "main",
		"credential": "https://h5.example.com/coupon?token=" + longToken + "&from=app",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[accountResponse](t, rec)
	assert.Equal(t, "admin", created.Owner)
	assert.Equal(t, longToken[:20]+"...", created.Credential)
	assert.Equal(t, store.StatusNever, created.LastRunStatus)

	rec = s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{
		"name": "again", "credential": "token=" + longToken,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[errorResponse](t, rec)
	assert.Equal(t, "duplicate credential", errResp.Error)
	assert.Contains(t, errResp.Hint, "main")

	rec = s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{
		"name": "bad", "credential": "hello world",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]accountResponse](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/v1/accounts", nil, OwnerHeader, "other")
	assert.Empty(t, decode[[]accountResponse](t, rec))

	rec = s.do(t, http.MethodPut, "/api/v1/accounts/"+created.ID, map[string]any{"active": false, "name": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[accountResponse](t, rec)
	assert.False(t, updated.Active)
	assert.Equal(t, "renamed", updated.Name)

	rec = s.do(t, http.MethodPut, "/api/v1/accounts/"+created.ID, map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/accounts/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/accounts/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/logs?category=account", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[auditListResponse](t, rec)
	assert.Equal(t, 3, logs.Total)
}

func TestRunGrabAndHistory(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/grab/run", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, name := range []string{"a", "b"} {
		rec = s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{
			"name": name, "credential": "token=tok-" + name,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/grab/run", map[string]any{"account_ids": []string{}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[runGrabResponse](t, rec)
	assert.Equal(t, 2, run.Total)
	assert.Equal(t, 2, run.Succeeded)
	for _, r := range run.Results {
		assert.Equal(t, store.StatusSuccess, r.Status)
		assert.Equal(t, 1, r.Succeeded)
		assert.Equal(t, 1, r.Failed)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/history?per_page=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[historyResponse](t, rec)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 2, page.Pages)
	require.Len(t, page.Attempts, 1)
	assert.Empty(t, page.Attempts[0].RawOutput)
	assert.Len(t, page.Attempts[0].Lines, 2)

	id := run.Results[0].AttemptID
	rec = s.do(t, http.MethodGet, "/api/v1/history/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[attemptResponse](t, rec)
	assert.Contains(t, detail.RawOutput, "successfully claimed")
	assert.Equal(t, grab.TriggerManual, detail.Trigger)

	rec = s.do(t, http.MethodGet, "/api/v1/history/"+id+"/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logResp := decode[attemptLogResponse](t, rec)
	assert.Equal(t, "record", logResp.Source)
	assert.Equal(t, detail.RawOutput, logResp.Output)

	rec = s.do(t, http.MethodGet, "/api/v1/history/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[statsResponse](t, rec)
	assert.Equal(t, 2, stats.TotalAccounts)
	assert.Equal(t, 2, stats.TodayAttempts)
	assert.Equal(t, 2, stats.TodaySucceeded)
	assert.Equal(t, 2, stats.TodayFailed)
	assert.Len(t, stats.Recent, 2)
	assert.False(t, stats.Running)
	require.NotNil(t, stats.NextRun)
}

func TestRunGrabBusy(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	s := newTestServer(t, invokeFunc(func(context.Context, grab.Invocation) grab.Output {
		close(entered)
		<-release
		return grab.Output{Text: "successfully claimed"}
	}))
	rec := s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"name": "a", "credential": "token=x"})
	require.Equal(t, http.StatusCreated, rec.Code)

	done := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/grab/run", strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)
		done <- w.Code
	}()

	<-entered
	rec = s.do(t, http.MethodPost, "/api/v1/grab/run", map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestSystemEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", decode[config.Config](t, rec).DefaultOwner)
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		account.ErrNameRequired:      http.StatusBadRequest,
		grab.ErrEmptyBatch:           http.StatusBadRequest,
		grab.ErrBusy:                 http.StatusConflict,
		grab.ErrClosed:               http.StatusServiceUnavailable,
		store.ErrDuplicateCredential: http.StatusConflict,
		store.ErrNotFound:            http.StatusNotFound,
		context.DeadlineExceeded:     http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestLoggerDefaultsToNop(t *testing.T) {
	t.Parallel()
	assert.NotNil(t, (&API{}).logger())
}
