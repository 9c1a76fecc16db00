// Package history records grab attempts and serves them back page by page.
package history

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/patrickspencer/couponbat/internal/classify"
	"github.com/patrickspencer/couponbat/internal/store"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 200
)

// Record describes one finished attempt to append.
type Record struct {
	AccountID     string
	AttemptID     string // optional; generated when empty
	BatchID       string
	Trigger       string
	AccountStatus string // terminal account status committed with the record
	Succeeded     int
	Failed        int
	Lines         []classify.LineOutcome
	Message       string
	RawOutput     string
	DurationMs    int64
	LogPath       string
	Truncated     bool
	ExitCode      int
	OccurredAt    time.Time
}

// Query selects one page of attempts.
type Query struct {
	AccountID string
	Page      int
	PerPage   int
}

// Page is one page of attempts, newest first.
type Page struct {
	Attempts []*store.Attempt
	Page     int
	PerPage  int
	Total    int
	Pages    int
}

// Recorder appends attempts to the history. Every Record call commits
// synchronously, so a later List observes it.
type Recorder struct {
	store store.AttemptStore
}

// NewRecorder creates a Recorder.
func NewRecorder(s store.AttemptStore) *Recorder {
	return &Recorder{store: s}
}

// Record appends one attempt and commits the account's terminal status with it.
func (r *Recorder) Record(ctx context.Context, rec Record) (*store.Attempt, error) {
	if rec.AccountID == "" {
		return nil, errors.New("record attempt: account id is required")
	}
	if rec.Succeeded < 0 || rec.Failed < 0 {
		return nil, errors.Newf("record attempt: negative counts %d/%d", rec.Succeeded, rec.Failed)
	}

	status := store.StatusFailed
	if rec.Succeeded > 0 {
		status = store.StatusSuccess
	}
	accountStatus := rec.AccountStatus
	if accountStatus == "" {
		accountStatus = status
	}

	lines := make([]store.LineOutcome, 0, len(rec.Lines))
	for _, l := range rec.Lines {
		lines = append(lines, store.LineOutcome{Text: l.Text, Outcome: string(l.Outcome)})
	}

	occurred := rec.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	at := &store.Attempt{
		ID:             rec.AttemptID,
		AccountID:      rec.AccountID,
		BatchID:        rec.BatchID,
		Trigger:        rec.Trigger,
		OccurredAt:     occurred,
		Status:         status,
		AccountStatus:  accountStatus,
		SucceededCount: rec.Succeeded,
		FailedCount:    rec.Failed,
		LineOutcomes:   lines,
		Message:        rec.Message,
		RawOutput:      rec.RawOutput,
		DurationMs:     rec.DurationMs,
		LogPath:        rec.LogPath,
		Truncated:      rec.Truncated,
		ExitCode:       rec.ExitCode,
	}
	if err := r.store.CompleteAttempt(ctx, at); err != nil {
		return nil, errors.Wrapf(err, "record attempt for account %s", rec.AccountID)
	}
	return at, nil
}

// Get returns one attempt.
func (r *Recorder) Get(ctx context.Context, id string) (*store.Attempt, error) {
	return r.store.GetAttempt(ctx, id)
}

// List returns one page of attempts ordered by occurrence, newest first.
func (r *Recorder) List(ctx context.Context, q Query) (*Page, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	total, err := r.store.CountAttempts(ctx, q.AccountID)
	if err != nil {
		return nil, errors.Wrap(err, "count attempts")
	}

	attempts, err := r.store.ListAttempts(ctx, store.AttemptListOpts{
		AccountID: q.AccountID,
		Limit:     perPage,
		Offset:    (page - 1) * perPage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	if attempts == nil {
		attempts = []*store.Attempt{}
	}

	return &Page{
		Attempts: attempts,
		Page:     page,
		PerPage:  perPage,
		Total:    total,
		Pages:    (total + perPage - 1) / perPage,
	}, nil
}
