// Package grab runs claim batches: one isolated, time-bounded process per
// account, processed sequentially, each ending in a terminal account status
// and exactly one history record.
package grab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/patrickspencer/couponbat/internal/classify"
	"github.com/patrickspencer/couponbat/internal/history"
	"github.com/patrickspencer/couponbat/internal/logging"
	"github.com/patrickspencer/couponbat/internal/realtime"
	"github.com/patrickspencer/couponbat/internal/store"
)

// Batch triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerCLI      = "cli"
	// TriggerRecovery marks attempts written for runs a previous process
	// never finished.
	TriggerRecovery = "recovery"
)

// InterruptedMessage is the attempt message for runs cut off by a shutdown.
const InterruptedMessage = "interrupted by shutdown"

var (
	// ErrEmptyBatch is returned when no account matched the request.
	ErrEmptyBatch = errors.New("no accounts to grab")
	// ErrBusy is returned when another batch is already in flight.
	ErrBusy = errors.New("a grab batch is already running")
	// ErrClosed is returned once the engine has been drained.
	ErrClosed = errors.New("grab engine is shutting down")
)

// Result summarizes one account's attempt within a batch.
type Result struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	Status      string `json:"status"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	AttemptID   string `json:"attempt_id,omitempty"`
}

// Deps wires an Engine. Audit and Events are optional.
type Deps struct {
	Accounts   store.AccountStore
	Recorder   *history.Recorder
	Classifier classify.Classifier
	Invoker    Invoker
	Audit      store.AuditStore
	Events     *realtime.Broker
	Logger     *zap.SugaredLogger
}

// Engine executes grab batches. At most one batch runs at a time.
type Engine struct {
	accounts   store.AccountStore
	recorder   *history.Recorder
	classifier classify.Classifier
	invoker    Invoker
	audit      store.AuditStore
	events     *realtime.Broker
	log        *zap.SugaredLogger

	lease   *semaphore.Weighted
	running atomic.Bool
	closed  atomic.Bool
	now     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(d Deps) *Engine {
	c := d.Classifier
	if c == nil {
		c = classify.Default()
	}
	log := d.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		accounts:   d.Accounts,
		recorder:   d.Recorder,
		classifier: c,
		invoker:    d.Invoker,
		audit:      d.Audit,
		events:     d.Events,
		log:        log,
		lease:      semaphore.NewWeighted(1),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Running reports whether a batch is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run processes the given accounts, or every active account when ids is
// empty, and returns one Result per processed account in processing order.
// Per-account failures are reported in the results, never as an error.
// Cancelling ctx does not abort in-flight attempts.
func (e *Engine) Run(ctx context.Context, ids []string, trigger string) ([]Result, error) {
	if !e.lease.TryAcquire(1) {
		if e.closed.Load() {
			return nil, ErrClosed
		}
		return nil, ErrBusy
	}
	defer e.lease.Release(1)
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.running.Store(true)
	defer e.running.Store(false)

	accounts, err := e.resolve(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "resolve accounts")
	}
	if len(accounts) == 0 {
		return nil, ErrEmptyBatch
	}

	ctx = context.WithoutCancel(ctx)
	batchID := store.NewID()
	started := e.now()

	e.log.Infow("grab batch started", "batch_id", batchID, "trigger", trigger, "accounts", len(accounts))
	e.publish(realtime.Event{
		Type:    realtime.TypeBatchStarted,
		BatchID: batchID,
		Trigger: trigger,
		Total:   len(accounts),
	})

	results := make([]Result, 0, len(accounts))
	for i, a := range accounts {
		if e.closed.Load() {
			e.log.Warnw("engine draining, skipping rest of batch", "batch_id", batchID, "skipped", len(accounts)-i)
			break
		}
		results = append(results, e.runAccount(ctx, batchID, trigger, a))
	}

	var ok, bad int
	for _, r := range results {
		if r.Status == store.StatusSuccess {
			ok++
		} else {
			bad++
		}
	}
	elapsed := e.now().Sub(started)

	e.log.Infow("grab batch finished",
		"batch_id", batchID,
		"trigger", trigger,
		"success", ok,
		"unsuccessful", bad,
		"duration_ms", elapsed.Milliseconds(),
	)
	e.publish(realtime.Event{
		Type:      realtime.TypeBatchCompleted,
		BatchID:   batchID,
		Trigger:   trigger,
		Succeeded: ok,
		Failed:    bad,
		Total:     len(results),
	})
	e.appendAudit(ctx, batchID, trigger, results, ok)

	return results, nil
}

// Drain stops new batches and waits for the one in flight, if any, to finish
// its current attempt. Accounts the batch has not reached yet are skipped.
// It returns ctx's error when the attempt outlives ctx.
func (e *Engine) Drain(ctx context.Context) error {
	e.closed.Store(true)
	if err := e.lease.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "wait for running grab batch")
	}
	return nil
}

// Recover closes out accounts a previous process left in the running
// status. Each gets a failed attempt with InterruptedMessage so the history
// shows the lost run. It returns the number of accounts recovered.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stuck, err := e.accounts.ListRunningAccounts(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list running accounts")
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	batchID := store.NewID()
	results := make([]Result, 0, len(stuck))
	for _, a := range stuck {
		occurred := e.now()
		if a.LastRunAt != nil {
			occurred = *a.LastRunAt
		}
		res := Result{AccountID: a.ID, AccountName: a.Name, Status: store.StatusFailed, Error: InterruptedMessage}
		at, err := e.recorder.Record(ctx, history.Record{
			AccountID:     a.ID,
			BatchID:       batchID,
			Trigger:       TriggerRecovery,
			AccountStatus: store.StatusFailed,
			Message:       InterruptedMessage,
			OccurredAt:    occurred,
		})
		if err != nil {
			if serr := e.accounts.SetRunStatus(ctx, a.ID, store.StatusFailed); serr != nil {
				return len(results), errors.Wrapf(serr, "reset status of account %s", a.ID)
			}
			e.log.Errorw("failed to record interrupted attempt", "account_id", a.ID, "error", err)
		} else {
			res.AttemptID = at.ID
		}
		e.log.Warnw("closed out interrupted grab attempt", "account_id", a.ID, "account", a.Name)
		results = append(results, res)
	}
	e.appendAudit(ctx, batchID, TriggerRecovery, results, 0)
	return len(results), nil
}

func (e *Engine) resolve(ctx context.Context, ids []string) ([]*store.Account, error) {
	if len(ids) == 0 {
		return e.accounts.ListActiveAccounts(ctx)
	}
	return e.accounts.ListAccountsByID(ctx, dedupe(ids))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// runAccount performs one attempt and always leaves the account in a
// terminal status.
func (e *Engine) runAccount(ctx context.Context, batchID, trigger string, a *store.Account) Result {
	res := Result{AccountID: a.ID, AccountName: a.Name}
	attemptID := store.NewID()
	startedAt := e.now()

	if err := e.accounts.MarkRunning(ctx, a.ID, startedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.log.Warnw("account vanished before its attempt", "batch_id", batchID, "account_id", a.ID)
			res.Status = store.StatusFailed
			res.Error = "account no longer exists"
			return res
		}
		e.log.Errorw("failed to mark account running", "batch_id", batchID, "account_id", a.ID, "error", err)
	}
	e.publish(realtime.Event{
		Type:        realtime.TypeGrabStarted,
		BatchID:     batchID,
		AccountID:   a.ID,
		AccountName: a.Name,
		AttemptID:   attemptID,
		Status:      store.StatusRunning,
		Trigger:     trigger,
	})

	rec := history.Record{
		AccountID:  a.ID,
		AttemptID:  attemptID,
		BatchID:    batchID,
		Trigger:    trigger,
		OccurredAt: startedAt,
	}
	e.attempt(ctx, a, &rec)

	terminal := rec.AccountStatus
	if terminal == "" {
		terminal = store.StatusFailed
		if rec.Succeeded > 0 {
			terminal = store.StatusSuccess
		}
	}
	res.Status = terminal
	res.Succeeded = rec.Succeeded
	res.Failed = rec.Failed
	res.Error = rec.Message

	if _, err := e.recorder.Record(ctx, rec); err != nil {
		e.log.Errorw("failed to record attempt", "batch_id", batchID, "account_id", a.ID, "error", err)
		if serr := e.accounts.SetRunStatus(ctx, a.ID, terminal); serr != nil {
			e.log.Errorw("failed to set terminal status", "account_id", a.ID, "status", terminal, "error", serr)
		}
		if res.Error == "" {
			res.Error = "record attempt: " + err.Error()
		}
	} else {
		res.AttemptID = attemptID
	}

	e.log.Infow("grab attempt finished",
		"batch_id", batchID,
		"account_id", a.ID,
		"account", a.Name,
		"status", terminal,
		"succeeded", rec.Succeeded,
		"failed", rec.Failed,
		"duration_ms", rec.DurationMs,
	)
	e.publish(realtime.Event{
		Type:        realtime.TypeGrabCompleted,
		BatchID:     batchID,
		AccountID:   a.ID,
		AccountName: a.Name,
		AttemptID:   res.AttemptID,
		Status:      terminal,
		Trigger:     trigger,
		Succeeded:   rec.Succeeded,
		Failed:      rec.Failed,
	})
	return res
}

// attempt invokes the claim process and fills rec with its outcome. A panic
// in the invoker or classifier becomes a failed attempt.
func (e *Engine) attempt(ctx context.Context, a *store.Account, rec *history.Record) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Errorw("grab attempt panicked", "account_id", a.ID, "panic", p)
			rec.AccountStatus = store.StatusFailed
			rec.Succeeded, rec.Failed, rec.Lines = 0, 0, nil
			rec.Message = fmt.Sprintf("internal error: %v", p)
		}
	}()

	out := e.invoker.Invoke(ctx, Invocation{
		AccountID:  a.ID,
		AttemptID:  rec.AttemptID,
		Credential: a.Credential,
	})
	text := out.Text
	if out.Truncated {
		text = trimToRune(text)
	}
	rec.RawOutput = text
	rec.DurationMs = out.DurationMs
	rec.LogPath = out.LogPath
	rec.Truncated = out.Truncated
	rec.ExitCode = out.ExitCode

	switch {
	case out.TimedOut:
		rec.AccountStatus = store.StatusTimeout
		rec.Message = fmt.Sprintf("execution timed out after %s", out.Timeout)
	case out.Err != nil:
		rec.AccountStatus = store.StatusFailed
		rec.Message = out.Err.Error()
	default:
		if out.Truncated {
			text = dropCutLine(text)
		}
		c := e.classifier.Classify(text)
		rec.Succeeded = c.Succeeded
		rec.Failed = c.Failed
		rec.Lines = c.Lines
	}
}

// trimToRune drops bytes at the front of text up to the first rune boundary.
// Output that lost its head to the capture cap may start mid-rune.
func trimToRune(text string) string {
	for len(text) > 0 {
		r, size := utf8.DecodeRuneInString(text)
		if r != utf8.RuneError || size > 1 {
			break
		}
		text = text[1:]
	}
	return text
}

// dropCutLine removes the partial first line of truncated output.
func dropCutLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[i+1:]
	}
	return text
}

func (e *Engine) publish(evt realtime.Event) {
	if e.events == nil {
		return
	}
	evt.At = e.now()
	e.events.Publish(evt)
}

func (e *Engine) appendAudit(ctx context.Context, batchID, trigger string, results []Result, ok int) {
	if e.audit == nil {
		return
	}
	details, err := json.Marshal(results)
	if err != nil {
		details = nil
	}
	level := store.AuditInfo
	if ok < len(results) {
		level = store.AuditWarning
	}
	entry := &store.AuditEntry{
		Level:    level,
		Category: "grab",
		Message:  fmt.Sprintf("grab batch %s: %d of %d accounts claimed", batchID, ok, len(results)),
		Details:  string(details),
		Actor:    trigger,
	}
	if err := e.audit.AppendAudit(ctx, entry); err != nil {
		e.log.Warnw("failed to append audit entry", "batch_id", batchID, "error", err)
	}
}
