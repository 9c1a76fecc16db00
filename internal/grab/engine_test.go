package grab

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickspencer/couponbat/internal/history"
	"github.com/patrickspencer/couponbat/internal/realtime"
	"github.com/patrickspencer/couponbat/internal/runlog"
	"github.com/patrickspencer/couponbat/internal/runner"
	"github.com/patrickspencer/couponbat/internal/store"
)

type invokeFunc func(ctx context.Context, inv Invocation) Output

func (f invokeFunc) Invoke(ctx context.Context, inv Invocation) Output { return f(ctx, inv) }

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "grab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addAccount(t *testing.T, s *store.SQLiteStore, name, cred string, active bool) *store.Account {
	t.Helper()
	a := &store.Account{Owner: "admin", Name: name, Credential: cred, Active: active}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func newEngine(s *store.SQLiteStore, inv Invoker, events *realtime.Broker) *Engine {
	return NewEngine(Deps{
		Accounts: s,
		Recorder: history.NewRecorder(s),
		Invoker:  inv,
		Audit:    s,
		Events:   events,
	})
}

func assertNoneRunning(t *testing.T, s *store.SQLiteStore) {
	t.Helper()
	all, err := s.ListAccounts(context.Background(), "")
	require.NoError(t, err)
	for _, a := range all {
		assert.NotEqual(t, store.StatusRunning, a.LastRunStatus, a.Name)
	}
}

func TestRunProcessBatchWithTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	logs := runlog.NewManager(t.TempDir(), 4096, 7, 0)

	a := addAccount(t, s, "first", "tok-a", true)
	b := addAccount(t, s, "slow", "slow-b", true)
	c := addAccount(t, s, "third", "tok-c", true)

	inv := &ProcessInvoker{
		Runner:  runner.NewRunner(0),
		Command: `case "$MEITUAN_TOKEN" in slow*) sleep 30;; esac; echo "成功领取 5元 $MEITUAN_TOKEN"; echo "领取失败: limit" 1>&2`,
		Timeout: 500 * time.Millisecond,
		Logs:    logs,
	}
	e := newEngine(s, inv, nil)

	start := time.Now()
	results, err := e.Run(ctx, nil, TriggerManual)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 20*time.Second)

	require.Len(t, results, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID},
		[]string{results[0].AccountID, results[1].AccountID, results[2].AccountID})

	assert.Equal(t, store.StatusSuccess, results[0].Status)
	assert.Equal(t, 1, results[0].Succeeded)
	assert.Equal(t, 1, results[0].Failed)
	assert.Equal(t, store.StatusTimeout, results[1].Status)
	assert.Contains(t, results[1].Error, "timed out")
	assert.Equal(t, store.StatusSuccess, results[2].Status)

	assertNoneRunning(t, s)
	slow, err := s.GetAccount(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTimeout, slow.LastRunStatus)
	require.NotNil(t, slow.LastRunAt)

	attempts, err := s.ListAttempts(ctx, store.AttemptListOpts{})
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	timedOut, err := s.GetAttempt(ctx, results[1].AttemptID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, timedOut.Status)
	assert.Equal(t, store.StatusTimeout, timedOut.AccountStatus)
	assert.Zero(t, timedOut.FailedCount)
	assert.Equal(t, "execution timed out after 500ms", timedOut.Message)

	first, err := s.GetAttempt(ctx, results[0].AttemptID)
	require.NoError(t, err)
	assert.Contains(t, first.RawOutput, "tok-a")
	assert.NotEmpty(t, first.LogPath)
	data, _, err := logs.ReadAttemptLog(a.ID, first.ID)
	require.NoError(t, err)
	assert.Contains(t, data, "成功领取")
}

func TestRunClassifiesAmbiguousLinesAsFailures(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	addAccount(t, s, "a", "tok", true)

	e := newEngine(s, invokeFunc(func(context.Context, Invocation) Output {
		return Output{Text: "claim failed: already successfully claimed\nnothing here\n"}
	}), nil)

	results, err := e.Run(context.Background(), nil, TriggerManual)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.StatusFailed, results[0].Status)
	assert.Equal(t, 0, results[0].Succeeded)
	assert.Equal(t, 1, results[0].Failed)
	assert.Empty(t, results[0].Error)
}

func TestRunPassesCredentialPerAccount(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	addAccount(t, s, "a", "cred-a", true)
	addAccount(t, s, "b", "cred-b", true)

	var mu sync.Mutex
	var seen []string
	e := newEngine(s, invokeFunc(func(_ context.Context, inv Invocation) Output {
		mu.Lock()
		seen = append(seen, inv.Credential)
		mu.Unlock()
		return Output{Text: "successfully claimed"}
	}), nil)

	_, err := e.Run(context.Background(), nil, TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, []string{"cred-a", "cred-b"}, seen)
}

func TestRunConvertsInvocationFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	boom := addAccount(t, s, "boom", "tok-1", true)
	broken := addAccount(t, s, "broken", "tok-2", true)
	fine := addAccount(t, s, "fine", "tok-3", true)

	e := newEngine(s, invokeFunc(func(_ context.Context, inv Invocation) Output {
		switch inv.AccountID {
		case boom.ID:
			panic("script exploded")
		case broken.ID:
			return Output{Err: errors.New("exec: sh not found")}
		}
		return Output{Text: "successfully claimed 3 coupons"}
	}), nil)

	results, err := e.Run(ctx, nil, TriggerManual)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, store.StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "script exploded")
	assert.Equal(t, store.StatusFailed, results[1].Status)
	assert.Equal(t, "exec: sh not found", results[1].Error)
	assert.Equal(t, store.StatusSuccess, results[2].Status)
	assert.Equal(t, fine.ID, results[2].AccountID)

	assertNoneRunning(t, s)
	n, err := s.CountAttempts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunExplicitIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	addAccount(t, s, "active", "t1", true)
	inactive := addAccount(t, s, "inactive", "t2", false)

	calls := 0
	e := newEngine(s, invokeFunc(func(context.Context, Invocation) Output {
		calls++
		return Output{Text: "successfully claimed"}
	}), nil)

	results, err := e.Run(ctx, []string{inactive.ID, "unknown", inactive.ID}, TriggerManual)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, inactive.ID, results[0].AccountID)
	assert.Equal(t, 1, calls)
}

func TestRunEmptyBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	addAccount(t, s, "inactive", "t", false)

	e := newEngine(s, invokeFunc(func(context.Context, Invocation) Output {
		t.Fatal("invoker must not be called")
		return Output{}
	}), nil)

	_, err := e.Run(ctx, nil, TriggerManual)
	assert.True(t, errors.Is(err, ErrEmptyBatch))
	_, err = e.Run(ctx, []string{"nope"}, TriggerManual)
	assert.True(t, errors.Is(err, ErrEmptyBatch))

	n, err := s.CountAttempts(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunRejectsOverlappingBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	addAccount(t, s, "a", "t", true)

	entered := make(chan struct{})
	release := make(chan struct{})
	e := newEngine(s, invokeFunc(func(context.Context, Invocation) Output {
		close(entered)
		<-release
		return Output{Text: "successfully claimed"}
	}), nil)

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, nil, TriggerSchedule)
		done <- err
	}()

	<-entered
	assert.True(t, e.Running())
	_, err := e.Run(ctx, nil, TriggerManual)
	assert.True(t, errors.Is(err, ErrBusy))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, e.Running())
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	addAccount(t, s, "a", "t", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawErr error
	e := newEngine(s, invokeFunc(func(ictx context.Context, _ Invocation) Output {
		cancel()
		sawErr = ictx.Err()
		return Output{Text: "successfully claimed"}
	}), nil)

	results, err := e.Run(ctx, nil, TriggerManual)
	require.NoError(t, err)
	assert.NoError(t, sawErr)
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].AttemptID)
}

type failingAttempts struct {
	*store.SQLiteStore
}

func (failingAttempts) CompleteAttempt(context.Context, *store.Attempt) error {
	return errors.New("disk full")
}

func TestRunStillLeavesTerminalStatusWhenRecordingFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	a := addAccount(t, s, "a", "t", true)

	e := NewEngine(Deps{
		Accounts: s,
		Recorder: history.NewRecorder(failingAttempts{s}),
		Invoker: invokeFunc(func(context.Context, Invocation) Output {
			return Output{Text: "successfully claimed"}
		}),
	})

	results, err := e.Run(ctx, nil, TriggerManual)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.StatusSuccess, results[0].Status)
	assert.Empty(t, results[0].AttemptID)
	assert.Contains(t, results[0].Error, "disk full")

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.LastRunStatus)
}

func TestRunPublishesEventsAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	addAccount(t, s, "a", "t1", true)
	addAccount(t, s, "b", "t2", true)

	broker := realtime.NewBroker()
	ch, unsubscribe := broker.Subscribe()
	defer unsubscribe()

	e := newEngine(s, invokeFunc(func(_ context.Context, inv Invocation) Output {
		if inv.Credential == "t2" {
			return Output{Text: "error: token expired"}
		}
		return Output{Text: "successfully claimed"}
	}), broker)

	_, err := e.Run(ctx, nil, TriggerManual)
	require.NoError(t, err)

	var types []string
	var last realtime.Event
	for len(types) < 6 {
		select {
		case evt := <-ch:
			types = append(types, evt.Type)
			last = evt
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	assert.Equal(t, []string{
		realtime.TypeBatchStarted,
		realtime.TypeGrabStarted, realtime.TypeGrabCompleted,
		realtime.TypeGrabStarted, realtime.TypeGrabCompleted,
		realtime.TypeBatchCompleted,
	}, types)
	assert.Equal(t, 1, last.Succeeded)
	assert.Equal(t, 1, last.Failed)

	entries, err := s.ListAudit(ctx, store.AuditListOpts{Category: "grab"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditWarning, entries[0].Level)
	assert.Equal(t, TriggerManual, entries[0].Actor)
	assert.True(t, strings.Contains(entries[0].Message, "1 of 2"))
	assert.NotContains(t, entries[0].Details, "t1")
}

func TestDrainWaitsForRunningAttemptAndSkipsTheRest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	first := addAccount(t, s, "first", "t1", true)
	second := addAccount(t, s, "second", "t2", true)

	entered := make(chan struct{})
	release := make(chan struct{})
	e := newEngine(s, invokeFunc(func(_ context.Context, inv Invocation) Output {
		if inv.AccountID == first.ID {
			close(entered)
			<-release
		}
		return Output{Text: "successfully claimed"}
	}), nil)

	done := make(chan []Result, 1)
	go func() {
		results, err := e.Run(ctx, nil, TriggerSchedule)
		assert.NoError(t, err)
		done <- results
	}()
	<-entered

	drained := make(chan error, 1)
	go func() { drained <- e.Drain(ctx) }()

	select {
	case <-drained:
		t.Fatal("drain returned while an attempt was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-drained)
	results := <-done
	require.Len(t, results, 1)
	assert.Equal(t, first.ID, results[0].AccountID)
	assert.NotEmpty(t, results[0].AttemptID)

	assertNoneRunning(t, s)
	got, err := s.GetAccount(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNever, got.LastRunStatus)

	_, err = e.Run(ctx, nil, TriggerManual)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestDrainGivesUpAtDeadline(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	addAccount(t, s, "a", "t", true)

	entered := make(chan struct{})
	release := make(chan struct{})
	e := newEngine(s, invokeFunc(func(context.Context, Invocation) Output {
		close(entered)
		<-release
		return Output{Text: "successfully claimed"}
	}), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Run(context.Background(), nil, TriggerManual)
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.Drain(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	<-done
}

func TestRecoverClosesOutInterruptedAccounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	stuck := addAccount(t, s, "stuck", "t1", true)
	idle := addAccount(t, s, "idle", "t2", true)

	startedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkRunning(ctx, stuck.ID, startedAt))

	e := newEngine(s, invokeFunc(func(context.Context, Invocation) Output {
		t.Fatal("recovery must not invoke the claim process")
		return Output{}
	}), nil)

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertNoneRunning(t, s)

	got, err := s.GetAccount(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.LastRunStatus)

	attempts, err := s.ListAttempts(ctx, store.AttemptListOpts{AccountID: stuck.ID})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, InterruptedMessage, attempts[0].Message)
	assert.Equal(t, TriggerRecovery, attempts[0].Trigger)
	assert.Equal(t, store.StatusFailed, attempts[0].Status)
	assert.True(t, startedAt.Equal(attempts[0].OccurredAt))

	untouched, err := s.GetAccount(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNever, untouched.LastRunStatus)

	n, err = e.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunKeepsTruncationAndExitCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	addAccount(t, s, "a", "t", true)

	// The capture cap cut the head mid-rune inside a success line.
	head := []byte("成功领取 cut off\n")[1:]
	text := string(head) + "claim failed: sold out\n"
	e := newEngine(s, invokeFunc(func(context.Context, Invocation) Output {
		return Output{Text: text, Truncated: true, ExitCode: 2}
	}), nil)

	results, err := e.Run(ctx, nil, TriggerManual)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.StatusFailed, results[0].Status)
	assert.Equal(t, 0, results[0].Succeeded)
	assert.Equal(t, 1, results[0].Failed)

	at, err := s.GetAttempt(ctx, results[0].AttemptID)
	require.NoError(t, err)
	assert.True(t, at.Truncated)
	assert.Equal(t, 2, at.ExitCode)
	assert.True(t, utf8.ValidString(at.RawOutput))
	assert.True(t, strings.HasPrefix(at.RawOutput, "功领取"), at.RawOutput)
}

func TestTrimToRune(t *testing.T) {
	t.Parallel()

	s := "领取"
	assert.Equal(t, "取", trimToRune(s[1:]))
	assert.Equal(t, "取", trimToRune(s[2:]))
	assert.Equal(t, s, trimToRune(s))
	assert.Equal(t, "", trimToRune("\xff\xfe"))
	assert.Equal(t, "�ok", trimToRune("�ok"))
}
