package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/patrickspencer/couponbat/internal/config"
	"github.com/patrickspencer/couponbat/internal/grab"
	"github.com/patrickspencer/couponbat/internal/scheduler"
	"github.com/patrickspencer/couponbat/internal/web"
	"github.com/patrickspencer/couponbat/internal/web/api"
)

// grabTask is the scheduler entry that runs a batch over all active accounts.
const grabTask = "grab"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the console, API and scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	timeout, err := a.cfg.Grab.ParseTimeout()
	if err != nil {
		return err
	}
	if n, err := a.engine.Recover(context.Background()); err != nil {
		return errors.Wrap(err, "recover interrupted attempts")
	} else if n > 0 {
		a.log.Warnw("closed out attempts interrupted by a previous shutdown", "accounts", n)
	}

	batches := &batchRunner{engine: a.engine, log: a.log}

	sched := scheduler.NewScheduler(func(string) {
		batches.run(grab.TriggerSchedule)
	})
	if a.cfg.Grab.ScheduleEnabled() {
		schedule, err := scheduler.ParseSchedule(a.cfg.Grab.Schedule)
		if err != nil {
			return err
		}
		sched.Add(grabTask, schedule)
		if next, ok := sched.NextRunTime(grabTask); ok {
			a.log.Infow("grab batches scheduled", "schedule", a.cfg.Grab.Schedule, "next_run", next.Format(time.RFC3339))
		}
	} else {
		a.log.Infow("scheduled grab batches disabled")
	}
	sched.Start()
	defer sched.Stop()

	if a.cfg.Grab.RunOnStart {
		batches.start(grab.TriggerSchedule)
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	if a.runLogs != nil {
		go a.cleanupRunLogs(cleanupCtx)
	}

	getConfigSnapshot := func() *config.Config {
		cp := *a.cfg
		if a.cfg.RunLogs.Enabled != nil {
			v := *a.cfg.RunLogs.Enabled
			cp.RunLogs.Enabled = &v
		}
		return &cp
	}

	srv := web.NewServer(a.cfg.Listen, &api.API{
		Accounts:     a.accounts,
		History:      a.history,
		Engine:       a.engine,
		Store:        a.store,
		Events:       a.events,
		RunLogs:      a.runLogs,
		GetConfig:    getConfigSnapshot,
		NextRunTime:  func() (time.Time, bool) { return sched.NextRunTime(grabTask) },
		DefaultOwner: a.cfg.DefaultOwner,
		Logger:       a.log,
	}, a.log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	a.log.Infow("couponbat started", "listen", a.cfg.Listen)

	var runErr error
	select {
	case <-sigCh:
	case err := <-srvErr:
		runErr = errors.Wrap(err, "http server")
	}
	a.log.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Errorw("http server shutdown error", "error", err)
	}

	// The store must stay open until the running attempt is recorded.
	if err := batches.drain(timeout + drainMargin); err != nil {
		a.log.Errorw("grab batch still running at shutdown", "error", err)
	}
	sched.Stop()

	a.log.Infow("couponbat stopped")
	return runErr
}

func (a *app) cleanupRunLogs(ctx context.Context) {
	if err := a.runLogs.Cleanup(); err != nil {
		a.log.Warnw("attempt log cleanup failed", "error", err)
	}

	every, err := time.ParseDuration(a.cfg.RunLogs.CleanupInterval)
	if err != nil || every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.runLogs.Cleanup(); err != nil {
				a.log.Warnw("attempt log cleanup failed", "error", err)
			}
		}
	}
}
