package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/patrickspencer/couponbat/internal/account"
	"github.com/patrickspencer/couponbat/internal/classify"
	"github.com/patrickspencer/couponbat/internal/config"
	"github.com/patrickspencer/couponbat/internal/grab"
	"github.com/patrickspencer/couponbat/internal/history"
	"github.com/patrickspencer/couponbat/internal/logging"
	"github.com/patrickspencer/couponbat/internal/realtime"
	"github.com/patrickspencer/couponbat/internal/runlog"
	"github.com/patrickspencer/couponbat/internal/runner"
	"github.com/patrickspencer/couponbat/internal/store"
)

const defaultConfigPath = "couponbat.yaml"

// app holds the wired components shared by serve and grab.
type app struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	store    *store.SQLiteStore
	accounts *account.Service
	history  *history.Recorder
	engine   *grab.Engine
	events   *realtime.Broker
	runLogs  *runlog.Manager // nil when disabled
}

// resolveConfigPath returns "" when the default config file is absent so
// the daemon can run from environment variables alone.
func resolveConfigPath(cmd *cobra.Command) string {
	if cmd.Flags().Changed("config") {
		return configPath
	}
	if _, err := os.Stat(configPath); err != nil {
		return ""
	}
	return configPath
}

func newApp(cmd *cobra.Command) (*app, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(resolveConfigPath(cmd))
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", cfg.DataDir)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	log.Infow("store opened", "path", cfg.DBPath)

	var logs *runlog.Manager
	if cfg.RunLogs.IsEnabled() {
		logs = runlog.NewManager(
			cfg.RunLogs.Dir,
			cfg.RunLogs.MaxBytes,
			cfg.RunLogs.RetentionDays,
			cfg.RunLogs.MaxTotalMB*1024*1024,
		)
		if err := os.MkdirAll(logs.BaseDir(), 0755); err != nil {
			_ = st.Close()
			return nil, errors.Wrapf(err, "create attempt log directory %s", logs.BaseDir())
		}
	}

	timeout, err := cfg.Grab.ParseTimeout()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	events := realtime.NewBroker()
	recorder := history.NewRecorder(st)
	engine := grab.NewEngine(grab.Deps{
		Accounts:   st,
		Recorder:   recorder,
		Classifier: classify.Default(),
		Invoker: &grab.ProcessInvoker{
			Runner:        runner.NewRunner(cfg.Grab.MaxOutputBytes),
			Command:       cfg.Grab.Command,
			CredentialEnv: cfg.Grab.CredentialEnv,
			Timeout:       timeout,
			WorkDir:       cfg.Grab.WorkingDir,
			Logs:          logs,
			Logger:        log,
		},
		Audit:  st,
		Events: events,
		Logger: log,
	})

	return &app{
		cfg:      cfg,
		log:      log,
		store:    st,
		accounts: account.NewService(st),
		history:  recorder,
		engine:   engine,
		events:   events,
		runLogs:  logs,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warnw("failed to close store", "error", err)
	}
	_ = a.log.Sync()
}
