package grab

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickspencer/couponbat/internal/runlog"
	"github.com/patrickspencer/couponbat/internal/runner"
)

const (
	DefaultCredentialEnv = "MEITUAN_TOKEN"
	DefaultTimeout       = 2 * time.Minute
)

// Invocation is the input of one external claim attempt.
type Invocation struct {
	AccountID  string
	AttemptID  string
	Credential string
}

// Output is what an Invoker observed. Exactly one of TimedOut and Err
// describes a failed invocation; otherwise Text is the combined output,
// whatever the exit code. When Truncated is set Text holds only the tail.
type Output struct {
	Text       string
	Truncated  bool
	ExitCode   int
	DurationMs int64
	TimedOut   bool
	Timeout    time.Duration // the limit that expired when TimedOut
	Err        error
	LogPath    string
}

// Invoker runs one isolated claim attempt for a single account.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) Output
}

// ProcessInvoker runs the claim script as a separate shell process with the
// credential in its environment.
type ProcessInvoker struct {
	Runner        *runner.Runner
	Command       string
	CredentialEnv string
	Timeout       time.Duration
	WorkDir       string
	Logs          *runlog.Manager // optional per-attempt log files
	Logger        *zap.SugaredLogger
}

// Invoke implements Invoker.
func (p *ProcessInvoker) Invoke(ctx context.Context, inv Invocation) Output {
	envName := strings.TrimSpace(p.CredentialEnv)
	if envName == "" {
		envName = DefaultCredentialEnv
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := p.Runner
	if r == nil {
		r = runner.NewRunner(0)
	}

	opts := &runner.RunOptions{
		Env:     map[string]string{envName: inv.Credential},
		WorkDir: p.WorkDir,
	}

	var logFile *runlog.CappedFileWriter
	if p.Logs != nil {
		w, err := p.Logs.OpenAttemptWriter(inv.AccountID, inv.AttemptID)
		if err != nil {
			p.warnw("failed to open attempt log file", "account_id", inv.AccountID, "attempt_id", inv.AttemptID, "error", err)
		} else {
			logFile = w
			opts.ExtraOutput = w
		}
	}

	res := r.Run(ctx, p.Command, timeout, opts)

	out := Output{
		Text:       res.Output,
		Truncated:  res.Truncated,
		ExitCode:   res.ExitCode,
		DurationMs: res.DurationMs,
		TimedOut:   res.TimedOut,
		Err:        res.Err,
	}
	if res.TimedOut {
		out.Timeout = timeout
	}
	if logFile != nil {
		if err := logFile.Close(); err != nil {
			p.warnw("failed to close attempt log file", "attempt_id", inv.AttemptID, "error", err)
		}
		out.LogPath = logFile.Path()
	}
	return out
}

func (p *ProcessInvoker) warnw(msg string, kv ...any) {
	if p.Logger != nil {
		p.Logger.Warnw(msg, kv...)
	}
}
