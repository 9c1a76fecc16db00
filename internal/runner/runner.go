package runner

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultMaxOutput is the default cap on captured combined output.
const DefaultMaxOutput = 1024 * 1024

// waitDelay bounds how long Wait blocks on inherited pipes after the process is killed.
const waitDelay = 5 * time.Second

// RingBuffer is a fixed-size circular buffer that implements io.Writer.
// It retains only the most recent bytes written, up to its capacity.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	size    int
	pos     int
	full    bool
	written int64
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. It writes p into the ring buffer,
// overwriting the oldest data if capacity is exceeded.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	rb.written += int64(n)
	if n >= rb.size {
		// Data larger than buffer; keep only the tail.
		copy(rb.buf, p[n-rb.size:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	// Copy what fits before wrap-around.
	oldPos := rb.pos
	first := rb.size - rb.pos
	if first >= n {
		copy(rb.buf[rb.pos:], p)
	} else {
		copy(rb.buf[rb.pos:], p[:first])
		copy(rb.buf, p[first:])
	}

	rb.pos = (rb.pos + n) % rb.size
	if !rb.full && rb.pos <= oldPos {
		rb.full = true
	}
	return n, nil
}

// String returns the buffered contents in chronological order.
func (rb *RingBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		return string(rb.buf[:rb.pos])
	}
	// Buffer is full: data from pos..end is oldest, then 0..pos is newest.
	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.pos:])
	copy(out[n:], rb.buf[:rb.pos])
	return string(out)
}

// Truncated reports whether older bytes were discarded.
func (rb *RingBuffer) Truncated() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written > int64(rb.size)
}

// Result is the observable outcome of one invocation. A non-zero exit code
// is not an error; only TimedOut and Err describe invocation failures.
type Result struct {
	Output     string
	Truncated  bool
	ExitCode   int
	DurationMs int64
	TimedOut   bool
	Err        error
}

// Runner executes shell commands in their own process group.
type Runner struct {
	maxOutput int
}

// RunOptions controls the environment and optional output copy for a run.
type RunOptions struct {
	Env         map[string]string
	WorkDir     string
	ExtraOutput io.Writer
}

// NewRunner creates a Runner that keeps at most maxOutput bytes of combined
// output. A non-positive value selects DefaultMaxOutput.
func NewRunner(maxOutput int) *Runner {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Runner{maxOutput: maxOutput}
}

// Run executes command with sh -c, capturing stdout and stderr into a single
// stream. When timeout elapses the whole process group is killed.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration, opts *RunOptions) *Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	var env map[string]string
	if opts != nil {
		env = opts.Env
		if opts.WorkDir != "" {
			cmd.Dir = opts.WorkDir
		}
	}
	cmd.Env = BuildEnv(env)

	buf := NewRingBuffer(r.maxOutput)
	var out io.Writer = buf
	if opts != nil && opts.ExtraOutput != nil {
		out = newTeeWriter(buf, opts.ExtraOutput)
	}
	// The same writer for both streams interleaves them in arrival order.
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Output:     buf.String(),
		Truncated:  buf.Truncated(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err == nil {
		return result
	}

	var exitErr *exec.ExitError
	isExit := errors.As(err, &exitErr)
	if isExit {
		result.ExitCode = exitErr.ExitCode()
	} else {
		result.ExitCode = -1
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
	case isExit && exitErr.ExitCode() >= 0:
		// Exited on its own; the output decides success.
	case errors.Is(err, exec.ErrWaitDelay):
		// Exited, but a descendant kept the output pipe open.
	default:
		result.Err = errors.Wrap(err, "run command")
	}

	return result
}

type teeWriter struct {
	primary   io.Writer
	secondary io.Writer
}

func newTeeWriter(primary io.Writer, secondary io.Writer) io.Writer {
	if secondary == nil {
		return primary
	}
	return &teeWriter{
		primary:   primary,
		secondary: secondary,
	}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.primary.Write(p)
	if t.secondary != nil {
		_, _ = t.secondary.Write(p)
	}
	return n, err
}
