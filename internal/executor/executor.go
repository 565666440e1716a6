package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"runweaver/internal/metrics"
	"runweaver/internal/workspace"
)

type State string

const (
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

type TaskSpec struct {
	ID      string
	Command []string
	// Dir is the working directory. Empty means a fresh sandbox that is
	// removed when the task ends.
	Dir string
	Env map[string]string
}

type TaskResult struct {
	TaskID    string        `json:"task_id"`
	State     State         `json:"state"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Truncated bool          `json:"truncated"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// OutputFunc receives each output line as it is produced. It is called from
// the stream's reader goroutine and must not block for long.
type OutputFunc func(stream, line string)

type Sandboxes interface {
	Allocate(taskID string) (*workspace.Sandbox, error)
}

type Config struct {
	// MaxOutputBytes caps the output kept per stream in TaskResult.
	MaxOutputBytes int
	// MaxLineBytes caps one OutputFunc call. Longer lines arrive in pieces
	// of at most this size. Values below 16 are raised to 16.
	MaxLineBytes int
	// WaitDelay bounds how long Wait waits for output after the process is gone.
	WaitDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 64 << 10
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = 2 * time.Second
	}
	return c
}

// Executor runs tasks as child processes in their own process group, so a
// timeout or cancellation terminates every process the task started.
type Executor struct {
	sandboxes Sandboxes
	cfg       Config
	logger    zerolog.Logger
}

func New(sandboxes Sandboxes, cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		sandboxes: sandboxes,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Run never returns an error: spawn failures, crashes and non-zero exits
// are reported as StateFailed. timeout <= 0 means no wall-clock limit.
func (e *Executor) Run(ctx context.Context, spec TaskSpec, timeout time.Duration, onOutput OutputFunc) TaskResult {
	started := time.Now().UTC()
	result := TaskResult{TaskID: spec.ID, StartedAt: started, ExitCode: -1}
	defer func() {
		result.Duration = time.Since(started)
		metrics.TaskDuration.WithLabelValues(string(result.State)).Observe(result.Duration.Seconds())
		e.logger.Debug().Str("task_id", spec.ID).Str("state", string(result.State)).
			Int("exit_code", result.ExitCode).Dur("duration", result.Duration).Msg("task finished")
	}()

	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		result.State = StateFailed
		result.Error = "empty command"
		return result
	}

	dir := spec.Dir
	if dir == "" && e.sandboxes != nil {
		sb, err := e.sandboxes.Allocate(spec.ID)
		if err != nil {
			result.State = StateFailed
			result.Error = fmt.Sprintf("allocate sandbox: %v", err)
			return result
		}
		defer func() {
			if err := sb.Release(); err != nil {
				e.logger.Warn().Err(err).Str("task_id", spec.ID).Msg("release sandbox")
			}
		}()
		dir = sb.Dir
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = buildEnv(spec, dir)
	configureCommandProcess(cmd)
	cmd.Cancel = func() error { return terminateCommandProcess(cmd) }
	cmd.WaitDelay = e.cfg.WaitDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		result.State = StateFailed
		result.Error = fmt.Sprintf("start process: %v", err)
		return result
	}

	out := &capture{limit: e.cfg.MaxOutputBytes}
	var waitErr error
	var g errgroup.Group
	g.Go(func() error { return pump(stdoutR, StreamStdout, e.cfg.MaxLineBytes, out, onOutput) })
	g.Go(func() error { return pump(stderrR, StreamStderr, e.cfg.MaxLineBytes, out, onOutput) })
	g.Go(func() error {
		waitErr = cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		return nil
	})
	pumpErr := g.Wait()

	result.Stdout, result.Stderr, result.Truncated = out.snapshot()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.State = StateTimedOut
		result.Truncated = true
		result.Error = fmt.Sprintf("timed out after %s", timeout)
	case ctx.Err() != nil:
		result.State = StateCancelled
		result.Truncated = true
		result.Error = ctx.Err().Error()
	case waitErr != nil:
		result.State = StateFailed
		result.Error = waitErr.Error()
	case pumpErr != nil:
		result.State = StateFailed
		result.Error = fmt.Sprintf("read output: %v", pumpErr)
	default:
		result.State = StateSucceeded
	}
	return result
}

func buildEnv(spec TaskSpec, dir string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return append(env, "RUNWEAVER_TASK_ID="+spec.ID, "RUNWEAVER_SANDBOX="+dir)
}

// pump forwards r in chunks that end at a newline or at lineLimit bytes,
// whichever comes first, so a line without a newline still streams.
func pump(r *io.PipeReader, stream string, lineLimit int, out *capture, onOutput OutputFunc) error {
	defer r.Close()
	br := bufio.NewReaderSize(r, lineLimit)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			text := string(chunk)
			out.add(stream, text)
			if onOutput != nil {
				onOutput(stream, strings.TrimRight(text, "\r\n"))
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
	}
}

// capture keeps up to limit bytes per stream.
type capture struct {
	mu        sync.Mutex
	limit     int
	stdout    strings.Builder
	stderr    strings.Builder
	truncated bool
}

func (c *capture) add(stream, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := &c.stdout
	if stream == StreamStderr {
		b = &c.stderr
	}
	room := c.limit - b.Len()
	if room <= 0 {
		c.truncated = true
		return
	}
	if len(line) > room {
		line = line[:room]
		c.truncated = true
	}
	b.WriteString(line)
}

func (c *capture) snapshot() (string, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String(), c.stderr.String(), c.truncated
}
