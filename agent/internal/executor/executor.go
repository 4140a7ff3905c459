package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/hamayni/forge/agent/internal/workspace"
	"github.com/hamayni/forge/pkg/hfc"
)

// NoLogs is reported when the mission produced no readable log.
const NoLogs = "No logs available"

// Outcome is the result of running one mission script.
type Outcome struct {
	Status   hfc.Status
	ExitCode int
	LogTail  string
	LogPath  string
	Duration time.Duration
	TimedOut bool
}

// Executor runs mission scripts with bash inside a workspace.
type Executor struct {
	ws        *workspace.Manager
	log       *slog.Logger
	shell     string
	tailBytes int
	timeout   time.Duration
	now       func() time.Time
}

// Option customises an Executor.
type Option func(*Executor)

// WithShell overrides the interpreter, bash by default.
func WithShell(shell string) Option {
	return func(e *Executor) {
		if shell != "" {
			e.shell = shell
		}
	}
}

// WithTimeout bounds a single execution. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New constructs an Executor keeping the last tailBytes of output.
func New(ws *workspace.Manager, logger *slog.Logger, tailBytes int, opts ...Option) *Executor {
	if tailBytes <= 0 {
		tailBytes = 10000
	}
	e := &Executor{
		ws:        ws,
		log:       logger.With("component", "executor"),
		shell:     "bash",
		tailBytes: tailBytes,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute writes the script, runs it and classifies the result by exit code
// only. The returned error covers workspace failures; a script that cannot
// be started yields a FAILED outcome instead.
func (e *Executor) Execute(ctx context.Context, contractID, script string) (Outcome, error) {
	scriptPath, err := e.ws.WriteScript(contractID, script)
	if err != nil {
		return Outcome{}, err
	}
	logPath, err := e.ws.LogPath(contractID)
	if err != nil {
		return Outcome{}, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return Outcome{}, fmt.Errorf("open mission log: %w", err)
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.shell, scriptPath)
	cmd.Dir = e.ws.Root()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.WaitDelay = 5 * time.Second

	start := e.now()
	e.log.Info("mission started", "contract_id", contractID, "script", scriptPath)
	runErr := cmd.Run()
	out := Outcome{
		Status:   hfc.StatusSuccess,
		LogPath:  logPath,
		Duration: e.now().Sub(start),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && e.timeout > 0:
		out.Status = hfc.StatusFailed
		out.ExitCode = -1
		out.TimedOut = true
		fmt.Fprintf(logFile, "\nmission timed out after %s\n", e.timeout)
	case errors.As(runErr, &exitErr):
		out.Status = hfc.StatusFailed
		out.ExitCode = exitErr.ExitCode()
	default:
		out.Status = hfc.StatusFailed
		out.ExitCode = -1
		fmt.Fprintf(logFile, "\nfailed to run mission: %v\n", runErr)
	}
	if err := logFile.Close(); err != nil {
		e.log.Warn("failed to close mission log", "contract_id", contractID, "error", err)
	}

	out.LogTail = Tail(logPath, e.tailBytes)
	e.log.Info("mission finished",
		"contract_id", contractID,
		"status", out.Status,
		"exit_code", out.ExitCode,
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out, nil
}

// Tail returns at most n trailing bytes of the file at path, starting on a
// rune boundary. A missing or empty file yields NoLogs.
func Tail(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return NoLogs
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return NoLogs
	}
	offset := info.Size() - int64(n)
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return NoLogs
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return NoLogs
	}
	for len(data) > 0 && !utf8.RuneStart(data[0]) {
		data = data[1:]
	}
	return string(data)
}
