package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultTailBytes is how much trailing stderr a Result keeps.
const DefaultTailBytes = 4096

// Result is the outcome of a command started by Runner.
type Result struct {
	Command   string
	PID       int
	ExitCode  int
	StartTime time.Time
	EndTime   time.Time
	// StderrTail holds the last bytes the command wrote to stderr.
	StderrTail string
	// Err is set when waiting failed for a reason other than a non-zero exit.
	Err error
}

func (r *Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Runner starts commands with their output streamed to the given writers.
type Runner struct {
	stdout    io.Writer
	stderr    io.Writer
	tailBytes int
}

func NewRunner(stdout, stderr io.Writer) *Runner {
	return &Runner{stdout: stdout, stderr: stderr, tailBytes: DefaultTailBytes}
}

// Start launches command with the current environment plus extraEnv. It
// returns the child's pid and a channel that delivers the Result once the
// command exits. Cancelling ctx kills the command.
func (r *Runner) Start(ctx context.Context, command []string, extraEnv []string) (int, <-chan *Result, error) {
	if len(command) == 0 {
		return 0, nil, fmt.Errorf("no command given")
	}

	tail := newTailBuffer(r.tailBytes)
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = r.stdout
	cmd.Stderr = io.MultiWriter(r.stderr, tail)

	if err := cmd.Start(); err != nil {
		return 0, nil, fmt.Errorf("failed to start %s: %w", command[0], err)
	}

	result := &Result{
		Command:   strings.Join(command, " "),
		PID:       cmd.Process.Pid,
		StartTime: time.Now(),
	}
	done := make(chan *Result, 1)
	go r.waitForCompletion(cmd, result, tail, done)
	return result.PID, done, nil
}

func (r *Runner) waitForCompletion(cmd *exec.Cmd, result *Result, tail *tailBuffer, done chan<- *Result) {
	defer close(done)

	err := cmd.Wait()
	result.EndTime = time.Now()
	result.ExitCode = cmd.ProcessState.ExitCode()
	result.StderrTail = tail.String()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		result.Err = err
	}
	done <- result
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
