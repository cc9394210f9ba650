package system

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/process"
)

// Adapter wraps the host operations the reporter control commands need.
type Adapter struct{}

func NewAdapter() *Adapter {
	return &Adapter{}
}

// ProcessAlive reports whether pid exists on this host.
func (a *Adapter) ProcessAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && alive
}

// Executable returns the absolute path of the running binary.
func (a *Adapter) Executable() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return path, nil
}

// SpawnDetached starts executable with args in its own session so it
// survives the caller. Output is appended to logPath, or discarded when
// logPath is empty. It returns the child's pid.
func (a *Adapter) SpawnDetached(executable string, args []string, logPath string) (int, error) {
	if !filepath.IsAbs(executable) {
		return 0, fmt.Errorf("executable path must be absolute: %s", executable)
	}

	out, err := openLog(logPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	cmd := exec.Command(executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = detachAttr()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", executable, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release child process: %w", err)
	}
	return pid, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
