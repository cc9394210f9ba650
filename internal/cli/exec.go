package cli

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/adapter/system"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

// RunIDEnv is exported to commands started by `track exec` so nested
// tracking calls can address the run.
const RunIDEnv = "TASKER_RUN_ID"

// ExitError carries a child's exit code up to main.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

var trackExecCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command as a tracked run",
	Long: `Start command as a run of the given task. The run records the command's
pid so the reporter samples it, and is completed or failed from the exit
code. The run id is exported to the command as TASKER_RUN_ID. Tracking
failures never change the exit code, which is the command's own.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Without a store the command still runs, just untracked.
		services, err := initServices(cmd.Context())
		if logTrackFailure("exec", err) {
			services = nil
		} else {
			defer services.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runID := trackRunID
		if runID == "" {
			runID = uuid.New().String()
		}

		runner := system.NewRunner(os.Stdout, os.Stderr)
		pid, done, err := runner.Start(ctx, args, []string{RunIDEnv + "=" + runID})
		if err != nil {
			return err
		}

		tracked := false
		if services != nil {
			tracked = startExecRun(cmd, services, runID, pid)
		}

		res := <-done
		if tracked {
			finishExecRun(cmd, services, runID, res)
		}

		if res.Err != nil {
			return res.Err
		}
		if res.ExitCode != 0 {
			return &ExitError{Code: res.ExitCode}
		}
		return nil
	},
}

func startExecRun(cmd *cobra.Command, services *Services, runID string, pid int) bool {
	ctx := cmd.Context()

	task, err := services.TrackingService.RegisterTask(ctx, taskRegistration(cmd))
	if logTrackFailure("exec", err) {
		return false
	}

	input := domain.StartRunInput{
		RunID:     runID,
		TaskID:    task.ID,
		Hostname:  services.Hostname,
		PID:       pid,
		ParentPID: os.Getpid(),
		Version:   optionalFlag(cmd, "version", trackVersion),
		GitCommit: optionalFlag(cmd, "git-commit", trackGitCommit),
	}
	if cmd.Flags().Changed("total-subtasks") {
		input.TotalSubtasks = &trackTotalSubtasks
	}
	if u, err := user.Current(); err == nil {
		input.User = &u.Username
	}

	if _, err := services.TrackingService.StartRun(ctx, input); logTrackFailure("exec", err) {
		return false
	}

	running := domain.RunStatusRunning
	logTrackFailure("exec", services.TrackingService.UpdateRun(ctx, runID, domain.RunPatch{Status: &running}))
	return true
}

func finishExecRun(cmd *cobra.Command, services *Services, runID string, res *system.Result) {
	ctx := cmd.Context()

	if res.Success() {
		logTrackFailure("exec", services.TrackingService.CompleteRun(ctx, runID, nil))
		return
	}

	message := fmt.Sprintf("exit status %d", res.ExitCode)
	if res.Err != nil {
		message = res.Err.Error()
	}
	var detail *string
	if tail := strings.TrimSpace(res.StderrTail); tail != "" {
		detail = &tail
	}
	if !logTrackFailure("exec", services.TrackingService.FailRun(ctx, runID, message, detail)) {
		logger.Info("tracked command failed", zap.String("run_id", runID), zap.Int("exit_code", res.ExitCode))
	}
}

// logTrackFailure logs err and reports whether there was one. Used where
// tracking must never change the outcome, whatever --strict says.
func logTrackFailure(op string, err error) bool {
	if err == nil {
		return false
	}
	logger.Warn("tracking call failed", zap.String("op", op), zap.Error(err))
	return true
}

func init() {
	trackExecCmd.Flags().StringVar(&trackStage, "stage", "", "stage name")
	trackExecCmd.Flags().IntVar(&trackStageOrder, "stage-order", 0, "stage display order")
	trackExecCmd.Flags().StringVar(&trackTask, "task", "", "task name")
	trackExecCmd.Flags().StringVar(&trackTaskType, "type", "shell", "task type")
	trackExecCmd.Flags().IntVar(&trackTaskOrder, "task-order", 0, "task display order within the stage")
	trackExecCmd.Flags().StringVar(&trackDescription, "description", "", "task description")
	trackExecCmd.Flags().StringVar(&trackScript, "script", "", "script location")
	trackExecCmd.Flags().StringVar(&trackLogFile, "log-file", "", "log file location")
	trackExecCmd.Flags().StringVar(&trackRunID, "run-id", "", "use this run id instead of generating one")
	trackExecCmd.Flags().IntVar(&trackTotalSubtasks, "total-subtasks", 0, "number of planned subtasks")
	trackExecCmd.Flags().StringVar(&trackVersion, "version", "", "version of the code being run")
	trackExecCmd.Flags().StringVar(&trackGitCommit, "git-commit", "", "git commit of the code being run")
	_ = trackExecCmd.MarkFlagRequired("stage")
	_ = trackExecCmd.MarkFlagRequired("task")

	trackCmd.AddCommand(trackExecCmd)
}
