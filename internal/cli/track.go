package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

// Flags shared by the track subcommands. Each subcommand binds only the
// ones it reads.
var (
	trackStrict bool

	trackStage          string
	trackStageOrder     int
	trackTask           string
	trackTaskType       string
	trackTaskOrder      int
	trackDescription    string
	trackScript         string
	trackLogFile        string
	trackRunID          string
	trackPID            int
	trackParentPID      int
	trackTotalSubtasks  int
	trackVersion        string
	trackGitCommit      string
	trackEnvJSON        string
	trackStatus         string
	trackPercent        float64
	trackMessage        string
	trackError          string
	trackErrorDetail    string
	trackSubtask        int
	trackSubtaskName    string
	trackItemsTotal     int64
	trackItemsCompleted int64
	trackDelta          int64
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Record task progress from shell scripts",
	Long: `Record run and subtask progress from shell pipelines.

Tracking is best effort: store failures are logged and the command still
exits 0 so a pipeline never fails because of tracking. Use --strict to
exit non-zero instead.`,
}

// trackResult applies the best-effort policy to err.
func trackResult(op string, err error) error {
	if err == nil {
		return nil
	}
	if trackStrict {
		return err
	}
	logger.Warn("tracking call failed", zap.String("op", op), zap.Error(err))
	return nil
}

// subtaskNumber returns the --subtask flag when given, nil to target the
// run's current subtask.
func subtaskNumber(cmd *cobra.Command) *int {
	if cmd.Flags().Changed("subtask") {
		n := trackSubtask
		return &n
	}
	return nil
}

func optionalFlag(cmd *cobra.Command, name, value string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

func taskRegistration(cmd *cobra.Command) domain.TaskRegistration {
	return domain.TaskRegistration{
		Stage:          trackStage,
		StageOrder:     trackStageOrder,
		Name:           trackTask,
		Type:           trackTaskType,
		Order:          trackTaskOrder,
		Description:    optionalFlag(cmd, "description", trackDescription),
		ScriptLocation: optionalFlag(cmd, "script", trackScript),
		LogLocation:    optionalFlag(cmd, "log-file", trackLogFile),
	}
}

var trackRegisterTaskCmd = &cobra.Command{
	Use:   "register-task",
	Short: "Create or update a stage and task",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("register_task", err)
		}
		defer services.Close()

		task, err := services.TrackingService.RegisterTask(cmd.Context(), taskRegistration(cmd))
		if err != nil {
			return trackResult("register_task", err)
		}
		fmt.Println(task.ID)
		return nil
	},
}

var trackStartRunCmd = &cobra.Command{
	Use:   "start-run",
	Short: "Start a run and print its id",
	Long: `Register the task if needed and start a run of it on this host. The run
id is printed on stdout. The recorded pid defaults to the parent of this
command, which is the calling shell.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("start_run", err)
		}
		defer services.Close()

		input := domain.StartRunInput{
			RunID:     trackRunID,
			Hostname:  services.Hostname,
			PID:       trackPID,
			ParentPID: trackParentPID,
			Version:   optionalFlag(cmd, "version", trackVersion),
			GitCommit: optionalFlag(cmd, "git-commit", trackGitCommit),
		}
		if input.PID == 0 {
			input.PID = os.Getppid()
		}
		if cmd.Flags().Changed("total-subtasks") {
			input.TotalSubtasks = &trackTotalSubtasks
		}
		if u, err := user.Current(); err == nil {
			input.User = &u.Username
		}
		if trackEnvJSON != "" {
			if err := json.Unmarshal([]byte(trackEnvJSON), &input.Environment); err != nil {
				return fmt.Errorf("invalid --env JSON: %w", err)
			}
		}

		task, err := services.TrackingService.RegisterTask(cmd.Context(), taskRegistration(cmd))
		if err != nil {
			return trackResult("start_run", err)
		}
		input.TaskID = task.ID

		run, err := services.TrackingService.StartRun(cmd.Context(), input)
		if err != nil {
			return trackResult("start_run", err)
		}
		fmt.Println(run.ID)
		return nil
	},
}

var trackUpdateRunCmd = &cobra.Command{
	Use:   "update-run",
	Short: "Update a run's status or progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := domain.RunPatch{Message: optionalFlag(cmd, "message", trackMessage)}
		if cmd.Flags().Changed("status") {
			status := domain.RunStatus(trackStatus)
			patch.Status = &status
		}
		if cmd.Flags().Changed("percent") {
			patch.Percent = &trackPercent
		}
		if cmd.Flags().Changed("subtask") {
			patch.CurrentSubtask = &trackSubtask
		}
		if cmd.Flags().Changed("total-subtasks") {
			patch.TotalSubtasks = &trackTotalSubtasks
		}

		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("update_run", err)
		}
		defer services.Close()

		return trackResult("update_run", services.TrackingService.UpdateRun(cmd.Context(), trackRunID, patch))
	},
}

var trackCompleteRunCmd = &cobra.Command{
	Use:   "complete-run",
	Short: "Mark a run COMPLETED",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("complete_run", err)
		}
		defer services.Close()

		err = services.TrackingService.CompleteRun(cmd.Context(), trackRunID, optionalFlag(cmd, "message", trackMessage))
		return trackResult("complete_run", err)
	},
}

var trackFailRunCmd = &cobra.Command{
	Use:   "fail-run",
	Short: "Mark a run FAILED",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("fail_run", err)
		}
		defer services.Close()

		err = services.TrackingService.FailRun(cmd.Context(), trackRunID, trackError, optionalFlag(cmd, "error-detail", trackErrorDetail))
		return trackResult("fail_run", err)
	},
}

var trackStartSubtaskCmd = &cobra.Command{
	Use:   "start-subtask",
	Short: "Start a subtask and print its number",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := domain.StartSubtaskInput{
			RunID:  trackRunID,
			Number: subtaskNumber(cmd),
			Name:   trackSubtaskName,
		}
		if cmd.Flags().Changed("items-total") {
			in.ItemsTotal = &trackItemsTotal
		}

		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("start_subtask", err)
		}
		defer services.Close()

		subtask, err := services.TrackingService.StartSubtask(cmd.Context(), in)
		if err != nil {
			return trackResult("start_subtask", err)
		}
		if subtask != nil {
			fmt.Println(subtask.Number)
		}
		return nil
	},
}

var trackUpdateSubtaskCmd = &cobra.Command{
	Use:   "update-subtask",
	Short: "Update a subtask's status or progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := domain.SubtaskPatch{Message: optionalFlag(cmd, "message", trackMessage)}
		if cmd.Flags().Changed("status") {
			status := domain.SubtaskStatus(trackStatus)
			patch.Status = &status
		}
		if cmd.Flags().Changed("percent") {
			patch.Percent = &trackPercent
		}
		if cmd.Flags().Changed("items-total") {
			patch.ItemsTotal = &trackItemsTotal
		}
		if cmd.Flags().Changed("items-completed") {
			patch.ItemsComplete = &trackItemsCompleted
		}

		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("update_subtask", err)
		}
		defer services.Close()

		err = services.TrackingService.UpdateSubtask(cmd.Context(), trackRunID, subtaskNumber(cmd), patch)
		return trackResult("update_subtask", err)
	},
}

var trackCompleteSubtaskCmd = &cobra.Command{
	Use:   "complete-subtask",
	Short: "Mark a subtask COMPLETED",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("complete_subtask", err)
		}
		defer services.Close()

		err = services.TrackingService.CompleteSubtask(cmd.Context(), trackRunID, subtaskNumber(cmd), optionalFlag(cmd, "message", trackMessage))
		return trackResult("complete_subtask", err)
	},
}

var trackFailSubtaskCmd = &cobra.Command{
	Use:   "fail-subtask",
	Short: "Mark a subtask FAILED",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("fail_subtask", err)
		}
		defer services.Close()

		err = services.TrackingService.FailSubtask(cmd.Context(), trackRunID, subtaskNumber(cmd), trackError)
		return trackResult("fail_subtask", err)
	},
}

var trackIncrementCmd = &cobra.Command{
	Use:   "increment",
	Short: "Atomically add to a subtask's completed items and print the total",
	Long: `Add --delta (default 1) to items_complete of the given subtask, or of the
run's current subtask, in a single statement. Safe to call from many
parallel workers. The new total is printed on stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return trackResult("increment", err)
		}
		defer services.Close()

		var total int64
		if n := subtaskNumber(cmd); n != nil {
			total, err = services.CounterService.Increment(cmd.Context(), trackRunID, *n, trackDelta)
		} else {
			total, err = services.CounterService.IncrementCurrent(cmd.Context(), trackRunID, trackDelta)
		}
		if err != nil {
			return trackResult("increment", err)
		}
		fmt.Println(total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trackCmd)
	trackCmd.PersistentFlags().BoolVar(&trackStrict, "strict", false, "exit non-zero when the store call fails")

	taskFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&trackStage, "stage", "", "stage name")
		cmd.Flags().IntVar(&trackStageOrder, "stage-order", 0, "stage display order")
		cmd.Flags().StringVar(&trackTask, "task", "", "task name")
		cmd.Flags().StringVar(&trackTaskType, "type", "shell", "task type")
		cmd.Flags().IntVar(&trackTaskOrder, "task-order", 0, "task display order within the stage")
		cmd.Flags().StringVar(&trackDescription, "description", "", "task description")
		cmd.Flags().StringVar(&trackScript, "script", "", "script location")
		cmd.Flags().StringVar(&trackLogFile, "log-file", "", "log file location")
		_ = cmd.MarkFlagRequired("stage")
		_ = cmd.MarkFlagRequired("task")
	}
	runFlag := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&trackRunID, "run-id", "", "run id")
		_ = cmd.MarkFlagRequired("run-id")
	}
	subtaskFlag := func(cmd *cobra.Command) {
		cmd.Flags().IntVar(&trackSubtask, "subtask", 0, "subtask number (default: the run's current subtask)")
	}

	taskFlags(trackRegisterTaskCmd)

	taskFlags(trackStartRunCmd)
	trackStartRunCmd.Flags().StringVar(&trackRunID, "run-id", "", "use this run id instead of generating one")
	trackStartRunCmd.Flags().IntVar(&trackPID, "pid", 0, "process to monitor (default: the calling shell)")
	trackStartRunCmd.Flags().IntVar(&trackParentPID, "ppid", 0, "parent process id")
	trackStartRunCmd.Flags().IntVar(&trackTotalSubtasks, "total-subtasks", 0, "number of planned subtasks")
	trackStartRunCmd.Flags().StringVar(&trackVersion, "version", "", "version of the code being run")
	trackStartRunCmd.Flags().StringVar(&trackGitCommit, "git-commit", "", "git commit of the code being run")
	trackStartRunCmd.Flags().StringVar(&trackEnvJSON, "env", "", "environment metadata as a JSON object")

	runFlag(trackUpdateRunCmd)
	trackUpdateRunCmd.Flags().StringVar(&trackStatus, "status", "", "new status")
	trackUpdateRunCmd.Flags().Float64Var(&trackPercent, "percent", 0, "overall percent complete")
	trackUpdateRunCmd.Flags().StringVar(&trackMessage, "message", "", "progress message")
	trackUpdateRunCmd.Flags().IntVar(&trackSubtask, "subtask", 0, "current subtask number")
	trackUpdateRunCmd.Flags().IntVar(&trackTotalSubtasks, "total-subtasks", 0, "number of planned subtasks")

	runFlag(trackCompleteRunCmd)
	trackCompleteRunCmd.Flags().StringVar(&trackMessage, "message", "", "final message")

	runFlag(trackFailRunCmd)
	trackFailRunCmd.Flags().StringVar(&trackError, "error", "", "error message")
	trackFailRunCmd.Flags().StringVar(&trackErrorDetail, "error-detail", "", "error detail such as a traceback")
	_ = trackFailRunCmd.MarkFlagRequired("error")

	runFlag(trackStartSubtaskCmd)
	subtaskFlag(trackStartSubtaskCmd)
	trackStartSubtaskCmd.Flags().StringVar(&trackSubtaskName, "name", "", "subtask name")
	trackStartSubtaskCmd.Flags().Int64Var(&trackItemsTotal, "items-total", 0, "number of items the subtask will process")
	_ = trackStartSubtaskCmd.MarkFlagRequired("name")

	runFlag(trackUpdateSubtaskCmd)
	subtaskFlag(trackUpdateSubtaskCmd)
	trackUpdateSubtaskCmd.Flags().StringVar(&trackStatus, "status", "", "new status")
	trackUpdateSubtaskCmd.Flags().Float64Var(&trackPercent, "percent", 0, "percent complete")
	trackUpdateSubtaskCmd.Flags().StringVar(&trackMessage, "message", "", "progress message")
	trackUpdateSubtaskCmd.Flags().Int64Var(&trackItemsTotal, "items-total", 0, "number of items")
	trackUpdateSubtaskCmd.Flags().Int64Var(&trackItemsCompleted, "items-completed", 0, "items completed so far")

	runFlag(trackCompleteSubtaskCmd)
	subtaskFlag(trackCompleteSubtaskCmd)
	trackCompleteSubtaskCmd.Flags().StringVar(&trackMessage, "message", "", "final message")

	runFlag(trackFailSubtaskCmd)
	subtaskFlag(trackFailSubtaskCmd)
	trackFailSubtaskCmd.Flags().StringVar(&trackError, "error", "", "error message")
	_ = trackFailSubtaskCmd.MarkFlagRequired("error")

	runFlag(trackIncrementCmd)
	subtaskFlag(trackIncrementCmd)
	trackIncrementCmd.Flags().Int64Var(&trackDelta, "delta", 1, "number of items to add")

	trackCmd.AddCommand(
		trackRegisterTaskCmd,
		trackStartRunCmd,
		trackUpdateRunCmd,
		trackCompleteRunCmd,
		trackFailRunCmd,
		trackStartSubtaskCmd,
		trackUpdateSubtaskCmd,
		trackCompleteSubtaskCmd,
		trackFailSubtaskCmd,
		trackIncrementCmd,
	)
}
