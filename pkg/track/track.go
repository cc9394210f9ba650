// Package track is the client pipeline code uses to report run and subtask
// progress. Every call is best-effort: store failures are logged and
// swallowed so that tracking never aborts the caller.
package track

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"go.uber.org/zap"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/infrastructure/sqlstore"
	"github.com/Broadband-Catalysts/tasker-sub002/pkg/config"
)

type Client struct {
	tracking *service.TrackingService
	counter  *service.CounterService
	hostname string
	logger   *zap.Logger
	closer   func() error
}

// Open connects to the store described by cfg, creating the schema when
// needed.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Client, error) {
	hostname, err := cfg.ResolveHostname()
	if err != nil {
		return nil, err
	}
	db, err := sqlstore.Open(ctx, sqlstore.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking store: %w", err)
	}
	c := New(sqlstore.NewRepositories(db), hostname, cfg.Retention(), logger)
	c.closer = db.Close
	return c, nil
}

// New builds a client over existing repositories. Close does not close them.
func New(repos *sqlstore.Repositories, hostname string, retention time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		tracking: service.NewTrackingService(repos.Tasks, repos.Runs, repos.Subtasks, retention, logger),
		counter:  service.NewCounterService(repos.Subtasks),
		hostname: hostname,
		logger:   logger,
	}
}

func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Client) swallow(err error, op string, fields ...zap.Field) bool {
	if err == nil {
		return false
	}
	c.logger.Warn("tracking call failed", append(fields, zap.String("op", op), zap.Error(err))...)
	return true
}

type RunOption func(*runOptions)

type runOptions struct {
	reg   domain.TaskRegistration
	input domain.StartRunInput
}

func WithTaskType(t string) RunOption {
	return func(o *runOptions) { o.reg.Type = t }
}

func WithStageOrder(order int) RunOption {
	return func(o *runOptions) { o.reg.StageOrder = order }
}

func WithTaskOrder(order int) RunOption {
	return func(o *runOptions) { o.reg.Order = order }
}

func WithScript(path string) RunOption {
	return func(o *runOptions) { o.reg.ScriptLocation = &path }
}

func WithLogFile(path string) RunOption {
	return func(o *runOptions) { o.reg.LogLocation = &path }
}

func WithTotalSubtasks(n int) RunOption {
	return func(o *runOptions) { o.input.TotalSubtasks = &n }
}

func WithVersion(v string) RunOption {
	return func(o *runOptions) { o.input.Version = &v }
}

func WithGitCommit(sha string) RunOption {
	return func(o *runOptions) { o.input.GitCommit = &sha }
}

func WithEnvironment(env map[string]interface{}) RunOption {
	return func(o *runOptions) { o.input.Environment = env }
}

// WithRunID uses a caller-chosen run id instead of a generated one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.input.RunID = id }
}

// WithPID records pid as the run's process. Defaults to the calling process.
func WithPID(pid int) RunOption {
	return func(o *runOptions) { o.input.PID = pid }
}

// StartRun registers stage/task and starts a run of it on this host. On
// failure the returned handle is inert: its methods do nothing and ID is
// empty.
func (c *Client) StartRun(ctx context.Context, stage, task string, opts ...RunOption) *Run {
	o := runOptions{
		reg: domain.TaskRegistration{Stage: stage, Name: task, Type: "go"},
		input: domain.StartRunInput{
			Hostname:  c.hostname,
			PID:       os.Getpid(),
			ParentPID: os.Getppid(),
		},
	}
	if u, err := user.Current(); err == nil {
		o.input.User = &u.Username
	}
	for _, opt := range opts {
		opt(&o)
	}

	fields := []zap.Field{zap.String("stage", stage), zap.String("task", task)}
	t, err := c.tracking.RegisterTask(ctx, o.reg)
	if c.swallow(err, "register_task", fields...) {
		return &Run{client: c}
	}

	o.input.TaskID = t.ID
	run, err := c.tracking.StartRun(ctx, o.input)
	if c.swallow(err, "start_run", fields...) {
		return &Run{client: c}
	}
	return &Run{client: c, id: run.ID}
}

// Resume returns a handle for a run started elsewhere, such as by a parent
// shell script.
func (c *Client) Resume(runID string) *Run {
	return &Run{client: c, id: runID}
}

// Run is an explicit handle on one run.
type Run struct {
	client *Client
	id     string
}

func (r *Run) ID() string {
	return r.id
}

func (r *Run) inert() bool {
	return r.id == ""
}

// Running moves the run to RUNNING.
func (r *Run) Running(ctx context.Context) {
	status := domain.RunStatusRunning
	r.update(ctx, domain.RunPatch{Status: &status})
}

func (r *Run) Progress(ctx context.Context, percent float64, message string) {
	r.update(ctx, domain.RunPatch{Percent: &percent, Message: &message})
}

func (r *Run) SetTotalSubtasks(ctx context.Context, n int) {
	r.update(ctx, domain.RunPatch{TotalSubtasks: &n})
}

func (r *Run) update(ctx context.Context, patch domain.RunPatch) {
	if r.inert() {
		return
	}
	r.client.swallow(r.client.tracking.UpdateRun(ctx, r.id, patch), "update_run", zap.String("run_id", r.id))
}

func (r *Run) Complete(ctx context.Context, message string) {
	if r.inert() {
		return
	}
	r.client.swallow(r.client.tracking.CompleteRun(ctx, r.id, optional(message)), "complete_run", zap.String("run_id", r.id))
}

// Fail marks the run FAILED with cause as its error message.
func (r *Run) Fail(ctx context.Context, cause error, detail string) {
	if r.inert() {
		return
	}
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	r.client.swallow(r.client.tracking.FailRun(ctx, r.id, msg, optional(detail)), "fail_run", zap.String("run_id", r.id))
}

// StartSubtask starts the next numbered subtask. itemsTotal <= 0 leaves the
// item total unset.
func (r *Run) StartSubtask(ctx context.Context, name string, itemsTotal int64) *Subtask {
	return r.startSubtask(ctx, nil, name, itemsTotal)
}

// StartSubtaskNumber starts or restarts subtask number.
func (r *Run) StartSubtaskNumber(ctx context.Context, number int, name string, itemsTotal int64) *Subtask {
	return r.startSubtask(ctx, &number, name, itemsTotal)
}

func (r *Run) startSubtask(ctx context.Context, number *int, name string, itemsTotal int64) *Subtask {
	if r.inert() {
		return &Subtask{run: r}
	}
	in := domain.StartSubtaskInput{RunID: r.id, Number: number, Name: name}
	if itemsTotal > 0 {
		in.ItemsTotal = &itemsTotal
	}
	sub, err := r.client.tracking.StartSubtask(ctx, in)
	if r.client.swallow(err, "start_subtask", zap.String("run_id", r.id), zap.String("subtask", name)) || sub == nil {
		return &Subtask{run: r}
	}
	return &Subtask{run: r, number: sub.Number}
}

// Subtask is a handle on one numbered subtask of a run.
type Subtask struct {
	run    *Run
	number int
}

// Number is the subtask number, 0 for an inert handle.
func (s *Subtask) Number() int {
	return s.number
}

func (s *Subtask) inert() bool {
	return s.number == 0 || s.run.inert()
}

func (s *Subtask) fields() []zap.Field {
	return []zap.Field{zap.String("run_id", s.run.id), zap.Int("subtask", s.number)}
}

func (s *Subtask) Progress(ctx context.Context, percent float64, message string) {
	s.update(ctx, domain.SubtaskPatch{Percent: &percent, Message: &message})
}

func (s *Subtask) SetItemsTotal(ctx context.Context, total int64) {
	s.update(ctx, domain.SubtaskPatch{ItemsTotal: &total})
}

func (s *Subtask) update(ctx context.Context, patch domain.SubtaskPatch) {
	if s.inert() {
		return
	}
	n := s.number
	s.run.client.swallow(s.run.client.tracking.UpdateSubtask(ctx, s.run.id, &n, patch), "update_subtask", s.fields()...)
}

// Increment atomically adds delta completed items and returns the new
// total, or -1 when the call failed.
func (s *Subtask) Increment(ctx context.Context, delta int64) int64 {
	if s.inert() {
		return -1
	}
	total, err := s.run.client.counter.Increment(ctx, s.run.id, s.number, delta)
	if s.run.client.swallow(err, "increment", s.fields()...) {
		return -1
	}
	return total
}

func (s *Subtask) Complete(ctx context.Context, message string) {
	if s.inert() {
		return
	}
	n := s.number
	s.run.client.swallow(s.run.client.tracking.CompleteSubtask(ctx, s.run.id, &n, optional(message)), "complete_subtask", s.fields()...)
}

func (s *Subtask) Fail(ctx context.Context, cause error) {
	if s.inert() {
		return
	}
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	n := s.number
	s.run.client.swallow(s.run.client.tracking.FailSubtask(ctx, s.run.id, &n, msg), "fail_subtask", s.fields()...)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
