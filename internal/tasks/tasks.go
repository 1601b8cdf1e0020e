package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/diagnostics"
	"github.com/metal-toolbox/bmcmgmt/internal/metrics"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/readiness"
	"github.com/pkg/errors"
)

var (
	probeResultKey = "probeResult"

	ErrTaskFatal  = errors.New("Task fatal error, check logs for details")
	ErrStepFailed = errors.New("boot step failed")
)

// State of a task or step.
type State string

const (
	Pending   State = "pending"
	Active    State = "active"
	Succeeded State = "succeeded"
	Failed    State = "failed"
	Skipped   State = "skipped"
)

// Miscellaneous
type sharedData map[string]interface{}

// TaskStatus has status about a task, and it's steps.
type TaskStatus struct {
	Task       string        `json:"task"`
	Status     string        `json:"status"`
	Details    string        `json:"details,omitempty"`
	Error      string        `json:"error,omitempty"`
	ActiveStep string        `json:"active_step,omitempty"`
	Steps      []*StepStatus `json:"steps"`
}

// NewTaskStatus will generate a new task status struct
func NewTaskStatus(taskName string, state State) *TaskStatus {
	return &TaskStatus{
		Task:   taskName,
		Status: string(state),
	}
}

func (r *TaskStatus) AsLogFields() []any {
	return []any{
		"task", r.Task,
		"status", r.Status,
		"details", r.Details,
		"error", r.Error,
	}
}

func (r *TaskStatus) Marshal() ([]byte, error) {
	respBytes, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal response to json")
	}

	return respBytes, nil
}

// Task is a sequence of steps run against the controller.
type Task interface {
	// Name of the task
	Name() string
	// Steps is the multiple units of work that will accomplish this task
	Steps() []Step
}

type bootTask struct {
	name  string
	steps []Step
}

// NewBootTask creates the task bringing the controller into service: probe
// readiness, enable event logging, check the log for overflow and build the
// FRU slot table.
func NewBootTask() Task {
	return &bootTask{
		name: "Boot",
		steps: []Step{
			ProbeStep(),
			SELActivateStep(),
			SELCheckFullStep(),
			FRUInitStep(),
		},
	}
}

func (j *bootTask) Name() string {
	return j.name
}

func (j *bootTask) Steps() []Step {
	return j.steps
}

// Publisher receives the report of each run.
type Publisher interface {
	Report(ctx context.Context, report *diagnostics.Report) error
	Codes() []diagnostics.Code
}

// TaskRunner Will run the task by executing the individual steps in the task,
// and reports the outcome using the publisher.
type TaskRunner struct {
	publisher  Publisher
	task       Task
	mu         sync.RWMutex
	taskStatus *TaskStatus
	report     *diagnostics.Report
}

// NewTaskRunner creates a TaskRunner to run a specific Task
func NewTaskRunner(publisher Publisher, task Task) *TaskRunner {
	return &TaskRunner{
		publisher:  publisher,
		task:       task,
		taskStatus: NewTaskStatus(task.Name(), Pending),
	}
}

// Run executes every step in order. A failing step is recorded and the
// following steps still run, except that steps needing a usable controller
// are skipped once the probe classified it HardFail or UpdateInProgress.
func (r *TaskRunner) Run(ctx context.Context, c *Controller) (err error) {
	slog.Info("Running task", "task", r.task.Name())

	data := sharedData{}
	report := diagnostics.NewReport("")

	r.initTaskLog()

	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(ctx, rec)
		}

		r.finish(ctx, c, report, data)
	}()

	report.Transport = c.Transport

	r.publishTaskUpdate(Active, "Running steps", nil)

	var failed int

	for stepID, step := range r.task.Steps() {
		if step.NeedsUsableController() && !c.Probe.Health().Usable() {
			r.publishStep(stepID, Skipped, "Controller health "+c.Probe.Health().String(), nil)
			report.Steps = append(report.Steps, diagnostics.Step{Name: step.Name(), State: string(Skipped)})

			continue
		}

		r.publishStep(stepID, Active, "Running step", nil)

		started := time.Now()
		details, stepErr := r.runStep(ctx, step, c, data)
		state := Succeeded

		if stepErr != nil {
			state = Failed
			failed++
		}

		metrics.ObserveStep(step.Name(), string(state), started)
		r.publishStep(stepID, state, details, stepErr)

		reportStep := diagnostics.Step{Name: step.Name(), State: string(state), Started: started, Ended: time.Now()}
		if stepErr != nil {
			reportStep.Error = stepErr.Error()
		}

		report.Steps = append(report.Steps, reportStep)

		if ctx.Err() != nil {
			r.publishTaskUpdate(Failed, "Task interrupted at step "+step.Name(), ctx.Err())
			return ctx.Err()
		}
	}

	if failed > 0 {
		err = errors.Wrapf(ErrStepFailed, "%d of %d steps failed", failed, len(r.task.Steps()))
		r.publishTaskUpdate(Failed, "Task completed with failures", err)

		return err
	}

	slog.Info("Task completed successfully", "task", r.task.Name())
	r.publishTaskUpdate(Succeeded, "Task completed successfully", nil)

	return nil
}

// runStep recovers a panicking step into ErrTaskFatal.
func (r *TaskRunner) runStep(ctx context.Context, step Step, c *Controller, data sharedData) (details string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("!!panic occurred", "step", step.Name(), "rec", rec, "stack", string(debug.Stack()))
			details, err = "Step panicked", ErrTaskFatal
		}
	}()

	return step.Run(ctx, c, data)
}

func (r *TaskRunner) initTaskLog() {
	steps := r.task.Steps()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.taskStatus.Steps = make([]*StepStatus, len(steps))

	for i, step := range steps {
		r.taskStatus.Steps[i] = NewStepStatus(step.Name(), Pending, "", nil)
	}
}

func (r *TaskRunner) handlePanic(_ context.Context, rec any) error {
	msg := "Panic occurred while running task"
	slog.Error("!!panic occurred", "rec", rec, "stack", string(debug.Stack()))
	slog.Error(msg)

	r.publishTaskUpdate(Failed, msg, ErrTaskFatal)

	return ErrTaskFatal
}

func (r *TaskRunner) publishStep(stepID int, state State, details string, err error) {
	step := r.task.Steps()[stepID]
	stepStatus := NewStepStatus(step.Name(), state, details, err)

	slog.With(stepStatus.AsLogFields()...).Info(details, "task", r.task.Name())

	r.mu.Lock()
	r.taskStatus.Steps[stepID] = stepStatus
	if state == Active {
		r.taskStatus.ActiveStep = step.Name()
	}
	r.mu.Unlock()
}

func (r *TaskRunner) publishTaskUpdate(state State, details string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.taskStatus.Status = string(state)
	r.taskStatus.Details = details

	if state != Active {
		r.taskStatus.ActiveStep = ""
	}

	if err != nil {
		r.taskStatus.Error = err.Error()
	}

	slog.With(r.taskStatus.AsLogFields()...).Info("Task update")
}

// finish completes the report and hands it to the publisher.
func (r *TaskRunner) finish(ctx context.Context, c *Controller, report *diagnostics.Report, data sharedData) {
	report.FinishedAt = time.Now()
	report.Health = model.NotReady

	if c != nil && c.Probe != nil {
		report.Health = c.Probe.Health()
	}

	if result, ok := data[probeResultKey].(*readiness.Result); ok && result.DeviceID != nil {
		report.Firmware = result.DeviceID.FirmwareVersion()
	}

	report.Codes = r.publisher.Codes()

	r.mu.Lock()
	r.report = report
	r.mu.Unlock()

	slog.With(report.AsLogFields()...).Info("boot report")

	// the run context may be the one that ended the task
	if err := r.publisher.Report(context.WithoutCancel(ctx), report); err != nil {
		slog.Warn("boot report not delivered", "error", err)
	}
}

// Status returns a snapshot of the task status.
func (r *TaskRunner) Status() *TaskStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := *r.taskStatus
	status.Steps = append([]*StepStatus{}, r.taskStatus.Steps...)

	return &status
}

// Report returns the report of the last run, nil before the first one ends.
func (r *TaskRunner) Report() *diagnostics.Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.report
}
