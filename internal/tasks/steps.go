package tasks

import (
	"context"
	"fmt"

	"github.com/metal-toolbox/bmcmgmt/internal/fru"
	"github.com/metal-toolbox/bmcmgmt/internal/readiness"
	"github.com/metal-toolbox/bmcmgmt/internal/sel"
	"github.com/pkg/errors"
)

// StepStatus has status about a step, to be reported as part of the overall task.
type StepStatus struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewStepStatus will create a new step status struct
func NewStepStatus(stepName string, state State, details string, err error) *StepStatus {
	status := &StepStatus{
		Step:    stepName,
		Status:  string(state),
		Details: details,
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

func (s *StepStatus) AsLogFields() []any {
	return []any{
		"step", s.Step,
		"status", s.Status,
		"details", s.Details,
		"error", s.Error,
	}
}

// Controller bundles the components the boot steps operate on.
type Controller struct {
	Transport string
	Probe     *readiness.Probe
	SEL       *sel.Manager
	FRU       *fru.Accessor
}

// Step is a unit of work. Multiple steps accomplish a task.
type Step interface {
	// Name of this step
	Name() string
	// NeedsUsableController steps are skipped once the controller is
	// classified HardFail or UpdateInProgress.
	NeedsUsableController() bool
	// Run will execute the code to accomplish this step
	Run(ctx context.Context, c *Controller, data sharedData) (string, error)
}

type probeStep struct {
	name string
}

// ProbeStep runs the readiness probe and stores the result in sharedData.
func ProbeStep() Step {
	return &probeStep{
		name: "probe",
	}
}

func (t *probeStep) Name() string {
	return t.name
}

func (t *probeStep) NeedsUsableController() bool {
	return false
}

func (t *probeStep) Run(ctx context.Context, c *Controller, data sharedData) (string, error) {
	result, err := c.Probe.Run(ctx)
	if err != nil {
		return "Readiness probe interrupted", err
	}

	data[probeResultKey] = result

	return "Controller health: " + result.State.String(), nil
}

type selActivateStep struct {
	name string
}

// SELActivateStep enables system event logging.
func SELActivateStep() Step {
	return &selActivateStep{
		name: "sel-activate",
	}
}

func (t *selActivateStep) Name() string {
	return t.name
}

func (t *selActivateStep) NeedsUsableController() bool {
	return true
}

func (t *selActivateStep) Run(ctx context.Context, c *Controller, _ sharedData) (string, error) {
	enable := true

	if _, err := c.SEL.Activate(ctx, &enable); err != nil {
		return "Failed to enable event logging", err
	}

	return "Event logging enabled", nil
}

type selCheckFullStep struct {
	name string
}

// SELCheckFullStep raises a diagnostic when the event log has overflowed.
func SELCheckFullStep() Step {
	return &selCheckFullStep{
		name: "sel-check-full",
	}
}

func (t *selCheckFullStep) Name() string {
	return t.name
}

func (t *selCheckFullStep) NeedsUsableController() bool {
	return true
}

func (t *selCheckFullStep) Run(ctx context.Context, c *Controller, _ sharedData) (string, error) {
	if err := c.SEL.CheckFull(ctx); err != nil {
		return "Event log state unknown", err
	}

	return "Event log checked", nil
}

type fruInitStep struct {
	name string
}

// FRUInitStep builds the FRU slot table.
func FRUInitStep() Step {
	return &fruInitStep{
		name: "fru-init",
	}
}

func (t *fruInitStep) Name() string {
	return t.name
}

func (t *fruInitStep) NeedsUsableController() bool {
	return true
}

func (t *fruInitStep) Run(ctx context.Context, c *Controller, _ sharedData) (string, error) {
	if c.FRU == nil {
		return "", errors.New("no FRU accessor")
	}

	if err := c.FRU.Init(ctx); err != nil {
		return "Failed to build FRU slot table", err
	}

	return fmt.Sprintf("%d FRU slots", c.FRU.SlotInfo().Count), nil
}
