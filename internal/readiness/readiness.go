// Package readiness classifies controller health from its device id and
// self test results.
package readiness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/command"
	"github.com/metal-toolbox/bmcmgmt/internal/diagnostics"
	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/metrics"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/retry"
	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"
)

const (
	DefaultReadyDelayRetries = 30
	DefaultDeviceIDDelay     = time.Second
	DefaultSelfTestDelay     = 500 * time.Millisecond

	// KCSTimeoutSeconds is the KCS transaction timeout. A ready delay shorter
	// than this polls the self test once.
	KCSTimeoutSeconds = 5
)

type Config struct {
	ReadyDelayRetries int
	DeviceIDDelay     time.Duration
	SelfTestDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadyDelayRetries: DefaultReadyDelayRetries,
		DeviceIDDelay:     DefaultDeviceIDDelay,
		SelfTestDelay:     DefaultSelfTestDelay,
	}
}

func (c Config) selfTestAttempts() int {
	if c.ReadyDelayRetries < KCSTimeoutSeconds {
		return 1
	}

	return c.ReadyDelayRetries
}

// DeviceSpecific interprets self test results outside the standard 0x55-0x58 range.
type DeviceSpecific interface {
	// Final reports whether result ends self test polling.
	Final(result uint8) bool
	// Classify returns the health for a device specific result. Codes added
	// to acc are reported with the probe result.
	Classify(resp *ipmi.SelfTestResponse, acc *diagnostics.Accumulator) model.HealthState
}

// Raiser receives the diagnostic codes of each probe run.
type Raiser interface {
	Raise(ctx context.Context, code diagnostics.Code, detail string) error
}

// Result is the outcome of one probe run.
type Result struct {
	State    model.HealthState
	Codes    []diagnostics.Code
	DeviceID *ipmi.DeviceIDResponse
	// SelfTest holds the raw Get Self Test Results payload.
	SelfTest []byte
	Started  time.Time
	Finished time.Time
}

func (r *Result) AsLogFields() []any {
	fields := []any{
		"state", r.State.String(),
		"codes", r.Codes,
		"elapsed", r.Finished.Sub(r.Started).String(),
	}

	if r.DeviceID != nil {
		fields = append(fields, "firmware", r.DeviceID.FirmwareVersion())
	}

	return fields
}

// Probe runs the readiness sequence and keeps the last result.
type Probe struct {
	channel *command.Channel
	config  Config
	sleeper retry.Sleeper
	device  DeviceSpecific
	raiser  Raiser
	mu      sync.RWMutex
	last    *Result
}

type Option func(*Probe)

func WithSleeper(s retry.Sleeper) Option {
	return func(p *Probe) {
		p.sleeper = s
	}
}

func WithDeviceSpecific(d DeviceSpecific) Option {
	return func(p *Probe) {
		p.device = d
	}
}

func WithRaiser(r Raiser) Option {
	return func(p *Probe) {
		p.raiser = r
	}
}

func New(channel *command.Channel, config Config, opts ...Option) *Probe {
	p := &Probe{
		channel: channel,
		config:  config,
		sleeper: retry.ContextSleeper{},
		last:    &Result{State: model.NotReady},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Health returns the state set by the last run, NotReady before the first.
func (p *Probe) Health() model.HealthState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.last.State
}

// Last returns a copy of the last result.
func (p *Probe) Last() *Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, err := copystructure.Copy(p.last)
	if err != nil {
		return &Result{State: p.last.State}
	}

	return c.(*Result)
}

// Run probes the controller. The error is non nil only when ctx ends the run,
// controller failures are expressed in the result state.
func (p *Probe) Run(ctx context.Context) (*Result, error) {
	result := &Result{State: model.NotReady, Started: time.Now()}
	acc := &diagnostics.Accumulator{}

	if err := p.run(ctx, result, acc); err != nil {
		return nil, err
	}

	switch {
	case result.State == model.HardFail && !acc.Has(diagnostics.CommError):
		// an unreachable self test is reported as a communication error only
		acc.Add(diagnostics.HardFail)
	case result.State == model.SoftFail:
		acc.Add(diagnostics.SoftFail)
	}

	result.Codes = acc.Codes()
	result.Finished = time.Now()

	p.mu.Lock()
	p.last = result
	p.mu.Unlock()

	metrics.HealthState.Set(float64(result.State))
	slog.With(result.AsLogFields()...).Info("controller readiness probed")

	if p.raiser != nil {
		for _, code := range result.Codes {
			if err := p.raiser.Raise(ctx, code, "readiness probe: "+result.State.String()); err != nil {
				slog.Warn("readiness diagnostic not delivered", "code", code.String(), "error", err)
			}
		}
	}

	return p.Last(), nil
}

func (p *Probe) run(ctx context.Context, result *Result, acc *diagnostics.Accumulator) error {
	budget, err := p.waitReady(ctx, result)
	if err != nil {
		return err
	}

	if result.State == model.NotReady {
		if err := p.waitUpdateMode(ctx, result, budget); err != nil {
			return err
		}
	}

	if !result.State.Usable() {
		return nil
	}

	return p.selfTest(ctx, result, acc)
}

// waitReady polls Get Device ID until it succeeds. It returns the budget left
// for the update mode wait.
func (p *Probe) waitReady(ctx context.Context, result *Result) (retry.Budget, error) {
	budget := retry.New(p.config.ReadyDelayRetries, p.config.DeviceIDDelay)

	for {
		resp, err := p.deviceID(ctx)
		if err == nil {
			result.DeviceID = resp
			if !resp.UpdateMode() {
				result.State = model.Ok
			}

			return budget, nil
		}

		slog.Debug("controller not responding to get device id", "retriesLeft", budget.Remaining, "error", err)

		next, ok := budget.Next()
		if !ok {
			result.State = model.HardFail
			return next, nil
		}

		if err := p.sleeper.Sleep(ctx, budget.Delay); err != nil {
			return next, err
		}

		budget = next
	}
}

// waitUpdateMode runs when the controller reports it is not ready. A forced
// firmware update ends the probe, otherwise the update mode bit is polled
// with what is left of the budget.
func (p *Probe) waitUpdateMode(ctx context.Context, result *Result, budget retry.Budget) error {
	execCtx := &ipmi.ExecutionContextResponse{}

	err := p.channel.Call(ctx, ipmi.NetFnFirmware, ipmi.CmdGetBMCExecutionCtx, nil, execCtx)
	if err == nil && execCtx.Context == ipmi.ExecutionContextForcedUpdate {
		slog.Warn("controller in forced update mode, skipping readiness wait")

		result.State = model.UpdateInProgress

		return nil
	}

	for {
		next, ok := budget.Next()
		if !ok {
			result.State = model.HardFail
			return nil
		}

		if err := p.sleeper.Sleep(ctx, budget.Delay); err != nil {
			return err
		}

		budget = next

		resp, err := p.deviceID(ctx)
		if err != nil {
			continue
		}

		result.DeviceID = resp

		if !resp.UpdateMode() {
			result.State = model.Ok
			return nil
		}

		slog.Debug("controller still in update mode", "retriesLeft", budget.Remaining)
	}
}

// softErrorResetter is implemented by transports that stop talking to the
// controller after repeated soft errors.
type softErrorResetter interface {
	ResetSoftErrors()
}

// deviceID sends Get Device ID. Each attempt clears the transport soft error
// count, the readiness budget alone decides when the controller is given up on.
func (p *Probe) deviceID(ctx context.Context) (*ipmi.DeviceIDResponse, error) {
	if r, ok := p.channel.Transport().(softErrorResetter); ok {
		r.ResetSoftErrors()
	}

	resp := &ipmi.DeviceIDResponse{}
	if err := p.channel.Call(ctx, ipmi.NetFnApp, ipmi.CmdGetDeviceID, nil, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (p *Probe) final(result uint8) bool {
	switch result {
	case ipmi.SelfTestNoError, ipmi.SelfTestNotImplemented, ipmi.SelfTestError, ipmi.SelfTestFatalHWError:
		return true
	}

	return p.device != nil && p.device.Final(result)
}

func (p *Probe) selfTest(ctx context.Context, result *Result, acc *diagnostics.Accumulator) error {
	var payload []byte

	budget := retry.New(p.config.selfTestAttempts()-1, p.config.SelfTestDelay)

	exhausted, err := retry.Do(ctx, p.sleeper, budget, func(ctx context.Context) (retry.Outcome, error) {
		data, err := p.channel.Send(ctx, ipmi.NetFnApp, ipmi.CmdGetSelfTestResults, nil)
		if err != nil {
			return retry.Again, err
		}

		payload = data
		if len(data) > 0 && p.final(data[0]) {
			return retry.Done, nil
		}

		return retry.Again, errors.Wrapf(model.ErrDeviceError, "self test in progress (% x)", data)
	})

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil || exhausted {
		slog.Error("controller self test does not respond", "error", err)

		acc.Add(diagnostics.CommError)
		result.State = model.HardFail

		return nil
	}

	result.SelfTest = payload

	resp := &ipmi.SelfTestResponse{}
	if err := ipmi.LE.Unpack(payload, resp); err != nil {
		// a final result byte without the detail byte
		resp.Result = payload[0]
	}

	slog.Info("controller self test result", "result", resp.Result, "detail", resp.Detail)

	result.State = p.classify(resp, acc)

	return nil
}

func (p *Probe) classify(resp *ipmi.SelfTestResponse, acc *diagnostics.Accumulator) model.HealthState {
	switch resp.Result {
	case ipmi.SelfTestNoError, ipmi.SelfTestNotImplemented:
		return model.Ok
	case ipmi.SelfTestError:
		state := model.SoftFail
		if resp.Detail&(ipmi.SelfTestFirmwareCorrupt|ipmi.SelfTestBootBlockCorrupt|ipmi.SelfTestFRUCorrupt) != 0 {
			state = model.HardFail
		}

		if resp.Detail&ipmi.SelfTestSDREmpty != 0 {
			acc.Add(diagnostics.SDREmpty)
		}

		return state
	case ipmi.SelfTestFatalHWError:
		return model.HardFail
	default:
		if p.device == nil {
			return model.HardFail
		}

		return p.device.Classify(resp, acc)
	}
}
