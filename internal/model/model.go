package model

import (
	"github.com/pkg/errors"
)

const (
	AppName = "bmcmgmt"

	// NATS subject prefix diagnostics reports are published under.
	AppSubject = "bmcmgmt.diagnostics"
)

// HealthState is the controller health as classified by the readiness probe.
type HealthState uint8

const (
	NotReady HealthState = iota
	Ok
	SoftFail
	HardFail
	UpdateInProgress
)

var healthStateNames = map[HealthState]string{
	NotReady:         "not-ready",
	Ok:               "ok",
	SoftFail:         "soft-fail",
	HardFail:         "hard-fail",
	UpdateInProgress: "update-in-progress",
}

func (h HealthState) String() string {
	if s, ok := healthStateNames[h]; ok {
		return s
	}

	return "unknown"
}

// Usable reports whether SEL and FRU operations may be issued in this state.
func (h HealthState) Usable() bool {
	return h != HardFail && h != UpdateInProgress
}

func (h HealthState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HealthState) UnmarshalText(b []byte) error {
	for state, name := range healthStateNames {
		if name == string(b) {
			*h = state
			return nil
		}
	}

	return errors.Wrap(ErrInvalidParameter, "unknown health state: "+string(b))
}

// Args holds the command line arguments shared by all subcommands.
type Args struct {
	LogLevel        string
	ConfigFile      string
	EnableProfiling bool
	DryRun          bool
}
