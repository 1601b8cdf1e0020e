package diagnostics

import (
	"time"

	"github.com/google/uuid"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/shirou/gopsutil/host"
)

// Event is a single diagnostic code raised outside of a boot report.
type Event struct {
	Code     Code      `json:"code"`
	Severity Severity  `json:"severity"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

func NewEvent(code Code, detail string) *Event {
	return &Event{
		Code:     code,
		Severity: code.Severity(),
		Detail:   detail,
		Time:     time.Now(),
	}
}

// Step is the outcome of one boot step.
type Step struct {
	Name    string    `json:"name"`
	State   string    `json:"state"`
	Error   string    `json:"error,omitempty"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
}

// HostInfo identifies the host the controller belongs to.
type HostInfo struct {
	Hostname      string `json:"hostname"`
	HostID        string `json:"host_id"`
	OS            string `json:"os"`
	Platform      string `json:"platform"`
	KernelVersion string `json:"kernel_version"`
}

// Report summarizes one boot sequence run.
type Report struct {
	RunID      uuid.UUID         `json:"run_id"`
	Host       *HostInfo         `json:"host,omitempty"`
	Health     model.HealthState `json:"health"`
	Codes      []Code            `json:"codes"`
	Steps      []Step            `json:"steps"`
	Firmware   string            `json:"firmware,omitempty"`
	Transport  string            `json:"transport"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

func NewReport(transport string) *Report {
	return &Report{
		RunID:     uuid.New(),
		Host:      LocalHost(),
		Transport: transport,
		StartedAt: time.Now(),
	}
}

func (r *Report) AsLogFields() []any {
	return []any{
		"runID", r.RunID.String(),
		"health", r.Health.String(),
		"codes", r.Codes,
		"steps", len(r.Steps),
		"transport", r.Transport,
	}
}

// LocalHost returns the host identity, or nil when it cannot be read.
func LocalHost() *HostInfo {
	info, err := host.Info()
	if err != nil {
		return nil
	}

	return &HostInfo{
		Hostname:      info.Hostname,
		HostID:        info.HostID,
		OS:            info.OS,
		Platform:      info.Platform,
		KernelVersion: info.KernelVersion,
	}
}

// Message is the envelope delivered to sinks.
type Message struct {
	Kind   string  `json:"kind"`
	Event  *Event  `json:"event,omitempty"`
	Report *Report `json:"report,omitempty"`
}

const (
	KindEvent  = "event"
	KindReport = "report"
)
