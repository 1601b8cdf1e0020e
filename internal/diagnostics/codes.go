// Package diagnostics collects the status codes raised while probing and
// operating the controller and delivers them to the configured sinks.
package diagnostics

import (
	"sync"

	"github.com/pkg/errors"
)

// MaxCodes is the accumulator capacity, further codes are dropped.
const MaxCodes = 10

var ErrUnknownCode = errors.New("unknown diagnostic code")

type Code uint8

const (
	// CommError is raised when the controller cannot be reached to run its self test.
	CommError Code = iota + 1
	// HardFail is raised when the controller is unusable.
	HardFail
	// SoftFail is raised when the self test reports a recoverable failure.
	SoftFail
	// SDREmpty is raised when the sensor data record repository is empty.
	SDREmpty
	// EventLogFull is raised when the SEL has overflowed.
	EventLogFull
)

type Severity string

const (
	SeverityMajor Severity = "major"
	SeverityMinor Severity = "minor"
)

var codeNames = map[Code]string{
	CommError:    "comm-error",
	HardFail:     "hard-fail",
	SoftFail:     "soft-fail",
	SDREmpty:     "sdr-empty",
	EventLogFull: "event-log-full",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}

	return "unknown"
}

func (c Code) Severity() Severity {
	switch c {
	case CommError, HardFail:
		return SeverityMajor
	default:
		return SeverityMinor
	}
}

func (c Code) MarshalText() ([]byte, error) {
	if _, ok := codeNames[c]; !ok {
		return nil, errors.Wrapf(ErrUnknownCode, "%d", uint8(c))
	}

	return []byte(c.String()), nil
}

func (c *Code) UnmarshalText(b []byte) error {
	for code, name := range codeNames {
		if name == string(b) {
			*c = code
			return nil
		}
	}

	return errors.Wrap(ErrUnknownCode, string(b))
}

// Accumulator is a bounded, ordered list of codes.
type Accumulator struct {
	mu    sync.Mutex
	codes []Code
}

// Add appends code, it returns false when the accumulator is full and the
// code was dropped.
func (a *Accumulator) Add(code Code) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.codes) >= MaxCodes {
		return false
	}

	a.codes = append(a.codes, code)

	return true
}

func (a *Accumulator) Codes() []Code {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Code{}, a.codes...)
}

func (a *Accumulator) Has(code Code) bool {
	for _, c := range a.Codes() {
		if c == code {
			return true
		}
	}

	return false
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.codes)
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.codes = nil
}
