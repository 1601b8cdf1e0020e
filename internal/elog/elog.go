// Package elog routes generic event log requests to the backends able to
// serve them.
package elog

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// MaxRedirs is the number of backends a dispatcher accepts.
const MaxRedirs = 4

// DataType selects the event log a request is meant for.
type DataType uint8

const (
	TypeSMBIOS DataType = iota
	TypeIPMI
	TypeMachineCritical
	TypeASF
	TypeOEM
	typeMax
)

var dataTypeNames = map[DataType]string{
	TypeSMBIOS:          "smbios",
	TypeIPMI:            "ipmi",
	TypeMachineCritical: "machine-critical",
	TypeASF:             "asf",
	TypeOEM:             "oem",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}

	return "unknown"
}

// Check returns model.ErrInvalidParameter for a data type outside the known set.
func (d DataType) Check() error {
	if d >= typeMax {
		return errors.Wrapf(model.ErrInvalidParameter, "event log data type %d", uint8(d))
	}

	return nil
}

// ParseDataType accepts the data type names, "" is TypeIPMI.
func ParseDataType(s string) (DataType, error) {
	if s == "" {
		return TypeIPMI, nil
	}

	for d, name := range dataTypeNames {
		if strings.EqualFold(name, s) {
			return d, nil
		}
	}

	return typeMax, errors.Wrap(model.ErrInvalidParameter, "event log data type "+s)
}

// Redir is an event log backend. A backend that does not serve a data type
// returns model.ErrUnsupported for it.
type Redir interface {
	Name() string
	// SetEventLogData adds a record and returns its id when the backend assigns one.
	SetEventLogData(ctx context.Context, dataType DataType, data []byte, alert bool) (uint64, error)
	// GetEventLogData copies the record id into buf and returns the next record id.
	GetEventLogData(ctx context.Context, dataType DataType, id uint64, buf []byte) (next uint64, n int, err error)
	// EraseEventLogData deletes the record id, or the whole log when id is nil.
	EraseEventLogData(ctx context.Context, dataType DataType, id *uint64) error
	// ActivateEventLog enables or disables logging when enable is non nil and
	// returns the logging state.
	ActivateEventLog(ctx context.Context, dataType DataType, enable *bool) (bool, error)
}

// Dispatcher tries each registered backend in order. The first backend that
// serves the request wins, model.ErrUnsupported moves on to the next one and
// any other error is returned as is.
type Dispatcher struct {
	mu     sync.RWMutex
	redirs []Redir
}

func NewDispatcher(redirs ...Redir) (*Dispatcher, error) {
	d := &Dispatcher{}

	for _, r := range redirs {
		if err := d.Register(r); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (d *Dispatcher) Register(r Redir) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.redirs) >= MaxRedirs {
		return errors.Wrapf(model.ErrOutOfResources, "event log backend %s: %d backends registered", r.Name(), MaxRedirs)
	}

	d.redirs = append(d.redirs, r)

	return nil
}

func (d *Dispatcher) backends() []Redir {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]Redir{}, d.redirs...)
}

func dispatch[T any](d *Dispatcher, dataType DataType, op string, call func(Redir) (T, error)) (T, error) {
	var zero T

	if err := dataType.Check(); err != nil {
		return zero, err
	}

	for _, r := range d.backends() {
		v, err := call(r)

		switch {
		case err == nil:
			slog.Debug("event log request served", "op", op, "backend", r.Name(), "type", dataType.String())
			return v, nil
		case errors.Is(err, model.ErrUnsupported):
			continue
		default:
			return zero, err
		}
	}

	return zero, errors.Wrapf(model.ErrUnsupported, "%s: no backend serves %s event logs", op, dataType)
}

func (d *Dispatcher) SetEventLogData(ctx context.Context, dataType DataType, data []byte, alert bool) (uint64, error) {
	return dispatch(d, dataType, "set", func(r Redir) (uint64, error) {
		return r.SetEventLogData(ctx, dataType, data, alert)
	})
}

type getResult struct {
	next uint64
	n    int
}

func (d *Dispatcher) GetEventLogData(ctx context.Context, dataType DataType, id uint64, buf []byte) (next uint64, n int, err error) {
	res, err := dispatch(d, dataType, "get", func(r Redir) (getResult, error) {
		next, n, err := r.GetEventLogData(ctx, dataType, id, buf)
		return getResult{next, n}, err
	})

	return res.next, res.n, err
}

func (d *Dispatcher) EraseEventLogData(ctx context.Context, dataType DataType, id *uint64) error {
	_, err := dispatch(d, dataType, "erase", func(r Redir) (struct{}, error) {
		return struct{}{}, r.EraseEventLogData(ctx, dataType, id)
	})

	return err
}

func (d *Dispatcher) ActivateEventLog(ctx context.Context, dataType DataType, enable *bool) (bool, error) {
	return dispatch(d, dataType, "activate", func(r Redir) (bool, error) {
		return r.ActivateEventLog(ctx, dataType, enable)
	})
}
