package fru

import (
	"context"
	"strings"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// Type names the FRU inventory a request is meant for.
type Type string

const TypeSystem Type = "system"

// Redir is a FRU backend. A backend that does not serve a type returns
// model.ErrUnsupported for it.
type Redir interface {
	Name() string
	GetFruRedirInfo(fruType Type) (RedirInfo, error)
	GetFruSlotInfo(fruType Type) (SlotInfo, error)
	GetFruData(ctx context.Context, fruType Type, slot int, offset uint16, buf []byte) (int, error)
	SetFruData(ctx context.Context, fruType Type, slot int, offset uint16, data []byte) (int, error)
}

func (a *Accessor) Name() string {
	return "ipmi-fru"
}

func (a *Accessor) serves(fruType Type) error {
	if !strings.EqualFold(string(fruType), string(TypeSystem)) {
		return errors.Wrapf(model.ErrUnsupported, "FRU type %q", fruType)
	}

	return nil
}

func (a *Accessor) GetFruRedirInfo(fruType Type) (RedirInfo, error) {
	if err := a.serves(fruType); err != nil {
		return RedirInfo{}, err
	}

	return a.RedirInfo(), nil
}

func (a *Accessor) GetFruSlotInfo(fruType Type) (SlotInfo, error) {
	if err := a.serves(fruType); err != nil {
		return SlotInfo{}, err
	}

	return a.SlotInfo(), nil
}

// GetFruData fills buf from offset. A Progress set with WithProgress on ctx
// is called after every fragment.
func (a *Accessor) GetFruData(ctx context.Context, fruType Type, slot int, offset uint16, buf []byte) (int, error) {
	if err := a.serves(fruType); err != nil {
		return 0, err
	}

	return a.ReadWithProgress(ctx, slot, offset, len(buf), buf, progressFrom(ctx))
}

func (a *Accessor) SetFruData(ctx context.Context, fruType Type, slot int, offset uint16, data []byte) (int, error) {
	if err := a.serves(fruType); err != nil {
		return 0, err
	}

	return a.WriteWithProgress(ctx, slot, offset, data, progressFrom(ctx))
}

// Dispatcher tries each backend in order, model.ErrUnsupported moves on to
// the next one.
type Dispatcher struct {
	redirs []Redir
}

func NewDispatcher(redirs ...Redir) *Dispatcher {
	return &Dispatcher{redirs: redirs}
}

func dispatch[T any](d *Dispatcher, fruType Type, call func(Redir) (T, error)) (T, error) {
	var zero T

	for _, r := range d.redirs {
		v, err := call(r)
		if errors.Is(err, model.ErrUnsupported) {
			continue
		}

		return v, err
	}

	return zero, errors.Wrapf(model.ErrUnsupported, "no backend serves FRU type %q", fruType)
}

func (d *Dispatcher) GetFruRedirInfo(fruType Type) (RedirInfo, error) {
	return dispatch(d, fruType, func(r Redir) (RedirInfo, error) {
		return r.GetFruRedirInfo(fruType)
	})
}

func (d *Dispatcher) GetFruSlotInfo(fruType Type) (SlotInfo, error) {
	return dispatch(d, fruType, func(r Redir) (SlotInfo, error) {
		return r.GetFruSlotInfo(fruType)
	})
}

func (d *Dispatcher) GetFruData(ctx context.Context, fruType Type, slot int, offset uint16, buf []byte) (int, error) {
	return dispatch(d, fruType, func(r Redir) (int, error) {
		return r.GetFruData(ctx, fruType, slot, offset, buf)
	})
}

func (d *Dispatcher) SetFruData(ctx context.Context, fruType Type, slot int, offset uint16, data []byte) (int, error) {
	return dispatch(d, fruType, func(r Redir) (int, error) {
		return r.SetFruData(ctx, fruType, slot, offset, data)
	})
}
