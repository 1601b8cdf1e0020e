package sel

import (
	"context"

	"github.com/metal-toolbox/bmcmgmt/internal/elog"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

var _ elog.Redir = (*Manager)(nil)

func (m *Manager) Name() string {
	return "ipmi-sel"
}

func serves(dataType elog.DataType) error {
	if err := dataType.Check(); err != nil {
		return err
	}

	if dataType != elog.TypeIPMI {
		return errors.Wrapf(model.ErrUnsupported, "sel does not store %s event logs", dataType)
	}

	return nil
}

func recordID(id uint64) (uint16, error) {
	if id > 0xffff {
		return 0, errors.Wrapf(model.ErrInvalidParameter, "sel record id %#x", id)
	}

	return uint16(id), nil
}

func (m *Manager) SetEventLogData(ctx context.Context, dataType elog.DataType, data []byte, alert bool) (uint64, error) {
	if err := serves(dataType); err != nil {
		return 0, err
	}

	id, err := m.Add(ctx, data, alert)

	return uint64(id), err
}

func (m *Manager) GetEventLogData(ctx context.Context, dataType elog.DataType, id uint64, buf []byte) (next uint64, n int, err error) {
	if err := serves(dataType); err != nil {
		return 0, 0, err
	}

	rid, err := recordID(id)
	if err != nil {
		return 0, 0, err
	}

	nextID, n, err := m.Get(ctx, rid, buf)

	return uint64(nextID), n, err
}

func (m *Manager) EraseEventLogData(ctx context.Context, dataType elog.DataType, id *uint64) error {
	if err := serves(dataType); err != nil {
		return err
	}

	if id == nil {
		return m.Erase(ctx, nil)
	}

	rid, err := recordID(*id)
	if err != nil {
		return err
	}

	return m.Erase(ctx, &rid)
}

func (m *Manager) ActivateEventLog(ctx context.Context, dataType elog.DataType, enable *bool) (bool, error) {
	if err := serves(dataType); err != nil {
		return false, err
	}

	return m.Activate(ctx, enable)
}
