package elog

import (
	"context"
	"testing"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedir struct {
	name   string
	serves DataType
	err    error
	calls  int
}

func (f *fakeRedir) Name() string { return f.name }

func (f *fakeRedir) result(dataType DataType) error {
	f.calls++

	if dataType != f.serves {
		return model.ErrUnsupported
	}

	return f.err
}

func (f *fakeRedir) SetEventLogData(_ context.Context, dataType DataType, _ []byte, _ bool) (uint64, error) {
	return 7, f.result(dataType)
}

func (f *fakeRedir) GetEventLogData(_ context.Context, dataType DataType, id uint64, buf []byte) (uint64, int, error) {
	return id + 1, copy(buf, f.name), f.result(dataType)
}

func (f *fakeRedir) EraseEventLogData(_ context.Context, dataType DataType, _ *uint64) error {
	return f.result(dataType)
}

func (f *fakeRedir) ActivateEventLog(_ context.Context, dataType DataType, enable *bool) (bool, error) {
	return enable != nil && *enable, f.result(dataType)
}

func TestDispatchFirstServingBackend(t *testing.T) {
	oem := &fakeRedir{name: "oem", serves: TypeOEM}
	ipmi := &fakeRedir{name: "ipmi", serves: TypeIPMI}
	spare := &fakeRedir{name: "spare", serves: TypeIPMI}

	d, err := NewDispatcher(oem, ipmi, spare)
	require.NoError(t, err)

	buf := make([]byte, 16)
	next, n, err := d.GetEventLogData(context.Background(), TypeIPMI, 3, buf)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), next)
	assert.Equal(t, "ipmi", string(buf[:n]))
	assert.Equal(t, 1, oem.calls)
	assert.Equal(t, 1, ipmi.calls)
	assert.Equal(t, 0, spare.calls)
}

func TestDispatchErrorStops(t *testing.T) {
	failing := &fakeRedir{name: "failing", serves: TypeIPMI, err: errors.Wrap(model.ErrNoResponse, "timeout")}
	spare := &fakeRedir{name: "spare", serves: TypeIPMI}

	d, err := NewDispatcher(failing, spare)
	require.NoError(t, err)

	err = d.EraseEventLogData(context.Background(), TypeIPMI, nil)
	assert.True(t, errors.Is(err, model.ErrNoResponse), err)
	assert.Equal(t, 0, spare.calls)
}

func TestDispatchUnsupported(t *testing.T) {
	d, err := NewDispatcher(&fakeRedir{name: "ipmi", serves: TypeIPMI})
	require.NoError(t, err)

	_, err = d.SetEventLogData(context.Background(), TypeSMBIOS, []byte{0x01}, false)
	assert.True(t, errors.Is(err, model.ErrUnsupported), err)

	empty, err := NewDispatcher()
	require.NoError(t, err)

	_, err = empty.ActivateEventLog(context.Background(), TypeIPMI, nil)
	assert.True(t, errors.Is(err, model.ErrUnsupported), err)
}

func TestDispatchInvalidType(t *testing.T) {
	r := &fakeRedir{name: "ipmi", serves: TypeIPMI}

	d, err := NewDispatcher(r)
	require.NoError(t, err)

	_, err = d.SetEventLogData(context.Background(), DataType(9), nil, false)
	assert.True(t, errors.Is(err, model.ErrInvalidParameter), err)
	assert.Equal(t, 0, r.calls)
}

func TestDispatchActivate(t *testing.T) {
	d, err := NewDispatcher(&fakeRedir{name: "ipmi", serves: TypeIPMI})
	require.NoError(t, err)

	enable := true
	on, err := d.ActivateEventLog(context.Background(), TypeIPMI, &enable)
	require.NoError(t, err)
	assert.True(t, on)

	id, err := d.SetEventLogData(context.Background(), TypeIPMI, nil, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
}

func TestRegisterLimit(t *testing.T) {
	d := &Dispatcher{}

	for i := 0; i < MaxRedirs; i++ {
		require.NoError(t, d.Register(&fakeRedir{name: "r"}))
	}

	err := d.Register(&fakeRedir{name: "extra"})
	assert.True(t, errors.Is(err, model.ErrOutOfResources), err)
}

func TestParseDataType(t *testing.T) {
	d, err := ParseDataType("")
	require.NoError(t, err)
	assert.Equal(t, TypeIPMI, d)

	d, err = ParseDataType("OEM")
	require.NoError(t, err)
	assert.Equal(t, TypeOEM, d)

	_, err = ParseDataType("syslog")
	assert.True(t, errors.Is(err, model.ErrInvalidParameter))
}
