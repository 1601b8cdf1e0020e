package bmc

import (
	"context"
	"testing"

	bmclibbmc "github.com/bmc-toolbox/bmclib/v2/bmc"
	"github.com/metal-toolbox/bmcmgmt/internal/elog"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventLogClient struct {
	entries bmclibbmc.SystemEventLogEntries
	openErr error
	opened  int
	closed  int
	cleared bool
}

func (c *fakeEventLogClient) Open(_ context.Context) error {
	c.opened++
	return c.openErr
}

func (c *fakeEventLogClient) Close(_ context.Context) error {
	c.closed++
	return nil
}

func (c *fakeEventLogClient) GetSystemEventLog(_ context.Context) (bmclibbmc.SystemEventLogEntries, error) {
	return c.entries, nil
}

func (c *fakeEventLogClient) ClearSystemEventLog(_ context.Context) error {
	c.cleared = true
	c.entries = nil

	return nil
}

func TestRemoteSELGet(t *testing.T) {
	client := &fakeEventLogClient{
		entries: bmclibbmc.SystemEventLogEntries{
			{"1", "2024-01-01T00:00:00Z", "Power Supply", "Power supply lost"},
			{"2", "2024-01-02T00:00:00Z", "Fan", "Fan redundancy lost"},
		},
	}

	r := NewRemoteSELWithClient("10.0.0.1", client)
	ctx := context.Background()

	buf := make([]byte, 128)

	next, n, err := r.GetEventLogData(ctx, elog.TypeOEM, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)
	assert.Equal(t, "1 | 2024-01-01T00:00:00Z | Power Supply | Power supply lost", string(buf[:n]))

	next, _, err = r.GetEventLogData(ctx, elog.TypeOEM, 1, buf)
	require.NoError(t, err)
	assert.Equal(t, NoNextEntry, next)

	_, _, err = r.GetEventLogData(ctx, elog.TypeOEM, 2, buf)
	assert.True(t, errors.Is(err, model.ErrNotFound), err)

	_, _, err = r.GetEventLogData(ctx, elog.TypeOEM, 0, make([]byte, 4))
	assert.True(t, errors.Is(err, model.ErrBufferTooSmall), err)

	assert.Equal(t, client.opened, client.closed)
}

func TestRemoteSELServesOEMOnly(t *testing.T) {
	client := &fakeEventLogClient{}
	r := NewRemoteSELWithClient("10.0.0.1", client)
	ctx := context.Background()

	_, _, err := r.GetEventLogData(ctx, elog.TypeIPMI, 0, make([]byte, 16))
	assert.True(t, errors.Is(err, model.ErrUnsupported), err)

	_, err = r.SetEventLogData(ctx, elog.TypeOEM, []byte{1}, false)
	assert.True(t, errors.Is(err, model.ErrUnsupported), err)

	_, err = r.ActivateEventLog(ctx, elog.TypeOEM, nil)
	assert.True(t, errors.Is(err, model.ErrUnsupported), err)

	id := uint64(1)
	assert.True(t, errors.Is(r.EraseEventLogData(ctx, elog.TypeOEM, &id), model.ErrUnsupported))

	assert.Zero(t, client.opened)
}

func TestRemoteSELClear(t *testing.T) {
	client := &fakeEventLogClient{entries: bmclibbmc.SystemEventLogEntries{{"1"}}}
	r := NewRemoteSELWithClient("10.0.0.1", client)

	require.NoError(t, r.EraseEventLogData(context.Background(), elog.TypeOEM, nil))
	assert.True(t, client.cleared)
	assert.Equal(t, 1, client.closed)
}

func TestRemoteSELOpenFailure(t *testing.T) {
	client := &fakeEventLogClient{openErr: errors.New("connection refused")}
	r := NewRemoteSELWithClient("10.0.0.1", client)

	err := r.EraseEventLogData(context.Background(), elog.TypeOEM, nil)
	assert.True(t, errors.Is(err, model.ErrNoResponse), err)
	assert.False(t, client.cleared)
}

func TestRemoteSELBehindDispatcher(t *testing.T) {
	client := &fakeEventLogClient{entries: bmclibbmc.SystemEventLogEntries{{"7", "fan"}}}

	d, err := elog.NewDispatcher(NewRemoteSELWithClient("10.0.0.1", client))
	require.NoError(t, err)

	buf := make([]byte, 32)
	_, n, err := d.GetEventLogData(context.Background(), elog.TypeOEM, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "7 | fan", string(buf[:n]))

	_, _, err = d.GetEventLogData(context.Background(), elog.TypeIPMI, 0, buf)
	assert.True(t, errors.Is(err, model.ErrUnsupported), err)
}
