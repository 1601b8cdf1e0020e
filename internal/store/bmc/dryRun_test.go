package bmc

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/command"
	"github.com/metal-toolbox/bmcmgmt/internal/fru"
	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/readiness"
	"github.com/metal-toolbox/bmcmgmt/internal/retry"
	"github.com/metal-toolbox/bmcmgmt/internal/sel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	bmc   *DryRunBMC
	probe *readiness.Probe
	sel   *sel.Manager
	fru   *fru.Accessor
	sleep *retry.FakeSleeper
}

func newStack(t *testing.T, fixture *Fixture) *stack {
	t.Helper()

	b := NewDryRunBMC(fixture)
	b.now = func() time.Time { return time.Unix(1700000000, 0) }

	channel := command.New(b)
	sleeper := &retry.FakeSleeper{}
	probe := readiness.New(channel, readiness.DefaultConfig(), readiness.WithSleeper(sleeper))

	_, err := probe.Run(context.Background())
	require.NoError(t, err)

	return &stack{
		bmc:   b,
		probe: probe,
		sel:   sel.New(channel, probe, sel.DefaultConfig(), sel.WithSleeper(sleeper)),
		fru:   fru.New(channel, probe),
		sleep: sleeper,
	}
}

func TestDryRunProbe(t *testing.T) {
	tests := []struct {
		name    string
		fixture func(f *Fixture)
		want    model.HealthState
	}{
		{"healthy", func(*Fixture) {}, model.Ok},
		{"update mode clears", func(f *Fixture) { f.Device.UpdatePolls = 3 }, model.Ok},
		{"update mode never clears", func(f *Fixture) { f.Device.UpdatePolls = 1000 }, model.HardFail},
		{"forced update", func(f *Fixture) { f.Device.UpdatePolls = 1000; f.Device.ForcedUpdate = true }, model.UpdateInProgress},
		{"sdr empty", func(f *Fixture) { f.SelfTest = []uint8{ipmi.SelfTestError, ipmi.SelfTestSDREmpty} }, model.SoftFail},
		{"fatal hardware error", func(f *Fixture) { f.SelfTest = []uint8{ipmi.SelfTestFatalHWError, 0} }, model.HardFail},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := DefaultFixture()
			tc.fixture(f)

			s := newStack(t, f)
			assert.Equal(t, tc.want, s.probe.Health())
		})
	}
}

func record(sensor uint8) []byte {
	r := make([]byte, ipmi.SELRecordSize)
	r[2] = ipmi.SELRecordTypeSystemEvent
	copy(r[7:], []byte{0x41, 0x00, ipmi.EvMRevision, 0x0c, sensor, 0x6f, 0xa1, 0x02, 0x03})

	return r
}

func TestDryRunSEL(t *testing.T) {
	f := DefaultFixture()
	f.SEL.ClearPolls = 3

	s := newStack(t, f)
	ctx := context.Background()

	var ids []uint16

	for sensor := uint8(1); sensor <= 3; sensor++ {
		id, err := s.sel.Add(ctx, record(sensor), false)
		require.NoError(t, err)

		ids = append(ids, id)
	}

	assert.Equal(t, []uint16{1, 2, 3}, ids)

	entries, err := s.sel.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint8(2), entries[1].SensorNumber)
	assert.Equal(t, ipmi.SELLastRecordID, entries[2].Next)

	buf := make([]byte, ipmi.SELRecordSize)
	next, n, err := s.sel.Get(ctx, 1, buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), next)
	assert.Equal(t, ipmi.SELRecordSize, n)
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(buf))

	_, _, err = s.sel.Get(ctx, 3, buf)
	assert.True(t, errors.Is(err, model.ErrNotFound), err)

	id := uint16(2)
	require.NoError(t, s.sel.Erase(ctx, &id))
	assert.Len(t, s.bmc.Records(), 2)

	require.NoError(t, s.sel.Erase(ctx, nil))
	assert.Empty(t, s.bmc.Records())

	info, err := s.sel.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), info.Entries)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), info.LastErase)
}

func TestDryRunSELAlert(t *testing.T) {
	s := newStack(t, DefaultFixture())
	ctx := context.Background()

	id, err := s.sel.Add(ctx, record(9), true)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), id)

	records := s.bmc.Records()
	require.Len(t, records, 1)
	assert.Equal(t, uint8(9), records[0][11])
	assert.Equal(t, uint32(1700000000), binary.LittleEndian.Uint32(records[0][3:7]))

	disable := false
	enabled, err := s.sel.Activate(ctx, &disable)
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = s.sel.Add(ctx, record(10), true)
	require.NoError(t, err)
	assert.Len(t, s.bmc.Records(), 1)
}

func TestDryRunSELFull(t *testing.T) {
	f := DefaultFixture()
	f.SEL.Capacity = 1

	s := newStack(t, f)
	ctx := context.Background()

	_, err := s.sel.Add(ctx, record(1), false)
	require.NoError(t, err)

	_, err = s.sel.Add(ctx, record(2), false)
	assert.True(t, errors.Is(err, model.ErrDeviceError), err)

	info, err := s.sel.Info(ctx)
	require.NoError(t, err)
	assert.True(t, info.Overflow)
	assert.Equal(t, uint16(0), info.FreeSpace)
}

func TestDryRunStaleReservation(t *testing.T) {
	s := newStack(t, DefaultFixture())

	stale := s.bmc.reservation + 1

	cc, _ := s.bmc.deleteSELEntry(ipmi.LE.MustPack(&ipmi.DeleteSELEntryRequest{ReservationID: stale, RecordID: 1}))
	assert.Equal(t, ipmi.CCReservationCanceled, cc)
}

func TestDryRunFRU(t *testing.T) {
	s := newStack(t, DefaultFixture())
	ctx := context.Background()

	require.NoError(t, s.fru.Init(ctx))
	assert.Len(t, s.fru.Slots(), ipmi.MaxFRUSlots)

	data := []byte("board serial 0123456789 product ABC")

	n, err := s.fru.Write(ctx, 0, 16, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, s.bmc.FRU(0)[16:16+len(data)])

	buf := make([]byte, len(data))
	n, err = s.fru.Read(ctx, 0, 16, len(data), buf)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf)

	area, err := s.fru.AreaInfo(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(256), area.Size)

	// reading past the end of the device returns no data
	_, err = s.fru.Read(ctx, 0, 256, 4, make([]byte, 4))
	assert.True(t, errors.Is(err, model.ErrNotFound), err)

	// slot 1 is mapped but the simulated controller has no device 1
	_, err = s.fru.Read(ctx, 1, 0, 4, make([]byte, 4))
	assert.True(t, errors.Is(err, model.ErrDeviceError), err)
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")

	content := `
device:
  firmware_major: 3
  firmware_minor: 0x21
  product: 0x4242
self_test: [0x57, 0x08]
sel:
  reserve: false
  records:
    - "0000 02 00f15365 4100 04 0c 07 6f a10203"
fru:
  "2": "0102030405"
`

	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	f, err := LoadFixture(path)
	require.NoError(t, err)

	assert.Equal(t, uint8(3), f.Device.FirmwareMajor)
	assert.Equal(t, uint8(0x21), f.Device.FirmwareMinor)
	assert.Equal(t, uint16(0x4242), f.Device.Product)
	assert.Equal(t, uint8(0x20), f.Device.DeviceID)
	assert.Equal(t, 512, f.SEL.Capacity)
	assert.False(t, f.SEL.Reserve)

	b := NewDryRunBMC(f)
	assert.Len(t, b.Records(), 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, b.FRU(2))
}

func TestLoadFixtureInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "device: ["},
		{"short self test", "self_test: [0x55]"},
		{"short record", "sel:\n  records: [\"0102\"]"},
		{"bad fru device", "fru:\n  \"x\": \"00\""},
		{"bad fru data", "fru:\n  \"1\": \"zz\""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fixture.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o600))

			_, err := LoadFixture(path)
			assert.True(t, errors.Is(err, model.ErrConfig), err)
		})
	}
}
