package sel

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/command"
	"github.com/metal-toolbox/bmcmgmt/internal/command/commandtest"
	"github.com/metal-toolbox/bmcmgmt/internal/diagnostics"
	"github.com/metal-toolbox/bmcmgmt/internal/elog"
	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/retry"
	"github.com/metal-toolbox/bmcmgmt/internal/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedHealth model.HealthState

func (h fixedHealth) Health() model.HealthState {
	return model.HealthState(h)
}

type recordingRaiser struct {
	codes []diagnostics.Code
}

func (r *recordingRaiser) Raise(_ context.Context, code diagnostics.Code, _ string) error {
	r.codes = append(r.codes, code)
	return nil
}

func selInfo(entries uint16, opSupport uint8) commandtest.Reply {
	b := []byte{0x51, 0, 0, 0x00, 0x10, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, opSupport}
	binary.LittleEndian.PutUint16(b[1:3], entries)

	return commandtest.OK(b...)
}

func selEntry(next uint16, record []byte) commandtest.Reply {
	b := make([]byte, 2, 2+len(record))
	binary.LittleEndian.PutUint16(b, next)

	return commandtest.OK(append(b, record...)...)
}

func testRecord(id uint16) []byte {
	r := make([]byte, ipmi.SELRecordSize)
	binary.LittleEndian.PutUint16(r, id)
	r[2] = ipmi.SELRecordTypeSystemEvent
	binary.LittleEndian.PutUint32(r[3:7], 1700000000)
	copy(r[7:], []byte{0x41, 0x00, ipmi.EvMRevision, 0x0c, 0x07, 0x6f, 0xa1, 0x02, 0x03})

	return r
}

func newManager(tr *commandtest.Transport, opts ...Option) *Manager {
	opts = append([]Option{WithSleeper(&retry.FakeSleeper{})}, opts...)
	return New(command.New(tr), fixedHealth(model.Ok), DefaultConfig(), opts...)
}

func TestGet(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELEntry, selEntry(0x0010, testRecord(0x0005)))

	buf := make([]byte, 32)
	next, n, err := newManager(tr).Get(context.Background(), 0x0005, buf)
	require.NoError(t, err)

	assert.Equal(t, uint16(0x0010), next)
	assert.Equal(t, ipmi.SELRecordSize, n)
	assert.Equal(t, testRecord(0x0005), buf[:n])
	assert.Equal(t, []byte{0x00, 0x00, 0x05, 0x00, 0x00, 0xff}, tr.Sent(ipmi.NetFnStorage, ipmi.CmdGetSELEntry)[0])
}

func TestGetBufferTooSmall(t *testing.T) {
	tr := commandtest.New()

	_, _, err := newManager(tr).Get(context.Background(), 1, make([]byte, 15))
	assert.True(t, errors.Is(err, model.ErrBufferTooSmall), err)
	assert.Empty(t, tr.Requests())
}

func TestGetLastRecordNotFound(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELEntry, selEntry(0xffff, testRecord(0x0009)))

	buf := make([]byte, 16)
	_, n, err := newManager(tr).Get(context.Background(), 0x0009, buf)
	assert.True(t, errors.Is(err, model.ErrNotFound), err)
	assert.Equal(t, 0, n)
	assert.Equal(t, make([]byte, 16), buf)
}

func TestGetShortRecord(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELEntry, selEntry(0x0002, []byte{0x01, 0x02}))

	_, _, err := newManager(tr).Get(context.Background(), 1, make([]byte, 16))
	assert.True(t, errors.Is(err, model.ErrDeviceError), err)
}

func TestEraseRecord(t *testing.T) {
	testcases := []struct {
		name         string
		opSupport    uint8
		wantReserves int
		wantDelete   []byte
	}{
		{"with reservation", ipmi.SELOpSupportReserve, 1, []byte{0x34, 0x12, 0x05, 0x00}},
		{"without reservation", 0x00, 0, []byte{0x00, 0x00, 0x05, 0x00}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			tr := commandtest.New().
				On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, selInfo(3, tc.opSupport)).
				On(ipmi.NetFnStorage, ipmi.CmdReserveSEL, commandtest.OK(0x34, 0x12)).
				On(ipmi.NetFnStorage, ipmi.CmdDeleteSELEntry, commandtest.OK(0x05, 0x00))

			id := uint16(5)
			require.NoError(t, newManager(tr).Erase(context.Background(), &id))

			assert.Equal(t, tc.wantReserves, tr.Count(ipmi.NetFnStorage, ipmi.CmdReserveSEL))
			assert.Equal(t, [][]byte{tc.wantDelete}, tr.Sent(ipmi.NetFnStorage, ipmi.CmdDeleteSELEntry))
			assert.Zero(t, tr.Count(ipmi.NetFnStorage, ipmi.CmdClearSEL))
		})
	}
}

// clearHandler answers Clear SEL, reporting completion on the given poll.
func clearHandler(completeOn int) (commandtest.Handler, *int) {
	polls := 0

	return func(req *transport.Request) commandtest.Reply {
		if req.Data[5] == ipmi.SELClearInitiate {
			return commandtest.OK(0x00)
		}

		polls++
		if completeOn > 0 && polls >= completeOn {
			return commandtest.OK(0x01)
		}

		return commandtest.OK(0x00)
	}, &polls
}

func TestEraseAll(t *testing.T) {
	handler, polls := clearHandler(3)

	tr := commandtest.New().
		On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, selInfo(3, ipmi.SELOpSupportReserve)).
		On(ipmi.NetFnStorage, ipmi.CmdReserveSEL, commandtest.OK(0xcd, 0xab)).
		Handle(ipmi.NetFnStorage, ipmi.CmdClearSEL, handler)

	require.NoError(t, newManager(tr).Erase(context.Background(), nil))

	sent := tr.Sent(ipmi.NetFnStorage, ipmi.CmdClearSEL)
	require.Len(t, sent, 4)
	assert.Equal(t, []byte{0xcd, 0xab, 'C', 'L', 'R', 0xaa}, sent[0])

	for _, poll := range sent[1:] {
		assert.Equal(t, []byte{0xcd, 0xab, 'C', 'L', 'R', 0x00}, poll)
	}

	assert.Equal(t, 3, *polls)
}

func TestEraseAllNeverCompletes(t *testing.T) {
	handler, polls := clearHandler(0)

	tr := commandtest.New().
		On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, selInfo(3, 0x00)).
		Handle(ipmi.NetFnStorage, ipmi.CmdClearSEL, handler)

	err := newManager(tr).Erase(context.Background(), nil)
	assert.True(t, errors.Is(err, model.ErrNoResponse), err)
	assert.Equal(t, DefaultClearPollLimit, *polls)
}

func TestEraseAllInitiateFails(t *testing.T) {
	tr := commandtest.New().
		On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, selInfo(3, 0x00)).
		On(ipmi.NetFnStorage, ipmi.CmdClearSEL, commandtest.CC(ipmi.CCReservationCanceled))

	err := newManager(tr).Erase(context.Background(), nil)
	assert.True(t, errors.Is(err, model.ErrDeviceError), err)
	assert.Equal(t, 1, tr.Count(ipmi.NetFnStorage, ipmi.CmdClearSEL))
}

func TestEraseInfoFails(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, commandtest.Fail(model.ErrNoResponse))

	id := uint16(1)
	err := newManager(tr).Erase(context.Background(), &id)
	assert.True(t, errors.Is(err, model.ErrNoResponse), err)
	assert.Zero(t, tr.Count(ipmi.NetFnStorage, ipmi.CmdDeleteSELEntry))
}

func TestAdd(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdAddSELEntry, commandtest.OK(0x2a, 0x00))

	id, err := newManager(tr).Add(context.Background(), []byte{0x00, 0x00, 0x02, 0x01}, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2a), id)

	sent := tr.Sent(ipmi.NetFnStorage, ipmi.CmdAddSELEntry)
	require.Len(t, sent, 1)
	assert.Equal(t, append([]byte{0x00, 0x00, 0x02, 0x01}, make([]byte, 12)...), sent[0])
}

func TestAddAlert(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnSensorEvent, ipmi.CmdPlatformEventMessage, commandtest.OK())

	id, err := newManager(tr).Add(context.Background(), testRecord(1), true)
	require.NoError(t, err)
	assert.Zero(t, id)

	assert.Equal(t, [][]byte{{0x41, ipmi.EvMRevision, 0x0c, 0x07, 0x6f, 0xa1, 0x02, 0x03}},
		tr.Sent(ipmi.NetFnSensorEvent, ipmi.CmdPlatformEventMessage))
	assert.Zero(t, tr.Count(ipmi.NetFnStorage, ipmi.CmdAddSELEntry))
}

func TestAddTooLarge(t *testing.T) {
	tr := commandtest.New()

	_, err := newManager(tr).Add(context.Background(), make([]byte, 17), false)
	assert.True(t, errors.Is(err, model.ErrOutOfResources), err)
	assert.Empty(t, tr.Requests())
}

func TestActivate(t *testing.T) {
	tr := commandtest.New().
		On(ipmi.NetFnApp, ipmi.CmdGetBMCGlobalEnables, commandtest.OK(0x0f)).
		On(ipmi.NetFnApp, ipmi.CmdSetBMCGlobalEnables, commandtest.OK())

	m := newManager(tr)

	on, err := m.Activate(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Zero(t, tr.Count(ipmi.NetFnApp, ipmi.CmdSetBMCGlobalEnables))

	disable := false
	on, err = m.Activate(context.Background(), &disable)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, [][]byte{{0x07}}, tr.Sent(ipmi.NetFnApp, ipmi.CmdSetBMCGlobalEnables))
}

func TestActivateGetFails(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnApp, ipmi.CmdGetBMCGlobalEnables, commandtest.CC(ipmi.CCInvalidCommand))

	enable := true
	_, err := newManager(tr).Activate(context.Background(), &enable)
	assert.True(t, errors.Is(err, model.ErrDeviceError), err)
	assert.Zero(t, tr.Count(ipmi.NetFnApp, ipmi.CmdSetBMCGlobalEnables))
}

func TestCheckFull(t *testing.T) {
	testcases := []struct {
		name      string
		reply     commandtest.Reply
		wantCodes []diagnostics.Code
		wantErr   bool
	}{
		{"overflow", selInfo(512, ipmi.SELOpSupportOverflow|ipmi.SELOpSupportReserve), []diagnostics.Code{diagnostics.EventLogFull}, false},
		{"room left", selInfo(12, ipmi.SELOpSupportReserve), nil, false},
		{"no response is a device error", commandtest.Fail(model.ErrNoResponse), nil, true},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, tc.reply)
			raiser := &recordingRaiser{}

			err := newManager(tr, WithRaiser(raiser)).CheckFull(context.Background())
			if tc.wantErr {
				assert.True(t, errors.Is(err, model.ErrDeviceError), err)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, tc.wantCodes, raiser.codes)
		})
	}
}

func TestNotReady(t *testing.T) {
	for _, state := range []model.HealthState{model.HardFail, model.UpdateInProgress} {
		t.Run(state.String(), func(t *testing.T) {
			tr := commandtest.New()
			m := New(command.New(tr), fixedHealth(state), DefaultConfig())

			_, err := m.Add(context.Background(), []byte{0x01}, false)
			assert.True(t, errors.Is(err, model.ErrNotReady), err)
			assert.True(t, errors.Is(err, model.ErrDeviceError), err)

			assert.True(t, errors.Is(m.Erase(context.Background(), nil), model.ErrNotReady))

			enable := true
			_, err = m.Activate(context.Background(), &enable)
			assert.True(t, errors.Is(err, model.ErrNotReady))

			assert.Empty(t, tr.Requests())
		})
	}
}

func TestInfo(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, selInfo(7, 0x0a))

	info, err := newManager(tr).Info(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1.5", info.Version)
	assert.Equal(t, uint16(7), info.Entries)
	assert.Equal(t, uint16(0x1000), info.FreeSpace)
	assert.True(t, info.ReserveSupported)
	assert.True(t, info.DeleteSupported)
	assert.False(t, info.Overflow)
	assert.True(t, info.LastAdd.IsZero())
	assert.True(t, info.LastErase.IsZero())
}

func chain(tr *commandtest.Transport, links map[uint16]uint16) {
	tr.Handle(ipmi.NetFnStorage, ipmi.CmdGetSELEntry, func(req *transport.Request) commandtest.Reply {
		id := binary.LittleEndian.Uint16(req.Data[2:4])

		next, ok := links[id]
		if !ok {
			return commandtest.CC(ipmi.CCNotPresent)
		}

		return selEntry(next, testRecord(id))
	})
}

func TestList(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, selInfo(3, 0x00))
	chain(tr, map[uint16]uint16{0x0000: 0x0005, 0x0005: 0x0009, 0x0009: 0xffff})

	entries, err := newManager(tr).List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, uint16(0x0009), entries[2].ID)
	assert.Equal(t, uint16(0xffff), entries[2].Next)
	assert.Equal(t, uint8(0x0c), entries[0].SensorType)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), entries[0].Time)
}

func TestListEmpty(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, selInfo(0, 0x00))

	entries, err := newManager(tr).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, tr.Count(ipmi.NetFnStorage, ipmi.CmdGetSELEntry))
}

func TestListLoop(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, selInfo(2, 0x00))
	chain(tr, map[uint16]uint16{0x0000: 0x0005, 0x0005: 0x0000})

	_, err := newManager(tr).List(context.Background())
	assert.True(t, errors.Is(err, model.ErrDeviceError), err)
}

type memArchive struct {
	key  string
	body []byte
}

func (a *memArchive) Put(_ context.Context, key string, body io.Reader) error {
	a.key = key

	var err error
	a.body, err = io.ReadAll(body)

	return err
}

func TestExport(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, selInfo(2, 0x00))
	chain(tr, map[uint16]uint16{0x0000: 0x0003, 0x0003: 0xffff})

	archive := &memArchive{}
	var progressed []int

	export, err := newManager(tr).Export(context.Background(), archive, "sel.json", func(done, total int) {
		assert.Equal(t, 2, total)
		progressed = append(progressed, done)
	})
	require.NoError(t, err)

	assert.Len(t, export.Entries, 2)
	assert.Equal(t, []int{1, 2}, progressed)
	assert.Equal(t, "sel.json", archive.key)

	stored := &Export{}
	require.NoError(t, json.NewDecoder(bytes.NewReader(archive.body)).Decode(stored))
	assert.Len(t, stored.Entries, 2)
}

func TestExportKey(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "host1/sel-20240301T123000Z.json", ExportKey("host1/", at))
}

func TestRedirDataTypeGuard(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdAddSELEntry, commandtest.OK(0x01, 0x00))
	m := newManager(tr)

	_, err := m.SetEventLogData(context.Background(), elog.TypeOEM, []byte{0x01}, false)
	assert.True(t, errors.Is(err, model.ErrUnsupported), err)

	_, err = m.SetEventLogData(context.Background(), elog.DataType(42), []byte{0x01}, false)
	assert.True(t, errors.Is(err, model.ErrInvalidParameter), err)

	assert.Empty(t, tr.Requests())

	id, err := m.SetEventLogData(context.Background(), elog.TypeIPMI, []byte{0x01}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	_, _, err = m.GetEventLogData(context.Background(), elog.TypeIPMI, 0x10000, make([]byte, 16))
	assert.True(t, errors.Is(err, model.ErrInvalidParameter), err)
}

func TestRecordAccessors(t *testing.T) {
	r := Record{}
	copy(r[:], testRecord(0x0102))

	assert.Equal(t, uint16(0x0102), r.ID())
	assert.Equal(t, ipmi.SELRecordTypeSystemEvent, r.Type())
	assert.Equal(t, uint32(1700000000), r.Timestamp())
	assert.Equal(t, uint16(0x0041), r.GeneratorID())
	assert.Equal(t, uint8(ipmi.EvMRevision), r.EvMRevision())
	assert.Equal(t, uint8(0x07), r.SensorNumber())
	assert.Equal(t, [3]uint8{0xa1, 0x02, 0x03}, r.EventData())
	assert.False(t, r.Deassertion())
}
