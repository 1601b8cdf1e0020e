package command

import (
	"context"
	"testing"

	"github.com/metal-toolbox/bmcmgmt/internal/command/commandtest"
	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	errLink := errors.Wrap(model.ErrNoResponse, "link timeout")

	testcases := []struct {
		name     string
		reply    commandtest.Reply
		wantData []byte
		wantErr  error
		wantCC   bool
	}{
		{"normal", commandtest.OK(0x01, 0x02), []byte{0x01, 0x02}, nil, false},
		{"device specific code is not an error", commandtest.Reply{CC: 0x10, Data: []byte{0x03}}, []byte{0x03}, nil, false},
		{"command specific code is not an error", commandtest.Reply{CC: 0x80}, []byte{}, nil, false},
		{"invalid command", commandtest.CC(ipmi.CCInvalidCommand), nil, model.ErrDeviceError, true},
		{"unspecified", commandtest.CC(ipmi.CCUnspecified), nil, model.ErrDeviceError, true},
		{"transport error passes through", commandtest.Fail(errLink), nil, model.ErrNoResponse, false},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELInfo, tc.reply)

			data, err := New(tr).Send(context.Background(), ipmi.NetFnStorage, ipmi.CmdGetSELInfo, []byte{0xaa})
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr), err)

				var cerr *ipmi.CompletionError
				assert.Equal(t, tc.wantCC, errors.As(err, &cerr))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantData, data)

			sent := tr.Sent(ipmi.NetFnStorage, ipmi.CmdGetSELInfo)
			require.Len(t, sent, 1)
			assert.Equal(t, []byte{0xaa}, sent[0])
		})
	}
}

func TestSendNoRetry(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnApp, ipmi.CmdGetDeviceID, commandtest.Fail(model.ErrNoResponse))

	_, err := New(tr).Send(context.Background(), ipmi.NetFnApp, ipmi.CmdGetDeviceID, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, tr.Count(ipmi.NetFnApp, ipmi.CmdGetDeviceID))
}

func TestSendLUN(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnApp, ipmi.CmdGetDeviceID, commandtest.OK())

	_, err := New(tr, WithLUN(2)).Send(context.Background(), ipmi.NetFnApp, ipmi.CmdGetDeviceID, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), tr.Requests()[0].LUN)
}

func TestCall(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdGetSELEntry, commandtest.OK(0x34, 0x12, 0xde, 0xad))

	resp := &ipmi.GetSELEntryResponse{}
	err := New(tr).Call(context.Background(), ipmi.NetFnStorage, ipmi.CmdGetSELEntry,
		&ipmi.GetSELEntryRequest{RecordID: 0x0102, Count: ipmi.SELReadFullRecord}, resp)
	require.NoError(t, err)

	assert.Equal(t, uint16(0x1234), resp.NextRecordID)
	assert.Equal(t, []byte{0xde, 0xad}, resp.Record)
	assert.Equal(t, []byte{0x00, 0x00, 0x02, 0x01, 0x00, 0xff}, tr.Sent(ipmi.NetFnStorage, ipmi.CmdGetSELEntry)[0])
}

func TestCallShortResponse(t *testing.T) {
	tr := commandtest.New().On(ipmi.NetFnStorage, ipmi.CmdReserveSEL, commandtest.OK(0x01))

	err := New(tr).Call(context.Background(), ipmi.NetFnStorage, ipmi.CmdReserveSEL, nil, &ipmi.ReserveSELResponse{})
	assert.True(t, errors.Is(err, model.ErrDeviceError), err)
}
