package ipmi

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint8(0xc8), Checksum([]byte{0x20, 0x18}))
	assert.Equal(t, uint8(0x00), Checksum(nil))
	assert.Equal(t, uint8(0x00), Checksum([]byte{0x80, 0x80}))
}

func TestPackIPMBRequest(t *testing.T) {
	body, err := LE.Pack(&RequestBody{
		SourceAddr: RemoteSWAddress,
		SeqLUN:     SeqLUN(1, 0),
		Cmd:        CmdGetDeviceID,
	})
	require.NoError(t, err)

	frame, err := LE.Pack(&MessageHeader{
		DestAddr: BMCSlaveAddress,
		NetFnLUN: NetFnLUN(NetFnApp, 0),
		Body:     body,
	})
	require.NoError(t, err)

	assert.Equal(t, []byte{0x20, 0x18, 0xc8, 0x81, 0x04, 0x01, 0x7a}, frame)
}

func TestUnpackIPMBResponse(t *testing.T) {
	frame := []byte{0x81, 0x1c, 0x63, 0x20, 0x04, 0x01, 0x00, 0xaa, 0xbb}
	frame = append(frame, Checksum(frame[3:]))

	hdr := &MessageHeader{}
	require.NoError(t, LE.Unpack(frame, hdr))

	netFn, lun := SplitNetFnLUN(hdr.NetFnLUN)
	assert.Equal(t, NetFnApp.Response(), netFn)
	assert.Equal(t, uint8(0), lun)

	resp := &ResponseBody{}
	require.NoError(t, LE.Unpack(hdr.Body, resp))
	assert.Equal(t, uint8(0x20), resp.SourceAddr)
	assert.Equal(t, CmdGetDeviceID, resp.Cmd)
	assert.Equal(t, []byte{0xaa, 0xbb}, resp.Data)
}

func TestUnpackChecksumMismatch(t *testing.T) {
	frame := []byte{0x81, 0x1c, 0x00, 0x20}

	err := LE.Unpack(frame, &MessageHeader{})
	assert.True(t, errors.Is(err, ErrChecksum))
}

func TestUnpackShortBuffer(t *testing.T) {
	err := LE.Unpack([]byte{0x01, 0x02}, &SELInfoResponse{})
	assert.True(t, errors.Is(err, ErrShortBuffer))
}

func TestPackLittleEndian(t *testing.T) {
	b, err := LE.Pack(&ClearSELRequest{
		ReservationID: 0x1234,
		Signature:     SELClearSignature,
		Action:        SELClearInitiate,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x34, 0x12, 'C', 'L', 'R', 0xaa}, b)
}

func TestSessionHeaderAuthCode(t *testing.T) {
	testcases := []struct {
		name     string
		authType uint8
		authCode []byte
		wantLen  int
	}{
		{"none", AuthTypeNone, nil, 10 + 3},
		{"md5", AuthTypeMD5, make([]byte, AuthCodeSize), 10 + AuthCodeSize + 3},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			hdr := &SessionHeader{
				AuthType:  tc.authType,
				Sequence:  7,
				SessionID: 0xdeadbeef,
				AuthCode:  tc.authCode,
				Payload:   []byte{1, 2, 3},
			}

			b, err := LE.Pack(hdr)
			require.NoError(t, err)
			assert.Len(t, b, tc.wantLen)

			got := &SessionHeader{}
			require.NoError(t, LE.Unpack(b, got))
			assert.Equal(t, uint32(0xdeadbeef), got.SessionID)
			assert.Equal(t, uint8(3), got.PayloadLength)
			assert.Equal(t, []byte{1, 2, 3}, got.Payload)
		})
	}
}

func TestPackNotStruct(t *testing.T) {
	_, err := LE.Pack(42)
	assert.True(t, errors.Is(err, ErrNotStruct))
}

func TestCompletionCode(t *testing.T) {
	assert.False(t, CCNormal.IsError())
	assert.False(t, CompletionCode(0x80).IsError())
	assert.False(t, CompletionCode(0x7e).IsError())
	assert.True(t, CCBusy.IsError())
	assert.True(t, CCUnspecified.IsError())
	assert.True(t, CCBusy.IsSoftError())
	assert.False(t, CCInvalidCommand.IsSoftError())
	assert.Equal(t, "node busy", CCBusy.String())
}

func TestDeviceIDResponse(t *testing.T) {
	raw := []byte{0x20, 0x81, 0x82, 0x10, 0x02, 0xbf, 0x57, 0x01, 0x00, 0x34, 0x12}

	d := &DeviceIDResponse{}
	require.NoError(t, LE.Unpack(raw, d))
	assert.True(t, d.UpdateMode())
	assert.True(t, d.FRUInventory())
	assert.Equal(t, "2.10", d.FirmwareVersion())
	assert.Equal(t, uint32(0x0157), d.Manufacturer())
	assert.Equal(t, uint16(0x1234), d.ProductID)
	assert.Empty(t, d.AuxFirmwareRev)
}
