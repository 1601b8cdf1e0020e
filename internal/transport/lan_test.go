package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLANBMC answers the RMCP presence ping, the session setup commands and
// Get Device ID on a loopback UDP socket.
type fakeLANBMC struct {
	conn     net.PacketConn
	mu       sync.Mutex
	commands []uint8
	silent   bool
}

func newFakeLANBMC(t *testing.T, silent bool) *fakeLANBMC {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeLANBMC{conn: conn, silent: silent}
	go b.serve()

	t.Cleanup(func() { conn.Close() })

	return b
}

func (b *fakeLANBMC) port() int {
	return b.conn.LocalAddr().(*net.UDPAddr).Port
}

func (b *fakeLANBMC) seen() []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]uint8{}, b.commands...)
}

func (b *fakeLANBMC) serve() {
	buf := make([]byte, lanMaxDatagram)

	for {
		n, addr, err := b.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		if b.silent {
			continue
		}

		reply := b.handle(buf[:n])
		if reply != nil {
			_, _ = b.conn.WriteTo(reply, addr)
		}
	}
}

func (b *fakeLANBMC) handle(packet []byte) []byte {
	rmcp := &ipmi.RMCPHeader{}
	if err := ipmi.BE.Unpack(packet, rmcp); err != nil {
		return nil
	}

	if rmcp.Class == ipmi.RMCPClassASF {
		pong := ipmi.BE.MustPack(&ipmi.ASFMessagePong{IANA: ipmi.ASFIANA, Entities: ipmi.ASFEntitiesIPMISupport | 0x01})
		asf := ipmi.BE.MustPack(&ipmi.ASFMessageHeader{IANA: ipmi.ASFIANA, Type: ipmi.ASFTypePong, Data: pong})

		return ipmi.BE.MustPack(&ipmi.RMCPHeader{Version: ipmi.RMCPVersion1_0, Sequence: ipmi.RMCPSeqNoACK, Class: ipmi.RMCPClassASF, Data: asf})
	}

	sess := &ipmi.SessionHeader{}
	if err := ipmi.LE.Unpack(rmcp.Data, sess); err != nil {
		return nil
	}

	hdr := &ipmi.MessageHeader{}
	if err := ipmi.LE.Unpack(sess.Payload, hdr); err != nil {
		return nil
	}

	req := &ipmi.RequestBody{}
	if err := ipmi.LE.Unpack(hdr.Body, req); err != nil {
		return nil
	}

	b.mu.Lock()
	b.commands = append(b.commands, req.Cmd)
	b.mu.Unlock()

	var data []byte

	switch req.Cmd {
	case ipmi.CmdGetChanAuthCap:
		data = ipmi.LE.MustPack(&ipmi.ChanAuthCapResponse{Channel: 1, AuthTypeSupport: ipmi.AuthTypeSupportMD5 | ipmi.AuthTypeSupportNone})
	case ipmi.CmdGetSessionChallenge:
		data = ipmi.LE.MustPack(&ipmi.SessionChallengeResponse{SessionID: 0x11223344})
	case ipmi.CmdActivateSession:
		data = ipmi.LE.MustPack(&ipmi.ActivateSessionResponse{
			AuthType:        ipmi.AuthTypeMD5,
			SessionID:       0x55667788,
			InitialSequence: 100,
			MaxPrivilege:    ipmi.PrivilegeAdmin,
		})
	case ipmi.CmdSetSessionPrivilege:
		data = []byte{req.Data[0]}
	case ipmi.CmdGetDeviceID:
		data = []byte{0x20, 0x01, 0x02, 0x03, 0x02, 0x08, 0x57, 0x01, 0x00, 0x01, 0x00}
	case ipmi.CmdCloseSession:
	default:
		return nil
	}

	netFn, _ := ipmi.SplitNetFnLUN(hdr.NetFnLUN)

	body := ipmi.LE.MustPack(&ipmi.ResponseBody{SourceAddr: ipmi.BMCSlaveAddress, SeqLUN: req.SeqLUN, Cmd: req.Cmd, Data: data})
	msg := ipmi.LE.MustPack(&ipmi.MessageHeader{DestAddr: req.SourceAddr, NetFnLUN: ipmi.NetFnLUN(netFn.Response(), 0), Body: body})
	respSess := ipmi.LE.MustPack(&ipmi.SessionHeader{SessionID: sess.SessionID, Payload: msg})

	return ipmi.BE.MustPack(&ipmi.RMCPHeader{Version: ipmi.RMCPVersion1_0, Sequence: ipmi.RMCPSeqNoACK, Class: ipmi.RMCPClassIPMI, Data: respSess})
}

func TestLANSession(t *testing.T) {
	bmc := newFakeLANBMC(t, false)

	lan := NewLAN(LANConfig{
		Host:     "127.0.0.1",
		Port:     bmc.port(),
		Username: "admin",
		Password: "secret",
		Timeout:  2 * time.Second,
	})

	ctx := context.Background()
	require.NoError(t, lan.Open(ctx))
	assert.Equal(t, uint32(0x55667788), lan.sessionID)

	resp, err := lan.Submit(ctx, getDeviceID())
	require.NoError(t, err)
	assert.Equal(t, ipmi.CCNormal, resp.CompletionCode)
	assert.Equal(t, uint8(0x20), resp.Data[0])

	// set privilege consumed sequence 100, the device id request 101
	assert.Equal(t, uint32(102), lan.outSeq)

	require.NoError(t, lan.Close())

	assert.Eventually(t, func() bool {
		return len(bmc.seen()) == 6
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []uint8{
		ipmi.CmdGetChanAuthCap,
		ipmi.CmdGetSessionChallenge,
		ipmi.CmdActivateSession,
		ipmi.CmdSetSessionPrivilege,
		ipmi.CmdGetDeviceID,
		ipmi.CmdCloseSession,
	}, bmc.seen())
}

func TestLANSubmitWithoutSession(t *testing.T) {
	_, err := NewLAN(LANConfig{Host: "127.0.0.1"}).Submit(context.Background(), getDeviceID())
	assert.True(t, errors.Is(err, model.ErrDeviceError))
}

func TestLANNoResponse(t *testing.T) {
	bmc := newFakeLANBMC(t, true)

	lan := NewLAN(LANConfig{Host: "127.0.0.1", Port: bmc.port(), Timeout: 100 * time.Millisecond})

	err := lan.Open(context.Background())
	assert.True(t, errors.Is(err, model.ErrNoResponse), err)
}

func TestLANUnsupportedAuth(t *testing.T) {
	bmc := newFakeLANBMC(t, false)

	lan := NewLAN(LANConfig{Host: "127.0.0.1", Port: bmc.port(), AuthType: "password", Timeout: time.Second})

	err := lan.Open(context.Background())
	assert.True(t, errors.Is(err, ErrAuthUnsupported), err)
}

func TestMD5AuthCode(t *testing.T) {
	lan := NewLAN(LANConfig{Password: "secret"})
	lan.sessionID = 1
	lan.outSeq = 2

	first := lan.md5AuthCode([]byte{0x20, 0x18})
	assert.Len(t, first, ipmi.AuthCodeSize)

	lan.outSeq = 3
	assert.NotEqual(t, first, lan.md5AuthCode([]byte{0x20, 0x18}))
}
