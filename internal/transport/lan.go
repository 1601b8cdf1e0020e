package transport

import (
	"context"
	"crypto/md5" // nolint:gosec // MD5 is the IPMI v1.5 authentication algorithm
	"encoding/binary"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

/*
 * Session sequence:
 * RMCP/ASF Ping/Pong - to verify IPMI support
 * GetChannelAuthCap - see what auth support exists
 * GetSessionChallenge - start auth
 * ActivateSession - finish auth/activate session
 * SetPrivLevel - set our privilege level
 * ...
 * CloseSession - bye!
 */

const (
	lanMaxDatagram   = 1500
	lanMaxUserName   = 16
	lanInitialSeq    = 1
	lanSeqMask       = 0x3f
	lanMaxRequestLen = 0xff - 7
)

var (
	ErrSessionNotActive = errors.New("lan session not active")
	ErrAuthUnsupported  = errors.New("lan authentication type not supported by channel")
)

// LANConfig describes an IPMI v1.5 over LAN session.
type LANConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	AuthType  string
	Privilege uint8
	Timeout   time.Duration
}

// LANTransport talks to a controller over an RMCP/IPMI v1.5 session on UDP.
type LANTransport struct {
	cfg       LANConfig
	conn      net.Conn
	dialer    net.Dialer
	authType  uint8
	password  [ipmi.AuthCodeSize]byte
	sessionID uint32
	outSeq    uint32
	rqSeq     uint8
	active    bool
	soft      softErrors
}

func NewLAN(cfg LANConfig) *LANTransport {
	if cfg.Port == 0 {
		cfg.Port = ipmi.RMCPPort
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Privilege == 0 {
		cfg.Privilege = ipmi.PrivilegeAdmin
	}

	t := &LANTransport{cfg: cfg, soft: softErrors{limit: MaxSoftErrors}}
	copy(t.password[:], cfg.Password)

	return t
}

func (t *LANTransport) Kind() Kind {
	return LAN
}

func authTypeFromString(s string) (authType, supportBit uint8, err error) {
	switch s {
	case "md5", "":
		return ipmi.AuthTypeMD5, ipmi.AuthTypeSupportMD5, nil
	case "password":
		return ipmi.AuthTypePassword, ipmi.AuthTypeSupportPasswd, nil
	case "none":
		return ipmi.AuthTypeNone, ipmi.AuthTypeSupportNone, nil
	default:
		return 0, 0, errors.Wrap(model.ErrInvalidParameter, "lan auth type: "+s)
	}
}

// Open dials the controller and establishes an authenticated session.
// nolint:gocyclo // session establishment is a fixed sequence of checked steps
func (t *LANTransport) Open(ctx context.Context) error {
	authType, supportBit, err := authTypeFromString(t.cfg.AuthType)
	if err != nil {
		return err
	}

	if len(t.cfg.Username) > lanMaxUserName {
		return errors.Wrap(model.ErrInvalidParameter, "lan username longer than 16 bytes")
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	t.conn, err = t.dialer.DialContext(ctx, "udp4", addr)
	if err != nil {
		return errors.Wrap(model.ErrNoResponse, err.Error())
	}

	if err = t.ping(ctx); err != nil {
		return err
	}

	capReq := ipmi.LE.MustPack(&ipmi.ChanAuthCapRequest{
		Channel:   ipmi.ChanAuthCapCurrentChannel,
		Privilege: t.cfg.Privilege,
	})

	capabilities := &ipmi.ChanAuthCapResponse{}
	if err = t.command(ctx, ipmi.CmdGetChanAuthCap, capReq, capabilities); err != nil {
		return errors.Wrap(err, "get channel auth capabilities")
	}

	if capabilities.AuthTypeSupport&supportBit == 0 {
		return errors.Wrapf(ErrAuthUnsupported, "requested %q, channel supports %#02x", t.cfg.AuthType, capabilities.AuthTypeSupport)
	}

	challengeReq := &ipmi.SessionChallengeRequest{AuthType: authType}
	copy(challengeReq.Username[:], t.cfg.Username)

	challenge := &ipmi.SessionChallengeResponse{}
	if err = t.command(ctx, ipmi.CmdGetSessionChallenge, ipmi.LE.MustPack(challengeReq), challenge); err != nil {
		return errors.Wrap(err, "get session challenge")
	}

	t.sessionID = challenge.SessionID
	t.authType = authType

	activateReq := ipmi.LE.MustPack(&ipmi.ActivateSessionRequest{
		AuthType:        authType,
		Privilege:       t.cfg.Privilege,
		Challenge:       challenge.Challenge,
		InitialSequence: lanInitialSeq,
	})

	activated := &ipmi.ActivateSessionResponse{}
	if err = t.command(ctx, ipmi.CmdActivateSession, activateReq, activated); err != nil {
		return errors.Wrap(err, "activate session")
	}

	if activated.MaxPrivilege < t.cfg.Privilege {
		return errors.Wrapf(model.ErrDeviceError, "session privilege %d below requested %d", activated.MaxPrivilege, t.cfg.Privilege)
	}

	t.authType = activated.AuthType
	t.sessionID = activated.SessionID
	t.outSeq = activated.InitialSequence
	t.active = true

	resp, err := t.chat(ctx, ipmi.NetFnApp, 0, ipmi.CmdSetSessionPrivilege, []byte{t.cfg.Privilege})
	if err != nil {
		return errors.Wrap(err, "set session privilege")
	}

	if resp.CompletionCode.IsError() || len(resp.Data) == 0 || resp.Data[0] != t.cfg.Privilege {
		return errors.Wrap(model.ErrDeviceError, "failed to set session privilege")
	}

	slog.Debug("lan session active", "host", t.cfg.Host, "sessionID", t.sessionID, "authType", t.authType)

	return nil
}

// Close ends the session, the close session result is not checked.
func (t *LANTransport) Close() error {
	if t.conn == nil {
		return nil
	}

	if t.active {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
		defer cancel()

		sid := make([]byte, 4)
		binary.LittleEndian.PutUint32(sid, t.sessionID)

		_, _ = t.chat(ctx, ipmi.NetFnApp, 0, ipmi.CmdCloseSession, sid)
		t.active = false
	}

	return t.conn.Close()
}

func (t *LANTransport) ResetSoftErrors() {
	t.soft.reset()
}

func (t *LANTransport) Submit(ctx context.Context, req *Request) (*Response, error) {
	if !t.active {
		return nil, errors.Wrap(model.ErrDeviceError, ErrSessionNotActive.Error())
	}

	if err := t.soft.check(); err != nil {
		return nil, err
	}

	if err := checkRequestSize(LAN, req, lanMaxRequestLen); err != nil {
		return nil, err
	}

	resp, err := t.chat(ctx, req.NetFn, req.LUN, req.Cmd, req.Data)
	if err != nil {
		t.soft.observe(0, err)
		return nil, err
	}

	t.soft.observe(resp.CompletionCode, nil)

	return resp, nil
}

// command runs a session setup command and decodes a successful response into out.
func (t *LANTransport) command(ctx context.Context, cmd uint8, data []byte, out any) error {
	resp, err := t.chat(ctx, ipmi.NetFnApp, 0, cmd, data)
	if err != nil {
		return err
	}

	if resp.CompletionCode != ipmi.CCNormal {
		return &ipmi.CompletionError{NetFn: ipmi.NetFnApp, Cmd: cmd, Code: resp.CompletionCode}
	}

	if err := ipmi.LE.Unpack(resp.Data, out); err != nil {
		return errors.Wrap(model.ErrDeviceError, err.Error())
	}

	return nil
}

func (t *LANTransport) ping(ctx context.Context) error {
	asf := ipmi.BE.MustPack(&ipmi.ASFMessageHeader{
		IANA: ipmi.ASFIANA,
		Type: ipmi.ASFTypePing,
	})

	packet := ipmi.BE.MustPack(&ipmi.RMCPHeader{
		Version:  ipmi.RMCPVersion1_0,
		Sequence: ipmi.RMCPSeqNoACK,
		Class:    ipmi.RMCPClassASF,
		Data:     asf,
	})

	if err := t.write(packet); err != nil {
		return err
	}

	return t.readUntil(ctx, func(rmcp *ipmi.RMCPHeader) (bool, error) {
		if rmcp.Class != ipmi.RMCPClassASF {
			return false, nil
		}

		hdr := &ipmi.ASFMessageHeader{}
		if err := ipmi.BE.Unpack(rmcp.Data, hdr); err != nil || hdr.Type != ipmi.ASFTypePong {
			return false, nil
		}

		pong := &ipmi.ASFMessagePong{}
		if err := ipmi.BE.Unpack(hdr.Data, pong); err != nil {
			return false, errors.Wrap(model.ErrDeviceError, "asf pong: "+err.Error())
		}

		if pong.Entities&ipmi.ASFEntitiesIPMISupport == 0 {
			return false, errors.Wrap(model.ErrUnsupported, "remote host does not support IPMI")
		}

		return true, nil
	})
}

func (t *LANTransport) chat(ctx context.Context, netFn ipmi.NetFn, lun, cmd uint8, data []byte) (*Response, error) {
	t.rqSeq = (t.rqSeq + 1) & lanSeqMask
	seq := t.rqSeq

	body := ipmi.LE.MustPack(&ipmi.RequestBody{
		SourceAddr: ipmi.RemoteSWAddress,
		SeqLUN:     ipmi.SeqLUN(seq, ipmi.DefaultRequesterLUN),
		Cmd:        cmd,
		Data:       data,
	})

	msg := ipmi.LE.MustPack(&ipmi.MessageHeader{
		DestAddr: ipmi.BMCSlaveAddress,
		NetFnLUN: ipmi.NetFnLUN(netFn, lun),
		Body:     body,
	})

	session := &ipmi.SessionHeader{
		AuthType:  t.authType,
		Sequence:  t.outSeq,
		SessionID: t.sessionID,
		Payload:   msg,
	}

	switch t.authType {
	case ipmi.AuthTypeMD5:
		session.AuthCode = t.md5AuthCode(msg)
	case ipmi.AuthTypePassword:
		session.AuthCode = t.password[:]
	}

	if t.active {
		t.outSeq++
	}

	packet := ipmi.BE.MustPack(&ipmi.RMCPHeader{
		Version:  ipmi.RMCPVersion1_0,
		Sequence: ipmi.RMCPSeqNoACK,
		Class:    ipmi.RMCPClassIPMI,
		Data:     ipmi.LE.MustPack(session),
	})

	if err := t.write(packet); err != nil {
		return nil, err
	}

	var resp *Response

	err := t.readUntil(ctx, func(rmcp *ipmi.RMCPHeader) (bool, error) {
		if rmcp.Class != ipmi.RMCPClassIPMI {
			return false, nil
		}

		sess := &ipmi.SessionHeader{}
		if err := ipmi.LE.Unpack(rmcp.Data, sess); err != nil {
			return false, nil
		}

		hdr := &ipmi.MessageHeader{}
		if err := ipmi.LE.Unpack(sess.Payload, hdr); err != nil {
			slog.Debug("lan: dropping message with bad header", "error", err)
			return false, nil
		}

		gotNetFn, _ := ipmi.SplitNetFnLUN(hdr.NetFnLUN)
		if gotNetFn != netFn.Response() {
			return false, nil
		}

		rb := &ipmi.ResponseBody{}
		if err := ipmi.LE.Unpack(hdr.Body, rb); err != nil {
			slog.Debug("lan: dropping message with bad body", "error", err)
			return false, nil
		}

		if rb.SeqLUN>>2 != seq || rb.Cmd != cmd {
			return false, nil
		}

		resp = &Response{CompletionCode: ipmi.CompletionCode(rb.CompletionCode), Data: rb.Data}

		return true, nil
	})

	return resp, err
}

func (t *LANTransport) write(packet []byte) error {
	n, err := t.conn.Write(packet)
	if err != nil {
		return errors.Wrap(model.ErrDeviceError, err.Error())
	}

	if n != len(packet) {
		return errors.Wrap(model.ErrDeviceError, "short datagram write")
	}

	return nil
}

// readUntil reads datagrams until match accepts one, returns an error, or
// the deadline passes.
func (t *LANTransport) readUntil(ctx context.Context, match func(*ipmi.RMCPHeader) (bool, error)) error {
	deadline := time.Now().Add(t.cfg.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return errors.Wrap(model.ErrDeviceError, err.Error())
	}

	buf := make([]byte, lanMaxDatagram)

	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(model.ErrNoResponse, err.Error())
		}

		n, err := t.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errors.Wrap(model.ErrNoResponse, "lan: "+err.Error())
			}

			return errors.Wrap(model.ErrDeviceError, err.Error())
		}

		rmcp := &ipmi.RMCPHeader{}
		if err := ipmi.BE.Unpack(buf[:n], rmcp); err != nil {
			continue
		}

		done, err := match(rmcp)
		if err != nil {
			return err
		}

		if done {
			return nil
		}
	}
}

// md5AuthCode signs a message: MD5(password, session id, message, session sequence, password).
func (t *LANTransport) md5AuthCode(msg []byte) []byte {
	h := md5.New() // nolint:gosec // MD5 is the IPMI v1.5 authentication algorithm

	var sid, seq [4]byte
	binary.LittleEndian.PutUint32(sid[:], t.sessionID)
	binary.LittleEndian.PutUint32(seq[:], t.outSeq)

	h.Write(t.password[:])
	h.Write(sid[:])
	h.Write(msg)
	h.Write(seq[:])
	h.Write(t.password[:])

	return h.Sum(nil)
}
