package transport

import (
	"context"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

const (
	// IPMB messages are limited to 32 bytes including both checksums.
	ipmbMaxMessage     = 32
	ipmbRequestFraming = 7
	ipmbSeqMask        = 0x3f
)

// IPMBTransport frames messages for the Intelligent Platform Management Bus,
// with requester and responder slave addresses and two checksums.
type IPMBTransport struct {
	framed
	requester uint8
	responder uint8
	seq       uint8
}

type IPMBOption func(*IPMBTransport)

// WithRequesterAddress sets the slave address replies are sent to.
func WithRequesterAddress(addr uint8) IPMBOption {
	return func(t *IPMBTransport) {
		t.requester = addr
	}
}

// WithResponderAddress sets the controller slave address.
func WithResponderAddress(addr uint8) IPMBOption {
	return func(t *IPMBTransport) {
		t.responder = addr
	}
}

func NewIPMB(link Link, opts ...IPMBOption) *IPMBTransport {
	t := &IPMBTransport{
		framed:    framed{kind: IPMB, link: link, maxResponse: ipmbMaxMessage, soft: softErrors{limit: MaxSoftErrors}},
		requester: ipmi.RemoteSWAddress,
		responder: ipmi.BMCSlaveAddress,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *IPMBTransport) Submit(ctx context.Context, req *Request) (*Response, error) {
	t.seq = (t.seq + 1) & ipmbSeqMask

	return t.submit(ctx, req, ipmbCodec{
		requester: t.requester,
		responder: t.responder,
		seq:       t.seq,
	})
}

type ipmbCodec struct {
	requester uint8
	responder uint8
	seq       uint8
}

func (c ipmbCodec) encode(req *Request) ([]byte, error) {
	if err := checkRequestSize(IPMB, req, ipmbMaxMessage-ipmbRequestFraming); err != nil {
		return nil, err
	}

	body, err := ipmi.LE.Pack(&ipmi.RequestBody{
		SourceAddr: c.requester,
		SeqLUN:     ipmi.SeqLUN(c.seq, ipmi.DefaultRequesterLUN),
		Cmd:        req.Cmd,
		Data:       req.Data,
	})
	if err != nil {
		return nil, err
	}

	return ipmi.LE.Pack(&ipmi.MessageHeader{
		DestAddr: c.responder,
		NetFnLUN: ipmi.NetFnLUN(req.NetFn, req.LUN),
		Body:     body,
	})
}

func (c ipmbCodec) decode(req *Request, frame []byte) (*Response, error) {
	hdr := &ipmi.MessageHeader{}
	if err := ipmi.LE.Unpack(frame, hdr); err != nil {
		return nil, errors.Wrap(model.ErrDeviceError, "ipmb header: "+err.Error())
	}

	if hdr.DestAddr != c.requester {
		return nil, mismatch(IPMB, "requester address", hdr.DestAddr, c.requester)
	}

	netFn, _ := ipmi.SplitNetFnLUN(hdr.NetFnLUN)
	if netFn != req.NetFn.Response() {
		return nil, mismatch(IPMB, "netfn", uint8(netFn), uint8(req.NetFn.Response()))
	}

	body := &ipmi.ResponseBody{}
	if err := ipmi.LE.Unpack(hdr.Body, body); err != nil {
		return nil, errors.Wrap(model.ErrDeviceError, "ipmb body: "+err.Error())
	}

	if body.SourceAddr != c.responder {
		return nil, mismatch(IPMB, "responder address", body.SourceAddr, c.responder)
	}

	if seq := body.SeqLUN >> 2; seq != c.seq {
		return nil, mismatch(IPMB, "seq", seq, c.seq)
	}

	if body.Cmd != req.Cmd {
		return nil, mismatch(IPMB, "cmd", body.Cmd, req.Cmd)
	}

	return &Response{CompletionCode: ipmi.CompletionCode(body.CompletionCode), Data: body.Data}, nil
}
