package transport

import (
	"context"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

const (
	// the BT length byte counts netfn/LUN, seq, cmd and data.
	btHeaderLen       = 3
	btMaxRequestData  = 0xff - btHeaderLen
	btMaxFrame        = 0x100
	btResponseMinSize = 5
)

// BTTransport frames messages for a Block Transfer interface. Every request
// carries a sequence number the controller echoes back.
type BTTransport struct {
	framed
	seq uint8
}

func NewBT(link Link) *BTTransport {
	return &BTTransport{
		framed: framed{kind: BT, link: link, maxResponse: btMaxFrame, soft: softErrors{limit: MaxSoftErrors}},
	}
}

func (t *BTTransport) Submit(ctx context.Context, req *Request) (*Response, error) {
	t.seq++
	return t.submit(ctx, req, btCodec{seq: t.seq})
}

type btCodec struct {
	seq uint8
}

func (c btCodec) encode(req *Request) ([]byte, error) {
	if err := checkRequestSize(BT, req, btMaxRequestData); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 1+btHeaderLen+len(req.Data))
	frame = append(frame,
		uint8(btHeaderLen+len(req.Data)),
		ipmi.NetFnLUN(req.NetFn, req.LUN),
		c.seq,
		req.Cmd,
	)

	return append(frame, req.Data...), nil
}

func (c btCodec) decode(req *Request, frame []byte) (*Response, error) {
	if len(frame) < btResponseMinSize {
		return nil, errors.Wrapf(model.ErrDeviceError, "bt response too short: %d bytes", len(frame))
	}

	if int(frame[0]) != len(frame)-1 {
		return nil, mismatch(BT, "length", frame[0], uint8(len(frame)-1))
	}

	netFn, _ := ipmi.SplitNetFnLUN(frame[1])
	if netFn != req.NetFn.Response() {
		return nil, mismatch(BT, "netfn", uint8(netFn), uint8(req.NetFn.Response()))
	}

	if frame[2] != c.seq {
		return nil, mismatch(BT, "seq", frame[2], c.seq)
	}

	if frame[3] != req.Cmd {
		return nil, mismatch(BT, "cmd", frame[3], req.Cmd)
	}

	data := make([]byte, len(frame)-btResponseMinSize)
	copy(data, frame[btResponseMinSize:])

	return &Response{CompletionCode: ipmi.CompletionCode(frame[4]), Data: data}, nil
}
