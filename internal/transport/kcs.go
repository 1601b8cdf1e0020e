package transport

import (
	"context"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

const (
	kcsMaxRequestData = 253
	kcsMaxFrame       = 256
)

// KCSTransport frames messages for a Keyboard Controller Style interface:
// netfn/LUN, command and data, answered by netfn/LUN, command, completion
// code and data.
type KCSTransport struct {
	framed
}

func NewKCS(link Link) *KCSTransport {
	return &KCSTransport{
		framed: framed{kind: KCS, link: link, maxResponse: kcsMaxFrame},
	}
}

func (t *KCSTransport) Submit(ctx context.Context, req *Request) (*Response, error) {
	return t.submit(ctx, req, kcsCodec{})
}

type kcsCodec struct{}

func (kcsCodec) encode(req *Request) ([]byte, error) {
	if err := checkRequestSize(KCS, req, kcsMaxRequestData); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 2+len(req.Data))
	frame = append(frame, ipmi.NetFnLUN(req.NetFn, req.LUN), req.Cmd)

	return append(frame, req.Data...), nil
}

func (kcsCodec) decode(req *Request, frame []byte) (*Response, error) {
	return decodeSystemResponse(KCS, req, frame)
}

// decodeSystemResponse decodes the netfn/LUN, cmd, completion code, data
// layout shared by the KCS and SSIF interfaces.
func decodeSystemResponse(kind Kind, req *Request, frame []byte) (*Response, error) {
	if len(frame) < 3 {
		return nil, errors.Wrapf(model.ErrDeviceError, "%s response too short: %d bytes", kind, len(frame))
	}

	netFn, _ := ipmi.SplitNetFnLUN(frame[0])
	if netFn != req.NetFn.Response() {
		return nil, mismatch(kind, "netfn", uint8(netFn), uint8(req.NetFn.Response()))
	}

	if frame[1] != req.Cmd {
		return nil, mismatch(kind, "cmd", frame[1], req.Cmd)
	}

	data := make([]byte, len(frame)-3)
	copy(data, frame[3:])

	return &Response{CompletionCode: ipmi.CompletionCode(frame[2]), Data: data}, nil
}
