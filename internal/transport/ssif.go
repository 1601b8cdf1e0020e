package transport

import (
	"context"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// SMBus commands of the SMBus System Interface.
const (
	ssifSingleWrite      uint8 = 0x02
	ssifSingleRead       uint8 = 0x03
	ssifMultiWriteStart  uint8 = 0x06
	ssifMultiWriteMiddle uint8 = 0x07
	ssifMultiWriteEnd    uint8 = 0x08
	ssifMultiReadMiddle  uint8 = 0x09

	ssifBlockSize       = 32
	ssifMultiReadEnd    = 0xff
	ssifMaxReadBlocks   = 0xfe
	ssifMaxRequestData  = 0xff - 2
	ssifMultiReadMarker = 0x0001
)

// SSIFTransport carries messages over SMBus block reads and writes, splitting
// messages longer than one block into multi-part transactions.
type SSIFTransport struct {
	bus  SMBus
	soft softErrors
}

func NewSSIF(bus SMBus) *SSIFTransport {
	return &SSIFTransport{bus: bus, soft: softErrors{limit: MaxSoftErrors}}
}

func (t *SSIFTransport) Kind() Kind {
	return SSIF
}

func (t *SSIFTransport) Close() error {
	return t.bus.Close()
}

func (t *SSIFTransport) ResetSoftErrors() {
	t.soft.reset()
}

func (t *SSIFTransport) Submit(ctx context.Context, req *Request) (*Response, error) {
	if err := t.soft.check(); err != nil {
		return nil, err
	}

	if err := checkRequestSize(SSIF, req, ssifMaxRequestData); err != nil {
		return nil, err
	}

	msg := make([]byte, 0, 2+len(req.Data))
	msg = append(msg, ipmi.NetFnLUN(req.NetFn, req.LUN), req.Cmd)
	msg = append(msg, req.Data...)

	if err := t.write(ctx, msg); err != nil {
		t.soft.observe(0, err)
		return nil, linkError(err)
	}

	frame, err := t.read(ctx)
	if err != nil {
		t.soft.observe(0, err)
		return nil, linkError(err)
	}

	resp, err := decodeSystemResponse(SSIF, req, frame)
	if err != nil {
		t.soft.observe(0, err)
		return nil, err
	}

	t.soft.observe(resp.CompletionCode, nil)

	return resp, nil
}

func (t *SSIFTransport) write(ctx context.Context, msg []byte) error {
	if len(msg) <= ssifBlockSize {
		return t.bus.BlockWrite(ctx, ssifSingleWrite, msg)
	}

	if err := t.bus.BlockWrite(ctx, ssifMultiWriteStart, msg[:ssifBlockSize]); err != nil {
		return err
	}

	rest := msg[ssifBlockSize:]
	for len(rest) > ssifBlockSize {
		if err := t.bus.BlockWrite(ctx, ssifMultiWriteMiddle, rest[:ssifBlockSize]); err != nil {
			return err
		}

		rest = rest[ssifBlockSize:]
	}

	return t.bus.BlockWrite(ctx, ssifMultiWriteEnd, rest)
}

func (t *SSIFTransport) read(ctx context.Context) ([]byte, error) {
	first, err := t.bus.BlockRead(ctx, ssifSingleRead)
	if err != nil {
		return nil, err
	}

	// a multi-part read starts with the 0x00 0x01 marker
	if len(first) < 2 || uint16(first[0])<<8|uint16(first[1]) != ssifMultiReadMarker {
		return first, nil
	}

	msg := append([]byte{}, first[2:]...)

	for block := 0; ; block++ {
		if block > ssifMaxReadBlocks {
			return nil, errors.Wrap(model.ErrBufferTooSmall, "ssif multi-part read exceeds block limit")
		}

		next, err := t.bus.BlockRead(ctx, ssifMultiReadMiddle)
		if err != nil {
			return nil, err
		}

		if len(next) == 0 {
			return nil, errors.Wrap(model.ErrDeviceError, "ssif empty multi-part block")
		}

		msg = append(msg, next[1:]...)

		if next[0] == ssifMultiReadEnd {
			return msg, nil
		}

		if int(next[0]) != block {
			return nil, mismatch(SSIF, "block number", next[0], uint8(block))
		}
	}
}
