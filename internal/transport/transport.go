package transport

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// MaxSoftErrors is the number of consecutive failed exchanges after which the
// BT, SSIF, IPMB and LAN transports stop talking to the controller until
// ResetSoftErrors is called. KCS is never gated.
const MaxSoftErrors = 10

// Request is a single IPMI command addressed to the controller.
type Request struct {
	NetFn ipmi.NetFn
	LUN   uint8
	Cmd   uint8
	Data  []byte
}

func (r *Request) AsLogFields() []any {
	return []any{
		"netfn", r.NetFn.String(),
		"lun", r.LUN,
		"cmd", r.Cmd,
		"len", len(r.Data),
	}
}

// Response is the controller answer to a Request. Data excludes the completion code.
type Response struct {
	CompletionCode ipmi.CompletionCode
	Data           []byte
}

// Transport submits commands to the controller over one physical interface.
// Implementations never retry, retry policy belongs to the caller.
//
// Errors returned match model.ErrNoResponse, model.ErrDeviceError or
// model.ErrBufferTooSmall with errors.Is.
type Transport interface {
	Kind() Kind
	Submit(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// Link moves whole frames between a transport and the controller.
type Link interface {
	// Exchange writes a request frame and returns the response frame.
	Exchange(ctx context.Context, frame []byte) ([]byte, error)
	Close() error
}

// SMBus is the block read/write access the SSIF transport needs.
type SMBus interface {
	BlockWrite(ctx context.Context, cmd uint8, data []byte) error
	BlockRead(ctx context.Context, cmd uint8) ([]byte, error)
	Close() error
}

// softErrors counts consecutive failed exchanges and soft completion codes.
// A zero limit never gates.
type softErrors struct {
	limit int
	count int
}

func (s *softErrors) check() error {
	if s.limit > 0 && s.count >= s.limit {
		return errors.Wrapf(model.ErrDeviceError, "soft error limit reached (%d)", s.count)
	}

	return nil
}

func (s *softErrors) observe(cc ipmi.CompletionCode, err error) {
	switch {
	case errors.Is(err, model.ErrNoResponse), errors.Is(err, context.DeadlineExceeded):
		// a silent controller is left to the caller's retry budget
		return
	case err != nil || cc.IsSoftError():
		s.count++
	default:
		s.count = 0
	}
}

func (s *softErrors) reset() {
	s.count = 0
}

// codec frames requests and decodes responses for a Link based transport.
type codec interface {
	encode(req *Request) ([]byte, error)
	decode(req *Request, frame []byte) (*Response, error)
}

// framed is the shared Submit implementation of the Link based transports.
type framed struct {
	kind        Kind
	link        Link
	maxResponse int
	soft        softErrors
}

func (f *framed) Kind() Kind {
	return f.kind
}

func (f *framed) Close() error {
	return f.link.Close()
}

// ResetSoftErrors clears the soft error count so the transport talks to the
// controller again after reaching MaxSoftErrors.
func (f *framed) ResetSoftErrors() {
	f.soft.reset()
}

func (f *framed) submit(ctx context.Context, req *Request, c codec) (*Response, error) {
	if err := f.soft.check(); err != nil {
		return nil, err
	}

	frame, err := c.encode(req)
	if err != nil {
		return nil, err
	}

	slog.Debug("transport request", "kind", f.kind.String(), "frame", hex.EncodeToString(frame))

	raw, err := f.link.Exchange(ctx, frame)
	if err != nil {
		f.soft.observe(0, err)
		return nil, linkError(err)
	}

	slog.Debug("transport response", "kind", f.kind.String(), "frame", hex.EncodeToString(raw))

	if f.maxResponse > 0 && len(raw) > f.maxResponse {
		f.soft.observe(0, model.ErrBufferTooSmall)
		return nil, errors.Wrapf(model.ErrBufferTooSmall, "%s response of %d bytes exceeds %d", f.kind, len(raw), f.maxResponse)
	}

	resp, err := c.decode(req, raw)
	if err != nil {
		f.soft.observe(0, err)
		return nil, err
	}

	f.soft.observe(resp.CompletionCode, nil)

	return resp, nil
}

// linkError keeps link failures inside the transport error taxonomy.
func linkError(err error) error {
	switch {
	case errors.Is(err, model.ErrNoResponse),
		errors.Is(err, model.ErrDeviceError),
		errors.Is(err, model.ErrBufferTooSmall):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(model.ErrNoResponse, err.Error())
	default:
		return errors.Wrap(model.ErrDeviceError, err.Error())
	}
}

func checkRequestSize(kind Kind, req *Request, limit int) error {
	if len(req.Data) > limit {
		return errors.Wrapf(model.ErrBufferTooSmall, "%s request payload of %d bytes exceeds %d", kind, len(req.Data), limit)
	}

	return nil
}

func mismatch(kind Kind, what string, got, want uint8) error {
	return errors.Wrapf(model.ErrDeviceError, "%s response %s mismatch: got %#02x want %#02x", kind, what, got, want)
}
