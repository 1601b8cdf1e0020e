// Package command frames IPMI requests for a transport and maps completion
// codes onto the error taxonomy.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/metrics"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/transport"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Channel submits commands to the controller through a single transport.
// It never retries.
type Channel struct {
	transport transport.Transport
	tracer    trace.Tracer
	lun       uint8
}

type Option func(*Channel)

// WithLUN addresses commands to a LUN other than the BMC LUN 0.
func WithLUN(lun uint8) Option {
	return func(c *Channel) {
		c.lun = lun & ipmi.LUNMask
	}
}

func New(t transport.Transport, opts ...Option) *Channel {
	c := &Channel{
		transport: t,
		tracer:    otel.Tracer(model.AppName + "/command"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Transport returns the underlying transport.
func (c *Channel) Transport() transport.Transport {
	return c.transport
}

// Send submits cmd with the payload data and returns the response payload
// without the completion code.
//
// Transport errors are returned unchanged. A completion code in an error range
// is returned as *ipmi.CompletionError.
func (c *Channel) Send(ctx context.Context, netFn ipmi.NetFn, cmd uint8, data []byte) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("ipmi %s %#02x", netFn, cmd),
		trace.WithAttributes(
			attribute.String("ipmi.netfn", netFn.String()),
			attribute.Int("ipmi.cmd", int(cmd)),
			attribute.String("ipmi.transport", c.transport.Kind().String()),
		),
	)
	defer span.End()

	req := &transport.Request{
		NetFn: netFn,
		LUN:   c.lun,
		Cmd:   cmd,
		Data:  data,
	}

	start := time.Now()
	resp, err := c.transport.Submit(ctx, req)
	metrics.CommandLatency.WithLabelValues(netFn.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		c.count(req, "transport-error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		slog.Debug("command failed", append(req.AsLogFields(), "error", err)...)

		return nil, err
	}

	span.SetAttributes(attribute.Int("ipmi.cc", int(resp.CompletionCode)))

	if resp.CompletionCode.IsError() {
		cerr := &ipmi.CompletionError{NetFn: netFn, Cmd: cmd, Code: resp.CompletionCode}

		c.count(req, "completion-error")
		span.SetStatus(codes.Error, cerr.Error())

		slog.Debug("command completion error", append(req.AsLogFields(), "cc", uint8(resp.CompletionCode))...)

		return nil, cerr
	}

	c.count(req, "ok")

	return resp.Data, nil
}

// Call packs request, sends it and unpacks the response payload into response.
// Either may be nil for commands without request or response data.
func (c *Channel) Call(ctx context.Context, netFn ipmi.NetFn, cmd uint8, request, response any) error {
	var data []byte

	if request != nil {
		var err error

		data, err = ipmi.LE.Pack(request)
		if err != nil {
			return errors.Wrap(model.ErrInvalidParameter, err.Error())
		}
	}

	payload, err := c.Send(ctx, netFn, cmd, data)
	if err != nil {
		return err
	}

	if response == nil {
		return nil
	}

	if err := ipmi.LE.Unpack(payload, response); err != nil {
		return errors.Wrapf(model.ErrDeviceError, "netfn %s cmd %#02x: %s", netFn, cmd, err)
	}

	return nil
}

func (c *Channel) count(req *transport.Request, result string) {
	metrics.CommandsTotal.WithLabelValues(req.NetFn.String(), fmt.Sprintf("%#02x", req.Cmd), result).Inc()
}
