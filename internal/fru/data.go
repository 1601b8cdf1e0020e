package fru

import (
	"context"
	"log/slog"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// addressSpace is the size of a FRU device, offsets are 16 bit.
const addressSpace = 0x10000

// Progress is called after every fragment with the bytes moved so far.
type Progress func(done int)

type progressKey struct{}

// WithProgress returns a context carrying p for reads and writes made through
// a Redir.
func WithProgress(ctx context.Context, p Progress) context.Context {
	return context.WithValue(ctx, progressKey{}, p)
}

func progressFrom(ctx context.Context) Progress {
	p, _ := ctx.Value(progressKey{}).(Progress)
	return p
}

func checkRange(slot int, offset uint16, length int) error {
	if length < 0 || int(offset)+length > addressSpace {
		return errors.Wrapf(model.ErrInvalidParameter, "FRU slot %d: %d bytes at offset %#04x exceed the device address space", slot, length, offset)
	}

	return nil
}

// Read reads length bytes of slot starting at offset into buf, one fragment
// at a time. It returns the number of bytes copied into buf. A fragment that
// would overflow buf fails with model.ErrBufferTooSmall after the bytes before
// it were copied.
func (a *Accessor) Read(ctx context.Context, slot int, offset uint16, length int, buf []byte) (int, error) {
	return a.ReadWithProgress(ctx, slot, offset, length, buf, nil)
}

func (a *Accessor) ReadWithProgress(ctx context.Context, slot int, offset uint16, length int, buf []byte, progress Progress) (int, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}

	dev, err := a.device(slot)
	if err != nil {
		return 0, err
	}

	if err := checkRange(slot, offset, length); err != nil {
		return 0, err
	}

	var done int

	for remaining := length; remaining > 0; {
		count := min(remaining, ipmi.FRUFragmentSize)

		req := &ipmi.ReadFRUDataRequest{DeviceID: dev, Offset: offset, Count: uint8(count)}
		resp := &ipmi.ReadFRUDataResponse{}

		if err := a.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdReadFRUData, req, resp); err != nil {
			return done, err
		}

		got := int(resp.Count)
		if got == 0 {
			return done, errors.Wrapf(model.ErrNotFound, "FRU slot %d: no data at offset %d", slot, offset)
		}

		if got > count {
			slog.Warn("FRU read returned more than requested", "slot", slot, "offset", offset, "requested", count, "returned", got)
			got = count
		}

		if got > len(resp.Data) {
			return done, errors.Wrapf(model.ErrDeviceError, "FRU slot %d: count %d with %d data bytes", slot, got, len(resp.Data))
		}

		if done+got > len(buf) {
			return done, errors.Wrapf(model.ErrBufferTooSmall, "FRU slot %d: %d bytes do not fit a %d byte buffer", slot, done+got, len(buf))
		}

		copy(buf[done:], resp.Data[:got])

		done += got
		remaining -= got
		offset += uint16(got)

		if progress != nil {
			progress(done)
		}
	}

	return done, nil
}

// Write writes data to slot starting at offset, one fragment at a time, and
// returns the number of bytes the device accepted.
func (a *Accessor) Write(ctx context.Context, slot int, offset uint16, data []byte) (int, error) {
	return a.WriteWithProgress(ctx, slot, offset, data, nil)
}

func (a *Accessor) WriteWithProgress(ctx context.Context, slot int, offset uint16, data []byte, progress Progress) (int, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}

	dev, err := a.device(slot)
	if err != nil {
		return 0, err
	}

	if err := checkRange(slot, offset, len(data)); err != nil {
		return 0, err
	}

	var done int

	for done < len(data) {
		count := min(len(data)-done, ipmi.FRUFragmentSize)

		req := &ipmi.WriteFRUDataRequest{DeviceID: dev, Offset: offset, Data: data[done : done+count]}
		resp := &ipmi.WriteFRUDataResponse{}

		if err := a.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdWriteFRUData, req, resp); err != nil {
			return done, err
		}

		written := int(resp.Count)
		if written == 0 {
			return done, errors.Wrapf(model.ErrNotFound, "FRU slot %d: nothing written at offset %d", slot, offset)
		}

		written = min(written, count)

		done += written
		offset += uint16(written)

		if progress != nil {
			progress(done)
		}
	}

	return done, nil
}
