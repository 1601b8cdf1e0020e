package transport

import (
	"context"
	"os"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

const (
	DefaultTimeout     = 5 * time.Second
	deviceReadBufferSz = 1024
)

// DeviceLink exchanges frames with a character device that accepts one
// request frame per write and returns one response frame per read, such as
// the Linux ipmb-dev-int or BMC side KCS/BT devices.
type DeviceLink struct {
	path    string
	file    *os.File
	timeout time.Duration
}

// OpenDevice opens the character device at path.
func OpenDevice(path string, timeout time.Duration) (*DeviceLink, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(model.ErrDeviceError, err.Error())
	}

	return &DeviceLink{path: path, file: f, timeout: timeout}, nil
}

func (d *DeviceLink) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	// devices without poll support return os.ErrNoDeadline, reads then block
	if err := d.file.SetDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return nil, errors.Wrap(model.ErrDeviceError, err.Error())
	}

	if _, err := d.file.Write(frame); err != nil {
		return nil, d.ioError("write", err)
	}

	buf := make([]byte, deviceReadBufferSz)

	n, err := d.file.Read(buf)
	if err != nil {
		return nil, d.ioError("read", err)
	}

	return buf[:n], nil
}

func (d *DeviceLink) ioError(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.Wrapf(model.ErrNoResponse, "%s %s: %s", op, d.path, err)
	}

	return errors.Wrapf(model.ErrDeviceError, "%s %s: %s", op, d.path, err)
}

func (d *DeviceLink) Close() error {
	return d.file.Close()
}
