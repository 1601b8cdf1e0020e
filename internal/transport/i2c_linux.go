//go:build linux

package transport

import (
	"context"
	"os"
	"runtime"
	"unsafe"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// i2c-dev ioctl requests and SMBus transaction types, from linux/i2c-dev.h.
const (
	i2cSlave          = 0x0703
	i2cSMBus          = 0x0720
	i2cSMBusRead      = 1
	i2cSMBusWrite     = 0
	i2cSMBusBlockData = 5
	i2cSMBusBlockMax  = 32
)

type i2cSMBusData [i2cSMBusBlockMax + 2]byte

type i2cSMBusIoctlData struct {
	readWrite uint8
	command   uint8
	size      uint32
	data      *i2cSMBusData
}

// I2CBus is an SMBus attached through a Linux i2c-dev character device.
type I2CBus struct {
	file *os.File
}

// OpenI2CBus opens the i2c-dev device at path and addresses the controller
// at the 7 bit slave address addr.
func OpenI2CBus(path string, addr uint8) (*I2CBus, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(model.ErrDeviceError, err.Error())
	}

	if err := ioctl(f.Fd(), i2cSlave, uintptr(addr)); err != nil {
		f.Close()
		return nil, errors.Wrapf(model.ErrDeviceError, "set slave address %#02x: %s", addr, err)
	}

	return &I2CBus{file: f}, nil
}

func (b *I2CBus) BlockWrite(_ context.Context, cmd uint8, data []byte) error {
	if len(data) > i2cSMBusBlockMax {
		return errors.Wrapf(model.ErrBufferTooSmall, "smbus block of %d bytes", len(data))
	}

	var block i2cSMBusData
	block[0] = uint8(len(data))
	copy(block[1:], data)

	return b.transfer(i2cSMBusWrite, cmd, &block)
}

func (b *I2CBus) BlockRead(_ context.Context, cmd uint8) ([]byte, error) {
	var block i2cSMBusData

	if err := b.transfer(i2cSMBusRead, cmd, &block); err != nil {
		return nil, err
	}

	n := int(block[0])
	if n > i2cSMBusBlockMax {
		return nil, errors.Wrapf(model.ErrDeviceError, "smbus block length %d", n)
	}

	out := make([]byte, n)
	copy(out, block[1:1+n])

	return out, nil
}

func (b *I2CBus) transfer(readWrite, cmd uint8, block *i2cSMBusData) error {
	args := &i2cSMBusIoctlData{
		readWrite: readWrite,
		command:   cmd,
		size:      i2cSMBusBlockData,
		data:      block,
	}

	err := ioctl(b.file.Fd(), i2cSMBus, uintptr(unsafe.Pointer(args)))
	runtime.KeepAlive(args)

	if err == nil {
		return nil
	}

	// a controller that does not ack is reported by the adapter as ENXIO or EAGAIN
	if errors.Is(err, unix.ENXIO) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ETIMEDOUT) {
		return errors.Wrapf(model.ErrNoResponse, "smbus cmd %#02x: %s", cmd, err)
	}

	return errors.Wrapf(model.ErrDeviceError, "smbus cmd %#02x: %s", cmd, err)
}

func (b *I2CBus) Close() error {
	return b.file.Close()
}

func ioctl(fd, req, arg uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg); errno != 0 {
		return errno
	}

	return nil
}
