package model

import (
	"github.com/pkg/errors"
)

var (
	ErrConfig        = errors.New("configuration error")
	ErrInvalidAction = errors.New("invalid action")

	// Controller command errors.
	ErrNoResponse       = errors.New("no response from controller")
	ErrDeviceError      = errors.New("controller device error")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrNotFound         = errors.New("not found")
	ErrOutOfResources   = errors.New("out of resources")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrUnsupported      = errors.New("unsupported")

	// ErrNotReady is returned by SEL and FRU operations when the controller
	// is in a state that forbids them.
	ErrNotReady = errors.Wrap(ErrDeviceError, "controller not ready")

	ErrArchive = errors.New("archive error")
	ErrPublish = errors.New("diagnostics publish error")
)
