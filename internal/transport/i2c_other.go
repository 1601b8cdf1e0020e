//go:build !linux

package transport

import (
	"context"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// I2CBus is only available on Linux.
type I2CBus struct{}

func OpenI2CBus(_ string, _ uint8) (*I2CBus, error) {
	return nil, errors.Wrap(model.ErrUnsupported, "i2c-dev is only available on linux")
}

func (b *I2CBus) BlockWrite(_ context.Context, _ uint8, _ []byte) error {
	return model.ErrUnsupported
}

func (b *I2CBus) BlockRead(_ context.Context, _ uint8) ([]byte, error) {
	return nil, model.ErrUnsupported
}

func (b *I2CBus) Close() error {
	return nil
}
