package bmc

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Fixture describes the controller the dry run BMC simulates.
type Fixture struct {
	Device   DeviceFixture     `yaml:"device"`
	SelfTest []uint8           `yaml:"self_test"`
	SEL      SELFixture        `yaml:"sel"`
	FRU      map[string]string `yaml:"fru"`
}

type DeviceFixture struct {
	DeviceID      uint8  `yaml:"device_id"`
	Revision      uint8  `yaml:"revision"`
	FirmwareMajor uint8  `yaml:"firmware_major"`
	FirmwareMinor uint8  `yaml:"firmware_minor"`
	IPMIVersion   uint8  `yaml:"ipmi_version"`
	Support       uint8  `yaml:"support"`
	Manufacturer  uint32 `yaml:"manufacturer"`
	Product       uint16 `yaml:"product"`
	// UpdatePolls is the number of Get Device ID requests answered in update mode.
	UpdatePolls int `yaml:"update_polls"`
	// ForcedUpdate makes Get BMC Execution Context report the forced update image.
	ForcedUpdate bool `yaml:"forced_update"`
}

type SELFixture struct {
	Logging    bool     `yaml:"logging"`
	Capacity   int      `yaml:"capacity"`
	Reserve    bool     `yaml:"reserve"`
	Overflow   bool     `yaml:"overflow"`
	ClearPolls int      `yaml:"clear_polls"`
	Records    []string `yaml:"records"`
}

// DefaultFixture is a healthy controller with a FRU inventory device and an
// empty event log.
func DefaultFixture() *Fixture {
	return &Fixture{
		Device: DeviceFixture{
			DeviceID:      0x20,
			Revision:      0x01,
			FirmwareMajor: 1,
			FirmwareMinor: 0x00,
			IPMIVersion:   0x02,
			Support:       ipmi.DeviceSupportFRUInventory | 0x07,
			Manufacturer:  0x0157,
			Product:       0x0001,
		},
		SelfTest: []uint8{ipmi.SelfTestNoError, 0x00},
		SEL: SELFixture{
			Logging:  true,
			Capacity: 512,
			Reserve:  true,
		},
		FRU: map[string]string{
			"0": strings.Repeat("00", 256),
		},
	}
}

// LoadFixture reads a YAML fixture, fields it leaves out keep their
// DefaultFixture values.
func LoadFixture(path string) (*Fixture, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(model.ErrConfig, "simulator fixture: "+err.Error())
	}

	f := DefaultFixture()
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "simulator fixture "+path+": "+err.Error())
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *Fixture) validate() error {
	if len(f.SelfTest) != 2 {
		return errors.Wrapf(model.ErrConfig, "simulator fixture: self_test needs 2 bytes, got %d", len(f.SelfTest))
	}

	if f.SEL.Capacity <= 0 {
		return errors.Wrap(model.ErrConfig, "simulator fixture: sel capacity must be positive")
	}

	for i, r := range f.SEL.Records {
		if _, err := decodeRecord(r); err != nil {
			return errors.Wrapf(model.ErrConfig, "simulator fixture: sel record %d: %s", i, err)
		}
	}

	for slot, data := range f.FRU {
		if _, err := fruDevice(slot); err != nil {
			return err
		}

		if _, err := hex.DecodeString(data); err != nil {
			return errors.Wrapf(model.ErrConfig, "simulator fixture: fru %s: %s", slot, err)
		}
	}

	return nil
}

func decodeRecord(s string) ([ipmi.SELRecordSize]byte, error) {
	var r [ipmi.SELRecordSize]byte

	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return r, err
	}

	if len(b) != ipmi.SELRecordSize {
		return r, errors.Errorf("%d bytes, want %d", len(b), ipmi.SELRecordSize)
	}

	copy(r[:], b)

	return r, nil
}

func fruDevice(s string) (uint8, error) {
	id, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Wrapf(model.ErrConfig, "simulator fixture: fru device %q", s)
	}

	return uint8(id), nil
}
