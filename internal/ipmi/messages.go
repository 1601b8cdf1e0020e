package ipmi

import (
	"fmt"
)

// DeviceIDResponse is the Get Device ID response payload.
type DeviceIDResponse struct {
	DeviceID       uint8   `pack:""`
	DeviceRevision uint8   `pack:""`
	FirmwareRev1   uint8   `pack:""`
	FirmwareRev2   uint8   `pack:""`
	IPMIVersion    uint8   `pack:""`
	DeviceSupport  uint8   `pack:""`
	ManufacturerID [3]byte `pack:""`
	ProductID      uint16  `pack:""`
	AuxFirmwareRev []byte  `pack:"fill=0"`
}

// UpdateMode reports whether the controller is updating firmware or still
// initializing and not yet ready for normal operation.
func (d *DeviceIDResponse) UpdateMode() bool {
	return d.FirmwareRev1&DeviceAvailableUpdateMode != 0
}

// FRUInventory reports whether the controller hosts a FRU inventory device.
func (d *DeviceIDResponse) FRUInventory() bool {
	return d.DeviceSupport&DeviceSupportFRUInventory != 0
}

func (d *DeviceIDResponse) FirmwareVersion() string {
	return fmt.Sprintf("%d.%02x", d.FirmwareRev1&^DeviceAvailableUpdateMode, d.FirmwareRev2)
}

func (d *DeviceIDResponse) Manufacturer() uint32 {
	return uint32(d.ManufacturerID[0]) | uint32(d.ManufacturerID[1])<<8 | uint32(d.ManufacturerID[2]&0x0f)<<16
}

func (d *DeviceIDResponse) AsLogFields() []any {
	return []any{
		"deviceID", d.DeviceID,
		"deviceRevision", d.DeviceRevision & 0x0f,
		"firmware", d.FirmwareVersion(),
		"updateMode", d.UpdateMode(),
		"ipmiVersion", fmt.Sprintf("%d.%d", d.IPMIVersion&0x0f, d.IPMIVersion>>4),
		"manufacturer", d.Manufacturer(),
		"product", d.ProductID,
	}
}

type SelfTestResponse struct {
	Result uint8 `pack:""`
	Detail uint8 `pack:""`
}

type ExecutionContextResponse struct {
	Context uint8  `pack:""`
	Rest    []byte `pack:"fill=0"`
}

type GlobalEnables struct {
	Enables uint8 `pack:""`
}

// SELInfoResponse is the Get SEL Info response payload.
type SELInfoResponse struct {
	Version          uint8  `pack:""`
	Entries          uint16 `pack:""`
	FreeSpace        uint16 `pack:""`
	LastAddTime      uint32 `pack:""`
	LastEraseTime    uint32 `pack:""`
	OperationSupport uint8  `pack:""`
}

func (s *SELInfoResponse) ReserveSupported() bool {
	return s.OperationSupport&SELOpSupportReserve != 0
}

func (s *SELInfoResponse) Overflow() bool {
	return s.OperationSupport&SELOpSupportOverflow != 0
}

type ReserveSELResponse struct {
	ReservationID uint16 `pack:""`
}

type GetSELEntryRequest struct {
	ReservationID uint16 `pack:""`
	RecordID      uint16 `pack:""`
	Offset        uint8  `pack:""`
	Count         uint8  `pack:""`
}

type GetSELEntryResponse struct {
	NextRecordID uint16 `pack:""`
	Record       []byte `pack:"fill=0"`
}

type AddSELEntryRequest struct {
	Record [SELRecordSize]byte `pack:""`
}

type SELRecordIDResponse struct {
	RecordID uint16 `pack:""`
}

type DeleteSELEntryRequest struct {
	ReservationID uint16 `pack:""`
	RecordID      uint16 `pack:""`
}

type ClearSELRequest struct {
	ReservationID uint16  `pack:""`
	Signature     [3]byte `pack:""`
	Action        uint8   `pack:""`
}

type ClearSELResponse struct {
	Progress uint8 `pack:""`
}

// Completed reports whether the erasure progress nibble reads completed.
func (c *ClearSELResponse) Completed() bool {
	return c.Progress&SELErasureMask == SELErasureCompleted
}

// PlatformEventRequest is the Platform Event Message payload as sent over
// a system interface, which carries the generator id explicitly.
type PlatformEventRequest struct {
	GeneratorID  uint8 `pack:""`
	EvMRevision  uint8 `pack:""`
	SensorType   uint8 `pack:""`
	SensorNumber uint8 `pack:""`
	EventDirType uint8 `pack:""`
	EventData1   uint8 `pack:""`
	EventData2   uint8 `pack:""`
	EventData3   uint8 `pack:""`
}

type FRUDeviceRequest struct {
	DeviceID uint8 `pack:""`
}

type FRUInventoryAreaInfoResponse struct {
	AreaSize uint16 `pack:""`
	Access   uint8  `pack:""`
}

// ByWords reports whether the FRU device is accessed in 16 bit words.
func (f *FRUInventoryAreaInfoResponse) ByWords() bool {
	return f.Access&0x01 != 0
}

type ReadFRUDataRequest struct {
	DeviceID uint8  `pack:""`
	Offset   uint16 `pack:""`
	Count    uint8  `pack:""`
}

type ReadFRUDataResponse struct {
	Count uint8  `pack:""`
	Data  []byte `pack:"fill=0"`
}

type WriteFRUDataRequest struct {
	DeviceID uint8  `pack:""`
	Offset   uint16 `pack:""`
	Data     []byte `pack:""`
}

type WriteFRUDataResponse struct {
	Count uint8 `pack:""`
}
