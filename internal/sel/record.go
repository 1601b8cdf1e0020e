package sel

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
)

// ReservationID guards destructive SEL operations, 0 when the controller does
// not support reservations.
type ReservationID uint16

// Record is the 16 byte SEL record body.
type Record [ipmi.SELRecordSize]byte

func (r *Record) ID() uint16 {
	return binary.LittleEndian.Uint16(r[0:2])
}

func (r *Record) Type() uint8 {
	return r[2]
}

// Timestamp is zero for OEM non-timestamped records.
func (r *Record) Timestamp() uint32 {
	if r.Type() >= 0xe0 {
		return 0
	}

	return binary.LittleEndian.Uint32(r[3:7])
}

func (r *Record) Time() time.Time {
	return time.Unix(int64(r.Timestamp()), 0).UTC()
}

func (r *Record) GeneratorID() uint16 {
	return binary.LittleEndian.Uint16(r[7:9])
}

func (r *Record) EvMRevision() uint8 {
	return r[9]
}

func (r *Record) SensorType() uint8 {
	return r[10]
}

func (r *Record) SensorNumber() uint8 {
	return r[11]
}

func (r *Record) EventDirType() uint8 {
	return r[12]
}

func (r *Record) EventData() [3]uint8 {
	return [3]uint8{r[13], r[14], r[15]}
}

// Deassertion reports the event direction bit.
func (r *Record) Deassertion() bool {
	return r.EventDirType()&0x80 != 0
}

// PlatformEvent builds the Platform Event Message carrying this record.
func (r *Record) PlatformEvent() *ipmi.PlatformEventRequest {
	data := r.EventData()

	return &ipmi.PlatformEventRequest{
		GeneratorID:  uint8(r.GeneratorID()),
		EvMRevision:  r.EvMRevision(),
		SensorType:   r.SensorType(),
		SensorNumber: r.SensorNumber(),
		EventDirType: r.EventDirType(),
		EventData1:   data[0],
		EventData2:   data[1],
		EventData3:   data[2],
	}
}

// Entry is the JSON view of a record.
type Entry struct {
	ID           uint16    `json:"id"`
	Next         uint16    `json:"next"`
	Type         uint8     `json:"type"`
	Time         time.Time `json:"time,omitempty"`
	GeneratorID  uint16    `json:"generator_id"`
	SensorType   uint8     `json:"sensor_type"`
	SensorNumber uint8     `json:"sensor_number"`
	EventDirType uint8     `json:"event_dir_type"`
	EventData    [3]uint8  `json:"event_data"`
	Raw          string    `json:"raw"`
}

func NewEntry(r *Record, next uint16) *Entry {
	e := &Entry{
		ID:           r.ID(),
		Next:         next,
		Type:         r.Type(),
		GeneratorID:  r.GeneratorID(),
		SensorType:   r.SensorType(),
		SensorNumber: r.SensorNumber(),
		EventDirType: r.EventDirType(),
		EventData:    r.EventData(),
		Raw:          hex.EncodeToString(r[:]),
	}

	if r.Timestamp() != 0 {
		e.Time = r.Time()
	}

	return e
}
