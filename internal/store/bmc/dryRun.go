package bmc

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/transport"
)

const (
	selVersion = 0x51

	executionContextOperational uint8 = 0x10
)

type selEntry struct {
	id     uint16
	record [ipmi.SELRecordSize]byte
}

type commandKey struct {
	netFn ipmi.NetFn
	cmd   uint8
}

// DryRunBMC is a simulated controller answering IPMI commands from memory. It
// implements transport.Transport and backs the dry run mode.
type DryRunBMC struct {
	mu sync.Mutex

	device      DeviceFixture
	updatePolls int
	selfTest    [2]uint8
	enables     uint8

	entries     []selEntry
	lastID      uint16
	capacity    int
	reserve     bool
	overflow    bool
	reservation uint16
	reserved    bool
	clearPolls  int
	clearing    int
	lastAdd     uint32
	lastErase   uint32

	fru map[uint8][]byte

	handlers map[commandKey]func(data []byte) (ipmi.CompletionCode, []byte)
	now      func() time.Time
}

// NewDryRunBMC creates a simulated controller in the state described by fixture.
func NewDryRunBMC(fixture *Fixture) *DryRunBMC {
	if fixture == nil {
		fixture = DefaultFixture()
	}

	b := &DryRunBMC{
		device:      fixture.Device,
		updatePolls: fixture.Device.UpdatePolls,
		capacity:    fixture.SEL.Capacity,
		reserve:     fixture.SEL.Reserve,
		overflow:    fixture.SEL.Overflow,
		clearPolls:  fixture.SEL.ClearPolls,
		fru:         map[uint8][]byte{},
		now:         time.Now,
	}

	copy(b.selfTest[:], fixture.SelfTest)

	if fixture.SEL.Logging {
		b.enables |= ipmi.GlobalEnableSystemEventLogging
	}

	for _, s := range fixture.SEL.Records {
		record, err := decodeRecord(s)
		if err != nil {
			slog.Warn("dry run BMC skipped sel record", "record", s, "error", err)
			continue
		}

		b.append(record)
	}

	for dev, s := range fixture.FRU {
		id, err := fruDevice(dev)
		if err != nil {
			slog.Warn("dry run BMC skipped fru device", "device", dev, "error", err)
			continue
		}

		data, _ := hex.DecodeString(s)
		b.fru[id] = data
	}

	b.handlers = map[commandKey]func([]byte) (ipmi.CompletionCode, []byte){
		{ipmi.NetFnApp, ipmi.CmdGetDeviceID}:                  b.getDeviceID,
		{ipmi.NetFnApp, ipmi.CmdGetSelfTestResults}:           b.getSelfTest,
		{ipmi.NetFnApp, ipmi.CmdGetBMCGlobalEnables}:          b.getGlobalEnables,
		{ipmi.NetFnApp, ipmi.CmdSetBMCGlobalEnables}:          b.setGlobalEnables,
		{ipmi.NetFnFirmware, ipmi.CmdGetBMCExecutionCtx}:      b.getExecutionContext,
		{ipmi.NetFnSensorEvent, ipmi.CmdPlatformEventMessage}: b.platformEvent,
		{ipmi.NetFnStorage, ipmi.CmdGetSELInfo}:               b.getSELInfo,
		{ipmi.NetFnStorage, ipmi.CmdReserveSEL}:               b.reserveSEL,
		{ipmi.NetFnStorage, ipmi.CmdGetSELEntry}:              b.getSELEntry,
		{ipmi.NetFnStorage, ipmi.CmdAddSELEntry}:              b.addSELEntry,
		{ipmi.NetFnStorage, ipmi.CmdDeleteSELEntry}:           b.deleteSELEntry,
		{ipmi.NetFnStorage, ipmi.CmdClearSEL}:                 b.clearSEL,
		{ipmi.NetFnStorage, ipmi.CmdGetFRUInventoryAreaInfo}:  b.fruAreaInfo,
		{ipmi.NetFnStorage, ipmi.CmdReadFRUData}:              b.readFRU,
		{ipmi.NetFnStorage, ipmi.CmdWriteFRUData}:             b.writeFRU,
	}

	return b
}

func (b *DryRunBMC) Kind() transport.Kind {
	return transport.Sim
}

func (b *DryRunBMC) Close() error {
	return nil
}

// Submit answers req from the simulated state.
func (b *DryRunBMC) Submit(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handler, ok := b.handlers[commandKey{req.NetFn, req.Cmd}]
	if !ok {
		slog.Debug("dry run BMC: command not simulated", req.AsLogFields()...)
		return &transport.Response{CompletionCode: ipmi.CCInvalidCommand}, nil
	}

	cc, data := handler(req.Data)

	return &transport.Response{CompletionCode: cc, Data: data}, nil
}

// Records returns a copy of the stored event log records.
func (b *DryRunBMC) Records() [][ipmi.SELRecordSize]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][ipmi.SELRecordSize]byte, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.record
	}

	return out
}

// FRU returns a copy of the FRU device contents.
func (b *DryRunBMC) FRU(dev uint8) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]byte{}, b.fru[dev]...)
}

func (b *DryRunBMC) timestamp() uint32 {
	return uint32(b.now().Unix())
}

func unpack(data []byte, v any) bool {
	return ipmi.LE.Unpack(data, v) == nil
}

func pack(v any) (ipmi.CompletionCode, []byte) {
	return ipmi.CCNormal, ipmi.LE.MustPack(v)
}

func (b *DryRunBMC) getDeviceID(_ []byte) (ipmi.CompletionCode, []byte) {
	rev1 := b.device.FirmwareMajor &^ ipmi.DeviceAvailableUpdateMode
	if b.updatePolls > 0 {
		b.updatePolls--
		rev1 |= ipmi.DeviceAvailableUpdateMode
	}

	m := b.device.Manufacturer

	resp := &ipmi.DeviceIDResponse{
		DeviceID:       b.device.DeviceID,
		DeviceRevision: b.device.Revision,
		FirmwareRev1:   rev1,
		FirmwareRev2:   b.device.FirmwareMinor,
		IPMIVersion:    b.device.IPMIVersion,
		DeviceSupport:  b.device.Support,
		ManufacturerID: [3]byte{uint8(m), uint8(m >> 8), uint8(m >> 16)},
		ProductID:      b.device.Product,
	}

	return pack(resp)
}

func (b *DryRunBMC) getSelfTest(_ []byte) (ipmi.CompletionCode, []byte) {
	return pack(&ipmi.SelfTestResponse{Result: b.selfTest[0], Detail: b.selfTest[1]})
}

func (b *DryRunBMC) getExecutionContext(_ []byte) (ipmi.CompletionCode, []byte) {
	resp := &ipmi.ExecutionContextResponse{Context: executionContextOperational}
	if b.device.ForcedUpdate {
		resp.Context = ipmi.ExecutionContextForcedUpdate
	}

	return pack(resp)
}

func (b *DryRunBMC) getGlobalEnables(_ []byte) (ipmi.CompletionCode, []byte) {
	return pack(&ipmi.GlobalEnables{Enables: b.enables})
}

func (b *DryRunBMC) setGlobalEnables(data []byte) (ipmi.CompletionCode, []byte) {
	req := &ipmi.GlobalEnables{}
	if !unpack(data, req) {
		return ipmi.CCRequestLengthInvalid, nil
	}

	b.enables = req.Enables

	return ipmi.CCNormal, nil
}

func (b *DryRunBMC) platformEvent(data []byte) (ipmi.CompletionCode, []byte) {
	req := &ipmi.PlatformEventRequest{}
	if !unpack(data, req) {
		return ipmi.CCRequestLengthInvalid, nil
	}

	if b.enables&ipmi.GlobalEnableSystemEventLogging == 0 {
		return ipmi.CCNormal, nil
	}

	var record [ipmi.SELRecordSize]byte

	record[2] = ipmi.SELRecordTypeSystemEvent
	binary.LittleEndian.PutUint32(record[3:7], b.timestamp())
	copy(record[7:], []byte{
		req.GeneratorID, 0x00, req.EvMRevision, req.SensorType, req.SensorNumber,
		req.EventDirType, req.EventData1, req.EventData2, req.EventData3,
	})

	cc, _ := b.store(record)

	return cc, nil
}

func (b *DryRunBMC) getSELInfo(_ []byte) (ipmi.CompletionCode, []byte) {
	free := max(b.capacity-len(b.entries), 0) * ipmi.SELRecordSize
	if free > 0xffff {
		free = 0xffff
	}

	support := ipmi.SELOpSupportDelete
	if b.reserve {
		support |= ipmi.SELOpSupportReserve
	}

	if b.overflow {
		support |= ipmi.SELOpSupportOverflow
	}

	return pack(&ipmi.SELInfoResponse{
		Version:          selVersion,
		Entries:          uint16(len(b.entries)),
		FreeSpace:        uint16(free),
		LastAddTime:      b.lastAdd,
		LastEraseTime:    b.lastErase,
		OperationSupport: support,
	})
}

func (b *DryRunBMC) reserveSEL(_ []byte) (ipmi.CompletionCode, []byte) {
	if !b.reserve {
		return ipmi.CCInvalidCommand, nil
	}

	b.reservation++
	if b.reservation == 0 {
		b.reservation = 1
	}

	b.reserved = true

	return pack(&ipmi.ReserveSELResponse{ReservationID: b.reservation})
}

func (b *DryRunBMC) checkReservation(id uint16) bool {
	if !b.reserve {
		return true
	}

	return b.reserved && id == b.reservation
}

func (b *DryRunBMC) find(id uint16) int {
	switch {
	case len(b.entries) == 0:
		return -1
	case id == ipmi.SELFirstRecordID:
		return 0
	case id == ipmi.SELLastRecordID:
		return len(b.entries) - 1
	}

	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].id >= id })
	if i < len(b.entries) && b.entries[i].id == id {
		return i
	}

	return -1
}

func (b *DryRunBMC) getSELEntry(data []byte) (ipmi.CompletionCode, []byte) {
	req := &ipmi.GetSELEntryRequest{}
	if !unpack(data, req) {
		return ipmi.CCRequestLengthInvalid, nil
	}

	i := b.find(req.RecordID)
	if i < 0 {
		return ipmi.CCNotPresent, nil
	}

	next := ipmi.SELLastRecordID
	if i+1 < len(b.entries) {
		next = b.entries[i+1].id
	}

	record := b.entries[i].record[:]

	offset := int(req.Offset)
	if offset > len(record) {
		return ipmi.CCParameterOutOfRange, nil
	}

	end := len(record)
	if req.Count != ipmi.SELReadFullRecord {
		end = min(offset+int(req.Count), len(record))
	}

	return pack(&ipmi.GetSELEntryResponse{NextRecordID: next, Record: record[offset:end]})
}

func (b *DryRunBMC) append(record [ipmi.SELRecordSize]byte) uint16 {
	b.lastID++
	if b.lastID == ipmi.SELFirstRecordID || b.lastID == ipmi.SELLastRecordID {
		b.lastID = 1
	}

	binary.LittleEndian.PutUint16(record[0:2], b.lastID)
	b.entries = append(b.entries, selEntry{id: b.lastID, record: record})

	return b.lastID
}

func (b *DryRunBMC) store(record [ipmi.SELRecordSize]byte) (ipmi.CompletionCode, uint16) {
	if len(b.entries) >= b.capacity {
		b.overflow = true
		return ipmi.CCOutOfSpace, 0
	}

	id := b.append(record)
	b.lastAdd = b.timestamp()
	b.reserved = false

	return ipmi.CCNormal, id
}

func (b *DryRunBMC) addSELEntry(data []byte) (ipmi.CompletionCode, []byte) {
	req := &ipmi.AddSELEntryRequest{}
	if !unpack(data, req) {
		return ipmi.CCRequestLengthInvalid, nil
	}

	cc, id := b.store(req.Record)
	if cc != ipmi.CCNormal {
		return cc, nil
	}

	return pack(&ipmi.SELRecordIDResponse{RecordID: id})
}

func (b *DryRunBMC) deleteSELEntry(data []byte) (ipmi.CompletionCode, []byte) {
	req := &ipmi.DeleteSELEntryRequest{}
	if !unpack(data, req) {
		return ipmi.CCRequestLengthInvalid, nil
	}

	if !b.checkReservation(req.ReservationID) {
		return ipmi.CCReservationCanceled, nil
	}

	i := b.find(req.RecordID)
	if i < 0 {
		return ipmi.CCNotPresent, nil
	}

	id := b.entries[i].id
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.lastErase = b.timestamp()
	b.reserved = false

	return pack(&ipmi.SELRecordIDResponse{RecordID: id})
}

func (b *DryRunBMC) clearSEL(data []byte) (ipmi.CompletionCode, []byte) {
	req := &ipmi.ClearSELRequest{}
	if !unpack(data, req) {
		return ipmi.CCRequestLengthInvalid, nil
	}

	if req.Signature != ipmi.SELClearSignature {
		return ipmi.CCInvalidField, nil
	}

	if !b.checkReservation(req.ReservationID) {
		return ipmi.CCReservationCanceled, nil
	}

	switch req.Action {
	case ipmi.SELClearInitiate:
		b.entries = nil
		b.overflow = false
		b.lastErase = b.timestamp()
		b.clearing = b.clearPolls
	case ipmi.SELClearGetStatus:
		if b.clearing > 0 {
			b.clearing--
			return pack(&ipmi.ClearSELResponse{Progress: ipmi.SELErasureInProgress})
		}
	default:
		return ipmi.CCInvalidField, nil
	}

	progress := ipmi.SELErasureCompleted
	if b.clearing > 0 {
		progress = ipmi.SELErasureInProgress
	}

	return pack(&ipmi.ClearSELResponse{Progress: progress})
}

func (b *DryRunBMC) fruData(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}

	fru, ok := b.fru[data[0]]

	return fru, ok
}

func (b *DryRunBMC) fruAreaInfo(data []byte) (ipmi.CompletionCode, []byte) {
	fru, ok := b.fruData(data)
	if !ok {
		return ipmi.CCNotPresent, nil
	}

	return pack(&ipmi.FRUInventoryAreaInfoResponse{AreaSize: uint16(len(fru))})
}

func (b *DryRunBMC) readFRU(data []byte) (ipmi.CompletionCode, []byte) {
	req := &ipmi.ReadFRUDataRequest{}
	if !unpack(data, req) {
		return ipmi.CCRequestLengthInvalid, nil
	}

	fru, ok := b.fruData(data)
	if !ok {
		return ipmi.CCNotPresent, nil
	}

	start := min(int(req.Offset), len(fru))
	end := min(start+int(req.Count), len(fru))

	return pack(&ipmi.ReadFRUDataResponse{Count: uint8(end - start), Data: fru[start:end]})
}

func (b *DryRunBMC) writeFRU(data []byte) (ipmi.CompletionCode, []byte) {
	req := &ipmi.WriteFRUDataRequest{}
	if !unpack(data, req) {
		return ipmi.CCRequestLengthInvalid, nil
	}

	fru, ok := b.fruData(data)
	if !ok {
		return ipmi.CCNotPresent, nil
	}

	n := 0
	if int(req.Offset) < len(fru) {
		n = copy(fru[req.Offset:], req.Data)
	}

	return pack(&ipmi.WriteFRUDataResponse{Count: uint8(n)})
}
