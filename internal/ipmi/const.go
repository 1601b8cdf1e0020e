package ipmi

// NetFn is an IPMI network function code. Requests use even values, the
// matching response is always the request value plus one.
type NetFn uint8

const (
	NetFnChassis     NetFn = 0x00
	NetFnBridge      NetFn = 0x02
	NetFnSensorEvent NetFn = 0x04
	NetFnApp         NetFn = 0x06
	NetFnFirmware    NetFn = 0x08
	NetFnStorage     NetFn = 0x0a
	NetFnTransport   NetFn = 0x0c
	NetFnGroup       NetFn = 0x2c
	NetFnOEM         NetFn = 0x2e
)

var netFnNames = map[NetFn]string{
	NetFnChassis:     "chassis",
	NetFnBridge:      "bridge",
	NetFnSensorEvent: "sensor-event",
	NetFnApp:         "app",
	NetFnFirmware:    "firmware",
	NetFnStorage:     "storage",
	NetFnTransport:   "transport",
	NetFnGroup:       "group",
	NetFnOEM:         "oem",
}

func (n NetFn) String() string {
	if s, ok := netFnNames[n&^1]; ok {
		return s
	}

	return "unknown"
}

// Response returns the network function a controller answers a request with.
func (n NetFn) Response() NetFn {
	return n | 1
}

// IsResponse reports whether n is a response network function.
func (n NetFn) IsResponse() bool {
	return n&1 == 1
}

// App commands
const (
	CmdGetDeviceID          uint8 = 0x01
	CmdGetSelfTestResults   uint8 = 0x04
	CmdSetBMCGlobalEnables  uint8 = 0x2e
	CmdGetBMCGlobalEnables  uint8 = 0x2f
	CmdGetChanAuthCap       uint8 = 0x38
	CmdGetSessionChallenge  uint8 = 0x39
	CmdActivateSession      uint8 = 0x3a
	CmdSetSessionPrivilege  uint8 = 0x3b
	CmdCloseSession         uint8 = 0x3c
	CmdGetBMCExecutionCtx   uint8 = 0x23 // firmware netfn
	CmdPlatformEventMessage uint8 = 0x02 // sensor/event netfn
)

// Storage commands
const (
	CmdGetFRUInventoryAreaInfo uint8 = 0x10
	CmdReadFRUData             uint8 = 0x11
	CmdWriteFRUData            uint8 = 0x12
	CmdGetSELInfo              uint8 = 0x40
	CmdGetSELAllocationInfo    uint8 = 0x41
	CmdReserveSEL              uint8 = 0x42
	CmdGetSELEntry             uint8 = 0x43
	CmdAddSELEntry             uint8 = 0x44
	CmdDeleteSELEntry          uint8 = 0x46
	CmdClearSEL                uint8 = 0x47
	CmdGetSELTime              uint8 = 0x48
)

// Addresses and LUNs
const (
	BMCSlaveAddress     uint8 = 0x20
	RemoteSWAddress     uint8 = 0x81
	DefaultRequesterLUN uint8 = 0x00
	LUNMask             uint8 = 0x03
)

// Self test result codes (first byte of the Get Self Test Results response).
const (
	SelfTestNoError        uint8 = 0x55
	SelfTestNotImplemented uint8 = 0x56
	SelfTestError          uint8 = 0x57
	SelfTestFatalHWError   uint8 = 0x58
	SelfTestReserved       uint8 = 0xff
)

// Self test error bits, second byte when the result is SelfTestError.
const (
	SelfTestFirmwareCorrupt  uint8 = 0x01
	SelfTestBootBlockCorrupt uint8 = 0x02
	SelfTestFRUCorrupt       uint8 = 0x04
	SelfTestSDREmpty         uint8 = 0x08
	SelfTestIPMBSignalFail   uint8 = 0x10
	SelfTestFRUAccessFail    uint8 = 0x20
	SelfTestSDRAccessFail    uint8 = 0x40
	SelfTestSELAccessFail    uint8 = 0x80
)

const (
	// DeviceAvailableUpdateMode is set in the firmware revision byte while the
	// controller is updating firmware or still initializing.
	DeviceAvailableUpdateMode uint8 = 0x80

	// ExecutionContextForcedUpdate is reported by Get BMC Execution Context
	// when the controller runs its forced firmware update image.
	ExecutionContextForcedUpdate uint8 = 0x11

	// DeviceSupportFRUInventory is the FRU inventory bit of the additional
	// device support byte.
	DeviceSupportFRUInventory uint8 = 0x08
)

// BMC global enables bits
const (
	GlobalEnableReceiveMsgInterrupt uint8 = 0x01
	GlobalEnableEventMsgBufferFull  uint8 = 0x02
	GlobalEnableEventMsgBuffer      uint8 = 0x04
	GlobalEnableSystemEventLogging  uint8 = 0x08
	GlobalEnableOEM0                uint8 = 0x20
)

// SEL
const (
	SELRecordSize = 16

	// SELLastRecordID terminates record iteration.
	SELLastRecordID  uint16 = 0xffff
	SELFirstRecordID uint16 = 0x0000

	SELReadFullRecord uint8 = 0xff

	SELOpSupportGetAllocInfo uint8 = 0x01
	SELOpSupportReserve      uint8 = 0x02
	SELOpSupportPartialAdd   uint8 = 0x04
	SELOpSupportDelete       uint8 = 0x08
	SELOpSupportOverflow     uint8 = 0x80

	SELClearInitiate  uint8 = 0xaa
	SELClearGetStatus uint8 = 0x00

	SELErasureInProgress uint8 = 0x00
	SELErasureCompleted  uint8 = 0x01
	SELErasureMask       uint8 = 0x0f

	SELRecordTypeSystemEvent uint8 = 0x02
	EvMRevision              uint8 = 0x04
)

// SELClearSignature precedes the action byte of a Clear SEL request.
var SELClearSignature = [3]byte{'C', 'L', 'R'}

// FRU
const (
	// FRUFragmentSize bounds a single Read/Write FRU Data transfer.
	FRUFragmentSize = 16
	MaxFRUSlots     = 20
)

// RMCP constants
const (
	RMCPVersion1_0 uint8 = 0x06

	RMCPClassNormal uint8 = 0x00
	RMCPClassACK    uint8 = 0x80
	RMCPClassASF    uint8 = 0x06
	RMCPClassIPMI   uint8 = 0x07
	RMCPClassOEM    uint8 = 0x08

	RMCPSeqNoACK uint8 = 0xff
)

// RMCPPort is the UDP port IPMI over LAN listens on.
const RMCPPort = 623

// ASF constants
const (
	ASFIANA              uint32 = 0x11be
	ASFTypePing          uint8  = 0x80
	ASFTypePong          uint8  = 0x40
	ASFTagUnidirectional uint8  = 0xff

	ASFEntitiesIPMISupport uint8 = 0x80
)

// Session privileges and authentication types
const (
	ChanAuthCapCurrentChannel uint8 = 0x0e

	PrivilegeCallback uint8 = 0x01
	PrivilegeUser     uint8 = 0x02
	PrivilegeOperator uint8 = 0x03
	PrivilegeAdmin    uint8 = 0x04

	AuthTypeSupportNone   uint8 = 0x01
	AuthTypeSupportMD5    uint8 = 0x04
	AuthTypeSupportPasswd uint8 = 0x10

	AuthTypeNone     uint8 = 0x00
	AuthTypeMD5      uint8 = 0x02
	AuthTypePassword uint8 = 0x04

	AuthCodeSize = 16
)
