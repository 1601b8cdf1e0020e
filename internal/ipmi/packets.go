package ipmi

// RMCPHeader wraps every IPMI over LAN datagram.
type RMCPHeader struct {
	Version  uint8  `pack:""`
	reserved uint8  `pack:"zeros"`
	Sequence uint8  `pack:""`
	Class    uint8  `pack:""`
	Data     []byte `pack:"fill=0"`
}

type ASFMessageHeader struct {
	IANA     uint32 `pack:""`
	Type     uint8  `pack:""`
	Tag      uint8  `pack:""`
	reserved uint8  `pack:"zeros"`
	DataLen  uint8  `pack:"len=Data"`
	Data     []byte `pack:"fill=0"`
}

type ASFMessagePong struct {
	IANA         uint32  `pack:""`
	OEM          uint32  `pack:""`
	Entities     uint8   `pack:""`
	Interactions uint8   `pack:""`
	reserved     [6]byte `pack:"zeros"`
}

// SessionHeader is the IPMI v1.5 session wrapper. AuthCode is only present
// on the wire when AuthType is not AuthTypeNone.
type SessionHeader struct {
	AuthType      uint8  `pack:""`
	Sequence      uint32 `pack:""`
	SessionID     uint32 `pack:""`
	AuthCode      []byte `pack:"authcode=AuthType"`
	PayloadLength uint8  `pack:"len=Payload"`
	Payload       []byte `pack:"fill=0"`
}

// MessageHeader is the connection header shared by IPMB and LAN messages:
// destination slave address, netfn/LUN and the header checksum.
type MessageHeader struct {
	DestAddr uint8  `pack:""`
	NetFnLUN uint8  `pack:""`
	Checksum uint8  `pack:"cksum2"`
	Body     []byte `pack:"fill=0"`
}

// RequestBody follows MessageHeader in a request.
type RequestBody struct {
	SourceAddr uint8  `pack:""`
	SeqLUN     uint8  `pack:""`
	Cmd        uint8  `pack:""`
	Data       []byte `pack:"fill=-1"`
	Checksum   uint8  `pack:"cksum2"`
}

// ResponseBody follows MessageHeader in a response.
type ResponseBody struct {
	SourceAddr     uint8  `pack:""`
	SeqLUN         uint8  `pack:""`
	Cmd            uint8  `pack:""`
	CompletionCode uint8  `pack:""`
	Data           []byte `pack:"fill=-1"`
	Checksum       uint8  `pack:"cksum2"`
}

// NetFnLUN combines a network function and a LUN into the byte carried on the wire.
func NetFnLUN(netFn NetFn, lun uint8) uint8 {
	return uint8(netFn)<<2 | lun&LUNMask
}

// SplitNetFnLUN is the inverse of NetFnLUN.
func SplitNetFnLUN(b uint8) (NetFn, uint8) {
	return NetFn(b >> 2), b & LUNMask
}

// SeqLUN combines a 6 bit request sequence number and a LUN.
func SeqLUN(seq, lun uint8) uint8 {
	return seq<<2 | lun&LUNMask
}

type ChanAuthCapRequest struct {
	Channel   uint8 `pack:""`
	Privilege uint8 `pack:""`
}

type ChanAuthCapResponse struct {
	Channel         uint8   `pack:""`
	AuthTypeSupport uint8   `pack:""`
	AuthStatus      uint8   `pack:""`
	ExtCapabilities uint8   `pack:""`
	OEMID           [3]byte `pack:""`
	OEMAux          uint8   `pack:""`
}

type SessionChallengeRequest struct {
	AuthType uint8    `pack:""`
	Username [16]byte `pack:""`
}

type SessionChallengeResponse struct {
	SessionID uint32   `pack:""`
	Challenge [16]byte `pack:""`
}

type ActivateSessionRequest struct {
	AuthType        uint8    `pack:""`
	Privilege       uint8    `pack:""`
	Challenge       [16]byte `pack:""`
	InitialSequence uint32   `pack:""`
}

type ActivateSessionResponse struct {
	AuthType        uint8  `pack:""`
	SessionID       uint32 `pack:""`
	InitialSequence uint32 `pack:""`
	MaxPrivilege    uint8  `pack:""`
}
