package transport

import (
	"errors"
	"strings"
)

// Kind identifies the physical interface a Transport talks over.
type Kind uint8

const (
	KCS Kind = iota
	BT
	SSIF
	IPMB
	LAN
	Sim
)

const (
	KCSStr  = "kcs"
	BTStr   = "bt"
	SSIFStr = "ssif"
	IPMBStr = "ipmb"
	LANStr  = "lan"
	SimStr  = "sim"
)

var (
	ErrUnknownKind = errors.New("unknown transport kind")
)

func (k Kind) String() string {
	switch k {
	case KCS:
		return KCSStr
	case BT:
		return BTStr
	case SSIF:
		return SSIFStr
	case IPMB:
		return IPMBStr
	case LAN:
		return LANStr
	case Sim:
		return SimStr
	default:
		return "unknown"
	}
}

// FromString parses a configured transport name, the empty string selects KCS.
func FromString(str string) (Kind, error) {
	switch strings.ToLower(str) {
	case KCSStr, "":
		return KCS, nil
	case BTStr:
		return BT, nil
	case SSIFStr:
		return SSIF, nil
	case IPMBStr:
		return IPMB, nil
	case LANStr:
		return LAN, nil
	case SimStr:
		return Sim, nil
	default:
		return 0, ErrUnknownKind
	}
}
