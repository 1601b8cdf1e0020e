package ipmi

import (
	"fmt"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
)

// CompletionCode is the first byte of every IPMI response payload.
type CompletionCode uint8

const (
	CCNormal                 CompletionCode = 0x00
	CCBusy                   CompletionCode = 0xc0
	CCInvalidCommand         CompletionCode = 0xc1
	CCInvalidForLUN          CompletionCode = 0xc2
	CCTimeout                CompletionCode = 0xc3
	CCOutOfSpace             CompletionCode = 0xc4
	CCReservationCanceled    CompletionCode = 0xc5
	CCRequestTruncated       CompletionCode = 0xc6
	CCRequestLengthInvalid   CompletionCode = 0xc7
	CCRequestFieldTooLong    CompletionCode = 0xc8
	CCParameterOutOfRange    CompletionCode = 0xc9
	CCResponseTooLong        CompletionCode = 0xca
	CCNotPresent             CompletionCode = 0xcb
	CCInvalidField           CompletionCode = 0xcc
	CCIllegalCommand         CompletionCode = 0xcd
	CCResponseUnavailable    CompletionCode = 0xce
	CCDuplicateRequest       CompletionCode = 0xcf
	CCSDRUpdateMode          CompletionCode = 0xd0
	CCFirmwareUpdateMode     CompletionCode = 0xd1
	CCInitInProgress         CompletionCode = 0xd2
	CCDestinationUnavailable CompletionCode = 0xd3
	CCInsufficientPrivilege  CompletionCode = 0xd4
	CCNotSupportedInState    CompletionCode = 0xd5
	CCSubfunctionDisabled    CompletionCode = 0xd6
	CCUnspecified            CompletionCode = 0xff
)

var completionCodeText = map[CompletionCode]string{
	CCNormal:                 "command completed normally",
	CCBusy:                   "node busy",
	CCInvalidCommand:         "invalid command",
	CCInvalidForLUN:          "command invalid for given LUN",
	CCTimeout:                "timeout while processing command",
	CCOutOfSpace:             "out of space",
	CCReservationCanceled:    "reservation canceled or invalid reservation id",
	CCRequestTruncated:       "request data truncated",
	CCRequestLengthInvalid:   "request data length invalid",
	CCRequestFieldTooLong:    "request data field length limit exceeded",
	CCParameterOutOfRange:    "parameter out of range",
	CCResponseTooLong:        "cannot return number of requested data bytes",
	CCNotPresent:             "requested sensor, data, or record not present",
	CCInvalidField:           "invalid data field in request",
	CCIllegalCommand:         "command illegal for specified sensor or record type",
	CCResponseUnavailable:    "command response could not be provided",
	CCDuplicateRequest:       "cannot execute duplicated request",
	CCSDRUpdateMode:          "SDR repository in update mode",
	CCFirmwareUpdateMode:     "device in firmware update mode",
	CCInitInProgress:         "BMC initialization in progress",
	CCDestinationUnavailable: "destination unavailable",
	CCInsufficientPrivilege:  "insufficient privilege level",
	CCNotSupportedInState:    "command not supported in present state",
	CCSubfunctionDisabled:    "command sub-function disabled or unavailable",
	CCUnspecified:            "unspecified error",
}

func (c CompletionCode) String() string {
	if s, ok := completionCodeText[c]; ok {
		return s
	}

	switch {
	case c >= 0x01 && c <= 0x7e:
		return fmt.Sprintf("device specific code %#02x", uint8(c))
	case c >= 0x80 && c <= 0xbe:
		return fmt.Sprintf("command specific code %#02x", uint8(c))
	default:
		return fmt.Sprintf("reserved code %#02x", uint8(c))
	}
}

// IsError reports whether c fails the command. Device specific (0x01-0x7e)
// and command specific (0x80-0xbe) codes carry a valid response payload and
// are left to the caller to interpret.
func (c CompletionCode) IsError() bool {
	switch {
	case c == CCNormal:
		return false
	case c >= 0x01 && c <= 0x7e:
		return false
	case c >= 0x80 && c <= 0xbe:
		return false
	default:
		return true
	}
}

// IsSoftError reports whether c counts toward a transport's soft error limit.
func (c CompletionCode) IsSoftError() bool {
	switch c {
	case CCBusy, CCTimeout, CCOutOfSpace, CCParameterOutOfRange,
		CCResponseUnavailable, CCDuplicateRequest, CCUnspecified:
		return true
	default:
		return false
	}
}

// CompletionError is returned for a response whose completion code fails the
// command. It matches model.ErrDeviceError with errors.Is.
type CompletionError struct {
	NetFn NetFn
	Cmd   uint8
	Code  CompletionCode
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("netfn %s cmd %#02x: completion code %#02x: %s", e.NetFn, e.Cmd, uint8(e.Code), e.Code)
}

func (e *CompletionError) Is(target error) bool {
	return target == model.ErrDeviceError
}
