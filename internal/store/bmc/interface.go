package bmc

import (
	"context"

	bmclibbmc "github.com/bmc-toolbox/bmclib/v2/bmc"
)

// EventLogClient abstracts the out of band event log calls made to a remote BMC.
type EventLogClient interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	GetSystemEventLog(ctx context.Context) (bmclibbmc.SystemEventLogEntries, error)
	ClearSystemEventLog(ctx context.Context) error
}
