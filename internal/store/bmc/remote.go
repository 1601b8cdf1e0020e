package bmc

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bmc-toolbox/bmclib/v2"
	"github.com/bombsimon/logrusr/v4"
	"github.com/metal-toolbox/bmcmgmt/internal/elog"
	"github.com/metal-toolbox/bmcmgmt/internal/log"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// NoNextEntry is returned as the next id after the last remote entry.
const NoNextEntry = ^uint64(0)

// RemoteOptions address the BMC whose event log is read out of band.
type RemoteOptions struct {
	Host     string
	Port     string
	User     string
	Pass     string
	LogLevel string
}

// RemoteSEL serves the OEM event log from a remote BMC through bmclib. It can
// read and clear the log, adding records or toggling logging is not supported.
type RemoteSEL struct {
	client EventLogClient
	host   string
}

// NewRemoteSEL returns a RemoteSEL backed by a bmclib client.
func NewRemoteSEL(opts RemoteOptions) *RemoteSEL {
	logger := logrusr.New(log.NewLogrusLogger(opts.LogLevel))

	clientOpts := []bmclib.Option{bmclib.WithLogger(logger)}
	if opts.Port != "" {
		clientOpts = append(clientOpts, bmclib.WithRedfishPort(opts.Port))
	}

	return NewRemoteSELWithClient(opts.Host, bmclib.NewClient(opts.Host, opts.User, opts.Pass, clientOpts...))
}

func NewRemoteSELWithClient(host string, client EventLogClient) *RemoteSEL {
	return &RemoteSEL{client: client, host: host}
}

func (r *RemoteSEL) Name() string {
	return "remote-sel"
}

func (r *RemoteSEL) serves(dataType elog.DataType) error {
	if dataType != elog.TypeOEM {
		return errors.Wrapf(model.ErrUnsupported, "%s serves oem event logs, not %s", r.Name(), dataType)
	}

	return nil
}

func (r *RemoteSEL) session(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.client.Open(ctx); err != nil {
		return errors.Wrap(model.ErrNoResponse, "remote BMC "+r.host+": "+err.Error())
	}

	defer func() {
		if err := r.client.Close(ctx); err != nil {
			slog.Warn("remote BMC session close failed", "host", r.host, "error", err)
		}
	}()

	return fn(ctx)
}

func (r *RemoteSEL) SetEventLogData(_ context.Context, dataType elog.DataType, _ []byte, _ bool) (uint64, error) {
	if err := r.serves(dataType); err != nil {
		return 0, err
	}

	return 0, errors.Wrap(model.ErrUnsupported, "remote event log is read only")
}

// GetEventLogData copies entry id, its fields joined by " | ", into buf.
func (r *RemoteSEL) GetEventLogData(ctx context.Context, dataType elog.DataType, id uint64, buf []byte) (next uint64, n int, err error) {
	if err := r.serves(dataType); err != nil {
		return 0, 0, err
	}

	err = r.session(ctx, func(ctx context.Context) error {
		entries, err := r.client.GetSystemEventLog(ctx)
		if err != nil {
			return errors.Wrap(model.ErrDeviceError, "remote event log: "+err.Error())
		}

		if id >= uint64(len(entries)) {
			return errors.Wrapf(model.ErrNotFound, "remote event log entry %d of %d", id, len(entries))
		}

		line := strings.Join(entries[id], " | ")
		if len(line) > len(buf) {
			return errors.Wrapf(model.ErrBufferTooSmall, "remote event log entry %d: need %d bytes, have %d", id, len(line), len(buf))
		}

		n = copy(buf, line)

		next = id + 1
		if next >= uint64(len(entries)) {
			next = NoNextEntry
		}

		return nil
	})

	return next, n, err
}

// EraseEventLogData clears the remote log, single entries cannot be deleted.
func (r *RemoteSEL) EraseEventLogData(ctx context.Context, dataType elog.DataType, id *uint64) error {
	if err := r.serves(dataType); err != nil {
		return err
	}

	if id != nil {
		return errors.Wrap(model.ErrUnsupported, "remote event log entries cannot be deleted one by one")
	}

	return r.session(ctx, func(ctx context.Context) error {
		if err := r.client.ClearSystemEventLog(ctx); err != nil {
			return errors.Wrap(model.ErrDeviceError, "remote event log clear: "+err.Error())
		}

		slog.Info("remote event log cleared", "host", r.host)

		return nil
	})
}

func (r *RemoteSEL) ActivateEventLog(_ context.Context, dataType elog.DataType, _ *bool) (bool, error) {
	if err := r.serves(dataType); err != nil {
		return false, err
	}

	return false, errors.Wrap(model.ErrUnsupported, "remote event log state is not managed")
}
