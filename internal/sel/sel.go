// Package sel manages the System Event Log of the controller.
package sel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/command"
	"github.com/metal-toolbox/bmcmgmt/internal/diagnostics"
	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/retry"
	"github.com/pkg/errors"
)

const (
	DefaultClearPollLimit = 512
	DefaultClearPollDelay = 0
)

type Config struct {
	ClearPollLimit int
	ClearPollDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		ClearPollLimit: DefaultClearPollLimit,
		ClearPollDelay: DefaultClearPollDelay,
	}
}

// HealthGetter returns the controller health classified by the readiness probe.
type HealthGetter interface {
	Health() model.HealthState
}

// Raiser receives minor diagnostics such as the log overflow.
type Raiser interface {
	Raise(ctx context.Context, code diagnostics.Code, detail string) error
}

type Manager struct {
	channel *command.Channel
	health  HealthGetter
	raiser  Raiser
	sleeper retry.Sleeper
	config  Config
}

type Option func(*Manager)

func WithRaiser(r Raiser) Option {
	return func(m *Manager) {
		m.raiser = r
	}
}

func WithSleeper(s retry.Sleeper) Option {
	return func(m *Manager) {
		m.sleeper = s
	}
}

func New(channel *command.Channel, health HealthGetter, config Config, opts ...Option) *Manager {
	if config.ClearPollLimit <= 0 {
		config.ClearPollLimit = DefaultClearPollLimit
	}

	m := &Manager{
		channel: channel,
		health:  health,
		config:  config,
		sleeper: retry.ContextSleeper{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) ready() error {
	if m.health == nil {
		return nil
	}

	if state := m.health.Health(); !state.Usable() {
		return errors.Wrap(model.ErrNotReady, "controller health "+state.String())
	}

	return nil
}

// Activate reads the system event logging enable bit and, when enable is non
// nil, sets it. It returns the resulting logging state.
func (m *Manager) Activate(ctx context.Context, enable *bool) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}

	enables := &ipmi.GlobalEnables{}
	if err := m.channel.Call(ctx, ipmi.NetFnApp, ipmi.CmdGetBMCGlobalEnables, nil, enables); err != nil {
		return false, err
	}

	current := enables.Enables&ipmi.GlobalEnableSystemEventLogging != 0
	if enable == nil {
		return current, nil
	}

	set := &ipmi.GlobalEnables{Enables: enables.Enables &^ ipmi.GlobalEnableSystemEventLogging}
	if *enable {
		set.Enables |= ipmi.GlobalEnableSystemEventLogging
	}

	if err := m.channel.Call(ctx, ipmi.NetFnApp, ipmi.CmdSetBMCGlobalEnables, set, nil); err != nil {
		return current, err
	}

	slog.Info("system event logging updated", "enabled", *enable, "previous", current)

	return *enable, nil
}

// Add stores record, shorter records are zero padded. An alert record is
// sent as a Platform Event Message instead and no id is returned.
func (m *Manager) Add(ctx context.Context, data []byte, alert bool) (uint16, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}

	if len(data) > ipmi.SELRecordSize {
		return 0, errors.Wrapf(model.ErrOutOfResources, "record of %d bytes exceeds %d", len(data), ipmi.SELRecordSize)
	}

	record := &Record{}
	copy(record[:], data)

	if alert {
		return 0, m.channel.Call(ctx, ipmi.NetFnSensorEvent, ipmi.CmdPlatformEventMessage, record.PlatformEvent(), nil)
	}

	resp := &ipmi.SELRecordIDResponse{}
	if err := m.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdAddSELEntry, &ipmi.AddSELEntryRequest{Record: *record}, resp); err != nil {
		return 0, err
	}

	return resp.RecordID, nil
}

func (m *Manager) entry(ctx context.Context, id uint16) (*Record, uint16, error) {
	req := &ipmi.GetSELEntryRequest{
		ReservationID: 0,
		RecordID:      id,
		Offset:        0,
		Count:         ipmi.SELReadFullRecord,
	}

	resp := &ipmi.GetSELEntryResponse{}
	if err := m.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdGetSELEntry, req, resp); err != nil {
		return nil, 0, err
	}

	if len(resp.Record) < ipmi.SELRecordSize {
		return nil, 0, errors.Wrapf(model.ErrDeviceError, "sel entry %#04x: %d byte record", id, len(resp.Record))
	}

	record := &Record{}
	copy(record[:], resp.Record)

	return record, resp.NextRecordID, nil
}

// Get copies record id into buf and returns the id of the following record.
// A record reporting no following record is returned as model.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id uint16, buf []byte) (next uint16, n int, err error) {
	if err := m.ready(); err != nil {
		return 0, 0, err
	}

	if len(buf) < ipmi.SELRecordSize {
		return 0, 0, errors.Wrapf(model.ErrBufferTooSmall, "need %d bytes, have %d", ipmi.SELRecordSize, len(buf))
	}

	record, next, err := m.entry(ctx, id)
	if err != nil {
		return 0, 0, err
	}

	if next == ipmi.SELLastRecordID {
		return 0, 0, errors.Wrapf(model.ErrNotFound, "sel entry %#04x", id)
	}

	return next, copy(buf, record[:]), nil
}

// reserve returns a reservation when the controller supports them, 0 otherwise.
func (m *Manager) reserve(ctx context.Context) (ReservationID, error) {
	info := &ipmi.SELInfoResponse{}
	if err := m.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdGetSELInfo, nil, info); err != nil {
		return 0, err
	}

	if !info.ReserveSupported() {
		return 0, nil
	}

	resp := &ipmi.ReserveSELResponse{}
	if err := m.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdReserveSEL, nil, resp); err != nil {
		return 0, err
	}

	return ReservationID(resp.ReservationID), nil
}

// Erase deletes record id, or clears the whole log when id is nil and waits
// for the erasure to complete.
func (m *Manager) Erase(ctx context.Context, id *uint16) error {
	if err := m.ready(); err != nil {
		return err
	}

	reservation, err := m.reserve(ctx)
	if err != nil {
		return err
	}

	if id != nil {
		req := &ipmi.DeleteSELEntryRequest{ReservationID: uint16(reservation), RecordID: *id}
		if err := m.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdDeleteSELEntry, req, nil); err != nil {
			return err
		}

		slog.Info("sel entry deleted", "id", *id)

		return nil
	}

	req := &ipmi.ClearSELRequest{
		ReservationID: uint16(reservation),
		Signature:     ipmi.SELClearSignature,
		Action:        ipmi.SELClearInitiate,
	}

	if err := m.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdClearSEL, req, nil); err != nil {
		return err
	}

	if err := m.waitCleared(ctx, reservation); err != nil {
		return err
	}

	slog.Info("sel cleared")

	return nil
}

func (m *Manager) waitCleared(ctx context.Context, reservation ReservationID) error {
	req := &ipmi.ClearSELRequest{
		ReservationID: uint16(reservation),
		Signature:     ipmi.SELClearSignature,
		Action:        ipmi.SELClearGetStatus,
	}

	budget := retry.New(m.config.ClearPollLimit-1, m.config.ClearPollDelay)

	exhausted, err := retry.Do(ctx, m.sleeper, budget, func(ctx context.Context) (retry.Outcome, error) {
		resp := &ipmi.ClearSELResponse{}
		if err := m.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdClearSEL, req, resp); err != nil {
			slog.Debug("sel erasure status failed", "error", err)
			return retry.Again, err
		}

		if resp.Completed() {
			return retry.Done, nil
		}

		return retry.Again, nil
	})

	if exhausted {
		msg := fmt.Sprintf("sel erasure incomplete after %d polls", m.config.ClearPollLimit)
		if err != nil {
			msg += ": " + err.Error()
		}

		return errors.Wrap(model.ErrNoResponse, msg)
	}

	return err
}

// CheckFull raises diagnostics.EventLogFull when the log has overflowed.
// Failures are returned as model.ErrDeviceError.
func (m *Manager) CheckFull(ctx context.Context) error {
	info, err := m.Info(ctx)
	if err != nil {
		slog.Warn("sel full check failed", "error", err)
		return errors.Wrap(model.ErrDeviceError, "sel full check: "+err.Error())
	}

	if !info.Overflow {
		return nil
	}

	slog.Warn("sel is full", "entries", info.Entries)

	if m.raiser != nil {
		if err := m.raiser.Raise(ctx, diagnostics.EventLogFull, fmt.Sprintf("sel overflow with %d entries", info.Entries)); err != nil {
			slog.Warn("event log full diagnostic not delivered", "error", err)
		}
	}

	return nil
}
