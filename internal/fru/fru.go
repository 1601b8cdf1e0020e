// Package fru reads and writes the FRU inventory devices behind the controller.
package fru

import (
	"context"
	"log/slog"
	"sync"

	"github.com/metal-toolbox/bmcmgmt/internal/command"
	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"
)

// DeviceInfo describes one FRU slot.
type DeviceInfo struct {
	Valid    bool  `json:"valid"`
	Logical  bool  `json:"logical"`
	DeviceID uint8 `json:"device_id"`
}

// AreaInfo is the Get FRU Inventory Area Info result for a slot.
type AreaInfo struct {
	Size    uint16 `json:"size"`
	ByWords bool   `json:"by_words"`
}

// RedirInfo describes the addressing of the FRU devices.
type RedirInfo struct {
	Granularity int `json:"granularity"`
}

// SlotInfo is the range of slots the accessor serves.
type SlotInfo struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

// HealthGetter returns the controller health classified by the readiness probe.
type HealthGetter interface {
	Health() model.HealthState
}

type Accessor struct {
	channel *command.Channel
	health  HealthGetter

	mu    sync.RWMutex
	slots []DeviceInfo
	fixed bool
}

type Option func(*Accessor)

// WithSlots installs an explicit slot table, Init leaves it alone.
func WithSlots(slots []DeviceInfo) Option {
	return func(a *Accessor) {
		if len(slots) > ipmi.MaxFRUSlots {
			slots = slots[:ipmi.MaxFRUSlots]
		}

		a.slots = append([]DeviceInfo{}, slots...)
		a.fixed = true
	}
}

func New(channel *command.Channel, health HealthGetter, opts ...Option) *Accessor {
	a := &Accessor{
		channel: channel,
		health:  health,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Accessor) ready() error {
	if a.health == nil {
		return nil
	}

	if state := a.health.Health(); !state.Usable() {
		return errors.Wrap(model.ErrNotReady, "controller health "+state.String())
	}

	return nil
}

// Init builds the slot table. When the controller reports a FRU inventory
// device every slot is a logical device addressed by its slot index,
// otherwise the table is empty.
func (a *Accessor) Init(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fixed {
		return nil
	}

	a.slots = nil

	resp := &ipmi.DeviceIDResponse{}
	if err := a.channel.Call(ctx, ipmi.NetFnApp, ipmi.CmdGetDeviceID, nil, resp); err != nil {
		slog.Warn("FRU slot table left empty", "err", err)
		return err
	}

	if !resp.FRUInventory() {
		slog.Info("controller has no FRU inventory device")
		return nil
	}

	a.slots = make([]DeviceInfo, ipmi.MaxFRUSlots)
	for i := range a.slots {
		a.slots[i] = DeviceInfo{Valid: true, Logical: true, DeviceID: uint8(i)}
	}

	slog.Debug("FRU slot table built", "slots", len(a.slots))

	return nil
}

// Slots returns a copy of the slot table.
func (a *Accessor) Slots() []DeviceInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.slots == nil {
		return []DeviceInfo{}
	}

	return copystructure.Must(copystructure.Copy(a.slots)).([]DeviceInfo)
}

func (a *Accessor) device(slot int) (uint8, error) {
	if slot < 0 || slot >= ipmi.MaxFRUSlots {
		return 0, errors.Wrapf(model.ErrInvalidParameter, "FRU slot %d", slot)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if slot+1 > len(a.slots) || !a.slots[slot].Valid {
		return 0, errors.Wrapf(model.ErrInvalidParameter, "FRU slot %d: no device mapped", slot)
	}

	if !a.slots[slot].Logical {
		return 0, errors.Wrapf(model.ErrUnsupported, "FRU slot %d: not a logical device", slot)
	}

	return a.slots[slot].DeviceID, nil
}

func (a *Accessor) RedirInfo() RedirInfo {
	return RedirInfo{Granularity: 1}
}

func (a *Accessor) SlotInfo() SlotInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return SlotInfo{Start: 0, Count: len(a.slots)}
}

func (a *Accessor) AreaInfo(ctx context.Context, slot int) (*AreaInfo, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	dev, err := a.device(slot)
	if err != nil {
		return nil, err
	}

	resp := &ipmi.FRUInventoryAreaInfoResponse{}
	if err := a.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdGetFRUInventoryAreaInfo, &ipmi.FRUDeviceRequest{DeviceID: dev}, resp); err != nil {
		return nil, err
	}

	return &AreaInfo{Size: resp.AreaSize, ByWords: resp.ByWords()}, nil
}
