package sel

import (
	"context"
	"fmt"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// timestamp value meaning "never" in SEL info.
const unspecifiedTime = 0xffffffff

// Info is the decoded Get SEL Info response.
type Info struct {
	Version          string    `json:"version"`
	Entries          uint16    `json:"entries"`
	FreeSpace        uint16    `json:"free_space"`
	LastAdd          time.Time `json:"last_add,omitempty"`
	LastErase        time.Time `json:"last_erase,omitempty"`
	Overflow         bool      `json:"overflow"`
	ReserveSupported bool      `json:"reserve_supported"`
	DeleteSupported  bool      `json:"delete_supported"`
	PartialAdd       bool      `json:"partial_add_supported"`
	AllocationInfo   bool      `json:"allocation_info_supported"`
}

func (i *Info) AsLogFields() []any {
	return []any{
		"version", i.Version,
		"entries", i.Entries,
		"free", i.FreeSpace,
		"overflow", i.Overflow,
	}
}

func selTime(ts uint32) time.Time {
	if ts == 0 || ts == unspecifiedTime {
		return time.Time{}
	}

	return time.Unix(int64(ts), 0).UTC()
}

func (m *Manager) Info(ctx context.Context) (*Info, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	resp := &ipmi.SELInfoResponse{}
	if err := m.channel.Call(ctx, ipmi.NetFnStorage, ipmi.CmdGetSELInfo, nil, resp); err != nil {
		return nil, err
	}

	return &Info{
		Version:          fmt.Sprintf("%d.%d", resp.Version&0x0f, resp.Version>>4),
		Entries:          resp.Entries,
		FreeSpace:        resp.FreeSpace,
		LastAdd:          selTime(resp.LastAddTime),
		LastErase:        selTime(resp.LastEraseTime),
		Overflow:         resp.Overflow(),
		ReserveSupported: resp.ReserveSupported(),
		DeleteSupported:  resp.OperationSupport&ipmi.SELOpSupportDelete != 0,
		PartialAdd:       resp.OperationSupport&ipmi.SELOpSupportPartialAdd != 0,
		AllocationInfo:   resp.OperationSupport&ipmi.SELOpSupportGetAllocInfo != 0,
	}, nil
}

// List walks the log from the first record. Unlike Get it includes the
// record reporting no following record.
func (m *Manager) List(ctx context.Context) ([]*Entry, error) {
	_, entries, err := m.list(ctx, nil)
	return entries, err
}

func (m *Manager) list(ctx context.Context, progress func(done, total int)) (*Info, []*Entry, error) {
	info, err := m.Info(ctx)
	if err != nil {
		return nil, nil, err
	}

	entries := make([]*Entry, 0, info.Entries)
	if info.Entries == 0 {
		return info, entries, nil
	}

	seen := map[uint16]bool{}
	id := uint16(ipmi.SELFirstRecordID)

	for {
		if seen[id] {
			return info, entries, errors.Wrapf(model.ErrDeviceError, "sel record chain loops at %#04x", id)
		}

		seen[id] = true

		record, next, err := m.entry(ctx, id)
		if err != nil {
			return info, entries, err
		}

		entries = append(entries, NewEntry(record, next))

		if progress != nil {
			progress(len(entries), int(info.Entries))
		}

		if next == ipmi.SELLastRecordID {
			return info, entries, nil
		}

		id = next
	}
}
