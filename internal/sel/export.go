package sel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Archiver stores exported logs.
type Archiver interface {
	Put(ctx context.Context, key string, body io.Reader) error
}

// Export is the archived form of the log.
type Export struct {
	ExportedAt time.Time `json:"exported_at"`
	Info       *Info     `json:"info"`
	Entries    []*Entry  `json:"entries"`
}

// ExportKey names an export by its time.
func ExportKey(prefix string, at time.Time) string {
	return fmt.Sprintf("%ssel-%s.json", prefix, at.UTC().Format("20060102T150405Z"))
}

// Export lists the log and stores it under key. progress, when non nil, is
// called once per record read with the entry count from SEL info as total.
func (m *Manager) Export(ctx context.Context, archive Archiver, key string, progress func(done, total int)) (*Export, error) {
	info, entries, err := m.list(ctx, progress)
	if err != nil {
		return nil, err
	}

	export := &Export{
		ExportedAt: time.Now().UTC(),
		Info:       info,
		Entries:    entries,
	}

	body, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, err
	}

	if err := archive.Put(ctx, key, bytes.NewReader(body)); err != nil {
		return nil, err
	}

	return export, nil
}
