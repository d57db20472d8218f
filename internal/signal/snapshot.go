// Package signal reads cellular signal metrics from the modem collaborator.
package signal

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the modem cannot report signal metrics
// (no modem, radio off, no serving cell).
var ErrUnavailable = errors.New("signal: unavailable")

// Snapshot is one reading of the serving cell. Values are in dB / dBm.
type Snapshot struct {
	SINR   float64   `json:"sinr"`
	RSRQ   float64   `json:"rsrq"`
	RSRP   float64   `json:"rsrp"`
	CellID string    `json:"cell_id,omitempty"`
	PCI    string    `json:"pci,omitempty"`
	Band   string    `json:"band,omitempty"`
	Tech   string    `json:"tech,omitempty"` // "lte" or "5g"
	Time   time.Time `json:"time"`
}

// IsZero reports whether the snapshot holds no reading.
func (s Snapshot) IsZero() bool { return s.Time.IsZero() }

// SameCell reports whether both snapshots name the same serving cell.
// Snapshots without any cell identity are never considered a change.
func (s Snapshot) SameCell(o Snapshot) bool {
	if s.CellID == "" && s.PCI == "" || o.CellID == "" && o.PCI == "" {
		return true
	}
	return s.CellID == o.CellID && s.PCI == o.PCI
}

// Source reads the current signal of one modem.
type Source interface {
	ReadSignal(ctx context.Context) (Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Snapshot, error)

// ReadSignal calls f.
func (f SourceFunc) ReadSignal(ctx context.Context) (Snapshot, error) { return f(ctx) }

// None is a Source for links without a modem.
type None struct{}

// ReadSignal always returns ErrUnavailable.
func (None) ReadSignal(context.Context) (Snapshot, error) { return Snapshot{}, ErrUnavailable }
