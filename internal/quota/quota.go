// Package quota implements the byte arithmetic behind personal storage:
// availability, admission of new files, and display-only derivations.
package quota

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

const (
	// StudentQuotaBytes is the ceiling for student accounts (5 GiB).
	StudentQuotaBytes int64 = 5 * 1024 * 1024 * 1024
	// MinCopyFreeBytes is the floor of free space required before any copy
	// is attempted, used when the source size is unknown.
	MinCopyFreeBytes int64 = 1024 * 1024

	warningPercent  = 80
	criticalPercent = 90
)

// ErrInsufficientQuota is returned when admitting a file would exceed the quota.
var ErrInsufficientQuota = errors.New("insufficient storage quota")

// Severity is a presentational band; it never gates operations.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Quota is a user's storage ceiling and consumption in bytes. Used is always
// derived from the owned files, never set independently.
type Quota struct {
	Total int64
	Used  int64
}

// Available is Total-Used, floored at zero.
func (q Quota) Available() int64 {
	if q.Used >= q.Total {
		return 0
	}
	return q.Total - q.Used
}

// PercentageUsed is a display value; do not base admission on it.
func (q Quota) PercentageUsed() float64 {
	if q.Total <= 0 {
		return 100
	}
	return float64(q.Used) / float64(q.Total) * 100
}

// Severity returns the UI band for the current usage.
func (q Quota) Severity() Severity {
	p := q.PercentageUsed()
	switch {
	case p >= criticalPercent:
		return SeverityCritical
	case p >= warningPercent:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}

// Policy holds the admission thresholds.
type Policy struct {
	MinFreeBytes int64
}

// DefaultPolicy uses the product's 1 MiB floor.
var DefaultPolicy = Policy{MinFreeBytes: MinCopyFreeBytes}

// Admit decides whether a file of size bytes fits. When sizeKnown is false
// only the coarse free-space floor is checked.
func (p Policy) Admit(q Quota, size int64, sizeKnown bool) error {
	avail := q.Available()
	if avail < p.MinFreeBytes {
		return fmt.Errorf("%w: %d bytes free, at least %d required", ErrInsufficientQuota, avail, p.MinFreeBytes)
	}
	if sizeKnown && avail < size {
		return fmt.Errorf("%w: %d bytes free, %d requested", ErrInsufficientQuota, avail, size)
	}
	return nil
}

// Summary is the JSON shape returned to clients.
type Summary struct {
	TotalQuota       int64    `json:"total_quota"`
	UsedStorage      int64    `json:"used_storage"`
	AvailableStorage int64    `json:"available_storage"`
	PercentageUsed   float64  `json:"percentage_used"`
	Severity         Severity `json:"severity"`
	TotalHuman       string   `json:"total_human"`
	UsedHuman        string   `json:"used_human"`
	AvailableHuman   string   `json:"available_human"`
}

// Summarize renders q for display.
func (q Quota) Summarize() Summary {
	return Summary{
		TotalQuota:       q.Total,
		UsedStorage:      q.Used,
		AvailableStorage: q.Available(),
		PercentageUsed:   q.PercentageUsed(),
		Severity:         q.Severity(),
		TotalHuman:       humanize.IBytes(uint64(max(q.Total, 0))),
		UsedHuman:        humanize.IBytes(uint64(max(q.Used, 0))),
		AvailableHuman:   humanize.IBytes(uint64(q.Available())),
	}
}
