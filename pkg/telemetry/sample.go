// Package telemetry stores per-node health samples as an append-only log and
// answers the latest-per-node query over it.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Sentinel errors for telemetry operations.
var (
	// ErrInvalidSample indicates a sample failed validation and was not stored.
	ErrInvalidSample = errors.New("invalid sample")

	// ErrInvalidFilter indicates a malformed snapshot filter.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrStoreUnavailable indicates the backing store could not be reached.
	ErrStoreUnavailable = errors.New("telemetry store unavailable")
)

// Well-known node status labels. Status is free-form; these are the values
// the collector itself produces.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// NodeSample is one timestamped health snapshot for one node. Samples are
// immutable once appended.
type NodeSample struct {
	Hostname        string    `json:"hostname"`
	OS              string    `json:"os"`
	CPUUsagePercent float64   `json:"cpuUsage"`
	RAMUsagePercent float64   `json:"ramUsage"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
}

// Validate checks the sample is storable.
func (s NodeSample) Validate() error {
	if strings.TrimSpace(s.Hostname) == "" {
		return fmt.Errorf("%w: hostname is required", ErrInvalidSample)
	}
	if s.CPUUsagePercent < 0 || s.CPUUsagePercent > 100 {
		return fmt.Errorf("%w: cpu usage %.2f outside [0,100]", ErrInvalidSample, s.CPUUsagePercent)
	}
	if s.RAMUsagePercent < 0 || s.RAMUsagePercent > 100 {
		return fmt.Errorf("%w: ram usage %.2f outside [0,100]", ErrInvalidSample, s.RAMUsagePercent)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidSample)
	}
	return nil
}

// Record is a stored sample with its insertion sequence number.
type Record struct {
	Seq int64 `json:"seq"`
	NodeSample
}

// Filter narrows a snapshot. An empty filter matches every node.
type Filter struct {
	// HostGlob is a doublestar pattern matched against the hostname,
	// e.g. "openmpi-*".
	HostGlob string
}

// Validate checks the glob pattern is well formed.
func (f Filter) Validate() error {
	if f.HostGlob == "" {
		return nil
	}
	if !doublestar.ValidatePattern(f.HostGlob) {
		return fmt.Errorf("%w: bad host pattern %q", ErrInvalidFilter, f.HostGlob)
	}
	return nil
}

func (f Filter) matches(hostname string) bool {
	if f.HostGlob == "" {
		return true
	}
	ok, err := doublestar.Match(f.HostGlob, hostname)
	return err == nil && ok
}

// Store is an append-only sample log.
type Store interface {
	// Append stores one sample. Samples for the same hostname keep their
	// append order.
	Append(ctx context.Context, sample NodeSample) error

	// Latest returns, for every distinct hostname matching f, the sample with
	// the maximum timestamp. Equal timestamps resolve to the sample appended
	// last. Results are ordered by hostname.
	Latest(ctx context.Context, f Filter) ([]NodeSample, error)

	// History returns up to limit records for hostname, newest first with the
	// same tie-break as Latest. A non-positive limit means
	// DefaultHistoryLimit.
	History(ctx context.Context, hostname string, limit int) ([]Record, error)
}

// DefaultHistoryLimit caps History when the caller gives no limit.
const DefaultHistoryLimit = 100

// newer reports whether a should replace b as a host's latest sample.
func newer(a, b Record) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.Seq > b.Seq
	}
	return a.Timestamp.After(b.Timestamp)
}

// LatestPerHost collapses records to one sample per hostname using the
// max-timestamp, then max-sequence rule. The result is ordered by hostname.
func LatestPerHost(records []Record, f Filter) []NodeSample {
	best := make(map[string]Record)
	for _, r := range records {
		if !f.matches(r.Hostname) {
			continue
		}
		cur, ok := best[r.Hostname]
		if !ok || newer(r, cur) {
			best[r.Hostname] = r
		}
	}
	return sortedSamples(best)
}

func sortedSamples(best map[string]Record) []NodeSample {
	out := make([]NodeSample, 0, len(best))
	for _, r := range best {
		out = append(out, r.NodeSample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}
