package telemetry

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps the sample log in process memory. Alongside the log it
// maintains the current latest record per host so snapshots do not rescan.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	records []Record
	latest  map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[string]Record)}
}

func (s *MemoryStore) Append(ctx context.Context, sample NodeSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sample.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	rec := Record{Seq: s.seq, NodeSample: sample}
	s.records = append(s.records, rec)
	if cur, ok := s.latest[sample.Hostname]; !ok || newer(rec, cur) {
		s.latest[sample.Hostname] = rec
	}
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, f Filter) ([]NodeSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	best := make(map[string]Record, len(s.latest))
	for host, rec := range s.latest {
		if f.matches(host) {
			best[host] = rec
		}
	}
	return sortedSamples(best), nil
}

func (s *MemoryStore) History(ctx context.Context, hostname string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	var out []Record
	for _, rec := range s.records {
		if rec.Hostname == hostname {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
