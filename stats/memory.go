package stats

import (
	"sync"

	"golang.org/x/net/context"

	"github.com/leelynne/sqpool"
)

// MemoryStore keeps totals in memory. It does not expire anything and is
// meant for tests and local runs.
type MemoryStore struct {
	mu          sync.Mutex
	totals      map[sqpool.MetricType]float64
	inFlight    int
	maxInFlight int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{totals: make(map[sqpool.MetricType]float64)}
}

func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[ev.Type] += ev.Value
	s.inFlight = ev.InFlight
	if ev.InFlight > s.maxInFlight {
		s.maxInFlight = ev.InFlight
	}
	return nil
}

// Handle records directly, for use as a sqpool.MetricHandler without a
// Recorder.
func (s *MemoryStore) Handle(mtype sqpool.MetricType, val float64, inflight int) {
	_ = s.Record(context.Background(), Event{Type: mtype, Value: val, InFlight: inflight})
}

// Total returns the accumulated value for mtype.
func (s *MemoryStore) Total(mtype sqpool.MetricType) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[mtype]
}

// Totals returns a copy of every accumulated value keyed by metric name.
func (s *MemoryStore) Totals() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.totals))
	for k, v := range s.totals {
		out[k.String()] = v
	}
	return out
}

// InFlight returns the in-flight count of the latest event.
func (s *MemoryStore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// MaxInFlight returns the highest in-flight count seen.
func (s *MemoryStore) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}
