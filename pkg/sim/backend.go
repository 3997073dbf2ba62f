package sim

import (
	"sync"

	"cinnamon/pkg/memunit"
)

type pendingChunk struct {
	op      memunit.Op
	slot    int
	readyAt int
}

// FixedLatencyBackend is the driver's stand-in memory-hierarchy backend: it
// acknowledges every chunk exactly Latency cycles after it was issued, with
// no bandwidth contention or queuing beyond what pkg/memunit itself models.
// A real DRAM/HBM timing model is explicitly out of scope; this exists only
// so the core dispatch/queue/memory pipeline can be exercised end to end.
type FixedLatencyBackend struct {
	Latency int

	mu           sync.Mutex
	currentCycle int
	pending      []pendingChunk
	complete     func(memunit.Op, int)
}

// NewFixedLatencyBackend constructs a backend acknowledging every chunk
// after the given fixed number of cycles.
func NewFixedLatencyBackend(latency int) *FixedLatencyBackend {
	return &FixedLatencyBackend{Latency: latency}
}

// AcceptCompletions implements memunit.CompletionAcceptor, wiring this
// backend to call back into its owning memunit.Unit.
func (b *FixedLatencyBackend) AcceptCompletions(complete func(memunit.Op, int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.complete = complete
}

// IssueChunk implements memunit.Backend: it records the chunk against the
// current cycle's delivery deadline. Tick must be called once per cycle,
// before the owning chiplet's Tick, for deliveries to fire on schedule.
func (b *FixedLatencyBackend) IssueChunk(op memunit.Op, slot int, addr int64, width int) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, pendingChunk{op: op, slot: slot, readyAt: b.currentCycle + b.Latency})
	return nil
}

// Tick advances the backend to the given cycle: every pending chunk whose
// delivery deadline has arrived fires its completion callback.
func (b *FixedLatencyBackend) Tick(cycle int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentCycle = cycle

	remaining := b.pending[:0]
	for _, p := range b.pending {
		if cycle >= p.readyAt {
			if b.complete != nil {
				b.complete(p.op, p.slot)
			}
			continue
		}
		remaining = append(remaining, p)
	}
	b.pending = remaining
}
