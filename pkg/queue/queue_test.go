package queue

import (
	"testing"

	"cinnamon/pkg/funcunit"
	"cinnamon/pkg/interval"
	"cinnamon/pkg/opcode"
)

type fakeDispatched struct {
	op        opcode.OpCode
	ready     bool
	completed bool
}

func (f *fakeDispatched) OpCode() opcode.OpCode { return f.op }
func (f *fakeDispatched) OperandsReady() bool   { return f.ready }
func (f *fakeDispatched) Complete()             { f.completed = true }

func TestDefaultLatenciesClosedForm(t *testing.T) {
	lat := DefaultLatencies(64)
	if lat.Mod != 6+64*15 {
		t.Errorf("Mod = %d, want %d", lat.Mod, 6+64*15)
	}
	if lat.Rsv != 9+64*15 {
		t.Errorf("Rsv = %d, want %d", lat.Rsv, 9+64*15)
	}
	if lat.NTTOneStage != 48 {
		t.Errorf("NTTOneStage = %d, want 48", lat.NTTOneStage)
	}
	if lat.Transpose != 64+6 {
		t.Errorf("Transpose = %d, want %d (VD + log2(VD))", lat.Transpose, 64+6)
	}
	if lat.Rot != 2*8+2*lat.Transpose {
		t.Errorf("Rot = %d, want %d", lat.Rot, 2*8+2*lat.Transpose)
	}
}

// WHAT: a ready head-of-line instruction reserves its single-stage pattern
// and leaves the FIFO.
func TestQueueReservesReadyHead(t *testing.T) {
	unit := funcunit.NewUnit("add", 1, 4, nil)
	q := newQueue("add", map[string][]*funcunit.Unit{"add": {unit}}, simplePattern("add", 1), 4, nil)
	inst := &fakeDispatched{op: opcode.Add, ready: true}
	q.Enqueue(inst)
	q.Tick(0)
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after a successful reservation", q.Len())
	}
}

// WHAT: head-of-line blocking — an instruction whose operands are not yet
// ready stalls the entire queue, even though the instruction behind it in
// the FIFO is ready.
func TestQueueHeadOfLineBlocking(t *testing.T) {
	unit := funcunit.NewUnit("add", 1, 4, nil)
	q := newQueue("add", map[string][]*funcunit.Unit{"add": {unit}}, simplePattern("add", 1), 4, nil)
	notReady := &fakeDispatched{op: opcode.Add, ready: false}
	q.Enqueue(notReady)
	q.Enqueue(&fakeDispatched{op: opcode.Add, ready: true})
	q.Tick(0)
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (head not ready, nothing should reserve)", q.Len())
	}
}

// WHAT: when the only available unit cannot reserve the interval (already
// occupied), the queue stops without removing the instruction.
func TestQueueStopsWhenUnitUnavailable(t *testing.T) {
	unit := funcunit.NewUnit("add", 1, 4, nil)
	unit.Reserve(interval.Interval{Start: 0, End: 3})
	q := newQueue("add", map[string][]*funcunit.Unit{"add": {unit}}, simplePattern("add", 1), 4, nil)
	inst := &fakeDispatched{op: opcode.Add, ready: true}
	q.Enqueue(inst)
	q.Tick(0)
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (no unit could accept the reservation)", q.Len())
	}
}

// WHAT: configuration order matters — the first reservable unit is chosen,
// even when a later unit is also free.
func TestQueuePicksFirstReservableUnit(t *testing.T) {
	busy := funcunit.NewUnit("add0", 1, 4, nil)
	busy.Reserve(interval.Interval{Start: 0, End: 3})
	free := funcunit.NewUnit("add1", 1, 4, nil)
	q := newQueue("add", map[string][]*funcunit.Unit{"add": {busy, free}}, simplePattern("add", 1), 4, nil)
	inst := &fakeDispatched{op: opcode.Add, ready: true}
	q.Enqueue(inst)
	q.Tick(0)
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0: the second configured unit should have accepted the reservation", q.Len())
	}
	if free.CanReserve(interval.Interval{Start: 0, End: 3}) {
		t.Fatal("the free unit should now hold the reservation")
	}
}


// WHAT: Family.Tick drives the shared begin/end phase for every distinct
// unit backing its queues, firing Complete once a reservation's latency
// countdown drains.
func TestFamilyTickFiresCompleteOnLatencyDrain(t *testing.T) {
	units := map[string][]*funcunit.Unit{
		"add": {funcunit.NewUnit("add0", 1, 1, nil)},
	}
	f := NewFamily(units, Latencies{Add: 1}, 1, nil)
	inst := &fakeDispatched{op: opcode.Add, ready: true}
	f.Queue(opcode.Add).Enqueue(inst)

	for cycle := 0; cycle < 3 && !inst.completed; cycle++ {
		if err := f.Tick(cycle); err != nil {
			t.Fatalf("cycle %d: unexpected error: %v", cycle, err)
		}
	}
	if !inst.completed {
		t.Fatal("expected Complete to fire within a few cycles of the reservation")
	}
}

func TestFamilyRoutesByOpcode(t *testing.T) {
	units := map[string][]*funcunit.Unit{
		"add": {funcunit.NewUnit("add0", 1, 4, nil)},
		"mul": {funcunit.NewUnit("mul0", 5, 4, nil)},
	}
	f := NewFamily(units, DefaultLatencies(4), 4, nil)
	if f.Queue(opcode.Add) == nil {
		t.Fatal("expected a queue for Add")
	}
	if f.Queue(opcode.Mul) == nil {
		t.Fatal("expected a queue for Mul")
	}
	if f.Queue(opcode.Rot) == nil {
		t.Fatal("expected a queue for Rot even without rot/tra units configured")
	}
	if f.Queue(opcode.Bci) != nil {
		t.Fatal("Bci is reserved for the buffer-pool dispatcher, not the queue family")
	}
	if f.Queue(opcode.Dis) != nil {
		t.Fatal("Dis is network-gated and has no queue-family entry")
	}
}

// WHAT: Rot's 3-stage pattern reserves against "rot" then "tra" twice, at
// the cadence the interval template specifies, and only the terminal
// stage's retirement fires Complete.
func TestFamilyRotMultiStageOnlyTerminalCompletes(t *testing.T) {
	lat := Latencies{RotOneStage: 2, Transpose: 1}
	units := map[string][]*funcunit.Unit{
		"rot": {funcunit.NewUnit("rot0", 0, 1, nil)},
		"tra": {funcunit.NewUnit("tra0", 0, 1, nil)},
	}
	f := NewFamily(units, lat, 1, nil)
	inst := &fakeDispatched{op: opcode.Rot, ready: true}
	f.Queue(opcode.Rot).Enqueue(inst)

	completedAt := -1
	for cycle := 0; cycle < 20 && !inst.completed; cycle++ {
		if err := f.Tick(cycle); err != nil {
			t.Fatalf("cycle %d: unexpected error: %v", cycle, err)
		}
		if inst.completed {
			completedAt = cycle
		}
	}
	if !inst.completed {
		t.Fatal("expected Rot's terminal stage to eventually fire Complete")
	}
	// terminal tra stage starts at RotOneStage+Transpose+RotOneStage = 5
	if completedAt != 5 {
		t.Fatalf("Complete fired at cycle %d, want 5 (the terminal stage's cycle)", completedAt)
	}
}

// WHAT: a PatternProvider instruction overrides the queue's default Pattern
// — used by Ntt/SuD to grow a leading base-conversion-read stage when fed
// from a BCU source.
type overridingDispatched struct {
	fakeDispatched
	pattern Pattern
}

func (o *overridingDispatched) Pattern() Pattern { return o.pattern }

func TestQueueHonorsPatternProviderOverride(t *testing.T) {
	lat := Latencies{BcuRead: 2, NTTButterfly: 1, NTTOneStage: 1, Mul: 0}
	units := map[string][]*funcunit.Unit{
		"bcu": {funcunit.NewUnit("bcu0", 0, 1, nil)},
		"ntt": {funcunit.NewUnit("ntt0", 0, 1, nil)},
		"tra": {funcunit.NewUnit("tra0", 0, 1, nil)},
	}
	f := NewFamily(units, lat, 1, nil)
	inst := &overridingDispatched{
		fakeDispatched: fakeDispatched{op: opcode.Ntt, ready: true},
		pattern:        NttPattern(lat, true),
	}
	f.Queue(opcode.Ntt).Enqueue(inst)

	for cycle := 0; cycle < 20 && !inst.completed; cycle++ {
		if err := f.Tick(cycle); err != nil {
			t.Fatalf("cycle %d: unexpected error: %v", cycle, err)
		}
	}
	if !inst.completed {
		t.Fatal("expected the BCU-sourced Ntt override to eventually complete")
	}
}
