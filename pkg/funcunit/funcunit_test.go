package funcunit

import (
	"testing"

	"cinnamon/pkg/interval"
	"cinnamon/pkg/reg"
)

type fakeInst struct{ completed bool }

func (f *fakeInst) Complete() { f.completed = true }

// WHAT: CanReserve/Reserve round-trips through the interval package's
// overlap rule.
func TestReserveRejectsOverlap(t *testing.T) {
	u := NewUnit("add", 0, 4, nil)
	iv := interval.Interval{Start: 0, End: 3}
	if !u.CanReserve(iv) {
		t.Fatal("fresh unit should accept a reservation")
	}
	if err := u.Reserve(iv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.CanReserve(interval.Interval{Start: 3, End: 5}) {
		t.Fatal("CanReserve should report false for a touching interval")
	}
}

// WHAT: Begin on the exact start cycle binds the reservation into
// busy_with/in_process and sets consuming_cycles to vec_depth.
func TestBeginBindsOnExactStart(t *testing.T) {
	u := NewUnit("add", 1, 4, nil)
	iv := interval.Interval{Start: 5, End: 8}
	u.Reserve(iv)
	if err := u.Begin(5, &fakeInst{}); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if !u.Busy() {
		t.Fatal("unit should be Busy after binding a reservation")
	}
}

// WHAT: a reservation whose start is strictly before the current cycle is
// a fail-hard scheduling bug.
// WHY: "no reservation may extend into a cycle strictly before
// currentCycle (fail-hard invariant)".
func TestBeginMissedReservationErrors(t *testing.T) {
	u := NewUnit("add", 1, 4, nil)
	u.Reserve(interval.Interval{Start: 2, End: 5})
	if err := u.Begin(4, &fakeInst{}); err == nil {
		t.Fatal("expected error: reservation start (2) is before current cycle (4)")
	}
}

// WHAT: Begin is a no-op (no error) when the front reservation's start is
// still in the future.
func TestBeginFutureReservationNoOp(t *testing.T) {
	u := NewUnit("add", 1, 4, nil)
	u.Reserve(interval.Interval{Start: 10, End: 13})
	if err := u.Begin(0, &fakeInst{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Busy() {
		t.Fatal("unit should not be busy before its reservation's start cycle")
	}
}

// WHAT: an End-phase busy_with countdown reaching zero invokes the
// completion callback exactly once and is removed from the countdown list.
func TestEndFiresCompletionAtZero(t *testing.T) {
	u := NewUnit("add", 1, 4, nil)
	iv := interval.Interval{Start: 0, End: 3}
	u.Reserve(iv)
	u.Begin(0, &fakeInst{})

	fired := 0
	u.End(0, func(got interval.Interval) {
		fired++
		if got != iv {
			t.Errorf("completion fired for %v, want %v", got, iv)
		}
	})
	if fired != 1 {
		t.Fatalf("completion fired %d times, want 1", fired)
	}
}

// WHAT: the reservation's front entry is popped once its end cycle is
// reached, freeing the unit for a new reservation at that address.
func TestEndPopsFrontAtEndCycle(t *testing.T) {
	u := NewUnit("add", 1, 1, nil)
	u.Reserve(interval.Interval{Start: 0, End: 0})
	u.Begin(0, &fakeInst{})
	u.End(0, func(interval.Interval) {})
	if !u.reserved.Empty() {
		t.Fatal("reservation should be popped once its end cycle is reached")
	}
}

// WHAT: in_process entries with more than one remaining cycle (latency <
// VD-1+extra) survive a single End call without firing completion twice.
func TestInProcessOutlivesBusyWith(t *testing.T) {
	u := NewUnit("ntt", 1, 1, nil) // latency=1, in_process countdown = end-start
	u.Reserve(interval.Interval{Start: 0, End: 3})
	u.Begin(0, &fakeInst{})
	fired := 0
	u.End(0, func(interval.Interval) { fired++ })
	if fired != 1 {
		t.Fatalf("busy_with should fire completion after one End call, got %d fires", fired)
	}
	if len(u.inProcess) != 1 {
		t.Fatalf("in_process should still hold the entry (2 cycles remaining), got %d entries", len(u.inProcess))
	}
}

// --- BufferUnit -----------------------------------------------------------

func TestBufferUnitLifecycle(t *testing.T) {
	f := reg.NewBCVRFile(1)
	v := f.Allocate(1, 0)

	b := NewBufferUnit(0)
	if b.IsBusy() {
		t.Fatal("fresh buffer should be idle")
	}
	b.InitInstruction(v)
	if !b.IsBusy() {
		t.Fatal("buffer should be busy after InitInstruction")
	}
	if v.PhyID == nil || *v.PhyID != 0 {
		t.Fatalf("BCVR PhyID = %v, want bound to buffer 0", v.PhyID)
	}

	// Not yet completed: writes remaining.
	b.End(func(*reg.BCVR) { t.Fatal("completion fired before BCVR drained") })

	v.ExecuteWrite()
	released := false
	b.End(func(got *reg.BCVR) {
		released = true
		if got != v {
			t.Fatalf("completion callback got %v, want %v", got, v)
		}
	})
	if !released {
		t.Fatal("buffer should release once the bound BCVR completes")
	}
	if b.IsBusy() {
		t.Fatal("buffer should be idle after releasing its instruction")
	}
	if v.PhyID != nil {
		t.Fatal("BCVR PhyID should be cleared on release")
	}
}

func TestBufferUnitDoubleInitPanics(t *testing.T) {
	f := reg.NewBCVRFile(2)
	v1 := f.Allocate(1, 0)
	v2 := f.Allocate(1, 0)
	b := NewBufferUnit(0)
	b.InitInstruction(v1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic initializing an already-busy buffer")
		}
	}()
	b.InitInstruction(v2)
}
