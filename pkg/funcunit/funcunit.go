// Package funcunit implements the pipelined functional-unit model (disjoint
// reservation intervals plus the busy_with/in_process countdown FIFOs) and
// the non-pipelined base-conversion buffer unit.
package funcunit

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cinnamon/pkg/interval"
	"cinnamon/pkg/reg"
)

// Instruction is the minimal contract a functional unit needs from whatever
// record a queue reserved an interval for: a completion callback invoked
// once the unit's countdown to value-ready reaches zero.
type Instruction interface {
	// Complete sets destination ready bits and decrements source
	// references — the "execution complete" contract.
	Complete()
}

type countdown struct {
	ref       interval.Interval
	remaining int
}

// Unit is a pipelined functional unit: one reservation-interval set plus
// the busy_with (time to value-ready) and in_process (time to unit-idle)
// countdown FIFOs, and the consuming_cycles input-rate burst gate.
type Unit struct {
	Name      string
	Latency   int
	VecDepth  int
	reserved  interval.Set
	busyWith  []countdown
	inProcess []countdown

	consumingCycles int
	currentCycle    int
	frontBegun      bool // front reservation already bound; cleared when End pops it

	log *logrus.Entry
}

// NewUnit constructs a functional unit with the given fixed latency (the
// opcode-specific extra from the latency table) and vector depth.
func NewUnit(name string, latency, vecDepth int, log *logrus.Entry) *Unit {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Unit{
		Name:     name,
		Latency:  latency,
		VecDepth: vecDepth,
		log:      log.WithField("unit", name),
	}
}

// CanReserve reports whether iv can be reserved on this unit right now,
// per has_overlap.
func (u *Unit) CanReserve(iv interval.Interval) bool {
	return !u.reserved.HasOverlap(iv)
}

// Reserve adds iv to the unit's interval set. Callers must have already
// confirmed CanReserve; add-reservation is infallible after a positive
// test, so an overlap here indicates a dispatch bug and is returned as an
// error rather than silently accepted.
func (u *Unit) Reserve(iv interval.Interval) error {
	if err := u.reserved.Insert(iv); err != nil {
		return errors.Wrapf(err, "funcunit %s: reserve", u.Name)
	}
	return nil
}

// Busy reports whether the unit currently has any in-flight instruction —
// used by single-slot resources (e.g. "first idle BCU buffer" selection
// reuses this shape) and by tests.
func (u *Unit) Busy() bool { return len(u.inProcess) > 0 }

// Begin runs the unit's begin-phase for the given cycle: decrement
// consuming_cycles, and if the front reservation's start equals cycle,
// verify inst's operands are ready (the caller has already done so — Begin
// assumes it, matching the reference model's ordering where the queue only
// advances the front reservation once it knows operands are ready) and
// bind it into busy_with/in_process. A front reservation that is already
// bound is left alone on the following cycles until End pops it.
func (u *Unit) Begin(cycle int, inst Instruction) error {
	u.currentCycle = cycle
	if u.consumingCycles > 0 {
		u.consumingCycles--
	}
	if u.reserved.Empty() || u.frontBegun {
		return nil
	}
	front := u.reserved.Front()
	if front.Start > cycle {
		return nil
	}
	if front.Start < cycle {
		return errors.Errorf("funcunit %s: reservation [%d,%d] missed begin at cycle %d", u.Name, front.Start, front.End, cycle)
	}
	if u.consumingCycles > 0 {
		return errors.Errorf("funcunit %s: instruction issued while consuming_cycles > 0", u.Name)
	}
	u.busyWith = append(u.busyWith, countdown{ref: front, remaining: u.Latency})
	u.inProcess = append(u.inProcess, countdown{ref: front, remaining: front.End - front.Start})
	u.consumingCycles = u.VecDepth
	u.frontBegun = true
	u.log.WithFields(logrus.Fields{"cycle": cycle, "start": front.Start, "end": front.End}).Debug("begin reservation")
	_ = inst
	return nil
}

// End runs the unit's end-phase: decrement every countdown, fire
// completions for busy_with entries reaching zero, drop in_process entries
// reaching zero, and pop the front reservation if its end equals cycle.
func (u *Unit) End(cycle int, complete func(iv interval.Interval)) {
	u.busyWith = decrementAndFire(u.busyWith, complete)
	u.inProcess = decrementAndDrop(u.inProcess)
	if !u.reserved.Empty() && u.reserved.Front().End == cycle {
		u.reserved.PopFront()
		u.frontBegun = false
	}
}

func decrementAndFire(cds []countdown, complete func(iv interval.Interval)) []countdown {
	kept := cds[:0]
	for _, cd := range cds {
		cd.remaining--
		if cd.remaining <= 0 {
			complete(cd.ref)
			continue
		}
		kept = append(kept, cd)
	}
	return kept
}

func decrementAndDrop(cds []countdown) []countdown {
	kept := cds[:0]
	for _, cd := range cds {
		cd.remaining--
		if cd.remaining <= 0 {
			continue
		}
		kept = append(kept, cd)
	}
	return kept
}

// BufferUnit is a non-pipelined base-conversion buffer: it holds at most
// one in-flight BCI instruction at a time.
type BufferUnit struct {
	ID     int
	bound  *reg.BCVR
	onDone func(*reg.BCVR)
}

// NewBufferUnit constructs an idle base-conversion buffer with the given
// id.
func NewBufferUnit(id int) *BufferUnit {
	return &BufferUnit{ID: id}
}

// IsBusy reports whether a BCI instruction currently occupies this buffer.
func (b *BufferUnit) IsBusy() bool { return b.bound != nil }

// InitInstruction binds v's physical id to this buffer, occupying it.
// Panics if already busy — callers must check IsBusy first, matching "a
// buffer unit holds at most one in-flight BCI instruction".
func (b *BufferUnit) InitInstruction(v *reg.BCVR) {
	if b.bound != nil {
		panic(fmt.Sprintf("funcunit: BCU buffer %d already busy", b.ID))
	}
	v.BindPhysical(b.ID)
	b.bound = v
}

// End runs the buffer's per-cycle end phase: if the bound BCVR reports
// IsCompleted, clear the physical-id binding and release the buffer.
// complete is invoked with the freed BCVR so the caller can release its
// virtual id back to the BCVR free pool.
func (b *BufferUnit) End(complete func(*reg.BCVR)) {
	if b.bound == nil {
		return
	}
	if b.bound.IsCompleted() {
		v := b.bound
		v.UnbindPhysical()
		b.bound = nil
		complete(v)
	}
}
