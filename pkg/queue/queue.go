// Package queue implements the instruction-queue family: one FIFO per
// opcode class, each converting a dispatched instruction into one or more
// coordinated reservations on the correct functional units, using
// head-of-line blocking when a reservation cannot yet be made.
package queue

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cinnamon/pkg/funcunit"
	"cinnamon/pkg/interval"
	"cinnamon/pkg/opcode"
)

// Latencies holds the opcode-specific extras from the latency table
// (cycles; VD = vector depth).
type Latencies struct {
	Add          int
	Mul          int
	Evg          int
	Mod          int
	Rsv          int
	NTTButterfly int
	RotOneStage  int
	NTTOneStage  int
	Transpose    int
	NTT          int
	Rot          int
	BcuRead      int
	BcuWrite     int
}

// DefaultLatencies returns the latency table evaluated at the given vector
// depth, per the spec's closed-form definitions.
func DefaultLatencies(vecDepth int) Latencies {
	l2 := func(n int) int {
		b := 0
		for (1 << uint(b)) < n {
			b++
		}
		return b
	}
	l := Latencies{
		Add:          1,
		Mul:          5,
		Evg:          200,
		NTTButterfly: 6,
		RotOneStage:  8, // log2(256)
	}
	l.Mod = 6 + vecDepth*15
	l.Rsv = 9 + vecDepth*15
	l.NTTOneStage = 8 * l.NTTButterfly
	l.Transpose = vecDepth + l2(vecDepth)
	l.NTT = l.NTTOneStage + l.Mul + l.Transpose + l.NTTOneStage
	l.Rot = 2*l.RotOneStage + 2*l.Transpose
	l.BcuRead = l.Mul*4 + vecDepth // ceil(log2(13)) = 4
	l.BcuWrite = 1
	return l
}

// Dispatched is the minimal contract a queue needs from a chiplet's
// materialized instruction: an opcode tag, operand-readiness check, and a
// completion hook invoked once all its stages retire.
type Dispatched interface {
	OpCode() opcode.OpCode
	OperandsReady() bool
	// Complete fires the instruction's execution-complete contract: set
	// destination ready bits, decrement source references.
	Complete()
}

// PatternProvider lets a Dispatched instruction override the queue's default
// Pattern with one computed from its own operands — e.g. Ntt/SuD grow a
// leading base-conversion-read stage when their source is BCU-resident.
// Queue.reserveAll consults this before falling back to the queue's static
// Pattern; a nil Pattern() means "use the default".
type PatternProvider interface {
	Dispatched
	Pattern() Pattern
}

// MultiStage is implemented by a Dispatched instruction whose reservation
// Pattern has more than one Stage. Every stage but the last carries no
// externally visible effect (the interval templates model "Tra" and
// similar intermediate passes as pure occupancy); only the terminal stage's
// retirement fires the instruction's real completion contract.
type MultiStage interface {
	Dispatched
	// StageComplete fires when the stage-th reservation (0-indexed, in
	// Pattern order) retires.
	StageComplete(stage int)
}

// stageDispatched wraps one stage of a multi-stage reservation so that
// Family.Tick's generic end-phase can retire each stage independently while
// only the terminal stage invokes the wrapped instruction's full Complete
// contract.
type stageDispatched struct {
	inst  Dispatched
	stage int
	total int
}

func (s stageDispatched) OpCode() opcode.OpCode { return s.inst.OpCode() }
func (s stageDispatched) OperandsReady() bool   { return s.inst.OperandsReady() }
func (s stageDispatched) Complete() {
	if ms, ok := s.inst.(MultiStage); ok {
		ms.StageComplete(s.stage)
		return
	}
	if s.stage == s.total-1 {
		s.inst.Complete()
	}
}

// stageRef returns the Ref an interval reservation for the given stage
// index should carry. A single-stage pattern reserves the instruction
// itself, unwrapped, matching the queue's pre-multi-stage behavior exactly.
func stageRef(inst Dispatched, stage, total int) Dispatched {
	if total <= 1 {
		return inst
	}
	return stageDispatched{inst: inst, stage: stage, total: total}
}

// Family routes a Dispatched instruction to the correct queue and ticks
// every queue once per cycle. One Family exists per chiplet.
type Family struct {
	queues map[opcode.OpCode]*Queue
	units  []*funcunit.Unit // deduplicated, for the shared begin/end phase
	log    *logrus.Entry
}

// NewFamily builds an instruction-queue family backed by the given units,
// keyed by opcode class. units maps a queue's name (as used in the
// interval templates, e.g. "add", "mul") to the functional unit instances
// available for that class, in configuration order — a sub-reservation
// picks the first unit on which the interval is reservable.
func NewFamily(units map[string][]*funcunit.Unit, lat Latencies, vecDepth int, log *logrus.Entry) *Family {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	f := &Family{queues: make(map[opcode.OpCode]*Queue), log: log}
	mk := func(op opcode.OpCode, name string, pattern Pattern) {
		f.queues[op] = newQueue(name, units, pattern, vecDepth, log.WithField("queue", name))
	}
	mk(opcode.Add, "add", simplePattern("add", lat.Add))
	mk(opcode.Sub, "add", simplePattern("add", lat.Add))
	mk(opcode.Neg, "add", simplePattern("add", lat.Add))
	mk(opcode.Mul, "mul", simplePattern("mul", lat.Mul))
	mk(opcode.Div, "mul", simplePattern("mul", lat.Mul))
	mk(opcode.EvkGen, "evg", simplePattern("evg", lat.Evg))
	mk(opcode.Mov, "add", simplePattern("add", 0))
	mk(opcode.Con, "add", simplePattern("add", 0))
	mk(opcode.Nop, "add", simplePattern("add", 0))
	mk(opcode.Rsv, "rsv", simplePattern("rsv", lat.Rsv))
	mk(opcode.Mod, "mod", simplePattern("mod", lat.Mod))

	// The remaining seven queues use the interval-template constructors:
	// Rot/Ntt/Int/SuD/Pl1 split an opcode into several chained
	// reservations, each possibly against a different unit class
	// (rot/tra/ntt/add/mul/bcu), and BcW/BcR reserve a single bcu
	// stage; a single Dispatched
	// instruction can still override its own Pattern via PatternProvider
	// (Ntt/SuD grow a leading base-conversion-read stage when BCU-sourced).
	mk(opcode.Rot, "rot", RotPattern(lat))
	mk(opcode.Ntt, "ntt", NttPattern(lat, false))
	mk(opcode.Int, "ntt", NttPattern(lat, false))
	mk(opcode.SuD, "sud", SuDPattern(lat, false))
	mk(opcode.BcW, "bcu", BcWPattern(lat))
	mk(opcode.BcR, "bcu", BcRPattern(lat))
	mk(opcode.Pl1, "pl1", Pl1Pattern(lat))

	seen := make(map[*funcunit.Unit]bool)
	for _, us := range units {
		for _, u := range us {
			if !seen[u] {
				seen[u] = true
				f.units = append(f.units, u)
			}
		}
	}
	return f
}

// Queue returns the queue handling the given opcode, or nil if the opcode
// is not routed through the instruction-queue family (e.g. memory or
// network opcodes, handled by their own units).
func (f *Family) Queue(op opcode.OpCode) *Queue {
	return f.queues[op]
}

// Tick advances every queue by one cycle — attempting reservations for
// ready head-of-line instructions — then runs the shared begin/end phase
// once per distinct functional unit, firing Complete on whatever
// Dispatched instruction a retiring reservation's Ref carries.
func (f *Family) Tick(cycle int) error {
	for _, q := range f.queues {
		q.Tick(cycle)
	}
	for _, u := range f.units {
		if err := u.Begin(cycle, nil); err != nil {
			return errors.Wrapf(err, "queue family: begin phase")
		}
	}
	for _, u := range f.units {
		u.End(cycle, func(iv interval.Interval) {
			if d, ok := iv.Ref.(Dispatched); ok {
				d.Complete()
			}
		})
	}
	return nil
}

// Stage is one sub-reservation of a multi-stage pattern: the functional-unit
// class it reserves against, a start-cycle offset relative to dispatch
// cycle t and the configured vector depth, and an "extra" cycles added to
// the base end = start + vecDepth - 1.
type Stage struct {
	UnitClass   string
	StartOffset func(t, vecDepth int) int
	Extra       int
}

// Pattern is the ordered list of stages a queue reserves for one
// instruction. A single-stage queue (Add, Mul, Evg, Rsv, Mod, BcW, BcR) has
// exactly one Stage; multi-stage queues (Rot, Ntt/Int, SuD, Pl1) chain
// several stages, each possibly against a
// different unit class, and only the terminal stage's retirement fires the
// instruction's real completion (see MultiStage).
type Pattern []Stage

func simplePattern(unitClass string, extra int) Pattern {
	return Pattern{{UnitClass: unitClass, StartOffset: func(t, vd int) int { return t }, Extra: extra}}
}

// RotPattern builds the 3-stage Rot reservation: the rotation itself, then
// two transpose passes at the rotate/transpose/rotate cadence the interval
// template specifies.
func RotPattern(lat Latencies) Pattern {
	return Pattern{
		{UnitClass: "rot", StartOffset: func(t, vd int) int { return t }},
		{UnitClass: "tra", StartOffset: func(t, vd int) int { return t + lat.RotOneStage }},
		{UnitClass: "tra", StartOffset: func(t, vd int) int { return t + lat.RotOneStage + lat.Transpose + lat.RotOneStage }},
	}
}

// NttPattern builds the Ntt/Int reservation: an optional leading
// base-conversion read when the source operand is BCU-resident, the NTT
// butterfly stage, then a transpose pass.
func NttPattern(lat Latencies, bcuSourced bool) Pattern {
	nttStart := func(t, vd int) int { return t }
	var p Pattern
	if bcuSourced {
		p = append(p, Stage{UnitClass: "bcu", StartOffset: func(t, vd int) int { return t }, Extra: lat.BcuRead})
		nttStart = func(t, vd int) int { return t + lat.BcuRead }
	}
	p = append(p,
		Stage{UnitClass: "ntt", StartOffset: nttStart, Extra: lat.NTTButterfly},
		Stage{UnitClass: "tra", StartOffset: func(t, vd int) int { return nttStart(t, vd) + lat.NTTOneStage + lat.Mul }},
	)
	return p
}

// SuDPattern builds the SuD (subtract-then-divide key-switching step)
// reservation: the same optional BCU-sourced leading read as Ntt, the NTT
// and its transpose, then the sub (add-unit) and div (mul-unit) stages that
// follow the NTT's retirement.
func SuDPattern(lat Latencies, bcuSourced bool) Pattern {
	nttStart := func(t, vd int) int { return t }
	var p Pattern
	if bcuSourced {
		p = append(p, Stage{UnitClass: "bcu", StartOffset: func(t, vd int) int { return t }, Extra: lat.BcuRead})
		nttStart = func(t, vd int) int { return t + lat.BcuRead }
	}
	nttEnd := func(t, vd int) int { return nttStart(t, vd) + vd - 1 + lat.NTTButterfly }
	subStart := nttEnd
	p = append(p,
		Stage{UnitClass: "ntt", StartOffset: nttStart, Extra: lat.NTTButterfly},
		Stage{UnitClass: "tra", StartOffset: func(t, vd int) int { return nttStart(t, vd) + lat.NTTOneStage + lat.Mul }},
		Stage{UnitClass: "add", StartOffset: subStart},
		Stage{UnitClass: "mul", StartOffset: func(t, vd int) int { return subStart(t, vd) + lat.Add }, Extra: lat.Mul},
	)
	return p
}

// BcWPattern is the single-stage base-conversion write reservation.
func BcWPattern(lat Latencies) Pattern {
	return Pattern{{UnitClass: "bcu", StartOffset: func(t, vd int) int { return t }}}
}

// BcRPattern is the single-stage standalone base-conversion read
// reservation (the same stage Ntt/SuD grow inline when BCU-sourced).
func BcRPattern(lat Latencies) Pattern {
	return Pattern{{UnitClass: "bcu", StartOffset: func(t, vd int) int { return t }, Extra: lat.BcuRead}}
}

// Pl1Pattern builds the Pl1 (inverse NTT, transpose, base-conversion write)
// reservation.
func Pl1Pattern(lat Latencies) Pattern {
	return Pattern{
		{UnitClass: "ntt", StartOffset: func(t, vd int) int { return t }, Extra: lat.NTTButterfly},
		{UnitClass: "tra", StartOffset: func(t, vd int) int { return t + lat.NTTOneStage + lat.Mul }},
		{UnitClass: "bcu", StartOffset: func(t, vd int) int { return t + lat.NTT }},
	}
}

// Queue is a FIFO of dispatched instructions for one opcode class.
type Queue struct {
	name         string
	unitsByClass map[string][]*funcunit.Unit
	pattern      Pattern
	vecDepth     int
	fifo         []Dispatched
	log          *logrus.Entry
}

func newQueue(name string, unitsByClass map[string][]*funcunit.Unit, pattern Pattern, vecDepth int, log *logrus.Entry) *Queue {
	return &Queue{name: name, unitsByClass: unitsByClass, pattern: pattern, vecDepth: vecDepth, log: log}
}

// Enqueue appends a dispatched instruction to the tail of the FIFO.
func (q *Queue) Enqueue(inst Dispatched) {
	q.fifo = append(q.fifo, inst)
}

// Len reports the number of instructions currently queued.
func (q *Queue) Len() int { return len(q.fifo) }

// Tick walks the FIFO from the head. While the head instruction's operands
// are all ready, it attempts to reserve every stage of the pattern,
// atomically: either every stage succeeds and the instruction is removed
// from the FIFO, or none are reserved and the queue stops. A head whose
// operands are not ready also stops the queue, even when instructions
// behind it are ready — head-of-line blocking. Each stage reserves on the first unit (in
// configuration order, within that stage's own unit class) where the
// interval does not overlap.
func (q *Queue) Tick(cycle int) {
	for len(q.fifo) > 0 {
		head := q.fifo[0]
		if !head.OperandsReady() {
			return
		}
		if !q.reserveAll(cycle, head) {
			return
		}
		q.fifo = q.fifo[1:]
	}
}

func (q *Queue) reserveAll(cycle int, inst Dispatched) bool {
	pattern := q.pattern
	if pp, ok := inst.(PatternProvider); ok {
		if custom := pp.Pattern(); custom != nil {
			pattern = custom
		}
	}

	type planned struct {
		unit *funcunit.Unit
		iv   interval.Interval
	}
	var plan []planned
	for i, stage := range pattern {
		start := stage.StartOffset(cycle, q.vecDepth)
		end := start + q.vecDepth - 1 + stage.Extra
		iv := interval.Interval{Start: start, End: end, Ref: stageRef(inst, i, len(pattern))}
		unit, ok := firstReservable(q.unitsByClass[stage.UnitClass], iv)
		if !ok {
			return false
		}
		plan = append(plan, planned{unit: unit, iv: iv})
	}
	for _, p := range plan {
		if err := p.unit.Reserve(p.iv); err != nil {
			panic("queue: reservation accepted by CanReserve but rejected by Reserve: " + err.Error())
		}
	}
	return true
}

func firstReservable(units []*funcunit.Unit, iv interval.Interval) (*funcunit.Unit, bool) {
	for _, u := range units {
		if u.CanReserve(iv) {
			return u, true
		}
	}
	return nil, false
}
