// Package chiplet implements the per-chiplet out-of-order dispatcher: it
// renames registers, assigns memory-term addresses, materializes each
// parsed instruction into a dispatched record, and drives the per-cycle
// fetch -> dispatch -> queue-tick -> begin-phase -> end-phase sequence.
package chiplet

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cinnamon/pkg/funcunit"
	"cinnamon/pkg/memunit"
	"cinnamon/pkg/network"
	"cinnamon/pkg/opcode"
	"cinnamon/pkg/queue"
	"cinnamon/pkg/reg"
	"cinnamon/pkg/trace"
)

const (
	limbSize       = 224 * 1024
	scalarReqSize  = 7 * 1024
	networkChunk   = 224 * 1024
)

// Config bundles the per-chiplet parameters the dispatcher, register
// files and memory unit are built from.
type Config struct {
	VecDepth             int
	NumVectorRegs        int
	NumScalarRegs        int
	NumBcuVRegs          int
	NumBcuBuffs          int
	UsePRNG              bool
	MemoryRequestWidth   int
	NumConcurrentMemReqs int
}

// Stats holds the per-chiplet end-of-run statistics (§6 Outputs). Only the
// counters the dispatcher and functional units can account for locally are
// collected; no network or timing-derived statistics are recorded, and
// pkg/sim's Report adds only the number of cycles run.
type Stats struct {
	InstructionsDispatched int
	RegisterReads          int
	RegisterWrites         int
	LoadsIssued            int
	StoresIssued           int
}

// dispatchedInst is the chiplet's materialized instruction record — the
// queue.Dispatched implementation every instruction-queue handles. pattern
// is nil for the single-stage opcodes (Add, Mul, Evg, Rsv, Mod, Mov, Con,
// Nop); when set, it both overrides the queue's default Pattern (via
// queue.PatternProvider) and tells StageComplete which stage is terminal.
type dispatchedInst struct {
	op         opcode.OpCode
	destPhys   []*reg.Physical
	srcPhys    []*reg.Physical
	pattern    queue.Pattern
	ready      func() bool
	onComplete func()
}

func (d *dispatchedInst) OpCode() opcode.OpCode { return d.op }
func (d *dispatchedInst) OperandsReady() bool {
	if d.ready != nil {
		return d.ready()
	}
	for _, s := range d.srcPhys {
		if !s.ValueReady {
			return false
		}
	}
	return true
}
func (d *dispatchedInst) Complete() {
	for _, dst := range d.destPhys {
		dst.ValueReady = true
	}
	if d.onComplete != nil {
		d.onComplete()
	}
}

// Pattern implements queue.PatternProvider.
func (d *dispatchedInst) Pattern() queue.Pattern { return d.pattern }

// StageComplete implements queue.MultiStage: every non-terminal stage of a
// split opcode (e.g. a Rot's intervening transpose passes) carries no
// effect beyond occupying its functional unit; only the terminal stage
// drives the instruction's real completion.
func (d *dispatchedInst) StageComplete(stage int) {
	if stage != len(d.pattern)-1 {
		return
	}
	d.Complete()
}

// Chiplet is one chiplet's complete dispatcher, register state, memory
// unit and instruction-queue family.
type Chiplet struct {
	ID  int
	cfg Config

	vectorFile *reg.File
	scalarFile *reg.File
	bcvrFile   *reg.BCVRFile

	vectorRename *reg.RenameMap
	scalarRename *reg.RenameMap
	bcvrRename   *reg.BCVRRenameMap

	terms    map[string]int64
	numTerms int64

	mem      *memunit.Unit
	family   *queue.Family
	buffers  []*funcunit.BufferUnit
	lat      queue.Latencies

	net  *network.Network
	netq netQueue

	reader  *trace.Reader
	fetched *trace.Instruction
	exhausted bool

	stats Stats
	log   *logrus.Entry
}

// New constructs a chiplet with fresh register files, rename maps, memory
// unit and instruction-queue family, reading its trace from r. net is the
// shared collective network this chiplet's Dis/Rcv/Joi instructions
// register against; pass nil for a chiplet whose trace never uses them.
func New(id int, cfg Config, r io.Reader, units map[string][]*funcunit.Unit, backend memunit.Backend, net *network.Network, log *logrus.Entry) *Chiplet {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := log.WithField("chiplet", id)

	vecFile := reg.NewFile(reg.Vector, cfg.NumVectorRegs)
	scalarFile := reg.NewFile(reg.Scalar, cfg.NumScalarRegs)
	bcvrFile := reg.NewBCVRFile(cfg.NumBcuVRegs)

	buffers := make([]*funcunit.BufferUnit, cfg.NumBcuBuffs)
	for i := range buffers {
		buffers[i] = funcunit.NewBufferUnit(i)
	}

	lat := queue.DefaultLatencies(cfg.VecDepth)

	c := &Chiplet{
		ID:           id,
		cfg:          cfg,
		vectorFile:   vecFile,
		scalarFile:   scalarFile,
		bcvrFile:     bcvrFile,
		vectorRename: reg.NewRenameMap(vecFile),
		scalarRename: reg.NewRenameMap(scalarFile),
		bcvrRename:   reg.NewBCVRRenameMap(bcvrFile),
		terms:        make(map[string]int64),
		mem:          memunit.NewUnit(cfg.MemoryRequestWidth, cfg.NumConcurrentMemReqs, backend, entry),
		family:       queue.NewFamily(units, lat, cfg.VecDepth, entry),
		buffers:      buffers,
		lat:          lat,
		net:          net,
		reader:       trace.NewReader(r),
		log:          entry,
	}
	if net != nil {
		net.RegisterDeliveryHandler(id, c.netq.onDelivered)
	}
	return c
}

// addressOf returns the byte address for a memory term, assigning a fresh
// monotonically increasing address on first appearance.
func (c *Chiplet) addressOf(term string) int64 {
	if addr, ok := c.terms[term]; ok {
		return addr
	}
	addr := c.numTerms * limbSize
	c.terms[term] = addr
	c.numTerms++
	return addr
}

// Tick runs one cycle: fetch, dispatch loop, queue tick, functional-unit
// begin/end phases. It returns true once the trace is exhausted and every
// queue, unit and outstanding request has drained — "okay to finish".
func (c *Chiplet) Tick(cycle int) (okayToFinish bool, err error) {
	if err := c.fetchIfNeeded(); err != nil {
		return false, err
	}
	for c.fetched != nil {
		dispatched, err := c.dispatch(c.fetched)
		if err != nil {
			return false, err
		}
		if !dispatched {
			break
		}
		if err := c.fetchIfNeeded(); err != nil {
			return false, err
		}
	}

	if err := c.family.Tick(cycle); err != nil {
		return false, errors.Wrapf(err, "chiplet %d", c.ID)
	}
	c.mem.TickIssue(cycle)
	c.mem.TickComplete(func(e *memunit.Entry) {
		if e.OnComplete != nil {
			e.OnComplete()
		}
	})
	for _, b := range c.buffers {
		b.End(func(v *reg.BCVR) { c.bcvrFile.DecRef(v.VirtID) })
	}
	if c.net != nil {
		if err := c.netq.tick(c.net, c.ID); err != nil {
			return false, errors.Wrapf(err, "chiplet %d", c.ID)
		}
	}

	return c.exhausted && c.fetched == nil && c.mem.Drained() && c.allBuffersIdle() && c.netq.drained(), nil
}

func (c *Chiplet) allBuffersIdle() bool {
	for _, b := range c.buffers {
		if b.IsBusy() {
			return false
		}
	}
	return true
}

func (c *Chiplet) fetchIfNeeded() error {
	if c.fetched != nil || c.exhausted {
		return nil
	}
	inst, err := c.reader.Next()
	if err == io.EOF {
		c.exhausted = true
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "chiplet %d: fetch", c.ID)
	}
	c.fetched = inst
	return nil
}

// dispatch attempts to materialize and route the given parsed instruction.
// It returns (true, nil) if dispatch succeeded this cycle (the caller
// should fetch the next instruction), (false, nil) if rename availability
// blocked dispatch (retry next cycle), or a non-nil error for a scheduling
// invariant violation.
func (c *Chiplet) dispatch(inst *trace.Instruction) (bool, error) {
	op := inst.OpCode
	if op == opcode.EvkGen && !c.cfg.UsePRNG {
		op = opcode.LoadV
	}

	switch op {
	case opcode.LoadV:
		return c.dispatchLoad(inst, false)
	case opcode.LoadS:
		return c.dispatchLoad(inst, true)
	case opcode.Store:
		return c.dispatchStore(inst, opcode.Store, true)
	case opcode.Spill:
		return c.dispatchStore(inst, opcode.Spill, false)
	case opcode.Mov:
		return c.dispatchMov(inst)
	case opcode.Nop:
		c.fetched = nil
		c.stats.InstructionsDispatched++
		return true, nil
	case opcode.Rot, opcode.Ntt, opcode.Int, opcode.SuD, opcode.BcW, opcode.BcR, opcode.Pl1:
		return c.dispatchMultiStage(inst, op)
	case opcode.Bci:
		return c.dispatchBci(inst)
	case opcode.Dis, opcode.Rcv, opcode.Joi:
		return c.dispatchCollective(inst, op)
	default:
		return c.dispatchArith(inst, op)
	}
}

func (c *Chiplet) dispatchLoad(inst *trace.Instruction, scalar bool) (bool, error) {
	term, ok := termOperand(inst.Srcs)
	if !ok {
		return false, errors.Errorf("chiplet %d: load missing memory-term source", c.ID)
	}
	addr := c.addressOf(term)
	destOp, ok := firstArchDest(inst.Dests)
	if !ok {
		return false, errors.Errorf("chiplet %d: load missing destination register", c.ID)
	}
	rename, file := c.renameFor(destOp.Kind)
	if destPhys, found := c.aliasLookup(addr); found {
		rename.Alias(destOp.ArchID, destPhys)
		c.fetched = nil
		c.stats.InstructionsDispatched++
		return true, nil
	}
	if !rename.CanWrite() {
		return false, nil
	}
	_ = file
	phys := rename.Write(destOp.ArchID)
	size := limbSize
	if scalar {
		size = scalarReqSize
	}
	entry := &memunit.Entry{Addr: addr, DestPhys: phys.ID, Size: size, OnComplete: func() { phys.ValueReady = true }}
	c.mem.EnqueueLoad(entry)
	c.stats.LoadsIssued++
	if scalar {
		phys.ValueReady = true
	}
	c.fetched = nil
	c.stats.InstructionsDispatched++
	return true, nil
}

// aliasLookup mirrors the dispatcher's pre-dispatch alias-forwarding
// consultation for LoadV: find_store_alias(addr, false) then
// find_load_alias(addr). On a hit it returns the handle for the hit's
// physical id, always looked up in the vector register file.
func (c *Chiplet) aliasLookup(addr int64) (*reg.Physical, bool) {
	if destPhys, _, found := c.mem.FindStoreAlias(addr, false); found {
		return c.vectorFile.At(destPhys), true
	}
	if destPhys, found := c.mem.FindLoadAlias(addr); found {
		return c.vectorFile.At(destPhys), true
	}
	return nil, false
}

func (c *Chiplet) dispatchStore(inst *trace.Instruction, op opcode.OpCode, quash bool) (bool, error) {
	term, ok := termOperand(inst.Dests)
	if !ok {
		return false, errors.Errorf("chiplet %d: store missing memory-term destination", c.ID)
	}
	addr := c.addressOf(term)
	srcOp, ok := firstArchDest(inst.Srcs)
	if !ok {
		return false, errors.Errorf("chiplet %d: store missing source register", c.ID)
	}
	rename, _ := c.renameFor(srcOp.Kind)
	phys, ok := rename.Read(srcOp.ArchID)
	if !ok {
		return false, errors.Errorf("chiplet %d: store source %d not mapped", c.ID, srcOp.ArchID)
	}
	if srcOp.Dead {
		rename.ReadDead(srcOp.ArchID)
	}

	mop := memunit.OpStore
	if op == opcode.Spill {
		mop = memunit.OpSpill
	}
	if _, quashedEntry, found := c.mem.FindStoreAlias(addr, quash); found && quashedEntry != nil {
		// the quashed entry's own source reference is released by its
		// original dispatcher caller (tracked via memunit.Entry.SrcPhys).
		rename2, file2 := c.renameForID(quashedEntry.SrcPhys)
		_ = rename2
		if file2 != nil {
			file2.DecRef(quashedEntry.SrcPhys)
		}
	}
	entry := &memunit.Entry{Addr: addr, Op: mop, SrcPhys: phys.ID, Size: limbSize, IsReady: func() bool { return phys.ValueReady }}
	c.mem.EnqueueStore(entry)
	c.stats.StoresIssued++
	c.fetched = nil
	c.stats.InstructionsDispatched++
	return true, nil
}

// renameForID is a best-effort lookup used only to release a quashed
// store's source reference; it assumes vector registers, since spills and
// stores in this trace language operate on vector data.
func (c *Chiplet) renameForID(physID int) (*reg.RenameMap, *reg.File) {
	return c.vectorRename, c.vectorFile
}

func (c *Chiplet) dispatchMov(inst *trace.Instruction) (bool, error) {
	destOp, ok := firstArchDest(inst.Dests)
	if !ok {
		return false, errors.Errorf("chiplet %d: mov missing destination", c.ID)
	}
	srcOp, ok := firstArchDest(inst.Srcs)
	if !ok {
		return false, errors.Errorf("chiplet %d: mov missing source", c.ID)
	}
	rename, _ := c.renameFor(destOp.Kind)
	srcRename, _ := c.renameFor(srcOp.Kind)
	src, ok := srcRename.Read(srcOp.ArchID)
	if !ok {
		return false, errors.Errorf("chiplet %d: mov source %d not mapped", c.ID, srcOp.ArchID)
	}
	rename.Alias(destOp.ArchID, src)
	c.fetched = nil
	c.stats.InstructionsDispatched++
	return true, nil
}

func (c *Chiplet) dispatchArith(inst *trace.Instruction, op opcode.OpCode) (bool, error) {
	q := c.family.Queue(op)
	if q == nil {
		return false, errors.Errorf("chiplet %d: no queue handles opcode %s", c.ID, op)
	}

	var destPhys []*reg.Physical
	for _, d := range inst.Dests {
		rename, _ := c.renameFor(d.Kind)
		if rename == nil {
			continue
		}
		if !rename.CanWrite() {
			return false, nil
		}
	}
	for _, d := range inst.Dests {
		rename, _ := c.renameFor(d.Kind)
		if rename == nil {
			continue
		}
		destPhys = append(destPhys, rename.Write(d.ArchID))
		c.stats.RegisterWrites++
	}

	var srcPhys []*reg.Physical
	for _, s := range inst.Srcs {
		rename, _ := c.renameFor(s.Kind)
		if rename == nil {
			continue
		}
		p, ok := rename.Read(s.ArchID)
		if !ok {
			return false, errors.Errorf("chiplet %d: source %d (%s) not mapped", c.ID, s.ArchID, op)
		}
		srcPhys = append(srcPhys, p)
		c.stats.RegisterReads++
		if s.Dead {
			rename.ReadDead(s.ArchID)
		}
	}

	q.Enqueue(&dispatchedInst{op: op, destPhys: destPhys, srcPhys: srcPhys})
	c.fetched = nil
	c.stats.InstructionsDispatched++
	return true, nil
}

// dispatchMultiStage handles the interval-template table's multi-stage
// opcodes: Rot, Ntt/Int, SuD, BcW, BcR, Pl1. Unlike dispatchArith, a source
// or destination may be a BCVRef (base-conversion virtual register) rather
// than an ordinary architectural register — Ntt/Int/SuD detect a BCVRef
// source and grow a leading base-conversion-read stage via PatternProvider;
// BcW/Pl1's destination is always a BCVRef write.
func (c *Chiplet) dispatchMultiStage(inst *trace.Instruction, op opcode.OpCode) (bool, error) {
	q := c.family.Queue(op)
	if q == nil {
		return false, errors.Errorf("chiplet %d: no queue handles opcode %s", c.ID, op)
	}

	for _, d := range inst.Dests {
		if d.Kind == trace.BCVRef {
			continue
		}
		rename, _ := c.renameFor(d.Kind)
		if rename != nil && !rename.CanWrite() {
			return false, nil
		}
	}

	var destPhys []*reg.Physical
	var destBCVR *reg.BCVR
	for _, d := range inst.Dests {
		if d.Kind == trace.BCVRef {
			bcvr, ok := c.bcvrRename.Read(d.BCUID)
			if !ok {
				return false, errors.Errorf("chiplet %d: %s destination BCVR b%d not mapped", c.ID, op, d.BCUID)
			}
			destBCVR = bcvr
			continue
		}
		rename, _ := c.renameFor(d.Kind)
		if rename == nil {
			continue
		}
		destPhys = append(destPhys, rename.Write(d.ArchID))
		c.stats.RegisterWrites++
	}

	var srcPhys []*reg.Physical
	var srcBCVR *reg.BCVR
	bcuSourced := false
	for _, s := range inst.Srcs {
		if s.Kind == trace.BCVRef {
			bcvr, ok := c.bcvrRename.Read(s.BCUID)
			if !ok {
				return false, errors.Errorf("chiplet %d: %s source BCVR b%d not mapped", c.ID, op, s.BCUID)
			}
			bcuSourced = true
			srcBCVR = bcvr
			continue
		}
		rename, _ := c.renameFor(s.Kind)
		if rename == nil {
			continue
		}
		p, ok := rename.Read(s.ArchID)
		if !ok {
			return false, errors.Errorf("chiplet %d: source %d (%s) not mapped", c.ID, s.ArchID, op)
		}
		srcPhys = append(srcPhys, p)
		c.stats.RegisterReads++
		if s.Dead {
			rename.ReadDead(s.ArchID)
		}
	}

	d := &dispatchedInst{op: op, destPhys: destPhys, srcPhys: srcPhys, pattern: c.patternFor(op, bcuSourced)}
	d.ready = func() bool {
		for _, s := range srcPhys {
			if !s.ValueReady {
				return false
			}
		}
		if srcBCVR != nil && !srcBCVR.ValueReady {
			return false
		}
		return true
	}
	d.onComplete = func() {
		if destBCVR != nil {
			destBCVR.ExecuteWrite()
		}
		if srcBCVR != nil {
			srcBCVR.ExecuteRead()
		}
	}

	q.Enqueue(d)
	c.fetched = nil
	c.stats.InstructionsDispatched++
	return true, nil
}

// patternFor builds the reservation Pattern for a multi-stage opcode,
// growing Ntt/SuD's leading base-conversion-read stage when the dispatched
// instruction's source is BCU-resident.
func (c *Chiplet) patternFor(op opcode.OpCode, bcuSourced bool) queue.Pattern {
	switch op {
	case opcode.Rot:
		return queue.RotPattern(c.lat)
	case opcode.Ntt, opcode.Int:
		return queue.NttPattern(c.lat, bcuSourced)
	case opcode.SuD:
		return queue.SuDPattern(c.lat, bcuSourced)
	case opcode.BcW:
		return queue.BcWPattern(c.lat)
	case opcode.BcR:
		return queue.BcRPattern(c.lat)
	case opcode.Pl1:
		return queue.Pl1Pattern(c.lat)
	default:
		return nil
	}
}

// dispatchBci implements the Bci queue's "first idle BCU buffer" pattern:
// it does not reserve a functional-unit interval at all, it binds a fresh
// BCVR directly to whichever buffer in c.buffers is currently idle.
func (c *Chiplet) dispatchBci(inst *trace.Instruction) (bool, error) {
	destOp, ok := firstBCUInit(inst.Dests)
	if !ok {
		return false, errors.Errorf("chiplet %d: bci missing BCU-init destination", c.ID)
	}
	if !c.bcvrRename.CanWrite() {
		return false, nil
	}
	buf, ok := c.firstIdleBuffer()
	if !ok {
		return false, nil
	}
	bcvr := c.bcvrRename.Write(destOp.BCUID, destOp.NumOutBases, destOp.NumInBases)
	buf.InitInstruction(bcvr)
	c.fetched = nil
	c.stats.InstructionsDispatched++
	return true, nil
}

func (c *Chiplet) firstIdleBuffer() (*funcunit.BufferUnit, bool) {
	for _, b := range c.buffers {
		if !b.IsBusy() {
			return b, true
		}
	}
	return nil, false
}

func firstBCUInit(ops []trace.Operand) (trace.Operand, bool) {
	for _, o := range ops {
		if o.Kind == trace.BCUInit {
			return o, true
		}
	}
	return trace.Operand{}, false
}

// dispatchCollective enqueues a Dis/Rcv/Joi instruction onto the chiplet's
// network-gated collective queue (§4.6's "chiplet-side Dis queue"), rather
// than an instruction-queue-family Queue: these opcodes have no fixed
// latency, they block on the shared network's synchronization barrier.
func (c *Chiplet) dispatchCollective(inst *trace.Instruction, op opcode.OpCode) (bool, error) {
	if c.net == nil {
		return false, errors.Errorf("chiplet %d: %s requires a network, none configured", c.ID, op)
	}
	if inst.SyncID == nil || inst.SyncSize == nil {
		return false, errors.Errorf("chiplet %d: %s missing sync id/size", c.ID, op)
	}

	destOp, hasDest := firstArchDest(inst.Dests)
	srcOp, hasSrc := firstArchDest(inst.Srcs)

	var destRename *reg.RenameMap
	if hasDest {
		destRename, _ = c.renameFor(destOp.Kind)
		if destRename == nil || !destRename.CanWrite() {
			return false, nil
		}
	}

	e := &collectiveEntry{syncID: *inst.SyncID, syncSize: *inst.SyncSize}
	switch op {
	case opcode.Dis, opcode.Rcv:
		e.netOp = network.Brc
	case opcode.Joi:
		e.netOp = network.Agg
	}

	if hasDest {
		e.hasDest = true
		e.destPhys = destRename.Write(destOp.ArchID)
		c.stats.RegisterWrites++
	}
	if hasSrc {
		rename, _ := c.renameFor(srcOp.Kind)
		p, ok := rename.Read(srcOp.ArchID)
		if !ok {
			return false, errors.Errorf("chiplet %d: %s source %d not mapped", c.ID, op, srcOp.ArchID)
		}
		e.hasSrc = true
		e.srcPhys = p
		c.stats.RegisterReads++
		if srcOp.Dead {
			rename.ReadDead(srcOp.ArchID)
		}
	}

	c.netq.enqueue(e)
	c.fetched = nil
	c.stats.InstructionsDispatched++
	return true, nil
}

func (c *Chiplet) renameFor(kind trace.OperandKind) (*reg.RenameMap, *reg.File) {
	switch kind {
	case trace.VectorArchReg:
		return c.vectorRename, c.vectorFile
	case trace.ScalarArchReg:
		return c.scalarRename, c.scalarFile
	default:
		return nil, nil
	}
}

func termOperand(ops []trace.Operand) (name string, ok bool) {
	for _, o := range ops {
		if o.Kind == trace.MemoryTerm {
			return o.Term, true
		}
	}
	return "", false
}

func firstArchDest(ops []trace.Operand) (trace.Operand, bool) {
	for _, o := range ops {
		if o.Kind == trace.VectorArchReg || o.Kind == trace.ScalarArchReg {
			return o, true
		}
	}
	return trace.Operand{}, false
}

// Stats returns the chiplet's accumulated end-of-run counters.
func (c *Chiplet) Stats() Stats { return c.stats }

func (c *Chiplet) String() string {
	return fmt.Sprintf("chiplet[%d]", c.ID)
}
