// Package memunit implements the memory unit: load/store FIFOs, a bounded
// number of concurrent chunked backend requests, and the address-keyed
// alias-forwarding lookups the dispatcher consults before issuing a memory
// op.
package memunit

import (
	"github.com/sirupsen/logrus"
)

// Op distinguishes the memory operations a queued instruction can carry.
type Op uint8

const (
	OpLoad Op = iota
	OpStore
	OpSpill
)

// Entry is one queued memory instruction.
type Entry struct {
	Addr     int64
	Op       Op
	DestPhys int // valid for OpLoad
	SrcPhys  int // valid for OpStore/OpSpill
	Size     int // request size in bytes
	Quashed  bool

	// IsReady reports current operand readiness. It is consulted fresh on
	// every TickIssue — an instruction is not re-attempted until a later
	// cycle's call returns true, so a store waiting on its source value
	// never issues a premature backend request. A nil IsReady is treated
	// as always-ready (loads: the address is already resolved at
	// dispatch, so nothing further gates the request).
	IsReady func() bool

	// OnComplete, if set, runs once when TickComplete finishes this entry
	// (never for a quashed one). It is the dispatcher's hook for marking a
	// load's destination register ready; Entry itself holds no reference
	// to a register file.
	OnComplete func()

	id uint64
}

func (e *Entry) ready() bool {
	if e.IsReady == nil {
		return true
	}
	return e.IsReady()
}

// Backend is the memory-hierarchy backend a request slot issues chunks
// against. A production build wires a real backend (e.g. a DRAM/HBM timing
// model) that answers asynchronously, driving completion by calling
// CompleteChunk from its own timing loop. A backend that completes
// synchronously (or wants to be told how) can instead implement
// CompletionAcceptor.
type Backend interface {
	// IssueChunk submits one requestWidth-sized chunk of op tagged with
	// slot, returning an opaque request handle.
	IssueChunk(op Op, slot int, addr int64, width int) any
}

// CompletionAcceptor lets a Backend learn how to signal a chunk's
// completion back into the Unit that owns it, for backends that settle a
// request during or shortly after IssueChunk rather than via some
// separately-driven timing loop calling CompleteChunk directly.
type CompletionAcceptor interface {
	AcceptCompletions(complete func(op Op, slotIdx int))
}

type slot struct {
	occupied       bool
	entry          *Entry
	bytesProcessed int
	requestSize    int
	issuedAt       int
	responseReady  bool
}

// Unit is the per-chiplet memory unit: independent load and store FIFOs,
// each served by its own pool of concurrent in-flight request slots.
type Unit struct {
	RequestWidth int // bytes per backend chunk, default 1024
	NumSlots     int // concurrent in-flight requests per queue, default 2

	loadQueue  []*Entry
	storeQueue []*Entry

	loadSlots  []slot
	storeSlots []slot

	backend Backend
	log     *logrus.Entry
	nextID  uint64
}

// NewUnit constructs a memory unit with the given chunk width and slot
// count, backed by the given Backend.
func NewUnit(requestWidth, numSlots int, backend Backend, log *logrus.Entry) *Unit {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	u := &Unit{
		RequestWidth: requestWidth,
		NumSlots:     numSlots,
		loadSlots:    make([]slot, numSlots),
		storeSlots:   make([]slot, numSlots),
		backend:      backend,
		log:          log.WithField("component", "memunit"),
	}
	if ca, ok := backend.(CompletionAcceptor); ok {
		ca.AcceptCompletions(u.CompleteChunk)
	}
	return u
}

// EnqueueLoad appends a load entry to the load queue and returns it.
func (u *Unit) EnqueueLoad(e *Entry) {
	e.Op = OpLoad
	e.id = u.nextID
	u.nextID++
	u.loadQueue = append(u.loadQueue, e)
}

// EnqueueStore appends a store/spill entry to the store queue.
func (u *Unit) EnqueueStore(e *Entry) {
	e.id = u.nextID
	u.nextID++
	u.storeQueue = append(u.storeQueue, e)
}

// FindStoreAlias walks the store queue newest-first looking for an entry
// at addr. On a hit, it returns the hit entry's source physical register
// (SrcPhys) and whether the hit was found; if quashAliasingStore is true,
// or the hit entry is a Spill, the hit is quashed (any reference release
// is left to the caller, since Entry does not own a register file),
// returned as quashed, and removed from the queue.
func (u *Unit) FindStoreAlias(addr int64, quashAliasingStore bool) (destPhys int, quashed *Entry, found bool) {
	for i := len(u.storeQueue) - 1; i >= 0; i-- {
		e := u.storeQueue[i]
		if e.Addr != addr || e.Quashed {
			continue
		}
		if quashAliasingStore || e.Op == OpSpill {
			e.Quashed = true
			u.storeQueue = append(u.storeQueue[:i], u.storeQueue[i+1:]...)
			return e.SrcPhys, e, true
		}
		return e.SrcPhys, nil, true
	}
	return 0, nil, false
}

// FindLoadAlias walks the load queue newest-first looking for an entry at
// addr. It never mutates the queue.
func (u *Unit) FindLoadAlias(addr int64) (destPhys int, found bool) {
	for i := len(u.loadQueue) - 1; i >= 0; i-- {
		e := u.loadQueue[i]
		if e.Addr == addr {
			return e.DestPhys, true
		}
	}
	return 0, false
}

// TickIssue walks both FIFOs from the head, filling any free request slot
// with the first ready instruction, splitting it into RequestWidth chunks.
// cycle is the current simulator cycle, used to timestamp issuedAt.
func (u *Unit) TickIssue(cycle int) {
	u.issueQueue(&u.loadQueue, u.loadSlots, cycle)
	u.issueQueue(&u.storeQueue, u.storeSlots, cycle)
}

func (u *Unit) issueQueue(queue *[]*Entry, slots []slot, cycle int) {
	for i := range slots {
		if slots[i].occupied {
			continue
		}
		idx := firstReady(*queue)
		if idx < 0 {
			return
		}
		e := (*queue)[idx]
		*queue = append((*queue)[:idx], (*queue)[idx+1:]...)
		slots[i] = slot{
			occupied:    true,
			entry:       e,
			requestSize: e.Size,
			issuedAt:    cycle,
		}
		numChunks := (e.Size + u.RequestWidth - 1) / u.RequestWidth
		for c := 0; c < numChunks; c++ {
			if u.backend != nil {
				u.backend.IssueChunk(e.Op, i, e.Addr, u.RequestWidth)
			}
		}
	}
}

func firstReady(queue []*Entry) int {
	for i, e := range queue {
		if e.ready() {
			return i
		}
	}
	return -1
}

// CompleteChunk bumps the given slot's bytesProcessed by RequestWidth and
// marks the slot's response received once bytesProcessed >= requestSize.
// which selects load or store slots.
func (u *Unit) CompleteChunk(which Op, slotIdx int) {
	slots := u.loadSlots
	if which != OpLoad {
		slots = u.storeSlots
	}
	s := &slots[slotIdx]
	if !s.occupied {
		return
	}
	s.bytesProcessed += u.RequestWidth
	if s.bytesProcessed >= s.requestSize {
		s.responseReady = true
	}
}

// TickComplete runs the end-of-cycle completion pass: every slot with a
// received response invokes complete and becomes idle. complete is handed
// the finished entry; it is the caller's responsibility to update register
// state (destination ready + ref decrement for loads, src ref decrement
// for stores/spills), since Entry is register-file agnostic.
func (u *Unit) TickComplete(complete func(*Entry)) {
	finishSlots(u.loadSlots, complete)
	finishSlots(u.storeSlots, complete)
}

func finishSlots(slots []slot, complete func(*Entry)) {
	for i := range slots {
		if slots[i].occupied && slots[i].responseReady {
			if !slots[i].entry.Quashed {
				complete(slots[i].entry)
			}
			slots[i] = slot{}
		}
	}
}

// Drained reports whether both queues are empty and no slot is occupied —
// part of the chiplet's "okay to finish" check.
func (u *Unit) Drained() bool {
	if len(u.loadQueue) != 0 || len(u.storeQueue) != 0 {
		return false
	}
	for _, s := range u.loadSlots {
		if s.occupied {
			return false
		}
	}
	for _, s := range u.storeSlots {
		if s.occupied {
			return false
		}
	}
	return true
}
