// Package reg implements the physical register file, the base-conversion
// virtual register (BCVR) file, and the three architectural-to-physical
// rename maps the dispatcher consults on every instruction.
package reg

import "fmt"

// Kind distinguishes the three physical register flavors. Vector and scalar
// registers are pooled at chiplet init; forwarding registers are created
// inline by an instruction queue splitting an opcode into pipeline stages
// and are never pooled.
type Kind uint8

const (
	Vector Kind = iota
	Scalar
	Forwarding
)

func (k Kind) String() string {
	switch k {
	case Vector:
		return "vector"
	case Scalar:
		return "scalar"
	case Forwarding:
		return "forwarding"
	default:
		return fmt.Sprintf("reg.Kind(%d)", uint8(k))
	}
}

// Physical is a reference-counted physical register cell. References never
// go negative; the File that owns a pooled register is responsible for
// reclaiming it the instant the count reaches zero.
type Physical struct {
	Kind       Kind
	ID         int
	ValueReady bool
	refs       int
}

// Refs reports the current reference count.
func (p *Physical) Refs() int { return p.refs }

// IncRef bumps the reference count. There is no upper bound — a register can
// be read by an arbitrary number of pending instructions.
func (p *Physical) IncRef() { p.refs++ }

// File is a pool of physical registers of one Kind (Vector or Scalar).
// Forwarding registers are never stored in a File; queues mint them inline
// with NewForwarding below.
type File struct {
	kind     Kind
	regs     []Physical
	freeList []int
}

// NewFile allocates n physical registers of the given kind, all initially
// free. kind must be Vector or Scalar; Forwarding registers are not pooled.
func NewFile(kind Kind, n int) *File {
	if kind == Forwarding {
		panic("reg: forwarding registers are not pooled in a File")
	}
	f := &File{kind: kind, regs: make([]Physical, n), freeList: make([]int, n)}
	for i := range f.regs {
		f.regs[i] = Physical{Kind: kind, ID: i}
		f.freeList[i] = i
	}
	return f
}

// Size returns the total number of registers in the file.
func (f *File) Size() int { return len(f.regs) }

// NumFree returns how many registers are currently on the free list.
func (f *File) NumFree() int { return len(f.freeList) }

// CanAllocate reports whether the free pool is non-empty — the dispatcher's
// rename-availability check for writes to this file's register kind.
func (f *File) CanAllocate() bool { return len(f.freeList) > 0 }

// Allocate removes and returns the head of the free pool, with reference
// count 1 and value-ready cleared. Panics if the pool is empty; callers
// must check CanAllocate first, mirroring the dispatcher's stall-on-full
// behavior rather than silently blocking here.
func (f *File) Allocate() *Physical {
	if len(f.freeList) == 0 {
		panic(fmt.Sprintf("reg: %s file exhausted", f.kind))
	}
	id := f.freeList[0]
	f.freeList = f.freeList[1:]
	p := &f.regs[id]
	p.ValueReady = false
	p.refs = 1
	return p
}

// At returns a pointer to the physical register with the given id.
func (f *File) At(id int) *Physical { return &f.regs[id] }

// DecRef decrements the reference count of the register with the given id
// and, the instant the count transitions to exactly zero, returns it to the
// free list. This mirrors decReference/addToFreeListIfFree being the same
// call in the reference model — there is no separate lazy collector.
func (f *File) DecRef(id int) {
	p := &f.regs[id]
	if p.refs <= 0 {
		panic(fmt.Sprintf("reg: DecRef on %s register %d with refs=%d", f.kind, id, p.refs))
	}
	p.refs--
	if p.refs == 0 {
		f.freeList = append(f.freeList, id)
	}
}

// NewForwarding mints an ephemeral forwarding register, never drawn from a
// File. It starts with zero references; a queue splitting an opcode into
// stages must IncRef it once per producer and once per consumer before
// relying on it, and is responsible for discarding it once the last
// reference drops (there is no pool to return it to).
func NewForwarding(id int) *Physical {
	return &Physical{Kind: Forwarding, ID: id, refs: 0}
}

// RenameMap is the architectural-id -> physical-register mapping for one
// register kind (vector or scalar). Writing an architectural register
// acquires a fresh physical id from the backing File, decrements whatever
// was previously mapped, and installs the new mapping; reading returns the
// currently mapped physical register and, if the read is marked dead,
// erases the mapping and decrements.
type RenameMap struct {
	file *File
	m    map[int]int
}

// NewRenameMap builds a rename map backed by the given physical register
// file.
func NewRenameMap(file *File) *RenameMap {
	return &RenameMap{file: file, m: make(map[int]int)}
}

// CanWrite reports whether a write to any architectural register would
// succeed — true exactly when the backing file has a free register.
func (r *RenameMap) CanWrite() bool { return r.file.CanAllocate() }

// Write renames the architectural register arch to a freshly allocated
// physical register, decrementing the previous mapping (if any) first, and
// returns the new physical register. Panics if the backing file is
// exhausted; callers must gate on CanWrite.
func (r *RenameMap) Write(arch int) *Physical {
	if old, ok := r.m[arch]; ok {
		r.file.DecRef(old)
	}
	p := r.file.Allocate()
	r.m[arch] = p.ID
	return p
}

// Alias installs arch -> the physical register currently backing src,
// decrementing arch's previous mapping first and incrementing the shared
// physical register's reference count. This is the rename-only semantics of
// `Mov dest, src` and of load/store alias-forwarding shortcuts: no new
// physical register is allocated.
func (r *RenameMap) Alias(arch int, src *Physical) {
	if old, ok := r.m[arch]; ok {
		r.file.DecRef(old)
	}
	r.m[arch] = src.ID
	src.IncRef()
}

// Read returns the physical register currently mapped to the architectural
// register arch, and whether a mapping exists. Read never mutates; a read
// the trace marked as the register's last use goes through ReadDead, which
// also erases the mapping and decrements the reference.
func (r *RenameMap) Read(arch int) (*Physical, bool) {
	id, ok := r.m[arch]
	if !ok {
		return nil, false
	}
	return r.file.At(id), true
}

// ReadDead performs Read and, on a hit, additionally erases the mapping and
// decrements the physical register's reference count — the "dead operand"
// contract for a source marked `[X]` in the trace grammar.
func (r *RenameMap) ReadDead(arch int) (*Physical, bool) {
	id, ok := r.m[arch]
	if !ok {
		return nil, false
	}
	p := r.file.At(id)
	delete(r.m, arch)
	r.file.DecRef(id)
	return p, true
}

// BCVR is a base-conversion virtual register: a virtual handle that is
// bound to a physical base-conversion buffer id only while a BCI is
// resident on that buffer.
type BCVR struct {
	VirtID          int
	PhyID           *int
	WritesRemaining int
	ReadsRemaining  int
	ValueReady      bool
	refs            int
}

// Refs reports the current reference count.
func (b *BCVR) Refs() int { return b.refs }

// IncRef bumps the reference count.
func (b *BCVR) IncRef() { b.refs++ }

// IsCompleted reports whether both the write and read counters have
// drained, per the invariant isCompleted <=> reads_remaining = 0 &&
// writes_remaining = 0.
func (b *BCVR) IsCompleted() bool { return b.WritesRemaining == 0 && b.ReadsRemaining == 0 }

// BindPhysical assigns the physical buffer id to this BCVR on BCI issue.
// Panics if a physical id is already bound — a buffer unit holds at most
// one in-flight BCI instruction.
func (b *BCVR) BindPhysical(id int) {
	if b.PhyID != nil {
		panic(fmt.Sprintf("reg: BCVR %d already bound to buffer %d", b.VirtID, *b.PhyID))
	}
	v := id
	b.PhyID = &v
}

// UnbindPhysical releases the physical buffer id on the issuing BCI's
// completion.
func (b *BCVR) UnbindPhysical() {
	b.PhyID = nil
}

// ExecuteWrite records one completed write against this BCVR, asserting a
// physical buffer is bound first — a BCVR can never be written before its
// BCI has assigned it a physical buffer.
func (b *BCVR) ExecuteWrite() {
	if b.PhyID == nil {
		panic(fmt.Sprintf("reg: ExecuteWrite on unbound BCVR %d", b.VirtID))
	}
	if b.WritesRemaining == 0 {
		panic(fmt.Sprintf("reg: ExecuteWrite on BCVR %d with no writes remaining", b.VirtID))
	}
	b.WritesRemaining--
	if b.WritesRemaining == 0 {
		b.ValueReady = true
	}
}

// ExecuteRead records one completed read against this BCVR, asserting a
// physical buffer is bound first.
func (b *BCVR) ExecuteRead() {
	if b.PhyID == nil {
		panic(fmt.Sprintf("reg: ExecuteRead on unbound BCVR %d", b.VirtID))
	}
	if b.ReadsRemaining == 0 {
		panic(fmt.Sprintf("reg: ExecuteRead on BCVR %d with no reads remaining", b.VirtID))
	}
	b.ReadsRemaining--
}

// BCVRFile is the pool of base-conversion virtual registers.
type BCVRFile struct {
	regs     []BCVR
	freeList []int
}

// NewBCVRFile allocates n BCVRs, all initially free.
func NewBCVRFile(n int) *BCVRFile {
	f := &BCVRFile{regs: make([]BCVR, n), freeList: make([]int, n)}
	for i := range f.regs {
		f.regs[i] = BCVR{VirtID: i}
		f.freeList[i] = i
	}
	return f
}

// Size returns the total number of BCVRs in the file.
func (f *BCVRFile) Size() int { return len(f.regs) }

// NumFree returns how many BCVRs are currently on the free list.
func (f *BCVRFile) NumFree() int { return len(f.freeList) }

// CanAllocate reports whether a BCVR can be allocated right now.
func (f *BCVRFile) CanAllocate() bool { return len(f.freeList) > 0 }

// Allocate removes and returns the head of the free pool, with reference
// count 1, writes/reads-remaining set from the bci-init descriptor's
// numWrites/numReads, and no physical buffer bound yet. Panics if the pool
// is empty; callers must check CanAllocate first.
func (f *BCVRFile) Allocate(numWrites, numReads int) *BCVR {
	if len(f.freeList) == 0 {
		panic("reg: BCVR file exhausted")
	}
	id := f.freeList[0]
	f.freeList = f.freeList[1:]
	b := &f.regs[id]
	b.PhyID = nil
	b.WritesRemaining = numWrites
	b.ReadsRemaining = numReads
	b.ValueReady = numWrites == 0
	b.refs = 1
	return b
}

// At returns a pointer to the BCVR with the given virtual id.
func (f *BCVRFile) At(virtID int) *BCVR { return &f.regs[virtID] }

// DecRef decrements the reference count of the BCVR with the given virtual
// id. The virtual id returns to the free pool only when the reference
// count reaches 0 *and* writes-remaining = 0 *and* reads-remaining = 0 —
// releasing a reference early (while reads/writes are still outstanding)
// does not free the slot.
func (f *BCVRFile) DecRef(virtID int) {
	b := &f.regs[virtID]
	if b.refs <= 0 {
		panic(fmt.Sprintf("reg: DecRef on BCVR %d with refs=%d", virtID, b.refs))
	}
	b.refs--
	if b.refs == 0 && b.WritesRemaining == 0 && b.ReadsRemaining == 0 {
		f.freeList = append(f.freeList, virtID)
	}
}

// BCVRRenameMap maps architectural bcuId tokens (as they appear in a bci
// instruction) to the allocated BCVR's virtual id.
type BCVRRenameMap struct {
	file *BCVRFile
	m    map[int]int
}

// NewBCVRRenameMap builds a BCVR rename map backed by the given file.
func NewBCVRRenameMap(file *BCVRFile) *BCVRRenameMap {
	return &BCVRRenameMap{file: file, m: make(map[int]int)}
}

// CanWrite reports whether a bci instruction could allocate a BCVR right
// now.
func (r *BCVRRenameMap) CanWrite() bool { return r.file.CanAllocate() }

// Write allocates a fresh BCVR for the architectural bcuId, decrementing
// any previous mapping first, and installs the new mapping.
func (r *BCVRRenameMap) Write(bcuID, numWrites, numReads int) *BCVR {
	if old, ok := r.m[bcuID]; ok {
		r.file.DecRef(old)
	}
	b := r.file.Allocate(numWrites, numReads)
	r.m[bcuID] = b.VirtID
	return b
}

// Read returns the BCVR currently mapped to the architectural bcuId.
func (r *BCVRRenameMap) Read(bcuID int) (*BCVR, bool) {
	id, ok := r.m[bcuID]
	if !ok {
		return nil, false
	}
	return r.file.At(id), true
}
