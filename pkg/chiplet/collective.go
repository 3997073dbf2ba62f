package chiplet

import (
	"github.com/pkg/errors"

	"cinnamon/pkg/network"
	"cinnamon/pkg/reg"
)

// collectiveEntry is one Dis/Rcv/Joi instruction queued on a chiplet's
// network-gated collective queue, per §4.6's per-cycle algorithm: register
// the sync once operands are ready, wait for network_ready, then send (if
// this chiplet has a source) and/or wait for delivery (if this chiplet has
// a destination).
type collectiveEntry struct {
	syncID   int
	syncSize int
	netOp    network.OpType

	hasSrc   bool
	srcPhys  *reg.Physical
	hasDest  bool
	destPhys *reg.Physical

	registered bool
	sent       bool
	done       bool
}

func (e *collectiveEntry) operandsReady() bool {
	return e.srcPhys == nil || e.srcPhys.ValueReady
}

// finish marks the destination ready (if any) and retires the entry. A
// source's dead reference is released at dispatch time, the same as every
// other opcode, not gated on network completion.
func (e *collectiveEntry) finish() {
	if e.destPhys != nil {
		e.destPhys.ValueReady = true
	}
	e.done = true
}

// netQueue is the per-chiplet "Dis queue": a single FIFO shared by Dis,
// Rcv and Joi, head-of-line blocking exactly like an instruction-queue
// family Queue, but gated on the shared network instead of a fixed
// functional-unit latency.
type netQueue struct {
	fifo []*collectiveEntry
}

func (q *netQueue) enqueue(e *collectiveEntry) {
	q.fifo = append(q.fifo, e)
}

func (q *netQueue) drained() bool { return len(q.fifo) == 0 }

// tick advances the head of the FIFO by one cycle: register its sync once
// ready, and once network_ready send a packet for a source-bearing
// instruction (Dis, or Joi with a source). An instruction with no
// destination finishes immediately after sending; one with a destination
// waits for onDelivered to fire.
func (q *netQueue) tick(net *network.Network, chipletID int) error {
	if len(q.fifo) == 0 {
		return nil
	}
	head := q.fifo[0]
	if !head.registered {
		if !head.operandsReady() {
			return nil
		}
		if err := net.TryRegisterSync(chipletID, head.syncID, head.syncSize, head.netOp, head.hasDest, head.hasSrc); err != nil {
			return errors.Wrapf(err, "chiplet %d: register sync %d", chipletID, head.syncID)
		}
		head.registered = true
	}
	if !head.sent && head.hasSrc && net.NetworkReady(head.syncID) {
		if err := net.ReceivePacket(chipletID, head.syncID); err != nil {
			return errors.Wrapf(err, "chiplet %d: send sync %d", chipletID, head.syncID)
		}
		head.sent = true
		if !head.hasDest {
			head.finish()
		}
	}
	if head.done {
		q.fifo = q.fifo[1:]
	}
	return nil
}

// onDelivered is registered with the network as this chiplet's delivery
// handler; it fires once the network has routed a packet to this chiplet
// for syncID, completing the head entry waiting on it.
func (q *netQueue) onDelivered(syncID int) {
	if len(q.fifo) == 0 {
		return
	}
	head := q.fifo[0]
	if head.hasDest && head.syncID == syncID {
		head.finish()
	}
}
