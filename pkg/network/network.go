// Package network implements the inter-chiplet collective network: a
// registry of in-flight SyncOperation barriers, per-destination bandwidth
// buffers, and the topology-dependent hop-latency model.
package network

import (
	"sync"

	"github.com/pkg/errors"
)

// OpType distinguishes the two collective shapes the network arbitrates.
type OpType uint8

const (
	Brc OpType = iota // broadcast: one source, many destinations
	Agg               // aggregation: many sources, one destination
)

const bandwidthUnit = 224 * 1024 // bytes per packet, matches the limb size

// SyncOperation is the per-syncID bookkeeping record the network maintains
// while a collective barrier is in flight.
type SyncOperation struct {
	SyncID         int
	SyncSize       int
	Op             OpType
	ReadyCount     int
	InputsPending  int
	OutputsPending int

	BroadcastDestinations   []int
	AggregationDestination  *int

	MinDestination int
	MaxDestination int
}

// Ready reports network_ready(syncID): readyCount == syncSize, with the
// additional per-operation-type requirement on the pending counters.
func (s *SyncOperation) Ready() bool {
	if s.ReadyCount != s.SyncSize {
		return false
	}
	switch s.Op {
	case Brc:
		return s.InputsPending == 1
	case Agg:
		return s.OutputsPending == 1 && s.AggregationDestination != nil
	default:
		return false
	}
}

type outboundEntry struct {
	syncID  int
	bytes   int
	inFlight bool
}

// Network is the shared, multi-chiplet collective engine. All state here
// is guarded by mtx: try_register_sync/complete_operation and the
// per-cycle buffer walk (Tick) take the writer lock, network_ready and the
// other read-only accessors take the reader lock.
type Network struct {
	mtx     sync.RWMutex
	syncOps map[int]*SyncOperation
	outbound map[int][]*outboundEntry // per-destination chipletID queue

	linkBW int // configured packets per clock tick; Tick does not read it
	hops   int

	sendQueue map[int][]*pendingSend
	onDeliver map[int]func(syncID int) // per-chipletID delivery notification
}

type pendingSend struct {
	dest    int
	cycles  int // remaining hop latency
}

// NewNetwork constructs an empty network with the given link bandwidth
// parameter and hop-count configuration.
func NewNetwork(linkBW, hops int) *Network {
	return &Network{
		syncOps:   make(map[int]*SyncOperation),
		outbound:  make(map[int][]*outboundEntry),
		sendQueue: make(map[int][]*pendingSend),
		onDeliver: make(map[int]func(int)),
		linkBW:    linkBW,
		hops:      hops,
	}
}

// RegisterDeliveryHandler installs the callback invoked whenever the
// network delivers a packet to chipletID — the only way a waiting Rcv/Joi
// instruction learns its value arrived, since deliver otherwise only
// mutates the network's own bookkeeping. A chiplet registers at most one
// handler for its own id; a later call replaces the earlier one.
func (n *Network) RegisterDeliveryHandler(chipletID int, handler func(syncID int)) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.onDeliver[chipletID] = handler
}

// TryRegisterSync implements try_register_sync(chipletID, syncID,
// syncSize, op, sendReply, recvValue).
func (n *Network) TryRegisterSync(chipletID, syncID, syncSize int, op OpType, sendReply, recvValue bool) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	rec, exists := n.syncOps[syncID]
	if !exists {
		rec = &SyncOperation{
			SyncID:         syncID,
			SyncSize:       syncSize,
			Op:             op,
			ReadyCount:     1,
			MinDestination: chipletID,
			MaxDestination: chipletID,
		}
		n.syncOps[syncID] = rec
	} else {
		if rec.Op != op || rec.SyncSize != syncSize {
			return errors.Errorf("network: sync %d op/size mismatch (have op=%v size=%d, got op=%v size=%d)", syncID, rec.Op, rec.SyncSize, op, syncSize)
		}
		rec.ReadyCount++
		if chipletID < rec.MinDestination {
			rec.MinDestination = chipletID
		}
		if chipletID > rec.MaxDestination {
			rec.MaxDestination = chipletID
		}
	}

	if recvValue {
		rec.InputsPending++
	}
	if sendReply {
		rec.OutputsPending++
		switch op {
		case Brc:
			rec.BroadcastDestinations = append(rec.BroadcastDestinations, chipletID)
		case Agg:
			if rec.AggregationDestination != nil {
				return errors.Errorf("network: sync %d aggregation destination already set", syncID)
			}
			id := chipletID
			rec.AggregationDestination = &id
		}
	}
	return nil
}

// NetworkReady implements network_ready(syncID) under the reader lock.
func (n *Network) NetworkReady(syncID int) bool {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	rec, ok := n.syncOps[syncID]
	if !ok {
		return false
	}
	return rec.Ready()
}

// Sync returns a copy of the current bookkeeping for syncID, for tests and
// observability. The second return is false if no record exists.
func (n *Network) Sync(syncID int) (SyncOperation, bool) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	rec, ok := n.syncOps[syncID]
	if !ok {
		return SyncOperation{}, false
	}
	return *rec, true
}

// ReceivePacket implements "on packet receipt at the network (from a
// chiplet's send link)": decrement inputsPending; when it reaches 0,
// enqueue an outbound bandwidth-buffer entry onto each broadcast
// destination's queue (excluding the sender) or onto the aggregation
// destination's queue.
func (n *Network) ReceivePacket(senderID, syncID int) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	rec, ok := n.syncOps[syncID]
	if !ok {
		return errors.Errorf("network: packet for unknown sync %d", syncID)
	}
	if rec.InputsPending <= 0 {
		return errors.Errorf("network: sync %d received packet with inputsPending=%d", syncID, rec.InputsPending)
	}
	rec.InputsPending--
	if rec.InputsPending != 0 {
		return nil
	}

	switch rec.Op {
	case Brc:
		for _, dest := range rec.BroadcastDestinations {
			if dest == senderID {
				continue
			}
			n.outbound[dest] = append(n.outbound[dest], &outboundEntry{syncID: syncID, bytes: bandwidthUnit})
		}
	case Agg:
		if rec.AggregationDestination != nil {
			dest := *rec.AggregationDestination
			n.outbound[dest] = append(n.outbound[dest], &outboundEntry{syncID: syncID, bytes: bandwidthUnit})
		}
	}
	return nil
}

// computeHops implements the redefined hop-latency formula:
// floor(log2(max-min)) - 1, clamped at 0.
func computeHops(min, max int) int {
	delta := max - min
	if delta <= 0 {
		return 0
	}
	bits := 0
	for (1 << uint(bits+1)) <= delta {
		bits++
	}
	hops := bits - 1
	if hops < 0 {
		return 0
	}
	return hops
}

// Tick advances each per-destination output buffer by one cycle: if the
// head entry is not in flight, schedule its send and mark it in flight
// (one entry per destination is in flight at a time, whatever linkBW is);
// once a scheduled send's hop latency elapses, deliver it
// (decrementing outputsPending and popping the head), erasing the sync
// record once both pending counters reach 0.
func (n *Network) Tick(cycle int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	for dest, pending := range n.sendQueue {
		var remaining []*pendingSend
		for _, p := range pending {
			p.cycles--
			if p.cycles > 0 {
				remaining = append(remaining, p)
				continue
			}
			n.deliver(dest)
		}
		n.sendQueue[dest] = remaining
	}

	for dest, queue := range n.outbound {
		if len(queue) == 0 {
			continue
		}
		head := queue[0]
		if head.inFlight {
			continue
		}
		head.inFlight = true
		rec := n.syncOps[head.syncID]
		hops := 0
		if rec != nil {
			hops = computeHops(rec.MinDestination, rec.MaxDestination)
		}
		n.sendQueue[dest] = append(n.sendQueue[dest], &pendingSend{dest: dest, cycles: hops + 1})
	}
}

// deliver completes the head outbound entry for dest: decrements
// outputsPending and pops the head, erasing the sync record if both
// pending counters have reached 0.
func (n *Network) deliver(dest int) {
	queue := n.outbound[dest]
	if len(queue) == 0 {
		return
	}
	head := queue[0]
	n.outbound[dest] = queue[1:]

	rec, ok := n.syncOps[head.syncID]
	if !ok {
		return
	}
	rec.OutputsPending--
	if rec.InputsPending == 0 && rec.OutputsPending == 0 {
		delete(n.syncOps, head.syncID)
	}
	if handler, ok := n.onDeliver[dest]; ok {
		handler(head.syncID)
	}
}

// Idle reports whether the network has no live sync operations — part of
// the top-level driver's stop condition.
func (n *Network) Idle() bool {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return len(n.syncOps) == 0
}
