package ipc

import (
	"dux/internal/kernel"
	"dux/internal/mem"
	"dux/internal/util"

	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/negrel/assert"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrNoSlot		= errors.New("ipc: no free transmit slot")
	ErrNoEntry		= errors.New("ipc: no received entry")
	ErrSpent		= errors.New("ipc: slot handle already used")
	ErrBadOpcode	= errors.New("ipc: opcode cannot be submitted")
	ErrFull			= errors.New("ipc: every free range record is in use")
)

type Options struct {
	// Bound on each blocking wait. Negative waits forever, or until the caller's context
	// deadline. A context without a deadline is only checked between waits.
	WaitTimeout	time.Duration
	// Where the transport's counters go. nil keeps them private.
	Registerer	prometheus.Registerer
}

// Transport owns the transmit ring, the receive ring and the free range list of one task.
//
// Transmit slot states: FREE (opcode NONE, not held) -> RESERVED (held) -> SUBMITTED (opcode set,
// until the kernel clears it) -> FREE.
// Receive slot states: FREE (opcode NONE) -> FILLED (kernel set the opcode) -> handed out ->
// popped (opcode cleared, FREE) or deferred (back in the pending queue, still FILLED).
//
// Slot handles are single use: Submit/Cancel and Pop/Defer forget the slot, so a second call
// returns ErrSpent instead of touching a slot someone else may own by then.
//
// A caller that stops waiting for a submitted request hands it to Abandon. Its completion is
// popped as soon as the transport sees it, never handed out.
type Transport struct {
	log			*slog.Logger
	k			kernel.Kernel
	wait		time.Duration
	metrics		*metrics

	tx			Ring
	txMu		sync.Mutex
	txHeld		[]bool
	txNext		uint16

	rx			Ring
	rxMu		sync.Mutex
	rxTracked	[]bool // pending or handed out
	rxPending	util.Queue[uint16]
	rxNext		uint16
	abandoned	map[requestKey][]func(*kernel.Packet)

	free		FreeRanges
	freeMu		sync.Mutex
}

func CreateTransport(k kernel.Kernel, tx, rx Ring, free FreeRanges, opts Options) *Transport {
	return &Transport{
		log:		slog.With("src", "Transport"),
		k:			k,
		wait:		opts.WaitTimeout,
		metrics:	newMetrics(opts.Registerer),

		tx:			tx,
		txHeld:		make([]bool, tx.Len()),

		rx:			rx,
		rxTracked:	make([]bool, rx.Len()),
		rxPending:	util.CreateQueue[uint16](rx.Len()),
		abandoned:	map[requestKey][]func(*kernel.Packet){},

		free:		free,
	}
}

func (t *Transport) Kernel() kernel.Kernel { return t.k }

// Grants exclusive write access to one free transmit slot, or ErrNoSlot.
func (t *Transport) ReserveTransmit() (*TxSlot, error) {
	t.txMu.Lock()
	defer t.txMu.Unlock()

	n := uint16(t.tx.Len())
	for k := range n {
		i := (t.txNext + k) & t.tx.mask()
		pkt := t.tx.Slot(i)
		if t.txHeld[i] || pkt.Opcode() != kernel.OP_NONE {
			continue
		}
		t.txHeld[i] = true
		t.txNext = (i + 1) & t.tx.mask()
		pkt.Reset()
		t.metrics.txReserved.Inc()
		return &TxSlot{t: t, slot: i}, nil
	}
	return nil, ErrNoSlot
}

// Like ReserveTransmit, but suspends on the kernel's wait until a slot frees up.
func (t *Transport) Transmit(ctx context.Context) (*TxSlot, error) {
	for {
		s, err := t.ReserveTransmit()
		if !errors.Is(err, ErrNoSlot) {
			return s, err
		}
		if err := t.suspend(ctx); err != nil {
			return nil, err
		}
	}
}

// Hands out the oldest filled receive slot that nobody currently holds, or ErrNoEntry.
func (t *Transport) Receive() (*RxSlot, error) {
	t.rxMu.Lock()
	done := t.reapLocked()
	var s *RxSlot
	if t.rxPending.Cnt() > 0 {
		s = &RxSlot{t: t, slot: t.rxPending.Pop()}
	}
	t.rxMu.Unlock()
	t.finish(done)

	if s == nil {
		return nil, ErrNoEntry
	}
	return s, nil
}

// Waits for a received packet that satisfies match. Packets that do not match are deferred so
// other consumers still see them.
func (t *Transport) ReceiveMatch(ctx context.Context, match func(*kernel.Packet) bool) (*RxSlot, error) {
	for {
		// one lap over what is pending now, deferred entries rotate to the back
		for range t.Pending() {
			s, err := t.Receive()
			if errors.Is(err, ErrNoEntry) {
				break
			}
			if match(s.Packet()) {
				return s, nil
			}
			s.Defer()
		}
		if err := t.suspend(ctx); err != nil {
			return nil, err
		}
	}
}

// Filled receive slots not currently handed out.
func (t *Transport) Pending() int {
	t.rxMu.Lock()
	done := t.reapLocked()
	n := t.rxPending.Cnt()
	t.rxMu.Unlock()
	t.finish(done)
	return n
}

type requestKey struct {
	op	kernel.Opcode
	id	uint8
}

// Registers a submitted request nobody waits for anymore. When its completion arrives, cleanup
// runs with the packet and then the slot is freed, so memory the kernel may still touch for the
// request is given back only after the kernel is done with it. Requests with the same opcode and
// id are matched in the order they were abandoned.
func (t *Transport) Abandon(op kernel.Opcode, id uint8, cleanup func(*kernel.Packet)) {
	key := requestKey{op: op, id: id}
	t.rxMu.Lock()
	t.abandoned[key] = append(t.abandoned[key], cleanup)
	t.metrics.abandoned.Inc()
	// the completion may already sit in the pending queue
	done := t.reapLocked()
	t.rxMu.Unlock()
	t.finish(done)
	t.log.Debug("Abandon", "op", op, "id", id)
}

// Abandoned requests whose completion has not arrived yet.
func (t *Transport) Abandoned() int {
	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	n := 0
	for _, fns := range t.abandoned {
		n += len(fns)
	}
	return n
}

// Whether a completion for op and id would be taken as an abandoned request's.
func (t *Transport) IsAbandoned(op kernel.Opcode, id uint8) bool {
	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	return len(t.abandoned[requestKey{op: op, id: id}]) > 0
}

type reaped struct {
	slot	uint16
	cleanup	func(*kernel.Packet)
}

// Collects new completions and pulls those of abandoned requests out of the pending queue. The
// slots stay tracked until finish frees them. Caller holds rxMu.
func (t *Transport) reapLocked() []reaped {
	t.collect()
	if len(t.abandoned) == 0 {
		return nil
	}
	var out []reaped
	for range t.rxPending.Cnt() {
		i := t.rxPending.Pop()
		pkt := t.rx.Slot(i)
		key := requestKey{op: pkt.Opcode(), id: pkt.ID()}
		fns := t.abandoned[key]
		if len(fns) == 0 {
			t.rxPending.Push(i)
			continue
		}
		out = append(out, reaped{slot: i, cleanup: fns[0]})
		if len(fns) == 1 {
			delete(t.abandoned, key)
		} else {
			t.abandoned[key] = fns[1:]
		}
	}
	return out
}

// Runs the cleanups of reaped completions without holding rxMu, then frees their slots.
func (t *Transport) finish(done []reaped) {
	if len(done) == 0 {
		return
	}
	for _, r := range done {
		r.cleanup(t.rx.Slot(r.slot))
	}
	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	for _, r := range done {
		t.rx.Slot(r.slot).Clear()
		t.rxTracked[r.slot] = false
		t.metrics.rxReaped.Inc()
	}
}

// Picks up every slot the kernel filled since the last scan, starting where the last one left
// off so the pending queue keeps the kernel's fill order.
func (t *Transport) collect() {
	n := uint16(t.rx.Len())
	next := t.rxNext
	for k := range n {
		i := (t.rxNext + k) & t.rx.mask()
		if t.rxTracked[i] || t.rx.Slot(i).Opcode() == kernel.OP_NONE {
			continue
		}
		t.rxTracked[i] = true
		t.rxPending.Push(i)
		next = (i + 1) & t.rx.mask()
	}
	t.rxNext = next
}

// Suspends on the kernel's blocking wait. This is the only place the transport yields. The wait
// never outlasts the context's deadline.
func (t *Transport) suspend(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := t.wait
	if d, ok := ctx.Deadline(); ok {
		if left := max(time.Until(d), 0); wait < 0 || left < wait {
			wait = left
		}
	}
	t.metrics.waits.Inc()
	return t.k.IoWait(wait).Err(kernel.SYS_IO_WAIT)
}

func (t *Transport) Wait() error {
	t.metrics.waits.Inc()
	return t.k.IoWait(t.wait).Err(kernel.SYS_IO_WAIT)
}

// Offers count pages at page to the kernel for mapping inbound payloads. The first empty record
// is used; ErrFull if the kernel has not consumed any of them yet.
func (t *Transport) AddFreeRange(page mem.Page, count uint64) error {
	if _, err := mem.NewPageRange(page, count); err != nil {
		return err
	}

	t.freeMu.Lock()
	defer t.freeMu.Unlock()

	for i := range t.free.Len() {
		rec := t.free.At(i)
		if rec.Count() != 0 {
			continue
		}
		rec.Publish(page.Addr(), count)
		t.metrics.donations.Inc()
		t.log.Debug("AddFreeRange", "addr", page, "pages", count, "record", i)
		return nil
	}
	return ErrFull
}

// Outstanding donations.
func (t *Transport) FreeRanges() []mem.PageRange {
	t.freeMu.Lock()
	defer t.freeMu.Unlock()

	var out []mem.PageRange
	for i := range t.free.Len() {
		if addr, n := t.free.At(i).Load(); n != 0 {
			out = append(out, mem.PageRange{Start: mem.Page(addr), Count: n})
		}
	}
	return out
}

// Exclusive write access to one transmit slot.
type TxSlot struct {
	t		*Transport
	slot	uint16
}

func (s *TxSlot) Slot() uint16 { return s.slot }

// The packet to fill. nil once the handle is spent.
func (s *TxSlot) Packet() *kernel.Packet {
	if s.t == nil {
		return nil
	}
	return s.t.tx.Slot(s.slot)
}

// Publishes the packet. The opcode store is the last write, so the kernel never observes a half
// filled packet. The caller must not touch the packet afterwards.
func (s *TxSlot) Submit(id uint8, op kernel.Opcode) error {
	if s.t == nil {
		return ErrSpent
	}
	if op == kernel.OP_NONE || !op.Valid() {
		return ErrBadOpcode
	}
	t := s.t
	s.t = nil

	t.txMu.Lock()
	defer t.txMu.Unlock()
	assert.GreaterOrEqual(len(t.txHeld), int(s.slot)+1, "transmit slot out of range")

	pkt := t.tx.Slot(s.slot)
	pkt.Publish(id, op)
	t.txHeld[s.slot] = false
	t.metrics.txSubmitted.Inc()
	t.log.Debug("Submit", "slot", s.slot, "op", op)
	return nil
}

// Gives the slot back without publishing anything.
func (s *TxSlot) Cancel() error {
	if s.t == nil {
		return ErrSpent
	}
	t := s.t
	s.t = nil

	t.txMu.Lock()
	defer t.txMu.Unlock()
	t.tx.Slot(s.slot).Reset()
	t.txHeld[s.slot] = false
	t.metrics.txCancelled.Inc()
	return nil
}

// One observation of a filled receive slot. Exactly one of Pop or Defer must follow.
type RxSlot struct {
	t		*Transport
	slot	uint16
}

func (s *RxSlot) Slot() uint16 { return s.slot }

// The received packet. nil once the handle is spent.
func (s *RxSlot) Packet() *kernel.Packet {
	if s.t == nil {
		return nil
	}
	return s.t.rx.Slot(s.slot)
}

// Frees the slot for the kernel. Any memory the packet pointed to stays valid, only the record
// is released.
func (s *RxSlot) Pop() error {
	if s.t == nil {
		return ErrSpent
	}
	t := s.t
	s.t = nil

	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	t.rx.Slot(s.slot).Clear()
	t.rxTracked[s.slot] = false
	t.metrics.rxPopped.Inc()
	return nil
}

// Puts the packet back at the end of the pending queue without freeing the slot, so a later
// poll can still observe it.
func (s *RxSlot) Defer() error {
	if s.t == nil {
		return ErrSpent
	}
	t := s.t
	s.t = nil

	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	assert.Less(t.rxPending.Cnt(), t.rxPending.Cap(), "deferred slot does not fit the pending queue")
	t.rxPending.Push(s.slot)
	t.metrics.rxDeferred.Inc()
	return nil
}
