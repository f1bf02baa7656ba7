//go:build linux

// Host side I/O for the hosted kernel: page aligned slabs that back task memory, and an
// io_uring manager that moves bytes between host files and those slabs.
package iomgr

import (
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

const MMAP_MODE		= unix.MAP_ANON | unix.MAP_PRIVATE
const MMAP_PROT		= unix.PROT_READ | unix.PROT_WRITE
const RING_ENTRIES	= 0x80
const RING_DPTHTRG	= 0x40
const OP_Q_SIZE		= 0x100

var ErrClosed = errors.New("iomgr: closed")

// Page aligned anonymous memory. Slabs are never moved by the Go runtime, so their addresses
// can be handed to io_uring and laid out with unsafe.Slice.
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1, 0, size, MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "size", size, "err", err)
	}
	return raw, err
}

func DeallocSlab(ptr []byte) error {
	err := unix.Munmap(ptr)
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}

type Options struct {
	// Submission queue entries. 0 means RING_ENTRIES.
	Entries	uint32
	// Core to pin the ring goroutine's thread to, or -1.
	Cpu		int
}

type IoMgr struct {
	log			*slog.Logger
	ring		*giouring.Ring
	opQueue		chan *Op
	opSem		chan struct{}
	quit		chan struct{}
	done		chan struct{}
	closed		atomic.Bool
	cpu			int
}

func CreateIoMgr(opts Options) (*IoMgr, error) {
	entries := opts.Entries
	if entries == 0 {
		entries = RING_ENTRIES
	}

	ring, err := giouring.CreateRing(entries)
	if err != nil { return nil, err }

	m := IoMgr{
		log:		slog.With("src", "IoMgr"),
		ring:		ring,
		opQueue:	make(chan *Op, OP_Q_SIZE),
		opSem:		make(chan struct{}, entries),
		quit:		make(chan struct{}),
		done:		make(chan struct{}),
		cpu:		opts.Cpu,
	}

	go m.ringlord()
	return &m, nil
}

// Waits for the ring goroutine to go idle and tears the ring down. Ops submitted afterwards
// fail with EBADF.
func (m *IoMgr) Close() {
	if m.closed.Swap(true) {
		return
	}
	close(m.quit)
	<-m.done
	m.ring.QueueExit()
}

type OpCode uint16
const (
	OpNop	OpCode = iota
	OpWrite
	OpRead
	OpSync
)

// An op is up to OP_MAX_OPS linked segments against one fd. It must stay at a fixed address
// until Ch fires, the ring only carries a pointer to it.
const OP_MAX_OPS = 24
type Op struct {
	Fd		int
	Bufs	[OP_MAX_OPS]uintptr
	Lens	[OP_MAX_OPS]uint32
	Offs	[OP_MAX_OPS]uint64
	Count	uint16

	sqes	uint16
	seen	uint16
	total	int64

	Ch		chan struct{}

	// Total bytes moved, or a negated errno from the first failing segment.
	Res		int64
	Opcode	OpCode
	Sync	bool
}

// Points segment i at buf. buf must not be Go heap memory.
func (o *Op) Segment(i int, buf []byte, off uint64) {
	if len(buf) > 0 {
		o.Bufs[i] = uintptr(unsafe.Pointer(&buf[0]))
	} else {
		o.Bufs[i] = 0
	}
	o.Lens[i] = uint32(len(buf))
	o.Offs[i] = off
}

func (o *Op) sqeCount() uint16 {
	switch o.Opcode {
	case OpSync:
		return 1
	case OpWrite:
		if o.Sync {
			return o.Count + 1
		}
	}
	return o.Count
}

// Queues op. Completion is signalled on op.Ch, which the caller allocates.
func (m *IoMgr) Submit(op *Op) {
	if m.closed.Load() {
		m.fail(op, unix.EBADF)
		return
	}
	if (op.Opcode != OpSync && (op.Count == 0 || op.Count > OP_MAX_OPS)) || op.Opcode > OpSync {
		m.fail(op, unix.EINVAL)
		return
	}
	for range op.sqeCount() {
		m.opSem <- struct{}{}
	}
	m.opQueue <- op
}

// Submit and wait. Allocates op.Ch if the caller did not.
func (m *IoMgr) Do(op *Op) (int64, error) {
	if op.Ch == nil {
		op.Ch = make(chan struct{}, 1)
	}
	m.Submit(op)
	<-op.Ch
	res := atomic.LoadInt64(&op.Res)
	if res < 0 {
		return 0, unix.Errno(-res)
	}
	return res, nil
}

func (m *IoMgr) fail(op *Op, errno unix.Errno) {
	atomic.StoreInt64(&op.Res, -int64(errno))
	op.Ch <- struct{}{}
}

func (m *IoMgr) prepSQEs(op *Op) {
	op.seen = 0
	op.total = 0
	op.sqes = op.sqeCount()
	user := uint64(uintptr(unsafe.Pointer(op)))

	switch op.Opcode {
	case OpNop:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareNop()
			sqe.UserData = user
			if i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpWrite:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareWrite(op.Fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			sqe.UserData = user
			if op.Sync || i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}
		if op.Sync {
			sqe := m.ring.GetSQE()
			sqe.PrepareFsync(op.Fd, 0)
			sqe.UserData = user
		}

	case OpRead:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareRead(op.Fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			sqe.UserData = user
			if i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpSync:
		sqe := m.ring.GetSQE()
		sqe.PrepareFsync(op.Fd, 0)
		sqe.UserData = user
	}
}

// "Those who sow the good seed
// Shall surely reap"
func (m *IoMgr) ringlord() {
	defer close(m.done)

	if m.cpu >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		var cpuSet unix.CPUSet
		cpuSet.Zero()
		cpuSet.Set(m.cpu)
		if err := unix.SchedSetaffinity(0, &cpuSet); err != nil {
			m.log.Warn("Couldn't set core affinity for ring manager", "cpu", m.cpu, "err", err)
		}
	}

	var queued   uint = 0 // SQEs prepared from the opQueue but not yet submitted
	var inflight uint = 0 // SQEs submitted and not yet reaped

	// 1. collect ops from the opQueue and prepare their SQEs
	// 2. submit
	// 3. reap CQEs, replying once every SQE of an op has completed
	for {
		// STAGE 1
		if inflight == 0 && queued == 0 {
			select {
			case op := <-m.opQueue:
				m.prepSQEs(op)
				queued += uint(op.sqes)
			case <-m.quit:
				return
			}
		}
		COLLECT: for {
			select {
			case op := <-m.opQueue:
				m.prepSQEs(op)
				queued += uint(op.sqes)
			default:
				break COLLECT
			}
		}

		// STAGE 2
		var submitted uint
		var err error
		switch {
		case inflight + queued > RING_DPTHTRG:
			submitted, err = m.ring.SubmitAndWait(8)
		case queued > 0:
			submitted, err = m.ring.Submit()
		default:
			// nothing new to submit, block for at least one completion
			submitted, err = m.ring.SubmitAndWait(1)
		}
		if err != nil && err != unix.ETIME && err != unix.EINTR {
			m.log.Error("Submit", "err", err)
		}
		queued   -= submitted
		inflight += submitted

		// STAGE 3
		for inflight > 0 {
			cqe, err := m.ring.PeekCQE()
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
				break
			} else if err != nil {
				m.log.Error("Peek cqe fatal error", "err", err)
				panic("iomgr: io_uring completion queue broken")
			}
			if cqe == nil {
				break
			}

			inflight--
			op := (*Op)(unsafe.Pointer(uintptr(cqe.UserData)))
			op.seen++
			switch {
			case op.total < 0:
				// already failed, the rest of the chain is cancelled
			case cqe.Res == -int32(unix.ECANCELED):
				// a short transfer broke the link
			case cqe.Res < 0:
				op.total = int64(cqe.Res)
			case op.Opcode == OpRead || op.Opcode == OpWrite:
				op.total += int64(cqe.Res)
			}

			m.ring.CQESeen(cqe)
			<-m.opSem

			// the op may be reused as soon as Ch fires, so only reply after its last CQE
			if op.seen == op.sqes {
				atomic.StoreInt64(&op.Res, op.total)
				op.Ch <- struct{}{}
			}
		}
	}
}
