//go:build linux

// An in-process kernel for one task. It owns the task's address space, consumes the task's
// transmit ring and answers requests against a host directory tree, where every file and
// directory is a kernel object.
package simkernel

import (
	c "dux/internal"
	"dux/internal/iomgr"
	"dux/internal/ipc"
	"dux/internal/kernel"

	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type Options struct {
	// Shared io_uring manager. nil creates one owned (and closed) by the kernel.
	Io		*iomgr.IoMgr
	// Reported as the source address of completions.
	Task	kernel.TaskID
}

type Kernel struct {
	log			*slog.Logger
	root		string
	task		kernel.TaskID
	io			*iomgr.IoMgr
	ownIo		bool

	mu			sync.Mutex
	maps		[]*mapping
	queued		bool
	tx			ipc.Ring
	rx			ipc.Ring
	free		ipc.FreeRanges
	posted		chan struct{} // closed and replaced every time completions are posted
	logs		[]string

	objMu		sync.Mutex
	objects		map[kernel.UUID]string

	// owned by the serving goroutine
	txNext		uint16
	rxNext		uint16
	backlog		[]*completion

	doorbell	chan chan bool
	quit		chan struct{}
	done		chan struct{}
	closeOnce	sync.Once
}

var _ kernel.Kernel = (*Kernel)(nil)

func Create(root string, opts Options) (*Kernel, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("simkernel: %s is not a directory", root)
	}

	k := Kernel{
		log:		slog.With("src", "SimKernel"),
		root:		root,
		task:		opts.Task,
		io:			opts.Io,
		posted:		make(chan struct{}),
		objects:	map[kernel.UUID]string{},
		doorbell:	make(chan chan bool, 0x40),
		quit:		make(chan struct{}),
		done:		make(chan struct{}),
	}
	if k.io == nil {
		k.io, err = iomgr.CreateIoMgr(iomgr.Options{Cpu: -1})
		if err != nil {
			return nil, err
		}
		k.ownIo = true
	}
	// the ring must complete a linked nop chain before anything is served
	if _, err := k.io.Do(&iomgr.Op{Opcode: iomgr.OpNop, Count: 2}); err != nil {
		if k.ownIo {
			k.io.Close()
		}
		return nil, fmt.Errorf("simkernel: io ring unusable: %w", err)
	}
	k.register(".")

	go k.serve()
	k.log.Debug("Create", "root", root)
	return &k, nil
}

// Stops serving, unmaps every page of the task and closes the io manager if it owns it.
// Blocked IoWait calls return with EPIPE.
func (k *Kernel) Close() {
	k.closeOnce.Do(func() {
		close(k.quit)
		<-k.done
		if k.ownIo {
			k.io.Close()
		}
		k.mu.Lock()
		k.unmapAllLocked()
		k.mu.Unlock()
	})
}

func (k *Kernel) Root() string { return k.root }

func (k *Kernel) IoSetQueues(tx kernel.Addr, txLen uint64, rx kernel.Addr, rxLen uint64, free kernel.Addr, freeLen uint64) kernel.Return {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.queued {
		return errno(unix.EEXIST)
	}

	ring := func(addr kernel.Addr, n uint64) (ipc.Ring, error) {
		if n == 0 {
			n = c.PAGE_SIZE / kernel.PACKET_SIZE
		}
		mem, err := k.viewLocked(addr, n*kernel.PACKET_SIZE)
		if err != nil {
			return ipc.Ring{}, err
		}
		return ipc.CreateRing(mem)
	}

	var err error
	if k.tx, err = ring(tx, txLen); err != nil {
		k.log.Warn("IoSetQueues", "queue", "tx", "err", err)
		return errno(unix.EINVAL)
	}
	if k.rx, err = ring(rx, rxLen); err != nil {
		k.log.Warn("IoSetQueues", "queue", "rx", "err", err)
		return errno(unix.EINVAL)
	}
	mem, err := k.viewLocked(free, freeLen*kernel.FREE_RANGE_SIZE)
	if err == nil {
		k.free, err = ipc.CreateFreeRanges(mem, int(freeLen))
	}
	if err != nil {
		k.log.Warn("IoSetQueues", "queue", "free", "err", err)
		return errno(unix.EINVAL)
	}

	k.queued = true
	k.log.Debug("IoSetQueues", "tx", k.tx.Len(), "rx", k.rx.Len(), "free", k.free.Len())
	return kernel.Return{}
}

// Rings the doorbell so the transmit ring gets served, then blocks until a completion is posted,
// the serving pass finishes having done something, the timeout elapses or the kernel closes.
// An elapsed timeout is not an error.
func (k *Kernel) IoWait(timeout time.Duration) kernel.Return {
	k.mu.Lock()
	posted := k.posted
	k.mu.Unlock()

	served := make(chan bool, 1)
	select {
	case k.doorbell <- served:
	case <-k.quit:
		return errno(unix.EPIPE)
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		select {
		case worked := <-served:
			if worked {
				return kernel.Return{}
			}
			served = nil
		case <-posted:
			return kernel.Return{}
		case <-expired:
			return kernel.Return{}
		case <-k.quit:
			return errno(unix.EPIPE)
		}
	}
}

func (k *Kernel) SysLog(msg string) kernel.Return {
	k.mu.Lock()
	k.logs = append(k.logs, msg)
	k.mu.Unlock()
	k.log.Info("SysLog", "task", k.task, "msg", msg)
	return kernel.Return{}
}

// Everything the task sent through SysLog.
func (k *Kernel) Logs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.logs...)
}
