// Task bootstrap: the reservation table, the IPC queues and the first donation, wired once into
// a Runtime that upper layers share.
package rt

import (
	c "dux/internal"
	"dux/internal/ipc"
	"dux/internal/kernel"
	"dux/internal/mem"

	"errors"
	"fmt"
	"log/slog"
)

type Stage string
const (
	STAGE_CONFIG	Stage = "config"
	STAGE_TABLE		Stage = "table"
	STAGE_TX		Stage = "tx-ring"
	STAGE_RX		Stage = "rx-ring"
	STAGE_FREE		Stage = "free-ranges"
	STAGE_REGISTER	Stage = "register"
	STAGE_DONATE	Stage = "donate"
)

// Nothing works without the table and the queues, so a failure during Init is final.
type BootError struct {
	Stage	Stage
	Err		error
}

func (e *BootError) Error() string { return fmt.Sprintf("rt: bootstrap failed at %s: %v", e.Stage, e.Err) }

func (e *BootError) Unwrap() error { return e.Err }

type Runtime struct {
	log		*slog.Logger
	Config	Config
	Kernel	kernel.Kernel
	Table	*mem.Table
	IPC		*ipc.Transport

	Tx		mem.PageRange
	Rx		mem.PageRange
	Free	mem.PageRange
}

// Init runs the bootstrap sequence against k. It must be called once, before anything else
// touches the address space.
func Init(k kernel.Kernel, cfg Config) (*Runtime, error) {
	fail := func(stage Stage, err error) (*Runtime, error) {
		return nil, &BootError{Stage: stage, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return fail(STAGE_CONFIG, err)
	}

	r := &Runtime{
		log:	slog.With("src", "Runtime"),
		Config:	cfg,
		Kernel:	k,
	}

	// the table cannot reserve its own page, so it goes at a fixed address
	if err := k.MemAlloc(cfg.TableAddr, 1, kernel.PROT_READ_WRITE).Err(kernel.SYS_MEM_ALLOC); err != nil {
		return fail(STAGE_TABLE, err)
	}
	backing, err := k.View(cfg.TableAddr, c.PAGE_SIZE)
	if err != nil {
		return fail(STAGE_TABLE, err)
	}
	r.Table, err = mem.CreateTable(backing, cfg.Top,
		mem.Range{Start: cfg.ImageStart, End: cfg.ImageEnd},
		mem.Range{Start: cfg.TableAddr, End: cfg.TableAddr + c.PAGE_MASK},
		mem.Range{Start: cfg.StackStart, End: cfg.StackEnd},
	)
	if err != nil {
		return fail(STAGE_TABLE, err)
	}

	var txMem, rxMem, freeMem []byte
	if r.Tx, txMem, err = r.Alloc(cfg.RingPages, kernel.PROT_READ_WRITE); err != nil {
		return fail(STAGE_TX, err)
	}
	if r.Rx, rxMem, err = r.Alloc(cfg.RingPages, kernel.PROT_READ_WRITE); err != nil {
		return fail(STAGE_RX, err)
	}
	if r.Free, freeMem, err = r.Alloc(cfg.FreePages, kernel.PROT_READ_WRITE); err != nil {
		return fail(STAGE_FREE, err)
	}

	tx, err := ipc.CreateRing(txMem)
	if err != nil {
		return fail(STAGE_TX, err)
	}
	rx, err := ipc.CreateRing(rxMem)
	if err != nil {
		return fail(STAGE_RX, err)
	}
	records := len(freeMem) / kernel.FREE_RANGE_SIZE
	free, err := ipc.CreateFreeRanges(freeMem, records)
	if err != nil {
		return fail(STAGE_FREE, err)
	}

	err = k.IoSetQueues(
		r.Tx.Start.Addr(), uint64(tx.Len()),
		r.Rx.Start.Addr(), uint64(rx.Len()),
		r.Free.Start.Addr(), uint64(records),
	).Err(kernel.SYS_IO_SET_QUEUES)
	if err != nil {
		return fail(STAGE_REGISTER, err)
	}
	r.IPC = ipc.CreateTransport(k, tx, rx, free, ipc.Options{
		WaitTimeout:	cfg.WaitTimeout,
		Registerer:		cfg.Registerer,
	})

	if _, err := r.Donate(cfg.DonationPages); err != nil {
		return fail(STAGE_DONATE, err)
	}

	r.log.Info("Init", "table", r.Table.Len(), "tx", r.Tx.Range(), "rx", r.Rx.Range(),
		"free", r.Free.Range(), "donated", cfg.DonationPages)
	return r, nil
}

// Reserves count pages anywhere and maps them with prot. The reservation is rolled back if the
// kernel refuses the mapping.
func (r *Runtime) Alloc(count uint64, prot kernel.Prot) (mem.PageRange, []byte, error) {
	page, err := r.Table.Reserve(0, count)
	if err != nil {
		return mem.PageRange{}, nil, err
	}
	pr := mem.PageRange{Start: page, Count: count}

	if err := r.Kernel.MemAlloc(page.Addr(), count, prot).Err(kernel.SYS_MEM_ALLOC); err != nil {
		r.Table.Unreserve(page.Addr(), count)
		return mem.PageRange{}, nil, err
	}
	view, err := r.Kernel.View(page.Addr(), pr.Bytes())
	if err != nil {
		r.Kernel.MemDealloc(page.Addr(), count)
		r.Table.Unreserve(page.Addr(), count)
		return mem.PageRange{}, nil, err
	}
	return pr, view, nil
}

// Unmaps and unreserves a range obtained from Alloc.
func (r *Runtime) Release(pr mem.PageRange) error {
	err := r.Kernel.MemDealloc(pr.Start.Addr(), pr.Count).Err(kernel.SYS_MEM_DEALLOC)
	return errors.Join(err, r.Table.Unreserve(pr.Start.Addr(), pr.Count))
}

// Reserves count unmapped pages and offers them to the kernel for inbound payloads.
func (r *Runtime) Donate(count uint64) (mem.Page, error) {
	page, err := r.Table.Reserve(0, count)
	if err != nil {
		return 0, err
	}
	if err := r.IPC.AddFreeRange(page, count); err != nil {
		r.Table.Unreserve(page.Addr(), count)
		return 0, err
	}
	return page, nil
}

// Unmaps pages the kernel mapped into a donation and offers them again. They stay reserved.
func (r *Runtime) Redonate(pr mem.PageRange) error {
	if err := r.Kernel.MemDealloc(pr.Start.Addr(), pr.Count).Err(kernel.SYS_MEM_DEALLOC); err != nil {
		return err
	}
	return r.IPC.AddFreeRange(pr.Start, pr.Count)
}

// Closes the kernel if it can be closed (the hosted one can).
func (r *Runtime) Close() {
	if cl, ok := r.Kernel.(interface{ Close() }); ok {
		cl.Close()
	}
}
