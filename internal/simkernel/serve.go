//go:build linux

package simkernel

import (
	c "dux/internal"
	"dux/internal/iomgr"
	"dux/internal/ipc"
	"dux/internal/kernel"
	"dux/internal/util"

	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/negrel/assert"
	"golang.org/x/sys/unix"
)

// Largest single io_uring segment.
const SEGMENT_SIZE = 1 << 20

// A response waiting for a free receive slot.
type completion struct {
	pkt	kernel.Packet
	id	uint8
	op	kernel.Opcode
}

func (k *Kernel) serve() {
	defer close(k.done)
	for {
		select {
		case <-k.quit:
			return
		case served := <-k.doorbell:
			served <- k.pass()
		}
	}
}

// One pass: flush the backlog, consume every submitted request in ring order and post what
// fits. Reports whether anything changed for the task.
func (k *Kernel) pass() bool {
	k.mu.Lock()
	ready := k.queued
	k.mu.Unlock()
	if !ready {
		return false
	}

	posted := k.flush()
	consumed := 0
	n := uint16(k.tx.Len())
	next := k.txNext
	for i := range n {
		idx := k.txNext + i
		slot := k.tx.Slot(idx)
		op := slot.Opcode()
		if op == kernel.OP_NONE {
			continue
		}
		resp := &completion{id: slot.ID(), op: op}
		req := &resp.pkt
		req.CopyFields(slot)
		slot.Clear()
		next = idx + 1
		consumed++

		k.handle(op, req)
		k.backlog = append(k.backlog, resp)
	}
	k.txNext = next
	posted += k.flush()

	if posted > 0 {
		k.mu.Lock()
		close(k.posted)
		k.posted = make(chan struct{})
		k.mu.Unlock()
	}
	return posted > 0 || consumed > 0
}

// Moves backlog entries into free receive slots, oldest first.
func (k *Kernel) flush() int {
	posted := 0
	for len(k.backlog) > 0 {
		slot, ok := k.freeRxSlot()
		if !ok {
			break
		}
		resp := k.backlog[0]
		k.backlog[0] = nil
		k.backlog = k.backlog[1:]
		slot.CopyFields(&resp.pkt)
		slot.Publish(resp.id, resp.op)
		posted++
	}
	return posted
}

// Next free receive slot after the last one filled, so the task sees completions in order.
func (k *Kernel) freeRxSlot() (*kernel.Packet, bool) {
	for i := range uint16(k.rx.Len()) {
		idx := k.rxNext + i
		if s := k.rx.Slot(idx); s.Opcode() == kernel.OP_NONE {
			k.rxNext = idx + 1
			return s, true
		}
	}
	return nil, false
}

// Turns req into its completion in place.
func (k *Kernel) handle(op kernel.Opcode, req *kernel.Packet) {
	var err error
	switch {
	case op == kernel.OP_READ:
		err = k.read(req)
	case op == kernel.OP_WRITE:
		err = k.write(req)
	case op == kernel.OP_INFO:
		err = k.info(req)
	case op == kernel.OP_LIST:
		err = k.list(req)
	case op.IsMap():
		err = k.mapObject(op, req)
	default:
		err = fmt.Errorf("%w: opcode %v", errInvalid, op)
	}

	status := statusOf(err)
	req.Flags = req.Flags&kernel.FLAG_MASK | status.Flags()
	req.Address = k.task
	lvl := slog.LevelDebug
	if err != nil {
		lvl = slog.LevelWarn
	}
	k.log.Log(context.Background(), lvl, "handle", "op", op, "status", status, "err", err, "pkt", req)
}

func (k *Kernel) read(req *kernel.Packet) error {
	if req.Offset < 0 {
		return errInvalid
	}
	rel, id, err := k.resolve(req)
	if err != nil {
		return err
	}
	req.UUID = id
	buf, err := k.view(req.Data, req.Length, kernel.PROT_WRITE)
	if err != nil {
		return err
	}
	f, err := os.Open(k.hostPath(rel))
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := k.transfer(iomgr.OpRead, f, buf, req.Offset, false)
	req.Length = n
	return err
}

// Named writes create the file. FLAG_SYNC links an fsync behind the data.
func (k *Kernel) write(req *kernel.Packet) error {
	if req.Offset < 0 {
		return errInvalid
	}
	rel, id, err := k.resolve(req)
	if err != nil {
		return err
	}
	req.UUID = id
	sync := req.Flags&kernel.FLAG_SYNC != 0
	var buf []byte
	if req.Length > 0 || !sync {
		if buf, err = k.view(req.Data, req.Length, kernel.PROT_READ); err != nil {
			return err
		}
	}
	flags := os.O_WRONLY
	if req.NameLen > 0 {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(k.hostPath(rel), flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(buf) == 0 {
		if !sync {
			return nil
		}
		_, err = k.io.Do(&iomgr.Op{Fd: int(f.Fd()), Opcode: iomgr.OpSync})
		return ioError(err)
	}
	n, err := k.transfer(iomgr.OpWrite, f, buf, req.Offset, sync)
	req.Length = n
	return err
}

// Length is the size of a file or the number of children of a directory.
func (k *Kernel) info(req *kernel.Packet) error {
	rel, id, err := k.resolve(req)
	if err != nil {
		return err
	}
	req.UUID = id
	fi, err := os.Stat(k.hostPath(rel))
	if err != nil {
		return err
	}
	req.Length = uint64(fi.Size())
	if fi.IsDir() {
		ents, err := os.ReadDir(k.hostPath(rel))
		if err != nil {
			return err
		}
		req.Length = uint64(len(ents))
	}
	return nil
}

// Maps a listing of the directory's children into a donated range. Data and Length describe
// the blob; the task owns the pages afterwards.
func (k *Kernel) list(req *kernel.Packet) error {
	rel, id, err := k.resolve(req)
	if err != nil {
		return err
	}
	req.UUID = id
	ents, err := os.ReadDir(k.hostPath(rel))
	if err != nil {
		return err
	}

	var b ipc.ListBuilder
	for _, e := range ents {
		var size uint64
		if e.Type().IsRegular() {
			if fi, err := e.Info(); err == nil {
				size = uint64(fi.Size())
			}
		}
		if err := b.Add(k.register(filepath.Join(rel, e.Name())), size, []byte(e.Name())); err != nil {
			return fmt.Errorf("%w: %w", errInvalid, err)
		}
	}

	mem, addr, err := k.mapDonated(c.PagesFor(b.Size()), kernel.PROT_READ)
	if err != nil {
		return err
	}
	n, _ := b.Encode(mem)
	req.Data = addr
	req.Length = uint64(n)
	if k.log.Enabled(context.Background(), slog.LevelDebug) {
		k.log.Debug("list\n"+util.HexDump(mem, 0x80), "dir", rel, "entries", b.Len())
	}
	return nil
}

// Maps a copy of the object at Data with the opcode's protection. Length 0 maps the rest of
// the object from Offset, which must be page aligned. Copy on write requests get a private
// copy like every other mapping.
func (k *Kernel) mapObject(op kernel.Opcode, req *kernel.Packet) error {
	prot, _, _ := op.Prot()
	if req.Offset < 0 || req.Offset&c.PAGE_MASK != 0 {
		return errInvalid
	}
	rel, id, err := k.resolve(req)
	if err != nil {
		return err
	}
	req.UUID = id
	f, err := os.Open(k.hostPath(rel))
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return errInvalid
	}

	length := req.Length
	if length == 0 {
		if fi.Size() <= req.Offset {
			return errInvalid
		}
		length = uint64(fi.Size() - req.Offset)
	}

	k.mu.Lock()
	m, e := k.allocLocked(req.Data, c.PagesFor(length), prot)
	k.mu.Unlock()
	if e != 0 {
		if e == unix.EEXIST {
			return fs.ErrExist
		}
		return fmt.Errorf("%w: %v", errInvalid, e)
	}

	n, err := k.transfer(iomgr.OpRead, f, m.mem[:length], req.Offset, false)
	if err != nil {
		k.unmap(m)
		return err
	}
	req.Length = n
	return nil
}

// Carves pages off the first donation that is large enough and maps them. A record is only
// shrunk once its pages are mapped.
func (k *Kernel) mapDonated(pages uint64, prot kernel.Prot) ([]byte, kernel.Addr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i := range k.free.Len() {
		rec := k.free.At(i)
		start, n := rec.Load()
		if n < pages {
			continue
		}
		addr := start + kernel.Addr((n-pages)*c.PAGE_SIZE)
		m, e := k.allocLocked(addr, pages, prot)
		if e != 0 {
			k.log.Warn("mapDonated", "record", i, "addr", fmt.Sprintf("0x%x", uint64(addr)), "err", e)
			continue
		}
		got, _ := rec.Consume(pages)
		assert.Equal(got, addr, "donation moved under the kernel")
		return m.mem, addr, nil
	}
	return nil, 0, errUnavailable
}

// Moves buf to or from f at off in linked segments. A short transfer ends it early. sync links
// an fsync behind the last segment of a write.
func (k *Kernel) transfer(code iomgr.OpCode, f *os.File, buf []byte, off int64, sync bool) (uint64, error) {
	var done uint64
	for len(buf) > 0 {
		op := iomgr.Op{Fd: int(f.Fd()), Opcode: code}
		var want uint64
		for op.Count < iomgr.OP_MAX_OPS && len(buf) > 0 {
			n := min(len(buf), SEGMENT_SIZE)
			op.Segment(int(op.Count), buf[:n], uint64(off)+done+want)
			op.Count++
			want += uint64(n)
			buf = buf[n:]
		}
		op.Sync = sync && len(buf) == 0

		n, err := k.io.Do(&op)
		if err != nil {
			k.log.Warn("transfer", "op", &op, "err", err)
			return done, ioError(err)
		}
		done += uint64(n)
		if uint64(n) < want {
			break
		}
	}
	return done, nil
}

func ioError(err error) error {
	if err == nil || errors.Is(err, fs.ErrPermission) {
		return err
	}
	return fmt.Errorf("%w: %w", errInvalid, err)
}
