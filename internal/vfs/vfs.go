// Path based file operations on top of the IPC transport: every call stages its path in task
// memory, submits one request and waits for the matching completion.
package vfs

import (
	c "dux/internal"
	"dux/internal/ipc"
	"dux/internal/kernel"
	"dux/internal/mem"
	"dux/internal/rt"

	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

var (
	ErrInvalid		= errors.New("vfs: invalid request")
	ErrNotFound		= errors.New("vfs: no such object")
	ErrUnavailable	= errors.New("vfs: kernel has no room for the payload")
	ErrPermission	= errors.New("vfs: permission denied")
	ErrExists		= errors.New("vfs: already exists")
	ErrNameTooLong	= errors.New("vfs: path too long")
)

// A completion that did not come back ok.
type StatusError struct {
	Op		kernel.Opcode
	Path	string
	Status	kernel.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vfs: %v %q: %v", e.Op, e.Path, e.Status)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case kernel.STATUS_NOT_FOUND:		return ErrNotFound
	case kernel.STATUS_UNAVAILABLE:		return ErrUnavailable
	case kernel.STATUS_NO_PERMISSION:	return ErrPermission
	case kernel.STATUS_EXISTS:			return ErrExists
	}
	return ErrInvalid
}

type Entry struct {
	UUID	kernel.UUID
	Size	uint64
	Name	string
}

type Info struct {
	UUID	kernel.UUID
	// Bytes for a file, children for a directory.
	Size	uint64
}

var ids atomic.Uint32

// A request and everything it holds in task memory besides its name. undo gives that back once
// nobody will look at the completion: it gets the completion, or nil if the request never
// reached the kernel. It also runs for completions that did not come back ok.
type request struct {
	op		kernel.Opcode
	path	string
	fill	func(*kernel.Packet)
	undo	func(*kernel.Packet)
}

// Submits req and waits for its completion. The caller pops the returned slot and owns what the
// request holds. If ctx ends first the request is abandoned: its name page and whatever undo
// releases stay untouched until the kernel's late completion is reaped.
func call(ctx context.Context, r *rt.Runtime, req request) (*ipc.RxSlot, error) {
	undo := func(p *kernel.Packet) {
		if req.undo != nil {
			req.undo(p)
		}
	}
	if len(req.path) > math.MaxUint16 {
		undo(nil)
		return nil, ErrNameTooLong
	}
	var name mem.PageRange
	if len(req.path) > 0 {
		pr, view, err := r.Alloc(c.PagesFor(uint64(len(req.path))), kernel.PROT_READ_WRITE)
		if err != nil {
			undo(nil)
			return nil, err
		}
		copy(view, req.path)
		name = pr
	}
	release := func(p *kernel.Packet) {
		releaseName(r, name)
		undo(p)
	}

	tx, err := r.IPC.Transmit(ctx)
	if err != nil {
		release(nil)
		return nil, err
	}
	pkt := tx.Packet()
	if req.fill != nil {
		req.fill(pkt)
	}
	if name.Count > 0 {
		pkt.Name = name.Start.Addr()
		pkt.NameLen = uint16(len(req.path))
	}
	id := nextID(r, req.op)
	if err := tx.Submit(id, req.op); err != nil {
		tx.Cancel()
		release(nil)
		return nil, err
	}

	rx, err := r.IPC.ReceiveMatch(ctx, func(p *kernel.Packet) bool {
		return p.Opcode() == req.op && p.ID() == id
	})
	if err != nil {
		r.IPC.Abandon(req.op, id, release)
		return nil, err
	}
	releaseName(r, name)

	if s := rx.Packet().Status(); s != kernel.STATUS_OK {
		undo(rx.Packet())
		rx.Pop()
		return nil, &StatusError{Op: req.op, Path: req.path, Status: s}
	}
	return rx, nil
}

// Next request id whose completion would not be mistaken for an abandoned request's.
func nextID(r *rt.Runtime, op kernel.Opcode) uint8 {
	id := uint8(ids.Add(1))
	for range math.MaxUint8 {
		if !r.IPC.IsAbandoned(op, id) {
			break
		}
		id = uint8(ids.Add(1))
	}
	return id
}

func releaseName(r *rt.Runtime, name mem.PageRange) {
	if name.Count > 0 {
		r.Release(name)
	}
}

// Unmaps a listing the kernel mapped into a donation and donates its pages again.
func redonate(r *rt.Runtime, addr kernel.Addr, length uint64) error {
	page, err := mem.NewPage(addr)
	if err != nil {
		return fmt.Errorf("vfs: listing at 0x%x: %w", uint64(addr), err)
	}
	if err := r.Redonate(mem.PageRange{Start: page, Count: c.PagesFor(length)}); err != nil {
		return fmt.Errorf("vfs: returning listing pages: %w", err)
	}
	return nil
}

// Lists the children of a directory. The listing pages the kernel mapped are unmapped and
// donated again once the entries are copied out.
func ReadDir(ctx context.Context, r *rt.Runtime, path string) ([]Entry, error) {
	rx, err := call(ctx, r, request{
		op:		kernel.OP_LIST,
		path:	path,
		undo:	func(p *kernel.Packet) {
			if p != nil && p.Status() == kernel.STATUS_OK {
				redonate(r, p.Data, p.Length)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	pkt := rx.Packet()
	addr, length := pkt.Data, pkt.Length
	rx.Pop()

	blob, err := r.Kernel.View(addr, length)
	if err != nil {
		return nil, err
	}
	list := ipc.List{Data: blob}
	out := make([]Entry, 0, list.Len())
	for e := range list.All {
		out = append(out, Entry{UUID: e.UUID, Size: e.Size, Name: string(e.Name)})
	}
	return out, redonate(r, addr, length)
}

func Stat(ctx context.Context, r *rt.Runtime, path string) (Info, error) {
	rx, err := call(ctx, r, request{op: kernel.OP_INFO, path: path})
	if err != nil {
		return Info{}, err
	}
	defer rx.Pop()
	return Info{UUID: rx.Packet().UUID, Size: rx.Packet().Length}, nil
}

// Reads up to len(buf) bytes at off through a bounce buffer in task memory. Reading past the
// end returns fewer bytes and no error.
func ReadAt(ctx context.Context, r *rt.Runtime, path string, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	pr, view, err := r.Alloc(c.PagesFor(uint64(len(buf))), kernel.PROT_READ_WRITE)
	if err != nil {
		return 0, err
	}

	rx, err := call(ctx, r, request{
		op:		kernel.OP_READ,
		path:	path,
		fill:	func(p *kernel.Packet) {
			p.Data = pr.Start.Addr()
			p.Length = uint64(len(buf))
			p.Offset = off
		},
		undo:	func(*kernel.Packet) { r.Release(pr) },
	})
	if err != nil {
		return 0, err
	}
	n := min(rx.Packet().Length, uint64(len(buf)))
	rx.Pop()
	copied := copy(buf, view[:n])
	return copied, r.Release(pr)
}

// Writes buf at off, creating the file if it does not exist.
func WriteAt(ctx context.Context, r *rt.Runtime, path string, buf []byte, off int64) (int, error) {
	return write(ctx, r, path, buf, off, 0)
}

// Like WriteAt, but returns only once the data is durable.
func WriteAtSync(ctx context.Context, r *rt.Runtime, path string, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return write(ctx, r, path, buf, off, kernel.FLAG_SYNC)
}

// Flushes earlier writes to the file.
func Sync(ctx context.Context, r *rt.Runtime, path string) error {
	_, err := write(ctx, r, path, nil, 0, kernel.FLAG_SYNC)
	return err
}

func write(ctx context.Context, r *rt.Runtime, path string, buf []byte, off int64, flags uint16) (int, error) {
	if len(buf) == 0 && flags&kernel.FLAG_SYNC == 0 {
		return 0, nil
	}
	var pr mem.PageRange
	if len(buf) > 0 {
		var view []byte
		var err error
		if pr, view, err = r.Alloc(c.PagesFor(uint64(len(buf))), kernel.PROT_READ_WRITE); err != nil {
			return 0, err
		}
		copy(view, buf)
	}
	release := func() error {
		if pr.Count == 0 {
			return nil
		}
		return r.Release(pr)
	}

	rx, err := call(ctx, r, request{
		op:		kernel.OP_WRITE,
		path:	path,
		fill:	func(p *kernel.Packet) {
			if pr.Count > 0 {
				p.Data = pr.Start.Addr()
			}
			p.Length = uint64(len(buf))
			p.Offset = off
			p.Flags = flags
		},
		undo:	func(*kernel.Packet) { release() },
	})
	if err != nil {
		return 0, err
	}
	n := int(rx.Packet().Length)
	rx.Pop()
	return n, release()
}

// A copy of an object mapped into the task. Release with Runtime.Release.
type Mapping struct {
	Range	mem.PageRange
	Data	[]byte
}

// Maps the whole object with the protection of op, which must be one of the MAP_* opcodes.
func Map(ctx context.Context, r *rt.Runtime, path string, op kernel.Opcode) (Mapping, error) {
	if !op.IsMap() {
		return Mapping{}, fmt.Errorf("%w: %v is not a map opcode", ErrInvalid, op)
	}
	info, err := Stat(ctx, r, path)
	if err != nil {
		return Mapping{}, err
	}
	if info.Size == 0 {
		return Mapping{}, fmt.Errorf("%w: %q is empty", ErrInvalid, path)
	}
	pages := c.PagesFor(info.Size)
	page, err := r.Table.Reserve(0, pages)
	if err != nil {
		return Mapping{}, err
	}
	pr := mem.PageRange{Start: page, Count: pages}

	rx, err := call(ctx, r, request{
		op:		op,
		path:	path,
		fill:	func(p *kernel.Packet) {
			p.Data = page.Addr()
			p.Length = info.Size
		},
		// only a successful completion leaves pages mapped
		undo:	func(p *kernel.Packet) {
			if p != nil && p.Status() == kernel.STATUS_OK {
				r.Release(pr)
			} else {
				r.Table.Unreserve(page.Addr(), pages)
			}
		},
	})
	if err != nil {
		return Mapping{}, err
	}
	n := rx.Packet().Length
	rx.Pop()

	data, err := r.Kernel.View(page.Addr(), n)
	if err != nil {
		r.Release(pr)
		return Mapping{}, err
	}
	return Mapping{Range: pr, Data: data}, nil
}
