package kernel

import (
	c "dux/internal"

	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"
)

type Opcode uint8
const (
	OP_NONE					Opcode = iota
	OP_READ
	OP_WRITE
	OP_INFO
	OP_LIST
	OP_MAP_READ
	OP_MAP_WRITE
	OP_MAP_READ_WRITE
	OP_MAP_EXEC
	OP_MAP_READ_EXEC
	OP_MAP_READ_COW
	OP_MAP_EXEC_COW
	OP_MAP_READ_EXEC_COW
)

var opcodeNames = [...]string{
	"NONE", "READ", "WRITE", "INFO", "LIST",
	"MAP_READ", "MAP_WRITE", "MAP_READ_WRITE", "MAP_EXEC", "MAP_READ_EXEC",
	"MAP_READ_COW", "MAP_EXEC_COW", "MAP_READ_EXEC_COW",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("OP(%d)", uint8(op))
}

func (op Opcode) Valid() bool { return op <= OP_MAP_READ_EXEC_COW }

func (op Opcode) IsMap() bool { return op >= OP_MAP_READ && op <= OP_MAP_READ_EXEC_COW }

// Protection requested by a MAP_* opcode and whether the mapping is copy-on-write.
// ok is false for any other opcode.
func (op Opcode) Prot() (prot Prot, cow bool, ok bool) {
	switch op {
	case OP_MAP_READ:			return PROT_READ, false, true
	case OP_MAP_WRITE:			return PROT_WRITE, false, true
	case OP_MAP_READ_WRITE:		return PROT_READ_WRITE, false, true
	case OP_MAP_EXEC:			return PROT_EXEC, false, true
	case OP_MAP_READ_EXEC:		return PROT_READ | PROT_EXEC, false, true
	case OP_MAP_READ_COW:		return PROT_READ, true, true
	case OP_MAP_EXEC_COW:		return PROT_EXEC, true, true
	case OP_MAP_READ_EXEC_COW:	return PROT_READ | PROT_EXEC, true, true
	}
	return 0, false, false
}

// Completion status, carried in the top 5 bits of Packet.Flags.
type Status uint8
const (
	STATUS_NONE				Status = 0
	STATUS_INVALID			Status = 26
	STATUS_NOT_FOUND		Status = 27
	STATUS_UNAVAILABLE		Status = 28
	STATUS_NO_PERMISSION	Status = 29
	STATUS_EXISTS			Status = 30
	STATUS_OK				Status = 31
)

const statusShift = 11

// Opcode specific flags live in the bits below the status.
const FLAG_MASK uint16 = 1<<statusShift - 1

// On WRITE: the data is durable on the object's backing store before the completion is posted.
// A WRITE of length 0 with FLAG_SYNC only flushes.
const FLAG_SYNC uint16 = 0x1

func StatusFromFlags(flags uint16) Status { return Status(flags >> statusShift) }

func (s Status) Flags() uint16 { return uint16(s) << statusShift }

func (s Status) String() string {
	switch s {
	case STATUS_NONE:			return "none"
	case STATUS_INVALID:		return "invalid"
	case STATUS_NOT_FOUND:		return "not-found"
	case STATUS_UNAVAILABLE:	return "unavailable"
	case STATUS_NO_PERMISSION:	return "no-permission"
	case STATUS_EXISTS:			return "exists"
	case STATUS_OK:				return "ok"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// PACKET_SIZE is part of the wire contract, as are the field offsets below.
const PACKET_SIZE = 0x40

// One IPC record, placed directly in ring memory shared with the kernel.
//
//	0x00 uuid     16B
//	0x10 data      8B  payload address, interpreted per opcode
//	0x18 name      8B  optional path address
//	0x20 offset    8B  signed
//	0x28 length    8B
//	0x30 address   8B  target task
//	0x38 flags     2B
//	0x3a name_len  2B
//	0x3c id        1B
//	0x3d opcode    1B
//	0x3e reserved  2B
//
// The last word (id, opcode, reserved) is only ever touched atomically. Writing it is what
// publishes the packet, so every other field must be written first.
type Packet struct {
	UUID	UUID
	Data	Addr
	Name	Addr
	Offset	int64
	Length	uint64
	Address	TaskID
	Flags	uint16
	NameLen	uint16
	tail	atomic.Uint32
}

var _ [PACKET_SIZE]struct{} = [unsafe.Sizeof(Packet{})]struct{}{}

const (
	tailIdShift	= 0
	tailOpShift	= 8
)

func (p *Packet) Opcode() Opcode { return Opcode(p.tail.Load() >> tailOpShift) }

func (p *Packet) ID() uint8 { return uint8(p.tail.Load() >> tailIdShift) }

// Publishes the packet: a single atomic store of id and opcode after all other fields.
func (p *Packet) Publish(id uint8, op Opcode) {
	p.tail.Store(uint32(id)<<tailIdShift | uint32(op)<<tailOpShift)
}

// Marks the slot empty (opcode NONE).
func (p *Packet) Clear() { p.tail.Store(0) }

// Zeroes every non-atomic field.
func (p *Packet) Reset() {
	p.UUID = UUID{}
	p.Data = 0
	p.Name = 0
	p.Offset = 0
	p.Length = 0
	p.Address = 0
	p.Flags = 0
	p.NameLen = 0
}

func (p *Packet) Status() Status { return StatusFromFlags(p.Flags) }

// Copies every non-atomic field from src. The opcode is not copied, publish it separately.
func (p *Packet) CopyFields(src *Packet) {
	p.UUID = src.UUID
	p.Data = src.Data
	p.Name = src.Name
	p.Offset = src.Offset
	p.Length = src.Length
	p.Address = src.Address
	p.Flags = src.Flags
	p.NameLen = src.NameLen
}

func (p *Packet) String() string {
	if p == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Packet | Op: %v, Id: %d, Uuid: %v, Status: %v | Data: @0x%x | Len: 0x%x | Off: 0x%x",
		p.Opcode(), p.ID(), p.UUID, p.Status(), uint64(p.Data), p.Length, p.Offset)
	if p.NameLen > 0 {
		fmt.Fprintf(&b, " | Name: @0x%x (%d)", uint64(p.Name), p.NameLen)
	}
	return b.String()
}

// A page range donated to the kernel so it can map inbound payloads. Count is written last and
// a zero count marks an empty record. The address only changes while the record is empty, so
// a reader that sees the same non-zero count before and after loading it has a consistent pair.
type FreeRange struct {
	address	atomic.Uint64
	count	atomic.Uint64
}

const FREE_RANGE_SIZE = 0x10

var _ [FREE_RANGE_SIZE]struct{} = [unsafe.Sizeof(FreeRange{})]struct{}{}

func (f *FreeRange) Count() uint64 { return f.count.Load() }

func (f *FreeRange) Address() Addr { return Addr(f.address.Load()) }

// Snapshot of a live record. n is 0 for an empty one.
func (f *FreeRange) Load() (addr Addr, n uint64) {
	for {
		n = f.count.Load()
		if n == 0 {
			return 0, 0
		}
		addr = Addr(f.address.Load())
		if f.count.Load() == n {
			return addr, n
		}
	}
}

// Task side. The record must be empty.
func (f *FreeRange) Publish(addr Addr, count uint64) {
	f.address.Store(uint64(addr))
	f.count.Store(count)
}

// Kernel side: carves pages off the end of the record, shrinking it in place. ok is false if it
// is too small.
func (f *FreeRange) Consume(pages uint64) (addr Addr, ok bool) {
	n := f.count.Load()
	if pages == 0 || n < pages {
		return 0, false
	}
	addr = Addr(f.address.Load()) + Addr((n-pages)*c.PAGE_SIZE)
	f.count.Store(n - pages)
	return addr, true
}
