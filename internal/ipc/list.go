package ipc

import (
	c "dux/internal"
	"dux/internal/kernel"

	"errors"
	"fmt"
	"math"
)

var (
	ErrIndexRange	= errors.New("ipc: list index out of range")
	ErrNameTooLong	= errors.New("ipc: name longer than 65535 bytes")
	ErrListTooLarge	= errors.New("ipc: list exceeds 4GiB")
	ErrShortBuffer	= errors.New("ipc: buffer too small for list")
)

// Listing blob, as the kernel maps it into a donated range:
//
//	0x00        count           u64
//	0x08 + 32i  raw entry i     uuid 16B | size u64 | name_offset u32 | name_len u16 | pad 2B
//	...         name bytes      anywhere in the blob, addressed by name_offset from blob start
const (
	LIST_HEADER_SIZE	= c.LEN_U64
	LIST_ENTRY_SIZE		= 0x20

	offEntryUuidX		= 0x00
	offEntryUuidY		= 0x08
	offEntrySize		= 0x10
	offEntryNameOff		= 0x18
	offEntryNameLen		= 0x1c
)

// A child object entry decoded from a List. Name aliases the list data and is nil if the raw
// entry points outside of the blob.
type ListEntry struct {
	UUID	kernel.UUID
	Size	uint64
	Name	[]byte
}

func (e ListEntry) String() string {
	return fmt.Sprintf("%q (%v, %d bytes)", e.Name, e.UUID, e.Size)
}

// A listing of an object's children.
type List struct {
	Data	[]byte
}

// Number of entries. A count claiming more entries than the blob holds is clamped.
func (l List) Len() int {
	if len(l.Data) < LIST_HEADER_SIZE {
		return 0
	}
	cnt := c.Bin.Uint64(l.Data)
	fit := uint64(len(l.Data)-LIST_HEADER_SIZE) / LIST_ENTRY_SIZE
	return int(min(cnt, fit))
}

func (l List) Get(index int) (ListEntry, error) {
	if index < 0 || index >= l.Len() {
		return ListEntry{}, ErrIndexRange
	}
	raw := l.Data[LIST_HEADER_SIZE+index*LIST_ENTRY_SIZE:]

	e := ListEntry{
		UUID: kernel.UUID{
			X: c.Bin.Uint64(raw[offEntryUuidX:]),
			Y: c.Bin.Uint64(raw[offEntryUuidY:]),
		},
		Size: c.Bin.Uint64(raw[offEntrySize:]),
	}
	start := uint64(c.Bin.Uint32(raw[offEntryNameOff:]))
	end := start + uint64(c.Bin.Uint16(raw[offEntryNameLen:]))
	if end <= uint64(len(l.Data)) {
		e.Name = l.Data[start:end:end]
	}
	return e, nil
}

func (l List) All(yield func(ListEntry) bool) {
	for i := range l.Len() {
		e, _ := l.Get(i)
		if !yield(e) {
			break
		}
	}
}

// Assembles a List blob. Names are packed after the entry array.
type ListBuilder struct {
	entries	[]ListEntry
	nameLen	int
}

func (b *ListBuilder) Add(uuid kernel.UUID, size uint64, name []byte) error {
	if len(name) > math.MaxUint16 {
		return ErrNameTooLong
	}
	b.entries = append(b.entries, ListEntry{UUID: uuid, Size: size, Name: name})
	b.nameLen += len(name)
	if b.Size() > math.MaxUint32 {
		b.entries = b.entries[:len(b.entries)-1]
		b.nameLen -= len(name)
		return ErrListTooLarge
	}
	return nil
}

func (b *ListBuilder) Len() int { return len(b.entries) }

// Encoded size in bytes.
func (b *ListBuilder) Size() uint64 {
	return uint64(LIST_HEADER_SIZE + len(b.entries)*LIST_ENTRY_SIZE + b.nameLen)
}

// Writes the blob to dst and returns the number of bytes written.
func (b *ListBuilder) Encode(dst []byte) (int, error) {
	size := int(b.Size())
	if len(dst) < size {
		return 0, ErrShortBuffer
	}

	c.Bin.PutUint64(dst, uint64(len(b.entries)))
	nameOff := LIST_HEADER_SIZE + len(b.entries)*LIST_ENTRY_SIZE
	for i, e := range b.entries {
		raw := dst[LIST_HEADER_SIZE+i*LIST_ENTRY_SIZE : LIST_HEADER_SIZE+(i+1)*LIST_ENTRY_SIZE]
		c.Bin.PutUint64(raw[offEntryUuidX:], e.UUID.X)
		c.Bin.PutUint64(raw[offEntryUuidY:], e.UUID.Y)
		c.Bin.PutUint64(raw[offEntrySize:], e.Size)
		c.Bin.PutUint32(raw[offEntryNameOff:], uint32(nameOff))
		c.Bin.PutUint16(raw[offEntryNameLen:], uint16(len(e.Name)))
		c.Bin.PutUint16(raw[offEntryNameLen+c.LEN_U16:], 0)
		nameOff += copy(dst[nameOff:], e.Name)
	}
	return size, nil
}

func (b *ListBuilder) Bytes() []byte {
	out := make([]byte, b.Size())
	b.Encode(out)
	return out
}
