package mem

import (
	c "dux/internal"
	"dux/internal/kernel"

	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrNullAddress		= errors.New("mem: null address")
	ErrUnaligned		= errors.New("mem: address not page aligned")
	ErrZeroCount		= errors.New("mem: zero page count")
	ErrOverflow			= errors.New("mem: range wraps the address space")
	ErrNoSpace			= errors.New("mem: no free range large enough")
	ErrNoMemory			= errors.New("mem: reservation table full")
	ErrOverlap			= errors.New("mem: range overlaps an existing reservation")
	ErrNotReserved		= errors.New("mem: range is not reserved")
	ErrCountTooLarge	= errors.New("mem: count exceeds the reserved range")
)

// A non-null, page aligned task address. Only NewPage can make one from an arbitrary address.
type Page kernel.Addr

func NewPage(addr kernel.Addr) (Page, error) {
	if addr == 0 {
		return 0, ErrNullAddress
	}
	if addr&c.PAGE_MASK != 0 {
		return 0, ErrUnaligned
	}
	return Page(addr), nil
}

func (p Page) Addr() kernel.Addr { return kernel.Addr(p) }

func (p Page) String() string { return fmt.Sprintf("0x%x", uint64(p)) }

// Address of the last byte of count pages starting at start. ok is false if that wraps.
func lastByte(start kernel.Addr, count uint64) (kernel.Addr, bool) {
	hi, size := bits.Mul64(count, c.PAGE_SIZE)
	if hi != 0 || size == 0 {
		return 0, false
	}
	end, carry := bits.Add64(uint64(start), size-1, 0)
	if carry != 0 {
		return 0, false
	}
	return kernel.Addr(end), true
}

// count pages starting at Start. Always at least one page and never wraps.
type PageRange struct {
	Start	Page
	Count	uint64
}

func NewPageRange(start Page, count uint64) (PageRange, error) {
	if count == 0 {
		return PageRange{}, ErrZeroCount
	}
	if _, ok := lastByte(start.Addr(), count); !ok {
		return PageRange{}, ErrOverflow
	}
	return PageRange{Start: start, Count: count}, nil
}

// Inclusive.
func (r PageRange) End() kernel.Addr {
	end, _ := lastByte(r.Start.Addr(), r.Count)
	return end
}

func (r PageRange) Bytes() uint64 { return r.Count * c.PAGE_SIZE }

func (r PageRange) Range() Range { return Range{Start: r.Start.Addr(), End: r.End()} }

// One reserved region. End is inclusive, i.e. it can be addressed without a pagefault.
type Range struct {
	Start	kernel.Addr
	End		kernel.Addr
}

const RANGE_SIZE = 0x10

func (r Range) Pages() uint64 { return (uint64(r.End-r.Start) + 1) / c.PAGE_SIZE }

func (r Range) Contains(addr kernel.Addr) bool { return addr >= r.Start && addr <= r.End }

func (r Range) Overlaps(o Range) bool { return r.Start <= o.End && o.Start <= r.End }

func (r Range) String() string {
	return fmt.Sprintf("[0x%x..0x%x]", uint64(r.Start), uint64(r.End))
}

func (r Range) valid() error {
	if r.Start <= c.NULL_PAGE_END {
		return ErrNullAddress
	}
	if r.Start&c.PAGE_MASK != 0 || r.End&c.PAGE_MASK != c.PAGE_MASK {
		return ErrUnaligned
	}
	if r.End < r.Start {
		return ErrOverflow
	}
	return nil
}

// Status maps allocator errors onto the C library's reservation codes. 0 is success.
func Status(err error) int8 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoSpace), errors.Is(err, ErrNullAddress), errors.Is(err, ErrOverlap):
		return -1
	case errors.Is(err, ErrUnaligned), errors.Is(err, ErrNotReserved):
		return -2
	case errors.Is(err, ErrNoMemory), errors.Is(err, ErrCountTooLarge):
		return -3
	}
	return -4
}
