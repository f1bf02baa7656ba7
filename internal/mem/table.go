package mem

import (
	c "dux/internal"
	"dux/internal/kernel"

	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"unsafe"

	"github.com/negrel/assert"
)

// Table tracks every reserved range of the task's address space. Entries are sorted by start,
// never overlap and never touch the null page. The entries live directly in the backing memory
// handed to CreateTable (one page at bootstrap, so 256 entries).
//
// The table never grows: once it is full every insertion fails with ErrNoMemory.
type Table struct {
	log		*slog.Logger
	mu		sync.Mutex

	entries	[]Range // len is the capacity, only [:cnt] is live
	cnt		int
	top		kernel.Addr // last usable address (inclusive)
}

func CreateTable(backing []byte, top kernel.Addr, seeds ...Range) (*Table, error) {
	capacity := len(backing) / RANGE_SIZE
	if capacity == 0 {
		return nil, fmt.Errorf("mem: table backing too small (%d bytes)", len(backing))
	}
	if top&c.PAGE_MASK != c.PAGE_MASK || top <= c.NULL_PAGE_END {
		return nil, fmt.Errorf("mem: top 0x%x is not the last byte of a page: %w", uint64(top), ErrUnaligned)
	}
	if len(seeds) > capacity {
		return nil, ErrNoMemory
	}

	sorted := slices.Clone(seeds)
	slices.SortFunc(sorted, func(a, b Range) int { return cmp.Compare(a.Start, b.Start) })
	for i, r := range sorted {
		if err := r.valid(); err != nil {
			return nil, fmt.Errorf("mem: seed %v: %w", r, err)
		}
		if r.End > top {
			return nil, fmt.Errorf("mem: seed %v above top 0x%x: %w", r, uint64(top), ErrNoSpace)
		}
		if i > 0 && sorted[i-1].Overlaps(r) {
			return nil, fmt.Errorf("mem: seed %v overlaps %v: %w", r, sorted[i-1], ErrOverlap)
		}
	}

	t := Table{
		log:		slog.With("src", "Table"),
		entries:	unsafe.Slice((*Range)(unsafe.Pointer(&backing[0])), capacity),
		cnt:		len(sorted),
		top:		top,
	}
	copy(t.entries, sorted)
	t.log.Debug("CreateTable", "capacity", capacity, "seeds", len(sorted), "top", fmt.Sprintf("0x%x", uint64(top)))
	return &t, nil
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cnt
}

func (t *Table) Cap() int { return len(t.entries) }

func (t *Table) Top() kernel.Addr { return t.top }

// Snapshot of the live entries in ascending order.
func (t *Table) Ranges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.entries[:t.cnt])
}

// Iterates over a snapshot, so yield may call back into the table.
func (t *Table) All() iter.Seq[Range] {
	return slices.Values(t.Ranges())
}

// Reserves count pages. With addr == 0 the lowest-addressed gap that fits wins (first fit, not
// best or worst fit). Otherwise exactly [addr, addr+count pages) is reserved or nothing is.
//
// Nothing is mutated on error.
func (t *Table) Reserve(addr kernel.Addr, count uint64) (Page, error) {
	if count == 0 {
		return 0, ErrZeroCount
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if addr == 0 {
		return t.reserveAny(count)
	}
	start, err := NewPage(addr)
	if err != nil {
		return 0, err
	}
	return t.reserveAt(start, count)
}

func (t *Table) reserveAny(count uint64) (Page, error) {
	prevEnd := kernel.Addr(c.NULL_PAGE_END)

	// one pass over every gap, including the one between the last entry and top
	for i := 0; i <= t.cnt; i++ {
		limit := t.top
		if i < t.cnt {
			limit = t.entries[i].Start - 1
		}

		start := prevEnd + 1
		end, ok := lastByte(start, count)
		if prevEnd < start && ok && end <= limit {
			if err := t.insert(i, Range{Start: start, End: end}); err != nil {
				return 0, err
			}
			t.log.Debug("Reserve", "range", Range{Start: start, End: end}, "pages", count, "index", i)
			return Page(start), nil
		}

		if i < t.cnt {
			prevEnd = t.entries[i].End
		}
	}

	return 0, ErrNoSpace
}

func (t *Table) reserveAt(start Page, count uint64) (Page, error) {
	end, ok := lastByte(start.Addr(), count)
	if !ok {
		return 0, ErrOverflow
	}
	if end > t.top {
		return 0, ErrNoSpace
	}
	r := Range{Start: start.Addr(), End: end}

	i, _ := t.search(r.Start)
	if i > 0 && t.entries[i-1].End >= r.Start {
		return 0, ErrOverlap
	}
	if i < t.cnt && t.entries[i].Start <= r.End {
		return 0, ErrOverlap
	}

	if err := t.insert(i, r); err != nil {
		return 0, err
	}
	t.log.Debug("Reserve", "range", r, "pages", count, "index", i, "fixed", true)
	return start, nil
}

// Releases count pages starting at addr. The window must lie inside a single reserved range:
// an exact match removes the entry, a prefix or suffix shrinks it and a window in the middle
// splits it in two (which needs a free entry).
func (t *Table) Unreserve(addr kernel.Addr, count uint64) error {
	start, err := NewPage(addr)
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrZeroCount
	}
	end, ok := lastByte(start.Addr(), count)
	if !ok {
		return ErrCountTooLarge
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := t.search(addr)
	if !found {
		i-- // the entry before the insertion point is the only one that can contain addr
	}
	if i < 0 || !t.entries[i].Contains(addr) {
		return ErrNotReserved
	}
	e := t.entries[i]
	if end > e.End {
		return ErrCountTooLarge
	}

	switch {
	case addr == e.Start && end == e.End:
		t.remove(i)
	case addr == e.Start:
		t.entries[i].Start = end + 1
	case end == e.End:
		t.entries[i].End = addr - 1
	default:
		if t.cnt >= len(t.entries) {
			return ErrNoMemory
		}
		t.entries[i].End = addr - 1
		t.insert(i+1, Range{Start: end + 1, End: e.End})
	}

	t.log.Debug("Unreserve", "range", Range{Start: addr, End: end}, "from", e)
	t.checkSorted()
	return nil
}

// Index of the first entry whose start is >= addr, and whether that start equals addr.
func (t *Table) search(addr kernel.Addr) (int, bool) {
	return slices.BinarySearchFunc(t.entries[:t.cnt], addr, func(e Range, a kernel.Addr) int {
		return cmp.Compare(e.Start, a)
	})
}

// Shifts every entry at and after index up by one. Fails without touching anything when full.
func (t *Table) insert(index int, r Range) error {
	if t.cnt >= len(t.entries) {
		return ErrNoMemory
	}
	copy(t.entries[index+1:t.cnt+1], t.entries[index:t.cnt])
	t.entries[index] = r
	t.cnt++
	t.checkSorted()
	return nil
}

func (t *Table) remove(index int) {
	copy(t.entries[index:t.cnt-1], t.entries[index+1:t.cnt])
	t.cnt--
	t.entries[t.cnt] = Range{}
}

// Only does anything with -tags assert.
func (t *Table) checkSorted() {
	for i := 1; i < t.cnt; i++ {
		assert.Less(t.entries[i-1].End, t.entries[i].Start, "reservation table out of order")
	}
}
