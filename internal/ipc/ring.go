package ipc

import (
	"dux/internal/kernel"

	"fmt"
	"math/bits"
	"unsafe"
)

// Fixed-capacity array of packets laid directly over memory shared with the kernel.
// The length is a power of two so indices wrap with a mask.
type Ring struct {
	slots	[]kernel.Packet
}

func CreateRing(mem []byte) (Ring, error) {
	n := len(mem) / kernel.PACKET_SIZE
	if n == 0 || bits.OnesCount(uint(n)) != 1 {
		return Ring{}, fmt.Errorf("ipc: ring of %d bytes does not hold a power of two of packets", len(mem))
	}
	if n > 1<<16 {
		return Ring{}, fmt.Errorf("ipc: ring of %d packets exceeds 16 bit slot indices", n)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%unsafe.Alignof(kernel.Packet{}) != 0 {
		return Ring{}, fmt.Errorf("ipc: ring memory misaligned")
	}
	return Ring{
		slots: unsafe.Slice((*kernel.Packet)(unsafe.Pointer(&mem[0])), n),
	}, nil
}

func (r Ring) Len() int { return len(r.slots) }

func (r Ring) mask() uint16 { return uint16(len(r.slots) - 1) }

func (r Ring) Slot(i uint16) *kernel.Packet { return &r.slots[i&r.mask()] }

// Donation records laid over shared memory. Only the first n are registered with the kernel.
type FreeRanges struct {
	recs	[]kernel.FreeRange
}

func CreateFreeRanges(mem []byte, n int) (FreeRanges, error) {
	fit := len(mem) / kernel.FREE_RANGE_SIZE
	if n <= 0 || n > fit {
		return FreeRanges{}, fmt.Errorf("ipc: %d free ranges do not fit in %d bytes", n, len(mem))
	}
	return FreeRanges{
		recs: unsafe.Slice((*kernel.FreeRange)(unsafe.Pointer(&mem[0])), n),
	}, nil
}

func (f FreeRanges) Len() int { return len(f.recs) }

func (f FreeRanges) At(i int) *kernel.FreeRange { return &f.recs[i] }
