//go:build linux

package simkernel

import (
	c "dux/internal"
	"dux/internal/iomgr"
	"dux/internal/kernel"

	"cmp"
	"errors"
	"fmt"
	"math/bits"
	"slices"

	"golang.org/x/sys/unix"
)

var errNotMapped = errors.New("simkernel: address not mapped")

// One MemAlloc worth of task pages, backed by its own host slab.
type mapping struct {
	start	kernel.Addr
	pages	uint64
	prot	kernel.Prot
	mem		[]byte
}

func (m *mapping) end() kernel.Addr { return m.start + kernel.Addr(m.pages*c.PAGE_SIZE) - 1 }

func (m *mapping) String() string {
	return fmt.Sprintf("[0x%x..0x%x %v]", uint64(m.start), uint64(m.end()), m.prot)
}

// Status codes handed back by the memory syscalls.
func errno(e unix.Errno) kernel.Return { return kernel.Return{Status: uint64(e)} }

func checkRange(addr kernel.Addr, count uint64) (kernel.Addr, unix.Errno) {
	if addr == 0 || addr&c.PAGE_MASK != 0 || count == 0 {
		return 0, unix.EINVAL
	}
	hi, size := bits.Mul64(count, c.PAGE_SIZE)
	end, carry := bits.Add64(uint64(addr), size-1, 0)
	if hi != 0 || carry != 0 {
		return 0, unix.EINVAL
	}
	return kernel.Addr(end), 0
}

// Index of the mapping containing addr, or -1. Caller holds k.mu.
func (k *Kernel) findLocked(addr kernel.Addr) int {
	i, found := slices.BinarySearchFunc(k.maps, addr, func(m *mapping, a kernel.Addr) int {
		return cmp.Compare(m.start, a)
	})
	if found {
		return i
	}
	if i > 0 && k.maps[i-1].end() >= addr {
		return i - 1
	}
	return -1
}

func (k *Kernel) allocLocked(addr kernel.Addr, count uint64, prot kernel.Prot) (*mapping, unix.Errno) {
	end, e := checkRange(addr, count)
	if e != 0 {
		return nil, e
	}
	i, _ := slices.BinarySearchFunc(k.maps, addr, func(m *mapping, a kernel.Addr) int {
		return cmp.Compare(m.start, a)
	})
	if (i > 0 && k.maps[i-1].end() >= addr) || (i < len(k.maps) && k.maps[i].start <= end) {
		return nil, unix.EEXIST
	}

	mem, err := iomgr.AllocSlab(int(count * c.PAGE_SIZE))
	if err != nil {
		return nil, unix.ENOMEM
	}
	m := &mapping{start: addr, pages: count, prot: prot, mem: mem}
	k.maps = slices.Insert(k.maps, i, m)
	k.log.Debug("MemAlloc", "mapping", m)
	return m, 0
}

func (k *Kernel) MemAlloc(addr kernel.Addr, count uint64, prot kernel.Prot) kernel.Return {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, e := k.allocLocked(addr, count, prot); e != 0 {
		return errno(e)
	}
	return kernel.Return{Value: uint64(addr)}
}

// Only whole mappings can be released.
func (k *Kernel) MemDealloc(addr kernel.Addr, count uint64) kernel.Return {
	k.mu.Lock()
	defer k.mu.Unlock()

	i := k.findLocked(addr)
	if i < 0 {
		return errno(unix.EFAULT)
	}
	if k.maps[i].start != addr || k.maps[i].pages != count {
		return errno(unix.EINVAL)
	}
	return errno(k.deallocLocked(i))
}

func (k *Kernel) deallocLocked(i int) unix.Errno {
	m := k.maps[i]
	if err := iomgr.DeallocSlab(m.mem); err != nil {
		return unix.EIO
	}
	k.maps = slices.Delete(k.maps, i, i+1)
	k.log.Debug("MemDealloc", "mapping", m)
	return 0
}

// Drops a mapping the kernel itself made for a request that then failed.
func (k *Kernel) unmap(m *mapping) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if i := k.findLocked(m.start); i >= 0 && k.maps[i] == m {
		k.deallocLocked(i)
	}
}

func (k *Kernel) MemGetFlags(addr kernel.Addr) kernel.Return {
	k.mu.Lock()
	defer k.mu.Unlock()
	i := k.findLocked(addr)
	if i < 0 {
		return errno(unix.EFAULT)
	}
	return kernel.Return{Value: uint64(k.maps[i].prot)}
}

func (k *Kernel) MemSetFlags(addr kernel.Addr, count uint64, prot kernel.Prot) kernel.Return {
	k.mu.Lock()
	defer k.mu.Unlock()
	i := k.findLocked(addr)
	if i < 0 {
		return errno(unix.EFAULT)
	}
	if k.maps[i].start != addr || k.maps[i].pages != count {
		return errno(unix.EINVAL)
	}
	k.maps[i].prot = prot
	return kernel.Return{}
}

func (k *Kernel) View(addr kernel.Addr, n uint64) ([]byte, error) {
	return k.view(addr, n, 0)
}

// Like View, but the mapping must also allow need.
func (k *Kernel) view(addr kernel.Addr, n uint64, need kernel.Prot) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.viewProtLocked(addr, n, need)
}

func (k *Kernel) viewLocked(addr kernel.Addr, n uint64) ([]byte, error) {
	return k.viewProtLocked(addr, n, 0)
}

func (k *Kernel) viewProtLocked(addr kernel.Addr, n uint64, need kernel.Prot) ([]byte, error) {
	i := k.findLocked(addr)
	if i < 0 {
		return nil, fmt.Errorf("%w: 0x%x", errNotMapped, uint64(addr))
	}
	m := k.maps[i]
	off := uint64(addr - m.start)
	if n > uint64(len(m.mem))-off {
		return nil, fmt.Errorf("%w: 0x%x+0x%x crosses %v", errNotMapped, uint64(addr), n, m)
	}
	if m.prot&need != need {
		return nil, fmt.Errorf("%w: %v needs %v", errNoPermission, m, need)
	}
	return m.mem[off : off+n : off+n], nil
}

// Snapshot for tests and debug logging.
func (k *Kernel) Mappings() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, len(k.maps))
	for i, m := range k.maps {
		out[i] = m.String()
	}
	return out
}

func (k *Kernel) unmapAllLocked() {
	for _, m := range k.maps {
		iomgr.DeallocSlab(m.mem)
	}
	k.maps = nil
}
