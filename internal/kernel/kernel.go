// Kernel ABI as seen from inside a task.
package kernel

import (
	"fmt"
	"time"
)

// A task virtual address. Only meaningful inside the address space of the task that owns it.
type Addr uint64

// Kernel-side identifier of a task.
type TaskID uint64

type Prot uint8
const (
	PROT_READ	Prot = 0x1
	PROT_WRITE	Prot = 0x2
	PROT_EXEC	Prot = 0x4

	PROT_READ_WRITE = PROT_READ | PROT_WRITE
)

func (p Prot) String() string {
	b := []byte("---")
	if p&PROT_READ != 0 	{ b[0] = 'r' }
	if p&PROT_WRITE != 0 	{ b[1] = 'w' }
	if p&PROT_EXEC != 0 	{ b[2] = 'x' }
	return string(b)
}

// Syscall numbers, only used to label errors.
type Sysno uint8
const (
	SYS_IO_WAIT			Sysno = 0
	SYS_IO_SET_QUEUES	Sysno = 1
	SYS_MEM_ALLOC		Sysno = 3
	SYS_MEM_DEALLOC		Sysno = 4
	SYS_MEM_GET_FLAGS	Sysno = 5
	SYS_MEM_SET_FLAGS	Sysno = 6
	SYS_SYS_LOG			Sysno = 15
)

var sysnoNames = map[Sysno]string{
	SYS_IO_WAIT:		"io_wait",
	SYS_IO_SET_QUEUES:	"io_set_queues",
	SYS_MEM_ALLOC:		"mem_alloc",
	SYS_MEM_DEALLOC:	"mem_dealloc",
	SYS_MEM_GET_FLAGS:	"mem_get_flags",
	SYS_MEM_SET_FLAGS:	"mem_set_flags",
	SYS_SYS_LOG:		"sys_log",
}

func (s Sysno) String() string {
	if n, ok := sysnoNames[s]; ok {
		return n
	}
	return fmt.Sprintf("sys_%d", uint8(s))
}

// Every call returns a status/value pair. Status 0 is success, anything else is an opaque kernel
// error code at this layer.
type Return struct {
	Status	uint64
	Value	uint64
}

func (r Return) Ok() bool { return r.Status == 0 }

// Wraps a non-zero status in a *SyscallError, nil otherwise.
func (r Return) Err(call Sysno) error {
	if r.Status == 0 {
		return nil
	}
	return &SyscallError{Call: call, Status: r.Status}
}

type SyscallError struct {
	Call	Sysno
	Status	uint64
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("kernel: %s failed with status %d", e.Call, e.Status)
}

// Wait forever.
const WAIT_FOREVER = time.Duration(-1)

// The fixed set of kernel operations a task can issue.
//
// View is the hosted stand-in for dereferencing a task address: it returns the bytes currently
// mapped at [addr, addr+n). The returned slice aliases the mapping and is only valid until the
// range is deallocated.
type Kernel interface {
	// Blocks until the kernel has something for the task or the timeout elapses. A negative
	// timeout waits forever.
	IoWait(timeout time.Duration) Return
	// Lengths are entry counts. A zero ring length means one page worth of packets.
	IoSetQueues(tx Addr, txLen uint64, rx Addr, rxLen uint64, free Addr, freeLen uint64) Return

	MemAlloc(addr Addr, count uint64, prot Prot) Return
	MemDealloc(addr Addr, count uint64) Return
	MemGetFlags(addr Addr) Return
	MemSetFlags(addr Addr, count uint64, prot Prot) Return

	SysLog(msg string) Return

	View(addr Addr, n uint64) ([]byte, error)
}
