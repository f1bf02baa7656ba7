//go:build linux

package simkernel

import (
	c "dux/internal"
	"dux/internal/iomgr"
	"dux/internal/ipc"
	"dux/internal/kernel"

	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
		AddSource:  true,
	})))
	os.Exit(m.Run())
}

const (
	TX_ADDR		= kernel.Addr(0x100000)
	RX_ADDR		= kernel.Addr(0x200000)
	FREE_ADDR	= kernel.Addr(0x300000)
	BUF_ADDR	= kernel.Addr(0x400000)
	NAME_ADDR	= kernel.Addr(0x500000)
	DONATION	= kernel.Addr(0x600000)
)

type task struct {
	k		*Kernel
	tx		ipc.Ring
	rx		ipc.Ring
	free	ipc.FreeRanges
}

func createKernel(t *testing.T, root string) *Kernel {
	t.Helper()
	io, err := iomgr.CreateIoMgr(iomgr.Options{Cpu: -1})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(io.Close)

	k, err := Create(root, Options{Io: io, Task: 7})
	require.NoError(t, err)
	t.Cleanup(k.Close)
	return k
}

// Maps and registers one page per queue plus a page of scratch buffers and names.
func createTask(t *testing.T) *task {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "foo"), []byte("hello, world"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bar"), make([]byte, 3*c.PAGE_SIZE+5), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "qux"), 0o755))

	k := createKernel(t, root)
	for _, a := range []kernel.Addr{TX_ADDR, RX_ADDR, FREE_ADDR, BUF_ADDR, NAME_ADDR} {
		require.True(t, k.MemAlloc(a, 1, kernel.PROT_READ_WRITE).Ok())
	}
	require.True(t, k.IoSetQueues(TX_ADDR, 0, RX_ADDR, 0, FREE_ADDR, 2).Ok())

	view := func(a kernel.Addr, n uint64) []byte {
		mem, err := k.View(a, n)
		require.NoError(t, err)
		return mem
	}
	tk := &task{k: k}
	var err error
	tk.tx, err = ipc.CreateRing(view(TX_ADDR, c.PAGE_SIZE))
	require.NoError(t, err)
	tk.rx, err = ipc.CreateRing(view(RX_ADDR, c.PAGE_SIZE))
	require.NoError(t, err)
	tk.free, err = ipc.CreateFreeRanges(view(FREE_ADDR, c.PAGE_SIZE), 2)
	require.NoError(t, err)
	return tk
}

func (tk *task) name(t *testing.T, s string) (kernel.Addr, uint16) {
	mem, err := tk.k.View(NAME_ADDR, uint64(len(s)))
	require.NoError(t, err)
	copy(mem, s)
	return NAME_ADDR, uint16(len(s))
}

// Submits one request in slot i and waits for its completion.
func (tk *task) call(t *testing.T, i uint16, op kernel.Opcode, fill func(*kernel.Packet)) *kernel.Packet {
	t.Helper()
	pkt := tk.tx.Slot(i)
	pkt.Reset()
	fill(pkt)
	pkt.Publish(uint8(i), op)

	for range 100 {
		require.True(t, tk.k.IoWait(10*time.Millisecond).Ok())
		for j := range uint16(tk.rx.Len()) {
			if r := tk.rx.Slot(j); r.Opcode() == op && r.ID() == uint8(i) {
				return r
			}
		}
	}
	t.Fatalf("no completion for %v", op)
	return nil
}

func Test_Memory(t *testing.T) {
	k := createKernel(t, t.TempDir())

	assert.True(t, k.MemAlloc(0x10000, 2, kernel.PROT_READ).Ok())
	assert.Equal(t, uint64(unix.EEXIST), k.MemAlloc(0x11000, 1, kernel.PROT_READ).Status)
	assert.Equal(t, uint64(unix.EINVAL), k.MemAlloc(0, 1, kernel.PROT_READ).Status)
	assert.Equal(t, uint64(unix.EINVAL), k.MemAlloc(0x20010, 1, kernel.PROT_READ).Status)
	assert.Equal(t, uint64(unix.EINVAL), k.MemAlloc(0x20000, 0, kernel.PROT_READ).Status)

	r := k.MemGetFlags(0x11fff)
	require.True(t, r.Ok())
	assert.Equal(t, uint64(kernel.PROT_READ), r.Value)
	require.True(t, k.MemSetFlags(0x10000, 2, kernel.PROT_READ_WRITE).Ok())
	assert.Equal(t, uint64(kernel.PROT_READ_WRITE), k.MemGetFlags(0x10000).Value)
	assert.Equal(t, uint64(unix.EFAULT), k.MemGetFlags(0x12000).Status)

	mem, err := k.View(0x10ff0, 0x20)
	require.NoError(t, err)
	assert.Len(t, mem, 0x20)
	_, err = k.View(0x11ff0, 0x20)
	assert.ErrorIs(t, err, errNotMapped)

	assert.Equal(t, uint64(unix.EINVAL), k.MemDealloc(0x10000, 1).Status)
	assert.True(t, k.MemDealloc(0x10000, 2).Ok())
	assert.Empty(t, k.Mappings())
}

func Test_IoSetQueues_Errors(t *testing.T) {
	k := createKernel(t, t.TempDir())
	assert.Equal(t, uint64(unix.EINVAL), k.IoSetQueues(TX_ADDR, 0, RX_ADDR, 0, FREE_ADDR, 1).Status)

	for _, a := range []kernel.Addr{TX_ADDR, RX_ADDR, FREE_ADDR} {
		require.True(t, k.MemAlloc(a, 1, kernel.PROT_READ_WRITE).Ok())
	}
	assert.Equal(t, uint64(unix.EINVAL), k.IoSetQueues(TX_ADDR, 3, RX_ADDR, 0, FREE_ADDR, 1).Status)
	assert.True(t, k.IoSetQueues(TX_ADDR, 0, RX_ADDR, 0, FREE_ADDR, 1).Ok())
	assert.Equal(t, uint64(unix.EEXIST), k.IoSetQueues(TX_ADDR, 0, RX_ADDR, 0, FREE_ADDR, 1).Status)
}

func Test_IoWait_Timeout_And_Close(t *testing.T) {
	k := createKernel(t, t.TempDir())

	start := time.Now()
	assert.True(t, k.IoWait(5*time.Millisecond).Ok(), "a timeout is not an error")
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	done := make(chan kernel.Return)
	go func() { done <- k.IoWait(kernel.WAIT_FOREVER) }()
	time.Sleep(5 * time.Millisecond)
	k.Close()
	assert.Equal(t, uint64(unix.EPIPE), (<-done).Status)
}

func Test_SysLog(t *testing.T) {
	k := createKernel(t, t.TempDir())
	assert.True(t, k.SysLog("hello").Ok())
	assert.Equal(t, []string{"hello"}, k.Logs())
}

func Test_Read_Write(t *testing.T) {
	tk := createTask(t)

	name, n := tk.name(t, "/foo")
	r := tk.call(t, 0, kernel.OP_READ, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Data = BUF_ADDR
		p.Length = 64
		p.Offset = 7
	})
	assert.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Equal(t, uint64(5), r.Length)
	assert.Equal(t, objectID("foo"), r.UUID)
	assert.Equal(t, kernel.TaskID(7), r.Address)
	buf, _ := tk.k.View(BUF_ADDR, 5)
	assert.Equal(t, "world", string(buf))
	assert.Equal(t, kernel.OP_NONE, tk.tx.Slot(0).Opcode(), "the kernel clears consumed requests")

	copy(buf, "WORLD")
	name, n = tk.name(t, "new")
	r = tk.call(t, 1, kernel.OP_WRITE, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Data = BUF_ADDR
		p.Length = 5
	})
	assert.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Equal(t, uint64(5), r.Length)
	got, err := os.ReadFile(filepath.Join(tk.k.Root(), "new"))
	require.NoError(t, err)
	assert.Equal(t, "WORLD", string(got))

	// by uuid, now that the kernel knows it
	r = tk.call(t, 2, kernel.OP_READ, func(p *kernel.Packet) {
		p.UUID = objectID("foo")
		p.Data = BUF_ADDR
		p.Length = 5
	})
	assert.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Equal(t, "hello", string(buf))
}

func Test_Request_Errors(t *testing.T) {
	tk := createTask(t)

	name, n := tk.name(t, "missing")
	r := tk.call(t, 0, kernel.OP_INFO, func(p *kernel.Packet) { p.Name, p.NameLen = name, n })
	assert.Equal(t, kernel.STATUS_NOT_FOUND, r.Status())

	name, n = tk.name(t, "../../etc/passwd")
	r = tk.call(t, 1, kernel.OP_INFO, func(p *kernel.Packet) { p.Name, p.NameLen = name, n })
	assert.Equal(t, kernel.STATUS_INVALID, r.Status())

	r = tk.call(t, 2, kernel.OP_INFO, func(p *kernel.Packet) { p.UUID = kernel.UUID{X: 1, Y: 2} })
	assert.Equal(t, kernel.STATUS_NOT_FOUND, r.Status())

	require.True(t, tk.k.MemSetFlags(BUF_ADDR, 1, kernel.PROT_READ).Ok())
	name, n = tk.name(t, "foo")
	r = tk.call(t, 3, kernel.OP_READ, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Data = BUF_ADDR
		p.Length = 4
	})
	assert.Equal(t, kernel.STATUS_NO_PERMISSION, r.Status())

	r = tk.call(t, 4, kernel.OP_READ, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Data = 0x7000_0000
		p.Length = 4
	})
	assert.Equal(t, kernel.STATUS_INVALID, r.Status())
}

func Test_Info(t *testing.T) {
	tk := createTask(t)

	name, n := tk.name(t, "bar")
	r := tk.call(t, 0, kernel.OP_INFO, func(p *kernel.Packet) { p.Name, p.NameLen = name, n })
	assert.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Equal(t, uint64(3*c.PAGE_SIZE+5), r.Length)

	r = tk.call(t, 1, kernel.OP_INFO, func(p *kernel.Packet) {})
	assert.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Equal(t, uint64(3), r.Length, "root has three children")
	assert.Equal(t, objectID("."), r.UUID)
}

func Test_List(t *testing.T) {
	tk := createTask(t)

	r := tk.call(t, 0, kernel.OP_LIST, func(p *kernel.Packet) {})
	assert.Equal(t, kernel.STATUS_UNAVAILABLE, r.Status(), "nothing donated yet")

	tk.free.At(1).Publish(DONATION, 4)
	r = tk.call(t, 1, kernel.OP_LIST, func(p *kernel.Packet) {})
	require.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Equal(t, DONATION+3*c.PAGE_SIZE, r.Data)
	assert.Equal(t, uint64(3), tk.free.At(1).Count(), "one page carved off the end")
	assert.Equal(t, DONATION, tk.free.At(1).Address())
	assert.Equal(t, uint64(kernel.PROT_READ), tk.k.MemGetFlags(r.Data).Value)

	blob, err := tk.k.View(r.Data, r.Length)
	require.NoError(t, err)
	l := ipc.List{Data: blob}
	require.Equal(t, 3, l.Len())

	want := map[string]uint64{"bar": 3*c.PAGE_SIZE + 5, "foo": 12, "qux": 0}
	for e := range l.All {
		size, ok := want[string(e.Name)]
		require.True(t, ok, "unexpected entry %v", e)
		assert.Equal(t, size, e.Size)
		assert.Equal(t, objectID(string(e.Name)), e.UUID)
	}

	// children can be addressed by the uuid the listing handed out
	e, err := l.Get(0)
	require.NoError(t, err)
	r = tk.call(t, 2, kernel.OP_INFO, func(p *kernel.Packet) { p.UUID = e.UUID })
	assert.Equal(t, kernel.STATUS_OK, r.Status())
}

func Test_Map(t *testing.T) {
	tk := createTask(t)
	const MAP_ADDR = kernel.Addr(0x700000)

	name, n := tk.name(t, "bar")
	r := tk.call(t, 0, kernel.OP_MAP_READ_EXEC, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Data = MAP_ADDR
	})
	require.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Equal(t, uint64(3*c.PAGE_SIZE+5), r.Length)
	assert.Equal(t, uint64(kernel.PROT_READ|kernel.PROT_EXEC), tk.k.MemGetFlags(MAP_ADDR+3*c.PAGE_SIZE).Value)

	r = tk.call(t, 1, kernel.OP_MAP_READ, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Data = MAP_ADDR
	})
	assert.Equal(t, kernel.STATUS_EXISTS, r.Status())

	r = tk.call(t, 2, kernel.OP_MAP_READ, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Data = 0x800000
		p.Offset = 1
	})
	assert.Equal(t, kernel.STATUS_INVALID, r.Status())
}

func Test_Backlog(t *testing.T) {
	tk := createTask(t)

	// occupy every receive slot but one
	for i := range uint16(tk.rx.Len() - 1) {
		tk.rx.Slot(i).Publish(0, kernel.OP_INFO)
	}
	for i := range uint16(2) {
		tk.tx.Slot(i).Reset()
		tk.tx.Slot(i).Publish(uint8(i), kernel.OP_INFO)
	}
	require.True(t, tk.k.IoWait(10*time.Millisecond).Ok())

	last := tk.rx.Slot(uint16(tk.rx.Len() - 1))
	assert.Equal(t, kernel.OP_INFO, last.Opcode())
	assert.Equal(t, uint8(0), last.ID())

	// the second completion waits until a slot frees up
	tk.rx.Slot(5).Clear()
	require.True(t, tk.k.IoWait(10*time.Millisecond).Ok())
	assert.Equal(t, uint8(1), tk.rx.Slot(5).ID())
	assert.Equal(t, kernel.OP_INFO, tk.rx.Slot(5).Opcode())
}

func Test_Write_Sync(t *testing.T) {
	tk := createTask(t)

	buf, err := tk.k.View(BUF_ADDR, 7)
	require.NoError(t, err)
	copy(buf, "durable")
	name, n := tk.name(t, "synced")
	r := tk.call(t, 0, kernel.OP_WRITE, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Data = BUF_ADDR
		p.Length = 7
		p.Flags = kernel.FLAG_SYNC
	})
	require.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Equal(t, uint64(7), r.Length)
	assert.Equal(t, kernel.FLAG_SYNC, r.Flags&kernel.FLAG_MASK, "request flags survive into the completion")
	got, err := os.ReadFile(filepath.Join(tk.k.Root(), "synced"))
	require.NoError(t, err)
	assert.Equal(t, "durable", string(got))

	// flush only, no buffer needed
	r = tk.call(t, 1, kernel.OP_WRITE, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Flags = kernel.FLAG_SYNC
	})
	assert.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Zero(t, r.Length)
}

func Test_Map_Read_Failure_Unmaps(t *testing.T) {
	tk := createTask(t)
	const MAP_ADDR = kernel.Addr(0x700000)
	tk.k.io.Close()

	name, n := tk.name(t, "bar")
	r := tk.call(t, 0, kernel.OP_MAP_READ, func(p *kernel.Packet) {
		p.Name, p.NameLen = name, n
		p.Data = MAP_ADDR
	})
	assert.Equal(t, kernel.STATUS_INVALID, r.Status())
	assert.Equal(t, uint64(unix.EFAULT), tk.k.MemGetFlags(MAP_ADDR).Status, "nothing left mapped")
}

func Test_List_Skips_Unmappable_Donation(t *testing.T) {
	tk := createTask(t)

	// record 0 points at pages the task already mapped
	tk.free.At(0).Publish(BUF_ADDR, 1)
	tk.free.At(1).Publish(DONATION, 2)
	r := tk.call(t, 0, kernel.OP_LIST, func(p *kernel.Packet) {})
	require.Equal(t, kernel.STATUS_OK, r.Status())
	assert.Equal(t, DONATION+c.PAGE_SIZE, r.Data)
	assert.Equal(t, uint64(1), tk.free.At(0).Count(), "an unusable donation is left intact")
	assert.Equal(t, uint64(1), tk.free.At(1).Count())
}
