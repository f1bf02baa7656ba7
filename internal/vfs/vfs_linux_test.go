//go:build linux

package vfs

import (
	c "dux/internal"
	"dux/internal/kernel"
	"dux/internal/rt"
	"dux/internal/simkernel"

	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
		AddSource:  true,
	})))
	os.Exit(m.Run())
}

func boot(t *testing.T, root string) *rt.Runtime {
	t.Helper()
	k, err := simkernel.Create(root, simkernel.Options{Task: 1})
	if err != nil {
		t.Skipf("hosted kernel unavailable: %v", err)
	}
	cfg := rt.DefaultConfig()
	cfg.WaitTimeout = 10 * time.Millisecond
	r, err := rt.Init(k, cfg)
	if err != nil {
		k.Close()
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r
}

func createTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("the quick brown fox"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.bin"), make([]byte, 2*c.PAGE_SIZE+1), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "deep"), []byte("x"), 0o644))
	return root
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	sort.Strings(out)
	return out
}

func Test_ReadDir(t *testing.T) {
	r := boot(t, createTree(t))
	ctx := context.Background()
	baseline := r.Table.Len()

	// more listings than the initial donation could hold without re-donation
	for range 8 {
		entries, err := ReadDir(ctx, r, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "b.bin", "sub"}, names(entries))
		for _, e := range entries {
			switch e.Name {
			case "a.txt":
				assert.Equal(t, uint64(19), e.Size)
			case "b.bin":
				assert.Equal(t, uint64(2*c.PAGE_SIZE+1), e.Size)
			}
			assert.False(t, e.UUID.IsZero())
		}
	}
	assert.Equal(t, baseline, r.Table.Len(), "name pages and listings were given back")

	entries, err := ReadDir(ctx, r, "/sub")
	require.NoError(t, err)
	assert.Equal(t, []string{"deep"}, names(entries))

	_, err = ReadDir(ctx, r, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, kernel.OP_LIST, se.Op)
	assert.Equal(t, kernel.STATUS_NOT_FOUND, se.Status)

	_, err = ReadDir(ctx, r, "a.txt")
	assert.ErrorIs(t, err, ErrInvalid)
}

func Test_ReadDir_Large(t *testing.T) {
	const N = 200
	root := t.TempDir()
	f := gofakeit.NewFaker(rand.NewChaCha8([32]byte{1}), true)
	want := make([]string, 0, N)
	for i := range N {
		name := fmt.Sprintf("%03d-%s.%s", i, f.Word(), f.FileExtension())
		require.NoError(t, os.WriteFile(filepath.Join(root, name), nil, 0o644))
		want = append(want, name)
	}
	sort.Strings(want)

	r := boot(t, root)
	entries, err := ReadDir(context.Background(), r, "")
	require.NoError(t, err)
	assert.Equal(t, want, names(entries))
}

func Test_Stat(t *testing.T) {
	r := boot(t, createTree(t))
	ctx := context.Background()

	info, err := Stat(ctx, r, "b.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(2*c.PAGE_SIZE+1), info.Size)

	info, err = Stat(ctx, r, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.Size)

	_, err = Stat(ctx, r, "../outside")
	assert.ErrorIs(t, err, ErrInvalid)
}

func Test_Read_Write(t *testing.T) {
	root := createTree(t)
	r := boot(t, root)
	ctx := context.Background()
	baseline := r.Table.Len()

	buf := make([]byte, 64)
	n, err := ReadAt(ctx, r, "a.txt", buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "quick brown fox", string(buf[:n]))

	n, err = WriteAt(ctx, r, "sub/new.txt", []byte("jumps over"), 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	got, err := os.ReadFile(filepath.Join(root, "sub", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "jumps over", string(got))

	n, err = ReadAt(ctx, r, "sub/new.txt", buf[:5], 6)
	require.NoError(t, err)
	assert.Equal(t, "over", string(buf[:n]))

	_, err = ReadAt(ctx, r, "missing", buf, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, baseline, r.Table.Len())
}

func Test_Map(t *testing.T) {
	r := boot(t, createTree(t))
	ctx := context.Background()
	baseline := r.Table.Len()

	m, err := Map(ctx, r, "a.txt", kernel.OP_MAP_READ)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", string(m.Data))
	assert.Equal(t, uint64(kernel.PROT_READ), r.Kernel.MemGetFlags(m.Range.Start.Addr()).Value)
	require.NoError(t, r.Release(m.Range))

	_, err = Map(ctx, r, "a.txt", kernel.OP_READ)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Map(ctx, r, "sub", kernel.OP_MAP_READ_EXEC)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, baseline, r.Table.Len(), "refused map gives its reservation back")
}

func Test_Concurrent_Callers(t *testing.T) {
	r := boot(t, createTree(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, size := "a.txt", uint64(19)
			if w%2 == 1 {
				path, size = "b.bin", 2*c.PAGE_SIZE+1
			}
			for range 10 {
				info, err := Stat(ctx, r, path)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, size, info.Size, "completion delivered to the wrong caller")
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, r.IPC.Pending(), "every completion was consumed exactly once")
}

func donated(r *rt.Runtime) uint64 {
	var n uint64
	for _, pr := range r.IPC.FreeRanges() {
		n += pr.Count
	}
	return n
}

func cancelled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Serves the late completions until every abandoned request is reaped.
func drain(t *testing.T, r *rt.Runtime) {
	t.Helper()
	require.Eventually(t, func() bool {
		if r.IPC.Wait() != nil {
			return false
		}
		return r.IPC.Pending() == 0 && r.IPC.Abandoned() == 0
	}, 5*time.Second, time.Millisecond)
}

func Test_Cancelled(t *testing.T) {
	r := boot(t, createTree(t))
	baseline := r.Table.Len()

	_, err := Stat(cancelled(), r, "a.txt")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, r.IPC.Abandoned())
	assert.Equal(t, baseline+1, r.Table.Len(), "name page held until the kernel answers")

	drain(t, r)
	assert.Equal(t, baseline, r.Table.Len())

	info, err := Stat(context.Background(), r, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(19), info.Size)
}

// The kernel still writes into the bounce buffer of a read its caller gave up on, so the page
// must not be handed out again before the completion is in.
func Test_Cancelled_Read_Keeps_Buffer(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "s"), []byte("SECRETSECRET"), 0o644))
	r := boot(t, root)
	baseline := r.Table.Len()

	buf := make([]byte, 12)
	_, err := ReadAt(cancelled(), r, "s", buf, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, baseline+2, r.Table.Len(), "bounce and name pages held")

	pr, view, err := r.Alloc(1, kernel.PROT_READ_WRITE)
	require.NoError(t, err)
	for i := range view {
		view[i] = '.'
	}

	drain(t, r)
	assert.Equal(t, strings.Repeat(".", len(view)), string(view))
	assert.Equal(t, make([]byte, 12), buf, "nothing copied out for the caller that gave up")
	require.NoError(t, r.Release(pr))
	assert.Equal(t, baseline, r.Table.Len())
}

func Test_Cancelled_More_Than_Ring(t *testing.T) {
	r := boot(t, createTree(t))
	baseline := r.Table.Len()
	donation := donated(r)

	for i := range 70 {
		if i%10 == 0 {
			_, err := ReadDir(cancelled(), r, "")
			require.ErrorIs(t, err, context.Canceled)
		} else {
			_, err := Stat(cancelled(), r, "a.txt")
			require.ErrorIs(t, err, context.Canceled)
		}
		require.NoError(t, r.IPC.Wait())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := Stat(ctx, r, "b.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(2*c.PAGE_SIZE+1), info.Size)

	drain(t, r)
	assert.Equal(t, baseline, r.Table.Len())
	assert.Equal(t, donation, donated(r), "listings mapped for abandoned calls are donated again")
}

func Test_Write_Sync(t *testing.T) {
	root := createTree(t)
	r := boot(t, root)
	ctx := context.Background()
	baseline := r.Table.Len()

	n, err := WriteAtSync(ctx, r, "sub/log", []byte("committed"), 0)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	require.NoError(t, Sync(ctx, r, "sub/log"))

	got, err := os.ReadFile(filepath.Join(root, "sub", "log"))
	require.NoError(t, err)
	assert.Equal(t, "committed", string(got))

	n, err = WriteAtSync(ctx, r, "sub/log", nil, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = WriteAt(ctx, r, "sub/log", nil, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, Sync(ctx, r, "sub"), ErrInvalid)
	assert.Equal(t, baseline, r.Table.Len())
}
