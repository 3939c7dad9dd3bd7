package buffer_pool

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/page"
	"github.com/zhukovaskychina/xstasis/stasis/pagehandle"
	"github.com/zhukovaskychina/xstasis/util"
)

type fakeWAL struct {
	forced atomic.Int64
}

func (w *fakeWAL) Force(lsn common.LSN) {
	for {
		cur := w.forced.Load()
		if int64(lsn) <= cur || w.forced.CAS(cur, int64(lsn)) {
			return
		}
	}
}

// walCheckHandle 写页时检查日志已经强制到页 LSN
type walCheckHandle struct {
	*pagehandle.MemoryHandle
	wal        *fakeWAL
	violations atomic.Int32
	failReads  atomic.Bool
}

func (h *walCheckHandle) Write(id common.PageID, buf []byte) error {
	lsn := util.GetInt64(buf, common.UsableSize+common.PageTypeSize)
	if lsn > h.wal.forced.Load() {
		h.violations.Inc()
	}
	return h.MemoryHandle.Write(id, buf)
}

func (h *walCheckHandle) Read(id common.PageID, buf []byte) error {
	if h.failReads.Load() {
		return errors.New("injected read failure")
	}
	return h.MemoryHandle.Read(id, buf)
}

func newTestPool(t *testing.T, capacity int) (*BufferPool, *walCheckHandle) {
	wal := &fakeWAL{}
	h := &walCheckHandle{MemoryHandle: pagehandle.NewMemory(), wal: wal}
	bp := NewBufferPool(BufferPoolConfig{Capacity: capacity}, h, wal)
	t.Cleanup(func() { _ = bp.Close() })
	return bp, h
}

func writeValue(p *page.Page, v int64, lsn common.LSN) {
	p.Latch.Lock()
	util.PutInt64(p.Data, 0, v)
	p.SetLSN(lsn)
	p.MarkDirty()
	p.Latch.Unlock()
}

func readValue(p *page.Page) int64 {
	p.Latch.RLock()
	defer p.Latch.RUnlock()
	return util.GetInt64(p.Data, 0)
}

func TestFetchAndEvict(t *testing.T) {
	bp, h := newTestPool(t, 2)

	for i := 1; i <= 5; i++ {
		p, err := bp.Fetch(common.PageID(i))
		require.NoError(t, err)
		writeValue(p, int64(i*100), common.LSN(i*10))
		bp.Release(p)
	}
	stats := bp.Stats()
	assert.Equal(t, 2, stats.CachedPages)
	assert.Equal(t, int64(3), stats.PageEvictions)

	t.Run("淘汰后重新读入", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			p, err := bp.Fetch(common.PageID(i))
			require.NoError(t, err)
			assert.Equal(t, int64(i*100), readValue(p))
			assert.Equal(t, common.LSN(i*10), p.LSN())
			bp.Release(p)
		}
	})

	t.Run("写盘之前日志已强制", func(t *testing.T) {
		assert.Zero(t, h.violations.Load())
		assert.True(t, bp.Stats().PageWrites > 0)
	})
}

func TestFetchHit(t *testing.T) {
	bp, _ := newTestPool(t, 4)
	p1, err := bp.Fetch(7)
	require.NoError(t, err)
	p2, err := bp.Fetch(7)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	bp.Release(p1)
	bp.Release(p2)

	stats := bp.Stats()
	assert.Equal(t, int64(1), stats.PageHits)
	assert.Equal(t, int64(1), stats.PageMisses)
	assert.InDelta(t, 0.5, stats.GetHitRatio(), 0.001)
	assert.Zero(t, stats.PinnedPages)
}

func TestFetchUninitialized(t *testing.T) {
	bp, h := newTestPool(t, 4)
	junk := make([]byte, common.PageSize)
	for i := range junk {
		junk[i] = 0xAB
	}
	require.NoError(t, h.MemoryHandle.Write(3, junk))

	p, err := bp.FetchUninitialized(3, 42)
	require.NoError(t, err)
	assert.Equal(t, common.LSN(42), p.LSN())
	assert.Equal(t, page.UninitializedPage, p.Type())
	assert.Zero(t, readValue(p))
	assert.Zero(t, bp.Stats().PageReads)
	bp.Release(p)
}

func TestWriteBackBusy(t *testing.T) {
	bp, h := newTestPool(t, 4)
	p, err := bp.Fetch(1)
	require.NoError(t, err)
	writeValue(p, 9, 5)

	err = bp.WriteBack(1)
	assert.True(t, IsBusy(err))
	assert.Equal(t, int64(1), bp.Stats().WriteBackBusy)

	bp.Release(p)
	require.NoError(t, bp.WriteBack(1))
	assert.False(t, p.IsDirty())
	assert.Equal(t, 1, h.Len())

	t.Run("未缓存的页", func(t *testing.T) {
		assert.NoError(t, bp.WriteBack(99))
	})
}

func TestForceAllWritesPinnedPages(t *testing.T) {
	bp, h := newTestPool(t, 4)
	p, err := bp.Fetch(2)
	require.NoError(t, err)
	writeValue(p, 77, 3)

	require.NoError(t, bp.ForceAll())
	assert.False(t, p.IsDirty())
	buf := make([]byte, common.PageSize)
	require.NoError(t, h.MemoryHandle.Read(2, buf))
	assert.Equal(t, int64(77), util.GetInt64(buf, 0))
	bp.Release(p)

	t.Run("按范围", func(t *testing.T) {
		for _, id := range []common.PageID{10, 20} {
			q, err := bp.Fetch(id)
			require.NoError(t, err)
			writeValue(q, int64(id), 4)
			bp.Release(q)
		}
		require.NoError(t, bp.ForceRange(10, 11))
		assert.Equal(t, 1, bp.Stats().DirtyPages)
	})
}

func TestPoolExhausted(t *testing.T) {
	bp, _ := newTestPool(t, 1)
	p, err := bp.Fetch(1)
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = bp.Fetch(2) })
	bp.Release(p)

	q, err := bp.Fetch(2)
	require.NoError(t, err)
	bp.Release(q)
}

func TestFailedReadNotCached(t *testing.T) {
	bp, h := newTestPool(t, 2)
	h.failReads.Store(true)
	_, err := bp.Fetch(5)
	require.Error(t, err)
	assert.Zero(t, bp.Stats().CachedPages)

	h.failReads.Store(false)
	p, err := bp.Fetch(5)
	require.NoError(t, err)
	bp.Release(p)
}

func TestConcurrentPinSafety(t *testing.T) {
	bp, h := newTestPool(t, 6)
	const (
		pages   = 16
		workers = 4
		rounds  = 200
	)
	var lsn atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				p, err := bp.Fetch(common.PageID(r.Intn(pages)))
				if !assert.NoError(t, err) {
					return
				}
				p.Latch.Lock()
				util.PutInt64(p.Data, 0, util.GetInt64(p.Data, 0)+1)
				p.SetLSN(common.LSN(lsn.Inc()))
				p.MarkDirty()
				p.Latch.Unlock()
				bp.Release(p)
			}
		}(int64(w))
	}
	wg.Wait()

	var total int64
	for i := 0; i < pages; i++ {
		p, err := bp.Fetch(common.PageID(i))
		require.NoError(t, err)
		total += readValue(p)
		bp.Release(p)
	}
	assert.Equal(t, int64(workers*rounds), total)
	assert.Zero(t, h.violations.Load())
}

func TestWriteBackWorker(t *testing.T) {
	wal := &fakeWAL{}
	h := pagehandle.NewMemory()
	bp := NewBufferPool(BufferPoolConfig{
		Capacity:           8,
		WriteBackThreshold: 2,
		WriteBackInterval:  5 * time.Millisecond,
		WriteBackBatch:     8,
	}, h, wal)
	defer bp.Close()

	for i := 0; i < 4; i++ {
		p, err := bp.Fetch(common.PageID(i))
		require.NoError(t, err)
		writeValue(p, 1, 1)
		bp.Release(p)
	}
	assert.Eventually(t, func() bool { return bp.Stats().DirtyPages == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, h.Len())
}

func TestCrashDropsDirtyPages(t *testing.T) {
	wal := &fakeWAL{}
	h := pagehandle.NewMemory()
	bp := NewBufferPool(BufferPoolConfig{Capacity: 4}, h, wal)
	p, err := bp.Fetch(1)
	require.NoError(t, err)
	writeValue(p, 5, 1)
	bp.Release(p)
	bp.Crash()

	assert.Zero(t, h.Len())
	_, err = bp.Fetch(1)
	assert.Equal(t, ErrClosed, err)
	assert.NoError(t, bp.Close())
}

// slowHandle 写页阻塞到 release 关闭
type slowHandle struct {
	*pagehandle.MemoryHandle
	entered chan struct{}
	release chan struct{}
}

func (h *slowHandle) Write(id common.PageID, buf []byte) error {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release
	return h.MemoryHandle.Write(id, buf)
}

type fetchResult struct {
	page     *page.Page
	err      error
	panicked interface{}
}

func TestFetchWaitsForWriteBack(t *testing.T) {
	h := &slowHandle{
		MemoryHandle: pagehandle.NewMemory(),
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	var once sync.Once
	unblock := func() { once.Do(func() { close(h.release) }) }
	bp := NewBufferPool(BufferPoolConfig{Capacity: 1}, h, &fakeWAL{})
	defer func() {
		unblock()
		_ = bp.Close()
	}()

	p, err := bp.Fetch(1)
	require.NoError(t, err)
	writeValue(p, 11, 1)
	bp.Release(p)

	written := make(chan error, 1)
	go func() { written <- bp.WriteBack(1) }()
	<-h.entered

	fetched := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fetched <- fetchResult{panicked: r}
			}
		}()
		q, err := bp.Fetch(2)
		fetched <- fetchResult{page: q, err: err}
	}()

	select {
	case r := <-fetched:
		t.Fatalf("fetch returned while the only frame was being written: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 0, bp.Stats().PinnedPages)

	unblock()
	require.NoError(t, <-written)
	var r fetchResult
	select {
	case r = <-fetched:
	case <-time.After(time.Second):
		t.Fatal("fetch still waiting after write-back finished")
	}
	require.Nil(t, r.panicked)
	require.NoError(t, r.err)
	assert.Equal(t, common.PageID(2), r.page.ID)
	bp.Release(r.page)

	buf := make([]byte, common.PageSize)
	require.NoError(t, h.MemoryHandle.Read(1, buf))
	assert.Equal(t, int64(11), util.GetInt64(buf, 0))
}

type prefetchHandle struct {
	*pagehandle.MemoryHandle
	ranges [][2]common.PageID
}

func (h *prefetchHandle) PrefetchRange(start, stop common.PageID) {
	h.ranges = append(h.ranges, [2]common.PageID{start, stop})
}

func TestPrefetch(t *testing.T) {
	h := &prefetchHandle{MemoryHandle: pagehandle.NewMemory()}
	bp := NewBufferPool(BufferPoolConfig{Capacity: 2}, h, &fakeWAL{})
	defer bp.Close()

	bp.Prefetch(3, 9)
	assert.Equal(t, [][2]common.PageID{{3, 9}}, h.ranges)
}
