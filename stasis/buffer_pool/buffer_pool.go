package buffer_pool

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/conf"
	"github.com/zhukovaskychina/xstasis/stasis/page"
	"github.com/zhukovaskychina/xstasis/stasis/pagehandle"
)

// WAL 写回脏页前必须让日志先落盘
type WAL interface {
	Force(lsn common.LSN)
}

// BufferPoolConfig contains configuration for buffer pool
type BufferPoolConfig struct {
	Capacity           int
	WriteBackThreshold int
	WriteBackInterval  time.Duration
	WriteBackBatch     int
}

// ConfigFromCfg 从存储配置构造
func ConfigFromCfg(cfg *conf.Cfg) BufferPoolConfig {
	return BufferPoolConfig{
		Capacity:           cfg.PoolSize,
		WriteBackThreshold: cfg.WriteBackThreshold,
		WriteBackInterval:  cfg.WriteBackInterval,
		WriteBackBatch:     cfg.WriteBackBatch,
	}
}

// busyRetry ForceAll 遇到页忙时的等待
const busyRetry = time.Millisecond

// frame 缓冲池中的一个槽
type frame struct {
	page *page.Page
	pins int

	// loading 非空表示帧正在换页：写出旧页、读入新页
	loading chan struct{}
	// evicting 换页期间仍映射到本帧的旧页号
	evicting common.PageID
	// writing 写回在进行
	writing bool

	prev, next int
	inLRU      bool
}

// BufferPool represents the page cache. Bookkeeping is protected by mu, page
// bytes by each page's latch; neither is held across I/O.
type BufferPool struct {
	mu      sync.Mutex
	frames  []frame
	table   map[common.PageID]int
	free    []int
	lruHead int
	lruTail int
	closed  bool
	// written 写回结束时广播，等待可淘汰帧的请求在这里等
	written *sync.Cond

	handle pagehandle.Handle
	wal    WAL
	config BufferPoolConfig

	stats     BufferPoolStats
	dirtyHint atomic.Int64

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBufferPool creates a new buffer pool and starts the write-back worker
func NewBufferPool(config BufferPoolConfig, handle pagehandle.Handle, wal WAL) *BufferPool {
	if config.Capacity < 1 {
		config.Capacity = 1
	}
	bp := &BufferPool{
		frames:  make([]frame, config.Capacity),
		table:   make(map[common.PageID]int, config.Capacity),
		free:    make([]int, 0, config.Capacity),
		lruHead: nilFrame,
		lruTail: nilFrame,
		handle:  handle,
		wal:     wal,
		config:  config,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	bp.written = sync.NewCond(&bp.mu)
	// 页缓冲按需分配，先用完空闲帧再回收
	for i := config.Capacity - 1; i >= 0; i-- {
		bp.frames[i].prev, bp.frames[i].next = nilFrame, nilFrame
		bp.free = append(bp.free, i)
	}
	if config.WriteBackInterval > 0 {
		bp.wg.Add(1)
		go bp.writeBackWorker()
	}
	return bp
}

// Fetch 钉住并返回页，未缓存时从磁盘读入。同一页的并发读只发生一次。
func (bp *BufferPool) Fetch(id common.PageID) (*page.Page, error) {
	return bp.fetch(id, false, 0)
}

// FetchUninitialized 钉住一个全新的页，跳过磁盘读，清零并把 LSN 设为 lsn
func (bp *BufferPool) FetchUninitialized(id common.PageID, lsn common.LSN) (*page.Page, error) {
	return bp.fetch(id, true, lsn)
}

func (bp *BufferPool) fetch(id common.PageID, uninitialized bool, lsn common.LSN) (*page.Page, error) {
	bp.mu.Lock()
	var idx int
	for {
		if bp.closed {
			bp.mu.Unlock()
			return nil, ErrClosed
		}
		if cached, ok := bp.table[id]; ok {
			f := &bp.frames[cached]
			if f.loading != nil {
				ch := f.loading
				bp.mu.Unlock()
				<-ch
				bp.mu.Lock()
				continue
			}
			f.pins++
			bp.lruRemove(cached)
			bp.mu.Unlock()
			bp.stats.RecordPageRequest(true)
			return f.page, nil
		}

		idx = bp.victimLocked()
		if idx != nilFrame {
			break
		}
		if bp.lruTail == nilFrame {
			bp.mu.Unlock()
			logger.Panicf("buffer pool exhausted: all %d pages are pinned", len(bp.frames))
			return nil, ErrBusy
		}
		// 未钉住的页都在写回，写完后重新查找
		bp.written.Wait()
	}
	f := &bp.frames[idx]
	var old *page.Page
	if f.page != nil {
		old = f.page
		f.evicting = old.ID
	} else {
		f.page = page.New(id, make([]byte, common.PageSize))
		f.evicting = common.InvalidPage
	}
	f.loading = make(chan struct{})
	f.pins = 1
	bp.table[id] = idx
	bp.mu.Unlock()
	bp.stats.RecordPageRequest(false)

	p := f.page
	if old != nil {
		bp.evict(old)
	}
	p.Reset(id)

	var err error
	if uninitialized {
		for i := range p.Data {
			p.Data[i] = 0
		}
		p.SetLSN(lsn)
	} else {
		err = bp.handle.Read(id, p.Data)
		bp.stats.PageReads.Inc()
	}
	if err == nil {
		p.Impl().Loaded(p)
	}

	bp.mu.Lock()
	if f.evicting != common.InvalidPage {
		delete(bp.table, f.evicting)
		f.evicting = common.InvalidPage
	}
	close(f.loading)
	f.loading = nil
	if err != nil {
		// 读失败不留在缓存里，之后的请求重新读
		delete(bp.table, id)
		f.pins = 0
		f.page = nil
		bp.free = append(bp.free, idx)
		bp.mu.Unlock()
		return nil, NewError("fetch", err)
	}
	bp.mu.Unlock()
	return p, nil
}

// victimLocked 优先使用空闲帧，否则淘汰替换链表尾部的页
func (bp *BufferPool) victimLocked() int {
	if n := len(bp.free); n > 0 {
		idx := bp.free[n-1]
		bp.free = bp.free[:n-1]
		return idx
	}
	idx := bp.lruVictim()
	if idx == nilFrame {
		return nilFrame
	}
	bp.lruRemove(idx)
	bp.stats.PageEvictions.Inc()
	return idx
}

// evict 写出被淘汰的脏页并释放页实现的内存状态
func (bp *BufferPool) evict(p *page.Page) {
	if p.IsDirty() {
		bp.writeOut(p)
	}
	p.Impl().Evicted(p)
	logger.Debugf("evicted page %d", p.ID)
}

// writeOut 在读闩内复制页，释放闩后先强制日志再写盘，写失败不可恢复
func (bp *BufferPool) writeOut(p *page.Page) {
	buf := make([]byte, common.PageSize)
	p.Latch.RLock()
	p.Impl().Flushed(p)
	p.ClearDirty()
	copy(buf, p.Data)
	lsn := p.LSN()
	id := p.ID
	p.Latch.RUnlock()

	if bp.wal != nil {
		bp.wal.Force(lsn)
	}
	if err := bp.handle.Write(id, buf); err != nil {
		logger.Panicf("write back page %d: %v", id, err)
	}
	bp.stats.PageWrites.Inc()
}

// Release 解除钉住，页回到替换链表
func (bp *BufferPool) Release(p *page.Page) {
	bp.mu.Lock()
	idx, ok := bp.table[p.ID]
	if !ok || bp.frames[idx].page != p {
		bp.mu.Unlock()
		logger.Panicf("release of page %d that is not cached", p.ID)
		return
	}
	f := &bp.frames[idx]
	if f.pins <= 0 {
		bp.mu.Unlock()
		logger.Panicf("release of unpinned page %d", p.ID)
		return
	}
	f.pins--
	if f.pins == 0 {
		bp.lruPushFront(idx)
	}
	bp.mu.Unlock()

	if p.IsDirty() && bp.config.WriteBackThreshold > 0 &&
		bp.dirtyHint.Inc() >= int64(bp.config.WriteBackThreshold) {
		bp.dirtyHint.Store(0)
		select {
		case bp.wake <- struct{}{}:
		default:
		}
	}
}

// WriteBack 尽力写回一页，页被钉住或正在 I/O 时返回 ErrBusy
func (bp *BufferPool) WriteBack(id common.PageID) error {
	return bp.writeBack(id, false)
}

func (bp *BufferPool) writeBack(id common.PageID, allowPinned bool) error {
	bp.mu.Lock()
	idx, ok := bp.table[id]
	if !ok {
		bp.mu.Unlock()
		return nil
	}
	f := &bp.frames[idx]
	if f.loading != nil || f.writing || (f.pins > 0 && !allowPinned) {
		bp.mu.Unlock()
		bp.stats.WriteBackBusy.Inc()
		return ErrBusy
	}
	p := f.page
	if !p.IsDirty() {
		bp.mu.Unlock()
		return nil
	}
	f.writing = true
	bp.mu.Unlock()

	bp.writeOut(p)

	bp.mu.Lock()
	f.writing = false
	bp.written.Broadcast()
	bp.mu.Unlock()
	return nil
}

// ForceAll 写回全部脏页并同步页文件
func (bp *BufferPool) ForceAll() error {
	return bp.forcePages(func(common.PageID) bool { return true }, bp.handle.ForceFile)
}

// ForceRange 写回 [start, stop) 内的脏页并同步这段页文件
func (bp *BufferPool) ForceRange(start, stop common.PageID) error {
	return bp.forcePages(func(id common.PageID) bool { return id >= start && id < stop }, func() error {
		return bp.handle.ForceRange(start, stop)
	})
}

func (bp *BufferPool) forcePages(match func(common.PageID) bool, sync func() error) error {
	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		return ErrClosed
	}
	ids := make([]common.PageID, 0, len(bp.table))
	for id, idx := range bp.table {
		if match(id) && bp.frames[idx].page != nil && bp.frames[idx].page.IsDirty() {
			ids = append(ids, id)
		}
	}
	bp.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		// 钉住的页也写：内容在读闩内复制，不会写出半修改的页
		for bp.writeBack(id, true) == ErrBusy {
			time.Sleep(busyRetry)
		}
	}
	if err := sync(); err != nil {
		return NewError("force", err)
	}
	return nil
}

// Prefetch 提示页存储预读
func (bp *BufferPool) Prefetch(start, stop common.PageID) {
	bp.handle.PrefetchRange(start, stop)
}

func (bp *BufferPool) writeBackWorker() {
	defer bp.wg.Done()
	ticker := time.NewTicker(bp.config.WriteBackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-bp.stop:
			return
		case <-ticker.C:
		case <-bp.wake:
		}
		bp.writeBackBatch()
	}
}

// writeBackBatch 从替换链表尾部挑选冷的脏页写回
func (bp *BufferPool) writeBackBatch() {
	batch := bp.config.WriteBackBatch
	if batch <= 0 {
		batch = 32
	}
	bp.mu.Lock()
	ids := make([]common.PageID, 0, batch)
	for idx := bp.lruTail; idx != nilFrame && len(ids) < batch; idx = bp.frames[idx].prev {
		f := &bp.frames[idx]
		if !f.writing && f.loading == nil && f.page.IsDirty() {
			ids = append(ids, f.page.ID)
		}
	}
	bp.mu.Unlock()

	written := 0
	for _, id := range ids {
		if err := bp.WriteBack(id); err == nil {
			written++
		}
	}
	if written > 0 {
		logger.Debugf("write-back worker flushed %d pages", written)
	}
}

// Stats 统计快照
func (bp *BufferPool) Stats() StatsSnapshot {
	bp.mu.Lock()
	snap := StatsSnapshot{CachedPages: len(bp.table)}
	for _, idx := range bp.table {
		f := &bp.frames[idx]
		if f.pins > 0 {
			snap.PinnedPages++
		}
		if f.page != nil && f.page.IsDirty() {
			snap.DirtyPages++
		}
	}
	bp.mu.Unlock()

	snap.PageHits = bp.stats.PageHits.Load()
	snap.PageMisses = bp.stats.PageMisses.Load()
	snap.PageReads = bp.stats.PageReads.Load()
	snap.PageWrites = bp.stats.PageWrites.Load()
	snap.PageEvictions = bp.stats.PageEvictions.Load()
	snap.WriteBackBusy = bp.stats.WriteBackBusy.Load()
	return snap
}

func (bp *BufferPool) stopWorker() {
	select {
	case <-bp.stop:
	default:
		close(bp.stop)
	}
	bp.wg.Wait()
}

// Close 写回全部脏页后关闭页存储
func (bp *BufferPool) Close() error {
	bp.stopWorker()
	if err := bp.ForceAll(); err != nil && err != ErrClosed {
		return err
	}
	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		return nil
	}
	bp.closed = true
	bp.mu.Unlock()
	return bp.handle.Close()
}

// Crash 丢弃所有缓存页（包括脏页）并关闭页存储，用于模拟崩溃
func (bp *BufferPool) Crash() {
	bp.stopWorker()
	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		return
	}
	bp.closed = true
	bp.table = make(map[common.PageID]int)
	bp.mu.Unlock()
	if err := bp.handle.Close(); err != nil {
		logger.Warnf("close page store after crash: %v", err)
	}
}
