package logs

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/juju/errors"
	"go.uber.org/atomic"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/conf"
	"github.com/zhukovaskychina/xstasis/util"
)

// 文件头：global_offset(8)。文件偏移 off 处的记录 LSN = global_offset + off，
// 所以新日志的第一条记录 LSN 为 8。
const fileHeaderSize = 8

// Options 日志文件参数
type Options struct {
	BufferSize        int
	GroupCommitWindow time.Duration
	Compression       Compression
	CacheEntries      int
	// FlushInterval 后台把缓冲写入文件（不 fsync）的周期，0 关闭
	FlushInterval time.Duration
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		BufferSize:        65536,
		GroupCommitWindow: 2 * time.Millisecond,
		CacheEntries:      4096,
		FlushInterval:     200 * time.Millisecond,
	}
}

// OptionsFromCfg 从配置构造
func OptionsFromCfg(cfg *conf.Cfg) (Options, error) {
	c, err := ParseCompression(cfg.Compression)
	if err != nil {
		return Options{}, err
	}
	opts := DefaultOptions()
	opts.BufferSize = cfg.LogBufferSize
	opts.GroupCommitWindow = cfg.GroupCommitWindow
	opts.Compression = c
	opts.CacheEntries = cfg.LogCacheEntries
	return opts, nil
}

// LogFile 追加写的日志文件，按 LSN 寻址
type LogFile struct {
	path string
	opts Options

	// mu 保护缓冲区、写入前沿和文件句柄
	mu           sync.RWMutex
	f            *os.File
	globalOffset int64
	fileEnd      common.LSN // 已写入文件的末尾
	nextLSN      common.LSN // 下一条记录的 LSN
	buf          []byte
	closed       bool

	// syncMu 串行化 fdatasync 与截断时的文件替换
	syncMu  sync.Mutex
	durable atomic.Int64 // 之前的字节都已落盘

	// group commit
	forceMu  sync.Mutex
	inFlight chan struct{}

	truncMu sync.Mutex

	cache *ristretto.Cache[int64, *Entry]
	stats Stats

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open 打开或创建日志，截掉损坏的尾部
func Open(path string, opts Options) (*LogFile, error) {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	l := &LogFile{path: path, opts: opts, f: f, stop: make(chan struct{})}
	if err := l.load(); err != nil {
		_ = f.Close()
		return nil, errors.Annotatef(err, "open log %s", path)
	}

	if opts.CacheEntries > 0 {
		l.cache, err = ristretto.NewCache(&ristretto.Config[int64, *Entry]{
			NumCounters: int64(opts.CacheEntries) * 10,
			MaxCost:     int64(opts.CacheEntries),
			BufferItems: 64,
		})
		if err != nil {
			_ = f.Close()
			return nil, errors.Trace(err)
		}
	}

	if opts.FlushInterval > 0 {
		l.wg.Add(1)
		go l.backgroundFlush()
	}
	logger.Infof("log %s opened: first lsn %d, next lsn %d", path, l.FirstLSN(), l.NextLSN())
	return l, nil
}

// load 读取文件头并扫描到最后一条完整记录
func (l *LogFile) load() error {
	st, err := l.f.Stat()
	if err != nil {
		return errors.Trace(err)
	}
	size := st.Size()
	if size < fileHeaderSize {
		header := util.WriteUB8(nil, 0)
		if err := l.f.Truncate(0); err != nil {
			return errors.Trace(err)
		}
		if _, err := l.f.WriteAt(header, 0); err != nil {
			return errors.Trace(err)
		}
		if err := datasync(l.f); err != nil {
			return errors.Trace(err)
		}
		size = fileHeaderSize
	}
	header := make([]byte, fileHeaderSize)
	if _, err := l.f.ReadAt(header, 0); err != nil {
		return errors.Trace(err)
	}
	_, l.globalOffset = util.ReadUB8Long(header, 0)

	end := scanValid(l.f, size)
	if end < size {
		logger.Warnf("log %s: torn tail at offset %d, dropping %d bytes", l.path, end, size-end)
		if err := l.f.Truncate(end); err != nil {
			return errors.Trace(err)
		}
		if err := datasync(l.f); err != nil {
			return errors.Trace(err)
		}
	}
	l.fileEnd = common.LSN(l.globalOffset + end)
	l.nextLSN = l.fileEnd
	l.durable.Store(int64(l.fileEnd))
	return nil
}

// scanValid 返回最后一条完整且校验正确的记录之后的文件偏移
func scanValid(f *os.File, size int64) int64 {
	r := bufio.NewReaderSize(io.NewSectionReader(f, fileHeaderSize, size-fileHeaderSize), 1<<16)
	off := int64(fileHeaderSize)
	lenBuf := make([]byte, lengthSize)
	for off < size {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return off
		}
		_, n := util.ReadUB4(lenBuf, 0)
		if n < headerSize+checksumSize || n > maxPayload || off+lengthSize+int64(n) > size {
			return off
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return off
		}
		body := payload[:n-checksumSize]
		if _, sum := util.ReadUB4(payload, len(body)); util.Checksum(body) != sum {
			return off
		}
		off += lengthSize + int64(n)
	}
	return off
}

func (l *LogFile) backgroundFlush() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.closed {
				l.writeBufferLocked()
			}
			l.mu.Unlock()
		}
	}
}

// FirstLSN 截断点，更早的记录不可读
func (l *LogFile) FirstLSN() common.LSN {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.firstLSNLocked()
}

func (l *LogFile) firstLSNLocked() common.LSN {
	return common.LSN(l.globalOffset + fileHeaderSize)
}

// NextLSN 写入前沿，下一条记录将得到的 LSN
func (l *LogFile) NextLSN() common.LSN {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextLSN
}

// DurableLSN 之前的记录都已落盘
func (l *LogFile) DurableLSN() common.LSN {
	return common.LSN(l.durable.Load())
}

func (l *LogFile) Stats() StatsSnapshot {
	return l.stats.Snapshot()
}

// Append 追加一条记录并返回其 LSN；恢复内部伪事务的记录不落日志，返回 -1
func (l *LogFile) Append(e *Entry) common.LSN {
	if e.XID == common.InvalidXID {
		e.LSN = common.InvalidLSN
		return common.InvalidLSN
	}
	payload := e.encode(l.opts.Compression)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		logger.Panicf("append to closed log %s", l.path)
	}
	lsn := l.nextLSN
	l.buf = util.WriteUB4(l.buf, uint32(len(payload)))
	l.buf = append(l.buf, payload...)
	e.LSN = lsn
	e.size = lengthSize + len(payload)
	l.nextLSN += common.LSN(e.size)
	if len(l.buf) >= l.opts.BufferSize {
		l.writeBufferLocked()
	}
	l.mu.Unlock()

	if l.cache != nil {
		l.cache.Set(int64(lsn), e, 1)
	}
	l.stats.Appends.Inc()
	l.stats.Bytes.Add(int64(e.size))
	return lsn
}

// writeBufferLocked 缓冲写入文件但不 fsync，写失败不可恢复
func (l *LogFile) writeBufferLocked() {
	if len(l.buf) == 0 {
		return
	}
	if _, err := l.f.WriteAt(l.buf, int64(l.fileEnd)-l.globalOffset); err != nil {
		logger.Panicf("log %s: write at lsn %d: %v", l.path, l.fileEnd, err)
	}
	l.fileEnd += common.LSN(len(l.buf))
	l.buf = l.buf[:0]
}

// sync 把当前所有记录写入并落盘
func (l *LogFile) sync() {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.writeBufferLocked()
	end, f := l.fileEnd, l.f
	l.mu.Unlock()

	if int64(end) <= l.durable.Load() {
		return
	}
	if err := datasync(f); err != nil {
		logger.Panicf("log %s: fdatasync: %v", l.path, err)
	}
	l.durable.Store(int64(end))
	l.stats.Syncs.Inc()
}

// Force 阻塞到 lsn 及之前的记录全部落盘。并发的 Force 合并为一次 fsync：
// 没有进行中的 fsync 时由当前调用者执行，否则最多等待一个 group commit 窗口。
func (l *LogFile) Force(lsn common.LSN) {
	l.stats.Forces.Inc()
	l.mu.RLock()
	next, closed := l.nextLSN, l.closed
	l.mu.RUnlock()
	if closed {
		return
	}
	if lsn >= next {
		lsn = next - 1
	}

	for lsn >= l.DurableLSN() {
		l.forceMu.Lock()
		if lsn < l.DurableLSN() {
			l.forceMu.Unlock()
			return
		}
		if l.inFlight == nil {
			ch := make(chan struct{})
			l.inFlight = ch
			l.forceMu.Unlock()

			l.sync()

			l.forceMu.Lock()
			l.inFlight = nil
			close(ch)
			l.forceMu.Unlock()
			continue
		}
		ch := l.inFlight
		l.forceMu.Unlock()

		select {
		case <-ch:
		case <-time.After(l.opts.GroupCommitWindow):
			l.sync()
		}
		if l.isClosed() {
			return
		}
	}
}

// ForceAll 当前写入的全部记录落盘
func (l *LogFile) ForceAll() {
	l.Force(l.NextLSN())
}

func (l *LogFile) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Read 按 LSN 读取一条记录
func (l *LogFile) Read(lsn common.LSN) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}
	if lsn < l.firstLSNLocked() || lsn >= l.nextLSN {
		return nil, errors.Annotatef(ErrNotFound, "lsn %d outside [%d, %d)", lsn, l.firstLSNLocked(), l.nextLSN)
	}
	l.stats.Reads.Inc()
	if l.cache != nil {
		if e, ok := l.cache.Get(int64(lsn)); ok {
			l.stats.CacheHits.Inc()
			return e, nil
		}
	}

	var payload []byte
	if lsn >= l.fileEnd {
		off := int(lsn - l.fileEnd)
		if off+lengthSize > len(l.buf) {
			return nil, errors.Annotatef(ErrCorrupt, "lsn %d: truncated length", lsn)
		}
		_, n := util.ReadUB4(l.buf, off)
		if off+lengthSize+int(n) > len(l.buf) {
			return nil, errors.Annotatef(ErrCorrupt, "lsn %d: length %d", lsn, n)
		}
		payload = append([]byte(nil), l.buf[off+lengthSize:off+lengthSize+int(n)]...)
	} else {
		pos := int64(lsn) - l.globalOffset
		lenBuf := make([]byte, lengthSize)
		if _, err := l.f.ReadAt(lenBuf, pos); err != nil {
			return nil, errors.Annotatef(err, "read log length at lsn %d", lsn)
		}
		_, n := util.ReadUB4(lenBuf, 0)
		if n > maxPayload || lsn+common.LSN(lengthSize)+common.LSN(n) > l.fileEnd {
			return nil, errors.Annotatef(ErrCorrupt, "lsn %d: length %d", lsn, n)
		}
		payload = make([]byte, n)
		if _, err := l.f.ReadAt(payload, pos+lengthSize); err != nil {
			return nil, errors.Annotatef(err, "read log entry at lsn %d", lsn)
		}
	}

	e, err := decode(lsn, payload)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.Set(int64(lsn), e, 1)
	}
	return e, nil
}

// Truncate 丢弃 lsn 之前的记录。先不加锁复制已写入文件的后缀，
// 再在写锁内补齐复制期间追加的部分并原子替换文件。
func (l *LogFile) Truncate(lsn common.LSN) error {
	l.truncMu.Lock()
	defer l.truncMu.Unlock()

	first, next := l.FirstLSN(), l.NextLSN()
	if lsn <= first {
		return nil
	}
	if lsn > next {
		return errors.Annotatef(ErrBadTruncation, "lsn %d beyond frontier %d", lsn, next)
	}
	if lsn < next {
		if _, err := l.Read(lsn); err != nil {
			return errors.Annotatef(err, "truncation point %d", lsn)
		}
	}
	l.sync()

	l.mu.RLock()
	end, old, base := l.fileEnd, l.f, l.globalOffset
	l.mu.RUnlock()

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Trace(err)
	}
	newBase := int64(lsn) - fileHeaderSize
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Annotatef(err, "truncate log %s to %d", l.path, lsn)
	}
	if _, err := tmp.WriteAt(util.WriteUB8(nil, uint64(newBase)), 0); err != nil {
		return fail(err)
	}
	if err := copyRange(old, tmp, int64(lsn)-base, int64(end)-base, fileHeaderSize); err != nil {
		return fail(err)
	}

	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writeBufferLocked()
	if err := copyRange(old, tmp, int64(end)-base, int64(l.fileEnd)-base, int64(end)-newBase); err != nil {
		return fail(err)
	}
	if err := datasync(tmp); err != nil {
		return fail(err)
	}
	if err := util.ReplaceFile(tmpPath, l.path); err != nil {
		return fail(err)
	}
	l.f = tmp
	l.globalOffset = newBase
	l.durable.Store(int64(l.fileEnd))
	_ = old.Close()

	logger.Infof("log %s truncated: first lsn %d -> %d", l.path, first, lsn)
	return nil
}

// copyRange 复制 src[from, to) 到 dst 的 at 处
func copyRange(src, dst *os.File, from, to, at int64) error {
	buf := make([]byte, 1<<20)
	for from < to {
		n := int64(len(buf))
		if to-from < n {
			n = to - from
		}
		if _, err := src.ReadAt(buf[:n], from); err != nil {
			return errors.Trace(err)
		}
		if _, err := dst.WriteAt(buf[:n], at); err != nil {
			return errors.Trace(err)
		}
		from += n
		at += n
	}
	return nil
}

// Close 落盘后关闭
func (l *LogFile) Close() error {
	if l.isClosed() {
		return nil
	}
	close(l.stop)
	l.wg.Wait()
	l.sync()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.cache != nil {
		l.cache.Close()
	}
	return errors.Trace(l.f.Close())
}

// Crash 模拟进程崩溃：丢弃尚未写入文件的缓冲，不做 fsync
func (l *LogFile) Crash() {
	if l.isClosed() {
		return
	}
	close(l.stop)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.buf = nil
	if l.cache != nil {
		l.cache.Close()
	}
	_ = l.f.Close()
}
