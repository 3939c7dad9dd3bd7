package pagehandle

import (
	"io"
	"os"
	"sync"

	"github.com/juju/errors"
	"github.com/ncw/directio"

	"github.com/zhukovaskychina/xstasis/stasis/common"
)

// FileHandle 单文件页存储，页 n 位于偏移 n*PageSize
type FileHandle struct {
	f      *os.File
	direct bool

	// 直接 I/O 需要对齐的缓冲区
	pool sync.Pool

	mu     sync.RWMutex
	closed bool
}

// OpenFile 打开页文件，direct 为 true 时使用 O_DIRECT
func OpenFile(path string, direct bool) (*FileHandle, error) {
	var (
		f   *os.File
		err error
	)
	if direct {
		f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	h := &FileHandle{f: f, direct: direct}
	h.pool.New = func() interface{} {
		return directio.AlignedBlock(common.PageSize)
	}
	return h, nil
}

func offsetOf(id common.PageID) int64 {
	return int64(id) * common.PageSize
}

func (h *FileHandle) Read(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	dst := buf
	if h.direct {
		dst = h.pool.Get().([]byte)
		defer h.pool.Put(dst)
	}
	n, err := h.f.ReadAt(dst, offsetOf(id))
	if err != nil && err != io.EOF {
		return errors.Annotatef(err, "read page %d", id)
	}
	// 文件末尾之后的页视为全零
	zero(dst[n:])
	if h.direct {
		copy(buf, dst)
	}
	return nil
}

func (h *FileHandle) Write(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	src := buf
	if h.direct {
		src = h.pool.Get().([]byte)
		defer h.pool.Put(src)
		copy(src, buf)
	}
	if _, err := h.f.WriteAt(src, offsetOf(id)); err != nil {
		return errors.Annotatef(err, "write page %d", id)
	}
	return nil
}

func (h *FileHandle) ForceFile() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	return errors.Trace(datasync(h.f))
}

func (h *FileHandle) ForceRange(start, stop common.PageID) error {
	if stop <= start {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	return errors.Trace(syncRange(h.f, offsetOf(start), offsetOf(stop)-offsetOf(start)))
}

func (h *FileHandle) PrefetchRange(start, stop common.PageID) {
	if stop <= start {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.closed {
		prefetch(h.f, offsetOf(start), offsetOf(stop)-offsetOf(start))
	}
}

func (h *FileHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := datasync(h.f); err != nil {
		_ = h.f.Close()
		return errors.Trace(err)
	}
	return errors.Trace(h.f.Close())
}
