package pagehandle

import (
	"sync"

	"github.com/zhukovaskychina/xstasis/stasis/common"
)

// MemoryHandle 进程内页存储，Close 之后内容仍保留，供同一进程内重新打开
type MemoryHandle struct {
	mu    sync.RWMutex
	pages map[common.PageID][]byte
}

func NewMemory() *MemoryHandle {
	return &MemoryHandle{pages: make(map[common.PageID][]byte)}
}

func (h *MemoryHandle) Read(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if data, ok := h.pages[id]; ok {
		copy(buf, data)
	} else {
		zero(buf)
	}
	return nil
}

func (h *MemoryHandle) Write(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	h.mu.Lock()
	h.pages[id] = data
	h.mu.Unlock()
	return nil
}

func (h *MemoryHandle) ForceFile() error                              { return nil }
func (h *MemoryHandle) ForceRange(common.PageID, common.PageID) error { return nil }
func (h *MemoryHandle) PrefetchRange(common.PageID, common.PageID)    {}
func (h *MemoryHandle) Close() error                                  { return nil }

// Len 已写入的页数
func (h *MemoryHandle) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pages)
}
