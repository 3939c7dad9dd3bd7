package page

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/latch"
	"github.com/zhukovaskychina/xstasis/util"
)

const (
	typeOffset = common.UsableSize
	lsnOffset  = common.UsableSize + common.PageTypeSize
)

// Page 内存中的一个页。Data 由缓冲池的帧持有，页尾 12 字节保存类型和 LSN。
//
// 修改 Data 必须持有 Latch 写闩，读取至少持有读闩。
type Page struct {
	ID    common.PageID
	Data  []byte
	Latch *latch.Latch

	dirty atomic.Bool

	// implState 页实现私有的内存状态，由 Loaded/Evicted 维护
	implState interface{}
}

// New 创建一个绑定到 data 的页，data 长度必须为 PageSize
func New(id common.PageID, data []byte) *Page {
	if len(data) != common.PageSize {
		panic(fmt.Sprintf("page %d: buffer size %d", id, len(data)))
	}
	return &Page{ID: id, Data: data, Latch: latch.NewLatch()}
}

// Reset 帧复用时重新绑定页号
func (p *Page) Reset(id common.PageID) {
	p.ID = id
	p.dirty.Store(false)
	p.implState = nil
}

// LSN 页上反映的最新日志记录
func (p *Page) LSN() common.LSN {
	return common.LSN(util.GetInt64(p.Data, lsnOffset))
}

// SetLSN 只会增大页 LSN
func (p *Page) SetLSN(lsn common.LSN) {
	if lsn > p.LSN() {
		util.PutInt64(p.Data, lsnOffset, int64(lsn))
	}
}

// Type 页尾的页类型标签
func (p *Page) Type() PageType {
	return PageType(util.GetInt32(p.Data, typeOffset))
}

func (p *Page) setType(t PageType) {
	util.PutInt32(p.Data, typeOffset, int32(t))
}

func (p *Page) IsDirty() bool {
	return p.dirty.Load()
}

func (p *Page) MarkDirty() {
	p.dirty.Store(true)
}

// ClearDirty 写回完成后由缓冲池调用
func (p *Page) ClearDirty() {
	p.dirty.Store(false)
}

// Impl 当前页类型对应的实现
func (p *Page) Impl() Impl {
	return ImplFor(p.Type())
}

// Format 把页格式化为新类型，原类型的内存状态先释放
func (p *Page) Format(t PageType) {
	p.Impl().Evicted(p)
	for i := range p.Data[:common.UsableSize] {
		p.Data[i] = 0
	}
	p.setType(t)
	p.MarkDirty()
}

// Image 不含 LSN 的整页前像，用于整页物理撤销
func (p *Page) Image() []byte {
	img := make([]byte, lsnOffset)
	copy(img, p.Data[:lsnOffset])
	return img
}

// RestoreImage 还原整页前像，LSN 由调用方随后推进
func (p *Page) RestoreImage(img []byte) {
	p.Impl().Evicted(p)
	copy(p.Data[:lsnOffset], img)
	p.MarkDirty()
	p.Impl().Loaded(p)
}

func (p *Page) String() string {
	return fmt.Sprintf("page{id=%d type=%s lsn=%d dirty=%v}", p.ID, p.Type(), p.LSN(), p.IsDirty())
}
