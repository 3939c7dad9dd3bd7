package page

import (
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/util"
)

// LSM 树根页：定长记录 {child PageID int64, firstKey int64}，按 key 追加。
// 内存中缓存最后一个叶子指针，追加型写入不必每次扫描整页。
const LSMEntrySize = 16

// LSMEntry 根页上的一个子节点
type LSMEntry struct {
	Child    common.PageID
	FirstKey int64
}

func (e LSMEntry) Encode() []byte {
	b := make([]byte, LSMEntrySize)
	util.PutInt64(b, 0, int64(e.Child))
	util.PutInt64(b, 8, e.FirstKey)
	return b
}

func DecodeLSMEntry(b []byte) LSMEntry {
	return LSMEntry{Child: common.PageID(util.GetInt64(b, 0)), FirstKey: util.GetInt64(b, 8)}
}

// InitLSMRoot 格式化为空的 LSM 根页
func InitLSMRoot(p *Page) {
	_ = initFixedAs(p, LSMRootPage, LSMEntrySize)
}

type lastLeaf struct {
	entry LSMEntry
	ok    bool
}

// LSMLastLeaf 最后一个叶子，优先使用缓存。缓存缺失时会重建，调用方持有写闩
func LSMLastLeaf(p *Page) (LSMEntry, bool) {
	if st, ok := p.implState.(*lastLeaf); ok {
		return st.entry, st.ok
	}
	st := scanLastLeaf(p)
	p.implState = st
	return st.entry, st.ok
}

// LSMFind 最后一个 FirstKey <= key 的子节点
func LSMFind(p *Page, key int64) (LSMEntry, bool) {
	var found LSMEntry
	ok := false
	size := FixedRecordSize(p)
	for i := 0; i < FixedRecordCount(p); i++ {
		e := DecodeLSMEntry(p.Data[i*size : (i+1)*size])
		if e.FirstKey > key {
			break
		}
		found, ok = e, true
	}
	return found, ok
}

func scanLastLeaf(p *Page) *lastLeaf {
	n := FixedRecordCount(p)
	if n == 0 {
		return &lastLeaf{}
	}
	size := FixedRecordSize(p)
	return &lastLeaf{entry: DecodeLSMEntry(p.Data[(n-1)*size : n*size]), ok: true}
}

type lsmRootImpl struct {
	fixedImpl
}

func (l lsmRootImpl) Write(p *Page, rid common.RecordID) ([]byte, error) {
	p.implState = nil
	return l.fixedImpl.Write(p, rid)
}

func (l lsmRootImpl) PostAlloc(p *Page, rid common.RecordID) error {
	p.implState = nil
	return l.fixedImpl.PostAlloc(p, rid)
}

func (l lsmRootImpl) Free(p *Page, rid common.RecordID) error {
	p.implState = nil
	return l.fixedImpl.Free(p, rid)
}

func (lsmRootImpl) Loaded(p *Page) {
	p.implState = scanLastLeaf(p)
}

func (lsmRootImpl) Evicted(p *Page) {
	p.implState = nil
}
