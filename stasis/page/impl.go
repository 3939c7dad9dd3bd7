package page

import (
	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
)

// PageType 页尾类型标签
type PageType int32

const (
	UninitializedPage PageType = iota
	SlottedPage
	IndirectPage
	FixedPage
	BoundaryTagPage
	LSMRootPage

	pageTypeCount
)

var pageTypeNames = [...]string{
	UninitializedPage: "uninitialized",
	SlottedPage:       "slotted",
	IndirectPage:      "indirect",
	FixedPage:         "fixed",
	BoundaryTagPage:   "boundary-tag",
	LSMRootPage:       "lsm-root",
}

func (t PageType) String() string {
	if t >= 0 && t < pageTypeCount {
		return pageTypeNames[t]
	}
	return "corrupt"
}

// RecordType 记录状态
type RecordType int32

const (
	InvalidRecord RecordType = -1
	NormalRecord  RecordType = 0
)

// Impl 页布局能力集，按页类型分派
type Impl interface {
	Type() PageType

	// Read 返回页内记录字节，调用方持有读闩
	Read(p *Page, rid common.RecordID) ([]byte, error)
	// Write 返回可写的记录字节并标脏，调用方持有写闩
	Write(p *Page, rid common.RecordID) ([]byte, error)
	RecordType(p *Page, rid common.RecordID) RecordType
	Length(p *Page, rid common.RecordID) int64

	First(p *Page) (common.RecordID, bool)
	Next(p *Page, rid common.RecordID) (common.RecordID, bool)

	// FreeSpace 可以再分配的最大记录长度
	FreeSpace(p *Page) int
	// PreAlloc 选出槽位但不修改页，PostAlloc 在日志写入后真正分配
	PreAlloc(p *Page, size int64) (common.RecordID, error)
	PostAlloc(p *Page, rid common.RecordID) error
	Free(p *Page, rid common.RecordID) error
	Compact(p *Page)

	Loaded(p *Page)
	Flushed(p *Page)
	Evicted(p *Page)
}

var impls = [pageTypeCount]Impl{
	UninitializedPage: uninitializedImpl{},
	SlottedPage:       slottedImpl{},
	IndirectPage:      indirectImpl{},
	FixedPage:         fixedImpl{pageType: FixedPage},
	BoundaryTagPage:   boundaryTagImpl{},
	LSMRootPage:       lsmRootImpl{fixedImpl{pageType: LSMRootPage}},
}

// ImplFor 页类型标签损坏说明页文件已不可信
func ImplFor(t PageType) Impl {
	if t < 0 || t >= pageTypeCount {
		logger.Panicf("corrupt page type tag %d", t)
	}
	return impls[t]
}

// 以下为按页类型分派的便捷函数

func ReadRecord(p *Page, rid common.RecordID) ([]byte, error) {
	return p.Impl().Read(p, rid)
}

func WriteRecord(p *Page, rid common.RecordID) ([]byte, error) {
	return p.Impl().Write(p, rid)
}

func RecordTypeOf(p *Page, rid common.RecordID) RecordType {
	return p.Impl().RecordType(p, rid)
}

func RecordLength(p *Page, rid common.RecordID) int64 {
	return p.Impl().Length(p, rid)
}

// Records 按页内顺序列出有效记录
func Records(p *Page) []common.RecordID {
	impl := p.Impl()
	var rids []common.RecordID
	for rid, ok := impl.First(p); ok; rid, ok = impl.Next(p, rid) {
		rids = append(rids, rid)
	}
	return rids
}

type uninitializedImpl struct{}

func (uninitializedImpl) Type() PageType { return UninitializedPage }

func (uninitializedImpl) Read(*Page, common.RecordID) ([]byte, error) {
	return nil, ErrRecordNotFound
}

func (uninitializedImpl) Write(*Page, common.RecordID) ([]byte, error) {
	return nil, ErrRecordNotFound
}

func (uninitializedImpl) RecordType(*Page, common.RecordID) RecordType { return InvalidRecord }
func (uninitializedImpl) Length(*Page, common.RecordID) int64         { return -1 }

func (uninitializedImpl) First(*Page) (common.RecordID, bool) {
	return common.NullRID, false
}

func (uninitializedImpl) Next(*Page, common.RecordID) (common.RecordID, bool) {
	return common.NullRID, false
}

func (uninitializedImpl) FreeSpace(*Page) int { return 0 }

func (uninitializedImpl) PreAlloc(*Page, int64) (common.RecordID, error) {
	return common.NullRID, ErrInvalidPageType
}

func (uninitializedImpl) PostAlloc(*Page, common.RecordID) error { return ErrInvalidPageType }
func (uninitializedImpl) Free(*Page, common.RecordID) error      { return ErrInvalidPageType }
func (uninitializedImpl) Compact(*Page)                          {}
func (uninitializedImpl) Loaded(*Page)                           {}
func (uninitializedImpl) Flushed(*Page)                          {}
func (uninitializedImpl) Evicted(*Page)                          {}
