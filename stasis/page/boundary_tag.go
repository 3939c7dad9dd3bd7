package page

import (
	"fmt"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/util"
)

// TagStatus 区域状态
type TagStatus int32

const (
	TagVacant TagStatus = iota
	TagOccupied
	// TagCondemned 已释放但所属事务未提交，提交时才变为空闲
	TagCondemned
	// TagEnd 最后一个标签，其后的页从未分配过
	TagEnd
)

func (s TagStatus) String() string {
	switch s {
	case TagVacant:
		return "vacant"
	case TagOccupied:
		return "occupied"
	case TagCondemned:
		return "condemned"
	case TagEnd:
		return "end"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// BoundaryTag 区域头，位于区域第一页之前的独立页上
type BoundaryTag struct {
	Size         int32 // 区域页数
	PrevSize     int32 // 前一个区域的页数，第一个区域为 -1
	Status       TagStatus
	AllocManager int32
}

// BoundaryTagSize 标签记录长度
const BoundaryTagSize = 16

// BoundaryTagRID 页上唯一的标签记录
func BoundaryTagRID(id common.PageID) common.RecordID {
	return common.RecordID{Page: id, Slot: 0, Size: BoundaryTagSize}
}

// Encode 标签的字节表示，与页上布局一致
func (t BoundaryTag) Encode() []byte {
	b := make([]byte, BoundaryTagSize)
	util.PutInt32(b, 0, t.Size)
	util.PutInt32(b, 4, t.PrevSize)
	util.PutInt32(b, 8, int32(t.Status))
	util.PutInt32(b, 12, t.AllocManager)
	return b
}

// DecodeBoundaryTag 从记录字节解析标签
func DecodeBoundaryTag(b []byte) BoundaryTag {
	return BoundaryTag{
		Size:         util.GetInt32(b, 0),
		PrevSize:     util.GetInt32(b, 4),
		Status:       TagStatus(util.GetInt32(b, 8)),
		AllocManager: util.GetInt32(b, 12),
	}
}

// InitBoundaryTag 格式化为标签页
func InitBoundaryTag(p *Page, tag BoundaryTag) {
	p.Format(BoundaryTagPage)
	copy(p.Data, tag.Encode())
}

// ReadTag 读取页上的标签
func ReadTag(p *Page) BoundaryTag {
	return DecodeBoundaryTag(p.Data[:BoundaryTagSize])
}

// WriteTag 覆盖页上的标签
func WriteTag(p *Page, tag BoundaryTag) {
	copy(p.Data, tag.Encode())
	p.MarkDirty()
}

type boundaryTagImpl struct{}

func (boundaryTagImpl) Type() PageType { return BoundaryTagPage }

func (boundaryTagImpl) Read(p *Page, rid common.RecordID) ([]byte, error) {
	if rid.Slot != 0 {
		return nil, ErrRecordNotFound
	}
	return p.Data[:BoundaryTagSize], nil
}

func (b boundaryTagImpl) Write(p *Page, rid common.RecordID) ([]byte, error) {
	data, err := b.Read(p, rid)
	if err != nil {
		return nil, err
	}
	p.MarkDirty()
	return data, nil
}

func (boundaryTagImpl) RecordType(_ *Page, rid common.RecordID) RecordType {
	if rid.Slot == 0 {
		return NormalRecord
	}
	return InvalidRecord
}

func (boundaryTagImpl) Length(_ *Page, rid common.RecordID) int64 {
	if rid.Slot == 0 {
		return BoundaryTagSize
	}
	return -1
}

func (boundaryTagImpl) First(p *Page) (common.RecordID, bool) {
	return BoundaryTagRID(p.ID), true
}

func (boundaryTagImpl) Next(*Page, common.RecordID) (common.RecordID, bool) {
	return common.NullRID, false
}

func (boundaryTagImpl) FreeSpace(*Page) int { return 0 }

func (boundaryTagImpl) PreAlloc(*Page, int64) (common.RecordID, error) {
	return common.NullRID, ErrPageFull
}

func (boundaryTagImpl) PostAlloc(*Page, common.RecordID) error { return ErrPageFull }
func (boundaryTagImpl) Free(*Page, common.RecordID) error      { return ErrNotRecordPage }
func (boundaryTagImpl) Compact(*Page)                          {}
func (boundaryTagImpl) Loaded(*Page)                           {}
func (boundaryTagImpl) Flushed(*Page)                          {}
func (boundaryTagImpl) Evicted(*Page)                          {}
