package page

import (
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/util"
)

// 定长记录页：记录 i 位于 i*recordSize，页头为 {recordSize int16, recordCount int16}
const (
	fixedRecordSizeOff  = common.UsableSize - 2
	fixedRecordCountOff = common.UsableSize - 4
	fixedHeaderSize     = 4
)

// InitFixed 格式化为定长记录页
func InitFixed(p *Page, recordSize int) error {
	return initFixedAs(p, FixedPage, recordSize)
}

func initFixedAs(p *Page, t PageType, recordSize int) error {
	if recordSize <= 0 || recordSize > common.UsableSize-fixedHeaderSize {
		return ErrRecordTooLarge
	}
	p.Format(t)
	util.PutInt16(p.Data, fixedRecordSizeOff, int16(recordSize))
	util.PutInt16(p.Data, fixedRecordCountOff, 0)
	ImplFor(t).Loaded(p)
	return nil
}

// FixedCapacity 每页可容纳的定长记录数
func FixedCapacity(recordSize int) int {
	return (common.UsableSize - fixedHeaderSize) / recordSize
}

func FixedRecordSize(p *Page) int  { return int(util.GetInt16(p.Data, fixedRecordSizeOff)) }
func FixedRecordCount(p *Page) int { return int(util.GetInt16(p.Data, fixedRecordCountOff)) }

func setFixedRecordCount(p *Page, n int) { util.PutInt16(p.Data, fixedRecordCountOff, int16(n)) }

type fixedImpl struct {
	pageType PageType
}

func (f fixedImpl) Type() PageType { return f.pageType }

func fixedValid(p *Page, slot common.SlotID) bool {
	return slot >= 0 && int(slot) < FixedRecordCount(p)
}

func (fixedImpl) Read(p *Page, rid common.RecordID) ([]byte, error) {
	if !fixedValid(p, rid.Slot) {
		return nil, ErrRecordNotFound
	}
	size := FixedRecordSize(p)
	off := int(rid.Slot) * size
	return p.Data[off : off+size], nil
}

func (f fixedImpl) Write(p *Page, rid common.RecordID) ([]byte, error) {
	b, err := f.Read(p, rid)
	if err != nil {
		return nil, err
	}
	p.MarkDirty()
	return b, nil
}

func (fixedImpl) RecordType(p *Page, rid common.RecordID) RecordType {
	if fixedValid(p, rid.Slot) {
		return NormalRecord
	}
	return InvalidRecord
}

func (fixedImpl) Length(p *Page, rid common.RecordID) int64 {
	if !fixedValid(p, rid.Slot) {
		return -1
	}
	return int64(FixedRecordSize(p))
}

func (fixedImpl) First(p *Page) (common.RecordID, bool) {
	if FixedRecordCount(p) == 0 {
		return common.NullRID, false
	}
	return common.RecordID{Page: p.ID, Slot: 0, Size: int64(FixedRecordSize(p))}, true
}

func (fixedImpl) Next(p *Page, rid common.RecordID) (common.RecordID, bool) {
	next := rid.Slot + 1
	if !fixedValid(p, next) {
		return common.NullRID, false
	}
	return common.RecordID{Page: p.ID, Slot: next, Size: int64(FixedRecordSize(p))}, true
}

func (fixedImpl) FreeSpace(p *Page) int {
	size := FixedRecordSize(p)
	if size == 0 || FixedRecordCount(p) >= FixedCapacity(size) {
		return 0
	}
	return size
}

func (fixedImpl) PreAlloc(p *Page, size int64) (common.RecordID, error) {
	recordSize := FixedRecordSize(p)
	if int(size) != recordSize {
		return common.NullRID, ErrSizeMismatch
	}
	count := FixedRecordCount(p)
	if count >= FixedCapacity(recordSize) {
		return common.NullRID, ErrPageFull
	}
	return common.RecordID{Page: p.ID, Slot: common.SlotID(count), Size: size}, nil
}

func (fixedImpl) PostAlloc(p *Page, rid common.RecordID) error {
	recordSize := FixedRecordSize(p)
	if int(rid.Size) != recordSize {
		return ErrSizeMismatch
	}
	if rid.Slot < 0 || int(rid.Slot) >= FixedCapacity(recordSize) {
		return ErrPageFull
	}
	if int(rid.Slot) >= FixedRecordCount(p) {
		setFixedRecordCount(p, int(rid.Slot)+1)
	}
	off := int(rid.Slot) * recordSize
	for i := off; i < off+recordSize; i++ {
		p.Data[i] = 0
	}
	p.MarkDirty()
	return nil
}

// Free 释放最后一条记录时收缩计数，其他位置清零
func (fixedImpl) Free(p *Page, rid common.RecordID) error {
	if !fixedValid(p, rid.Slot) {
		return ErrRecordNotFound
	}
	size := FixedRecordSize(p)
	off := int(rid.Slot) * size
	for i := off; i < off+size; i++ {
		p.Data[i] = 0
	}
	if int(rid.Slot) == FixedRecordCount(p)-1 {
		setFixedRecordCount(p, int(rid.Slot))
	}
	p.MarkDirty()
	return nil
}

func (fixedImpl) Compact(*Page) {}
func (fixedImpl) Loaded(*Page)  {}
func (fixedImpl) Flushed(*Page) {}
func (fixedImpl) Evicted(*Page) {}
