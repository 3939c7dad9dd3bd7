package page

import (
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/util"
)

// 变长记录页。数据区从 0 向上增长，槽位表从页头（可用区末尾）向下增长。
//
//	[records ...][free][slot n-1]...[slot 0][freelist][numslots][freespace]
//
// 槽位项 {offset int16, length int16}；空槽 offset = -1，length 串成空闲链表。
const (
	slottedFreeSpaceOff = common.UsableSize - 2
	slottedNumSlotsOff  = common.UsableSize - 4
	slottedFreeListOff  = common.UsableSize - 6
	slottedHeaderSize   = 6
	slotEntrySize       = 4

	invalidOffset = -1
	endOfFreeList = -1
)

// MaxSlottedRecord 空的变长记录页能容纳的最大记录
const MaxSlottedRecord = common.UsableSize - slottedHeaderSize - slotEntrySize

// InitSlotted 格式化为空的变长记录页
func InitSlotted(p *Page) {
	p.Format(SlottedPage)
	util.PutInt16(p.Data, slottedFreeSpaceOff, 0)
	util.PutInt16(p.Data, slottedNumSlotsOff, 0)
	util.PutInt16(p.Data, slottedFreeListOff, endOfFreeList)
}

type slottedImpl struct{}

func freeSpaceStart(p *Page) int { return int(util.GetInt16(p.Data, slottedFreeSpaceOff)) }
func numSlots(p *Page) int       { return int(util.GetInt16(p.Data, slottedNumSlotsOff)) }
func freeList(p *Page) int       { return int(util.GetInt16(p.Data, slottedFreeListOff)) }

func setFreeSpaceStart(p *Page, v int) { util.PutInt16(p.Data, slottedFreeSpaceOff, int16(v)) }
func setNumSlots(p *Page, v int)       { util.PutInt16(p.Data, slottedNumSlotsOff, int16(v)) }
func setFreeList(p *Page, v int)       { util.PutInt16(p.Data, slottedFreeListOff, int16(v)) }

func slotOff(slot int) int {
	return common.UsableSize - slottedHeaderSize - slotEntrySize*(slot+1)
}

func slotOffset(p *Page, slot int) int { return int(util.GetInt16(p.Data, slotOff(slot))) }
func slotLength(p *Page, slot int) int { return int(util.GetInt16(p.Data, slotOff(slot)+2)) }

func setSlot(p *Page, slot, offset, length int) {
	util.PutInt16(p.Data, slotOff(slot), int16(offset))
	util.PutInt16(p.Data, slotOff(slot)+2, int16(length))
}

func slotTableStart(p *Page) int {
	return slotOff(numSlots(p) - 1)
}

func contiguousFree(p *Page) int {
	return slotTableStart(p) - freeSpaceStart(p)
}

func slotValid(p *Page, slot int) bool {
	return slot >= 0 && slot < numSlots(p) && slotOffset(p, slot) != invalidOffset
}

func (slottedImpl) Type() PageType { return SlottedPage }

func (slottedImpl) Read(p *Page, rid common.RecordID) ([]byte, error) {
	slot := int(rid.Slot)
	if !slotValid(p, slot) {
		return nil, ErrRecordNotFound
	}
	off := slotOffset(p, slot)
	return p.Data[off : off+slotLength(p, slot)], nil
}

func (s slottedImpl) Write(p *Page, rid common.RecordID) ([]byte, error) {
	b, err := s.Read(p, rid)
	if err != nil {
		return nil, err
	}
	p.MarkDirty()
	return b, nil
}

func (slottedImpl) RecordType(p *Page, rid common.RecordID) RecordType {
	if slotValid(p, int(rid.Slot)) {
		return NormalRecord
	}
	return InvalidRecord
}

func (slottedImpl) Length(p *Page, rid common.RecordID) int64 {
	if !slotValid(p, int(rid.Slot)) {
		return -1
	}
	return int64(slotLength(p, int(rid.Slot)))
}

func (slottedImpl) First(p *Page) (common.RecordID, bool) {
	return slottedScan(p, 0)
}

func (slottedImpl) Next(p *Page, rid common.RecordID) (common.RecordID, bool) {
	return slottedScan(p, int(rid.Slot)+1)
}

func slottedScan(p *Page, from int) (common.RecordID, bool) {
	for slot := from; slot < numSlots(p); slot++ {
		if slotOffset(p, slot) != invalidOffset {
			return common.RecordID{Page: p.ID, Slot: common.SlotID(slot), Size: int64(slotLength(p, slot))}, true
		}
	}
	return common.NullRID, false
}

// totalFree 压缩之后可用的字节数
func totalFree(p *Page) int {
	used := 0
	for slot := 0; slot < numSlots(p); slot++ {
		if slotOffset(p, slot) != invalidOffset {
			used += slotLength(p, slot)
		}
	}
	return slotTableStart(p) - used
}

func (slottedImpl) FreeSpace(p *Page) int {
	free := totalFree(p)
	if freeList(p) == endOfFreeList {
		free -= slotEntrySize
	}
	if free < 0 {
		return 0
	}
	return free
}

func (s slottedImpl) PreAlloc(p *Page, size int64) (common.RecordID, error) {
	if size < 0 || size > MaxSlottedRecord {
		return common.NullRID, ErrRecordTooLarge
	}
	if int(size) > s.FreeSpace(p) {
		return common.NullRID, ErrPageFull
	}
	slot := freeList(p)
	if slot == endOfFreeList {
		slot = numSlots(p)
	}
	return common.RecordID{Page: p.ID, Slot: common.SlotID(slot), Size: size}, nil
}

// PostAlloc 在指定槽位分配，重做时槽位可能不是空闲链表头
func (s slottedImpl) PostAlloc(p *Page, rid common.RecordID) error {
	slot := int(rid.Slot)
	size := int(rid.Size)
	if slot < 0 {
		return ErrRecordNotFound
	}
	if slotValid(p, slot) {
		if slotLength(p, slot) == size {
			return nil
		}
		return ErrSizeMismatch
	}

	need := size
	if slot >= numSlots(p) {
		need += slotEntrySize * (slot + 1 - numSlots(p))
	}
	if need > totalFree(p) {
		return ErrPageFull
	}

	if slot >= numSlots(p) {
		// 中间新增的槽位挂到空闲链表
		for n := numSlots(p); n < slot; n++ {
			setSlot(p, n, invalidOffset, freeList(p))
			setFreeList(p, n)
		}
		setNumSlots(p, slot+1)
	} else {
		unlinkFreeSlot(p, slot)
	}
	setSlot(p, slot, invalidOffset, endOfFreeList)

	if contiguousFree(p) < size {
		s.Compact(p)
	}
	off := freeSpaceStart(p)
	for i := off; i < off+size; i++ {
		p.Data[i] = 0
	}
	setSlot(p, slot, off, size)
	setFreeSpaceStart(p, off+size)
	p.MarkDirty()
	return nil
}

func unlinkFreeSlot(p *Page, slot int) {
	prev := endOfFreeList
	for cur := freeList(p); cur != endOfFreeList; cur = slotLength(p, cur) {
		if cur == slot {
			next := slotLength(p, cur)
			if prev == endOfFreeList {
				setFreeList(p, next)
			} else {
				setSlot(p, prev, invalidOffset, next)
			}
			return
		}
		prev = cur
	}
}

func (slottedImpl) Free(p *Page, rid common.RecordID) error {
	slot := int(rid.Slot)
	if !slotValid(p, slot) {
		return ErrRecordNotFound
	}
	off, length := slotOffset(p, slot), slotLength(p, slot)
	if off+length == freeSpaceStart(p) {
		setFreeSpaceStart(p, off)
	}
	setSlot(p, slot, invalidOffset, freeList(p))
	setFreeList(p, slot)
	p.MarkDirty()
	return nil
}

// Compact 把记录挪到数据区头部，槽位号不变
func (slottedImpl) Compact(p *Page) {
	type live struct{ slot, off, length int }
	var recs []live
	for slot := 0; slot < numSlots(p); slot++ {
		if off := slotOffset(p, slot); off != invalidOffset {
			recs = append(recs, live{slot, off, slotLength(p, slot)})
		}
	}
	buf := make([]byte, 0, common.UsableSize)
	for i, r := range recs {
		recs[i].off = len(buf)
		buf = append(buf, p.Data[r.off:r.off+r.length]...)
	}
	copy(p.Data, buf)
	for _, r := range recs {
		setSlot(p, r.slot, r.off, r.length)
	}
	setFreeSpaceStart(p, len(buf))
	p.MarkDirty()
}

func (slottedImpl) Loaded(*Page)  {}
func (slottedImpl) Flushed(*Page) {}
func (slottedImpl) Evicted(*Page) {}
