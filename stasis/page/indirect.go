package page

import (
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/util"
)

// 间接页：{level int16, count int16} 后跟 count 个 {pageid int64, upperBound int32}。
// level 为 0 时子页是定长数据页，否则是下一级间接页。upperBound 为累计记录数（不含）。
const (
	indirectLevelOff   = 0
	indirectCountOff   = 2
	indirectEntriesOff = 8
	indirectEntrySize  = 12
)

// IndirectFanout 每个间接页可容纳的子页数
const IndirectFanout = (common.UsableSize - indirectEntriesOff) / indirectEntrySize

// IndirectEntry 间接页中的一个子页指针
type IndirectEntry struct {
	Child      common.PageID
	UpperBound int32
}

// InitIndirect 格式化为间接页并写入子页指针
func InitIndirect(p *Page, level int, entries []IndirectEntry) error {
	if len(entries) > IndirectFanout {
		return ErrPageFull
	}
	p.Format(IndirectPage)
	util.PutInt16(p.Data, indirectLevelOff, int16(level))
	util.PutInt16(p.Data, indirectCountOff, int16(len(entries)))
	for i, e := range entries {
		off := indirectEntriesOff + i*indirectEntrySize
		util.PutInt64(p.Data, off, int64(e.Child))
		util.PutInt32(p.Data, off+8, e.UpperBound)
	}
	return nil
}

func IndirectLevel(p *Page) int { return int(util.GetInt16(p.Data, indirectLevelOff)) }
func IndirectCount(p *Page) int { return int(util.GetInt16(p.Data, indirectCountOff)) }

// IndirectEntries 读出全部子页指针
func IndirectEntries(p *Page) []IndirectEntry {
	n := IndirectCount(p)
	entries := make([]IndirectEntry, n)
	for i := range entries {
		off := indirectEntriesOff + i*indirectEntrySize
		entries[i] = IndirectEntry{
			Child:      common.PageID(util.GetInt64(p.Data, off)),
			UpperBound: util.GetInt32(p.Data, off+8),
		}
	}
	return entries
}

// IndirectLookup 找到包含 slot 的子页以及子页内的相对槽位
func IndirectLookup(p *Page, slot common.SlotID) (common.PageID, common.SlotID, bool) {
	lower := int32(0)
	for _, e := range IndirectEntries(p) {
		if int32(slot) < e.UpperBound {
			return e.Child, common.SlotID(int32(slot) - lower), true
		}
		lower = e.UpperBound
	}
	return common.InvalidPage, common.InvalidSlot, false
}

// indirectImpl 间接页本身不承载可寻址记录，解引用在事务层完成
type indirectImpl struct{}

func (indirectImpl) Type() PageType { return IndirectPage }

func (indirectImpl) Read(*Page, common.RecordID) ([]byte, error) {
	return nil, ErrNotRecordPage
}

func (indirectImpl) Write(*Page, common.RecordID) ([]byte, error) {
	return nil, ErrNotRecordPage
}

func (indirectImpl) RecordType(p *Page, rid common.RecordID) RecordType {
	if _, _, ok := IndirectLookup(p, rid.Slot); ok {
		return NormalRecord
	}
	return InvalidRecord
}

func (indirectImpl) Length(*Page, common.RecordID) int64 { return -1 }

func (indirectImpl) First(*Page) (common.RecordID, bool) { return common.NullRID, false }

func (indirectImpl) Next(*Page, common.RecordID) (common.RecordID, bool) {
	return common.NullRID, false
}

func (indirectImpl) FreeSpace(*Page) int { return 0 }

func (indirectImpl) PreAlloc(*Page, int64) (common.RecordID, error) {
	return common.NullRID, ErrNotRecordPage
}

func (indirectImpl) PostAlloc(*Page, common.RecordID) error { return ErrNotRecordPage }
func (indirectImpl) Free(*Page, common.RecordID) error      { return ErrNotRecordPage }
func (indirectImpl) Compact(*Page)                          {}
func (indirectImpl) Loaded(*Page)                           {}
func (indirectImpl) Flushed(*Page)                          {}
func (indirectImpl) Evicted(*Page)                          {}
