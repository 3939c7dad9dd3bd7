package manager

import (
	"sync"

	"github.com/google/btree"
	juju "github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/page"
)

// 区域分配者标识，写在边界标签上
const (
	AllocManagerNone    int32 = 0
	AllocManagerPages   int32 = 1
	AllocManagerRecords int32 = 2
	AllocManagerArrays  int32 = 3
)

// 区域布局：标签页 T 之后的 T+1..T+size 为区域本身，下一个标签在 T+size+1。
// 最后一个标签状态为 End，其后的页从未分配过。

// regionItem 空闲区域索引项，按 (size, tag) 排序
type regionItem struct {
	size int32
	tag  common.PageID
}

func (a regionItem) Less(than btree.Item) bool {
	b := than.(regionItem)
	if a.size != b.size {
		return a.size < b.size
	}
	return a.tag < b.tag
}

// regionAllocator 边界标签区域分配器。空闲区域索引只是提示，使用前总会核对页上的标签。
type regionAllocator struct {
	tm *TransactionManager

	mu    sync.Mutex
	free  *btree.BTree
	end   common.PageID
	stale bool
}

func newRegionAllocator(tm *TransactionManager) *regionAllocator {
	return &regionAllocator{tm: tm, free: btree.New(8), end: common.InvalidPage, stale: true}
}

// invalidate 回滚可能改变了标签，下次分配前重建索引
func (ra *regionAllocator) invalidate() {
	ra.mu.Lock()
	ra.stale = true
	ra.mu.Unlock()
}

func (ra *regionAllocator) readTag(tag common.PageID) (page.BoundaryTag, error) {
	p, err := ra.tm.pool.Fetch(tag)
	if err != nil {
		return page.BoundaryTag{}, err
	}
	defer ra.tm.pool.Release(p)
	p.Latch.RLock()
	defer p.Latch.RUnlock()
	if p.Type() != page.BoundaryTagPage {
		return page.BoundaryTag{}, juju.Annotatef(ErrInvalidRegion, "page %d is %s", tag, p.Type())
	}
	return page.ReadTag(p), nil
}

func (ra *regionAllocator) setTag(tx *Transaction, tag common.PageID, t page.BoundaryTag) error {
	_, err := ra.tm.update(tx, page.BoundaryTagRID(tag), OpSet, t.Encode())
	return err
}

func (ra *regionAllocator) initTag(tx *Transaction, tag common.PageID, t page.BoundaryTag) error {
	_, err := ra.tm.update(tx, page.BoundaryTagRID(tag), OpInitBoundaryTag, t.Encode())
	return err
}

// rebuildLocked 沿标签链扫描，重建空闲索引并找到 End 标签
func (ra *regionAllocator) rebuildLocked() error {
	ra.free = btree.New(8)
	ra.end = common.InvalidPage
	tag := common.FirstRegionTag
	for {
		t, err := ra.readTag(tag)
		if err != nil {
			return err
		}
		switch t.Status {
		case page.TagVacant:
			ra.free.ReplaceOrInsert(regionItem{size: t.Size, tag: tag})
		case page.TagEnd:
			ra.end = tag
			ra.stale = false
			logger.Debugf("region index rebuilt: %d vacant regions, end tag at %d", ra.free.Len(), tag)
			return nil
		}
		if t.Size < 0 {
			logger.Panicf("boundary tag %d has negative size %d", tag, t.Size)
		}
		tag += common.PageID(t.Size) + 1
	}
}

// pickLocked 找到能容纳 n 页的最小空闲区域，没有时返回 End 标签
func (ra *regionAllocator) pickLocked(n int32) (common.PageID, page.BoundaryTag, error) {
	for {
		var cand regionItem
		found := false
		ra.free.AscendGreaterOrEqual(regionItem{size: n}, func(i btree.Item) bool {
			cand, found = i.(regionItem), true
			return false
		})
		if !found {
			break
		}
		ra.free.Delete(cand)
		t, err := ra.readTag(cand.tag)
		if err == nil && t.Status == page.TagVacant && t.Size == cand.size {
			return cand.tag, t, nil
		}
	}
	t, err := ra.readTag(ra.end)
	if err != nil {
		return common.InvalidPage, t, err
	}
	if t.Status != page.TagEnd {
		logger.Panicf("boundary tag %d expected end, got %s", ra.end, t.Status)
	}
	return ra.end, t, nil
}

// alloc 在嵌套顶层动作中分配至少 n 页的区域，返回区域第一页。
// 回滚时不恢复标签的物理修改，只由开始记录的逻辑撤销把区域标记为空闲。
func (ra *regionAllocator) alloc(tx *Transaction, n int, allocManager int32) (common.PageID, error) {
	if n <= 0 {
		return common.InvalidPage, juju.NotValidf("region of %d pages", n)
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.stale {
		if err := ra.rebuildLocked(); err != nil {
			return common.InvalidPage, err
		}
	}
	size := int32(n)
	tag, t, err := ra.pickLocked(size)
	if err != nil {
		return common.InvalidPage, err
	}

	h, err := ra.tm.beginNTA(tx, OpRegionAllocMarker, encodePageID(tag))
	if err != nil {
		return common.InvalidPage, err
	}
	if err := ra.carveLocked(tx, tag, t, size, allocManager); err != nil {
		ra.stale = true
		return common.InvalidPage, err
	}
	if _, err := ra.tm.endNTA(tx, h); err != nil {
		return common.InvalidPage, err
	}
	logger.Debugf("xid %d: allocated region of %d pages at tag %d", tx.XID, size, tag)
	return tag + 1, nil
}

func (ra *regionAllocator) carveLocked(tx *Transaction, tag common.PageID, t page.BoundaryTag, size, allocManager int32) error {
	if t.Status == page.TagEnd {
		occupied := page.BoundaryTag{Size: size, PrevSize: t.PrevSize, Status: page.TagOccupied, AllocManager: allocManager}
		if err := ra.setTag(tx, tag, occupied); err != nil {
			return err
		}
		end := tag + common.PageID(size) + 1
		if err := ra.initTag(tx, end, page.BoundaryTag{Size: 0, PrevSize: size, Status: page.TagEnd}); err != nil {
			return err
		}
		ra.end = end
		return nil
	}

	// 剩余部分至少要放下一个标签页和一页数据才拆分
	if t.Size <= size+1 {
		t.Status, t.AllocManager = page.TagOccupied, allocManager
		return ra.setTag(tx, tag, t)
	}
	rest := t.Size - size - 1
	next := tag + common.PageID(t.Size) + 1
	split := tag + common.PageID(size) + 1

	occupied := page.BoundaryTag{Size: size, PrevSize: t.PrevSize, Status: page.TagOccupied, AllocManager: allocManager}
	if err := ra.setTag(tx, tag, occupied); err != nil {
		return err
	}
	if err := ra.initTag(tx, split, page.BoundaryTag{Size: rest, PrevSize: size, Status: page.TagVacant}); err != nil {
		return err
	}
	nt, err := ra.readTag(next)
	if err != nil {
		return err
	}
	nt.PrevSize = rest
	if err := ra.setTag(tx, next, nt); err != nil {
		return err
	}
	ra.free.ReplaceOrInsert(regionItem{size: rest, tag: split})
	return nil
}

// dealloc 把区域标记为待释放，所属事务提交时才变为空闲
func (ra *regionAllocator) dealloc(tx *Transaction, first common.PageID) error {
	tag := first - 1
	if tag < common.FirstRegionTag {
		return juju.Annotatef(ErrInvalidRegion, "page %d", first)
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	t, err := ra.readTag(tag)
	if err != nil {
		return err
	}
	if t.Status != page.TagOccupied {
		return juju.Annotatef(ErrInvalidRegion, "page %d: region is %s", first, t.Status)
	}
	t.Status = page.TagCondemned
	if err := ra.setTag(tx, tag, t); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.condemned = append(tx.condemned, tag)
	tx.mu.Unlock()
	return nil
}

// commit 把事务待释放的区域变为空闲并与后面的空闲区域合并，然后写提交记录。
// 提交记录在持有分配器锁时追加，其他事务只能在它之后复用这些区域。
func (ra *regionAllocator) commit(tx *Transaction, writeCommit func() common.LSN) (common.LSN, error) {
	tx.mu.Lock()
	condemned := tx.condemned
	tx.condemned = nil
	tx.mu.Unlock()
	if len(condemned) == 0 {
		return writeCommit(), nil
	}

	ra.mu.Lock()
	defer ra.mu.Unlock()
	for _, tag := range condemned {
		if err := ra.vacateLocked(tx, tag); err != nil {
			ra.stale = true
			return common.InvalidLSN, err
		}
	}
	return writeCommit(), nil
}

func (ra *regionAllocator) vacateLocked(tx *Transaction, tag common.PageID) error {
	t, err := ra.readTag(tag)
	if err != nil {
		return err
	}
	if t.Status != page.TagCondemned {
		return nil
	}
	t.Status, t.AllocManager = page.TagVacant, AllocManagerNone

	next := tag + common.PageID(t.Size) + 1
	nt, err := ra.readTag(next)
	if err != nil {
		return err
	}
	if nt.Status == page.TagVacant {
		merged := t.Size + 1 + nt.Size
		after := next + common.PageID(nt.Size) + 1
		at, err := ra.readTag(after)
		if err != nil {
			return err
		}
		at.PrevSize = merged
		if err := ra.setTag(tx, after, at); err != nil {
			return err
		}
		ra.free.Delete(regionItem{size: nt.Size, tag: next})
		t.Size = merged
	}
	if err := ra.setTag(tx, tag, t); err != nil {
		return err
	}
	ra.free.ReplaceOrInsert(regionItem{size: t.Size, tag: tag})
	return nil
}

// freeForUndo 撤销区域分配：仍被占用或待释放的区域直接变为空闲
func (ra *regionAllocator) freeForUndo(xid common.XID, tag common.PageID) error {
	tx, err := ra.tm.transaction(xid)
	if err != nil {
		return err
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	t, err := ra.readTag(tag)
	if err != nil {
		return err
	}
	if t.Status != page.TagOccupied && t.Status != page.TagCondemned {
		return nil
	}
	t.Status, t.AllocManager = page.TagVacant, AllocManagerNone
	if err := ra.setTag(tx, tag, t); err != nil {
		return err
	}
	ra.free.ReplaceOrInsert(regionItem{size: t.Size, tag: tag})
	return nil
}

// TregionAlloc 分配至少 pages 页的连续区域，返回第一页
func (tm *TransactionManager) TregionAlloc(xid common.XID, pages int, allocManager int32) (common.PageID, error) {
	tx, err := tm.transaction(xid)
	if err != nil {
		return common.InvalidPage, err
	}
	return tm.regions.alloc(tx, pages, allocManager)
}

// TregionDealloc 释放以 first 开始的区域，提交后可被复用
func (tm *TransactionManager) TregionDealloc(xid common.XID, first common.PageID) error {
	tx, err := tm.transaction(xid)
	if err != nil {
		return err
	}
	return tm.regions.dealloc(tx, first)
}

// TregionSize 区域页数和状态
func (tm *TransactionManager) TregionSize(xid common.XID, first common.PageID) (int, page.TagStatus, error) {
	if _, err := tm.transaction(xid); err != nil {
		return 0, 0, err
	}
	t, err := tm.regions.readTag(first - 1)
	if err != nil {
		return 0, 0, err
	}
	return int(t.Size), t.Status, nil
}

// TpageAlloc 分配单独一页
func (tm *TransactionManager) TpageAlloc(xid common.XID) (common.PageID, error) {
	return tm.TregionAlloc(xid, 1, AllocManagerPages)
}
