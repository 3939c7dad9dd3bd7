package manager

import (
	juju "github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/page"
)

// Talloc 分配一条 size 字节的记录。当前页放不下时从区域分配器取一个新的变长记录页。
func (tm *TransactionManager) Talloc(xid common.XID, size int64) (common.RecordID, error) {
	tx, err := tm.transaction(xid)
	if err != nil {
		return common.NullRID, err
	}
	if size < 0 || size > page.MaxSlottedRecord {
		return common.NullRID, juju.Annotatef(ErrRecordTooLarge, "%d bytes", size)
	}

	tm.allocMu.Lock()
	defer tm.allocMu.Unlock()
	if tm.allocHint != common.InvalidPage {
		rid, err := tm.allocOnPage(tx, tm.allocHint, size, page.SlottedPage)
		if err == nil || !IsPageFull(err) {
			return rid, err
		}
	}
	pid, err := tm.newSlottedPage(tx)
	if err != nil {
		return common.NullRID, err
	}
	tm.allocHint = pid
	return tm.allocOnPage(tx, pid, size, page.SlottedPage)
}

// TallocFromPage 在指定的变长记录页上分配，空间不足时返回 ErrPageFull
func (tm *TransactionManager) TallocFromPage(xid common.XID, pid common.PageID, size int64) (common.RecordID, error) {
	tx, err := tm.transaction(xid)
	if err != nil {
		return common.NullRID, err
	}
	tm.allocMu.Lock()
	defer tm.allocMu.Unlock()
	return tm.allocOnPage(tx, pid, size, page.SlottedPage)
}

func (tm *TransactionManager) newSlottedPage(tx *Transaction) (common.PageID, error) {
	pid, err := tm.regions.alloc(tx, 1, AllocManagerRecords)
	if err != nil {
		return common.InvalidPage, err
	}
	if _, err := tm.update(tx, common.RecordID{Page: pid}, OpInitSlotted, nil); err != nil {
		return common.InvalidPage, err
	}
	return pid, nil
}

// allocOnPage 调用方持有 allocMu。其他未结束事务在该页上释放过记录时不分配，
// 以免它们回滚时找不到原来的槽位。
func (tm *TransactionManager) allocOnPage(tx *Transaction, pid common.PageID, size int64, want page.PageType) (common.RecordID, error) {
	for other := range tm.freed[pid] {
		if other != tx.XID {
			return common.NullRID, juju.Annotatef(ErrPageFull, "page %d has pending frees of xid %d", pid, other)
		}
	}

	p, err := tm.pool.Fetch(pid)
	if err != nil {
		return common.NullRID, err
	}
	p.Latch.RLock()
	var rid common.RecordID
	if t := p.Type(); t != want {
		err = juju.Annotatef(ErrPageFull, "page %d is %s", pid, t)
	} else {
		rid, err = p.Impl().PreAlloc(p, size)
	}
	p.Latch.RUnlock()
	tm.pool.Release(p)
	if err != nil {
		return common.NullRID, err
	}

	// 先加锁再记日志，加锁失败时槽位保持空闲
	if tm.locks != nil {
		if err := tm.locks.WriteLockRecord(tx.XID, rid); err != nil {
			return common.NullRID, err
		}
	}
	if _, err := tm.update(tx, rid, OpAlloc, nil); err != nil {
		return common.NullRID, err
	}
	return rid, nil
}

// Tdealloc 释放记录。释放前的内容写进日志，回滚时在同一槽位恢复。
func (tm *TransactionManager) Tdealloc(xid common.XID, rid common.RecordID) error {
	tx, err := tm.transaction(xid)
	if err != nil {
		return err
	}
	if rid.Slot == common.RecordArray {
		return juju.Annotatef(ErrInvalidRecordArray, "rid %s", rid)
	}
	if tm.locks != nil {
		if err := tm.locks.WriteLockRecord(xid, rid); err != nil {
			return err
		}
	}

	tm.allocMu.Lock()
	defer tm.allocMu.Unlock()
	contents, err := tm.readRecord(rid)
	if err != nil {
		return err
	}
	if _, err := tm.update(tx, rid, OpDealloc, contents); err != nil {
		return err
	}

	byXID := tm.freed[rid.Page]
	if byXID == nil {
		byXID = make(map[common.XID]int)
		tm.freed[rid.Page] = byXID
	}
	byXID[xid]++
	tx.mu.Lock()
	if tx.freedPages == nil {
		tx.freedPages = make(map[common.PageID]int)
	}
	tx.freedPages[rid.Page]++
	tx.mu.Unlock()
	return nil
}

// TallocMany 分配 count 条 recordSize 字节的定长记录数组。
// 数据放在定长记录页上，由一层或多层间接页索引；返回的 rid 用 WithSlot 选取元素。
func (tm *TransactionManager) TallocMany(xid common.XID, recordSize, count int) (common.RecordID, error) {
	tx, err := tm.transaction(xid)
	if err != nil {
		return common.NullRID, err
	}
	if recordSize <= 0 || page.FixedCapacity(recordSize) == 0 {
		return common.NullRID, juju.Annotatef(ErrRecordTooLarge, "array element of %d bytes", recordSize)
	}
	if count <= 0 {
		return common.NullRID, juju.NotValidf("array of %d records", count)
	}

	perPage := page.FixedCapacity(recordSize)
	leaves := (count + perPage - 1) / perPage
	levels := []int{leaves}
	for n := leaves; ; {
		n = (n + page.IndirectFanout - 1) / page.IndirectFanout
		levels = append(levels, n)
		if n == 1 {
			break
		}
	}
	total := 0
	for _, n := range levels {
		total += n
	}

	first, err := tm.regions.alloc(tx, total, AllocManagerArrays)
	if err != nil {
		return common.NullRID, err
	}

	// 数据页在前，各层间接页依次在后，根页是区域的最后一页
	children := make([]page.IndirectEntry, leaves)
	next := first
	for i := 0; i < leaves; i++ {
		n := perPage
		if i == leaves-1 {
			n = count - perPage*(leaves-1)
		}
		if _, err := tm.update(tx, common.RecordID{Page: next}, OpInitFixed, EncodeInitFixed(recordSize, n)); err != nil {
			return common.NullRID, err
		}
		children[i] = page.IndirectEntry{Child: next, UpperBound: int32(perPage*i + n)}
		next++
	}
	for level := 0; level < len(levels)-1; level++ {
		var parents []page.IndirectEntry
		for start := 0; start < len(children); start += page.IndirectFanout {
			end := start + page.IndirectFanout
			if end > len(children) {
				end = len(children)
			}
			base := int32(0)
			if start > 0 {
				base = children[start-1].UpperBound
			}
			group := rebase(children[start:end], base)
			if _, err := tm.update(tx, common.RecordID{Page: next}, OpInitIndirect, EncodeInitIndirect(level, group)); err != nil {
				return common.NullRID, err
			}
			parents = append(parents, page.IndirectEntry{Child: next, UpperBound: children[end-1].UpperBound})
			next++
		}
		children = parents
	}

	root := children[0].Child
	logger.Debugf("xid %d: allocated array of %d x %d bytes rooted at page %d", xid, count, recordSize, root)
	return common.RecordID{Page: root, Slot: common.RecordArray, Size: int64(recordSize)}, nil
}

// rebase 把全局累计上界改为相对于 base 的上界
func rebase(group []page.IndirectEntry, base int32) []page.IndirectEntry {
	out := make([]page.IndirectEntry, len(group))
	for i, e := range group {
		out[i] = page.IndirectEntry{Child: e.Child, UpperBound: e.UpperBound - base}
	}
	return out
}
