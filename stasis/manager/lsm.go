package manager

import (
	juju "github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/page"
)

// TallocLSMRoot 分配一个空的 LSM 树根页
func (tm *TransactionManager) TallocLSMRoot(xid common.XID) (common.PageID, error) {
	tx, err := tm.transaction(xid)
	if err != nil {
		return common.InvalidPage, err
	}
	pid, err := tm.regions.alloc(tx, 1, AllocManagerPages)
	if err != nil {
		return common.InvalidPage, err
	}
	if _, err := tm.update(tx, common.RecordID{Page: pid}, OpInitLSMRoot, nil); err != nil {
		return common.InvalidPage, err
	}
	return pid, nil
}

// TlsmAppend 在根页末尾追加子节点，firstKey 必须大于已有的最后一个
func (tm *TransactionManager) TlsmAppend(xid common.XID, root common.PageID, child common.PageID, firstKey int64) error {
	tx, err := tm.transaction(xid)
	if err != nil {
		return err
	}
	last, ok, err := tm.lsmLastLeaf(root)
	if err != nil {
		return err
	}
	if ok && firstKey <= last.FirstKey {
		return juju.NotValidf("lsm key %d after %d", firstKey, last.FirstKey)
	}

	tm.allocMu.Lock()
	rid, err := tm.allocOnPage(tx, root, page.LSMEntrySize, page.LSMRootPage)
	tm.allocMu.Unlock()
	if err != nil {
		return err
	}
	_, err = tm.update(tx, rid, OpSet, page.LSMEntry{Child: child, FirstKey: firstKey}.Encode())
	return err
}

// TlsmLastLeaf 根页上最后一个子节点
func (tm *TransactionManager) TlsmLastLeaf(xid common.XID, root common.PageID) (page.LSMEntry, bool, error) {
	if _, err := tm.transaction(xid); err != nil {
		return page.LSMEntry{}, false, err
	}
	return tm.lsmLastLeaf(root)
}

func (tm *TransactionManager) lsmLastLeaf(root common.PageID) (page.LSMEntry, bool, error) {
	p, err := tm.pool.Fetch(root)
	if err != nil {
		return page.LSMEntry{}, false, err
	}
	defer tm.pool.Release(p)
	// 缓存缺失时要重建，需要写闩
	p.Latch.Lock()
	defer p.Latch.Unlock()
	if p.Type() != page.LSMRootPage {
		return page.LSMEntry{}, false, juju.Annotatef(page.ErrInvalidPageType, "page %d is %s", root, p.Type())
	}
	e, ok := page.LSMLastLeaf(p)
	return e, ok, nil
}

// TlsmFind 最后一个 firstKey 不大于 key 的子节点
func (tm *TransactionManager) TlsmFind(xid common.XID, root common.PageID, key int64) (page.LSMEntry, bool, error) {
	if _, err := tm.transaction(xid); err != nil {
		return page.LSMEntry{}, false, err
	}
	p, err := tm.pool.Fetch(root)
	if err != nil {
		return page.LSMEntry{}, false, err
	}
	defer tm.pool.Release(p)
	p.Latch.RLock()
	defer p.Latch.RUnlock()
	if p.Type() != page.LSMRootPage {
		return page.LSMEntry{}, false, juju.Annotatef(page.ErrInvalidPageType, "page %d is %s", root, p.Type())
	}
	e, ok := page.LSMFind(p, key)
	return e, ok, nil
}
