package manager

import (
	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/page"
)

// Bootstrap 新存储的初始化：根记录页和第一个边界标签。已初始化时什么也不做。
func (tm *TransactionManager) Bootstrap() error {
	p, err := tm.pool.Fetch(common.RootPage)
	if err != nil {
		return err
	}
	p.Latch.RLock()
	t := p.Type()
	p.Latch.RUnlock()
	tm.pool.Release(p)
	if t != page.UninitializedPage {
		return nil
	}

	xid, err := tm.Tbegin()
	if err != nil {
		return err
	}
	tx, err := tm.transaction(xid)
	if err != nil {
		return err
	}
	if _, err := tm.update(tx, common.RecordID{Page: common.RootPage}, OpInitSlotted, nil); err != nil {
		return err
	}
	tm.allocMu.Lock()
	rid, err := tm.allocOnPage(tx, common.RootPage, common.RootRecordSize, page.SlottedPage)
	tm.allocMu.Unlock()
	if err != nil {
		return err
	}
	if rid != common.RootRecord {
		logger.Panicf("bootstrap allocated root record at %s", rid)
	}
	end := page.BoundaryTag{Size: 0, PrevSize: -1, Status: page.TagEnd}
	if err := tm.regions.initTag(tx, common.FirstRegionTag, end); err != nil {
		return err
	}
	if err := tm.Tcommit(xid); err != nil {
		return err
	}
	logger.Infof("store bootstrapped: root record %s, first region tag %d", common.RootRecord, common.FirstRegionTag)
	return nil
}
