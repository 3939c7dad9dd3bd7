package manager

import (
	"github.com/google/btree"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/logs"
)

// lsnItem 待回滚事务，按最后一条记录的 LSN 排序
type lsnItem struct {
	lsn common.LSN
	xid common.XID
}

func (a lsnItem) Less(than btree.Item) bool {
	return a.lsn < than.(lsnItem).lsn
}

// RecoveryManager 启动时的崩溃恢复：Analysis、Redo、Undo 三遍
type RecoveryManager struct {
	tm  *TransactionManager
	log *logs.LogFile

	// Analysis 的结果，恢复结束后丢弃
	lastLSN  map[common.XID]common.LSN
	firstLSN map[common.XID]common.LSN
	aborting map[common.XID]bool
	finished map[common.XID]bool
	rollback *btree.BTree
	maxXID   common.XID
	// minPage, maxPage 日志中更新过的页号范围，Redo 前提示页存储预读
	minPage, maxPage common.PageID
}

// NewRecoveryManager 创建恢复管理器
func NewRecoveryManager(tm *TransactionManager) *RecoveryManager {
	return &RecoveryManager{tm: tm, log: tm.log}
}

// Recover 重复历史后回滚所有未结束的事务。已 prepare 的事务被复活，等待提交或中止。
// 任何不一致都会 panic，没有部分恢复。
func (rm *RecoveryManager) Recover() error {
	if rm.log.NextLSN() <= rm.log.FirstLSN() {
		logger.Infof("recovery: log is empty")
		return nil
	}
	if err := rm.analysis(); err != nil {
		return err
	}
	redone, err := rm.redo()
	if err != nil {
		return err
	}
	undone, revived := rm.undo()
	rm.log.ForceAll()
	rm.tm.regions.invalidate()

	logger.Infof("recovery finished: %d entries redone, %d transactions rolled back, %d revived", redone, undone, revived)
	rm.lastLSN, rm.firstLSN, rm.aborting, rm.finished, rm.rollback = nil, nil, nil, nil, nil
	return nil
}

func (rm *RecoveryManager) analysis() error {
	rm.lastLSN = make(map[common.XID]common.LSN)
	rm.firstLSN = make(map[common.XID]common.LSN)
	rm.aborting = make(map[common.XID]bool)
	rm.finished = make(map[common.XID]bool)
	rm.rollback = btree.New(8)
	rm.maxXID = common.InvalidXID
	rm.minPage, rm.maxPage = common.InvalidPage, common.InvalidPage

	entries := 0
	it := rm.log.Forward(rm.log.FirstLSN())
	for it.Next() {
		e := it.Entry()
		entries++
		if e.Type == logs.InternalLog || e.XID == common.InvalidXID {
			continue
		}
		if e.XID > rm.maxXID {
			rm.maxXID = e.XID
		}
		if _, ok := rm.firstLSN[e.XID]; !ok {
			rm.firstLSN[e.XID] = e.LSN
		}
		rm.lastLSN[e.XID] = e.LSN
		if (e.Type == logs.UpdateLog || e.Type == logs.CLRLog) && !e.RID.IsNull() {
			rm.notePage(e.RID.Page)
		}
		switch e.Type {
		case logs.XCommit, logs.XEnd:
			rm.finished[e.XID] = true
		case logs.XAbort:
			rm.aborting[e.XID] = true
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	for xid, lsn := range rm.lastLSN {
		if !rm.finished[xid] {
			rm.rollback.ReplaceOrInsert(lsnItem{lsn: lsn, xid: xid})
		}
	}
	rm.tm.seedXID(rm.maxXID)
	logger.Infof("recovery analysis: %d entries, %d transactions, %d to roll back, max xid %d",
		entries, len(rm.lastLSN), rm.rollback.Len(), rm.maxXID)
	return nil
}

func (rm *RecoveryManager) notePage(id common.PageID) {
	if rm.minPage == common.InvalidPage || id < rm.minPage {
		rm.minPage = id
	}
	if rm.maxPage == common.InvalidPage || id > rm.maxPage {
		rm.maxPage = id
	}
}

// redo 对所有事务重复历史，已中止事务的补偿记录同样需要重做
func (rm *RecoveryManager) redo() (int, error) {
	redone := 0
	if rm.minPage != common.InvalidPage {
		rm.tm.pool.Prefetch(rm.minPage, rm.maxPage+1)
	}
	it := rm.log.Forward(rm.log.FirstLSN())
	for it.Next() {
		e := it.Entry()
		switch e.Type {
		case logs.UpdateLog, logs.CLRLog:
			if rm.tm.redo(e) {
				redone++
			}
		case logs.XCommit:
			if rm.tm.locks != nil {
				rm.tm.locks.Commit(e.XID)
			}
		case logs.XAbort:
			if rm.tm.locks != nil {
				rm.tm.locks.Abort(e.XID)
			}
		case logs.XBegin, logs.XEnd, logs.InternalLog:
		default:
			logger.Panicf("recovery redo: unexpected entry %s", e)
		}
	}
	if err := it.Err(); err != nil {
		return redone, err
	}
	logger.Infof("recovery redo: %d entries applied", redone)
	return redone, nil
}

func (rm *RecoveryManager) undo() (int, int) {
	undone, revived := 0, 0
	for rm.rollback.Len() > 0 {
		item := rm.rollback.DeleteMax().(lsnItem)
		e, err := rm.log.Read(item.lsn)
		if err != nil {
			logger.Panicf("recovery undo: read lsn %d of xid %d: %v", item.lsn, item.xid, err)
		}
		if e.XID != item.xid {
			logger.Panicf("recovery undo: lsn %d belongs to xid %d, expected %d", item.lsn, e.XID, item.xid)
		}
		tx, err := rm.tm.revive(item.xid, item.lsn, rm.firstLSN[item.xid], TRX_STATE_ABORTING, false)
		if err != nil {
			logger.Panicf("recovery undo: %v", err)
		}

		// 用户已经开始中止的事务即使 prepare 过也要回滚到底
		if rm.tm.rollback(tx, !rm.aborting[item.xid]) {
			tx.mu.Lock()
			tx.State = TRX_STATE_PREPARED
			tx.mu.Unlock()
			rm.tm.restorePending(tx)
			revived++
			logger.Infof("recovery undo: xid %d is prepared, revived at lsn %d", item.xid, item.lsn)
			continue
		}
		rm.tm.appendLog(tx, &logs.Entry{Type: logs.XEnd})
		rm.tm.finish(tx, false)
		undone++
		logger.Debugf("recovery undo: xid %d rolled back", item.xid)
	}
	return undone, revived
}

// seedXID 新事务的 xid 从日志中出现过的最大值之后开始
func (tm *TransactionManager) seedXID(max common.XID) {
	tm.mu.Lock()
	if max >= tm.nextXID {
		tm.nextXID = max + 1
	}
	tm.mu.Unlock()
}
