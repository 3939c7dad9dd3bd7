package manager

import (
	"sort"
	"sync"

	juju "github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/buffer_pool"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/logs"
	"github.com/zhukovaskychina/xstasis/stasis/page"
)

// LockManager 可选的记录锁管理器，提交和中止时回调
type LockManager interface {
	ReadLockRecord(xid common.XID, rid common.RecordID) error
	WriteLockRecord(xid common.XID, rid common.RecordID) error
	Commit(xid common.XID)
	Abort(xid common.XID)
}

// Config 事务管理器的依赖
type Config struct {
	Log             *logs.LogFile
	Pool            *buffer_pool.BufferPool
	Operations      *OperationTable
	Locks           LockManager
	MaxTransactions int
}

// TransactionManager 事务管理器：事务表、更新协议、回滚
type TransactionManager struct {
	mu              sync.RWMutex
	active          map[common.XID]*Transaction
	nextXID         common.XID
	maxTransactions int

	log   *logs.LogFile
	pool  *buffer_pool.BufferPool
	ops   *OperationTable
	locks LockManager

	// allocMu 串行化记录分配与释放
	allocMu   sync.Mutex
	allocHint common.PageID
	freed     map[common.PageID]map[common.XID]int

	regions *regionAllocator
}

// NewTransactionManager 创建事务管理器
func NewTransactionManager(cfg Config) *TransactionManager {
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = common.DefaultMaxTransactions
	}
	if cfg.Operations == nil {
		cfg.Operations = NewOperationTable()
	}
	tm := &TransactionManager{
		active:          make(map[common.XID]*Transaction),
		nextXID:         1,
		maxTransactions: cfg.MaxTransactions,
		log:             cfg.Log,
		pool:            cfg.Pool,
		ops:             cfg.Operations,
		locks:           cfg.Locks,
		allocHint:       common.InvalidPage,
		freed:           make(map[common.PageID]map[common.XID]int),
	}
	tm.regions = newRegionAllocator(tm)
	return tm
}

// Operations 操作注册表
func (tm *TransactionManager) Operations() *OperationTable {
	return tm.ops
}

// Tbegin 开始新事务
func (tm *TransactionManager) Tbegin() (common.XID, error) {
	tm.mu.Lock()
	if len(tm.active) >= tm.maxTransactions {
		tm.mu.Unlock()
		return common.InvalidXID, ErrExceedMaxTransactions
	}
	xid := tm.nextXID
	tm.nextXID++
	tx := newTransaction(xid)
	tm.active[xid] = tx
	tm.mu.Unlock()

	tm.appendLog(tx, &logs.Entry{Type: logs.XBegin})
	return xid, nil
}

// transaction 查找活跃事务
func (tm *TransactionManager) transaction(xid common.XID) (*Transaction, error) {
	tm.mu.RLock()
	tx, ok := tm.active[xid]
	tm.mu.RUnlock()
	if !ok {
		return nil, juju.Annotatef(ErrInvalidTransaction, "xid %d", xid)
	}
	return tx, nil
}

// Transaction 返回活跃事务的快照信息
func (tm *TransactionManager) Transaction(xid common.XID) (*Transaction, error) {
	return tm.transaction(xid)
}

// ActiveTransactions 活跃事务的 xid，升序
func (tm *TransactionManager) ActiveTransactions() []common.XID {
	return tm.listTransactions(func(*Transaction) bool { return true })
}

// PreparedTransactions 已 prepare 尚未提交或中止的事务
func (tm *TransactionManager) PreparedTransactions() []common.XID {
	return tm.listTransactions(func(tx *Transaction) bool {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return tx.State == TRX_STATE_PREPARED
	})
}

func (tm *TransactionManager) listTransactions(match func(*Transaction) bool) []common.XID {
	tm.mu.RLock()
	xids := make([]common.XID, 0, len(tm.active))
	for xid, tx := range tm.active {
		if match(tx) {
			xids = append(xids, xid)
		}
	}
	tm.mu.RUnlock()
	sort.Slice(xids, func(i, j int) bool { return xids[i] < xids[j] })
	return xids
}

// appendLog 追加一条属于 tx 的记录并推进 prevLSN 链
func (tm *TransactionManager) appendLog(tx *Transaction, e *logs.Entry) common.LSN {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	e.XID = tx.XID
	e.PrevLSN = tx.PrevLSN
	lsn := tm.log.Append(e)
	tx.PrevLSN = lsn
	if tx.FirstLSN == common.InvalidLSN {
		tx.FirstLSN = lsn
	}
	return lsn
}

// Tupdate 记日志并把操作应用到记录上
func (tm *TransactionManager) Tupdate(xid common.XID, rid common.RecordID, op OperationID, args []byte) error {
	tx, err := tm.transaction(xid)
	if err != nil {
		return err
	}
	if !rid.IsNull() {
		if rid, err = tm.dereference(rid); err != nil {
			return err
		}
		if tm.locks != nil {
			if err := tm.locks.WriteLockRecord(xid, rid); err != nil {
				return err
			}
		}
	}
	_, err = tm.update(tx, rid, op, args)
	return err
}

// Tset 覆盖整条记录
func (tm *TransactionManager) Tset(xid common.XID, rid common.RecordID, data []byte) error {
	return tm.Tupdate(xid, rid, OpSet, data)
}

// TsetRange 覆盖记录中从 offset 开始的一段
func (tm *TransactionManager) TsetRange(xid common.XID, rid common.RecordID, offset int, data []byte) error {
	return tm.Tupdate(xid, rid, OpSetRange, EncodeSetRange(offset, data))
}

// update 更新协议：写闩内先取前像、记日志，再应用操作并推进页 LSN
func (tm *TransactionManager) update(tx *Transaction, rid common.RecordID, opID OperationID, args []byte) (common.LSN, error) {
	op, err := tm.ops.Lookup(opID)
	if err != nil {
		return common.InvalidLSN, err
	}
	ctx := &OpContext{TM: tm, XID: tx.XID, RID: rid, Args: args}

	if rid.IsNull() {
		if op.Validate != nil {
			if err := op.Validate(ctx); err != nil {
				return common.InvalidLSN, err
			}
		}
		ctx.LSN = tm.appendLog(tx, &logs.Entry{Type: logs.UpdateLog, Op: int32(opID), RID: rid, Args: args})
		if err := op.Run(ctx); err != nil {
			logger.Panicf("xid %d: %s at lsn %d failed after logging: %v", tx.XID, op.Name, ctx.LSN, err)
		}
		return ctx.LSN, nil
	}

	var p *page.Page
	if op.FreshPage {
		p, err = tm.pool.FetchUninitialized(rid.Page, tx.LastLSN())
	} else {
		p, err = tm.pool.Fetch(rid.Page)
	}
	if err != nil {
		return common.InvalidLSN, err
	}
	defer tm.pool.Release(p)

	p.Latch.Lock()
	defer p.Latch.Unlock()
	ctx.Page = p
	if op.Validate != nil {
		if err := op.Validate(ctx); err != nil {
			return common.InvalidLSN, err
		}
	}

	var preImage []byte
	switch op.Undo.kind {
	case undoPhysicalRecord:
		rec, err := page.ReadRecord(p, rid)
		if err != nil {
			return common.InvalidLSN, juju.Annotatef(err, "rid %s", rid)
		}
		preImage = append([]byte(nil), rec...)
	case undoPhysicalWholePage:
		preImage = p.Image()
	}

	ctx.LSN = tm.appendLog(tx, &logs.Entry{
		Type:     logs.UpdateLog,
		Op:       int32(opID),
		RID:      rid,
		Args:     args,
		PreImage: preImage,
	})
	if err := op.Run(ctx); err != nil {
		logger.Panicf("xid %d: %s on %s at lsn %d failed after logging: %v", tx.XID, op.Name, rid, ctx.LSN, err)
	}
	p.SetLSN(ctx.LSN)
	p.MarkDirty()
	return ctx.LSN, nil
}

// dereference 数组记录经间接页找到实际的定长记录
func (tm *TransactionManager) dereference(rid common.RecordID) (common.RecordID, error) {
	for {
		p, err := tm.pool.Fetch(rid.Page)
		if err != nil {
			return rid, err
		}
		p.Latch.RLock()
		if p.Type() != page.IndirectPage {
			p.Latch.RUnlock()
			tm.pool.Release(p)
			return rid, nil
		}
		if rid.Slot < 0 {
			p.Latch.RUnlock()
			tm.pool.Release(p)
			return rid, juju.Annotatef(ErrInvalidRecordArray, "rid %s", rid)
		}
		child, slot, ok := page.IndirectLookup(p, rid.Slot)
		p.Latch.RUnlock()
		tm.pool.Release(p)
		if !ok {
			return rid, juju.Annotatef(ErrRecordNotFound, "rid %s", rid)
		}
		rid.Page, rid.Slot = child, slot
	}
}

// Tread 读取记录内容的副本
func (tm *TransactionManager) Tread(xid common.XID, rid common.RecordID) ([]byte, error) {
	if _, err := tm.transaction(xid); err != nil {
		return nil, err
	}
	rid, err := tm.dereference(rid)
	if err != nil {
		return nil, err
	}
	if tm.locks != nil {
		if err := tm.locks.ReadLockRecord(xid, rid); err != nil {
			return nil, err
		}
	}
	return tm.readRecord(rid)
}

func (tm *TransactionManager) readRecord(rid common.RecordID) ([]byte, error) {
	p, err := tm.pool.Fetch(rid.Page)
	if err != nil {
		return nil, err
	}
	defer tm.pool.Release(p)
	p.Latch.RLock()
	defer p.Latch.RUnlock()
	rec, err := page.ReadRecord(p, rid)
	if err != nil {
		return nil, juju.Annotatef(err, "rid %s", rid)
	}
	return append([]byte(nil), rec...), nil
}

// TrecordType 记录类型，不存在时为 InvalidRecord
func (tm *TransactionManager) TrecordType(xid common.XID, rid common.RecordID) (page.RecordType, error) {
	return withRecordPage(tm, xid, rid, func(p *page.Page, rid common.RecordID) page.RecordType {
		return page.RecordTypeOf(p, rid)
	})
}

// TrecordSize 记录长度，不存在时为 -1
func (tm *TransactionManager) TrecordSize(xid common.XID, rid common.RecordID) (int64, error) {
	return withRecordPage(tm, xid, rid, func(p *page.Page, rid common.RecordID) int64 {
		return page.RecordLength(p, rid)
	})
}

func withRecordPage[T any](tm *TransactionManager, xid common.XID, rid common.RecordID, fn func(*page.Page, common.RecordID) T) (T, error) {
	var zero T
	if _, err := tm.transaction(xid); err != nil {
		return zero, err
	}
	rid, err := tm.dereference(rid)
	if err != nil {
		return zero, err
	}
	p, err := tm.pool.Fetch(rid.Page)
	if err != nil {
		return zero, err
	}
	defer tm.pool.Release(p)
	p.Latch.RLock()
	defer p.Latch.RUnlock()
	return fn(p, rid), nil
}

// Tcommit 写提交记录并强制日志。待释放的区域在提交记录之前变为空闲。
func (tm *TransactionManager) Tcommit(xid common.XID) error {
	tx, err := tm.transaction(xid)
	if err != nil {
		return err
	}
	lsn, err := tm.regions.commit(tx, func() common.LSN {
		return tm.appendLog(tx, &logs.Entry{Type: logs.XCommit})
	})
	if err != nil {
		return err
	}
	tm.log.Force(lsn)
	tm.finish(tx, true)
	logger.Debugf("xid %d committed at lsn %d", xid, lsn)
	return nil
}

// Tabort 回滚事务的全部更新后结束事务
func (tm *TransactionManager) Tabort(xid common.XID) error {
	tx, err := tm.transaction(xid)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	tx.State = TRX_STATE_ABORTING
	tx.mu.Unlock()

	tm.appendLog(tx, &logs.Entry{Type: logs.XAbort})
	tm.rollback(tx, false)
	lsn := tm.appendLog(tx, &logs.Entry{Type: logs.XEnd})
	tm.regions.invalidate()
	tm.finish(tx, false)
	logger.Debugf("xid %d aborted at lsn %d", xid, lsn)
	return nil
}

// Tprepare 写 prepare 记录并强制日志，崩溃恢复时该事务被复活而不是回滚
func (tm *TransactionManager) Tprepare(xid common.XID) error {
	tx, err := tm.transaction(xid)
	if err != nil {
		return err
	}
	lsn, err := tm.update(tx, common.NullRID, OpPrepare, nil)
	if err != nil {
		return err
	}
	tm.log.Force(lsn)
	tx.mu.Lock()
	tx.State = TRX_STATE_PREPARED
	tx.mu.Unlock()
	return nil
}

// Trevive 以 prevLSN 为链尾重新登记一个已 prepare 的事务
func (tm *TransactionManager) Trevive(xid common.XID, prevLSN common.LSN) error {
	tx, err := tm.revive(xid, prevLSN, tm.log.FirstLSN(), TRX_STATE_PREPARED, true)
	if err != nil {
		return err
	}
	tm.restorePending(tx)
	return nil
}

// restorePending 沿复活事务的日志链重建未补偿的记录释放和待释放区域
func (tm *TransactionManager) restorePending(tx *Transaction) {
	freed := make(map[common.PageID]int)
	var condemned []common.PageID
	seen := make(map[common.PageID]bool)

	it := tm.log.Backward(tx.LastLSN())
	for it.Next() {
		e := it.Entry()
		switch e.Type {
		case logs.UpdateLog:
			switch OperationID(e.Op) {
			case OpDealloc:
				freed[e.RID.Page]++
			case OpSet:
				tag := e.RID.Page
				if e.RID != page.BoundaryTagRID(tag) || seen[tag] {
					continue
				}
				seen[tag] = true
				// 同一标签之后的修改先被遍历到，只看页上的当前状态
				if t, err := tm.regions.readTag(tag); err == nil && t.Status == page.TagCondemned {
					condemned = append([]common.PageID{tag}, condemned...)
				}
			}
		case logs.CLRLog:
			it.Jump(e.UndoNext)
		}
	}
	if err := it.Err(); err != nil {
		logger.Panicf("xid %d: restore pending frees: %v", tx.XID, err)
	}

	tm.allocMu.Lock()
	for pid, n := range freed {
		byXID := tm.freed[pid]
		if byXID == nil {
			byXID = make(map[common.XID]int)
			tm.freed[pid] = byXID
		}
		byXID[tx.XID] = n
	}
	tm.allocMu.Unlock()

	tx.mu.Lock()
	tx.freedPages = freed
	tx.condemned = condemned
	tx.mu.Unlock()
	if len(freed) > 0 || len(condemned) > 0 {
		logger.Debugf("xid %d revived with %d pages holding pending frees, %d condemned regions",
			tx.XID, len(freed), len(condemned))
	}
}

func (tm *TransactionManager) revive(xid common.XID, prevLSN, firstLSN common.LSN, state uint8, bounded bool) (*Transaction, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, ok := tm.active[xid]; ok {
		return nil, juju.Annotatef(ErrInvalidTransaction, "xid %d already active", xid)
	}
	if bounded && len(tm.active) >= tm.maxTransactions {
		return nil, ErrExceedMaxTransactions
	}
	tx := newTransaction(xid)
	tx.PrevLSN = prevLSN
	tx.FirstLSN = firstLSN
	tx.State = state
	tm.active[xid] = tx
	if xid >= tm.nextXID {
		tm.nextXID = xid + 1
	}
	return tx, nil
}

// finish 释放事务槽位和记录锁
func (tm *TransactionManager) finish(tx *Transaction, committed bool) {
	tm.allocMu.Lock()
	for pid := range tx.freedPages {
		if byXID := tm.freed[pid]; byXID != nil {
			delete(byXID, tx.XID)
			if len(byXID) == 0 {
				delete(tm.freed, pid)
			}
		}
	}
	tm.allocMu.Unlock()

	tm.mu.Lock()
	delete(tm.active, tx.XID)
	tm.mu.Unlock()

	if tm.locks != nil {
		if committed {
			tm.locks.Commit(tx.XID)
		} else {
			tm.locks.Abort(tx.XID)
		}
	}
}

// rollback 沿 prevLSN 链撤销更新，CLR 直接跳到 undoNext。
// prepareGuard 为真时遇到 prepare 记录即停止，返回 true 表示事务应被复活。
func (tm *TransactionManager) rollback(tx *Transaction, prepareGuard bool) bool {
	it := tm.log.Backward(tx.LastLSN())
	for it.Next() {
		e := it.Entry()
		if e.XID != tx.XID {
			logger.Panicf("xid %d: lsn %d belongs to xid %d", tx.XID, e.LSN, e.XID)
		}
		switch e.Type {
		case logs.UpdateLog:
			if prepareGuard && OperationID(e.Op) == OpPrepare {
				return true
			}
			tm.undo(tx, e)
		case logs.CLRLog:
			it.Jump(e.UndoNext)
		}
	}
	if err := it.Err(); err != nil {
		logger.Panicf("xid %d: read log during rollback: %v", tx.XID, err)
	}
	return false
}

// undo 撤销一条更新并写 CLR。页上的撤销先写 CLR 再改页；不落在页上的逻辑撤销本身会记日志，完成后再写 CLR。
func (tm *TransactionManager) undo(tx *Transaction, e *logs.Entry) {
	op, err := tm.ops.Lookup(OperationID(e.Op))
	if err != nil {
		logger.Panicf("xid %d: undo lsn %d: %v", tx.XID, e.LSN, err)
	}
	clr := &logs.Entry{
		Type:     logs.CLRLog,
		Undone:   e.LSN,
		UndoNext: e.PrevLSN,
		Op:       e.Op,
		RID:      e.RID,
		Args:     e.Args,
		PreImage: e.PreImage,
	}

	if e.RID.IsNull() {
		undoOp, err := tm.ops.undoOperation(op)
		if err != nil {
			logger.Panicf("xid %d: undo lsn %d: %v", tx.XID, e.LSN, err)
		}
		if undoOp != nil {
			ctx := &OpContext{TM: tm, XID: tx.XID, LSN: tx.LastLSN(), RID: e.RID, Args: e.Args}
			if err := undoOp.Run(ctx); err != nil {
				logger.Panicf("xid %d: logical undo of lsn %d: %v", tx.XID, e.LSN, err)
			}
		}
		tm.appendLog(tx, clr)
		return
	}

	p, err := tm.pool.Fetch(e.RID.Page)
	if err != nil {
		logger.Panicf("xid %d: undo lsn %d: fetch page %d: %v", tx.XID, e.LSN, e.RID.Page, err)
	}
	defer tm.pool.Release(p)
	p.Latch.Lock()
	defer p.Latch.Unlock()

	clrLSN := tm.appendLog(tx, clr)
	// 物理撤销只作用于已经反映该更新的页，逻辑撤销无条件执行
	if op.Undo.IsLogical() || e.LSN <= p.LSN() {
		if err := tm.applyUndo(op, e, p, clrLSN); err != nil {
			logger.Panicf("xid %d: undo lsn %d on %s: %v", tx.XID, e.LSN, e.RID, err)
		}
	}
	p.SetLSN(clrLSN)
	p.MarkDirty()
	logger.Debugf("xid %d: undid lsn %d with clr %d", tx.XID, e.LSN, clrLSN)
}

// applyUndo 在持有写闩的页上执行撤销。e 可以是被撤销的更新，也可以是复制了它的 CLR。
func (tm *TransactionManager) applyUndo(op *Operation, e *logs.Entry, p *page.Page, lsn common.LSN) error {
	switch op.Undo.kind {
	case undoPhysicalRecord:
		rec, err := page.WriteRecord(p, e.RID)
		if err != nil {
			return err
		}
		copy(rec, e.PreImage)
		return nil
	case undoPhysicalWholePage:
		p.RestoreImage(e.PreImage)
		return nil
	}
	undoOp, err := tm.ops.undoOperation(op)
	if err != nil {
		return err
	}
	return undoOp.Run(&OpContext{TM: tm, XID: e.XID, Page: p, LSN: lsn, RID: e.RID, Args: e.Args})
}

// redo 恢复时重放一条 UPDATELOG 或 CLRLOG，页 LSN 不小于记录 LSN 时跳过
func (tm *TransactionManager) redo(e *logs.Entry) bool {
	if e.RID.IsNull() {
		return false
	}
	op, err := tm.ops.Lookup(OperationID(e.Op))
	if err != nil {
		logger.Panicf("redo lsn %d: %v", e.LSN, err)
	}
	p, err := tm.pool.Fetch(e.RID.Page)
	if err != nil {
		logger.Panicf("redo lsn %d: fetch page %d: %v", e.LSN, e.RID.Page, err)
	}
	defer tm.pool.Release(p)
	p.Latch.Lock()
	defer p.Latch.Unlock()

	if e.LSN <= p.LSN() {
		return false
	}
	if e.Type == logs.UpdateLog {
		err = op.Run(&OpContext{TM: tm, XID: e.XID, Page: p, LSN: e.LSN, RID: e.RID, Args: e.Args})
	} else {
		err = tm.applyUndo(op, e, p, e.LSN)
	}
	if err != nil {
		logger.Panicf("redo %s: %v", e, err)
	}
	p.SetLSN(e.LSN)
	p.MarkDirty()
	return true
}

// TruncationPoint 日志可以截断到的位置：当前写入前沿与活跃事务第一条记录中的较小者
func (tm *TransactionManager) TruncationPoint() common.LSN {
	point := tm.log.NextLSN()
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for _, tx := range tm.active {
		if first := tx.firstLSN(); first != common.InvalidLSN && first < point {
			point = first
		}
	}
	return point
}
