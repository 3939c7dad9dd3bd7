package lockmgr

import (
	"sync"
	"time"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
)

// LockType 锁类型
type LockType int

const (
	LOCK_S LockType = iota // 共享锁
	LOCK_X                 // 排他锁
)

func (t LockType) String() string {
	if t == LOCK_X {
		return "X"
	}
	return "S"
}

// resourceID 记录粒度的资源，不含记录长度
type resourceID struct {
	page common.PageID
	slot common.SlotID
}

func makeResourceID(rid common.RecordID) resourceID {
	return resourceID{page: rid.Page, slot: rid.Slot}
}

// lockRequest 锁请求
type lockRequest struct {
	xid      common.XID
	lockType LockType
	granted  bool
	// upgrade 已持有 S 锁的事务申请 X 锁
	upgrade bool
	wait    chan struct{}
	created time.Time
}

// lockQueue 一个资源上的请求队列，已授予的在前，等待者按到达顺序
type lockQueue struct {
	requests []*lockRequest
}

// LockManager 记录锁管理器，严格两阶段：锁只在事务提交或中止时释放
type LockManager struct {
	mu        sync.Mutex
	lockTable map[resourceID]*lockQueue
	waitGraph map[common.XID][]common.XID
	txnLocks  map[common.XID]map[resourceID]struct{}
	timeout   time.Duration
	closed    bool
}

// NewLockManager 创建锁管理器，timeout 为 0 表示无限等待
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		lockTable: make(map[resourceID]*lockQueue),
		waitGraph: make(map[common.XID][]common.XID),
		txnLocks:  make(map[common.XID]map[resourceID]struct{}),
		timeout:   timeout,
	}
}

// ReadLockRecord 对记录加共享锁
func (lm *LockManager) ReadLockRecord(xid common.XID, rid common.RecordID) error {
	return lm.AcquireLock(xid, rid, LOCK_S)
}

// WriteLockRecord 对记录加排他锁
func (lm *LockManager) WriteLockRecord(xid common.XID, rid common.RecordID) error {
	return lm.AcquireLock(xid, rid, LOCK_X)
}

// Commit 事务提交时释放全部锁
func (lm *LockManager) Commit(xid common.XID) {
	lm.ReleaseLocks(xid)
}

// Abort 事务中止时释放全部锁
func (lm *LockManager) Abort(xid common.XID) {
	lm.ReleaseLocks(xid)
}

// Close 唤醒所有等待者并拒绝之后的请求
func (lm *LockManager) Close() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.closed = true
	for _, q := range lm.lockTable {
		for _, req := range q.requests {
			if !req.granted {
				close(req.wait)
			}
		}
	}
	lm.lockTable = make(map[resourceID]*lockQueue)
	lm.waitGraph = make(map[common.XID][]common.XID)
	lm.txnLocks = make(map[common.XID]map[resourceID]struct{})
}

// isLockCompatible 检查锁兼容性
func isLockCompatible(existing, requested LockType) bool {
	return existing == LOCK_S && requested == LOCK_S
}

// AcquireLock 获取锁，冲突时阻塞直到授予、死锁或超时
func (lm *LockManager) AcquireLock(xid common.XID, rid common.RecordID, lockType LockType) error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return ErrClosed
	}
	key := makeResourceID(rid)
	q, ok := lm.lockTable[key]
	if !ok {
		q = &lockQueue{}
		lm.lockTable[key] = q
	}

	// 检查是否已持有锁
	upgrade := false
	for _, req := range q.requests {
		if req.xid != xid || !req.granted {
			continue
		}
		if req.lockType == LOCK_X || lockType == LOCK_S {
			lm.mu.Unlock()
			return nil
		}
		if len(lm.conflicts(q, xid, LOCK_X)) == 0 {
			req.lockType = LOCK_X
			lm.mu.Unlock()
			return nil
		}
		upgrade = true
	}

	req := &lockRequest{
		xid:      xid,
		lockType: lockType,
		upgrade:  upgrade,
		wait:     make(chan struct{}),
		created:  time.Now(),
	}
	holders := lm.conflicts(q, xid, lockType)
	if len(holders) == 0 && !q.hasWaiters() {
		req.granted = true
		q.requests = append(q.requests, req)
		lm.remember(xid, key)
		lm.mu.Unlock()
		return nil
	}

	q.requests = append(q.requests, req)
	lm.updateWaitGraph(xid, lm.blockers(q, req))
	if lm.checkDeadlock(xid, xid, make(map[common.XID]bool)) {
		q.remove(req)
		delete(lm.waitGraph, xid)
		lm.dropIfEmpty(key, q)
		lm.mu.Unlock()
		logger.Debugf("xid %d: deadlock on %s lock for %s", xid, lockType, rid)
		return ErrDeadlock
	}
	lm.mu.Unlock()

	var timer <-chan time.Time
	if lm.timeout > 0 {
		t := time.NewTimer(lm.timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-req.wait:
	case <-timer:
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if req.granted {
		lm.remember(xid, key)
		return nil
	}
	if lm.closed {
		return ErrClosed
	}
	q.remove(req)
	delete(lm.waitGraph, xid)
	lm.grantWaitingLocks(key, q)
	return ErrLockTimeout
}

// conflicts 其他事务已授予且与请求不兼容的持有者
func (lm *LockManager) conflicts(q *lockQueue, xid common.XID, lockType LockType) []common.XID {
	var holders []common.XID
	for _, r := range q.requests {
		if r.granted && r.xid != xid && !isLockCompatible(r.lockType, lockType) {
			holders = append(holders, r.xid)
		}
	}
	return holders
}

// blockers 请求需要等待的事务：不兼容的持有者以及排在前面的等待者
func (lm *LockManager) blockers(q *lockQueue, req *lockRequest) []common.XID {
	blocking := lm.conflicts(q, req.xid, req.lockType)
	for _, r := range q.requests {
		if r == req {
			break
		}
		if !r.granted && r.xid != req.xid && !req.upgrade {
			blocking = append(blocking, r.xid)
		}
	}
	return blocking
}

func (q *lockQueue) hasWaiters() bool {
	for _, r := range q.requests {
		if !r.granted {
			return true
		}
	}
	return false
}

func (q *lockQueue) remove(req *lockRequest) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

func (lm *LockManager) remember(xid common.XID, key resourceID) {
	held, ok := lm.txnLocks[xid]
	if !ok {
		held = make(map[resourceID]struct{})
		lm.txnLocks[xid] = held
	}
	held[key] = struct{}{}
}

func (lm *LockManager) dropIfEmpty(key resourceID, q *lockQueue) {
	if len(q.requests) == 0 {
		delete(lm.lockTable, key)
	}
}

// checkDeadlock 从 start 出发沿等待图能回到 start 即为死锁
func (lm *LockManager) checkDeadlock(start, xid common.XID, visited map[common.XID]bool) bool {
	for _, next := range lm.waitGraph[xid] {
		if next == start {
			return true
		}
		if visited[next] {
			continue
		}
		visited[next] = true
		if lm.checkDeadlock(start, next, visited) {
			return true
		}
	}
	return false
}

// updateWaitGraph 更新等待图
func (lm *LockManager) updateWaitGraph(waitingXID common.XID, holding []common.XID) {
	if len(holding) == 0 {
		delete(lm.waitGraph, waitingXID)
		return
	}
	lm.waitGraph[waitingXID] = holding
}

// ReleaseLocks 释放事务持有的所有锁
func (lm *LockManager) ReleaseLocks(xid common.XID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	held := lm.txnLocks[xid]
	delete(lm.txnLocks, xid)
	delete(lm.waitGraph, xid)

	for key := range held {
		q := lm.lockTable[key]
		if q == nil {
			continue
		}
		kept := q.requests[:0]
		for _, r := range q.requests {
			if r.xid != xid {
				kept = append(kept, r)
			}
		}
		q.requests = kept
		lm.grantWaitingLocks(key, q)
	}
}

// grantWaitingLocks 按到达顺序授予等待的锁，锁升级不受排队限制
func (lm *LockManager) grantWaitingLocks(key resourceID, q *lockQueue) {
	var upgraded []*lockRequest
	blocked := false
	for _, waiting := range q.requests {
		if waiting.granted || (blocked && !waiting.upgrade) {
			continue
		}
		if len(lm.conflicts(q, waiting.xid, waiting.lockType)) > 0 {
			if !waiting.upgrade {
				blocked = true
			}
			continue
		}
		waiting.granted = true
		delete(lm.waitGraph, waiting.xid)
		if waiting.upgrade {
			upgraded = append(upgraded, waiting)
		}
		close(waiting.wait)
	}
	// 升级完成，去掉原来的 S 锁
	for _, up := range upgraded {
		for _, r := range q.requests {
			if r != up && r.xid == up.xid {
				q.remove(r)
				break
			}
		}
	}
	// 剩下的等待者重新计算等待对象
	for _, r := range q.requests {
		if !r.granted {
			lm.updateWaitGraph(r.xid, lm.blockers(q, r))
		}
	}
	lm.dropIfEmpty(key, q)
}
