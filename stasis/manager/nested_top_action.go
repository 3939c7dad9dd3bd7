package manager

import (
	juju "github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/logs"
)

// BeginNestedTopAction 记录一条不落在页上的开始记录。op 的撤销方式决定整个动作回滚时做什么。
// 同一事务内可以嵌套，按后进先出结束。
func (tm *TransactionManager) BeginNestedTopAction(xid common.XID, op OperationID, args []byte) (*NestedTopAction, error) {
	tx, err := tm.transaction(xid)
	if err != nil {
		return nil, err
	}
	return tm.beginNTA(tx, op, args)
}

func (tm *TransactionManager) beginNTA(tx *Transaction, op OperationID, args []byte) (*NestedTopAction, error) {
	lsn, err := tm.update(tx, common.NullRID, op, args)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	tx.ntaStack = append(tx.ntaStack, lsn)
	tx.mu.Unlock()
	return &NestedTopAction{xid: tx.XID, beginLSN: lsn}, nil
}

// EndNestedTopAction 写一条 CLR，撤销时从事务当前末尾直接跳回开始记录
func (tm *TransactionManager) EndNestedTopAction(xid common.XID, h *NestedTopAction) (common.LSN, error) {
	tx, err := tm.transaction(xid)
	if err != nil {
		return common.InvalidLSN, err
	}
	return tm.endNTA(tx, h)
}

func (tm *TransactionManager) endNTA(tx *Transaction, h *NestedTopAction) (common.LSN, error) {
	tx.mu.Lock()
	n := len(tx.ntaStack)
	if h.xid != tx.XID || n == 0 || tx.ntaStack[n-1] != h.beginLSN {
		tx.mu.Unlock()
		return common.InvalidLSN, juju.Annotatef(ErrNestedTopAction, "xid %d begin lsn %d", tx.XID, h.beginLSN)
	}
	tx.ntaStack = tx.ntaStack[:n-1]
	undone := tx.PrevLSN
	tx.mu.Unlock()

	return tm.appendLog(tx, &logs.Entry{
		Type:     logs.CLRLog,
		Undone:   undone,
		UndoNext: h.beginLSN,
		Op:       int32(OpNoop),
		RID:      common.NullRID,
	}), nil
}
