package manager

import (
	"sync"

	"github.com/zhukovaskychina/xstasis/stasis/common"
)

// 事务状态
const (
	TRX_STATE_ACTIVE uint8 = iota
	TRX_STATE_PREPARED
	TRX_STATE_ABORTING
)

// Transaction 活跃事务。同一事务的操作由一个 goroutine 串行发起。
type Transaction struct {
	XID common.XID

	mu sync.Mutex
	// PrevLSN 该事务最近一条日志记录，串起 prevLSN 链
	PrevLSN common.LSN
	// FirstLSN 第一条日志记录，日志截断不能越过它
	FirstLSN common.LSN
	State    uint8

	// ntaStack 未结束的嵌套顶层动作的开始记录
	ntaStack []common.LSN
	// condemned 提交时变为空闲的区域标签页
	condemned []common.PageID
	// freedPages 本事务释放过记录的页，结束前其他事务不在这些页上分配
	freedPages map[common.PageID]int
}

func newTransaction(xid common.XID) *Transaction {
	return &Transaction{
		XID:      xid,
		PrevLSN:  common.InvalidLSN,
		FirstLSN: common.InvalidLSN,
		State:    TRX_STATE_ACTIVE,
	}
}

// LastLSN 当前 prevLSN 链的末端
func (tx *Transaction) LastLSN() common.LSN {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.PrevLSN
}

func (tx *Transaction) firstLSN() common.LSN {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.FirstLSN
}

// NestedTopAction 嵌套顶层动作句柄
type NestedTopAction struct {
	xid      common.XID
	beginLSN common.LSN
}

// BeginLSN 开始记录的 LSN
func (h *NestedTopAction) BeginLSN() common.LSN {
	return h.beginLSN
}
