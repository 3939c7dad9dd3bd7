package common

import "fmt"

// PageID 页号，页文件中按 PageSize 寻址
type PageID int64

// SlotID 页内槽位号
type SlotID int32

// LSN 日志序列号，等于日志中的逻辑字节偏移
type LSN int64

// XID 事务ID
type XID int32

// RecordID 记录的物理位置和声明长度
type RecordID struct {
	Page PageID
	Slot SlotID
	Size int64
}

func (rid RecordID) String() string {
	return fmt.Sprintf("{%d %d %d}", rid.Page, rid.Slot, rid.Size)
}

// IsNull 没有落在任何页上的记录，例如嵌套顶层动作的开始记录
func (rid RecordID) IsNull() bool {
	return rid.Page == InvalidPage
}

// WithSlot 返回同一页上另一个槽位
func (rid RecordID) WithSlot(slot SlotID) RecordID {
	rid.Slot = slot
	return rid
}
