package common

const (
	PageSize = 4096 // 页大小（字节）

	// 页尾保留：页类型(int32) + LSN(int64)
	PageTypeSize = 4
	PageLSNSize  = 8
	TrailerSize  = PageTypeSize + PageLSNSize
	UsableSize   = PageSize - TrailerSize
)

const (
	InvalidLSN  LSN    = -1
	InvalidXID  XID    = -1
	InvalidPage PageID = -1
	InvalidSlot SlotID = -1

	// RecordArray 标记从槽位0开始的定长记录数组
	RecordArray SlotID = -1
)

const (
	DefaultMaxTransactions = 1000

	BootPage       PageID = 0 // 保留
	RootPage       PageID = 1 // 根记录所在页
	FirstRegionTag PageID = 2 // 第一个边界标签页

	RootRecordSize = 64
)

// RootRecord 应用启动时使用的众所周知的根记录
var RootRecord = RecordID{Page: RootPage, Slot: 0, Size: RootRecordSize}

// NullRID 不属于任何页的记录
var NullRID = RecordID{Page: InvalidPage, Slot: InvalidSlot, Size: 0}
