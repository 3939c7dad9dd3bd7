package manager

import (
	"errors"

	juju "github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/stasis/page"
)

var (
	// ErrExceedMaxTransactions 事务表已满
	ErrExceedMaxTransactions = errors.New("exceed max transactions")
	// ErrInvalidTransaction xid 不对应活跃事务
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrUnknownOperation 操作未注册
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrDuplicateOperation 操作号已被注册
	ErrDuplicateOperation = errors.New("operation already registered")
	// ErrNestedTopAction 结束的不是最内层的嵌套顶层动作
	ErrNestedTopAction = errors.New("nested top action is not innermost")
	// ErrInvalidRegion 地址不是已分配区域的第一页
	ErrInvalidRegion = errors.New("not the first page of an allocated region")
	// ErrInvalidRecordArray 数组记录缺少下标
	ErrInvalidRecordArray = errors.New("record array accessed without an index")

	// 记录层错误沿用页层的定义
	ErrRecordNotFound = page.ErrRecordNotFound
	ErrRecordTooLarge = page.ErrRecordTooLarge
	ErrPageFull       = page.ErrPageFull
	ErrSizeMismatch   = page.ErrSizeMismatch
)

// IsRecordNotFound 记录不存在
func IsRecordNotFound(err error) bool {
	return juju.Cause(err) == ErrRecordNotFound
}

// IsPageFull 分配失败，调用方应换一个页重试
func IsPageFull(err error) bool {
	return juju.Cause(err) == ErrPageFull
}
