package lockmgr

import "errors"

var (
	// ErrDeadlock 等待会形成环，请求方应中止事务
	ErrDeadlock = errors.New("deadlock detected")
	// ErrLockTimeout 等待超过配置的时限
	ErrLockTimeout = errors.New("lock wait timeout")
	// ErrClosed 锁管理器已关闭
	ErrClosed = errors.New("lock manager is closed")
)
