package buffer_pool

import "errors"

var (
	// ErrBusy 页被钉住或正在 I/O，写回稍后再试
	ErrBusy = errors.New("page is pinned or has I/O in flight")
	// ErrClosed 缓冲池已关闭
	ErrClosed = errors.New("buffer pool is closed")
)

// BufferPoolError 缓冲池错误结构
type BufferPoolError struct {
	Op  string // 操作名称
	Err error  // 原始错误
}

func (e *BufferPoolError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *BufferPoolError) Unwrap() error {
	return e.Err
}

// Cause 让 juju/errors.Cause 穿透到原始错误
func (e *BufferPoolError) Cause() error {
	return e.Err
}

// NewError 创建新的缓冲池错误
func NewError(op string, err error) error {
	return &BufferPoolError{
		Op:  op,
		Err: err,
	}
}

// IsBusy 检查是否为页忙
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
