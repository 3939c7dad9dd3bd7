package logs

import (
	"errors"

	juju "github.com/juju/errors"
)

var (
	// ErrNotFound LSN 超出写入前沿或早于截断点
	ErrNotFound = errors.New("log entry not found")
	// ErrCorrupt 长度或校验和不匹配
	ErrCorrupt = errors.New("log entry corrupted")
	ErrClosed  = errors.New("log file is closed")
	// ErrBadTruncation 截断点不在日志范围内
	ErrBadTruncation = errors.New("truncation point outside the log")
)

// IsNotFound 检查是否为日志未找到错误
func IsNotFound(err error) bool {
	return juju.Cause(err) == ErrNotFound
}

// IsCorrupt 检查是否为日志损坏
func IsCorrupt(err error) bool {
	return juju.Cause(err) == ErrCorrupt
}
