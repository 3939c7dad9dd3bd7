package page

import (
	"errors"

	juju "github.com/juju/errors"
)

var (
	// 记录错误
	ErrRecordNotFound = errors.New("record not found")
	ErrRecordTooLarge = errors.New("record too large for page")
	ErrSizeMismatch   = errors.New("record size does not match page layout")

	// 页面错误
	ErrPageFull        = errors.New("not enough free space on page")
	ErrInvalidPageType = errors.New("invalid page type")
	ErrNotRecordPage   = errors.New("page type does not hold addressable records")
)

// IsNotFound 检查是否为记录未找到错误
func IsNotFound(err error) bool {
	return juju.Cause(err) == ErrRecordNotFound
}

// IsPageFull 检查是否为页空间不足，调用方应换页重试
func IsPageFull(err error) bool {
	return juju.Cause(err) == ErrPageFull
}
