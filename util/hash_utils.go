package util

import (
	"github.com/OneOfOne/xxhash"
)

// Checksum 日志记录校验和，取 xxhash64 低32位
func Checksum(data []byte) uint32 {
	return uint32(xxhash.Checksum64(data))
}
