//go:build linux

package pagehandle

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/zhukovaskychina/xstasis/logger"
)

func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

func syncRange(f *os.File, off, n int64) error {
	flags := unix.SYNC_FILE_RANGE_WAIT_BEFORE | unix.SYNC_FILE_RANGE_WRITE | unix.SYNC_FILE_RANGE_WAIT_AFTER
	if err := unix.SyncFileRange(int(f.Fd()), off, n, flags); err != nil {
		// 部分文件系统不支持，退化为整文件同步
		return datasync(f)
	}
	return nil
}

func prefetch(f *os.File, off, n int64) {
	if err := unix.Fadvise(int(f.Fd()), off, n, unix.FADV_WILLNEED); err != nil {
		logger.Debugf("fadvise %s: %v", f.Name(), err)
	}
}
