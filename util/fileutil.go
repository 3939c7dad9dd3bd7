package util

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// EnsureDir 目录不存在时创建
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Annotatef(err, "create dir %s", dir)
	}
	return nil
}

// FileExists 判断文件是否存在
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SyncDir 同步目录项，rename 之后调用
func SyncDir(path string) error {
	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return errors.Trace(err)
	}
	defer d.Close()
	return errors.Trace(d.Sync())
}

// ReplaceFile 原子地用 tmp 替换 target
func ReplaceFile(tmp, target string) error {
	if err := os.Rename(tmp, target); err != nil {
		return errors.Annotatef(err, "rename %s -> %s", tmp, target)
	}
	return SyncDir(target)
}
