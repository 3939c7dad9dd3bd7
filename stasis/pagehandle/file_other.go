//go:build !linux

package pagehandle

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}

func syncRange(f *os.File, _, _ int64) error {
	return f.Sync()
}

func prefetch(*os.File, int64, int64) {}
