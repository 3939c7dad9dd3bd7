//go:build !linux

package logs

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
