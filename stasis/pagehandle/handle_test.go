package pagehandle

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/conf"
)

func pageOf(b byte) []byte {
	buf := make([]byte, common.PageSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestBackends(t *testing.T) {
	for _, backend := range []string{
		conf.PageStoreFile,
		conf.PageStoreBbolt,
		conf.PageStoreBadger,
		conf.PageStorePebble,
		conf.PageStoreMemory,
	} {
		t.Run(backend, func(t *testing.T) {
			cfg := conf.NewCfg()
			cfg.DataDir = t.TempDir()
			cfg.PageStore = backend

			h, err := Open(cfg)
			require.NoError(t, err)

			buf := make([]byte, common.PageSize)
			require.NoError(t, h.Read(5, buf))
			assert.Equal(t, pageOf(0), buf, "unwritten page reads as zeros")

			require.NoError(t, h.Write(5, pageOf(0xAB)))
			require.NoError(t, h.Write(2, pageOf(0x01)))
			require.NoError(t, h.ForceFile())
			require.NoError(t, h.ForceRange(2, 6))
			h.PrefetchRange(0, 8)

			require.NoError(t, h.Read(5, buf))
			assert.Equal(t, pageOf(0xAB), buf)
			require.NoError(t, h.Read(3, buf))
			assert.Equal(t, pageOf(0), buf)

			assert.ErrorIs(t, h.Write(1, make([]byte, 10)), ErrShortPage)

			if backend == conf.PageStoreMemory {
				return
			}
			require.NoError(t, h.Close())

			h, err = Open(cfg)
			require.NoError(t, err)
			defer h.Close()
			require.NoError(t, h.Read(2, buf))
			assert.Equal(t, pageOf(0x01), buf)
		})
	}
}

func TestFileHandleDirectIO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagefile.db")
	h, err := OpenFile(path, true)
	if err != nil {
		// tmpfs 等文件系统不支持 O_DIRECT
		t.Skipf("O_DIRECT unavailable: %v", err)
	}
	defer h.Close()

	require.NoError(t, h.Write(1, pageOf(7)))
	buf := make([]byte, common.PageSize)
	require.NoError(t, h.Read(1, buf))
	assert.Equal(t, pageOf(7), buf)
}

func TestClosedFileHandle(t *testing.T) {
	h, err := OpenFile(filepath.Join(t.TempDir(), "pagefile.db"), false)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Read(0, make([]byte, common.PageSize)), ErrClosed)
	require.NoError(t, h.Close())
}
