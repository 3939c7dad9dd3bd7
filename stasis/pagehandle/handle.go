package pagehandle

import (
	"encoding/binary"
	"errors"

	juju "github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/conf"
	"github.com/zhukovaskychina/xstasis/util"
)

var (
	ErrClosed         = errors.New("page handle is closed")
	ErrShortPage      = errors.New("page buffer is not PageSize bytes")
	ErrUnknownBackend = errors.New("unknown page store backend")
)

// Handle 缓冲池驱动的物理页 I/O。从未写过的页读出来是全零。
type Handle interface {
	Read(id common.PageID, buf []byte) error
	Write(id common.PageID, buf []byte) error
	// ForceFile 之前所有 Write 落盘
	ForceFile() error
	// ForceRange 只保证 [start, stop) 落盘，后端不支持时退化为 ForceFile
	ForceRange(start, stop common.PageID) error
	// PrefetchRange 提示即将读取 [start, stop)，可以忽略
	PrefetchRange(start, stop common.PageID)
	Close() error
}

// Open 按配置选择后端
func Open(cfg *conf.Cfg) (Handle, error) {
	if err := util.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}
	path := cfg.PageFilePath()
	var (
		h   Handle
		err error
	)
	switch cfg.PageStore {
	case conf.PageStoreFile:
		h, err = OpenFile(path, cfg.DirectIO)
	case conf.PageStoreBbolt:
		h, err = OpenBbolt(path)
	case conf.PageStoreBadger:
		h, err = OpenBadger(path)
	case conf.PageStorePebble:
		h, err = OpenPebble(path)
	case conf.PageStoreMemory:
		h = NewMemory()
	default:
		return nil, juju.Annotatef(ErrUnknownBackend, "%q", cfg.PageStore)
	}
	if err != nil {
		return nil, juju.Annotatef(err, "open %s page store at %s", cfg.PageStore, path)
	}
	logger.Infof("page store %s opened at %s", cfg.PageStore, path)
	return h, nil
}

// pageKey KV 后端的键，大端序保证按页号有序
func pageKey(id common.PageID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func checkBuf(buf []byte) error {
	if len(buf) != common.PageSize {
		return ErrShortPage
	}
	return nil
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
