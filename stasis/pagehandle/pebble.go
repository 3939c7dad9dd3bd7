package pagehandle

import (
	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
)

// PebbleHandle 页存放在 pebble 中；写入不同步，ForceFile 时提交一次同步批次
type PebbleHandle struct {
	db *pebble.DB
}

// OpenPebble 打开 pebble 目录
func OpenPebble(dir string) (*PebbleHandle, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		Logger: logger.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &PebbleHandle{db: db}, nil
}

func (h *PebbleHandle) Read(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	val, closer, err := h.db.Get(pageKey(id))
	if err == pebble.ErrNotFound {
		zero(buf)
		return nil
	} else if err != nil {
		return errors.Annotatef(err, "read page %d", id)
	}
	copy(buf, val)
	return errors.Trace(closer.Close())
}

func (h *PebbleHandle) Write(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	return errors.Annotatef(h.db.Set(pageKey(id), buf, pebble.NoSync), "write page %d", id)
}

// ForceFile 同步提交一个空批次，pebble 会把之前的 WAL 一并刷盘
func (h *PebbleHandle) ForceFile() error {
	b := h.db.NewBatch()
	if err := b.LogData(nil, nil); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.Commit(pebble.Sync))
}

func (h *PebbleHandle) ForceRange(common.PageID, common.PageID) error {
	return h.ForceFile()
}

func (h *PebbleHandle) PrefetchRange(common.PageID, common.PageID) {}

func (h *PebbleHandle) Close() error {
	if err := h.ForceFile(); err != nil {
		_ = h.db.Close()
		return err
	}
	return errors.Trace(h.db.Close())
}
