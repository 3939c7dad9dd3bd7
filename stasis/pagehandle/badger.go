package pagehandle

import (
	"github.com/dgraph-io/badger"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/util"
)

// BadgerHandle 页存放在 badger 中，每次写入同步落盘
type BadgerHandle struct {
	db *badger.DB
}

// OpenBadger 打开 badger 目录
func OpenBadger(dir string) (*BadgerHandle, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir)
	opts = opts.WithLogger(logger.Logger)
	opts = opts.WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &BadgerHandle{db: db}, nil
}

func (h *BadgerHandle) Read(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	return h.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(pageKey(id))
		if err == badger.ErrKeyNotFound {
			zero(buf)
			return nil
		} else if err != nil {
			return errors.Annotatef(err, "read page %d", id)
		}
		return item.Value(func(val []byte) error {
			copy(buf, val)
			return nil
		})
	})
}

func (h *BadgerHandle) Write(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	val := make([]byte, len(buf))
	copy(val, buf)
	err := h.db.Update(func(tx *badger.Txn) error {
		return tx.Set(pageKey(id), val)
	})
	return errors.Annotatef(err, "write page %d", id)
}

// ForceFile SyncWrites 打开时每次提交都已落盘
func (h *BadgerHandle) ForceFile() error {
	return nil
}

func (h *BadgerHandle) ForceRange(common.PageID, common.PageID) error {
	return nil
}

func (h *BadgerHandle) PrefetchRange(common.PageID, common.PageID) {}

func (h *BadgerHandle) Close() error {
	return errors.Trace(h.db.Close())
}
