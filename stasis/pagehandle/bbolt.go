package pagehandle

import (
	"github.com/juju/errors"
	"go.etcd.io/bbolt"

	"github.com/zhukovaskychina/xstasis/stasis/common"
)

var pagesBucket = []byte("pages")

// BboltHandle 页存放在 bbolt 的一个 bucket 中，键为大端页号
type BboltHandle struct {
	db *bbolt.DB
}

// OpenBbolt 打开 bbolt 文件；写事务不单独 fsync，由 ForceFile 统一同步
func OpenBbolt(path string) (*BboltHandle, error) {
	db, err := bbolt.Open(path, 0644, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	db.NoSync = true

	tx, err := db.Begin(true)
	if err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	if _, err := tx.CreateBucketIfNotExists(pagesBucket); err != nil {
		_ = tx.Rollback()
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	if err := tx.Commit(); err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	return &BboltHandle{db: db}, nil
}

func (h *BboltHandle) Read(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	return h.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(pagesBucket).Get(pageKey(id))
		if val == nil {
			zero(buf)
			return nil
		}
		copy(buf, val)
		return nil
	})
}

func (h *BboltHandle) Write(id common.PageID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	val := make([]byte, len(buf))
	copy(val, buf)
	err := h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pagesBucket).Put(pageKey(id), val)
	})
	return errors.Annotatef(err, "write page %d", id)
}

func (h *BboltHandle) ForceFile() error {
	return errors.Trace(h.db.Sync())
}

func (h *BboltHandle) ForceRange(common.PageID, common.PageID) error {
	return h.ForceFile()
}

func (h *BboltHandle) PrefetchRange(common.PageID, common.PageID) {}

func (h *BboltHandle) Close() error {
	if err := h.db.Sync(); err != nil {
		_ = h.db.Close()
		return errors.Trace(err)
	}
	return errors.Trace(h.db.Close())
}
