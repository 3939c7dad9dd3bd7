package stasis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/conf"
	"github.com/zhukovaskychina/xstasis/stasis/logs"
	"github.com/zhukovaskychina/xstasis/stasis/manager"
	"github.com/zhukovaskychina/xstasis/stasis/pagehandle"
	"github.com/zhukovaskychina/xstasis/util"
)

func testCfg(t *testing.T, pageStore string) *conf.Cfg {
	cfg := conf.NewCfg()
	cfg.DataDir = t.TempDir()
	cfg.PageStore = pageStore
	cfg.PoolSize = 32
	cfg.LogLevel = "warn"
	return cfg
}

func openStore(t *testing.T, cfg *conf.Cfg, opts ...Option) *Store {
	s, err := Open(cfg, opts...)
	require.NoError(t, err)
	return s
}

func setValue(t *testing.T, s *Store, rid common.RecordID, v int32) {
	xid, err := s.Tbegin()
	require.NoError(t, err)
	b := make([]byte, 4)
	util.PutInt32(b, 0, v)
	require.NoError(t, s.Tset(xid, rid, b))
	require.NoError(t, s.Tcommit(xid))
}

func readValue(t *testing.T, s *Store, rid common.RecordID) int32 {
	xid, err := s.Tbegin()
	require.NoError(t, err)
	b, err := s.Tread(xid, rid)
	require.NoError(t, err)
	require.NoError(t, s.Tcommit(xid))
	return util.GetInt32(b, 0)
}

func allocCounter(t *testing.T, s *Store) common.RecordID {
	xid, err := s.Tbegin()
	require.NoError(t, err)
	rid, err := s.Talloc(xid, 4)
	require.NoError(t, err)
	require.NoError(t, s.Tcommit(xid))
	return rid
}

func TestStoreDurability(t *testing.T) {
	for _, backend := range []string{conf.PageStoreFile, conf.PageStoreBbolt, conf.PageStoreBadger, conf.PageStorePebble} {
		t.Run(backend, func(t *testing.T) {
			cfg := testCfg(t, backend)
			s := openStore(t, cfg)
			rid := allocCounter(t, s)
			setValue(t, s, rid, 42)
			require.NoError(t, s.Close())

			s = openStore(t, cfg)
			assert.Equal(t, int32(42), readValue(t, s, rid))
			s.Crash()

			s = openStore(t, cfg)
			defer s.Close()
			assert.Equal(t, int32(42), readValue(t, s, rid))
		})
	}
}

func TestStoreRootRecord(t *testing.T) {
	cfg := testCfg(t, conf.PageStoreFile)
	s := openStore(t, cfg)
	xid, err := s.Tbegin()
	require.NoError(t, err)
	size, err := s.TrecordSize(xid, common.RootRecord)
	require.NoError(t, err)
	assert.Equal(t, int64(common.RootRecordSize), size)
	require.NoError(t, s.Tset(xid, common.RootRecord, make([]byte, common.RootRecordSize)))
	require.NoError(t, s.Tcommit(xid))
	require.NoError(t, s.Close())

	t.Run("重复关闭", func(t *testing.T) {
		assert.Equal(t, ErrClosed, s.Close())
	})
}

func TestStoreCrashRecovery(t *testing.T) {
	h := pagehandle.NewMemory()
	cfg := testCfg(t, conf.PageStoreMemory)
	s := openStore(t, cfg, WithPageHandle(h))
	rid := allocCounter(t, s)

	xid, err := s.Tbegin()
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		require.NoError(t, s.Tupdate(xid, rid, manager.OpIncrement, manager.EncodeDelta(1)))
	}
	require.NoError(t, s.Tcommit(xid))

	xid, err = s.Tbegin()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Tupdate(xid, rid, manager.OpDecrement, manager.EncodeDelta(1)))
	}
	s.Crash()

	s = openStore(t, cfg, WithPageHandle(h))
	assert.Equal(t, int32(9), readValue(t, s, rid))
	s.Crash()

	t.Run("再次恢复", func(t *testing.T) {
		s := openStore(t, cfg, WithPageHandle(h))
		defer s.Close()
		assert.Equal(t, int32(9), readValue(t, s, rid))
		assert.Empty(t, s.ActiveTransactions())
	})
}

func TestStoreTruncateLog(t *testing.T) {
	cfg := testCfg(t, conf.PageStoreFile)
	s := openStore(t, cfg)
	rid := allocCounter(t, s)
	for i := int32(0); i < 20; i++ {
		setValue(t, s, rid, i)
	}

	xid, err := s.Tbegin()
	require.NoError(t, err)
	require.NoError(t, s.Tupdate(xid, rid, manager.OpIncrement, manager.EncodeDelta(100)))
	tx, err := s.Transaction(xid)
	require.NoError(t, err)
	before := s.Stats().FirstLSN

	first, err := s.TruncateLog()
	require.NoError(t, err)
	assert.Greater(t, first, before)
	assert.Equal(t, tx.FirstLSN, first, "不越过活跃事务的第一条记录")

	_, err = s.Log().Read(before)
	assert.True(t, logs.IsNotFound(err))
	s.Crash()

	s = openStore(t, cfg)
	defer s.Close()
	assert.Equal(t, int32(19), readValue(t, s, rid))
	assert.Equal(t, first, s.Stats().FirstLSN)
}

func TestStoreLockManager(t *testing.T) {
	cfg := testCfg(t, conf.PageStoreFile)
	cfg.LockManager = conf.LockManagerRecord
	s := openStore(t, cfg)
	defer s.Close()
	rid := allocCounter(t, s)

	x1, err := s.Tbegin()
	require.NoError(t, err)
	_, err = s.Tread(x1, rid)
	require.NoError(t, err)
	x2, err := s.Tbegin()
	require.NoError(t, err)
	_, err = s.Tread(x2, rid)
	require.NoError(t, err, "共享锁相容")
	require.NoError(t, s.Tcommit(x1))
	require.NoError(t, s.Tupdate(x2, rid, manager.OpIncrement, manager.EncodeDelta(1)))
	require.NoError(t, s.Tcommit(x2))
	assert.Equal(t, int32(1), readValue(t, s, rid))
}

func TestStoreUserOperations(t *testing.T) {
	const opNegate = manager.OpUserBase
	negate := func(ctx *manager.OpContext) error {
		rec, err := ctx.Page.Impl().Write(ctx.Page, ctx.RID)
		if err != nil {
			return err
		}
		util.PutInt32(rec, 0, -util.GetInt32(rec, 0))
		return nil
	}
	register := WithOperations(func(ops *manager.OperationTable) error {
		return ops.Register(manager.Operation{ID: opNegate, Name: "negate", Undo: manager.Logical(opNegate), Run: negate})
	})

	cfg := testCfg(t, conf.PageStoreFile)
	s := openStore(t, cfg, register)
	rid := allocCounter(t, s)
	setValue(t, s, rid, 5)

	xid, err := s.Tbegin()
	require.NoError(t, err)
	require.NoError(t, s.Tupdate(xid, rid, opNegate, nil))
	require.NoError(t, s.Tcommit(xid))
	s.Crash()

	s = openStore(t, cfg, register)
	defer s.Close()
	assert.Equal(t, int32(-5), readValue(t, s, rid))
	assert.Positive(t, s.Stats().Log.Appends)
}
