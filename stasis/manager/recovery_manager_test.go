package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/logs"
)

func TestRecoverDurability(t *testing.T) {
	env := newTestEnv(t)
	rid := env.newCounter(42)

	env.crashAndRecover()
	assert.Equal(t, int32(42), env.value(rid))
}

func TestRecoverUncommittedLogicalUpdates(t *testing.T) {
	env := newTestEnv(t)
	rid := env.newCounter(0)

	xid := env.begin()
	for i := 0; i < 9; i++ {
		require.NoError(t, env.tm.Tupdate(xid, rid, OpIncrement, EncodeDelta(1)))
	}
	env.commit(xid)

	xid = env.begin()
	for i := 0; i < 3; i++ {
		require.NoError(t, env.tm.Tupdate(xid, rid, OpDecrement, EncodeDelta(1)))
	}

	t.Run("脏页已写回", func(t *testing.T) {
		// 写回未提交的修改，恢复必须靠撤销而不是丢弃
		require.NoError(t, env.pool.ForceAll())
		env.crashAndRecover()
		assert.Equal(t, int32(9), env.value(rid))
	})

	t.Run("脏页丢失", func(t *testing.T) {
		xid := env.begin()
		for i := 0; i < 3; i++ {
			require.NoError(t, env.tm.Tupdate(xid, rid, OpDecrement, EncodeDelta(1)))
		}
		env.log.ForceAll()
		env.crashAndRecover()
		assert.Equal(t, int32(9), env.value(rid))
	})
}

func TestRecoverAbortedTransaction(t *testing.T) {
	env := newTestEnv(t)
	rid := env.newCounter(1)

	xid := env.begin()
	require.NoError(t, env.tm.Tset(xid, rid, int32Bytes(2)))
	require.NoError(t, env.tm.Tabort(xid))
	assert.Equal(t, int32(1), env.value(rid))

	env.crashAndRecover()
	assert.Equal(t, int32(1), env.value(rid))
}

func TestRecoverTwice(t *testing.T) {
	env := newTestEnv(t)
	rid := env.newCounter(5)

	xid := env.begin()
	require.NoError(t, env.tm.Tupdate(xid, rid, OpIncrement, EncodeDelta(3)))
	require.NoError(t, env.pool.ForceAll())
	env.crashAndRecover()
	assert.Equal(t, int32(5), env.value(rid))

	next := env.log.NextLSN()
	env.crashAndRecover()
	assert.Equal(t, int32(5), env.value(rid))

	// 第二次恢复不再撤销任何记录，只多出读取时的事务记录
	it := env.log.Forward(next)
	for it.Next() {
		assert.NotEqual(t, logs.CLRLog, it.Entry().Type)
	}
	require.NoError(t, it.Err())
}

func TestRecoverInterleavedTransactions(t *testing.T) {
	env := newTestEnv(t)
	r := []common.RecordID{env.newCounter(0), env.newCounter(0), env.newCounter(0), env.newCounter(0)}

	x1 := env.begin()
	x2 := env.begin()
	x3 := env.begin()
	x4 := env.begin()

	require.NoError(t, env.tm.Tset(x1, r[0], int32Bytes(10)))
	require.NoError(t, env.tm.Tupdate(x2, r[1], OpIncrement, EncodeDelta(5)))
	require.NoError(t, env.tm.Tset(x3, r[2], int32Bytes(30)))
	require.NoError(t, env.tm.Tupdate(x1, r[3], OpIncrement, EncodeDelta(1)))
	require.NoError(t, env.tm.Tupdate(x4, r[3], OpIncrement, EncodeDelta(4)))
	env.commit(x2)
	require.NoError(t, env.tm.Tupdate(x3, r[1], OpDecrement, EncodeDelta(2)))
	require.NoError(t, env.tm.Tabort(x1))
	env.commit(x4)
	require.NoError(t, env.tm.Tupdate(x3, r[3], OpIncrement, EncodeDelta(100)))

	require.NoError(t, env.pool.ForceAll())
	env.log.ForceAll()
	env.crashAndRecover()

	assert.Equal(t, int32(0), env.value(r[0]), "x1 中止")
	assert.Equal(t, int32(5), env.value(r[1]), "x2 提交, x3 未提交")
	assert.Equal(t, int32(0), env.value(r[2]), "x3 未提交")
	assert.Equal(t, int32(4), env.value(r[3]), "只保留 x4")
	assert.Empty(t, env.tm.ActiveTransactions())

	t.Run("xid 不与日志中的冲突", func(t *testing.T) {
		xid := env.begin()
		assert.Greater(t, xid, x4)
		env.commit(xid)
	})
}

func TestRecoverPreparedTransaction(t *testing.T) {
	env := newTestEnv(t)
	rid := env.newCounter(1)

	xid := env.begin()
	require.NoError(t, env.tm.Tset(xid, rid, int32Bytes(8)))
	require.NoError(t, env.tm.Tprepare(xid))
	assert.Equal(t, []common.XID{xid}, env.tm.PreparedTransactions())
	require.NoError(t, env.pool.ForceAll())

	env.crashAndRecover()
	require.Equal(t, []common.XID{xid}, env.tm.PreparedTransactions(), "prepare 过的事务被复活")

	t.Run("复活后提交", func(t *testing.T) {
		env.commit(xid)
		assert.Equal(t, int32(8), env.value(rid))
	})

	t.Run("复活后中止", func(t *testing.T) {
		x := env.begin()
		require.NoError(t, env.tm.Tset(x, rid, int32Bytes(9)))
		require.NoError(t, env.tm.Tprepare(x))
		env.crashAndRecover()
		require.Equal(t, []common.XID{x}, env.tm.PreparedTransactions())
		require.NoError(t, env.tm.Tabort(x))
		assert.Equal(t, int32(8), env.value(rid))

		env.crashAndRecover()
		assert.Empty(t, env.tm.ActiveTransactions())
		assert.Equal(t, int32(8), env.value(rid))
	})
}

func TestTrevive(t *testing.T) {
	env := newTestEnv(t)
	rid := env.newCounter(1)

	xid := env.begin()
	require.NoError(t, env.tm.Tset(xid, rid, int32Bytes(3)))
	require.NoError(t, env.tm.Tprepare(xid))
	tx, err := env.tm.Transaction(xid)
	require.NoError(t, err)
	last := tx.LastLSN()

	// 模拟外部协调者在另一个事务表中重新登记
	env.tm.mu.Lock()
	delete(env.tm.active, xid)
	env.tm.mu.Unlock()
	require.NoError(t, env.tm.Trevive(xid, last))
	assert.Error(t, env.tm.Trevive(xid, last))

	require.NoError(t, env.tm.Tabort(xid))
	assert.Equal(t, int32(1), env.value(rid))
}

func TestRecoverPreparedDealloc(t *testing.T) {
	env := newTestEnv(t)
	rid := env.newCounter(111)

	xid := env.begin()
	require.NoError(t, env.tm.Tdealloc(xid, rid))
	require.NoError(t, env.tm.Tprepare(xid))
	env.crashAndRecover()
	require.Equal(t, []common.XID{xid}, env.tm.PreparedTransactions())

	x := env.begin()
	_, err := env.tm.TallocFromPage(x, rid.Page, 4)
	assert.True(t, IsPageFull(err), "复活事务释放过记录的页不能被其他事务分配")
	other, err := env.tm.Talloc(x, 4)
	require.NoError(t, err)
	assert.NotEqual(t, rid.Page, other.Page)
	require.NoError(t, env.tm.Tset(x, other, int32Bytes(222)))
	env.commit(x)

	require.NoError(t, env.tm.Tabort(xid))
	assert.Equal(t, int32(111), env.value(rid))
	assert.Equal(t, int32(222), env.value(other))

	t.Run("结束后该页重新可用", func(t *testing.T) {
		x := env.begin()
		_, err := env.tm.TallocFromPage(x, rid.Page, 4)
		require.NoError(t, err)
		env.commit(x)
	})

	t.Run("Trevive 重建待释放记录", func(t *testing.T) {
		xid := env.begin()
		require.NoError(t, env.tm.Tdealloc(xid, rid))
		require.NoError(t, env.tm.Tprepare(xid))
		tx, err := env.tm.Transaction(xid)
		require.NoError(t, err)
		last := tx.LastLSN()

		// 事务表中的登记连同待释放信息一起丢失
		env.tm.finish(tx, false)
		require.NoError(t, env.tm.Trevive(xid, last))

		x := env.begin()
		_, err = env.tm.TallocFromPage(x, rid.Page, 4)
		assert.True(t, IsPageFull(err))
		env.commit(x)

		require.NoError(t, env.tm.Tabort(xid))
		assert.Equal(t, int32(111), env.value(rid))
	})
}

func TestRecoveryAnalysisPageRange(t *testing.T) {
	env := newTestEnv(t)
	rid := env.newCounter(7)
	env.crashAndRecover()

	rm := NewRecoveryManager(env.tm)
	require.NoError(t, rm.analysis())
	assert.Equal(t, common.RootRecord.Page, rm.minPage)
	assert.GreaterOrEqual(t, rm.maxPage, rid.Page)
}
