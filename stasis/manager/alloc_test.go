package manager

import (
	"bytes"
	"testing"
	"time"

	juju "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/lockmgr"
	"github.com/zhukovaskychina/xstasis/stasis/page"
)

func TestTalloc(t *testing.T) {
	env := newTestEnv(t)

	xid := env.begin()
	r1, err := env.tm.Talloc(xid, 1500)
	require.NoError(t, err)
	r2, err := env.tm.Talloc(xid, 1500)
	require.NoError(t, err)
	r3, err := env.tm.Talloc(xid, 1500)
	require.NoError(t, err)
	assert.Equal(t, r1.Page, r2.Page)
	assert.NotEqual(t, r1.Page, r3.Page, "页满后换新页")
	assert.NotEqual(t, r1.Slot, r2.Slot)
	assert.Equal(t, int64(1500), r3.Size)

	_, err = env.tm.Talloc(xid, page.MaxSlottedRecord+1)
	assert.Equal(t, ErrRecordTooLarge, juju.Cause(err))
	env.commit(xid)

	t.Run("中止分配", func(t *testing.T) {
		xid := env.begin()
		rid, err := env.tm.Talloc(xid, 16)
		require.NoError(t, err)
		require.NoError(t, env.tm.Tabort(xid))

		xid = env.begin()
		defer env.commit(xid)
		typ, err := env.tm.TrecordType(xid, rid)
		require.NoError(t, err)
		assert.Equal(t, page.InvalidRecord, typ)
	})
}

func TestTdealloc(t *testing.T) {
	env := newTestEnv(t)
	rid := env.newCounter(42)

	t.Run("中止释放恢复内容", func(t *testing.T) {
		xid := env.begin()
		require.NoError(t, env.tm.Tdealloc(xid, rid))
		_, err := env.tm.Tread(xid, rid)
		assert.True(t, IsRecordNotFound(err))
		require.NoError(t, env.tm.Tabort(xid))
		assert.Equal(t, int32(42), env.value(rid))
	})

	t.Run("未提交的释放阻止其他事务在该页分配", func(t *testing.T) {
		x1 := env.begin()
		require.NoError(t, env.tm.Tdealloc(x1, rid))

		x2 := env.begin()
		_, err := env.tm.TallocFromPage(x2, rid.Page, 4)
		assert.True(t, IsPageFull(err))
		other, err := env.tm.Talloc(x2, 4)
		require.NoError(t, err)
		assert.NotEqual(t, rid.Page, other.Page)

		// 释放者自己可以复用
		again, err := env.tm.TallocFromPage(x1, rid.Page, 4)
		require.NoError(t, err)
		assert.Equal(t, rid.Page, again.Page)

		env.commit(x1)
		_, err = env.tm.TallocFromPage(x2, rid.Page, 4)
		require.NoError(t, err)
		env.commit(x2)
	})

	t.Run("数组元素不能单独释放", func(t *testing.T) {
		xid := env.begin()
		defer env.commit(xid)
		err := env.tm.Tdealloc(xid, common.RecordID{Page: rid.Page, Slot: common.RecordArray})
		assert.Equal(t, ErrInvalidRecordArray, juju.Cause(err))
	})
}

func TestTallocMany(t *testing.T) {
	env := newTestEnv(t)

	xid := env.begin()
	arr, err := env.tm.TallocMany(xid, 8, 10)
	require.NoError(t, err)
	assert.Equal(t, common.RecordArray, arr.Slot)
	require.NoError(t, env.tm.Tset(xid, arr.WithSlot(3), []byte("element3")))
	env.commit(xid)

	xid = env.begin()
	got, err := env.tm.Tread(xid, arr.WithSlot(3))
	require.NoError(t, err)
	assert.Equal(t, "element3", string(got))
	got, err = env.tm.Tread(xid, arr.WithSlot(9))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), got)

	_, err = env.tm.Tread(xid, arr.WithSlot(10))
	assert.True(t, IsRecordNotFound(err))
	_, err = env.tm.Tread(xid, arr)
	assert.Equal(t, ErrInvalidRecordArray, juju.Cause(err))
	env.commit(xid)

	t.Run("中止后区域可复用", func(t *testing.T) {
		xid := env.begin()
		aborted, err := env.tm.TallocMany(xid, 8, 10)
		require.NoError(t, err)
		require.NoError(t, env.tm.Tabort(xid))

		xid = env.begin()
		again, err := env.tm.TallocMany(xid, 8, 10)
		require.NoError(t, err)
		assert.Equal(t, aborted, again)
		env.commit(xid)
	})
}

func TestTallocManyMultiLevel(t *testing.T) {
	env := newTestEnv(t)

	const size = 1000
	perPage := page.FixedCapacity(size)
	count := perPage*page.IndirectFanout + 3

	xid := env.begin()
	arr, err := env.tm.TallocMany(xid, size, count)
	require.NoError(t, err)
	for _, i := range []int{0, count / 2, count - 1} {
		require.NoError(t, env.tm.Tset(xid, arr.WithSlot(common.SlotID(i)), bytes.Repeat([]byte{byte(i)}, size)))
	}
	env.commit(xid)

	check := func(t *testing.T) {
		xid := env.begin()
		defer env.commit(xid)
		for _, i := range []int{0, count / 2, count - 1} {
			got, err := env.tm.Tread(xid, arr.WithSlot(common.SlotID(i)))
			require.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte{byte(i)}, size), got)
		}
		_, err := env.tm.Tread(xid, arr.WithSlot(common.SlotID(count)))
		assert.True(t, IsRecordNotFound(err))
	}
	check(t)
	t.Run("重启后", func(t *testing.T) {
		env.restart()
		check(t)
	})
}

func TestAllocLockBeforeLogging(t *testing.T) {
	env := newTestEnv(t)
	env.locks = lockmgr.NewLockManager(20 * time.Millisecond)
	env.restart()
	rid := env.newCounter(5)

	// 分配后中止，槽位回到空闲链表，下次分配得到同一个槽位
	x1 := env.begin()
	slot, err := env.tm.TallocFromPage(x1, rid.Page, 4)
	require.NoError(t, err)
	require.NoError(t, env.tm.Tabort(x1))

	reader := env.begin()
	_, err = env.tm.Tread(reader, slot)
	assert.True(t, IsRecordNotFound(err))

	x2 := env.begin()
	_, err = env.tm.TallocFromPage(x2, rid.Page, 4)
	assert.Equal(t, lockmgr.ErrLockTimeout, juju.Cause(err))
	typ, err := env.tm.TrecordType(x2, slot)
	require.NoError(t, err)
	assert.Equal(t, page.InvalidRecord, typ, "加锁失败时不写分配记录")

	env.commit(reader)
	again, err := env.tm.TallocFromPage(x2, rid.Page, 4)
	require.NoError(t, err)
	assert.Equal(t, slot.Slot, again.Slot)
	env.commit(x2)
}
