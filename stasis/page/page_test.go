package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstasis/stasis/common"
)

func newTestPage(id common.PageID) *Page {
	return New(id, make([]byte, common.PageSize))
}

func TestPageTrailer(t *testing.T) {
	p := newTestPage(3)
	assert.Equal(t, UninitializedPage, p.Type())
	assert.Equal(t, common.LSN(0), p.LSN())

	p.SetLSN(100)
	assert.Equal(t, common.LSN(100), p.LSN())

	t.Run("LSN只增不减", func(t *testing.T) {
		p.SetLSN(50)
		assert.Equal(t, common.LSN(100), p.LSN())
	})

	t.Run("格式化保留LSN", func(t *testing.T) {
		InitSlotted(p)
		assert.Equal(t, SlottedPage, p.Type())
		assert.Equal(t, common.LSN(100), p.LSN())
		assert.True(t, p.IsDirty())
	})

	t.Run("损坏的类型标签", func(t *testing.T) {
		q := newTestPage(4)
		q.setType(PageType(99))
		assert.Panics(t, func() { q.Impl() })
	})
}

func TestPageImage(t *testing.T) {
	p := newTestPage(1)
	InitSlotted(p)
	rid, err := p.Impl().PreAlloc(p, 4)
	require.NoError(t, err)
	require.NoError(t, p.Impl().PostAlloc(p, rid))
	p.SetLSN(10)
	img := p.Image()

	require.NoError(t, InitFixed(p, 8))
	p.SetLSN(20)
	assert.Equal(t, FixedPage, p.Type())

	p.RestoreImage(img)
	assert.Equal(t, SlottedPage, p.Type())
	assert.Equal(t, common.LSN(20), p.LSN())
	assert.Equal(t, NormalRecord, RecordTypeOf(p, rid))
}

func TestSlottedPage(t *testing.T) {
	p := newTestPage(7)
	InitSlotted(p)
	impl := p.Impl()

	alloc := func(size int64) common.RecordID {
		rid, err := impl.PreAlloc(p, size)
		require.NoError(t, err)
		require.NoError(t, impl.PostAlloc(p, rid))
		return rid
	}

	t.Run("分配与读写", func(t *testing.T) {
		a := alloc(5)
		b := alloc(11)
		assert.Equal(t, common.SlotID(0), a.Slot)
		assert.Equal(t, common.SlotID(1), b.Slot)

		buf, err := WriteRecord(p, a)
		require.NoError(t, err)
		copy(buf, "hello")
		got, err := ReadRecord(p, a)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
		assert.Equal(t, int64(11), RecordLength(p, b))
	})

	t.Run("释放后槽位复用", func(t *testing.T) {
		rids := Records(p)
		require.Len(t, rids, 2)
		require.NoError(t, impl.Free(p, rids[0]))
		assert.Equal(t, InvalidRecord, RecordTypeOf(p, rids[0]))
		_, err := ReadRecord(p, rids[0])
		assert.True(t, IsNotFound(err))

		c := alloc(3)
		assert.Equal(t, rids[0].Slot, c.Slot)
	})

	t.Run("压缩不改变槽位号", func(t *testing.T) {
		q := newTestPage(8)
		InitSlotted(q)
		var rids []common.RecordID
		for i := 0; i < 4; i++ {
			rid, err := q.Impl().PreAlloc(q, 100)
			require.NoError(t, err)
			require.NoError(t, q.Impl().PostAlloc(q, rid))
			buf, _ := WriteRecord(q, rid)
			for j := range buf {
				buf[j] = byte(i)
			}
			rids = append(rids, rid)
		}
		require.NoError(t, q.Impl().Free(q, rids[1]))
		q.Impl().Compact(q)
		for _, i := range []int{0, 2, 3} {
			got, err := ReadRecord(q, rids[i])
			require.NoError(t, err)
			assert.Equal(t, byte(i), got[0])
			assert.Equal(t, byte(i), got[99])
		}
		assert.Equal(t, 300, freeSpaceStart(q))
	})

	t.Run("空间不足", func(t *testing.T) {
		q := newTestPage(9)
		InitSlotted(q)
		free := q.Impl().FreeSpace(q)
		_, err := q.Impl().PreAlloc(q, int64(free+1))
		assert.Error(t, err)
		rid, err := q.Impl().PreAlloc(q, int64(free))
		require.NoError(t, err)
		require.NoError(t, q.Impl().PostAlloc(q, rid))
		_, err = q.Impl().PreAlloc(q, 1)
		assert.True(t, IsPageFull(err))
	})

	t.Run("重做时分配任意槽位", func(t *testing.T) {
		q := newTestPage(10)
		InitSlotted(q)
		rid := common.RecordID{Page: 10, Slot: 3, Size: 8}
		require.NoError(t, q.Impl().PostAlloc(q, rid))
		assert.Equal(t, 4, numSlots(q))
		// 重复执行是幂等的
		require.NoError(t, q.Impl().PostAlloc(q, rid))

		next, err := q.Impl().PreAlloc(q, 8)
		require.NoError(t, err)
		assert.Less(t, int(next.Slot), 3)
		require.NoError(t, q.Impl().PostAlloc(q, common.RecordID{Page: 10, Slot: 1, Size: 2}))
		assert.Equal(t, NormalRecord, RecordTypeOf(q, common.RecordID{Page: 10, Slot: 1}))
		assert.Len(t, Records(q), 2)
	})
}

func TestFixedPage(t *testing.T) {
	p := newTestPage(2)
	require.NoError(t, InitFixed(p, 8))
	impl := p.Impl()

	for i := 0; i < 3; i++ {
		rid, err := impl.PreAlloc(p, 8)
		require.NoError(t, err)
		assert.Equal(t, common.SlotID(i), rid.Slot)
		require.NoError(t, impl.PostAlloc(p, rid))
	}
	assert.Equal(t, 3, FixedRecordCount(p))

	_, err := impl.PreAlloc(p, 4)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	t.Run("释放末尾记录收缩计数", func(t *testing.T) {
		require.NoError(t, impl.Free(p, common.RecordID{Page: 2, Slot: 2, Size: 8}))
		assert.Equal(t, 2, FixedRecordCount(p))
		require.NoError(t, impl.Free(p, common.RecordID{Page: 2, Slot: 0, Size: 8}))
		assert.Equal(t, 2, FixedRecordCount(p))
	})

	t.Run("写满", func(t *testing.T) {
		q := newTestPage(5)
		require.NoError(t, InitFixed(q, 1000))
		for i := 0; i < FixedCapacity(1000); i++ {
			rid, err := q.Impl().PreAlloc(q, 1000)
			require.NoError(t, err)
			require.NoError(t, q.Impl().PostAlloc(q, rid))
		}
		_, err := q.Impl().PreAlloc(q, 1000)
		assert.True(t, IsPageFull(err))
		assert.Equal(t, 0, q.Impl().FreeSpace(q))
	})
}

func TestIndirectPage(t *testing.T) {
	p := newTestPage(20)
	require.NoError(t, InitIndirect(p, 0, []IndirectEntry{
		{Child: 21, UpperBound: 100},
		{Child: 22, UpperBound: 200},
		{Child: 23, UpperBound: 250},
	}))
	assert.Equal(t, 0, IndirectLevel(p))

	child, slot, ok := IndirectLookup(p, 150)
	require.True(t, ok)
	assert.Equal(t, common.PageID(22), child)
	assert.Equal(t, common.SlotID(50), slot)

	_, _, ok = IndirectLookup(p, 250)
	assert.False(t, ok)

	_, err := ReadRecord(p, common.RecordID{Page: 20, Slot: 0})
	assert.ErrorIs(t, err, ErrNotRecordPage)
}

func TestBoundaryTagPage(t *testing.T) {
	p := newTestPage(2)
	tag := BoundaryTag{Size: 10, PrevSize: -1, Status: TagOccupied, AllocManager: 7}
	InitBoundaryTag(p, tag)
	assert.Equal(t, tag, ReadTag(p))

	buf, err := ReadRecord(p, BoundaryTagRID(2))
	require.NoError(t, err)
	assert.Equal(t, tag, DecodeBoundaryTag(buf))

	tag.Status = TagCondemned
	WriteTag(p, tag)
	assert.Equal(t, TagCondemned, ReadTag(p).Status)
	assert.Equal(t, "condemned", ReadTag(p).Status.String())
}

func TestLSMRootPage(t *testing.T) {
	p := newTestPage(30)
	InitLSMRoot(p)
	assert.Equal(t, LSMRootPage, p.Type())

	_, ok := LSMLastLeaf(p)
	assert.False(t, ok)

	for i, e := range []LSMEntry{{Child: 31, FirstKey: 0}, {Child: 32, FirstKey: 100}} {
		rid, err := p.Impl().PreAlloc(p, LSMEntrySize)
		require.NoError(t, err)
		assert.Equal(t, common.SlotID(i), rid.Slot)
		require.NoError(t, p.Impl().PostAlloc(p, rid))
		buf, err := WriteRecord(p, rid)
		require.NoError(t, err)
		copy(buf, e.Encode())
	}

	leaf, ok := LSMLastLeaf(p)
	require.True(t, ok)
	assert.Equal(t, common.PageID(32), leaf.Child)

	found, ok := LSMFind(p, 50)
	require.True(t, ok)
	assert.Equal(t, common.PageID(31), found.Child)

	t.Run("驱逐清空缓存", func(t *testing.T) {
		p.Impl().Evicted(p)
		assert.Nil(t, p.implState)
		p.Impl().Loaded(p)
		leaf, ok := LSMLastLeaf(p)
		require.True(t, ok)
		assert.Equal(t, int64(100), leaf.FirstKey)
	})
}
