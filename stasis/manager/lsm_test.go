package manager

import (
	"testing"

	juju "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstasis/stasis/common"
)

func TestLSMRoot(t *testing.T) {
	env := newTestEnv(t)

	xid := env.begin()
	root, err := env.tm.TallocLSMRoot(xid)
	require.NoError(t, err)
	_, ok, err := env.tm.TlsmLastLeaf(xid, root)
	require.NoError(t, err)
	assert.False(t, ok)

	for i, key := range []int64{10, 20, 30} {
		require.NoError(t, env.tm.TlsmAppend(xid, root, common.PageID(100+i), key))
	}
	err = env.tm.TlsmAppend(xid, root, 200, 15)
	assert.True(t, juju.IsNotValid(err), "key 必须递增")
	env.commit(xid)

	xid = env.begin()
	e, ok, err := env.tm.TlsmFind(xid, root, 25)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, common.PageID(101), e.Child)
	_, ok, err = env.tm.TlsmFind(xid, root, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, env.tm.TlsmAppend(xid, root, 103, 40))
	e, _, err = env.tm.TlsmLastLeaf(xid, root)
	require.NoError(t, err)
	assert.Equal(t, int64(40), e.FirstKey)
	require.NoError(t, env.tm.Tabort(xid))

	t.Run("中止后最后叶子回退", func(t *testing.T) {
		xid := env.begin()
		defer env.commit(xid)
		e, ok, err := env.tm.TlsmLastLeaf(xid, root)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(30), e.FirstKey)
		assert.Equal(t, common.PageID(102), e.Child)
	})

	t.Run("重启后", func(t *testing.T) {
		env.restart()
		xid := env.begin()
		defer env.commit(xid)
		e, ok, err := env.tm.TlsmFind(xid, root, 1000)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(30), e.FirstKey)
	})

	t.Run("不是根页", func(t *testing.T) {
		xid := env.begin()
		defer env.commit(xid)
		_, _, err := env.tm.TlsmFind(xid, common.RootPage, 1)
		assert.Error(t, err)
	})
}
