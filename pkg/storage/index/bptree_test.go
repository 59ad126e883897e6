package index

import (
	"acdb/pkg/buffer"
	"acdb/pkg/storage/disk"
	"acdb/pkg/storage/page"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type treeOptions struct {
	maxPages        uint32
	poolSize        int
	maxInternalKeys int
}

func openTree(t *testing.T, path string, opts treeOptions) (*BTree, *buffer.BufferPoolManager) {
	t.Helper()
	dm, err := disk.NewDiskManager(path)
	require.NoError(t, err)
	bpm := buffer.NewBufferPoolManager(dm, buffer.Options{MaxPages: opts.maxPages, PoolSize: opts.poolSize})

	layout := page.DefaultLayout()
	if opts.maxInternalKeys > 0 {
		layout.MaxInternalKeys = opts.maxInternalKeys
	}
	tree := NewBPlusTree(bpm, layout)
	if tree.IsEmpty() {
		require.NoError(t, tree.StartNewTree())
	}
	return tree, bpm
}

func newTree(t *testing.T, opts treeOptions) (*BTree, *buffer.BufferPoolManager) {
	t.Helper()
	tree, bpm := openTree(t, filepath.Join(t.TempDir(), "tree.db"), opts)
	t.Cleanup(func() { _ = bpm.Close() })
	return tree, bpm
}

func rowFor(key uint32) page.Row {
	return page.Row{
		ID:       key,
		Username: fmt.Sprintf("user%d", key),
		Email:    fmt.Sprintf("person%d@example.com", key),
	}
}

func insertKeys(t *testing.T, tree *BTree, keys ...uint32) {
	t.Helper()
	for _, key := range keys {
		require.NoError(t, tree.Insert(key, rowFor(key)), "insert %d", key)
	}
}

func scanKeys(t *testing.T, tree *BTree) []uint32 {
	t.Helper()
	c, err := tree.Start()
	require.NoError(t, err)

	var keys []uint32
	for !c.EndOfTable {
		row, err := c.Row()
		require.NoError(t, err)
		key, err := c.Key()
		require.NoError(t, err)
		require.Equal(t, key, row.ID)
		keys = append(keys, key)
		require.NoError(t, c.Advance())
	}
	return keys
}

func sequence(from, to uint32) []uint32 {
	keys := make([]uint32, 0, to-from+1)
	for k := from; k <= to; k++ {
		keys = append(keys, k)
	}
	return keys
}

func TestEmptyTree(t *testing.T) {
	tree, _ := newTree(t, treeOptions{})

	c, err := tree.Start()
	require.NoError(t, err)
	assert.True(t, c.EndOfTable)

	dump, err := tree.DumpTree()
	require.NoError(t, err)
	assert.Equal(t, "- leaf (size 0)\n", dump)

	_, found, err := tree.Get(1)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, tree.Verify())
}

func TestInsertKeepsKeysSorted(t *testing.T) {
	tree, _ := newTree(t, treeOptions{})
	insertKeys(t, tree, 1, 3, 2)

	assert.Equal(t, []uint32{1, 2, 3}, scanKeys(t, tree))

	dump, err := tree.DumpTree()
	require.NoError(t, err)
	assert.Equal(t, "- leaf (size 3)\n - 1\n - 2\n - 3\n", dump)

	row, found, err := tree.Get(2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rowFor(2), row)
}

func TestDuplicateKeyLeavesTreeUnchanged(t *testing.T) {
	tree, _ := newTree(t, treeOptions{})
	insertKeys(t, tree, 1)

	err := tree.Insert(1, page.Row{ID: 1, Username: "other", Email: "other@example.com"})
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	row, found, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rowFor(1), row)
	assert.Equal(t, []uint32{1}, scanKeys(t, tree))
}

func TestFullLeafStaysSingleNode(t *testing.T) {
	tree, bpm := newTree(t, treeOptions{})
	insertKeys(t, tree, sequence(1, page.LeafMaxCells)...)

	dump, err := tree.DumpTree()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dump, "- leaf (size 13)\n"))
	assert.Equal(t, uint32(1), bpm.NumPages())
}

func TestLeafSplitPromotesRoot(t *testing.T) {
	tree, bpm := newTree(t, treeOptions{})
	insertKeys(t, tree, sequence(1, 14)...)

	var want strings.Builder
	want.WriteString("- internal (size 1)\n")
	want.WriteString(" - leaf (size 7)\n")
	for k := 1; k <= 7; k++ {
		fmt.Fprintf(&want, "  - %d\n", k)
	}
	want.WriteString(" - key 7\n")
	want.WriteString(" - leaf (size 7)\n")
	for k := 8; k <= 14; k++ {
		fmt.Fprintf(&want, "  - %d\n", k)
	}

	dump, err := tree.DumpTree()
	require.NoError(t, err)
	assert.Equal(t, want.String(), dump)
	assert.Equal(t, uint32(3), bpm.NumPages())

	// 先分配右半边，然后根的旧内容搬到新页
	root, err := tree.fetchNode(page.RootPageID)
	require.NoError(t, err)
	assert.Equal(t, page.KindInternal, root.Type())
	assert.True(t, root.IsRoot())
	assert.Equal(t, page.PageID(2), root.InternalChild(0))
	assert.Equal(t, page.PageID(1), root.RightChild())
	tree.unpin(page.RootPageID, false)

	depth, err := tree.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
	assert.NoError(t, tree.Verify())
	assert.Equal(t, sequence(1, 14), scanKeys(t, tree))
}

func TestSplitInsertsIntoEitherHalf(t *testing.T) {
	for _, newKey := range []uint32{0, 8, 20, 100} {
		t.Run(fmt.Sprintf("key %d", newKey), func(t *testing.T) {
			tree, _ := newTree(t, treeOptions{})
			var keys []uint32
			for k := uint32(1); k <= 13; k++ {
				keys = append(keys, k*7)
			}
			insertKeys(t, tree, keys...)
			insertKeys(t, tree, newKey)

			require.NoError(t, tree.Verify())
			got := scanKeys(t, tree)
			assert.Len(t, got, 14)
			assert.Contains(t, got, newKey)
			for i := 1; i < len(got); i++ {
				assert.Less(t, got[i-1], got[i])
			}

			row, found, err := tree.Get(newKey)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, rowFor(newKey), row)
		})
	}
}

func TestMultiLevelTree(t *testing.T) {
	tree, _ := newTree(t, treeOptions{maxPages: 1000, maxInternalKeys: 3})

	rng := rand.New(rand.NewSource(42))
	n := 500
	for _, k := range rng.Perm(n) {
		insertKeys(t, tree, uint32(k+1))
	}

	require.NoError(t, tree.Verify())
	assert.Equal(t, sequence(1, uint32(n)), scanKeys(t, tree))

	depth, err := tree.Depth()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, depth, 4)

	for k := uint32(1); k <= uint32(n); k++ {
		row, found, err := tree.Get(k)
		require.NoError(t, err)
		require.True(t, found, "key %d", k)
		assert.Equal(t, rowFor(k), row)
	}

	_, found, err := tree.Get(uint32(n + 1))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAscendingAndDescendingInserts(t *testing.T) {
	t.Run("ascending", func(t *testing.T) {
		tree, _ := newTree(t, treeOptions{maxPages: 1000, maxInternalKeys: 3})
		insertKeys(t, tree, sequence(1, 300)...)
		require.NoError(t, tree.Verify())
		assert.Equal(t, sequence(1, 300), scanKeys(t, tree))
	})

	t.Run("descending", func(t *testing.T) {
		tree, _ := newTree(t, treeOptions{maxPages: 1000, maxInternalKeys: 3})
		for k := uint32(300); k >= 1; k-- {
			insertKeys(t, tree, k)
		}
		require.NoError(t, tree.Verify())
		assert.Equal(t, sequence(1, 300), scanKeys(t, tree))
	})
}

func TestTreeSurvivesEvictionAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evict.db")
	opts := treeOptions{maxPages: 1000, poolSize: 4, maxInternalKeys: 3}

	tree, bpm := openTree(t, path, opts)
	rng := rand.New(rand.NewSource(7))
	for _, k := range rng.Perm(300) {
		insertKeys(t, tree, uint32(k+1))
	}
	require.NoError(t, tree.Verify())
	assert.Greater(t, bpm.Stats().Evictions, 0)
	numPages := bpm.NumPages()
	require.NoError(t, bpm.Close())

	tree, bpm = openTree(t, path, opts)
	defer bpm.Close()
	assert.Equal(t, numPages, bpm.NumPages())
	require.NoError(t, tree.Verify())
	assert.Equal(t, sequence(1, 300), scanKeys(t, tree))
}

func TestTableFull(t *testing.T) {
	tree, bpm := newTree(t, treeOptions{maxPages: 3})

	// 13 行填满根叶子，第 14 行分裂成 1、2 号页，右叶子再放 6 行就需要第 4 页
	insertKeys(t, tree, sequence(1, 20)...)
	before, err := tree.DumpTree()
	require.NoError(t, err)

	err = tree.Insert(21, rowFor(21))
	assert.True(t, errors.Is(err, ErrTableFull))

	after, err := tree.DumpTree()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, uint32(3), bpm.NumPages())
	assert.NoError(t, tree.Verify())

	// 左叶子还有空间
	insertKeys(t, tree, 0)
	err = tree.Insert(1000000, rowFor(1000000))
	assert.True(t, errors.Is(err, ErrTableFull))
	assert.Equal(t, uint32(3), bpm.NumPages())
}

func TestOverlongRowIsRejected(t *testing.T) {
	tree, _ := newTree(t, treeOptions{})

	err := tree.Insert(1, page.Row{ID: 1, Username: strings.Repeat("a", 33), Email: "a@b"})
	assert.True(t, errors.Is(err, page.ErrFieldTooLong))
	assert.Empty(t, scanKeys(t, tree))
}

func TestLargestKey(t *testing.T) {
	tree, _ := newTree(t, treeOptions{})
	insertKeys(t, tree, sequence(1, 13)...)
	insertKeys(t, tree, math.MaxUint32)

	keys := scanKeys(t, tree)
	require.Len(t, keys, 14)
	assert.Equal(t, uint32(math.MaxUint32), keys[13])
}

func TestVerifyReportsPinImbalance(t *testing.T) {
	tree, _ := newTree(t, treeOptions{})
	insertKeys(t, tree, sequence(1, 40)...)
	require.NoError(t, tree.Verify())

	_, err := tree.fetchNode(page.RootPageID)
	require.NoError(t, err)
	assert.True(t, errors.Is(tree.Verify(), ErrPinLeak))

	tree.unpin(page.RootPageID, false)
	require.NoError(t, tree.Verify())

	tree.unpin(page.RootPageID, false)
	assert.True(t, errors.Is(tree.Verify(), buffer.ErrNotPinned))
}
