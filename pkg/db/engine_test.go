package db

import (
	"acdb/pkg/storage/disk"
	"acdb/pkg/storage/page"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tablePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func openTable(t *testing.T, path string, opts ...Option) *Table {
	t.Helper()
	table, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })
	return table
}

func userRow(id uint32) page.Row {
	return page.Row{ID: id, Username: fmt.Sprintf("user%d", id), Email: fmt.Sprintf("user%d@example.com", id)}
}

func TestOpenCreatesEmptyTable(t *testing.T) {
	path := tablePath(t)
	table := openTable(t, path)

	tree, err := table.DumpTree()
	require.NoError(t, err)
	assert.Equal(t, "- leaf (size 0)\n", tree)

	rows, err := table.Select()
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, table.Close())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(page.PageSize), info.Size())
	_, err = os.Stat(MetaPath(path))
	assert.NoError(t, err)
}

func TestScanIsOrderedRegardlessOfInsertOrder(t *testing.T) {
	table := openTable(t, tablePath(t))

	require.NoError(t, table.Insert(page.Row{ID: 1, Username: "alice", Email: "a@x.com"}))
	require.NoError(t, table.Insert(page.Row{ID: 3, Username: "carol", Email: "c@x.com"}))
	require.NoError(t, table.Insert(page.Row{ID: 2, Username: "bob", Email: "b@x.com"}))

	rows, err := table.Select()
	require.NoError(t, err)
	assert.Equal(t, []page.Row{
		{ID: 1, Username: "alice", Email: "a@x.com"},
		{ID: 2, Username: "bob", Email: "b@x.com"},
		{ID: 3, Username: "carol", Email: "c@x.com"},
	}, rows)
}

func TestInsertResults(t *testing.T) {
	t.Run("duplicate key", func(t *testing.T) {
		table := openTable(t, tablePath(t))
		require.NoError(t, table.Insert(userRow(1)))

		err := table.Insert(page.Row{ID: 1, Username: "someone", Email: "else@example.com"})
		result, err := Result(err)
		require.NoError(t, err)
		assert.Equal(t, ExecuteDuplicateKey, result)

		rows, err := table.Select()
		require.NoError(t, err)
		assert.Equal(t, []page.Row{userRow(1)}, rows)
		assert.Equal(t, uint64(1), table.RowCount())
	})

	t.Run("table full", func(t *testing.T) {
		table := openTable(t, tablePath(t), WithMaxPages(3))
		for id := uint32(1); id <= 20; id++ {
			require.NoError(t, table.Insert(userRow(id)))
		}

		result, err := Result(table.Insert(userRow(21)))
		require.NoError(t, err)
		assert.Equal(t, ExecuteTableFull, result)
		assert.Equal(t, "table full", result.String())
		assert.NoError(t, table.Verify())
	})

	t.Run("other errors pass through", func(t *testing.T) {
		_, err := Result(ErrClosed)
		assert.True(t, errors.Is(err, ErrClosed))
	})
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := tablePath(t)
	table, err := Open(path)
	require.NoError(t, err)

	var want []page.Row
	for id := uint32(1); id <= 40; id++ {
		require.NoError(t, table.Insert(userRow(id)))
		want = append(want, userRow(id))
	}
	meta := table.Meta()
	require.NoError(t, table.Close())
	require.NoError(t, table.Close())

	table = openTable(t, path)
	rows, err := table.Select()
	require.NoError(t, err)
	assert.Equal(t, want, rows)
	assert.Equal(t, uint64(40), table.RowCount())
	assert.Equal(t, meta.FileID, table.Meta().FileID)
	assert.NoError(t, table.Verify())
}

func TestMaxLengthFieldsRoundTrip(t *testing.T) {
	path := tablePath(t)
	table, err := Open(path)
	require.NoError(t, err)

	row := page.Row{
		ID:       7,
		Username: strings.Repeat("u", page.ColumnUsernameSize),
		Email:    strings.Repeat("e", page.ColumnEmailSize),
	}
	require.NoError(t, table.Insert(row))
	require.NoError(t, table.Close())

	table = openTable(t, path)
	got, found, err := table.Get(7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, row, got)

	err = table.Insert(page.Row{ID: 8, Username: strings.Repeat("u", page.ColumnUsernameSize+1)})
	assert.True(t, errors.Is(err, page.ErrFieldTooLong))
}

func TestCorruptFileIsRejected(t *testing.T) {
	path := tablePath(t)
	require.NoError(t, os.WriteFile(path, make([]byte, page.PageSize+100), 0o600))

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, disk.ErrCorruptFile))
}

func TestSidecar(t *testing.T) {
	t.Run("layout mismatch is refused", func(t *testing.T) {
		path := tablePath(t)
		table, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, table.Close())

		catalog, created, err := OpenCatalog(MetaPath(path), page.DefaultLayout())
		require.NoError(t, err)
		require.False(t, created)
		catalog.Meta.LayoutHash++
		require.NoError(t, catalog.Save())

		_, err = Open(path)
		assert.True(t, errors.Is(err, ErrLayoutMismatch))
	})

	t.Run("missing sidecar is rebuilt from the tree", func(t *testing.T) {
		path := tablePath(t)
		table, err := Open(path)
		require.NoError(t, err)
		for id := uint32(1); id <= 5; id++ {
			require.NoError(t, table.Insert(userRow(id)))
		}
		require.NoError(t, table.Close())
		require.NoError(t, os.Remove(MetaPath(path)))

		table = openTable(t, path)
		assert.Equal(t, uint64(5), table.RowCount())
		assert.Equal(t, uint32(1), table.Meta().PageCount)
	})

	t.Run("fan-out limit does not change the layout hash", func(t *testing.T) {
		layout := page.DefaultLayout()
		tuned := layout
		tuned.MaxInternalKeys = 3
		assert.Equal(t, LayoutHash(layout), LayoutHash(tuned))
	})
}

func TestGet(t *testing.T) {
	table := openTable(t, tablePath(t))
	for id := uint32(1); id <= 30; id++ {
		require.NoError(t, table.Insert(userRow(id)))
	}

	for pass := 0; pass < 2; pass++ {
		for id := uint32(1); id <= 30; id++ {
			row, found, err := table.Get(id)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, userRow(id), row)
		}
		table.rows.Wait()
	}

	_, found, err := table.Get(31)
	require.NoError(t, err)
	assert.False(t, found)

	uncached := openTable(t, tablePath(t), WithRowCacheSize(0))
	require.NoError(t, uncached.Insert(userRow(1)))
	row, found, err := uncached.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, userRow(1), row)
}

func TestScanSeesInsertsAfterCurrentRow(t *testing.T) {
	table := openTable(t, tablePath(t))
	for _, id := range []uint32{10, 20, 30} {
		require.NoError(t, table.Insert(userRow(id)))
	}

	it := table.Scan()
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, uint32(10), it.Row().ID)

	// 5 在当前行之前，25 在之后，都不会触发分裂
	require.NoError(t, table.Insert(userRow(5)))
	require.NoError(t, table.Insert(userRow(25)))

	var ids []uint32
	for it.Next() {
		ids = append(ids, it.Row().ID)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint32{20, 25, 30}, ids)
}

func TestScanContinuesAcrossSplit(t *testing.T) {
	table := openTable(t, tablePath(t))
	for id := uint32(1); id <= uint32(page.LeafMaxCells); id++ {
		require.NoError(t, table.Insert(userRow(id)))
	}

	it := table.Scan()
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, uint32(1), it.Row().ID)

	require.NoError(t, table.Insert(userRow(100)))
	require.Equal(t, 1, strings.Count(mustDump(t, table), "internal"))

	var ids []uint32
	for it.Next() {
		ids = append(ids, it.Row().ID)
	}
	require.NoError(t, it.Err())
	want := []uint32{}
	for id := uint32(2); id <= uint32(page.LeafMaxCells); id++ {
		want = append(want, id)
	}
	assert.Equal(t, append(want, 100), ids)
	assert.False(t, it.Next())
}

func TestScanEndsAfterLargestKey(t *testing.T) {
	table := openTable(t, tablePath(t))
	require.NoError(t, table.Insert(userRow(math.MaxUint32)))

	it := table.Scan()
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, uint32(math.MaxUint32), it.Row().ID)

	require.NoError(t, table.Insert(userRow(1)))
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func mustDump(t *testing.T, table *Table) string {
	t.Helper()
	out, err := table.DumpTree()
	require.NoError(t, err)
	return out
}

func TestClosedTable(t *testing.T) {
	table, err := Open(tablePath(t))
	require.NoError(t, err)
	require.NoError(t, table.Close())
	require.NoError(t, table.Close())

	assert.True(t, errors.Is(table.Insert(userRow(1)), ErrClosed))
	_, _, err = table.Get(1)
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = table.Select()
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = table.DumpTree()
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestManyRowsWithSmallPool(t *testing.T) {
	path := tablePath(t)
	opts := []Option{WithMaxPages(1000), WithPoolSize(8), WithMaxInternalKeys(4)}

	table, err := Open(path, opts...)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(3))
	ids := rng.Perm(1000)
	for _, id := range ids {
		require.NoError(t, table.Insert(userRow(uint32(id))))
	}
	require.NoError(t, table.Verify())
	require.NoError(t, table.Close())

	table = openTable(t, path, opts...)
	require.NoError(t, table.Verify())
	rows, err := table.Select()
	require.NoError(t, err)
	require.Len(t, rows, 1000)
	for i, row := range rows {
		assert.Equal(t, userRow(uint32(i)), row)
	}

	stats, err := table.Stats()
	require.NoError(t, err)
	assert.Contains(t, stats, "rows: 1,000\n")
	assert.Contains(t, stats, "of 8 frames resident, 0 pinned")
	assert.Contains(t, stats, "(32 KiB in memory")
	assert.Contains(t, stats, "file: "+path+"\n")
}
