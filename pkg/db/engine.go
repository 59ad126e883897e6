package db

import (
	"acdb/pkg/buffer"
	"acdb/pkg/storage/disk"
	"acdb/pkg/storage/index"
	"acdb/pkg/storage/page"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

var (
	ErrDuplicateKey = index.ErrDuplicateKey
	ErrTableFull    = index.ErrTableFull
	ErrClosed       = errors.New("table is closed")
)

// ExecuteResult 插入结果 (报告给用户的)
// 其他错误会话都无法继续
type ExecuteResult int

const (
	ExecuteSuccess ExecuteResult = iota
	ExecuteDuplicateKey
	ExecuteTableFull
)

func (r ExecuteResult) String() string {
	switch r {
	case ExecuteSuccess:
		return "success"
	case ExecuteDuplicateKey:
		return "duplicate key"
	case ExecuteTableFull:
		return "table full"
	default:
		return fmt.Sprintf("ExecuteResult(%d)", int(r))
	}
}

// Result 把 Insert 的错误转换成结果，不属于结果的错误原样返回
func Result(err error) (ExecuteResult, error) {
	switch {
	case err == nil:
		return ExecuteSuccess, nil
	case errors.Is(err, ErrDuplicateKey):
		return ExecuteDuplicateKey, nil
	case errors.Is(err, ErrTableFull):
		return ExecuteTableFull, nil
	default:
		return ExecuteSuccess, err
	}
}

type Options struct {
	MaxPages        uint32
	PoolSize        int
	MaxInternalKeys int
	RowCacheSize    int64
}

type Option func(*Options)

// WithMaxPages 页数上限，超过的插入返回 ErrTableFull
func WithMaxPages(n uint32) Option {
	return func(o *Options) { o.MaxPages = n }
}

// WithPoolSize 内存 frame 数量，0 表示所有页都留在内存直到 Close
func WithPoolSize(n int) Option {
	return func(o *Options) { o.PoolSize = n }
}

// WithMaxInternalKeys 把内部节点扇出调小
func WithMaxInternalKeys(n int) Option {
	return func(o *Options) { o.MaxInternalKeys = n }
}

// WithRowCacheSize Get 缓存的行数，0 关闭缓存
func WithRowCacheSize(n int64) Option {
	return func(o *Options) { o.RowCacheSize = n }
}

func defaultOptions() Options {
	return Options{
		MaxPages:     buffer.DefaultMaxPages,
		RowCacheSize: 1024,
	}
}

// Table 一个文件里的唯一一张表
// 方法可以在多个 goroutine 调用，但是串行执行
type Table struct {
	mu      sync.Mutex
	dm      *disk.DiskManagerImpl
	bpm     *buffer.BufferPoolManager
	tree    *index.BTree
	catalog *Catalog
	rows    *ristretto.Cache[uint32, page.Row]
	closed  bool
}

// Open 打开或创建表文件，新文件在 0 号页放一个空的根叶子
func Open(path string, opts ...Option) (*Table, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	dm, err := disk.NewDiskManager(path)
	if err != nil {
		return nil, err
	}
	bpm := buffer.NewBufferPoolManager(dm, buffer.Options{MaxPages: o.MaxPages, PoolSize: o.PoolSize})

	layout := page.DefaultLayout()
	if o.MaxInternalKeys > 0 {
		layout.MaxInternalKeys = o.MaxInternalKeys
	}
	t := &Table{
		dm:   dm,
		bpm:  bpm,
		tree: index.NewBPlusTree(bpm, layout),
	}

	if err := t.init(path, layout, o); err != nil {
		_ = bpm.Close()
		return nil, err
	}
	return t, nil
}

func (t *Table) init(path string, layout page.Layout, o Options) error {
	if t.tree.IsEmpty() {
		if err := t.tree.StartNewTree(); err != nil {
			return err
		}
	}

	catalog, created, err := OpenCatalog(MetaPath(path), layout)
	if err != nil {
		return err
	}
	t.catalog = catalog
	if created {
		count, err := t.countRows()
		if err != nil {
			return err
		}
		catalog.Meta.RowCount = count
		catalog.Meta.PageCount = t.bpm.NumPages()
		if err := catalog.Save(); err != nil {
			return err
		}
	}

	if o.RowCacheSize > 0 {
		rows, err := ristretto.NewCache(&ristretto.Config[uint32, page.Row]{
			NumCounters: o.RowCacheSize * 10,
			MaxCost:     o.RowCacheSize,
			BufferItems: 64,
			Metrics:     true,
		})
		if err != nil {
			return errors.Wrap(err, "create row cache")
		}
		t.rows = rows
	}
	return nil
}

func (t *Table) Insert(row page.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if err := t.tree.Insert(row.ID, row); err != nil {
		return err
	}
	t.catalog.Meta.RowCount++
	return nil
}

// Get 按 id 查询 (走行缓存)
func (t *Table) Get(id uint32) (page.Row, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return page.Row{}, false, ErrClosed
	}
	if t.rows != nil {
		if row, ok := t.rows.Get(id); ok {
			return row, true, nil
		}
	}

	row, found, err := t.tree.Get(id)
	if err != nil || !found {
		return page.Row{}, false, err
	}
	if t.rows != nil {
		t.rows.Set(id, row, 1)
	}
	return row, true, nil
}

// Scan 按 id 升序遍历所有行
// 遍历过程中插入的行，id 比上一次返回的大就能看到
func (t *Table) Scan() *RowIterator {
	return &RowIterator{table: t}
}

// Select 全表扫描
func (t *Table) Select() ([]page.Row, error) {
	it := t.Scan()
	defer it.Close()

	var rows []page.Row
	for it.Next() {
		rows = append(rows, it.Row())
	}
	return rows, it.Err()
}

func (t *Table) RowCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.catalog.Meta.RowCount
}

func (t *Table) Meta() TableMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.catalog.Meta
}

// DumpTree .btree 命令
func (t *Table) DumpTree() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrClosed
	}
	return t.tree.DumpTree()
}

// Verify 检查树结构
func (t *Table) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	return t.tree.Verify()
}

// Constants .constants 命令
func (t *Table) Constants() string {
	var sb strings.Builder
	for _, c := range t.tree.Layout().Constants() {
		fmt.Fprintf(&sb, "%s: %d\n", c.Name, c.Value)
	}
	return sb.String()
}

// Stats .stats 命令：页、缓冲池、行缓存的计数
func (t *Table) Stats() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrClosed
	}
	depth, err := t.tree.Depth()
	if err != nil {
		return "", err
	}
	pool := t.bpm.Stats()

	var sb strings.Builder
	fmt.Fprintf(&sb, "file: %s\n", t.dm.Name())
	fmt.Fprintf(&sb, "file id: %d\n", t.catalog.Meta.FileID)
	fmt.Fprintf(&sb, "rows: %s\n", humanize.Comma(int64(t.catalog.Meta.RowCount)))
	fmt.Fprintf(&sb, "pages: %d of %d (%s in memory, %s on disk)\n",
		t.bpm.NumPages(), t.bpm.MaxPages(),
		humanize.IBytes(uint64(pool.Resident)*page.PageSize),
		humanize.IBytes(uint64(t.dm.FileSize())))
	fmt.Fprintf(&sb, "tree depth: %d\n", depth)
	fmt.Fprintf(&sb, "pool: %d of %d frames resident, %d pinned, %d hits, %d misses, %d evictions, %d flushes\n",
		pool.Resident, t.bpm.PoolSize(), pool.Pinned, pool.Hits, pool.Misses, pool.Evictions, pool.Flushes)
	if t.rows != nil {
		fmt.Fprintf(&sb, "row cache: %d hits, %d misses\n", t.rows.Metrics.Hits(), t.rows.Metrics.Misses())
	}
	return sb.String(), nil
}

// Close 写元数据、全部刷盘、关闭文件，重复调用没有副作用
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.rows != nil {
		t.rows.Close()
	}
	t.catalog.Meta.PageCount = t.bpm.NumPages()
	err := t.catalog.Save()
	if cerr := t.bpm.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *Table) countRows() (uint64, error) {
	c, err := t.tree.Start()
	if err != nil {
		return 0, err
	}
	var count uint64
	for !c.EndOfTable {
		count++
		if err := c.Advance(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// RowIterator 惰性遍历，每次 Next 一行，不能重新开始
type RowIterator struct {
	table  *Table
	cursor *index.Cursor
	row    page.Row
	err    error
	done   bool
}

func (it *RowIterator) Next() bool {
	if it.done {
		return false
	}

	t := it.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return it.fail(ErrClosed)
	}

	var err error
	switch {
	case it.cursor == nil:
		it.cursor, err = t.tree.Start()
	default:
		err = it.cursor.Advance()
		if errors.Is(err, index.ErrStaleCursor) {
			if it.row.ID == math.MaxUint32 {
				it.done = true
				return false
			}
			it.cursor, err = t.tree.Seek(it.row.ID + 1)
		}
	}
	if err != nil {
		return it.fail(err)
	}

	if it.cursor.EndOfTable {
		it.done = true
		return false
	}
	row, err := it.cursor.Row()
	if err != nil {
		return it.fail(err)
	}
	it.row = row
	return true
}

func (it *RowIterator) fail(err error) bool {
	it.err = err
	it.done = true
	return false
}

func (it *RowIterator) Row() page.Row {
	return it.row
}

func (it *RowIterator) Err() error {
	return it.err
}

func (it *RowIterator) Close() {
	it.done = true
	it.cursor = nil
}
