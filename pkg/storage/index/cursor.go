package index

import (
	"acdb/pkg/storage/page"
	"math"

	"github.com/pkg/errors"
)

// Cursor 树中的一个位置：叶子页 + cell 下标，调用之间不持有 pin
// 任何插入都会让之前创建的游标失效
type Cursor struct {
	tree       *BTree
	PageID     page.PageID
	CellNum    uint32
	EndOfTable bool
	version    uint64
}

func (tree *BTree) newCursor(pageID page.PageID, cellNum uint32) *Cursor {
	return &Cursor{
		tree:    tree,
		PageID:  pageID,
		CellNum: cellNum,
		version: tree.version,
	}
}

// Start 沿最左孩子从根走到底，返回指向最小 key 的游标
// 空表时游标直接就在末尾
func (tree *BTree) Start() (*Cursor, error) {
	pageID := tree.rootPageID
	for depth := uint32(0); depth < tree.bpm.MaxPages(); depth++ {
		node, err := tree.fetchNode(pageID)
		if err != nil {
			return nil, err
		}
		if err := checkNode(pageID, node); err != nil {
			tree.unpin(pageID, false)
			return nil, err
		}

		if node.IsLeaf() {
			c := tree.newCursor(pageID, 0)
			c.EndOfTable = node.NumCells() == 0
			tree.unpin(pageID, false)
			return c, nil
		}

		child := node.InternalChild(0)
		tree.unpin(pageID, false)
		pageID = child
	}
	return nil, errors.Wrap(ErrCorruptTree, "left spine never reached a leaf")
}

// Seek 返回指向第一个 >= key 的游标，没有的话游标在表末尾
func (tree *BTree) Seek(key uint32) (*Cursor, error) {
	c, err := tree.Find(key)
	if err != nil {
		return nil, err
	}
	_, ok, err := tree.keyAt(c.PageID, c.CellNum)
	if err != nil {
		return nil, err
	}
	c.EndOfTable = !ok
	return c, nil
}

func (c *Cursor) check() error {
	if c.version != c.tree.version {
		return ErrStaleCursor
	}
	return nil
}

// Key 游标所在 cell 的 key
func (c *Cursor) Key() (uint32, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	key, ok, err := c.tree.keyAt(c.PageID, c.CellNum)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Wrapf(ErrNoCell, "page %d cell %d", c.PageID, c.CellNum)
	}
	return key, nil
}

// Value 返回游标处序列化 row 的拷贝
func (c *Cursor) Value() ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	node, err := c.tree.fetchNode(c.PageID)
	if err != nil {
		return nil, err
	}
	defer c.tree.unpin(c.PageID, false)

	if c.CellNum >= node.NumCells() {
		return nil, errors.Wrapf(ErrNoCell, "page %d cell %d", c.PageID, c.CellNum)
	}
	value := make([]byte, page.RowSize)
	copy(value, node.LeafValue(c.CellNum))
	return value, nil
}

func (c *Cursor) Row() (page.Row, error) {
	value, err := c.Value()
	if err != nil {
		return page.Row{}, err
	}
	return page.DeserializeRow(value)
}

// Advance 移动到下一个 cell
// 叶子没有兄弟指针，跨叶子时从根重新查找比当前叶子最后一个 key 大的最小 key
func (c *Cursor) Advance() error {
	if err := c.check(); err != nil {
		return err
	}
	if c.EndOfTable {
		return nil
	}

	node, err := c.tree.fetchNode(c.PageID)
	if err != nil {
		return err
	}
	numCells := node.NumCells()
	c.CellNum++
	if c.CellNum < numCells {
		c.tree.unpin(c.PageID, false)
		return nil
	}
	if numCells == 0 {
		c.tree.unpin(c.PageID, false)
		c.EndOfTable = true
		return nil
	}
	last := node.LeafKey(numCells - 1)
	c.tree.unpin(c.PageID, false)

	if last == math.MaxUint32 {
		c.EndOfTable = true
		return nil
	}
	next, err := c.tree.Find(last + 1)
	if err != nil {
		return err
	}
	if next.PageID == c.PageID {
		c.EndOfTable = true
		return nil
	}
	if _, ok, err := c.tree.keyAt(next.PageID, next.CellNum); err != nil {
		return err
	} else if !ok {
		c.EndOfTable = true
		return nil
	}

	c.PageID, c.CellNum = next.PageID, next.CellNum
	return nil
}
