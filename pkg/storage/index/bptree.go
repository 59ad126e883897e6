package index

import (
	"acdb/pkg/buffer"
	"acdb/pkg/storage/page"
	"slices"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrTableFull 插入需要的页超过了上限
	ErrTableFull   = errors.New("table full")
	ErrStaleCursor = errors.New("cursor invalidated by an insert")
	ErrPinLeak     = errors.New("page left pinned")
	ErrNoCell      = errors.New("cursor is not on a cell")
	ErrCorruptTree = errors.New("corrupt tree")
)

const minInternalKeys = 2

// BTree 以 uint32 为 key、定长 row 为值的 B+ 树，根节点永远在 0 号页
// 非并发安全
type BTree struct {
	bpm        *buffer.BufferPoolManager
	layout     page.Layout
	rootPageID page.PageID
	// version 每次插入都会变 (插入会移动 cell，已有游标的位置就不对了)
	version uint64
	// pinErr 第一次 UnpinPage 失败的错误，Verify 时报告
	pinErr error
}

func NewBPlusTree(bpm *buffer.BufferPoolManager, layout page.Layout) *BTree {
	if layout.MaxInternalKeys < minInternalKeys {
		layout.MaxInternalKeys = minInternalKeys
	}
	if layout.MaxInternalKeys > page.InternalMaxKeys {
		layout.MaxInternalKeys = page.InternalMaxKeys
	}
	return &BTree{
		bpm:        bpm,
		layout:     layout,
		rootPageID: page.RootPageID,
	}
}

func (tree *BTree) Layout() page.Layout {
	return tree.layout
}

// IsEmpty 文件里还没有页 (根节点还没初始化)
func (tree *BTree) IsEmpty() bool {
	return tree.bpm.NumPages() == 0
}

// StartNewTree 把根页初始化成空叶子
func (tree *BTree) StartNewTree() error {
	root, err := tree.fetchNode(tree.rootPageID)
	if err != nil {
		return err
	}
	defer tree.unpin(tree.rootPageID, true)

	root.InitLeaf()
	root.SetRoot(true)
	return nil
}

// Find 返回指向 key 所在 cell 的游标，不存在时指向应该插入的位置
// 调用方比较游标下的 key 来区分这两种情况
func (tree *BTree) Find(key uint32) (*Cursor, error) {
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
			cell := leafNodeFind(node, key)
			tree.unpin(pageID, false)
			return tree.newCursor(pageID, cell), nil
		}

		child := node.InternalChild(internalNodeFind(node, key))
		tree.unpin(pageID, false)
		pageID = child
	}
	return nil, errors.Wrapf(ErrCorruptTree, "search for key %d never reached a leaf", key)
}

// Get 按 key 查一行
func (tree *BTree) Get(key uint32) (page.Row, bool, error) {
	c, err := tree.Find(key)
	if err != nil {
		return page.Row{}, false, err
	}
	k, ok, err := tree.keyAt(c.PageID, c.CellNum)
	if err != nil || !ok || k != key {
		return page.Row{}, false, err
	}
	row, err := c.Row()
	if err != nil {
		return page.Row{}, false, err
	}
	return row, true, nil
}

// Insert 插入一行
// key 已存在返回 ErrDuplicateKey；分裂需要的页超过上限返回 ErrTableFull。两种情况都不改动树
func (tree *BTree) Insert(key uint32, row page.Row) error {
	if err := row.Validate(); err != nil {
		return err
	}

	c, err := tree.Find(key)
	if err != nil {
		return err
	}
	k, ok, err := tree.keyAt(c.PageID, c.CellNum)
	if err != nil {
		return err
	}
	if ok && k == key {
		return errors.Wrapf(ErrDuplicateKey, "key %d", key)
	}

	needed, err := tree.pagesNeededForInsert(c.PageID)
	if err != nil {
		return err
	}
	if tree.bpm.NumPages()+needed > tree.bpm.MaxPages() {
		return errors.Wrapf(ErrTableFull, "insert of key %d needs %d new pages", key, needed)
	}

	return tree.InsertAt(c, key, row)
}

// InsertAt 在游标位置写入 key/row，叶子满了就分裂
// 游标必须来自 Find(key)，调用方负责排除重复 key
func (tree *BTree) InsertAt(c *Cursor, key uint32, row page.Row) error {
	if err := c.check(); err != nil {
		return err
	}

	var value [page.RowSize]byte
	if err := page.SerializeRow(row, value[:]); err != nil {
		return err
	}

	node, err := tree.fetchNode(c.PageID)
	if err != nil {
		return err
	}
	if !node.IsLeaf() {
		tree.unpin(c.PageID, false)
		return errors.Wrapf(ErrCorruptTree, "cursor page %d is not a leaf", c.PageID)
	}

	numCells := node.NumCells()
	if c.CellNum > numCells {
		tree.unpin(c.PageID, false)
		return errors.Wrapf(ErrNoCell, "cell %d past %d cells", c.CellNum, numCells)
	}

	if numCells >= uint32(tree.layout.LeafMaxCells) {
		return tree.leafNodeSplitAndInsert(c.PageID, node, c.CellNum, key, value[:])
	}

	for i := numCells; i > c.CellNum; i-- {
		copy(node.LeafCell(i), node.LeafCell(i-1))
	}
	node.SetLeafKey(c.CellNum, key)
	copy(node.LeafValue(c.CellNum), value[:])
	node.SetNumCells(numCells + 1)

	tree.unpin(c.PageID, true)
	tree.version++
	return nil
}

// leafNodeSplitAndInsert 把满叶子的 cell 加上新 cell 分到旧页和新的右兄弟上，再把右兄弟挂到父节点
// 调用方对 oldID 的 pin 在这里释放
func (tree *BTree) leafNodeSplitAndInsert(oldID page.PageID, oldNode *page.Node, cellNum uint32, key uint32, value []byte) error {
	newPage, err := tree.bpm.NewPage()
	if err != nil {
		tree.unpin(oldID, false)
		return err
	}
	newPageID := newPage.ID()
	newNode := page.NewNode(newPage)
	newNode.InitLeaf()
	newNode.SetParent(oldNode.Parent())

	leftCount := uint32(tree.layout.LeafLeftSplitCount)
	for i := int64(tree.layout.LeafMaxCells); i >= 0; i-- {
		idx := uint32(i)
		destination, within := oldNode, idx
		if idx >= leftCount {
			destination, within = newNode, idx-leftCount
		}

		switch {
		case idx == cellNum:
			destination.SetLeafKey(within, key)
			copy(destination.LeafValue(within), value)
		case idx > cellNum:
			copy(destination.LeafCell(within), oldNode.LeafCell(idx-1))
		default:
			copy(destination.LeafCell(within), oldNode.LeafCell(idx))
		}
	}
	oldNode.SetNumCells(leftCount)
	newNode.SetNumCells(uint32(tree.layout.LeafRightSplitCount))

	leftMax := oldNode.MaxKey()
	parentID := oldNode.Parent()
	tree.unpin(newPageID, true)
	tree.unpin(oldID, true)
	tree.version++

	if oldID == tree.rootPageID {
		return tree.createNewRoot(newPageID)
	}
	return tree.insertIntoParent(parentID, oldID, leftMax, newPageID)
}

// createNewRoot 根分裂：根的内容搬到新的左孩子，根页原地改写成内部节点
// 孩子是左孩子和 rightChildID
func (tree *BTree) createNewRoot(rightChildID page.PageID) error {
	rootPage, err := tree.bpm.FetchPage(tree.rootPageID)
	if err != nil {
		return err
	}
	leftPage, err := tree.bpm.NewPage()
	if err != nil {
		tree.unpin(tree.rootPageID, false)
		return err
	}
	leftID := leftPage.ID()

	leftPage.Data = rootPage.Data
	left := page.NewNode(leftPage)
	left.SetRoot(false)
	left.SetParent(tree.rootPageID)

	var movedChildren []page.PageID
	if !left.IsLeaf() {
		_, movedChildren = readInternal(left)
	}
	tree.unpin(leftID, true)

	leftMax, err := tree.maxKey(leftID)
	if err != nil {
		tree.unpin(tree.rootPageID, false)
		return err
	}

	root := page.NewNode(rootPage)
	root.InitInternal()
	root.SetRoot(true)
	root.SetParent(0)
	root.SetNumKeys(1)
	root.SetInternalCell(0, leftID, leftMax)
	root.SetRightChild(rightChildID)
	tree.unpin(tree.rootPageID, true)

	for _, child := range movedChildren {
		if err := tree.setParent(child, leftID); err != nil {
			return err
		}
	}
	return tree.setParent(rightChildID, tree.rootPageID)
}

// insertIntoParent 在父节点里记录 leftID 的最大 key 变成 leftMax，rightID 紧跟其后
// 父节点放不下就继续往上分裂
func (tree *BTree) insertIntoParent(parentID, leftID page.PageID, leftMax uint32, rightID page.PageID) error {
	parentPage, err := tree.bpm.FetchPage(parentID)
	if err != nil {
		return err
	}
	parent := page.NewNode(parentPage)
	if parent.IsLeaf() {
		tree.unpin(parentID, false)
		return errors.Wrapf(ErrCorruptTree, "parent page %d of page %d is a leaf", parentID, leftID)
	}

	keys, children := readInternal(parent)
	pos := slices.Index(children, leftID)
	if pos < 0 {
		tree.unpin(parentID, false)
		return errors.Wrapf(ErrCorruptTree, "page %d is not a child of page %d", leftID, parentID)
	}
	keys = slices.Insert(keys, pos, leftMax)
	children = slices.Insert(children, pos+1, rightID)

	if err := tree.setParent(rightID, parentID); err != nil {
		tree.unpin(parentID, false)
		return err
	}

	if len(keys) <= tree.layout.MaxInternalKeys {
		writeInternal(parent, keys, children)
		tree.unpin(parentID, true)
		return nil
	}

	siblingPage, err := tree.bpm.NewPage()
	if err != nil {
		tree.unpin(parentID, false)
		return err
	}
	siblingID := siblingPage.ID()
	sibling := page.NewNode(siblingPage)
	sibling.InitInternal()
	sibling.SetParent(parent.Parent())

	// keys[mid] 是 children[mid] 的最大 key，children[mid] 成为左半边的右孩子
	mid := len(keys) / 2
	separator := keys[mid]
	writeInternal(sibling, keys[mid+1:], children[mid+1:])
	writeInternal(parent, keys[:mid], children[:mid+1])

	grandparentID := parent.Parent()
	tree.unpin(siblingID, true)
	tree.unpin(parentID, true)

	for _, child := range children[mid+1:] {
		if err := tree.setParent(child, siblingID); err != nil {
			return err
		}
	}

	if parentID == tree.rootPageID {
		return tree.createNewRoot(siblingID)
	}
	return tree.insertIntoParent(grandparentID, parentID, separator, siblingID)
}

// pagesNeededForInsert 计算往 leafID 插入要分配多少页
// 往上每个满节点一页，根也分裂的话再加一页给新的左孩子
func (tree *BTree) pagesNeededForInsert(leafID page.PageID) (uint32, error) {
	node, err := tree.fetchNode(leafID)
	if err != nil {
		return 0, err
	}
	full := node.NumCells() >= uint32(tree.layout.LeafMaxCells)
	parentID := node.Parent()
	tree.unpin(leafID, false)
	if !full {
		return 0, nil
	}

	needed := uint32(1)
	pageID := leafID
	for depth := uint32(0); pageID != tree.rootPageID; depth++ {
		if depth >= tree.bpm.MaxPages() {
			return 0, errors.Wrapf(ErrCorruptTree, "parent chain of page %d does not reach the root", leafID)
		}
		parent, err := tree.fetchNode(parentID)
		if err != nil {
			return 0, err
		}
		full := parent.NumKeys() >= uint32(tree.layout.MaxInternalKeys)
		pageID, parentID = parentID, parent.Parent()
		tree.unpin(pageID, false)
		if !full {
			return needed, nil
		}
		needed++
	}
	return needed + 1, nil
}

// maxKey pageID 子树里的最大 key
func (tree *BTree) maxKey(pageID page.PageID) (uint32, error) {
	for depth := uint32(0); depth < tree.bpm.MaxPages(); depth++ {
		node, err := tree.fetchNode(pageID)
		if err != nil {
			return 0, err
		}
		if node.IsLeaf() {
			defer tree.unpin(pageID, false)
			if node.NumCells() == 0 {
				return 0, errors.Wrapf(ErrCorruptTree, "empty leaf %d under an internal node", pageID)
			}
			return node.MaxKey(), nil
		}
		next := node.RightChild()
		tree.unpin(pageID, false)
		pageID = next
	}
	return 0, errors.Wrapf(ErrCorruptTree, "right spine from page %d never reached a leaf", pageID)
}

func (tree *BTree) keyAt(pageID page.PageID, cell uint32) (uint32, bool, error) {
	node, err := tree.fetchNode(pageID)
	if err != nil {
		return 0, false, err
	}
	defer tree.unpin(pageID, false)

	if cell >= node.NumCells() {
		return 0, false, nil
	}
	return node.LeafKey(cell), true, nil
}

func (tree *BTree) setParent(pageID, parentID page.PageID) error {
	node, err := tree.fetchNode(pageID)
	if err != nil {
		return err
	}
	node.SetParent(parentID)
	tree.unpin(pageID, true)
	return nil
}

func (tree *BTree) fetchNode(pageID page.PageID) (*page.Node, error) {
	p, err := tree.bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return page.NewNode(p), nil
}

func (tree *BTree) unpin(pageID page.PageID, dirty bool) {
	if err := tree.bpm.UnpinPage(pageID, dirty); err != nil && tree.pinErr == nil {
		tree.pinErr = err
	}
}

// leafNodeFind 在叶子的 key 上二分查找 [left, right)
// 返回 key 的下标，不存在时返回插入位置
func leafNodeFind(node *page.Node, key uint32) uint32 {
	left, right := uint32(0), node.NumCells()
	for left < right {
		index := left + (right-left)/2
		if key > node.LeafKey(index) {
			left = index + 1
		} else {
			right = index
		}
	}
	return left
}

// internalNodeFind 返回要往下走的孩子下标：第一个 key >= 目标的 cell
// 所有 key 都更小时返回 NumKeys (右孩子)
func internalNodeFind(node *page.Node, key uint32) uint32 {
	left, right := uint32(0), node.NumKeys()
	for left < right {
		index := left + (right-left)/2
		if node.InternalKey(index) >= key {
			right = index
		} else {
			left = index + 1
		}
	}
	return left
}

func checkNode(pageID page.PageID, node *page.Node) error {
	switch node.Type() {
	case page.KindLeaf:
		if node.NumCells() > page.LeafMaxCells {
			return errors.Wrapf(ErrCorruptTree, "leaf %d claims %d cells", pageID, node.NumCells())
		}
	case page.KindInternal:
		if node.NumKeys() > page.InternalMaxKeys {
			return errors.Wrapf(ErrCorruptTree, "internal node %d claims %d keys", pageID, node.NumKeys())
		}
	default:
		return errors.Wrapf(ErrCorruptTree, "page %d has node type %d", pageID, node.Type())
	}
	return nil
}

func readInternal(node *page.Node) ([]uint32, []page.PageID) {
	numKeys := node.NumKeys()
	keys := make([]uint32, 0, numKeys+1)
	children := make([]page.PageID, 0, numKeys+2)
	for i := uint32(0); i < numKeys; i++ {
		keys = append(keys, node.InternalKey(i))
		children = append(children, node.InternalChild(i))
	}
	children = append(children, node.RightChild())
	return keys, children
}

func writeInternal(node *page.Node, keys []uint32, children []page.PageID) {
	node.SetNumKeys(uint32(len(keys)))
	for i, key := range keys {
		node.SetInternalCell(uint32(i), children[i], key)
	}
	node.SetRightChild(children[len(keys)])
}
