package index

import (
	"acdb/pkg/storage/page"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// DumpTree 深度优先打印树，每行一个节点或 key，每层缩进一个空格:
//
//	- internal (size 1)
//	 - leaf (size 7)
//	  - 1
//	 - key 7
//	 - leaf (size 7)
//	  - 8
func (tree *BTree) DumpTree() (string, error) {
	var sb strings.Builder
	if err := tree.dump(&sb, tree.rootPageID, 0); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (tree *BTree) dump(sb *strings.Builder, pageID page.PageID, level int) error {
	if level > int(tree.bpm.MaxPages()) {
		return errors.Wrapf(ErrCorruptTree, "page %d is deeper than the page count allows", pageID)
	}
	node, err := tree.fetchNode(pageID)
	if err != nil {
		return err
	}
	if err := checkNode(pageID, node); err != nil {
		tree.unpin(pageID, false)
		return err
	}

	indent := strings.Repeat(" ", level)
	if node.IsLeaf() {
		numCells := node.NumCells()
		fmt.Fprintf(sb, "%s- leaf (size %d)\n", indent, numCells)
		for i := uint32(0); i < numCells; i++ {
			fmt.Fprintf(sb, "%s - %d\n", indent, node.LeafKey(i))
		}
		tree.unpin(pageID, false)
		return nil
	}

	// 先把路由数据拷出来，递归时不持有 pin
	keys, children := readInternal(node)
	tree.unpin(pageID, false)

	fmt.Fprintf(sb, "%s- internal (size %d)\n", indent, len(keys))
	for i, key := range keys {
		if err := tree.dump(sb, children[i], level+1); err != nil {
			return err
		}
		fmt.Fprintf(sb, "%s - key %d\n", indent, key)
	}
	return tree.dump(sb, children[len(keys)], level+1)
}

// Depth 从根到叶子的层数
func (tree *BTree) Depth() (int, error) {
	pageID := tree.rootPageID
	for depth := 1; depth <= int(tree.bpm.MaxPages()); depth++ {
		node, err := tree.fetchNode(pageID)
		if err != nil {
			return 0, err
		}
		leaf := node.IsLeaf()
		child := page.InvalidPageID
		if !leaf {
			child = node.InternalChild(0)
		}
		tree.unpin(pageID, false)
		if leaf {
			return depth, nil
		}
		pageID = child
	}
	return 0, errors.Wrap(ErrCorruptTree, "left spine never reached a leaf")
}

// Verify 遍历整棵树检查结构:
// 1. 每个叶子内 key 严格递增
// 2. 内部节点的 key 等于左边子树的最大 key
// 3. parent 指针指回父节点
// 4. 只有根节点带 root 标志，所有叶子深度相同
// 另外还有页面没 unpin 或者之前 unpin 失败过也会报错
func (tree *BTree) Verify() error {
	if tree.pinErr != nil {
		return errors.Wrap(tree.pinErr, "unbalanced unpin")
	}
	v := verifier{tree: tree, leafDepth: -1}
	if _, _, _, err := v.walk(tree.rootPageID, tree.rootPageID, 0); err != nil {
		return err
	}
	if pinned := tree.bpm.Stats().Pinned; pinned > 0 {
		return errors.Wrapf(ErrPinLeak, "%d pages still pinned", pinned)
	}
	return nil
}

type verifier struct {
	tree      *BTree
	leafDepth int
}

// walk 返回 pageID 子树的最小、最大 key，子树为空时返回 false
func (v *verifier) walk(pageID, parentID page.PageID, level int) (uint32, uint32, bool, error) {
	tree := v.tree
	if level > int(tree.bpm.MaxPages()) {
		return 0, 0, false, errors.Wrapf(ErrCorruptTree, "page %d is deeper than the page count allows", pageID)
	}
	node, err := tree.fetchNode(pageID)
	if err != nil {
		return 0, 0, false, err
	}
	if err := checkNode(pageID, node); err != nil {
		tree.unpin(pageID, false)
		return 0, 0, false, err
	}

	isRoot := pageID == tree.rootPageID
	if node.IsRoot() != isRoot {
		tree.unpin(pageID, false)
		return 0, 0, false, errors.Wrapf(ErrCorruptTree, "page %d has root flag %t", pageID, node.IsRoot())
	}
	if !isRoot && node.Parent() != parentID {
		tree.unpin(pageID, false)
		return 0, 0, false, errors.Wrapf(ErrCorruptTree, "page %d points at parent %d, reached from %d", pageID, node.Parent(), parentID)
	}

	if node.IsLeaf() {
		defer tree.unpin(pageID, false)
		if v.leafDepth == -1 {
			v.leafDepth = level
		} else if v.leafDepth != level {
			return 0, 0, false, errors.Wrapf(ErrCorruptTree, "leaf %d at depth %d, expected %d", pageID, level, v.leafDepth)
		}
		numCells := node.NumCells()
		if numCells == 0 {
			if !isRoot {
				return 0, 0, false, errors.Wrapf(ErrCorruptTree, "non-root leaf %d is empty", pageID)
			}
			return 0, 0, false, nil
		}
		for i := uint32(1); i < numCells; i++ {
			if node.LeafKey(i-1) >= node.LeafKey(i) {
				return 0, 0, false, errors.Wrapf(ErrCorruptTree, "leaf %d keys out of order at cell %d", pageID, i)
			}
		}
		return node.LeafKey(0), node.LeafKey(numCells - 1), true, nil
	}

	keys, children := readInternal(node)
	tree.unpin(pageID, false)

	var lo, hi uint32
	for i, child := range children {
		childLo, childHi, ok, err := v.walk(child, pageID, level+1)
		if err != nil {
			return 0, 0, false, err
		}
		if !ok {
			return 0, 0, false, errors.Wrapf(ErrCorruptTree, "child %d of page %d is empty", child, pageID)
		}
		if i > 0 && childLo <= keys[i-1] {
			return 0, 0, false, errors.Wrapf(ErrCorruptTree, "child %d of page %d starts at %d, not above key %d", child, pageID, childLo, keys[i-1])
		}
		if i < len(keys) && childHi != keys[i] {
			return 0, 0, false, errors.Wrapf(ErrCorruptTree, "page %d key %d does not match child max %d", pageID, keys[i], childHi)
		}
		if i == 0 {
			lo = childLo
		}
		hi = childHi
	}
	return lo, hi, true, nil
}
