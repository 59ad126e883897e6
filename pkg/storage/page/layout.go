package page

import (
	"encoding/binary"
	"fmt"
)

type NodeType uint8

const (
	KindInternal NodeType = 0
	KindLeaf     NodeType = 1
)

func (t NodeType) String() string {
	switch t {
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("NodeType(%d)", uint8(t))
	}
}

// 通用节点头
const (
	SizeOfNodeType   = 1
	SizeOfIsRoot     = 1
	SizeOfPageID     = 4
	SizeOfUint32     = 4
	OffsetNodeType   = 0
	OffsetIsRoot     = OffsetNodeType + SizeOfNodeType
	OffsetParentID   = OffsetIsRoot + SizeOfIsRoot
	CommonHeaderSize = SizeOfNodeType + SizeOfIsRoot + SizeOfPageID
)

// 叶子节点: cell 数量，之后从 LeafHeaderSize 开始紧挨着放 key/row cell
const (
	OffsetNumCells      = CommonHeaderSize
	LeafHeaderSize      = CommonHeaderSize + SizeOfUint32
	LeafKeySize         = SizeOfUint32
	LeafKeyOffset       = 0
	LeafValueSize       = RowSize
	LeafValueOffset     = LeafKeyOffset + LeafKeySize
	LeafCellSize        = LeafKeySize + LeafValueSize
	LeafSpaceForCells   = PageSize - LeafHeaderSize
	LeafMaxCells        = LeafSpaceForCells / LeafCellSize
	LeafRightSplitCount = (LeafMaxCells + 1) / 2
	LeafLeftSplitCount  = (LeafMaxCells + 1) - LeafRightSplitCount
)

// 内部节点: key 数量 + 右孩子，之后从 InternalHeaderSize 开始放 child/key cell
const (
	OffsetNumKeys         = CommonHeaderSize
	OffsetRightChild      = OffsetNumKeys + SizeOfUint32
	InternalHeaderSize    = CommonHeaderSize + SizeOfUint32 + SizeOfPageID
	InternalChildSize     = SizeOfPageID
	InternalKeySize       = SizeOfUint32
	InternalCellSize      = InternalChildSize + InternalKeySize
	InternalSpaceForCells = PageSize - InternalHeaderSize
	InternalMaxKeys       = InternalSpaceForCells / InternalCellSize
)

// Layout 节点的几何参数，打包成一个值传递，调用方不用直接读包级常量
// 除了 MaxInternalKeys 以外都由文件格式固定
type Layout struct {
	PageSize            int
	RowSize             int
	CommonHeaderSize    int
	LeafHeaderSize      int
	LeafCellSize        int
	LeafSpaceForCells   int
	LeafMaxCells        int
	LeafLeftSplitCount  int
	LeafRightSplitCount int
	InternalHeaderSize  int
	InternalCellSize    int
	// MaxInternalKeys 分裂时使用的扇出上限，可以比物理容量小，不能比它大
	MaxInternalKeys int
}

func DefaultLayout() Layout {
	return Layout{
		PageSize:            PageSize,
		RowSize:             RowSize,
		CommonHeaderSize:    CommonHeaderSize,
		LeafHeaderSize:      LeafHeaderSize,
		LeafCellSize:        LeafCellSize,
		LeafSpaceForCells:   LeafSpaceForCells,
		LeafMaxCells:        LeafMaxCells,
		LeafLeftSplitCount:  LeafLeftSplitCount,
		LeafRightSplitCount: LeafRightSplitCount,
		InternalHeaderSize:  InternalHeaderSize,
		InternalCellSize:    InternalCellSize,
		MaxInternalKeys:     InternalMaxKeys,
	}
}

// Constant 一个带名字的布局常量，顺序就是 .constants 打印的顺序
type Constant struct {
	Name  string
	Value int
}

// Constants 列出磁盘上的布局参数 (MaxInternalKeys 只是调优参数，不列)
func (l Layout) Constants() []Constant {
	return []Constant{
		{"ROW_SIZE", l.RowSize},
		{"COMMON_NODE_HEADER_SIZE", l.CommonHeaderSize},
		{"LEAF_NODE_HEADER_SIZE", l.LeafHeaderSize},
		{"LEAF_NODE_CELL_SIZE", l.LeafCellSize},
		{"LEAF_NODE_SPACE_FOR_CELLS", l.LeafSpaceForCells},
		{"LEAF_NODE_MAX_CELLS", l.LeafMaxCells},
		{"INTERNAL_NODE_HEADER_SIZE", l.InternalHeaderSize},
		{"INTERNAL_NODE_CELL_SIZE", l.InternalCellSize},
	}
}

// Node 页面字节上的一个视图，通过 Node 写入会直接改页面
type Node struct {
	Data []byte
}

func NewNode(p *Page) *Node {
	return &Node{Data: p.Data[:]}
}

func (n *Node) Type() NodeType {
	return NodeType(n.Data[OffsetNodeType])
}

func (n *Node) SetType(t NodeType) {
	n.Data[OffsetNodeType] = byte(t)
}

func (n *Node) IsLeaf() bool {
	return n.Type() == KindLeaf
}

func (n *Node) IsRoot() bool {
	return n.Data[OffsetIsRoot] != 0
}

func (n *Node) SetRoot(isRoot bool) {
	var v byte
	if isRoot {
		v = 1
	}
	n.Data[OffsetIsRoot] = v
}

func (n *Node) Parent() PageID {
	return PageID(binary.LittleEndian.Uint32(n.Data[OffsetParentID:]))
}

func (n *Node) SetParent(id PageID) {
	binary.LittleEndian.PutUint32(n.Data[OffsetParentID:], uint32(id))
}

// InitLeaf 把页面初始化成空的非根叶子
func (n *Node) InitLeaf() {
	n.SetType(KindLeaf)
	n.SetRoot(false)
	n.SetNumCells(0)
}

// InitInternal 把页面初始化成空的非根内部节点
func (n *Node) InitInternal() {
	n.SetType(KindInternal)
	n.SetRoot(false)
	n.SetNumKeys(0)
	n.SetRightChild(0)
}

// ---- 叶子 ----

func (n *Node) NumCells() uint32 {
	return binary.LittleEndian.Uint32(n.Data[OffsetNumCells:])
}

func (n *Node) SetNumCells(count uint32) {
	binary.LittleEndian.PutUint32(n.Data[OffsetNumCells:], count)
}

func leafCellOffset(cell uint32) int {
	if cell >= LeafMaxCells {
		panic(fmt.Sprintf("leaf cell %d out of range [0,%d)", cell, LeafMaxCells))
	}
	return LeafHeaderSize + int(cell)*LeafCellSize
}

// LeafCell 返回一个 cell 的完整 key+row 字节
func (n *Node) LeafCell(cell uint32) []byte {
	off := leafCellOffset(cell)
	return n.Data[off : off+LeafCellSize]
}

func (n *Node) LeafKey(cell uint32) uint32 {
	off := leafCellOffset(cell) + LeafKeyOffset
	return binary.LittleEndian.Uint32(n.Data[off:])
}

func (n *Node) SetLeafKey(cell uint32, key uint32) {
	off := leafCellOffset(cell) + LeafKeyOffset
	binary.LittleEndian.PutUint32(n.Data[off:], key)
}

// LeafValue 返回 cell 里序列化后的 row
func (n *Node) LeafValue(cell uint32) []byte {
	off := leafCellOffset(cell) + LeafValueOffset
	return n.Data[off : off+LeafValueSize]
}

// ---- 内部节点 ----

func (n *Node) NumKeys() uint32 {
	return binary.LittleEndian.Uint32(n.Data[OffsetNumKeys:])
}

func (n *Node) SetNumKeys(count uint32) {
	binary.LittleEndian.PutUint32(n.Data[OffsetNumKeys:], count)
}

func (n *Node) RightChild() PageID {
	return PageID(binary.LittleEndian.Uint32(n.Data[OffsetRightChild:]))
}

func (n *Node) SetRightChild(id PageID) {
	binary.LittleEndian.PutUint32(n.Data[OffsetRightChild:], uint32(id))
}

func internalCellOffset(cell uint32) int {
	if cell >= InternalMaxKeys {
		panic(fmt.Sprintf("internal cell %d out of range [0,%d)", cell, InternalMaxKeys))
	}
	return InternalHeaderSize + int(cell)*InternalCellSize
}

// InternalChild 返回 cell 的孩子指针，下标为 NumKeys() 时返回右孩子
func (n *Node) InternalChild(child uint32) PageID {
	numKeys := n.NumKeys()
	if child > numKeys {
		panic(fmt.Sprintf("internal child %d out of range, node has %d keys", child, numKeys))
	}
	if child == numKeys {
		return n.RightChild()
	}
	return PageID(binary.LittleEndian.Uint32(n.Data[internalCellOffset(child):]))
}

func (n *Node) SetInternalChild(child uint32, id PageID) {
	if child == n.NumKeys() {
		n.SetRightChild(id)
		return
	}
	binary.LittleEndian.PutUint32(n.Data[internalCellOffset(child):], uint32(id))
}

func (n *Node) InternalKey(key uint32) uint32 {
	off := internalCellOffset(key) + InternalChildSize
	return binary.LittleEndian.Uint32(n.Data[off:])
}

func (n *Node) SetInternalKey(key uint32, value uint32) {
	off := internalCellOffset(key) + InternalChildSize
	binary.LittleEndian.PutUint32(n.Data[off:], value)
}

// SetInternalCell 在指定下标写入 child/key，不管当前 key 数量
func (n *Node) SetInternalCell(cell uint32, child PageID, key uint32) {
	off := internalCellOffset(cell)
	binary.LittleEndian.PutUint32(n.Data[off:], uint32(child))
	binary.LittleEndian.PutUint32(n.Data[off+InternalChildSize:], key)
}

// MaxKey 节点自身存的最后一个 key
// 注意：内部节点返回的是 cell 里的最大 key，不是右孩子下面的
func (n *Node) MaxKey() uint32 {
	if n.IsLeaf() {
		return n.LeafKey(n.NumCells() - 1)
	}
	return n.InternalKey(n.NumKeys() - 1)
}
