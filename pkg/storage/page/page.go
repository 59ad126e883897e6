package page

// PageSize 文件 I/O 的单位，一个树节点正好占一页
const PageSize = 4096

// PageID 页号 = 文件偏移 / PageSize
type PageID uint32

// RootPageID 根节点永远在 0 号页
// 根分裂时原地重写这一页，所以页号不会变
const RootPageID PageID = 0

// InvalidPageID 表示 frame 里没有页面
const InvalidPageID PageID = ^PageID(0)

// Page 缓冲池里的一个内存页
type Page struct {
	id       PageID
	pinCount int32
	isDirty  bool
	Data     [PageSize]byte
}

func (p *Page) ID() PageID {
	return p.id
}

func (p *Page) SetID(id PageID) {
	p.id = id
}

func (p *Page) PinCount() int32 {
	return p.pinCount
}

func (p *Page) SetPinCount(count int32) {
	p.pinCount = count
}

func (p *Page) IsDirty() bool {
	return p.isDirty
}

func (p *Page) SetDirty(dirty bool) {
	p.isDirty = dirty
}

// Clear 清零页面数据
func (p *Page) Clear() {
	p.Data = [PageSize]byte{}
}
