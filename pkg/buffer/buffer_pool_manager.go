package buffer

import (
	"acdb/pkg/storage/disk"
	"acdb/pkg/storage/page"
	"sync"

	"github.com/pkg/errors"
)

// DefaultMaxPages 页表上限，超过之后没有扩容策略
const DefaultMaxPages = 100

var (
	ErrPageOutOfBounds = errors.New("page number out of bounds")
	ErrPageNotResident = errors.New("page is not resident")
	ErrNoFreeFrame     = errors.New("no victim found (all pages are pinned)")
	ErrPoolClosed      = errors.New("buffer pool is closed")
	ErrNotPinned       = errors.New("pin count is already 0")
)

type Options struct {
	// MaxPages 页号上限，合法范围 [0, MaxPages)
	MaxPages uint32
	// PoolSize frame 数量。0 表示等于 MaxPages，所有页一直留在内存直到 Close，不会被驱逐
	PoolSize int
}

type Stats struct {
	Resident  int
	Pinned    int
	Hits      int
	Misses    int
	Evictions int
	Flushes   int
}

// BufferPoolManager 页面管理器：持有 disk manager 和页缓冲
// 第一次访问时从磁盘加载，驱逐和 Close 时写回
type BufferPoolManager struct {
	mu          sync.Mutex
	diskManager disk.DiskManager
	pages       []*page.Page
	replacer    *LRUReplacer
	freeList    []int
	pageTable   map[page.PageID]int
	maxPages    uint32
	numPages    uint32
	stats       Stats
	closed      bool
}

func NewBufferPoolManager(diskManager disk.DiskManager, opts Options) *BufferPoolManager {
	if opts.MaxPages == 0 {
		opts.MaxPages = DefaultMaxPages
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 || poolSize > int(opts.MaxPages) {
		poolSize = int(opts.MaxPages)
	}

	bpm := &BufferPoolManager{
		diskManager: diskManager,
		pages:       make([]*page.Page, poolSize),
		replacer:    NewLRUReplacer(poolSize),
		freeList:    make([]int, poolSize),
		pageTable:   make(map[page.PageID]int),
		maxPages:    opts.MaxPages,
		numPages:    diskManager.NumPages(),
	}

	for i := 0; i < poolSize; i++ {
		p := &page.Page{}
		p.SetID(page.InvalidPageID)
		bpm.pages[i] = p
		bpm.freeList[i] = i
	}

	return bpm
}

// NumPages 用到过的最大页号 + 1 (磁盘或内存)
func (b *BufferPoolManager) NumPages() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numPages
}

func (b *BufferPoolManager) MaxPages() uint32 {
	return b.maxPages
}

func (b *BufferPoolManager) PoolSize() int {
	return len(b.pages)
}

func (b *BufferPoolManager) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Resident = len(b.pageTable)
	for _, frameID := range b.pageTable {
		if b.pages[frameID].PinCount() > 0 {
			s.Pinned++
		}
	}
	return s
}

// FetchPage 核心方法：获取一个页面 (已 pin)
// 1. 如果在缓存中，直接返回
// 2. 如果不在，从磁盘读取 (文件还没这么长就是全 0 页)
// 用完必须 UnpinPage
func (b *BufferPoolManager) FetchPage(pageID page.PageID) (*page.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrPoolClosed
	}
	if uint32(pageID) >= b.maxPages {
		return nil, errors.Wrapf(ErrPageOutOfBounds, "tried to fetch page %d, max %d", pageID, b.maxPages)
	}

	if frameID, ok := b.pageTable[pageID]; ok {
		b.stats.Hits++
		b.replacer.Pin(frameID)
		p := b.pages[frameID]
		p.SetPinCount(p.PinCount() + 1)
		return p, nil
	}

	b.stats.Misses++
	frameID, err := b.findVictimFrame()
	if err != nil {
		return nil, err
	}

	p := b.pages[frameID]
	if err := b.diskManager.ReadPage(pageID, p); err != nil {
		p.SetID(page.InvalidPageID)
		b.freeList = append(b.freeList, frameID)
		return nil, err
	}
	p.SetID(pageID)
	p.SetPinCount(1)
	p.SetDirty(false)

	b.pageTable[pageID] = frameID
	b.replacer.Pin(frameID)
	if uint32(pageID) >= b.numPages {
		b.numPages = uint32(pageID) + 1
	}

	return p, nil
}

// NewPage 分配下一个未使用的页号，清零并 pin 住
func (b *BufferPoolManager) NewPage() (*page.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrPoolClosed
	}
	newPageID := page.PageID(b.numPages)
	if b.numPages >= b.maxPages {
		return nil, errors.Wrapf(ErrPageOutOfBounds, "tried to allocate page %d, max %d", newPageID, b.maxPages)
	}

	frameID, err := b.findVictimFrame()
	if err != nil {
		return nil, err
	}

	p := b.pages[frameID]
	p.Clear()
	p.SetID(newPageID)
	p.SetPinCount(1)
	p.SetDirty(true)

	b.pageTable[newPageID] = frameID
	b.replacer.Pin(frameID)
	b.numPages++

	return p, nil
}

// UnpinPage 释放一次 pin
// isDirty: 如果调用者修改了页面，必须传 true
func (b *BufferPoolManager) UnpinPage(pageID page.PageID, isDirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return errors.Wrapf(ErrPageNotResident, "unpin page %d", pageID)
	}

	p := b.pages[frameID]
	if p.PinCount() <= 0 {
		return errors.Wrapf(ErrNotPinned, "unpin page %d", pageID)
	}

	p.SetPinCount(p.PinCount() - 1)
	if isDirty {
		p.SetDirty(true)
	}
	if p.PinCount() == 0 {
		b.replacer.Unpin(frameID)
	}

	return nil
}

// FlushPage 强制将某个页面刷盘，页面不在内存中会报错
func (b *BufferPoolManager) FlushPage(pageID page.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return errors.Wrapf(ErrPageNotResident, "tried to flush page %d", pageID)
	}
	return b.flushFrame(b.pages[frameID])
}

// FlushAllPages 把内存里的页全部刷盘
func (b *BufferPoolManager) FlushAllPages() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushAll()
}

// Close 全部刷盘、fsync、关闭文件、释放缓冲，重复调用没有副作用
func (b *BufferPoolManager) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	err := b.flushAll()
	if err == nil {
		err = b.diskManager.Sync()
	}
	if cerr := b.diskManager.Close(); err == nil {
		err = cerr
	}

	b.pageTable = map[page.PageID]int{}
	b.pages = nil
	b.freeList = nil
	return err
}

func (b *BufferPoolManager) flushAll() error {
	for _, frameID := range b.pageTable {
		if err := b.flushFrame(b.pages[frameID]); err != nil {
			return err
		}
	}
	return nil
}

func (b *BufferPoolManager) flushFrame(p *page.Page) error {
	if err := b.diskManager.WritePage(p.ID(), p); err != nil {
		return err
	}
	p.SetDirty(false)
	b.stats.Flushes++
	return nil
}

// findVictimFrame 辅助方法：寻找可用的 FrameID
// 如果 freeList 有空闲，直接用；否则从 LRU 驱逐一个 (脏页先写回)
func (b *BufferPoolManager) findVictimFrame() (int, error) {
	if len(b.freeList) > 0 {
		frameID := b.freeList[0]
		b.freeList = b.freeList[1:]
		return frameID, nil
	}

	frameID := b.replacer.Victim()
	if frameID == -1 {
		return -1, ErrNoFreeFrame
	}

	victimPage := b.pages[frameID]
	if victimPage.IsDirty() {
		if err := b.flushFrame(victimPage); err != nil {
			b.replacer.Unpin(frameID)
			return -1, err
		}
	}

	delete(b.pageTable, victimPage.ID())
	victimPage.SetID(page.InvalidPageID)
	b.stats.Evictions++

	return frameID, nil
}
