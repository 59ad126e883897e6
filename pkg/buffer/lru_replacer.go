package buffer

import (
	"container/list"
	"sync"
)

// LRUReplacer 按最近使用顺序记录没被 pin 的 frame
// 注意：这里存的是 FrameID (池下标)，不是 PageID。只有 pin count 为 0 的 frame 才能被淘汰
type LRUReplacer struct {
	mu       sync.Mutex
	capacity int
	list     *list.List // 队头是最近 unpin 的
	elements map[int]*list.Element
}

func NewLRUReplacer(capacity int) *LRUReplacer {
	return &LRUReplacer{
		capacity: capacity,
		list:     list.New(),
		elements: make(map[int]*list.Element),
	}
}

// Victim 淘汰最久没用的 frame，没有可淘汰的返回 -1
func (l *LRUReplacer) Victim() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.list.Back()
	if elem == nil {
		return -1
	}

	frameID := elem.Value.(int)
	l.list.Remove(elem)
	delete(l.elements, frameID)
	return frameID
}

// Pin 正在使用，从候选中移除
func (l *LRUReplacer) Pin(frameID int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.elements[frameID]; ok {
		l.list.Remove(elem)
		delete(l.elements, frameID)
	}
}

// Unpin 可以被淘汰了，放到最近使用的位置
func (l *LRUReplacer) Unpin(frameID int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.elements[frameID]; ok {
		return
	}
	if l.list.Len() >= l.capacity {
		return
	}

	l.elements[frameID] = l.list.PushFront(frameID)
}

func (l *LRUReplacer) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}
