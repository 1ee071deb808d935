package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is an in-process LRU volatile tier with per-entry TTL. It backs
// deployments without a Redis URL and keeps tests hermetic.
type Memory struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
	nowFn    func() time.Time
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

var _ Volatile = &Memory{}

func NewMemory(capacity int) *Memory {
	return &Memory{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	e := elem.Value.(*memoryEntry)
	if m.nowFn().After(e.expiresAt) {
		m.removeElement(elem)
		return nil, false, nil
	}
	m.order.MoveToFront(elem)
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := m.nowFn().Add(ttl)
	if elem, ok := m.items[key]; ok {
		m.order.MoveToFront(elem)
		e := elem.Value.(*memoryEntry)
		e.value = value
		e.expiresAt = expiresAt
		return nil
	}

	if m.order.Len() >= m.capacity {
		m.evictOldest()
	}
	elem := m.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	m.items[key] = elem
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element, m.capacity)
	m.order.Init()
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) evictOldest() {
	elem := m.order.Back()
	if elem == nil {
		return
	}
	m.removeElement(elem)
}

func (m *Memory) removeElement(elem *list.Element) {
	m.order.Remove(elem)
	e := elem.Value.(*memoryEntry)
	delete(m.items, e.key)
}
