package pregen

import (
	"container/list"
	"sync"

	"github.com/lessonstream/engine/internal/domain"
)

type lruEntry struct {
	key   string
	chunk domain.Chunk
}

// lruCache bounds how many generated chunks the pipeline holds onto after
// producing them.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 20
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (domain.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return domain.Chunk{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).chunk, true
}

func (c *lruCache) put(key string, chunk domain.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		el.Value.(*lruEntry).chunk = chunk
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, chunk: chunk})
	c.index[key] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*lruEntry).key)
	}
}
