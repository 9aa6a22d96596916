package query

import "sync"

// Cache remembers generated search queries by exact question text.
// Entries are never evicted.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]string
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string][]string)}
}

func cacheKey(question string) string {
	return "searchQueries:" + question
}

// Get returns a copy of the cached queries
func (c *Cache) Get(question string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	queries, ok := c.entries[cacheKey(question)]
	if !ok {
		return nil, false
	}
	return append([]string(nil), queries...), true
}

// Put stores a copy of the queries
func (c *Cache) Put(question string, queries []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(question)] = append([]string(nil), queries...)
}

// Len reports the number of cached questions
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
