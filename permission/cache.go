package permission

import (
	"strings"
	"sync"
)

// Key identifies what an "always" answer covers.
type Key struct {
	Tool   string
	Target string
}

// KeyFor returns the cache key of an invocation: the path for file tools,
// the first command word for shell tools, and the tool name otherwise.
func KeyFor(inv Invocation) Key {
	switch inv.Target {
	case TargetFile:
		return Key{Tool: inv.Name, Target: inv.Path()}
	case TargetShell:
		fields := strings.Fields(inv.Command())
		if len(fields) == 0 {
			return Key{Tool: inv.Name}
		}
		return Key{Tool: inv.Name, Target: fields[0]}
	}
	return Key{Tool: inv.Name}
}

// Cache holds "always approve" answers. It lives as long as its Engine,
// across turns, until Reset.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]struct{}
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Key]struct{})}
}

// Has reports whether k was approved.
func (c *Cache) Has(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[k]
	return ok
}

// Add records k as approved.
func (c *Cache) Add(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = struct{}{}
}

// Reset forgets every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]struct{})
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
