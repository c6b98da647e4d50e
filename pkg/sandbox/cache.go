package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheKey identifies one compiled template: the attachment plus its content
// version. A content update changes the version, so stale programs age out
// of the LRU instead of being served.
type cacheKey struct {
	ref     string
	version uint64
}

// Cache is a bounded read-through cache of compiled templates, shared by all
// thread workers in a process. Compilation is pure (no tenant state), so a
// duplicate compile under concurrency is wasteful but harmless.
type Cache struct {
	programs *lru.Cache[cacheKey, *goja.Program]
}

// NewCache creates a compiled-template cache holding up to size programs.
func NewCache(size int) (*Cache, error) {
	programs, err := lru.New[cacheKey, *goja.Program](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create template cache: %w", err)
	}
	return &Cache{programs: programs}, nil
}

// Load returns the compiled program for (ref, version), compiling source on
// a miss. Compile errors are not cached; a broken template fails every
// dispatch until its content changes.
func (c *Cache) Load(ref string, version uint64, source string) (*goja.Program, error) {
	key := cacheKey{ref: ref, version: version}
	if prog, ok := c.programs.Get(key); ok {
		return prog, nil
	}

	prog, err := goja.Compile(ref, source, true)
	if err != nil {
		return nil, fmt.Errorf("template compile failed: %w", err)
	}
	c.programs.Add(key, prog)
	return prog, nil
}

// Invalidate drops every cached version of ref. Called from the attachment
// store's change notification.
func (c *Cache) Invalidate(ref string) {
	for _, key := range c.programs.Keys() {
		if key.ref == ref {
			c.programs.Remove(key)
		}
	}
}

// Len returns the number of cached programs.
func (c *Cache) Len() int { return c.programs.Len() }
