package lua

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ModuleCache holds compiled chunks keyed by module name. A compiled
// FunctionProto carries no interpreter state and is shared by every State
// that requires the module until the cache entry is purged.
type ModuleCache struct {
	mu      sync.Mutex
	entries map[string]*lua.FunctionProto
	hits    uint64
	misses  uint64
}

// NewModuleCache creates an empty cache.
func NewModuleCache() *ModuleCache {
	return &ModuleCache{entries: make(map[string]*lua.FunctionProto)}
}

// Load returns the compiled chunk for module name, compiling path on a miss.
func (c *ModuleCache) Load(name, path string) (*lua.FunctionProto, error) {
	c.mu.Lock()
	if proto, ok := c.entries[name]; ok {
		c.hits++
		c.mu.Unlock()
		return proto, nil
	}
	c.misses++
	c.mu.Unlock()

	proto, err := compileFile(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[name]; ok {
		return existing, nil
	}
	c.entries[name] = proto
	return proto, nil
}

// Purge drops prefix and every module below it ("prefix.*"). It returns the
// number of entries removed.
func (c *ModuleCache) Purge(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for name := range c.entries {
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			delete(c.entries, name)
			n++
		}
	}
	return n
}

// Modules returns the cached module names, sorted.
func (c *ModuleCache) Modules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stats returns hit and miss counts.
func (c *ModuleCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func compileFile(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunk, err := parse.Parse(bufio.NewReader(f), path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", path, err)
	}
	return proto, nil
}
