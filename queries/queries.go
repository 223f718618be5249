// Package queries loads named SQL query definitions from a resource
// directory and memoizes them so the storage layer never re-reads a query
// it has already used. The cache can be invalidated explicitly, which lets
// query text be edited on disk and picked up without restarting the
// process. Invalidation affects only future lookups; query text already
// handed out is unaffected.
package queries

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
)

//go:embed sql/*.sql
var builtinFS embed.FS

// ErrNotFound is returned when no resource matches the requested name.
var ErrNotFound = errors.New("query not found")

// Definition is a single named query resource. Script marks a
// multi-statement batch that must be executed as-is rather than as a
// single parameterized statement.
type Definition struct {
	Script bool
	Text   string
}

// Cache serves query definitions by name from a filesystem, reading each
// resource at most once between invalidations.
type Cache struct {
	fsys   fs.FS
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]Definition
}

// New creates a cache over the given filesystem. Resources are named
// <name>.sql for single statements or <name>.script.sql for batches.
func New(fsys fs.FS, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fsys:   fsys,
		logger: logger,
		defs:   make(map[string]Definition),
	}
}

// Builtin returns a cache over the queries compiled into the binary.
func Builtin(logger *slog.Logger) *Cache {
	sub, err := fs.Sub(builtinFS, "sql")
	if err != nil {
		// The embed directive guarantees the directory exists.
		panic(err)
	}
	return New(sub, logger)
}

// Load returns the definition for name, reading it from the resource
// store on first use and from memory afterwards.
func (c *Cache) Load(name string) (Definition, error) {
	c.mu.RLock()
	def, ok := c.defs[name]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have read it while we waited for the lock.
	if def, ok := c.defs[name]; ok {
		return def, nil
	}

	def, err := c.read(name)
	if err != nil {
		return Definition{}, err
	}
	c.defs[name] = def
	return def, nil
}

// InvalidateAll clears the cache so every subsequent Load re-reads its
// resource. Safe to call while queries are in flight.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.defs = make(map[string]Definition)
	c.mu.Unlock()
	c.logger.Info("query cache invalidated")
}

func (c *Cache) read(name string) (Definition, error) {
	entries, err := fs.ReadDir(c.fsys, ".")
	if err != nil {
		return Definition{}, fmt.Errorf("read query dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base, _, _ := strings.Cut(entry.Name(), ".")
		if base != name {
			continue
		}
		text, err := fs.ReadFile(c.fsys, entry.Name())
		if err != nil {
			return Definition{}, fmt.Errorf("read query %s: %w", entry.Name(), err)
		}
		c.logger.Debug("query loaded", "name", name, "file", entry.Name())
		return Definition{
			Script: strings.HasSuffix(entry.Name(), ".script.sql"),
			Text:   string(text),
		}, nil
	}

	return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}
