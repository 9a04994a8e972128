package transfer

import (
	"context"
	"fmt"
	"path"
	"sync"

	"usb2snes/snes"
)

// DirCache remembers which directories are known to exist for one session. Listing a missing
// directory or creating an existing one can cost the connection on some devices, so a
// directory is only ever checked through its parent's listing.
type DirCache struct {
	mu   sync.Mutex
	dirs map[string]struct{}
}

func NewDirCache() *DirCache {
	return &DirCache{dirs: make(map[string]struct{})}
}

func (c *DirCache) Has(dir string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dirs[path.Clean(dir)]
	return ok
}

func (c *DirCache) Add(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs[path.Clean(dir)] = struct{}{}
}

func (c *DirCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs = make(map[string]struct{})
}

// Ensure makes sure dir exists, creating missing ancestors first.
func (c *DirCache) Ensure(ctx context.Context, dir string, l Lister, mkdir func(ctx context.Context, dir string) error) error {
	dir = path.Clean("/" + dir)
	if dir == "/" || c.Has(dir) {
		return nil
	}

	parent, name := snes.SplitPath(dir)
	if err := c.Ensure(ctx, parent, l, mkdir); err != nil {
		return err
	}

	entries, err := l.List(ctx, parent)
	if err != nil {
		return fmt.Errorf("transfer: list %s: %w", parent, err)
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		if !e.IsDir() {
			return fmt.Errorf("transfer: %s exists and is not a directory", dir)
		}
		c.Add(dir)
		return nil
	}

	if err = mkdir(ctx, dir); err != nil {
		return fmt.Errorf("transfer: mkdir %s: %w", dir, err)
	}
	c.Add(dir)
	return nil
}

// Prepare pre-creates the parent directory of p when configured to.
func (e *Engine) Prepare(ctx context.Context, p string, l Lister, mkdir func(ctx context.Context, dir string) error) error {
	if !e.cfg.PreCreateDir {
		return nil
	}
	dir, _ := snes.SplitPath(p)
	return e.Dirs.Ensure(ctx, dir, l, mkdir)
}
