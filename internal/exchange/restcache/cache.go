// Package restcache is a file cache for historical REST pages, keyed on the
// MD5 of the fully-qualified request URL. Writes go through a temp file and
// rename so a crashed run never leaves a torn page behind.
package restcache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quantpulse/barflow/internal/model"
)

// Page is one cached REST response: the normalized trades plus the cursor
// the API reported for the next request.
type Page struct {
	Trades      []model.Trade `json:"trades"`
	LastTradeID int64         `json:"last_trade_id"`
}

// Cache stores pages under a single directory. A nil *Cache disables
// caching entirely.
type Cache struct {
	dir string
}

// New opens (creating if needed) a cache directory. An empty dir returns a
// nil cache, which every method treats as a miss.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(url string) string {
	sum := md5.Sum([]byte(url))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

// Has reports whether a page for this URL is cached.
func (c *Cache) Has(url string) bool {
	if c == nil {
		return false
	}
	_, err := os.Stat(c.path(url))
	return err == nil
}

// Read loads a cached page.
func (c *Cache) Read(url string) (Page, error) {
	if c == nil {
		return Page{}, fmt.Errorf("cache disabled")
	}
	data, err := os.ReadFile(c.path(url))
	if err != nil {
		return Page{}, fmt.Errorf("read cached page: %w", err)
	}
	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		return Page{}, fmt.Errorf("decode cached page: %w", err)
	}
	return page, nil
}

// Write stores a page atomically. A nil cache is a no-op.
func (c *Cache) Write(url string, page Page) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}

	dst := c.path(url)
	tmp, err := os.CreateTemp(c.dir, ".page-*")
	if err != nil {
		return fmt.Errorf("create temp page: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp page: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp page: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish page: %w", err)
	}
	return nil
}
