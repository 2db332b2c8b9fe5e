package subdomain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// saveDelay debounces cache writes: rapid reconnects mutate the map several
// times but hit the disk once.
const saveDelay = time.Second

// Cache maps hashed API key + local port to the subdomain that pairing last
// used, so a reconnecting client gets the same public URL. Backed by a JSON
// file written through a debounced writer.
type Cache struct {
	path   string
	delay  time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	mappings map[string]string
	dirty    bool
	timer    *time.Timer
}

type cacheFile struct {
	Mappings map[string]string `json:"mappings"`
}

// NewCache loads the cache at path. A missing file yields an empty cache; a
// corrupt one is logged and treated as empty rather than blocking startup.
func NewCache(path string, logger zerolog.Logger) *Cache {
	c := &Cache{
		path:     path,
		delay:    saveDelay,
		logger:   logger,
		mappings: make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("subdomain cache unreadable, starting empty")
		}
		return c
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("subdomain cache corrupt, starting empty")
		return c
	}
	if f.Mappings != nil {
		c.mappings = f.Mappings
	}
	return c
}

// Key builds the cache key for an API key and local port. Only a hash prefix
// of the key is stored so the cache file never contains the secret.
func Key(apiKey string, port int) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:8] + ":" + strconv.Itoa(port)
}

// Lookup returns the subdomain last used by this API key and port.
func (c *Cache) Lookup(apiKey string, port int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.mappings[Key(apiKey, port)]
	return sub, ok
}

// ReservedByOther reports whether subdomain is already mapped under a
// different API key. Mappings for the same key (any port) do not count.
func (c *Cache) ReservedByOther(apiKey, subdomain string) bool {
	hash, _, _ := strings.Cut(Key(apiKey, 0), ":")
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, sub := range c.mappings {
		if sub != subdomain {
			continue
		}
		owner, _, _ := strings.Cut(key, ":")
		if owner != hash {
			return true
		}
	}
	return false
}

// Reserve records the subdomain for this API key and port and schedules a
// debounced write.
func (c *Cache) Reserve(apiKey string, port int, subdomain string) {
	key := Key(apiKey, port)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mappings[key] == subdomain {
		return
	}
	c.mappings[key] = subdomain
	c.markDirtyLocked()
}

func (c *Cache) markDirtyLocked() {
	c.dirty = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.delay, func() {
			if err := c.write(); err != nil {
				c.logger.Error().Err(err).Str("path", c.path).Msg("subdomain cache write failed")
			}
		})
		return
	}
	c.timer.Reset(c.delay)
}

// Flush cancels any pending debounce and writes synchronously. Called once
// at shutdown.
func (c *Cache) Flush() error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	return c.write()
}

// write persists the mappings with a temp-file-and-rename so readers never
// observe a partial file.
func (c *Cache) write() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(cacheFile{Mappings: c.mappings}, "", "  ")
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("marshal subdomain cache: %w", err)
	}
	c.dirty = false
	c.mu.Unlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
