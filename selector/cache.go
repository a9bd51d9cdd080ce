package selector

import (
	"errors"
	"os"
	"time"

	"github.com/yllada/vpn-core/common"
)

// Cache holds the results of the last test pass.
type Cache struct {
	Results map[string]ProbeResult `json:"results"`
	// Timestamp is the unix time in milliseconds of the pass.
	Timestamp int64 `json:"timestamp"`
}

func newCache() Cache {
	return Cache{Results: make(map[string]ProbeResult)}
}

// Fresh reports whether the cache is non-empty and younger than ttl at now.
func (c Cache) Fresh(now time.Time, ttl time.Duration) bool {
	if len(c.Results) == 0 || c.Timestamp == 0 {
		return false
	}
	return now.Sub(time.UnixMilli(c.Timestamp)) < ttl
}

// covers reports whether at least one of servers has a usable cached result.
func (c Cache) covers(servers []Server) bool {
	for _, s := range servers {
		if r, ok := c.Results[s.ID]; ok && r.Usable() {
			return true
		}
	}
	return false
}

func loadCache(path string) Cache {
	c := newCache()
	if path == "" {
		return c
	}
	if err := common.ReadJSON(path, &c); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			common.LogWarn("Discarding unreadable selection cache: %v", err)
		}
		return newCache()
	}
	if c.Results == nil {
		c.Results = make(map[string]ProbeResult)
	}
	return c
}

func saveCache(path string, c Cache) {
	if path == "" {
		return
	}
	if err := common.WriteJSON(path, c); err != nil {
		common.LogWarn("Failed to persist selection cache: %v", err)
	}
}
