// Package roster caches group membership fetched from the group directory.
package roster

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// DefaultCapacity is the number of group rosters kept before eviction.
const DefaultCapacity = 1 << 16

// Cache is a bounded LRU of group rosters, filled lazily from a
// chat.GroupDirectory. The lock only guards the table; directory fetches run
// outside it, so two concurrent misses for the same group may both fetch.
type Cache struct {
	directory chat.GroupDirectory

	mu      sync.Mutex
	entries *simplelru.LRU[chat.GroupID, []chat.UserID]
	// generation advances on every Invalidate. A fetch only populates the
	// table if no invalidation happened while it was in flight.
	generation uint64
}

// New creates a cache over directory holding at most capacity rosters.
func New(directory chat.GroupDirectory, capacity int) (*Cache, error) {
	entries, err := simplelru.NewLRU[chat.GroupID, []chat.UserID](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}
	return &Cache{directory: directory, entries: entries}, nil
}

// Members returns the members of group, fetching them on a miss. The returned
// slice is shared with the cache and must not be modified.
func (c *Cache) Members(ctx context.Context, group chat.GroupID) ([]chat.UserID, error) {
	c.mu.Lock()
	members, ok := c.entries.Get(group)
	gen := c.generation
	c.mu.Unlock()
	if ok {
		return members, nil
	}

	fetched, err := c.directory.FetchMembers(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("roster: fetch group %d: %w", group, err)
	}
	members = lo.Uniq(fetched)

	c.mu.Lock()
	if c.generation == gen {
		c.entries.Add(group, members)
	}
	c.mu.Unlock()
	return members, nil
}

// Invalidate drops the cached roster of group so the next Members call
// refetches it. The group directory calls this whenever membership changes.
func (c *Cache) Invalidate(group chat.GroupID) {
	c.mu.Lock()
	c.entries.Remove(group)
	c.generation++
	c.mu.Unlock()
}

// Len reports the number of cached rosters.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
