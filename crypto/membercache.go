package crypto

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"
)

const memberCacheTTL = 10 * time.Second

// memberCache caches resolved room member lists with a short TTL and
// coalesces concurrent lookups of the same room. A stale entry is served
// immediately while a background fetch refreshes it.
type memberCache struct {
	resolve func(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	entries *xsync.Map[id.RoomID, memberCacheEntry]
	sfg     singleflight.Group
}

type memberCacheEntry struct {
	members   []id.UserID
	fetchedAt time.Time
}

func newMemberCache(resolve func(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)) *memberCache {
	return &memberCache{
		resolve: resolve,
		entries: xsync.NewMap[id.RoomID, memberCacheEntry](),
	}
}

func (c *memberCache) Get(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	key := roomID.String()
	if entry, ok := c.entries.Load(roomID); ok {
		if time.Since(entry.fetchedAt) > memberCacheTTL {
			go func() {
				_, _, _ = c.sfg.Do(key, func() (any, error) {
					members, err := c.resolve(context.Background(), roomID)
					if err == nil {
						c.entries.Store(roomID, memberCacheEntry{members: members, fetchedAt: time.Now()})
					}
					return nil, nil
				})
			}()
		}
		return entry.members, nil
	}

	v, err, _ := c.sfg.Do(key, func() (any, error) {
		if entry, ok := c.entries.Load(roomID); ok {
			return entry, nil
		}
		members, err := c.resolve(ctx, roomID)
		if err != nil {
			return nil, err
		}
		entry := memberCacheEntry{members: members, fetchedAt: time.Now()}
		c.entries.Store(roomID, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(memberCacheEntry).members, nil
}

// Invalidate drops the cached list, e.g. after a membership state event.
func (c *memberCache) Invalidate(roomID id.RoomID) {
	c.entries.Delete(roomID)
}
