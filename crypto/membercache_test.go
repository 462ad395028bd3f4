package crypto

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestMemberCacheServesFromCache(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := newMemberCache(func(context.Context, id.RoomID) ([]id.UserID, error) {
		calls.Add(1)
		return []id.UserID{"@alice:example.org"}, nil
	})

	members, err := c.Get(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, []id.UserID{"@alice:example.org"}, members)

	_, err = c.Get(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestMemberCacheInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := newMemberCache(func(context.Context, id.RoomID) ([]id.UserID, error) {
		calls.Add(1)
		return nil, nil
	})

	_, err := c.Get(ctx, "!room:example.org")
	require.NoError(t, err)
	c.Invalidate("!room:example.org")
	_, err = c.Get(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestMemberCacheErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := newMemberCache(func(context.Context, id.RoomID) ([]id.UserID, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("federation timeout")
		}
		return []id.UserID{"@bob:example.org"}, nil
	})

	_, err := c.Get(ctx, "!room:example.org")
	require.Error(t, err)
	members, err := c.Get(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, []id.UserID{"@bob:example.org"}, members)
}
