package service

import (
	"context"
	"os"
	"testing"
	"time"

	"memberchat/internal/cache"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomService_ListAndOnline(t *testing.T) {
	gdb := setupTestDB(t)
	free := createRoom(t, gdb, "notice", true)
	paid := createRoom(t, gdb, "stock", false)
	svc := NewRoomService(gdb, nil, fakeOnline{free.ID: 3})

	all, err := svc.List(context.Background(), RoomsAll)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, free.ID, all[0].ID)
	assert.Equal(t, 3, all[0].OnlineCount)
	assert.Equal(t, 0, all[1].OnlineCount)

	onlyFree, err := svc.List(context.Background(), RoomsFree)
	require.NoError(t, err)
	require.Len(t, onlyFree, 1)
	assert.True(t, onlyFree[0].IsFree)

	d, err := svc.Describe(context.Background(), paid.ID)
	require.NoError(t, err)
	assert.Equal(t, "stock", d.Name)

	_, err = svc.Get(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoomService_Create(t *testing.T) {
	gdb := setupTestDB(t)
	svc := NewRoomService(gdb, nil, fakeOnline{})
	price := 50000
	desc := "crypto futures"

	dto, err := svc.Create(context.Background(), RoomInput{Name: "  Crypto ", RoomType: "crypto", Price: &price, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "Crypto", dto.Name)
	assert.False(t, dto.IsFree)
	require.NotNil(t, dto.Price)
	assert.Equal(t, 50000, *dto.Price)

	got, err := svc.Get(context.Background(), dto.ID)
	require.NoError(t, err)
	assert.Equal(t, "crypto", got.RoomType)

	neg := -1
	tests := []RoomInput{
		{Name: "", RoomType: "stock"},
		{Name: "x", RoomType: ""},
		{Name: "x", RoomType: "stock", Price: &neg},
	}
	for _, in := range tests {
		_, err := svc.Create(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidRoom)
	}
}

// Requires Redis; set TEST_REDIS_ADDR or run one on localhost:6379.
func TestRoomService_CreateInvalidatesCachedLists(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	c := cache.New(client, "memberchat-svc-test:", time.Minute)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = c.Delete(ctx, roomListKey(RoomsAll), roomListKey(RoomsFree))
		_ = c.Close()
	})
	require.NoError(t, c.Delete(ctx, roomListKey(RoomsAll), roomListKey(RoomsFree)))

	gdb := setupTestDB(t)
	createRoom(t, gdb, "notice", true)
	svc := NewRoomService(gdb, c, fakeOnline{})

	all, err := svc.List(ctx, RoomsAll)
	require.NoError(t, err)
	require.Len(t, all, 1)
	free, err := svc.List(ctx, RoomsFree)
	require.NoError(t, err)
	require.Len(t, free, 1)

	_, err = svc.Create(ctx, RoomInput{Name: "lobby", RoomType: "general", IsFree: true})
	require.NoError(t, err)

	all, err = svc.List(ctx, RoomsAll)
	require.NoError(t, err)
	assert.Len(t, all, 2, "cached all-rooms list must be dropped after create")
	free, err = svc.List(ctx, RoomsFree)
	require.NoError(t, err)
	assert.Len(t, free, 2, "cached free-rooms list must be dropped after create")
}
