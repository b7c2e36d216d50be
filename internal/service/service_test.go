package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"memberchat/internal/events"
	"memberchat/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gdb.AutoMigrate(&models.User{}, &models.Room{}, &models.Message{}, &models.RefreshToken{}))
	return gdb
}

type fakeOnline map[uint]int

func (f fakeOnline) Online(roomID uint) int { return f[roomID] }

type broadcast struct {
	roomID  uint
	payload []byte
}

type fakeHub struct {
	mu   sync.Mutex
	sent []broadcast
}

func (h *fakeHub) Broadcast(roomID uint, payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, broadcast{roomID: roomID, payload: payload})
	return 1
}

func (h *fakeHub) all() []broadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]broadcast(nil), h.sent...)
}

type fakePublisher struct {
	got chan []byte
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	if routingKey == events.KeyMessageCreated {
		p.got <- body
	}
	return nil
}

func createRoom(t *testing.T, gdb *gorm.DB, name string, free bool) models.Room {
	t.Helper()
	r := models.Room{Name: name, RoomType: "notice", IsFree: free}
	require.NoError(t, gdb.Create(&r).Error)
	return r
}

func createUser(t *testing.T, gdb *gorm.DB, name, role string) *models.User {
	t.Helper()
	u := models.User{Phone: "010-" + name, Name: name, Role: role, IsApproved: true, PasswordHash: "x"}
	require.NoError(t, gdb.Create(&u).Error)
	return &u
}

func decode(t *testing.T, b []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func waitFor(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
