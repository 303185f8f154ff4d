package devreg

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/hotasfuse/hotasfuse/internal/mapsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndList(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	svc := New(zap.NewNop(), db, nil, func() time.Time { return clock })

	online := mapsvc.LifecycleEvent{
		Role:   mapsvc.RoleStick,
		ByID:   "/dev/input/by-id/usb-test-event-joystick",
		Path:   "/dev/input/event7",
		Name:   "Test Stick",
		Online: true,
	}
	require.NoError(t, svc.record(online))

	clock = base.Add(time.Hour)
	offline := online
	offline.Online = false
	offline.Path = ""
	offline.Name = ""
	require.NoError(t, svc.record(offline))

	clock = base.Add(2 * time.Hour)
	require.NoError(t, svc.record(online))

	sightings, err := List(db)
	require.NoError(t, err)
	require.Len(t, sightings, 1)

	got := sightings[0]
	assert.Equal(t, "stick", got.Role)
	assert.Equal(t, online.ByID, got.ByID)
	assert.Equal(t, "/dev/input/event7", got.LastPath)
	assert.Equal(t, "Test Stick", got.LastName)
	assert.True(t, got.Online)
	assert.Equal(t, 3, got.Transitions)
	assert.Equal(t, base, got.FirstSeenAt, "first sighting is preserved")
	assert.Equal(t, base.Add(2*time.Hour), got.LastSeenAt)
}

func TestListDistinguishesRoles(t *testing.T) {
	db := openTestDB(t)
	svc := New(zap.NewNop(), db, nil, time.Now)

	require.NoError(t, svc.record(mapsvc.LifecycleEvent{
		Role: mapsvc.RoleStick, ByID: "/dev/a", Path: "/dev/input/event1", Online: true,
	}))
	require.NoError(t, svc.record(mapsvc.LifecycleEvent{
		Role: mapsvc.RoleThrottle, ByID: "/dev/b", Path: "/dev/input/event2", Online: true,
	}))

	sightings, err := List(db)
	require.NoError(t, err)
	assert.Len(t, sightings, 2)
}
