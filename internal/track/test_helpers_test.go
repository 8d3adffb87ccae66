package track

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustDeviceID(t *testing.T, value string) DeviceID {
	t.Helper()
	id, err := NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func floatPtr(value float64) *float64 {
	return &value
}

func epochPtr(value int64) *int64 {
	return &value
}

func fixedClock(epoch int64) func() time.Time {
	return func() time.Time {
		return time.Unix(epoch, 0).UTC()
	}
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:track_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CanonicalPoint{}, &TrackCache{}, &TrackHist{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB, clockEpoch int64) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Database:     db,
		Clock:        fixedClock(clockEpoch),
		ETagProvider: NewUUIDETagProvider(),
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}
