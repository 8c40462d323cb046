package docs

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&DocState{}, &DocSnapshot{}, &DocEvent{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("unexpected store constructor error: %v", err)
	}
	return store, db
}
