package forum

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceProvider struct {
	prefix string
	next   atomic.Int64
}

func (p *sequenceProvider) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", p.prefix, p.next.Add(1)), nil
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "forum.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(Models(), &users.Profile{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database:   db,
		IDProvider: &sequenceProvider{prefix: "id"},
		Clock: func() time.Time {
			return time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func mustCreate(t *testing.T, db *gorm.DB, value interface{}) {
	t.Helper()
	if err := db.Create(value).Error; err != nil {
		t.Fatalf("failed to seed %T: %v", value, err)
	}
}
