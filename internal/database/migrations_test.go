package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/teamboard/boardsync/internal/board"
)

func TestApplyMigrationsBackfillsNoteUpdater(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "migration.db")

	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&board.Note{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := board.Note{
		ID:        "note-1",
		BoardID:   "board-1",
		CreatedBy: "user-1",
		UpdatedBy: "",
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to insert note: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var stored board.Note
	if err := db.Where("note_id = ?", legacy.ID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload note: %v", err)
	}
	if stored.UpdatedBy != "user-1" {
		t.Fatalf("expected updated_by to be backfilled from created_by, got %q", stored.UpdatedBy)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillNoteUpdater).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "idempotent.db")

	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&board.Note{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 migration record, got %d", count)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
