package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// DB opens a private in-memory SQLite database with the schema migrated
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=private", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open test db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("test db pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&entity.App{}, &entity.BuildLog{}); err != nil {
		tb.Fatalf("migrate test db: %v", err)
	}
	return db
}

func SeedApp(tb testing.TB, db *gorm.DB, userID uuid.UUID, status entity.AppStatus, createdAt time.Time) *entity.App {
	tb.Helper()

	app := &entity.App{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      "demo",
		Status:    status,
		CreatedAt: createdAt,
	}
	if err := db.Create(app).Error; err != nil {
		tb.Fatalf("seed app: %v", err)
	}
	return app
}
