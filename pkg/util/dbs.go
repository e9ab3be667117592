package util

import (
	"time"

	gormlogger "gorm.io/gorm/logger"

	"gorm.io/gorm"
)

// InitDatabase opens the process-wide database handle and configures the
// connection pool. The pool is injected into components on startup rather
// than looked up globally.
func InitDatabase(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	db, err := createDatabaseInstance(cfg, driver, dsn)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(64)
	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// CloseDatabase releases the underlying connection pool on shutdown
func CloseDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
