package models

import "gorm.io/gorm"

// 领域信号名，listener 在启动时注册
const (
	SigAlertCreate       = "alert.create"
	SigPermissionRequest = "permission.request"
)

// Migrate creates/updates the schema for every entity in the core
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Permission{},
		&SafeZone{},
		&LocationSample{},
		&Alert{},
	)
}
