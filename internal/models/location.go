package models

import "time"

// 运动状态分类
const (
	ActivityStationary = "stationary"
	ActivityWalking    = "walking"
	ActivityRunning    = "running"
	ActivityCycling    = "cycling"
	ActivityDriving    = "driving"
)

// LocationSample 一次位置上报。创建后不可变；仅所有者清除或保留期淘汰删除。
type LocationSample struct {
	ID     string `gorm:"size:36;primaryKey"`
	UserID string `gorm:"size:36;index:idx_loc_user_time,priority:1"`

	Latitude  float64
	Longitude float64
	// 定位精度（米），>=0
	Accuracy float64

	// 可选运动属性
	Altitude     *float64
	Speed        *float64 // km/h
	Heading      *float64 // 角度
	BatteryLevel *int
	// 摄入时显式赋值（缺省视为移动中），不挂DB默认
	IsMoving     bool
	ActivityType string `gorm:"size:20"`

	Timestamp time.Time `gorm:"index:idx_loc_user_time,priority:2"`
	CreatedAt time.Time
}
