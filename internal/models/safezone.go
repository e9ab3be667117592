package models

import (
	"encoding/json"
	"time"

	"SafeTrace/pkg/geo"
)

// 半径边界（米）
const (
	MinZoneRadius = 50
	MaxZoneRadius = 5000
)

// SafeZone 圆形地理围栏，归属单个用户，可选按星期/时段激活。
type SafeZone struct {
	ID     string `gorm:"size:36;primaryKey"`
	UserID string `gorm:"size:36;index:idx_zone_user_active"`

	Name        string `gorm:"size:255"`
	Description string `gorm:"type:text"`

	// 圆心与半径
	Latitude  float64
	Longitude float64
	Radius    float64 `gorm:"default:500"` // 米

	// 开关由服务层显式赋值，不挂DB默认（零值false会被gorm省略）
	IsActive bool `gorm:"index:idx_zone_user_active"`

	// 进入/离开告警开关
	SendEntryAlert bool
	SendExitAlert  bool

	// 激活窗口：星期集合（JSON数组，0=周一..6=周日）+ 时段
	ActiveDays      string `gorm:"size:64"`
	ActiveStartTime string `gorm:"size:8"` // "HH:MM"
	ActiveEndTime   string `gorm:"size:8"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether the point lies inside the zone circle
func (z *SafeZone) Contains(lat, lon float64) bool {
	return geo.WithinRadius(lat, lon, z.Latitude, z.Longitude, z.Radius)
}

// ActiveAt reports whether the zone participates in evaluation at t.
// A zone without day/time restrictions is always active while enabled.
func (z *SafeZone) ActiveAt(t time.Time) bool {
	if !z.IsActive {
		return false
	}

	if days := z.activeDays(); len(days) > 0 {
		// time.Weekday 以周日为0；这里0=周一
		weekday := (int(t.Weekday()) + 6) % 7
		found := false
		for _, d := range days {
			if d == weekday {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if z.ActiveStartTime == "" || z.ActiveEndTime == "" {
		return true
	}
	start, err1 := time.Parse("15:04", z.ActiveStartTime)
	end, err2 := time.Parse("15:04", z.ActiveEndTime)
	if err1 != nil || err2 != nil {
		return true // 配置损坏时不静默禁用围栏
	}

	minutes := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if startMin <= endMin {
		return minutes >= startMin && minutes <= endMin
	}
	// 跨午夜窗口，例如 22:00-06:00
	return minutes >= startMin || minutes <= endMin
}

func (z *SafeZone) activeDays() []int {
	if z.ActiveDays == "" {
		return nil
	}
	var days []int
	if err := json.Unmarshal([]byte(z.ActiveDays), &days); err != nil {
		return nil
	}
	return days
}

// SetActiveDays 序列化星期集合
func (z *SafeZone) SetActiveDays(days []int) {
	if len(days) == 0 {
		z.ActiveDays = ""
		return
	}
	data, _ := json.Marshal(days)
	z.ActiveDays = string(data)
}
