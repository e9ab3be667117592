package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"gorm.io/gorm"

	"SafeTrace/internal/models"
	apperrors "SafeTrace/pkg/errors"
	"SafeTrace/pkg/geo"
)

var timeOfDayPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// SafeZoneInput 创建/更新围栏的参数
type SafeZoneInput struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Latitude        float64  `json:"latitude"`
	Longitude       float64  `json:"longitude"`
	Radius          float64  `json:"radius"`
	IsActive        *bool    `json:"is_active"`
	SendEntryAlert  *bool    `json:"send_entry_alert"`
	SendExitAlert   *bool    `json:"send_exit_alert"`
	ActiveDays      []int    `json:"active_days"`
	ActiveStartTime string   `json:"active_start_time"`
	ActiveEndTime   string   `json:"active_end_time"`
}

// SafeZoneService 围栏的所有者CRUD
type SafeZoneService struct {
	db     *gorm.DB
	engine *GeofenceEngine
}

func NewSafeZoneService(db *gorm.DB, engine *GeofenceEngine) *SafeZoneService {
	return &SafeZoneService{db: db, engine: engine}
}

func validateZoneInput(in SafeZoneInput) error {
	if !geo.ValidCoordinates(in.Latitude, in.Longitude) {
		return apperrors.WithCode(apperrors.CodeValidation, "invalid zone center coordinates").
			WithContext("field", "coordinates")
	}
	if in.Radius < models.MinZoneRadius || in.Radius > models.MaxZoneRadius {
		return apperrors.WithCodef(apperrors.CodeValidation,
			"radius must be between %d and %d meters", models.MinZoneRadius, models.MaxZoneRadius).
			WithContext("field", "radius").
			WithContext("value", fmt.Sprintf("%.0f", in.Radius))
	}
	for _, d := range in.ActiveDays {
		if d < 0 || d > 6 {
			return apperrors.WithCode(apperrors.CodeValidation, "active_days entries must be 0 (Monday) to 6 (Sunday)").
				WithContext("field", "active_days")
		}
	}
	// 时段成对出现，格式 HH:MM
	if (in.ActiveStartTime == "") != (in.ActiveEndTime == "") {
		return apperrors.WithCode(apperrors.CodeValidation, "active time window requires both start and end").
			WithContext("field", "active_time")
	}
	if in.ActiveStartTime != "" && (!timeOfDayPattern.MatchString(in.ActiveStartTime) || !timeOfDayPattern.MatchString(in.ActiveEndTime)) {
		return apperrors.WithCode(apperrors.CodeValidation, "active time must be HH:MM").
			WithContext("field", "active_time")
	}
	return nil
}

// Create 创建围栏
func (s *SafeZoneService) Create(ctx context.Context, ownerID string, in SafeZoneInput) (*models.SafeZone, error) {
	if err := validateZoneInput(in); err != nil {
		return nil, err
	}

	now := time.Now()
	zone := &models.SafeZone{
		ID:              NewID(),
		UserID:          ownerID,
		Name:            in.Name,
		Description:     in.Description,
		Latitude:        in.Latitude,
		Longitude:       in.Longitude,
		Radius:          in.Radius,
		IsActive:        in.IsActive == nil || *in.IsActive,
		SendEntryAlert:  in.SendEntryAlert == nil || *in.SendEntryAlert,
		SendExitAlert:   in.SendExitAlert == nil || *in.SendExitAlert,
		ActiveStartTime: in.ActiveStartTime,
		ActiveEndTime:   in.ActiveEndTime,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	zone.SetActiveDays(in.ActiveDays)

	if err := s.db.WithContext(ctx).Create(zone).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to create safe zone")
	}
	return zone, nil
}

// List 我的全部围栏
func (s *SafeZoneService) List(ctx context.Context, ownerID string) ([]models.SafeZone, error) {
	var zones []models.SafeZone
	err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at DESC").
		Find(&zones).Error
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list safe zones")
	}
	return zones, nil
}

func (s *SafeZoneService) getOwned(ctx context.Context, ownerID, zoneID string) (*models.SafeZone, error) {
	var zone models.SafeZone
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", zoneID, ownerID).
		First(&zone).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrNotFound.WithContext("zone_id", zoneID)
		}
		return nil, apperrors.Wrap(err, "failed to load safe zone")
	}
	return &zone, nil
}

// Get 按ID取围栏，仅所有者可见
func (s *SafeZoneService) Get(ctx context.Context, ownerID, zoneID string) (*models.SafeZone, error) {
	return s.getOwned(ctx, ownerID, zoneID)
}

// Update 更新围栏
func (s *SafeZoneService) Update(ctx context.Context, ownerID, zoneID string, in SafeZoneInput) (*models.SafeZone, error) {
	if err := validateZoneInput(in); err != nil {
		return nil, err
	}

	zone, err := s.getOwned(ctx, ownerID, zoneID)
	if err != nil {
		return nil, err
	}

	zone.Name = in.Name
	zone.Description = in.Description
	zone.Latitude = in.Latitude
	zone.Longitude = in.Longitude
	zone.Radius = in.Radius
	if in.IsActive != nil {
		zone.IsActive = *in.IsActive
	}
	if in.SendEntryAlert != nil {
		zone.SendEntryAlert = *in.SendEntryAlert
	}
	if in.SendExitAlert != nil {
		zone.SendExitAlert = *in.SendExitAlert
	}
	zone.ActiveStartTime = in.ActiveStartTime
	zone.ActiveEndTime = in.ActiveEndTime
	zone.SetActiveDays(in.ActiveDays)
	zone.UpdatedAt = time.Now()

	if err := s.db.WithContext(ctx).Save(zone).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to update safe zone")
	}

	// 圆心/半径变了，老的在内/在外状态不再可信
	if s.engine != nil {
		s.engine.Forget(ownerID, zone.ID)
	}
	return zone, nil
}

// Delete 删除围栏并清掉围栏状态
func (s *SafeZoneService) Delete(ctx context.Context, ownerID, zoneID string) error {
	zone, err := s.getOwned(ctx, ownerID, zoneID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(zone).Error; err != nil {
		return apperrors.Wrap(err, "failed to delete safe zone")
	}
	if s.engine != nil {
		s.engine.Forget(ownerID, zone.ID)
	}
	return nil
}
