package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"SafeTrace/internal/models"
	apperrors "SafeTrace/pkg/errors"
	"SafeTrace/pkg/websocket"
)

// capturePublisher 记录发布的消息
type capturePublisher struct {
	mu       sync.Mutex
	payloads []LocationUpdate
}

func (p *capturePublisher) PublishLocation(targetID string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if update, ok := payload.(LocationUpdate); ok {
		p.payloads = append(p.payloads, update)
	}
}

func (p *capturePublisher) published() []LocationUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LocationUpdate, len(p.payloads))
	copy(out, p.payloads)
	return out
}

func newIngestFixture(t *testing.T, name string) (*gorm.DB, *PermissionService, *IngestService) {
	t.Helper()
	db := newTestDB(t, name)
	seedUsers(t, db, "owner", "watcher")

	engine, err := NewGeofenceEngine(128)
	require.NoError(t, err)

	perms := NewPermissionService(db)
	ingest := NewIngestService(db, engine, perms, IngestConfig{
		LowBatteryLevel:  15,
		SpeedLimitKmh:    120,
		AnomalyThreshold: 0.85,
	})
	return db, perms, ingest
}

func approvedPermission(t *testing.T, perms *PermissionService, requester, target string) *models.Permission {
	t.Helper()
	ctx := context.Background()
	perm, err := perms.Request(ctx, requester, target, PermissionRequest{DurationHours: 24})
	require.NoError(t, err)
	perm, err = perms.Respond(ctx, perm.ID, target, true)
	require.NoError(t, err)
	return perm
}

func TestIngestRejectsInvalidSamples(t *testing.T) {
	_, _, ingest := newIngestFixture(t, "ingest_invalid")
	ctx := context.Background()

	_, err := ingest.Ingest(ctx, "owner", RawSample{Latitude: 91, Longitude: 0, Accuracy: 5})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidSample))

	_, err = ingest.Ingest(ctx, "owner", RawSample{Latitude: 0, Longitude: 181, Accuracy: 5})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidSample))

	_, err = ingest.Ingest(ctx, "owner", RawSample{Latitude: 10, Longitude: 10, Accuracy: -1})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidSample))

	battery := 120
	_, err = ingest.Ingest(ctx, "owner", RawSample{Latitude: 10, Longitude: 10, Accuracy: 5, BatteryLevel: &battery})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidSample))
}

func TestIngestPersistsThenPublishes(t *testing.T) {
	db, _, ingest := newIngestFixture(t, "ingest_persist")
	pub := &capturePublisher{}
	ingest.SetPublisher(pub)
	ctx := context.Background()

	sample, err := ingest.Ingest(ctx, "owner", RawSample{Latitude: 39.9042, Longitude: 116.4074, Accuracy: 10})
	require.NoError(t, err)

	// 样本已落库
	var stored models.LocationSample
	require.NoError(t, db.Where("id = ?", sample.ID).First(&stored).Error)
	assert.Equal(t, "owner", stored.UserID)

	// 落库成功后广播了一条坐标一致的消息
	published := pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, "location_update", published[0].Type)
	assert.Equal(t, 39.9042, published[0].Latitude)
	assert.Equal(t, 116.4074, published[0].Longitude)
	assert.Equal(t, "owner", published[0].UserID)
}

func TestIngestRaisesZoneAlerts(t *testing.T) {
	db, perms, ingest := newIngestFixture(t, "ingest_zone_alerts")
	perm := approvedPermission(t, perms, "watcher", "owner")
	ctx := context.Background()

	zone := models.SafeZone{
		ID:             NewID(),
		UserID:         "owner",
		Name:           "school",
		Latitude:       12.9716,
		Longitude:      77.5946,
		Radius:         500,
		IsActive:       true,
		SendEntryAlert: true,
		SendExitAlert:  true,
	}
	require.NoError(t, db.Create(&zone).Error)

	// 进入围栏
	_, err := ingest.Ingest(ctx, "owner", RawSample{Latitude: 12.9716, Longitude: 77.5946, Accuracy: 10})
	require.NoError(t, err)

	var alerts []models.Alert
	require.NoError(t, db.Where("permission_id = ?", perm.ID).Find(&alerts).Error)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertTypeEntry, alerts[0].AlertType)

	// 离开围栏
	_, err = ingest.Ingest(ctx, "owner", RawSample{Latitude: 12.9716, Longitude: 77.7000, Accuracy: 10})
	require.NoError(t, err)

	require.NoError(t, db.Where("permission_id = ?", perm.ID).Order("created_at").Find(&alerts).Error)
	require.Len(t, alerts, 2)
	assert.Equal(t, models.AlertTypeExit, alerts[1].AlertType)
}

func TestIngestRaisesBatteryAndSpeedAlerts(t *testing.T) {
	db, perms, ingest := newIngestFixture(t, "ingest_threshold_alerts")
	perm := approvedPermission(t, perms, "watcher", "owner")
	ctx := context.Background()

	battery := 8
	speed := 150.0
	_, err := ingest.Ingest(ctx, "owner", RawSample{
		Latitude: 10, Longitude: 10, Accuracy: 5,
		BatteryLevel: &battery,
		Speed:        &speed,
	})
	require.NoError(t, err)

	var kinds []string
	require.NoError(t, db.Model(&models.Alert{}).
		Where("permission_id = ?", perm.ID).
		Pluck("alert_type", &kinds).Error)
	assert.ElementsMatch(t, []string{models.AlertTypeBattery, models.AlertTypeSpeed}, kinds)
}

func TestIngestSkipsAlertsWhenDisabled(t *testing.T) {
	db, perms, ingest := newIngestFixture(t, "ingest_alerts_disabled")
	ctx := context.Background()

	// send_alerts=false的授权不挂告警
	off := false
	perm, err := perms.Request(ctx, "watcher", "owner", PermissionRequest{DurationHours: 24, SendAlerts: &off})
	require.NoError(t, err)
	_, err = perms.Respond(ctx, perm.ID, "owner", true)
	require.NoError(t, err)

	battery := 5
	_, err = ingest.Ingest(ctx, "owner", RawSample{Latitude: 10, Longitude: 10, Accuracy: 5, BatteryLevel: &battery})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&models.Alert{}).Where("permission_id = ?", perm.ID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestLocationQueriesRequirePermission(t *testing.T) {
	db, perms, ingest := newIngestFixture(t, "ingest_queries")
	seedUsers(t, db, "stranger")
	ctx := context.Background()

	_, err := ingest.Ingest(ctx, "owner", RawSample{Latitude: 10, Longitude: 10, Accuracy: 5})
	require.NoError(t, err)

	// 所有者自己随时可查
	latest, err := ingest.Latest(ctx, "owner", "owner")
	require.NoError(t, err)
	assert.Equal(t, 10.0, latest.Latitude)

	// 无授权的观察者被拒
	_, err = ingest.Latest(ctx, "stranger", "owner")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))

	_, err = ingest.History(ctx, "stranger", "owner", nil, 10)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))

	// 批准后可查
	approvedPermission(t, perms, "watcher", "owner")
	history, err := ingest.History(ctx, "watcher", "owner", nil, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestOwnerPurge(t *testing.T) {
	db, _, ingest := newIngestFixture(t, "ingest_purge")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ingest.Ingest(ctx, "owner", RawSample{Latitude: 10, Longitude: 10, Accuracy: 5})
		require.NoError(t, err)
	}

	n, err := ingest.DeleteAll(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var count int64
	require.NoError(t, db.Model(&models.LocationSample{}).Where("user_id = ?", "owner").Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRetentionPurge(t *testing.T) {
	db, _, ingest := newIngestFixture(t, "ingest_retention")
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -120)
	_, err := ingest.Ingest(ctx, "owner", RawSample{Latitude: 10, Longitude: 10, Accuracy: 5, Timestamp: &old})
	require.NoError(t, err)
	_, err = ingest.Ingest(ctx, "owner", RawSample{Latitude: 10, Longitude: 10, Accuracy: 5})
	require.NoError(t, err)

	n, err := ingest.PurgeOlderThan(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var count int64
	require.NoError(t, db.Model(&models.LocationSample{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// 端到端：申请→批准→订阅→摄入→收到一条匹配消息→撤销→不再送达
func TestRevokeStopsDeliveryEndToEnd(t *testing.T) {
	_, perms, ingest := newIngestFixture(t, "ingest_revoke_e2e")
	ctx := context.Background()

	hub := websocket.NewHub(nil)
	defer hub.Close()
	hub.SetAuthorizer(&HubAuthorizer{Perms: perms})
	ingest.SetPublisher(hub)

	perm := approvedPermission(t, perms, "watcher", "owner")

	conn := websocket.NewConnection("conn_watcher", "watcher", 32)
	hub.Register(conn)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, hub.Subscribe(conn, "owner"))

	_, err := ingest.Ingest(ctx, "owner", RawSample{Latitude: 39.9042, Longitude: 116.4074, Accuracy: 10})
	require.NoError(t, err)

	// 恰好一条坐标一致的location_update
	require.Equal(t, 1, len(conn.Send))
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(<-conn.Send, &msg))
	assert.Equal(t, "location_update", msg["type"])
	assert.Equal(t, 39.9042, msg["latitude"])
	assert.Equal(t, "owner", msg["user_id"])

	// 撤销后摄入照常，但订阅者不再收到
	_, err = perms.Revoke(ctx, perm.ID, "owner")
	require.NoError(t, err)

	_, err = ingest.Ingest(ctx, "owner", RawSample{Latitude: 40.0, Longitude: 116.5, Accuracy: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, len(conn.Send))
}
