package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"SafeTrace/internal/models"
	apperrors "SafeTrace/pkg/errors"
	"SafeTrace/pkg/util"
)

func newTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := util.InitDatabase("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() { _ = util.CloseDatabase(db) })
	return db
}

func seedUsers(t *testing.T, db *gorm.DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, db.Create(&models.User{
			ID:      id,
			Phone:   "130" + id,
			Enabled: true,
		}).Error)
	}
}

func TestPermissionLifecycle(t *testing.T) {
	db := newTestDB(t, "perm_lifecycle")
	seedUsers(t, db, "requester", "target")
	svc := NewPermissionService(db)
	ctx := context.Background()

	perm, err := svc.Request(ctx, "requester", "target", PermissionRequest{
		Purpose:       "family safety",
		DurationHours: 24,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PermissionStatusPending, perm.Status)
	assert.False(t, perm.IsValid())
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), perm.ExpiresAt, time.Minute)

	// 被观察方批准
	perm, err = svc.Respond(ctx, perm.ID, "target", true)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionStatusApproved, perm.Status)
	assert.True(t, perm.IsActive)
	assert.NotNil(t, perm.RespondedAt)
	assert.True(t, perm.IsValid())

	// 任意一方可撤销
	perm, err = svc.Revoke(ctx, perm.ID, "requester")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionStatusRevoked, perm.Status)
	assert.False(t, perm.IsValid())

	// 重复撤销返回NotActive，不崩溃
	_, err = svc.Revoke(ctx, perm.ID, "target")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotActive))
}

func TestRequestValidation(t *testing.T) {
	db := newTestDB(t, "perm_validation")
	seedUsers(t, db, "alice", "bob")
	svc := NewPermissionService(db)
	ctx := context.Background()

	// 不能追踪自己
	_, err := svc.Request(ctx, "alice", "alice", PermissionRequest{DurationHours: 24})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSelfTarget))

	// 200小时超出168上限
	_, err = svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 200})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.GetCode(err))

	_, err = svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 0})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.GetCode(err))

	// 上报间隔越界
	_, err = svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24, UpdateInterval: 5})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.GetCode(err))

	// 目标不存在
	_, err = svc.Request(ctx, "alice", "ghost", PermissionRequest{DurationHours: 24})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRequestPersistsDisabledFlags(t *testing.T) {
	db := newTestDB(t, "perm_flags")
	seedUsers(t, db, "alice", "bob")
	svc := NewPermissionService(db)

	off := false
	perm, err := svc.Request(context.Background(), "alice", "bob", PermissionRequest{
		Purpose:           "family safety",
		DurationHours:     24,
		SendAlerts:        &off,
		AllowAIPrediction: &off,
	})
	require.NoError(t, err)

	// 重新读库：false必须真正落库，不能被列默认顶回true
	var stored models.Permission
	require.NoError(t, db.First(&stored, "id = ?", perm.ID).Error)
	assert.False(t, stored.SendAlerts)
	assert.False(t, stored.AllowAIPrediction)
	assert.True(t, stored.AllowHeatmap)
}

func TestDuplicateActiveRequest(t *testing.T) {
	db := newTestDB(t, "perm_duplicate")
	seedUsers(t, db, "alice", "bob")
	svc := NewPermissionService(db)
	ctx := context.Background()

	first, err := svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24})
	require.NoError(t, err)

	// pending存在时不允许再次申请
	_, err = svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicateActiveRequest))

	// 反向的有向对不受影响
	_, err = svc.Request(ctx, "bob", "alice", PermissionRequest{DurationHours: 24})
	assert.NoError(t, err)

	// 进入终态后可以重新申请
	_, err = svc.Respond(ctx, first.ID, "bob", false)
	require.NoError(t, err)
	_, err = svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24})
	assert.NoError(t, err)
}

func TestConcurrentRequestUniqueness(t *testing.T) {
	db := newTestDB(t, "perm_concurrent")
	seedUsers(t, db, "alice", "bob")
	svc := NewPermissionService(db)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, apperrors.Is(err, apperrors.ErrDuplicateActiveRequest))
		}
	}
	assert.Equal(t, 1, succeeded)

	// 并发下有向对至多一条非终态记录
	var count int64
	require.NoError(t, db.Model(&models.Permission{}).
		Where("requester_id = ? AND target_id = ? AND status IN ?",
			"alice", "bob",
			[]string{models.PermissionStatusPending, models.PermissionStatusApproved}).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRespondHidesExistence(t *testing.T) {
	db := newTestDB(t, "perm_respond")
	seedUsers(t, db, "alice", "bob", "carol")
	svc := NewPermissionService(db)
	ctx := context.Background()

	perm, err := svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24})
	require.NoError(t, err)

	// 陌生人响应他人的请求与请求不存在得到同一个错误
	_, errStranger := svc.Respond(ctx, perm.ID, "carol", true)
	_, errMissing := svc.Respond(ctx, "no-such-id", "bob", true)
	require.Error(t, errStranger)
	require.Error(t, errMissing)
	assert.Equal(t, apperrors.GetCode(errMissing), apperrors.GetCode(errStranger))
	assert.True(t, apperrors.Is(errStranger, apperrors.ErrNotFoundOrAlreadyResponded))

	// 已响应的请求不能再次响应
	_, err = svc.Respond(ctx, perm.ID, "bob", true)
	require.NoError(t, err)
	_, err = svc.Respond(ctx, perm.ID, "bob", false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFoundOrAlreadyResponded))
}

func TestRevokeRequiresParticipant(t *testing.T) {
	db := newTestDB(t, "perm_revoke_actor")
	seedUsers(t, db, "alice", "bob", "carol")
	svc := NewPermissionService(db)
	ctx := context.Background()

	perm, err := svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24})
	require.NoError(t, err)
	_, err = svc.Respond(ctx, perm.ID, "bob", true)
	require.NoError(t, err)

	_, err = svc.Revoke(ctx, perm.ID, "carol")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
}

func TestExpiryLazyAndSweep(t *testing.T) {
	db := newTestDB(t, "perm_expiry")
	seedUsers(t, db, "alice", "bob")
	svc := NewPermissionService(db)
	ctx := context.Background()

	perm, err := svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 1})
	require.NoError(t, err)
	_, err = svc.Respond(ctx, perm.ID, "bob", true)
	require.NoError(t, err)

	// 把到期时间拨到过去
	require.NoError(t, db.Model(&models.Permission{}).
		Where("id = ?", perm.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	// 读取时惰性过期
	got, err := svc.CheckExpiry(ctx, perm.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionStatusExpired, got.Status)
	assert.False(t, got.IsActive)

	// 再建一条过期授权，批量扫出
	perm2, err := svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 1})
	require.NoError(t, err)
	_, err = svc.Respond(ctx, perm2.ID, "bob", true)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Permission{}).
		Where("id = ?", perm2.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExtendExpiry(t *testing.T) {
	db := newTestDB(t, "perm_extend")
	seedUsers(t, db, "alice", "bob")
	svc := NewPermissionService(db)
	ctx := context.Background()

	perm, err := svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24})
	require.NoError(t, err)

	// pending状态不能延期
	_, err = svc.ExtendExpiry(ctx, perm.ID, "alice", 24)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotActive))

	_, err = svc.Respond(ctx, perm.ID, "bob", true)
	require.NoError(t, err)

	before := perm.ExpiresAt
	extended, err := svc.ExtendExpiry(ctx, perm.ID, "alice", 24)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(24*time.Hour), extended.ExpiresAt, time.Second)
	assert.Equal(t, models.PermissionStatusApproved, extended.Status)
}

func TestIsValidBetween(t *testing.T) {
	db := newTestDB(t, "perm_isvalid")
	seedUsers(t, db, "alice", "bob")
	svc := NewPermissionService(db)
	ctx := context.Background()

	assert.False(t, svc.IsValidBetween("alice", "bob"))

	perm, err := svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24})
	require.NoError(t, err)
	assert.False(t, svc.IsValidBetween("alice", "bob"))

	_, err = svc.Respond(ctx, perm.ID, "bob", true)
	require.NoError(t, err)
	assert.True(t, svc.IsValidBetween("alice", "bob"))
	// 方向性：反向不成立
	assert.False(t, svc.IsValidBetween("bob", "alice"))

	// Revoke成功后谓词立即为假
	_, err = svc.Revoke(ctx, perm.ID, "bob")
	require.NoError(t, err)
	assert.False(t, svc.IsValidBetween("alice", "bob"))
}

func TestPermissionLists(t *testing.T) {
	db := newTestDB(t, "perm_lists")
	seedUsers(t, db, "alice", "bob", "carol")
	svc := NewPermissionService(db)
	ctx := context.Background()

	p1, err := svc.Request(ctx, "alice", "bob", PermissionRequest{DurationHours: 24})
	require.NoError(t, err)
	_, err = svc.Request(ctx, "carol", "alice", PermissionRequest{DurationHours: 24})
	require.NoError(t, err)

	mine, err := svc.ListMy(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	pending, err := svc.ListPending(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, "carol", pending[0].RequesterID)

	_, err = svc.Respond(ctx, p1.ID, "bob", true)
	require.NoError(t, err)

	active, err := svc.ListActive(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	stats, err := svc.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRequested)
	assert.Equal(t, int64(1), stats.TotalReceived)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.PendingOnMe)
}
