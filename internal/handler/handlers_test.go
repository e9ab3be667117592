package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"SafeTrace/internal/models"
	"SafeTrace/internal/service"
	"SafeTrace/pkg/config"
	"SafeTrace/pkg/sse"
	"SafeTrace/pkg/util"
	"SafeTrace/pkg/websocket"
)

func newTestRouter(t *testing.T, name string) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.GlobalConfig = &config.Config{APIPrefix: "/api", RateLimit: "1000-S"}

	db, err := util.InitDatabase("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() { _ = util.CloseDatabase(db) })

	engineSvc, err := service.NewGeofenceEngine(64)
	require.NoError(t, err)
	perms := service.NewPermissionService(db)
	zones := service.NewSafeZoneService(db, engineSvc)
	alerts := service.NewAlertService(db)
	ingest := service.NewIngestService(db, engineSvc, perms, service.IngestConfig{})

	hub := websocket.NewHub(websocket.DefaultConfig())
	t.Cleanup(hub.Close)

	router := gin.New()
	h := NewHandlers(db, perms, zones, alerts, ingest, hub, sse.NewHub(0), nil)
	h.Register(router)
	return router, db
}

func seedUser(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	require.NoError(t, db.Create(&models.User{ID: id, Phone: "130" + id, Enabled: true}).Error)
}

func doJSON(router *gin.Engine, method, path, asUser string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if asUser != "" {
		req.Header.Set("X-User-ID", asUser)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthRequiredOnBusinessRoutes(t *testing.T) {
	router, _ := newTestRouter(t, "h_auth")

	w := doJSON(router, http.MethodGet, "/api/permissions/my", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, http.MethodGet, "/api/permissions/my", "ghost", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPermissionLifecycleOverHTTP(t *testing.T) {
	router, db := newTestRouter(t, "h_perm")
	seedUser(t, db, "alice")
	seedUser(t, db, "bob")

	w := doJSON(router, http.MethodPost, "/api/permissions/request", "alice", gin.H{
		"target_id":      "bob",
		"purpose":        "family safety",
		"duration_hours": 24,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Data models.Permission `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Data.ID)

	// 申请方不能替被观察方批准
	w = doJSON(router, http.MethodPost, "/api/permissions/"+created.Data.ID+"/respond", "alice", gin.H{"approve": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/api/permissions/"+created.Data.ID+"/respond", "bob", gin.H{"approve": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/permissions/active", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Data.ID)
}

func TestLocationVisibilityOverHTTP(t *testing.T) {
	router, db := newTestRouter(t, "h_loc")
	seedUser(t, db, "owner")
	seedUser(t, db, "stranger")

	w := doJSON(router, http.MethodPost, "/api/locations", "owner", gin.H{
		"latitude":  39.9042,
		"longitude": 116.4074,
		"accuracy":  10,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// 本人可见
	w = doJSON(router, http.MethodGet, "/api/locations/latest", "owner", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// 无授权的陌生人拒绝访问
	w = doJSON(router, http.MethodGet, "/api/locations/user/owner/latest", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 坐标越界
	w = doJSON(router, http.MethodPost, "/api/locations", "owner", gin.H{
		"latitude":  91.0,
		"longitude": 0.0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSafeZoneCRUDOverHTTP(t *testing.T) {
	router, db := newTestRouter(t, "h_zone")
	seedUser(t, db, "owner")
	seedUser(t, db, "other")

	w := doJSON(router, http.MethodPost, "/api/safezones", "owner", gin.H{
		"name":      "home",
		"latitude":  12.9716,
		"longitude": 77.5946,
		"radius":    500,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Data models.SafeZone `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// 非所有者不可见
	w = doJSON(router, http.MethodGet, "/api/safezones/"+created.Data.ID, "other", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodDelete, "/api/safezones/"+created.Data.ID, "owner", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/safezones", "owner", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestSystemHealth(t *testing.T) {
	router, _ := newTestRouter(t, "h_health")

	w := doJSON(router, http.MethodGet, "/api/system/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}
