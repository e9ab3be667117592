package models

import (
	"net/http"
	"strings"
	"time"

	"SafeTrace/pkg/middleware"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// UserField gin上下文中当前用户的键
const UserField = "safetrace.user"

// User 被追踪/追踪方账号。注册、凭证校验、JWT签发由外部身份服务负责，
// 这里只保存资料行。
type User struct {
	ID          string `gorm:"size:36;primaryKey"`
	Phone       string `gorm:"size:32;uniqueIndex"`
	Email       string `gorm:"size:255"`
	DisplayName string `gorm:"size:128"`
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuthRequired resolves the authenticated user for the request. Identity
// verification happens upstream (gateway strips and re-issues X-User-ID);
// here the header is trusted and resolved to a user row.
func AuthRequired(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		// 兼容 Bearer 形式
		auth := c.GetHeader("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			userID = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	db := middleware.GetDB(c)
	var user User
	if err := db.Where("id = ? AND enabled = ?", userID, true).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve user"})
		return
	}

	c.Set(UserField, &user)
	c.Next()
}

// CurrentUser 获取当前登录用户
func CurrentUser(c *gin.Context) *User {
	if v, ok := c.Get(UserField); ok {
		if u, ok := v.(*User); ok {
			return u
		}
	}
	return nil
}
