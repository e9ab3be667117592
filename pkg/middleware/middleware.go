package middleware

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// DBField gin上下文中数据库句柄的键
const DBField = "safetrace.db"

// InjectDB makes the process-wide gorm handle available to handlers and
// auth middleware via the request context.
func InjectDB(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(DBField, db)
		c.Next()
	}
}

// GetDB 从请求上下文取数据库句柄
func GetDB(c *gin.Context) *gorm.DB {
	return c.MustGet(DBField).(*gorm.DB)
}
