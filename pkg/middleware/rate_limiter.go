package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimiterConfig 限流配置
//
// Rate: "100-M"、"10-S" 形式；Identifier: "ip" 或 "user"；
// SkipPaths 前缀匹配（health、metrics 等）。
// Store 为内存实现；多副本部署时换 Redis store 注入。
type RateLimiterConfig struct {
	Rate       string   `json:"rate"`
	Identifier string   `json:"identifier"` // ip | user
	SkipPaths  []string `json:"skip_paths"`
	AddHeaders bool     `json:"add_headers"`
}

type limiterState struct {
	cfg RateLimiterConfig
	lim *limiter.Limiter
}

// 当前生效的限流器，SetRateLimiterConfig 在运行期整体替换
var currentLimiter atomic.Pointer[limiterState]

func newLimiterState(cfg RateLimiterConfig) (*limiterState, error) {
	if cfg.Rate == "" {
		cfg.Rate = "300-M"
	}
	rate, err := limiter.NewRateFromFormatted(cfg.Rate)
	if err != nil {
		return nil, err
	}
	return &limiterState{cfg: cfg, lim: limiter.New(memory.NewStore(), rate)}, nil
}

// SetRateLimiterConfig 运行期更新限流配置，换新 store 意味着计数清零
func SetRateLimiterConfig(cfg RateLimiterConfig) error {
	st, err := newLimiterState(cfg)
	if err != nil {
		return err
	}
	currentLimiter.Store(st)
	return nil
}

// RateLimiter builds a gin middleware throttling by client identity.
// 超限返回429，带标准限流响应头。
func RateLimiter(cfg RateLimiterConfig) (gin.HandlerFunc, error) {
	if err := SetRateLimiterConfig(cfg); err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		st := currentLimiter.Load()
		if st == nil {
			c.Next()
			return
		}
		for _, p := range st.cfg.SkipPaths {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}

		key := c.ClientIP()
		if st.cfg.Identifier == "user" {
			if uid := c.GetHeader("X-User-ID"); uid != "" {
				key = uid
			}
		}

		lctx, err := st.lim.Get(c.Request.Context(), key)
		if err != nil {
			// 限流器故障时放行而不是拒绝
			c.Next()
			return
		}

		if st.cfg.AddHeaders {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))
		}

		if lctx.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}, nil
}
