package config

import (
	"SafeTrace/pkg/logger"
	"SafeTrace/pkg/util"
	"log"
	"os"
)

// config/config.go
type Config struct {
	DBDriver  string `env:"DB_DRIVER"`
	DSN       string `env:"DSN"`
	Addr      string `env:"ADDR"`
	Mode      string `env:"MODE"`
	APIPrefix string `env:"API_PREFIX"`
	Log       logger.LogConfig

	// 缓存
	CacheType     string `env:"CACHE_TYPE"` // local | gocache | redis
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	// 权限过期扫描
	SweepSchedule string `env:"SWEEP_SCHEDULE"` // cron 表达式，默认 @every 1h

	// 位置数据保留
	LocationRetentionDays int `env:"LOCATION_RETENTION_DAYS"`

	// 离线检测
	OfflineThresholdMin int `env:"OFFLINE_THRESHOLD_MIN"`

	// 到期提醒提前量（小时）
	ExpiryReminderHours int `env:"EXPIRY_REMINDER_HOURS"`

	// 阈值告警
	LowBatteryLevel int     `env:"LOW_BATTERY_LEVEL"`
	SpeedLimitKmh   float64 `env:"SPEED_LIMIT_KMH"`

	// 异常评分服务（外部协作方，仅消费评分）
	AnomalyScorerURL string  `env:"ANOMALY_SCORER_URL"`
	AnomalyThreshold float64 `env:"ANOMALY_THRESHOLD"`

	// 限流
	RateLimit string `env:"RATE_LIMIT"` // e.g. "300-M"

	// 数据库备份；BackupPath 为空时不开启
	BackupSchedule string `env:"BACKUP_SCHEDULE"`
	BackupPath     string `env:"BACKUP_PATH"`
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	err := util.LoadEnv(env)
	if err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 加载全局配置
	GlobalConfig = &Config{
		DBDriver:  util.GetEnv("DB_DRIVER"),
		DSN:       util.GetEnv("DSN"),
		Addr:      util.GetEnvDefault("ADDR", ":8080"),
		Mode:      util.GetEnv("MODE"),
		APIPrefix: util.GetEnvDefault("API_PREFIX", "/api"),
		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		CacheType:     util.GetEnvDefault("CACHE_TYPE", "local"),
		RedisAddr:     util.GetEnvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: util.GetEnv("REDIS_PASSWORD"),
		RedisDB:       int(util.GetIntEnv("REDIS_DB")),

		SweepSchedule:         util.GetEnvDefault("SWEEP_SCHEDULE", "@every 1h"),
		LocationRetentionDays: intDefault("LOCATION_RETENTION_DAYS", 90),
		OfflineThresholdMin:   intDefault("OFFLINE_THRESHOLD_MIN", 15),
		ExpiryReminderHours:   intDefault("EXPIRY_REMINDER_HOURS", 2),
		LowBatteryLevel:       intDefault("LOW_BATTERY_LEVEL", 15),
		SpeedLimitKmh:         floatDefault("SPEED_LIMIT_KMH", 120),

		AnomalyScorerURL: util.GetEnv("ANOMALY_SCORER_URL"),
		AnomalyThreshold: floatDefault("ANOMALY_THRESHOLD", 0.85),

		RateLimit: util.GetEnvDefault("RATE_LIMIT", "300-M"),

		BackupSchedule: util.GetEnvDefault("BACKUP_SCHEDULE", "0 4 * * *"),
		BackupPath:     util.GetEnv("BACKUP_PATH"),
	}
	return nil
}

func intDefault(key string, def int) int {
	if util.GetEnv(key) == "" {
		return def
	}
	return int(util.GetIntEnv(key))
}

func floatDefault(key string, def float64) float64 {
	if util.GetEnv(key) == "" {
		return def
	}
	return util.GetFloatEnv(key)
}
