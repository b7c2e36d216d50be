package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RoomCacheTTL  time.Duration

	AMQPURL string

	AdminPhone    string
	AdminPassword string
	AdminName     string

	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// positiveInt 解析正整数，非法或非正值回退到默认值。
func positiveInt(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load 从环境变量读取配置；当前目录存在 .env 时先加载它，已设置的变量不会被覆盖。
func Load() Config {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getenv("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		redisDB = 0
	}
	cacheTTL, err := time.ParseDuration(getenv("ROOM_CACHE_TTL", "5m"))
	if err != nil || cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	rps, err := strconv.ParseFloat(getenv("RATE_LIMIT_RPS", "20"), 64)
	if err != nil || rps <= 0 {
		rps = 20
	}

	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		DatabaseDriver:        getenv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=memberchat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: positiveInt("ACCESS_TOKEN_TTL_MINUTES", 60*24),
		RefreshTokenTTLDays:   positiveInt("REFRESH_TOKEN_TTL_DAYS", 7),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		RoomCacheTTL:          cacheTTL,
		AMQPURL:               os.Getenv("AMQP_URL"),
		AdminPhone:            getenv("ADMIN_PHONE", "010-0000-0000"),
		AdminPassword:         getenv("ADMIN_PASSWORD", "admin1234"),
		AdminName:             getenv("ADMIN_NAME", "Administrator"),
		RateLimitRPS:          rps,
		RateLimitBurst:        positiveInt("RATE_LIMIT_BURST", 40),
		CORSOrigins:           splitList(getenv("CORS_ORIGINS", "")),
	}
}

// Validate 在启动前检查必填项，非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is empty")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return errors.New("config: DATABASE_DRIVER must be postgres or sqlite")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default JWT_SECRET is only allowed in dev")
	}
	return nil
}
