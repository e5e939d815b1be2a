package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port                    string
	DatabaseDSN             string
	JWTSecret               string
	Env                     string
	HeartbeatTimeoutSeconds int
	TypingTimeoutSeconds    int
	SMTPHost                string
	SMTPPort                int
	SMTPUsername            string
	SMTPPassword            string
	SMTPFrom                string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 从环境变量加载配置，缺省值适用于本地开发环境。
func Load() Config {
	return Config{
		Port:                    getenv("APP_PORT", "8080"),
		DatabaseDSN:             getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=vauice port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:               getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                     getenv("APP_ENV", "dev"),
		HeartbeatTimeoutSeconds: getenvInt("HEARTBEAT_TIMEOUT_SECONDS", 60),
		TypingTimeoutSeconds:    getenvInt("TYPING_TIMEOUT_SECONDS", 10),
		SMTPHost:                getenv("SMTP_HOST", ""),
		SMTPPort:                getenvInt("SMTP_PORT", 587),
		SMTPUsername:            getenv("SMTP_USERNAME", ""),
		SMTPPassword:            getenv("SMTP_PASSWORD", ""),
		SMTPFrom:                getenv("SMTP_FROM", "noreply@vauice.app"),
	}
}
