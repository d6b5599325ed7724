package config

import (
	"os"
)

type Config struct {
	DatabasePath  string
	ServerAddress string
	JWTSecret     string
	PortalURL     string
	LoginURL      string
	DataDir       string
}

func Load() *Config {
	return &Config{
		DatabasePath:  getEnv("DATABASE_PATH", "./dorm-power.db"),
		ServerAddress: getEnv("SERVER_ADDRESS", ":8090"),
		JWTSecret:     getEnv("JWT_SECRET", "dorm-power-secret-change-in-production"),
		PortalURL:     getEnv("PORTAL_URL", "http://zhyd.sec.lit.edu.cn/zhyd/sydl/index"),
		LoginURL:      getEnv("LOGIN_URL", "https://ids.lit.edu.cn/authserver/login?service=http%3A%2F%2Fzhyd.sec.lit.edu.cn%2Fzhyd%2Fsydl%2Findex"),
		DataDir:       getEnv("DATA_DIR", "./data"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
