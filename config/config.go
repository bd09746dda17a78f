package config

import (
	"os"
	"strings"
	"time"
)

// Config holds everything the service reads from the environment.
type Config struct {
	Addr      string
	JWTSecret string
	RedisAddr string // empty disables the cross-node relay

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	SessionTimeout    time.Duration // idle session teardown
	SessionSweepEvery time.Duration
	AwarenessTimeout  time.Duration // stale presence eviction
	AwarenessSweep    time.Duration
	TypingTimeout     time.Duration
}

func Load() Config {
	return Config{
		Addr:      getenv("ADDR", ":8080"),
		JWTSecret: strings.TrimSpace(os.Getenv("JWT_SECRET")),
		RedisAddr: strings.TrimSpace(os.Getenv("REDIS_ADDR")),

		DBUser:     strings.TrimSpace(os.Getenv("user")),
		DBPassword: strings.TrimSpace(os.Getenv("password")),
		DBHost:     strings.TrimSpace(os.Getenv("host")),
		DBPort:     strings.TrimSpace(os.Getenv("port")),
		DBName:     strings.TrimSpace(os.Getenv("dbname")),

		SessionTimeout:    getduration("SESSION_TIMEOUT", 30*time.Minute),
		SessionSweepEvery: getduration("SESSION_SWEEP_INTERVAL", time.Minute),
		AwarenessTimeout:  getduration("AWARENESS_TIMEOUT", 2*time.Minute),
		AwarenessSweep:    getduration("AWARENESS_SWEEP_INTERVAL", 15*time.Second),
		TypingTimeout:     getduration("TYPING_TIMEOUT", 5*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
