package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"strangertalk/backend/internal/models"
)

// Config holds everything the server reads from the environment.
// A .env file is loaded by main before Load runs.
type Config struct {
	Port       int
	CORSOrigin string
	LogLevel   string
	JWTSecret  string

	Redis     RedisConfig
	Analytics AnalyticsConfig

	ICEServers []models.ICEServer
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AnalyticsConfig struct {
	Enabled bool
	DSN     string
}

// Load reads configuration from environment variables, falling back to
// development defaults.
func Load() (*Config, error) {
	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	redisPort, err := getEnvInt("REDIS_PORT", 6379)
	if err != nil {
		return nil, err
	}
	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:       port,
		CORSOrigin: getEnv("CORS_ORIGIN", "*"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		JWTSecret:  getEnv("JWT_SECRET", "dev-only-secret"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     redisPort,
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Analytics: AnalyticsConfig{
			Enabled: getEnvBool("ANALYTICS_ENABLED", false),
			DSN:     getEnv("ANALYTICS_DSN", ""),
		},
		ICEServers: loadICEServers(),
	}

	if cfg.Analytics.Enabled && cfg.Analytics.DSN == "" {
		return nil, fmt.Errorf("ANALYTICS_ENABLED is set but ANALYTICS_DSN is empty")
	}
	return cfg, nil
}

// loadICEServers builds the descriptor list sent to every client on
// connect. STUN entries come from ICE_STUN_URLS (comma separated); an
// optional TURN relay is appended when ICE_TURN_URL is set.
func loadICEServers() []models.ICEServer {
	stun := getEnv("ICE_STUN_URLS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")

	var urls []string
	for _, u := range strings.Split(stun, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}

	servers := []models.ICEServer{{URLs: urls}}

	if turnURL := os.Getenv("ICE_TURN_URL"); turnURL != "" {
		servers = append(servers, models.ICEServer{
			URLs:       []string{turnURL},
			Username:   os.Getenv("ICE_TURN_USERNAME"),
			Credential: os.Getenv("ICE_TURN_CREDENTIAL"),
		})
	}
	return servers
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
