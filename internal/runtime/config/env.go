package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays DQUEUE_* environment variables onto cfg. Unparseable
// values are ignored and leave the existing field untouched.
func FromEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := os.Getenv("DQUEUE_HOST_ID"); v != "" {
		cfg.HostID = v
	}
	if v := os.Getenv("DQUEUE_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("DQUEUE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("DQUEUE_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DQUEUE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("DQUEUE_RABBITMQ_URL"); v != "" {
		cfg.RabbitMQURL = v
	}
	envDuration("DQUEUE_DEFAULT_TIMEOUT", &cfg.DefaultTimeout)
	if v := os.Getenv("DQUEUE_DEFAULT_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultThreads = n
		}
	}
	envDuration("DQUEUE_POLL_INTERVAL", &cfg.PollInterval)
	envDuration("DQUEUE_CANCEL_GRACE_PERIOD", &cfg.CancelGracePeriod)
	envDuration("DQUEUE_HEALTH_INTERVAL", &cfg.HealthInterval)
	if v := os.Getenv("DQUEUE_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MetricsEnabled = b
		}
	}
	if v := os.Getenv("DQUEUE_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = n
		}
	}
	if v := os.Getenv("DQUEUE_WEBUI_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WebUIEnabled = b
		}
	}
	if v := os.Getenv("DQUEUE_WEBUI_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.WebUICORSAllowedOrigins = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.WebUICORSAllowedOrigins = append(cfg.WebUICORSAllowedOrigins, p)
			}
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
