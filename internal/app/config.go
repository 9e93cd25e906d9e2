package app

import (
	"time"

	"github.com/hestia-labs/hestia-backend/internal/clients/workflow"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/platform/envutil"
)

type Config struct {
	Environment string
	Version     string

	HTTPAddr string

	JWTSecretKey  string
	ServiceSecret string

	DedupWindow  time.Duration
	Debounce     time.Duration
	WatchCeiling time.Duration

	Workflow workflow.Config
}

func LoadConfig(log *logger.Logger) Config {
	log.Info("Loading environment variables...")
	return Config{
		Environment:   envutil.String("APP_ENV", "development"),
		Version:       envutil.String("APP_VERSION", "dev"),
		HTTPAddr:      envutil.String("HTTP_ADDR", ":8080"),
		JWTSecretKey:  envutil.String("JWT_SECRET_KEY", "defaultsecret"),
		ServiceSecret: envutil.String("SERVICE_SECRET", ""),
		DedupWindow:   envutil.Seconds("DEDUP_WINDOW_SECONDS", 60*time.Second),
		Debounce:      envutil.Seconds("FEED_DEBOUNCE_SECONDS", 0),
		WatchCeiling:  envutil.Seconds("WATCH_CEILING_SECONDS", 2*time.Minute),
		Workflow:      workflow.ConfigFromEnv(),
	}
}
