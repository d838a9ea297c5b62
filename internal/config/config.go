package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/tokenboard.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// EncryptionKey is the base64 encoding of the 32-byte key used to
	// encrypt provider credentials at rest (fernet key format).
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" default:""`

	// CronSecret authorizes the /cron/sync HTTP trigger.
	CronSecret string `envconfig:"CRON_SECRET" default:""`

	// SyncSchedule is a cron expression for the fleet-wide sync. Empty
	// disables the in-process scheduler; the HTTP trigger still works.
	SyncSchedule   string `envconfig:"SYNC_SCHEDULE" default:"0 * * * *"`
	SyncWindowDays int    `envconfig:"SYNC_WINDOW_DAYS" default:"30"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TOKENBOARD", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
