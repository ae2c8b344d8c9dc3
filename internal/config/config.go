package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	APIURL    string `envconfig:"API_URL" default:"http://localhost:8000"`
	WSURL     string `envconfig:"WS_URL" default:""`
	Token     string `envconfig:"TOKEN" default:""`
	SessionID string `envconfig:"SESSION_ID" default:""`

	HTTPTimeout  time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`

	// Deployment polling
	DeployPollInterval time.Duration `envconfig:"DEPLOY_POLL_INTERVAL" default:"1s"`

	// Log and command history bounds
	LogLines    int `envconfig:"LOG_LINES" default:"50"`
	ExecHistory int `envconfig:"EXEC_HISTORY" default:"20"`

	// LogPath, when set, also writes component logs to this file.
	LogPath string `envconfig:"LOG_PATH" default:""`
}

var Cfg Settings

// Load reads IDE_* environment variables into Cfg.
func Load() error {
	var s Settings
	if err := envconfig.Process("IDE", &s); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	Cfg = s
	return nil
}
