package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	StaticDir    string `envconfig:"STATIC_DIR" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`
	DockerHost   string `envconfig:"DOCKER_HOST" default:""`

	// Passkey relying party
	RPOrigins []string `envconfig:"RP_ORIGINS" default:"http://localhost:8000"`
	RPID      string   `envconfig:"RP_ID" default:"localhost"`

	// RBACPolicyFile optionally replaces the built-in role → capability policy.
	RBACPolicyFile string `envconfig:"RBAC_POLICY_FILE" default:""`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// Terminal session settings
	TerminalShell               string        `envconfig:"TERMINAL_SHELL" default:"/bin/bash"`
	TerminalWorkDir             string        `envconfig:"TERMINAL_WORKDIR" default:"/"`
	TerminalCols                uint16        `envconfig:"TERMINAL_COLS" default:"80"`
	TerminalRows                uint16        `envconfig:"TERMINAL_ROWS" default:"24"`
	TerminalDefaultCommandLimit int64         `envconfig:"TERMINAL_DEFAULT_COMMAND_LIMIT" default:"-1"`
	TerminalOutboxSize          int           `envconfig:"TERMINAL_OUTBOX_SIZE" default:"256"`
	TerminalInputRate           float64       `envconfig:"TERMINAL_INPUT_RATE" default:"200"`
	TerminalInputBurst          int           `envconfig:"TERMINAL_INPUT_BURST" default:"200"`
	TerminalTicketTTL           time.Duration `envconfig:"TERMINAL_TICKET_TTL" default:"60s"`
	TerminalIdleTimeout         time.Duration `envconfig:"TERMINAL_IDLE_TIMEOUT" default:"0"`
	TerminalReapSchedule        string        `envconfig:"TERMINAL_REAP_SCHEDULE" default:"@every 5m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("HOSTDECK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg.applyDerived()
}

// applyDerived fills paths that default to locations inside DataPath.
func (s *Settings) applyDerived() {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "hostdeck.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "hostdeck.log")
	}
}
