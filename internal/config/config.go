// Package config loads the process-wide settings from environment variables
// once at startup. The loaded record is read-only afterwards.
package config

import (
	"log"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Auth method names reported to the UI via /api/config.
const (
	AuthNone     = "none"
	AuthPassword = "password"
	AuthKeyFile  = "key_file"
	AuthKeyData  = "key_data"
)

type Settings struct {
	Port         int    `envconfig:"PORT" default:"3000"`
	WorkspaceDir string `envconfig:"WORKSPACE_DIR" default:""`
	MaxTerminals int    `envconfig:"MAX_TERMINALS" default:"10"`
	IdleTimeout  int    `envconfig:"IDLE_TIMEOUT" default:"3600"`

	// Remote target. Leave Host empty (or loopback) for local terminals.
	Host          string `envconfig:"WEBSHELL_HOST" default:""`
	SSHPort       int    `envconfig:"WEBSHELL_PORT" default:"22"`
	User          string `envconfig:"WEBSHELL_USER" default:""`
	Password      string `envconfig:"WEBSHELL_PASSWORD" default:""`
	SSHKey        string `envconfig:"WEBSHELL_SSH_KEY" default:""`
	SSHKeyData    string `envconfig:"WEBSHELL_SSH_KEY_DATA" default:""`
	SSHPassphrase string `envconfig:"WEBSHELL_SSH_PASSPHRASE" default:""`

	// StaticDir overrides the embedded frontend when set.
	StaticDir string `envconfig:"WEBSHELL_STATIC_DIR" default:""`

	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty   bool     `envconfig:"LOG_PRETTY" default:"false"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.WorkspaceDir == "" {
		if home := os.Getenv("HOME"); home != "" {
			Cfg.WorkspaceDir = home
		} else {
			Cfg.WorkspaceDir = "/tmp"
		}
	}
}

// IsLocal reports whether terminals run on this host. True when no target
// host is configured or the host is a loopback name or address.
func (s Settings) IsLocal() bool {
	switch {
	case s.Host == "", s.Host == "localhost", s.Host == "127.0.0.1":
		return true
	default:
		return strings.HasPrefix(s.Host, "127.")
	}
}

// AuthMethod names the configured remote credential source. Password wins
// over a key file, which wins over inline key data.
func (s Settings) AuthMethod() string {
	switch {
	case s.Password != "":
		return AuthPassword
	case s.SSHKey != "":
		return AuthKeyFile
	case s.SSHKeyData != "":
		return AuthKeyData
	default:
		return AuthNone
	}
}

// AutoLogin reports whether the UI can skip the login form entirely: a
// username plus some credential are both preconfigured.
func (s Settings) AutoLogin() bool {
	return s.User != "" && s.AuthMethod() != AuthNone
}
