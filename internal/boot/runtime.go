// Package boot provides runtime configuration and dependency wiring for the relay.
package boot

import (
	"os"
	"strings"

	"github.com/chatwire/chatwire/internal/config"
)

// RuntimeConfig holds parsed runtime settings (server address, database URL).
// Values may be overridden by environment variables (e.g. HTTP_ADDR, DATABASE_URL).
type RuntimeConfig struct {
	ServerAddr  string
	DatabaseURL string
}

// ProvideRuntimeConfig builds RuntimeConfig from the given config and applies env overrides.
func ProvideRuntimeConfig(cfg config.Config) (*RuntimeConfig, error) {
	ret := &RuntimeConfig{
		ServerAddr: cfg.Server.Addr,
	}

	if value := os.Getenv("HTTP_ADDR"); value != "" {
		ret.ServerAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		ret.DatabaseURL = value
	}
	return ret, nil
}
