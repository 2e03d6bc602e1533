// Package config loads the world model server configuration: a simple
// key=value file with '#' comments. The three identity keys select the
// persistent backend; leaving them all out runs the server without
// persistence.
package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the enumerated server configuration.
type Config struct {
	DBName   string `mapstructure:"db_name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// DBDriver selects the SQL backend: "mysql" (default) or "sqlite3".
	DBDriver string `mapstructure:"db_driver"`
	// DBAddr optionally points the MySQL backend at host:port.
	DBAddr     string `mapstructure:"db_addr"`
	SolverPort int    `mapstructure:"solver_port"`
	ClientPort int    `mapstructure:"client_port"`
	// TimeoutSeconds is the per-connection idle timeout.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// knownKeys are the configuration keys the server understands; anything
// else in the file draws a warning and is ignored.
var knownKeys = map[string]struct{}{
	"db_name":         {},
	"user":            {},
	"password":        {},
	"db_driver":       {},
	"db_addr":         {},
	"solver_port":     {},
	"client_port":     {},
	"timeout_seconds": {},
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db_driver", "mysql")
	v.SetDefault("solver_port", 7009)
	v.SetDefault("client_port", 7010)
	v.SetDefault("timeout_seconds", 60)
}

// Load reads the configuration file at path. An empty path yields the
// defaults (non-persistent mode).
func Load(path string, log *zap.SugaredLogger) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		// key=value lines with # comments; viper reads them with its dotenv codec.
		v.SetConfigType("dotenv")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		if log != nil {
			for _, key := range v.AllKeys() {
				if _, ok := knownKeys[strings.ToLower(key)]; !ok {
					log.Warnw("Ignoring unknown configuration key", "key", key)
				}
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Persistent reports whether the identity keys select a persistent
// backend. SQLite only needs the database name.
func (c *Config) Persistent() bool {
	if c.DBDriver == "sqlite3" {
		return c.DBName != ""
	}
	return c.DBName != "" && c.User != "" && c.Password != ""
}
