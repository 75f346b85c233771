// Package config loads daemon configuration with Viper: defaults, an
// optional sgn.toml file, and SGN_* environment variables, in increasing
// precedence.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
)

// Config is the daemon configuration.
type Config struct {
	HTTPPort int    `mapstructure:"http_port"` // SGN_HTTP_PORT
	DB       string `mapstructure:"db"`        // SGN_DB, sqlite file path
	Trust    string `mapstructure:"trust"`     // SGN_TRUST, trust policy JSON
	DataDir  string `mapstructure:"data_dir"`  // SGN_DATA_DIR, blob sidecar root
	JSONLogs bool   `mapstructure:"json_logs"` // SGN_JSON_LOGS

	// Peers maps a peer name to the base URL of a remote daemon whose
	// /events stream this daemon relays from (e.g. node-b = "http://host:8787").
	Peers map[string]string `mapstructure:"peers"`
}

// SetDefaults installs the default values on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8787)
	v.SetDefault("db", "./sgn.db")
	v.SetDefault("trust", "./trust.json")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("json_logs", false)
}

// Load reads configuration from defaults, an optional sgn.toml in the
// working directory, and SGN_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	v.SetConfigName("sgn")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; a malformed one is not.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errors.Wrap(err, "failed to read sgn.toml")
		}
	}

	return LoadWithViper(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from a prepared
// Viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return errors.Newf("invalid http_port %d", c.HTTPPort)
	}
	if c.DB == "" {
		return errors.New("db path must not be empty")
	}
	if c.Trust == "" {
		return errors.New("trust path must not be empty")
	}
	return nil
}
