package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the verifier
type Config struct {
	// Storage for wallet tx state
	Store struct {
		Type string `mapstructure:"type"` // badger
		Path string `mapstructure:"path"` // data dir for badger
	} `mapstructure:"store"`

	// PubSub for event publishing
	PubSub struct {
		URL string `mapstructure:"url"` // redis://, channels://
	} `mapstructure:"pubsub"`

	// Cache for headers and proofs
	Cache struct {
		Redis string `mapstructure:"redis"` // redis URL, empty disables caching
	} `mapstructure:"cache"`

	// Gateway serving proofs, headers and chunks
	Gateway struct {
		URL string `mapstructure:"url"`
		// CheckpointRoot is the merkle root over the checkpointed header
		// hashes. Empty disables checkpoint validation of served headers.
		CheckpointRoot string `mapstructure:"checkpoint_root"`
	} `mapstructure:"gateway"`

	// Headers tree settings
	Headers struct {
		// Anchor is an 80-byte trusted header in hex. Empty means genesis.
		Anchor       string        `mapstructure:"anchor"`
		AnchorHeight uint32        `mapstructure:"anchor_height"`
		Checkpoint   uint32        `mapstructure:"checkpoint"`
		SyncInterval time.Duration `mapstructure:"sync_interval"`
	} `mapstructure:"headers"`

	// Verify job settings
	Verify struct {
		Concurrency int           `mapstructure:"concurrency"`
		Interval    time.Duration `mapstructure:"interval"`
		// SkipMerkleChecks tolerates failing proofs. Regtest only.
		SkipMerkleChecks bool `mapstructure:"skip_merkle_checks"`
	} `mapstructure:"verify"`

	// Network settings
	Network struct {
		Type      string `mapstructure:"type"`      // main, test
		JungleBus string `mapstructure:"junglebus"` // JungleBus URL
	} `mapstructure:"network"`

	// Sub is the tx subscription feeding the wallet
	Sub struct {
		TopicID   string `mapstructure:"topic"`      // JungleBus subscription ID
		FromBlock uint64 `mapstructure:"from_block"` // resume height when no progress is stored
	} `mapstructure:"sub"`

	// Server settings
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
}

// SetDefaults sets viper defaults for verifier configuration.
// When used as an embedded library, pass a prefix to namespace the config.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}

	// Store defaults
	v.SetDefault(p+"store.type", "badger")
	v.SetDefault(p+"store.path", "~/.spv/wallet")

	// PubSub defaults
	v.SetDefault(p+"pubsub.url", "channels://")

	// Headers defaults
	v.SetDefault(p+"headers.sync_interval", "15s")

	// Verify defaults
	v.SetDefault(p+"verify.concurrency", 100)
	v.SetDefault(p+"verify.interval", "100ms")
	v.SetDefault(p+"verify.skip_merkle_checks", false)

	// Network defaults
	v.SetDefault(p+"network.type", "main")
	v.SetDefault(p+"network.junglebus", "https://junglebus.gorillapool.io")

	// Sub defaults
	v.SetDefault(p+"sub.from_block", 1)

	// Server defaults
	v.SetDefault(p+"server.port", 8080)
}

// Load reads configuration from file and environment variables.
// Config file locations (in order of precedence):
//   - ./config.yaml
//   - ~/.spv/config.yaml
//   - /etc/spv/config.yaml
//
// Environment variables override config file values with prefix "SPV_".
// Example: SPV_GATEWAY_URL=https://gw.example overrides gateway.url
func Load() (*Config, error) {
	v := viper.New()
	cfg := &Config{}

	cfg.SetDefaults(v, "")

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.spv")
	v.AddConfigPath("/etc/spv")

	// Environment variable settings
	v.SetEnvPrefix("SPV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - env vars can provide everything)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK - use defaults and env vars
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ~ in paths
	cfg.Store.Path = expandPath(cfg.Store.Path)

	return cfg, nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
