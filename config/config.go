package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/spiretalk/spiretalk/globals"
)

const (
	defaultMaxParticipants = 16
	defaultHistorySize     = 50
	defaultIdleTimeout     = 5 * time.Minute
	defaultSweepSpec       = "* * * * *"
)

// Config is the global configuration object, filled from the TOML
// configuration file(s), environment and command-line flags.
type Config struct {
	RoomConfig        RoomConfig        `mapstructure:"rooms"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	LimitsConfig      LimitsConfig      `mapstructure:"limits"`
	LifecycleConfig   LifecycleConfig   `mapstructure:"lifecycle"`
	LogLevel          string            `mapstructure:"log_level"`
}

// RoomConfig carries defaults applied to implicitly created rooms.
type RoomConfig struct {
	MaxParticipants int `mapstructure:"max_participants"`
}

// HistoryConfig configures how much chat history is served to clients on
// request.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// An OIDCConfig block configures an OpenID Connect provider used to verify
// participant identities. Without any provider the server runs in trusted
// mode and accepts caller-supplied identities.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

// PersistenceConfig selects the chat/room persistence backend. Type is one of
// "sqlite", "postgres" (via gorm) or "buntdb".
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// LimitConfig is one traffic-class admission window.
type LimitConfig struct {
	MaxEvents     int           `mapstructure:"max_events"`
	Window        time.Duration `mapstructure:"window"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

// LimitsConfig configures the per-connection rate limiter, one window per
// traffic class.
type LimitsConfig struct {
	Generic LimitConfig `mapstructure:"generic"`
	Chat    LimitConfig `mapstructure:"chat"`
	Signal  LimitConfig `mapstructure:"signal"`
}

// LifecycleConfig configures the idle sweep.
type LifecycleConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	SweepSpec   string        `mapstructure:"sweep_spec"`
}

func (c *Config) MaxParticipants() int {
	if c.RoomConfig.MaxParticipants <= 0 {
		return defaultMaxParticipants
	}
	return c.RoomConfig.MaxParticipants
}

func (c *Config) HistorySize() int {
	if c.HistoryConfig.HistorySize <= 0 {
		return defaultHistorySize
	}
	return c.HistoryConfig.HistorySize
}

func (c *Config) IdleTimeout() time.Duration {
	if c.LifecycleConfig.IdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return c.LifecycleConfig.IdleTimeout
}

func (c *Config) SweepSpec() string {
	if c.LifecycleConfig.SweepSpec == "" {
		return defaultSweepSpec
	}
	return c.LifecycleConfig.SweepSpec
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE/DEBUG/INFO/WARN/ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	if err := viper.BindPFlags(flagSet); err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("SPIRETALK")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}
