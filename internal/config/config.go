package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	// Server side.
	RoomTTL        time.Duration `mapstructure:"room_ttl"`
	SweepPeriod    time.Duration `mapstructure:"sweep_period"`
	AppendLimit    int           `mapstructure:"append_limit"`
	AppendInterval time.Duration `mapstructure:"append_interval"`

	// Client side.
	StoreURL        string        `mapstructure:"store_url"`
	ClientToken     string        `mapstructure:"client_token"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
	CapturePath     string        `mapstructure:"capture_path"`
	PlaybackDir     string        `mapstructure:"playback_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 524288)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "voicemesh-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("room_ttl", "1h")
	v.SetDefault("sweep_period", "1m")
	v.SetDefault("append_limit", 200)
	v.SetDefault("append_interval", "10s")

	v.SetDefault("store_url", "ws://localhost:8080/api/ws/store")
	v.SetDefault("client_token", "")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("heartbeat_period", "15s")
	v.SetDefault("capture_path", "")
	v.SetDefault("playback_dir", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). A missing
// file leaves the defaults in place. VOICE_* variables override both.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Debug().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}
