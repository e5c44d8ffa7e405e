package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port      int
	PublicURL string
	LogLevel  string

	Bluetoothctl string
	Busctl       string
	Pactl        string
	Adapter      string
	ScanTimeout  time.Duration

	CoverArtTimeout   time.Duration
	ArtworkMaxBytes   int
	WebArtworkTTL     time.Duration
	WebArtworkEnabled bool
	WebArtworkURL     string
	ObexBus           string

	MQTTBrokerURL   string
	MQTTTopicPrefix string

	RedisAddr     string
	RedisPassword string
}

func defaults(v *viper.Viper) {
	v.SetDefault("bluetooth_ws_port", 5175)
	v.SetDefault("public_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("bluetoothctl_cmd", "bluetoothctl")
	v.SetDefault("busctl_cmd", "busctl")
	v.SetDefault("pactl_cmd", "pactl")
	v.SetDefault("bluetooth_adapter", "hci0")
	v.SetDefault("scan_timeout", "20s")
	v.SetDefault("cover_art_timeout", "5s")
	v.SetDefault("artwork_max_bytes", 5*1024*1024)
	v.SetDefault("web_artwork_ttl", "6h")
	v.SetDefault("web_artwork_enabled", true)
	v.SetDefault("web_artwork_search_url", "https://itunes.apple.com/search")
	v.SetDefault("obex_bus", "system")
	v.SetDefault("mqtt_broker_url", "")
	v.SetDefault("mqtt_topic_prefix", "car")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
}

// Load reads configuration from the environment, overlaid on the YAML file
// named by DASHD_CONFIG when that is set.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if err := v.BindEnv("bluetooth_ws_port", "BLUETOOTH_WS_PORT", "PORT"); err != nil {
		return nil, err
	}

	if path := os.Getenv("DASHD_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Port:      v.GetInt("bluetooth_ws_port"),
		PublicURL: strings.TrimRight(v.GetString("public_url"), "/"),
		LogLevel:  v.GetString("log_level"),

		Bluetoothctl: v.GetString("bluetoothctl_cmd"),
		Busctl:       v.GetString("busctl_cmd"),
		Pactl:        v.GetString("pactl_cmd"),
		Adapter:      v.GetString("bluetooth_adapter"),
		ScanTimeout:  v.GetDuration("scan_timeout"),

		CoverArtTimeout:   v.GetDuration("cover_art_timeout"),
		ArtworkMaxBytes:   v.GetInt("artwork_max_bytes"),
		WebArtworkTTL:     v.GetDuration("web_artwork_ttl"),
		WebArtworkEnabled: v.GetBool("web_artwork_enabled"),
		WebArtworkURL:     v.GetString("web_artwork_search_url"),
		ObexBus:           strings.ToLower(v.GetString("obex_bus")),

		MQTTBrokerURL:   v.GetString("mqtt_broker_url"),
		MQTTTopicPrefix: strings.Trim(v.GetString("mqtt_topic_prefix"), "/"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan timeout must be positive")
	}
	if c.CoverArtTimeout <= 0 {
		return fmt.Errorf("cover art timeout must be positive")
	}
	if c.ArtworkMaxBytes <= 0 {
		return fmt.Errorf("artwork size limit must be positive")
	}
	if c.WebArtworkTTL <= 0 {
		return fmt.Errorf("web artwork ttl must be positive")
	}
	if c.ObexBus != "system" && c.ObexBus != "session" {
		return fmt.Errorf("obex bus must be system or session, got %q", c.ObexBus)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
