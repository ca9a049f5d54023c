package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

var (
	ErrMissingDSN    = errors.New("DB_DSN is not set")
	ErrMissingSecret = errors.New("JWT_SECRET is not set")
)

type Config struct {
	Addr          string   `toml:"addr"`
	DBDSN         string   `toml:"db_dsn"`
	JWTSecret     string   `toml:"jwt_secret"`
	TokenTTL      Duration `toml:"token_ttl"`
	RedisAddr     string   `toml:"redis_addr"`
	AllowedOrigin string   `toml:"allowed_origin"`
	UploadDir     string   `toml:"upload_dir"`

	Chat ChatConfig `toml:"chat"`
	Auth AuthConfig `toml:"auth"`
}

// ChatConfig tunes the realtime core.
type ChatConfig struct {
	SpamBurst         int      `toml:"spam_burst"`
	SpamWindow        Duration `toml:"spam_window"`
	SpamMute          Duration `toml:"spam_mute"`
	MaxMessageLength  int      `toml:"max_message_length"`
	AllowUnknownRooms bool     `toml:"allow_unknown_rooms"`
	PersistTimeout    Duration `toml:"persist_timeout"`
}

// AuthConfig bounds register/login attempts per client address.
type AuthConfig struct {
	Attempts int      `toml:"attempts"`
	Window   Duration `toml:"window"`
}

// Duration lets TOML files say "5s" or "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() Config {
	return Config{
		Addr:          ":3000",
		TokenTTL:      Duration{2 * time.Hour},
		RedisAddr:     "localhost:6379",
		AllowedOrigin: "http://localhost",
		UploadDir:     "uploads",
		Chat: ChatConfig{
			SpamBurst:         3,
			SpamWindow:        Duration{5 * time.Second},
			SpamMute:          Duration{5 * time.Minute},
			MaxMessageLength:  1000,
			AllowUnknownRooms: true,
			PersistTimeout:    Duration{5 * time.Second},
		},
		Auth: AuthConfig{
			Attempts: 10,
			Window:   Duration{15 * time.Minute},
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file named by
// CONFIG_FILE, and the environment (a local .env file is loaded first).
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DBDSN == "" {
		return ErrMissingDSN
	}
	if c.JWTSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Addr, "ADDR")
	setString(&cfg.DBDSN, "DB_DSN")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.AllowedOrigin, "ALLOWED_ORIGIN")
	setString(&cfg.UploadDir, "UPLOAD_DIR")
	setDuration(&cfg.TokenTTL, "TOKEN_TTL")

	setInt(&cfg.Chat.SpamBurst, "SPAM_BURST")
	setDuration(&cfg.Chat.SpamWindow, "SPAM_WINDOW")
	setDuration(&cfg.Chat.SpamMute, "SPAM_MUTE")
	setInt(&cfg.Chat.MaxMessageLength, "MAX_MESSAGE_LENGTH")
	setBool(&cfg.Chat.AllowUnknownRooms, "ALLOW_UNKNOWN_ROOMS")
	setDuration(&cfg.Chat.PersistTimeout, "PERSIST_TIMEOUT")

	setInt(&cfg.Auth.Attempts, "AUTH_ATTEMPTS")
	setDuration(&cfg.Auth.Window, "AUTH_WINDOW")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Invalid or non-positive values keep the current setting.
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			dst.Duration = d
		}
	}
}
