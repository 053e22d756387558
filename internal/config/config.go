package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration for both the server and the arena client.
type Config struct {
	Addr              string
	Env               string
	LogLevel          string
	SignalReadTimeout time.Duration
	AutoCreateLobby   bool
	AllowedOrigins    []string
	ShutdownTimeout   time.Duration
	Arena             Arena
}

// Arena holds gameplay and detection tuning. Loaded from the YAML file named
// by ARENA_CONFIG; any field left out keeps its default.
type Arena struct {
	MagazineSize    int                `yaml:"magazine_size"`
	ReloadMS        int                `yaml:"reload_ms"`
	ReloadTickMS    int                `yaml:"reload_tick_ms"`
	FrameIntervalMS int                `yaml:"frame_interval_ms"`
	MaxPoses        int                `yaml:"max_poses"`
	ZoneRadii       map[string]float64 `yaml:"zone_radii"`
}

func (a Arena) ReloadDuration() time.Duration { return time.Duration(a.ReloadMS) * time.Millisecond }
func (a Arena) ReloadTick() time.Duration     { return time.Duration(a.ReloadTickMS) * time.Millisecond }
func (a Arena) FrameInterval() time.Duration  { return time.Duration(a.FrameIntervalMS) * time.Millisecond }

func DefaultArena() Arena {
	return Arena{
		MagazineSize:    5,
		ReloadMS:        3000,
		ReloadTickMS:    50,
		FrameIntervalMS: 16,
		MaxPoses:        5,
	}
}

func Default() Config {
	return Config{
		Addr:              ":8080",
		Env:               "production",
		LogLevel:          "info",
		SignalReadTimeout: 0,
		AutoCreateLobby:   true,
		ShutdownTimeout:   5 * time.Second,
		Arena:             DefaultArena(),
	}
}

// Load reads .env (if present), then the environment, then the arena tuning file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	cfg.Addr = getenv("ADDR", cfg.Addr)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	var err error
	if cfg.SignalReadTimeout, err = durationEnv("SIGNAL_READ_TIMEOUT", cfg.SignalReadTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if v, ok := os.LookupEnv("SIGNAL_AUTO_CREATE_LOBBY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("SIGNAL_AUTO_CREATE_LOBBY: %w", err)
		}
		cfg.AutoCreateLobby = b
	}

	if path := os.Getenv("ARENA_CONFIG"); path != "" {
		arena, err := LoadArena(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Arena = arena
	}

	return cfg, cfg.Validate()
}

// LoadArena decodes a YAML tuning file on top of DefaultArena.
func LoadArena(path string) (Arena, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Arena{}, fmt.Errorf("read arena config: %w", err)
	}
	arena := DefaultArena()
	if err := yaml.Unmarshal(data, &arena); err != nil {
		return Arena{}, fmt.Errorf("parse arena config %s: %w", path, err)
	}
	return arena, nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.SignalReadTimeout < 0 {
		return fmt.Errorf("signal read timeout must be >= 0, got %s", c.SignalReadTimeout)
	}
	return c.Arena.Validate()
}

func (a Arena) Validate() error {
	switch {
	case a.MagazineSize <= 0:
		return fmt.Errorf("magazine_size must be > 0, got %d", a.MagazineSize)
	case a.ReloadMS <= 0:
		return fmt.Errorf("reload_ms must be > 0, got %d", a.ReloadMS)
	case a.ReloadTickMS <= 0 || a.ReloadTickMS > a.ReloadMS:
		return fmt.Errorf("reload_tick_ms must be in (0, reload_ms], got %d", a.ReloadTickMS)
	case a.FrameIntervalMS <= 0:
		return fmt.Errorf("frame_interval_ms must be > 0, got %d", a.FrameIntervalMS)
	case a.MaxPoses <= 0:
		return fmt.Errorf("max_poses must be > 0, got %d", a.MaxPoses)
	}
	for zone, r := range a.ZoneRadii {
		if r <= 0 {
			return fmt.Errorf("zone_radii.%s must be > 0, got %v", zone, r)
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
