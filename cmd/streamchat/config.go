package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/chat"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	appDirName     = "streamchat"
	authTokenEnv   = "STREAMCHAT_AUTH_TOKEN"
	endpointEnv    = "STREAMCHAT_ENDPOINT"
	defaultPort    = "8080"
	configFileName = "config.yaml"
	storeFileName  = "store.db"
)

type config struct {
	Port               string        `yaml:"port"`
	Backend            backendConfig `yaml:"backend"`
	IdleTimeout        time.Duration `yaml:"idleTimeout"`
	MaxMalformedFrames int           `yaml:"maxMalformedFrames"`
	Model              modelConfig   `yaml:"model"`
	WebSearch          bool          `yaml:"webSearch"`
	Reasoning          bool          `yaml:"reasoning"`
	DBPath             string        `yaml:"dbPath"`
	Log                logConfig     `yaml:"log"`
}

type backendConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"authToken"`
}

type modelConfig struct {
	Type     string `yaml:"type"`
	SubModel string `yaml:"subModel"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func configDir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, appDirName), nil
}

// loadConfig reads the YAML file at path. An empty path means the default location, which may be
// missing; an explicit path must exist. Secrets left empty fall back to the environment, after a
// .env file in the working directory was loaded.
func loadConfig(path string) (config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("error loading .env file: %w", err)
	}

	explicit := path != ""
	if !explicit {
		dir, err := configDir()
		if err != nil {
			return config{}, err
		}
		path = filepath.Join(dir, configFileName)
	}

	cfg := config{}
	cfgFile, err := os.Open(path)
	switch {
	case err == nil:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.Backend.Endpoint == "" {
		c.Backend.Endpoint = os.Getenv(endpointEnv)
	}
	if c.Backend.AuthToken == "" {
		c.Backend.AuthToken = os.Getenv(authTokenEnv)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = chat.DefaultIdleTimeout
	}
}

func (c config) validate() error {
	if c.Backend.Endpoint == "" {
		return fmt.Errorf("backend endpoint is required")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idleTimeout must not be negative")
	}
	if c.MaxMalformedFrames < 0 {
		return fmt.Errorf("maxMalformedFrames must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.Log.Format)
	}
	return nil
}

func (c config) defaultOptions() chat.Options {
	return chat.Options{
		ModelType: c.Model.Type,
		SubModel:  c.Model.SubModel,
		WebSearch: c.WebSearch,
		Reasoning: c.Reasoning,
	}
}

func (c config) dbPath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return filepath.Join(dir, storeFileName), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", s)
	}
}

func newLogger(w io.Writer, cfg logConfig, verbose bool) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// tokenAuth is a fixed bearer token.
type tokenAuth string

func (t tokenAuth) CurrentToken() string {
	return string(t)
}
