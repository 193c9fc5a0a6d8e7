// Package config loads the user's weft settings from a TOML file.
package config

import (
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Identity IdentityConfig `toml:"identity"`
	Lock     LockConfig     `toml:"lock"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
}

type IdentityConfig struct {
	Email string `toml:"email"`
}

type LockConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type CacheConfig struct {
	// Size bounds the read transaction cache, in objects.
	Size int `toml:"size"`
}

type LogConfig struct {
	Level string `toml:"level"` // "debug", "info", "warn", "error"
}

func Default() *Config {
	return &Config{
		Cache: CacheConfig{Size: 5000},
		Log:   LogConfig{Level: "info"},
	}
}

// Path returns $WEFT_CONFIG, or weft.toml in the user's config
// directory.
func Path() (string, error) {
	if p := os.Getenv("WEFT_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "weft", "weft.toml"), nil
}

// Load reads the config file at Path.  A missing file gives the
// defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return Default(), nil
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		log.Debugf("no config at %s", path)
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	for _, key := range md.Undecoded() {
		log.Warnf("%s: unknown setting %s", path, key)
	}
	return cfg, nil
}

// Email is the committer identity: $WEFT_EMAIL, then the config file,
// then user@host.
func (c *Config) Email() string {
	if v := os.Getenv("WEFT_EMAIL"); v != "" {
		return v
	}
	if c.Identity.Email != "" {
		return c.Identity.Email
	}
	name := "weft"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return name + "@" + host
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutSeconds) * time.Second
}

// Level parses the log level, defaulting to info.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
