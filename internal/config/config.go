// Package config loads Parley settings from the environment and the avatar
// definitions from a YAML file or a Loam document directory.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aretw0/parley/pkg/adapters/loam"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultScriptURL is the published location of the avatar widget script.
const DefaultScriptURL = "https://app.simli.com/simli-widget/index.js"

// Config holds process settings. Every field maps to a PARLEY_ variable.
type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// AvatarsFile is a YAML file with an "avatars" list.
	AvatarsFile string `env:"AVATARS_FILE"`
	// AvatarsDir is a directory of avatar documents. Takes precedence over AvatarsFile.
	AvatarsDir string `env:"AVATARS_DIR"`

	ScriptURL         string        `env:"SCRIPT_URL" envDefault:"https://app.simli.com/simli-widget/index.js"`
	ScriptFile        string        `env:"SCRIPT_FILE"`
	ScriptLoadTimeout time.Duration `env:"SCRIPT_LOAD_TIMEOUT" envDefault:"30s"`

	SettleDelay  time.Duration `env:"SETTLE_DELAY" envDefault:"1s"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`

	// RedisAddr switches the lock, snapshot store and bus to Redis so several
	// replicas serve one page.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"parley:"`
	// LockLease expires the Redis lock of a crashed replica. Active sessions
	// renew it every third of the lease; zero means no expiry.
	LockLease   time.Duration `env:"LOCK_LEASE" envDefault:"0s"`
	SnapshotTTL time.Duration `env:"SNAPSHOT_TTL" envDefault:"24h"`
	Replica     string        `env:"REPLICA"`
}

// Load parses the environment.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses vars instead of the process environment when vars is non-nil.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: "PARLEY_"}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no safe fallback.
func (c Config) Validate() error {
	var errs []error
	if c.ScriptURL == "" && c.ScriptFile == "" {
		errs = append(errs, errors.New("one of PARLEY_SCRIPT_URL or PARLEY_SCRIPT_FILE is required"))
	}
	if c.ScriptLoadTimeout <= 0 {
		errs = append(errs, errors.New("PARLEY_SCRIPT_LOAD_TIMEOUT must be positive"))
	}
	if c.SettleDelay < 0 || c.RetryBackoff < 0 || c.LockLease < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("PARLEY_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// avatarsFile is the YAML layout of AvatarsFile.
type avatarsFile struct {
	Avatars []domain.SessionParams `yaml:"avatars"`
}

// LoadAvatars reads avatar definitions from AvatarsDir or AvatarsFile and
// validates them. No source yields no avatars.
func (c Config) LoadAvatars(ctx context.Context) ([]domain.SessionParams, error) {
	var (
		avatars []domain.SessionParams
		err     error
	)
	switch {
	case c.AvatarsDir != "":
		var cat *loam.Catalog
		cat, err = loam.Open(c.AvatarsDir)
		if err == nil {
			avatars, err = cat.Avatars(ctx)
		}
	case c.AvatarsFile != "":
		avatars, err = ReadAvatarsFile(c.AvatarsFile)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := ValidateAvatars(avatars); err != nil {
		return nil, err
	}
	return avatars, nil
}

// ReadAvatarsFile parses a YAML avatars file. Tokens written as ${VAR} are
// expanded from the environment.
func ReadAvatarsFile(path string) ([]domain.SessionParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read avatars file: %w", err)
	}
	var f avatarsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse avatars file %s: %w", path, err)
	}
	for i := range f.Avatars {
		f.Avatars[i].Token = os.ExpandEnv(f.Avatars[i].Token)
		if f.Avatars[i].Position == "" {
			f.Avatars[i].Position = domain.PositionRight
		}
	}
	return f.Avatars, nil
}

// ValidateAvatars checks each avatar and that ids and channels are unique.
// Two avatars on one channel would receive each other's transcripts.
func ValidateAvatars(avatars []domain.SessionParams) error {
	var errs []error
	ids := make(map[string]bool, len(avatars))
	channels := make(map[string]string, len(avatars))
	for _, a := range avatars {
		if err := a.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if ids[a.ID] {
			errs = append(errs, fmt.Errorf("avatar %q is defined twice", a.ID))
		}
		ids[a.ID] = true
		if owner, ok := channels[a.Channel]; ok {
			errs = append(errs, fmt.Errorf("avatars %q and %q share channel %q", owner, a.ID, a.Channel))
		}
		channels[a.Channel] = a.ID
	}
	return errors.Join(errs...)
}
