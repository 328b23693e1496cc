package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "QUIETPATCH"

// Settings is the validated runtime configuration. It is built once at
// startup and never mutated afterwards.
type Settings struct {
	DataDir        string        `mapstructure:"data_dir"`
	Online         bool          `mapstructure:"online"`
	NVDAPIKey      string        `mapstructure:"nvd_api_key"`
	Workers        int           `mapstructure:"workers"`
	Throttle       time.Duration `mapstructure:"throttle"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ItemTimeout    time.Duration `mapstructure:"item_timeout"`
	VersionScheme  string        `mapstructure:"version_scheme"`
	PubKeys        []string      `mapstructure:"pubkeys"`
	PolicyFile     string        `mapstructure:"policy_file"`
	ActionsFile    string        `mapstructure:"actions_file"`
	CacheFile      string        `mapstructure:"cache_file"`
	Debug          bool          `mapstructure:"debug"`
	LogJSON        bool          `mapstructure:"log_json"`
}

func (s *Settings) ResolverCacheFile() string {
	if s.CacheFile != "" {
		return s.CacheFile
	}
	return filepath.Join(s.DataDir, "cpe_cache.db")
}

// EffectiveThrottle returns the minimum delay between outbound requests.
// NVD grants a higher rate to keyed clients.
func (s *Settings) EffectiveThrottle() time.Duration {
	if s.Throttle > 0 {
		return s.Throttle
	}
	if s.NVDAPIKey != "" {
		return 600 * time.Millisecond
	}
	return 1200 * time.Millisecond
}

func defaultDataDir() string {
	if runtime.GOOS == "windows" {
		dir, err := os.Getwd()
		if err != nil {
			return "quietpatchdata"
		}
		return filepath.Join(dir, "quietpatchdata")
	}

	dir, err := os.UserHomeDir()
	if err != nil {
		return ".quietpatch"
	}
	return filepath.Join(dir, ".quietpatch")
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("online", false)
	v.SetDefault("nvd_api_key", "")
	v.SetDefault("workers", 4)
	v.SetDefault("throttle", "0s")
	v.SetDefault("request_timeout", "20s")
	v.SetDefault("item_timeout", "45s")
	v.SetDefault("version_scheme", "numeric")
	v.SetDefault("pubkeys", []string{})
	v.SetDefault("policy_file", "")
	v.SetDefault("actions_file", "")
	v.SetDefault("cache_file", "")
	v.SetDefault("debug", false)
	v.SetDefault("log_json", false)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadSettings reads the settings file (explicit path, ./quietpatch.yaml or
// <data_dir>/config.yaml), the environment and an optional .env file.
// Unknown keys in the file are rejected.
func LoadSettings(cfgFile string) (*Settings, error) {
	// .env is optional
	_ = godotenv.Load()

	v := newViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("quietpatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Plain NVD_API_KEY is honoured for compatibility with other NVD tooling.
	if !v.IsSet("nvd_api_key") || v.GetString("nvd_api_key") == "" {
		if key := os.Getenv("NVD_API_KEY"); key != "" {
			v.Set("nvd_api_key", key)
		}
	}

	s := &Settings{}
	if err := v.UnmarshalExact(s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate collects every problem instead of stopping at the first one.
func (s *Settings) Validate() error {
	var problems []string

	if s.DataDir == "" {
		problems = append(problems, "data_dir must not be empty")
	}
	if s.Workers < 1 {
		problems = append(problems, fmt.Sprintf("workers must be at least 1, got: %d", s.Workers))
	}
	if s.Throttle < 0 {
		problems = append(problems, fmt.Sprintf("throttle must not be negative, got: %v", s.Throttle))
	}
	if s.RequestTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("request_timeout must be positive, got: %v", s.RequestTimeout))
	}
	if s.ItemTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("item_timeout must be positive, got: %v", s.ItemTimeout))
	}

	switch s.VersionScheme {
	case "numeric", "semver", "rpm":
	default:
		problems = append(problems, fmt.Sprintf("version_scheme must be one of numeric, semver, rpm, got: %q", s.VersionScheme))
	}

	for i, k := range s.PubKeys {
		if strings.TrimSpace(k) == "" {
			problems = append(problems, fmt.Sprintf("pubkeys[%d] is empty", i))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}

	return nil
}
