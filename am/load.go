package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/teranos/segpulse/errors"
)

// ConfigFileName is the project config file searched for upward from the working directory
const ConfigFileName = "segpulse.toml"

// EnvPrefix is prepended to every environment override (SEGPULSE_PULSE_WORKERS)
const EnvPrefix = "SEGPULSE"

var (
	globalConfig *Config
	configPath   string
	loadMu       sync.Mutex
)

// Load reads the configuration from defaults, the config file, .env and the
// environment, in increasing precedence. The result is cached until Reset.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	cfg, path, err := load(configPath)
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	configPath = path
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file path without caching it
func LoadFromFile(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

// SetConfigPath pins the config file used by Load (the --config flag)
func SetConfigPath(path string) {
	loadMu.Lock()
	defer loadMu.Unlock()
	configPath = path
	globalConfig = nil
}

// ConfigPath returns the file Load read from, or "" when running on defaults
func ConfigPath() string {
	loadMu.Lock()
	defer loadMu.Unlock()
	return configPath
}

// Reset clears the cached configuration (useful for testing and reload)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
}

func load(path string) (*Config, string, error) {
	// .env is optional; a missing file is the common case
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, "", errors.Wrap(err, "failed to load .env")
	}

	v := newViper()

	if path == "" {
		path = findProjectConfig()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, "", errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, path, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// findProjectConfig walks up from the working directory looking for segpulse.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
