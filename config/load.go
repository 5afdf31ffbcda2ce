package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// DefaultDirPermissions for ~/.rubato.
const DefaultDirPermissions = 0o750

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads configuration from all sources. The result is cached; use
// Reload after an external change or Reset in tests.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalConfig != nil {
		return globalConfig, nil
	}
	return loadLocked()
}

// Reload discards the cache and re-reads every source.
func Reload() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	return loadLocked()
}

func loadLocked() (*Config, error) {
	v := initViperLocked()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// LoadFromFile loads configuration from one specific file, with defaults
// but without the merge chain. Used by --config and by tests.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	SetDefaults(v)
	BindSensitiveEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reset clears the cached configuration. For tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

// UserConfigPath returns ~/.rubato/config.toml.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".rubato", "config.toml")
}

func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("RUBATO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig walks up from the working directory looking for
// rubato.toml (preferred) or config.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		for _, name := range []string{"rubato.toml", "config.toml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// mergeConfigFiles merges files lowest-to-highest precedence:
// system < user < project. Env vars always win over files.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()
	userDir := filepath.Join(homeDir, ".rubato")
	os.MkdirAll(userDir, DefaultDirPermissions)

	paths := []string{
		"/etc/rubato/config.toml",
		filepath.Join(userDir, "config.toml"),
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		paths = append(paths, projectConfig)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		layer := viper.New()
		layer.SetConfigFile(path)
		layer.SetConfigType("toml")
		if err := layer.ReadInConfig(); err != nil {
			continue
		}
		for key, value := range layer.AllSettings() {
			v.Set(key, value)
		}
	}
}
