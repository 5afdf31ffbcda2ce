package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/rubato-io/rubato/errors"
)

// SetValue persists one dotted key (e.g. "scheduler.workers") into the
// user config file, creating it if needed. The previous file is kept as
// config.toml.bak. Values are parsed as bool, int, or float before
// falling back to string.
func SetValue(key, raw string) error {
	path := UserConfigPath()
	if path == "" {
		return errors.New("could not determine home directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "creating config directory")
	}

	settings := map[string]interface{}{}
	if content, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(content, &settings); err != nil {
			return errors.Wrapf(err, "parsing existing config %s", path)
		}
		if err := os.WriteFile(path+".bak", content, 0o644); err != nil {
			return errors.Wrap(err, "writing config backup")
		}
	}

	setNested(settings, strings.Split(key, "."), coerce(raw))

	out, err := toml.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

func setNested(m map[string]interface{}, path []string, value interface{}) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := m[path[0]].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		m[path[0]] = child
	}
	setNested(child, path[1:], value)
}

func coerce(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
