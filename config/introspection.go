package config

import (
	"maps"
	"os"
	"slices"
	"strings"
)

// ConfigSource identifies which layer of the cascade supplied a value.
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/hone/config.toml
	SourceUser        ConfigSource = "user"        // ~/.hone/hone.toml
	SourceUserUI      ConfigSource = "user_ui"     // ~/.hone/hone_from_ui.toml
	SourceProject     ConfigSource = "project"     // project hone.toml
	SourceEnvironment ConfigSource = "environment" // HONE_* env vars
)

// SourceInfo records the layer and file (or env var) behind one key.
type SourceInfo struct {
	Source ConfigSource
	Path   string
}

// SettingInfo is one flattened key with its effective value and origin.
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// ConfigIntrospection is the `config where` view of the active
// configuration: every key, its effective value, and where it came from.
type ConfigIntrospection struct {
	ConfigFile string        `json:"config_file"`
	Settings   []SettingInfo `json:"settings"`
}

// GetConfigIntrospection flattens the merged viper settings and labels
// each key with the source recorded while loading. GetViper runs the full
// cascade merge on first use, so this works without a prior Load.
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	v := GetViper()
	return &ConfigIntrospection{
		ConfigFile: ActiveConfigFile(),
		Settings:   flattenSettings(v.AllSettings(), ""),
	}, nil
}

// flattenSettings walks nested setting maps depth-first in sorted key
// order and resolves each leaf's origin.
func flattenSettings(settings map[string]interface{}, prefix string) []SettingInfo {
	var out []SettingInfo
	for _, key := range slices.Sorted(maps.Keys(settings)) {
		fullKey := joinKey(prefix, key)

		if nested, ok := settings[key].(map[string]interface{}); ok {
			out = append(out, flattenSettings(nested, fullKey)...)
			continue
		}

		origin := settingSource(fullKey)
		out = append(out, SettingInfo{
			Key:        fullKey,
			Value:      settings[key],
			Source:     origin.Source,
			SourcePath: origin.Path,
		})
	}
	return out
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// settingSource resolves the origin of one flattened key. Env vars beat
// every file layer; they are checked live because AutomaticEnv records
// nothing in ConfigSources.
func settingSource(fullKey string) SourceInfo {
	envKey := "HONE_" + strings.ToUpper(strings.ReplaceAll(fullKey, ".", "_"))
	if os.Getenv(envKey) != "" {
		return SourceInfo{Source: SourceEnvironment, Path: envKey}
	}
	if si, ok := ConfigSources[fullKey]; ok {
		return si
	}
	return SourceInfo{Source: SourceDefault, Path: "built-in default"}
}
