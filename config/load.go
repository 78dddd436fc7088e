package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/hone/errors"
)

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// ConfigSources records where each setting key was last set during loading.
// Populated by mergeConfigFiles; read by introspection.
var ConfigSources map[string]SourceInfo

// Load returns the process-wide configuration, reading and merging the
// cascade on first call. Subsequent calls return the cached value until
// Reset.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	var cfg Config
	if err := initViper().Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// Reset drops the cached configuration and viper state so the next Load
// rereads everything. Used by tests and the config hot-reload path.
func Reset() {
	globalConfig = nil
	viperInstance = nil
	ConfigSources = nil
}

// Get reads a single value by dotted key, e.g. "pipeline.concurrency".
func Get(key string) interface{} {
	return initViper().Get(key)
}

// GetViper exposes the underlying viper instance for callers that need
// key enumeration, such as `hone config list`.
func GetViper() *viper.Viper {
	return initViper()
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	bindEnvironment(v)
	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// bindEnvironment wires HONE_* variables into viper. Env vars outrank
// every file in the cascade.
func bindEnvironment(v *viper.Viper) {
	v.SetEnvPrefix("HONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
}

// UserConfigDir returns the per-user hone configuration directory (~/.hone).
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hone")
}

// configFile pairs a cascade path with its source label.
type configFile struct {
	path   string
	source ConfigSource
}

// configCascade returns the candidate config files in merge order, lowest
// precedence first. Entries may not exist on disk.
func configCascade() []configFile {
	honeDir := UserConfigDir()
	if honeDir != "" {
		os.MkdirAll(honeDir, DefaultDirPermissions)
	}

	files := []configFile{
		{"/etc/hone/config.toml", SourceSystem},
		{filepath.Join(honeDir, "hone.toml"), SourceUser},
		{filepath.Join(honeDir, "hone_from_ui.toml"), SourceUserUI},
	}
	if project := findProjectConfig(); project != "" {
		files = append(files, configFile{project, SourceProject})
	}
	return files
}

// projectConfigNames are the filenames recognized as a project-level
// config, in preference order within a directory.
var projectConfigNames = []string{"hone.toml", "config.toml"}

// findProjectConfig walks from the working directory toward the
// filesystem root and returns the first project config file it finds,
// or "" when there is none.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		for _, name := range projectConfigNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ActiveConfigFile returns the highest-precedence config file that exists
// on disk: project over user UI over user over system. Empty when no
// config file exists and only defaults and env vars apply. The server
// watches this file for hot reload.
func ActiveConfigFile() string {
	cascade := configCascade()
	for i := len(cascade) - 1; i >= 0; i-- {
		if _, err := os.Stat(cascade[i].path); err == nil {
			return cascade[i].path
		}
	}
	return ""
}

// mergeConfigFiles layers every readable cascade file into v, lowest
// precedence first, recording the source of each key it sets. Later
// files overwrite earlier ones; env vars still outrank all of them.
func mergeConfigFiles(v *viper.Viper) {
	ConfigSources = make(map[string]SourceInfo)

	for _, cf := range configCascade() {
		layer := viper.New()
		layer.SetConfigFile(cf.path)
		layer.SetConfigType("toml")
		if err := layer.ReadInConfig(); err != nil {
			// Missing and unparseable files drop out of the cascade.
			continue
		}

		for key, value := range layer.AllSettings() {
			v.Set(key, value)
		}
		for _, key := range layer.AllKeys() {
			ConfigSources[key] = SourceInfo{Source: cf.source, Path: cf.path}
		}
	}
}
