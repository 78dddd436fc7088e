package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/hone/errors"
)

// backupDepth is how many rotated copies of the UI config are kept.
const backupDepth = 3

// uiConfigPath returns ~/.hone/hone_from_ui.toml, the file the web UI
// owns. Hand-edited settings live in hone.toml so UI writes never
// clobber them.
func uiConfigPath() string {
	dir := UserConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "hone_from_ui.toml")
}

// readUIConfig parses the UI config into a generic TOML map, returning
// an empty map when the file does not exist yet.
func readUIConfig() (map[string]interface{}, string, error) {
	path := uiConfigPath()
	if path == "" {
		return nil, "", errors.New("could not determine home directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, "", errors.Wrap(err, "create config directory")
	}

	cfg := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, path, nil
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "read UI config")
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, "", errors.Wrap(err, "parse UI config")
	}
	return cfg, path, nil
}

// writeUIConfig marshals cfg back to disk, rotating backups first and
// flagging the write so the watcher does not reload our own save.
func writeUIConfig(cfg map[string]interface{}, path string) error {
	if err := rotateBackups(path); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal UI config")
	}

	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	return errors.Wrap(os.WriteFile(path, data, DefaultFilePermissions), "write UI config")
}

// rotateBackups shifts path.back1 -> .back2 -> .back3, dropping the
// oldest, then snapshots the current file into .back1. A missing file
// means there is nothing to preserve.
func rotateBackups(path string) error {
	current, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read config for backup")
	}

	backup := func(n int) string {
		return fmt.Sprintf("%s.back%d", path, n)
	}

	os.Remove(backup(backupDepth))
	for n := backupDepth - 1; n >= 1; n-- {
		if _, err := os.Stat(backup(n)); err != nil {
			continue
		}
		if err := os.Rename(backup(n), backup(n+1)); err != nil {
			return errors.Wrapf(err, "rotate %s", backup(n))
		}
	}

	return errors.Wrap(os.WriteFile(backup(1), current, DefaultFilePermissions), "write backup")
}

// section returns the named table from a UI config map, creating it
// when absent.
func section(cfg map[string]interface{}, name string) map[string]interface{} {
	if s, ok := cfg[name].(map[string]interface{}); ok {
		return s
	}
	s := make(map[string]interface{})
	cfg[name] = s
	return s
}

// UpdateStageDefaults persists a per-stage provider/model override chosen
// in the UI. Empty provider and model clears the override.
func UpdateStageDefaults(stage, provider, model string) error {
	switch stage {
	case "test", "judge", "summarize", "improve":
	default:
		return errors.NewInvalidRequestError("unknown pipeline stage %q", stage)
	}

	cfg, path, err := readUIConfig()
	if err != nil {
		return err
	}

	stages := section(section(cfg, "llm"), "stages")
	if provider == "" && model == "" {
		delete(stages, stage)
	} else {
		stages[stage] = map[string]interface{}{
			"provider": provider,
			"model":    model,
		}
	}

	return writeUIConfig(cfg, path)
}
