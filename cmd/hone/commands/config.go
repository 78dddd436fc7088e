package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/hone/config"
)

// ConfigCmd groups the configuration inspection subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect hone configuration",
	Long: `Inspect the merged hone configuration and where each setting came from.

Settings cascade, later sources overriding earlier ones:
  built-in defaults
  /etc/hone/config.toml
  ~/.hone/hone.toml
  ~/.hone/hone_from_ui.toml (written by the web UI)
  ./hone.toml or ./config.toml (searched upward from the working directory)
  HONE_* environment variables

Examples:
  hone config show                  # Merged configuration, TOML by default
  hone config show --format json
  hone config get database.path
  hone config validate
  hone config where                 # Which file or env var set each key`,
}

var configFormat string

func init() {
	show := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Long: `Print the merged configuration from all sources.

API keys are redacted; use 'hone config get llm.openai.api_key' to read
one explicitly.`,
		RunE: runConfigShow,
	}
	show.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(
		show,
		&cobra.Command{
			Use:   "get <key>",
			Short: "Get a specific configuration value",
			Long:  "Print one value by dot-separated key, for example database.path or pipeline.max_iterations.",
			Args:  cobra.ExactArgs(1),
			RunE:  runConfigGet,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate current configuration",
			Long:  "Load the full cascade and check every setting against its allowed range.",
			RunE:  runConfigValidate,
		},
		&cobra.Command{
			Use:   "where",
			Short: "Show where configuration is loaded from",
			Long:  "List the active sources in precedence order with the settings each one contributed.",
			RunE:  runConfigWhere,
		},
	)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Copy before redacting so the cached config keeps its credentials.
	shown := *cfg
	shown.LLM.OpenAI.APIKey = redactKey(shown.LLM.OpenAI.APIKey)
	shown.LLM.Anthropic.APIKey = redactKey(shown.LLM.Anthropic.APIKey)

	out, err := renderConfig(shown, configFormat)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func renderConfig(cfg config.Config, format string) (string, error) {
	var data []byte
	var err error
	switch format {
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(cfg)
	case "toml":
		data, err = toml.Marshal(cfg)
	default:
		return "", fmt.Errorf("unsupported format %q (want toml, json, or yaml)", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config to %s: %w", format, err)
	}
	if format == "json" {
		return string(data) + "\n", nil
	}
	return "# hone configuration\n" + string(data), nil
}

// redactKey masks an API key for display while signaling whether one is
// set at all.
func redactKey(key string) string {
	if key == "" {
		return ""
	}
	return "[redacted]"
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	if !config.GetViper().IsSet(args[0]) {
		return fmt.Errorf("configuration key %q not found", args[0])
	}
	fmt.Println(config.Get(args[0]))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	if path := config.ActiveConfigFile(); path != "" {
		fmt.Printf("  highest-precedence file: %s\n", path)
	}
	return nil
}

const cascadeHelp = `Configuration cascade (later overrides earlier):
  1. [DEFAULT]  Built-in defaults
  2. [SYSTEM]   /etc/hone/config.toml
  3. [USER]     ~/.hone/hone.toml
  4. [USER_UI]  ~/.hone/hone_from_ui.toml (written by the web UI)
  5. [PROJECT]  ./hone.toml or ./config.toml (searches up directories)
  6. [ENV]      HONE_* environment variables

`

// origin identifies one contributor to the cascade. Two project files at
// different directory levels are distinct origins with the same source.
type origin struct {
	source config.ConfigSource
	path   string
}

var sourceRank = map[config.ConfigSource]int{
	config.SourceDefault:     0,
	config.SourceSystem:      1,
	config.SourceUser:        2,
	config.SourceUserUI:      3,
	config.SourceProject:     4,
	config.SourceEnvironment: 5,
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	intro, err := config.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	fmt.Print(cascadeHelp)

	byOrigin := make(map[origin][]config.SettingInfo)
	for _, s := range intro.Settings {
		o := origin{s.Source, s.SourcePath}
		byOrigin[o] = append(byOrigin[o], s)
	}

	origins := make([]origin, 0, len(byOrigin))
	for o := range byOrigin {
		origins = append(origins, o)
	}
	sort.Slice(origins, func(i, j int) bool {
		if sourceRank[origins[i].source] != sourceRank[origins[j].source] {
			return sourceRank[origins[i].source] < sourceRank[origins[j].source]
		}
		return origins[i].path < origins[j].path
	})

	fmt.Println("Active configuration:")
	for _, o := range origins {
		settings := byOrigin[o]
		switch {
		case o.source == config.SourceEnvironment:
			fmt.Printf("\n%s: %d settings from environment variables\n", o.source, len(settings))
		case o.path != "" && o.path != "built-in default":
			fmt.Printf("\n%s: %d settings from %s\n", o.source, len(settings), o.path)
		default:
			fmt.Printf("\n%s: %d settings\n", o.source, len(settings))
		}

		sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
		for _, s := range settings {
			fmt.Printf("  %s = %s\n", s.Key, formatSettingValue(s))
		}
	}
	return nil
}

// formatSettingValue renders a setting for terminal display, redacting
// credentials and truncating anything unwieldy.
func formatSettingValue(s config.SettingInfo) string {
	v := fmt.Sprintf("%v", s.Value)
	if isSecretKey(s.Key) && v != "" {
		return "[redacted]"
	}
	if len(v) > 50 {
		v = v[:47] + "..."
	}
	return v
}

// isSecretKey reports whether a flattened config key holds a credential.
func isSecretKey(key string) bool {
	switch key {
	case "llm.openai.api_key", "llm.anthropic.api_key":
		return true
	}
	return false
}
