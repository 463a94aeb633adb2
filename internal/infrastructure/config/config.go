package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Database DatabaseConfig `mapstructure:"database"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

// GatewayConfig selects the provider endpoint and credentials.
type GatewayConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`

	// ProvidersFile is an optional YAML overlay adding or overriding
	// provider profiles in the static registry.
	ProvidersFile string `mapstructure:"providers_file"`

	// DebugDumpDir, when set, receives a timestamped JSON copy of every
	// outgoing request payload.
	DebugDumpDir string `mapstructure:"debug_dump_dir"`
}

// AgentConfig tunes the workflow loop.
type AgentConfig struct {
	MaxIterations int      `mapstructure:"max_iterations"`
	SystemPrompt  string   `mapstructure:"system_prompt"`
	ContextFiles  []string `mapstructure:"context_files"`
}

// DatabaseConfig selects the session store backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// HTTPConfig configures the local chat server (`talon serve`).
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load reads the layered configuration. Precedence, low to high: defaults,
// global ~/.talon/config.yaml, project-local config.yaml, TALON_* environment
// variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".talon")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("TALON")
	v.AutomaticEnv()
	bindEnvKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.base_url", "https://api.openai.com")
	v.SetDefault("gateway.model", "gpt-4o")

	v.SetDefault("agent.max_iterations", 500)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(os.Getenv("HOME"), ".talon", "talon.db"))

	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 18790)
	v.SetDefault("http.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// bindEnvKeys makes nested keys reachable through AutomaticEnv, e.g.
// TALON_GATEWAY_API_KEY -> gateway.api_key.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"gateway.base_url",
		"gateway.api_key",
		"gateway.model",
		"gateway.debug_dump_dir",
		"database.type",
		"database.dsn",
		"log.level",
		"log.format",
	} {
		env := "TALON_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		_ = v.BindEnv(key, env)
	}
}
