package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Runner execution modes. Local runs the tools as host processes; docker
// runs each invocation in a fresh container from the configured image.
const (
	RunnerModeLocal  = "local"
	RunnerModeDocker = "docker"
)

type ToolsConfig struct {
	DumpBin     string `mapstructure:"dump_bin"`
	RestoreBin  string `mapstructure:"restore_bin"`
	ArchiveDir  string `mapstructure:"archive_dir"`
	DropTarget  bool   `mapstructure:"drop_target"`
	KeepArchive bool   `mapstructure:"keep_archive"`
}

type RunnerConfig struct {
	Mode                 string        `mapstructure:"mode"`
	Image                string        `mapstructure:"image"`
	GracePeriod          time.Duration `mapstructure:"grace_period"`
	ContainerCPULimit    int64         `mapstructure:"container_cpu_limit"`
	ContainerMemoryLimit int64         `mapstructure:"container_memory_limit"`
}

type TelemetryConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type StatsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type OrchestratorConfig struct {
	LogTail int `mapstructure:"log_tail"`
}

type Config struct {
	ServerPort   string             `mapstructure:"server_port"`
	DatabasePath string             `mapstructure:"database_path"`
	CORSOrigins  []string           `mapstructure:"cors_origins"`
	LogLevel     string             `mapstructure:"log_level"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Runner       RunnerConfig       `mapstructure:"runner"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Stats        StatsConfig        `mapstructure:"stats"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// Load reads the configuration from a YAML file and returns a Config
// instance. Every setting has a default, so running without a config file is
// supported.
func Load() *Config {
	cfg, err := loadFrom("")
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	return cfg
}

// loadFrom reads an explicit file when path is set; otherwise it searches
// the working directory and ./config for config.yaml.
func loadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if config.Runner.Mode != RunnerModeLocal && config.Runner.Mode != RunnerModeDocker {
		return nil, fmt.Errorf("runner.mode must be %q or %q, got %q", RunnerModeLocal, RunnerModeDocker, config.Runner.Mode)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("database_path", "mongoferry.db")
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("log_level", "info")

	v.SetDefault("tools.dump_bin", "mongodump")
	v.SetDefault("tools.restore_bin", "mongorestore")
	v.SetDefault("tools.archive_dir", filepath.Join(os.TempDir(), "mongoferry"))
	v.SetDefault("tools.drop_target", true)
	v.SetDefault("tools.keep_archive", false)

	v.SetDefault("runner.mode", RunnerModeLocal)
	v.SetDefault("runner.image", "mongo:7")
	v.SetDefault("runner.grace_period", 10*time.Second)
	v.SetDefault("runner.container_cpu_limit", 0)
	v.SetDefault("runner.container_memory_limit", 0)

	v.SetDefault("telemetry.subscriber_buffer", 256)
	v.SetDefault("stats.timeout", 5*time.Second)
	v.SetDefault("orchestrator.log_tail", 20)
}
