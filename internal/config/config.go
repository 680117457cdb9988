package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// PTConfig holds the application configuration
type PTConfig struct {
	Database struct {
		Driver   string `mapstructure:"driver"` // postgresql, sqlite or mysql
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		Path     string `mapstructure:"path"` // sqlite database file
	} `mapstructure:"database"`

	Reporter struct {
		PollIntervalSec    int  `mapstructure:"poll_interval_sec"`
		HeartbeatMaxAgeSec int  `mapstructure:"heartbeat_max_age_sec"`
		SampleTimeoutSec   int  `mapstructure:"sample_timeout_sec"`
		IncludeChildren    bool `mapstructure:"include_children"`
		PerCoreCPU         bool `mapstructure:"per_core_cpu"`
	} `mapstructure:"reporter"`

	Retention struct {
		Days     int    `mapstructure:"days"`
		Schedule string `mapstructure:"schedule"` // cron expression for the cleanup runner
	} `mapstructure:"retention"`

	LiveCache struct {
		Addr     string `mapstructure:"addr"` // empty disables the live-sample cache
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"live_cache"`

	LogLevel string `mapstructure:"log_level"`
}

// ZerologLevel parses the configured log level, falling back to info
func (c *PTConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*PTConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("PT_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// newViper sets default values for configuration
func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.driver", "postgresql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "pipetrack")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "pipetrack.db")

	// Reporter defaults
	v.SetDefault("reporter.poll_interval_sec", 30)
	v.SetDefault("reporter.heartbeat_max_age_sec", 60)
	v.SetDefault("reporter.sample_timeout_sec", 5)
	v.SetDefault("reporter.include_children", true)
	v.SetDefault("reporter.per_core_cpu", false)

	// Retention defaults
	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.schedule", "0 2 * * *") // daily at 02:00

	v.SetDefault("live_cache.addr", "")
	v.SetDefault("live_cache.password", "")
	v.SetDefault("live_cache.db", 0)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("PT")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*PTConfig, error) {
	var config PTConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns the connection string for the configured driver
func (c *PTConfig) GetDatabaseURL() string {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3":
		return fmt.Sprintf("file:%s?_loc=UTC", c.Database.Path)
	case "mysql":
		// time_zone pins the session so CURRENT_TIMESTAMP agrees with the
		// UTC bind parameters; loc only affects parsing on the client side
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&time_zone=%%27UTC%%27",
			c.Database.User,
			c.Database.Password,
			c.Database.Host,
			c.Database.Port,
			c.Database.Name,
		)
	default:
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.Database.User,
			c.Database.Password,
			c.Database.Host,
			c.Database.Port,
			c.Database.Name,
			c.Database.SSLMode,
		)
	}
}
