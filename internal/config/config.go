// Package config loads and validates the progress core configuration.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix recognized by viper.
const EnvPrefix = "PROGRESSO"

// Config holds everything the composition root needs to assemble a client.
type Config struct {
	UserID string `mapstructure:"user_id" json:"user_id" validate:"required"`
	Env    string `mapstructure:"env" json:"env" validate:"oneof=development production"`

	Local struct {
		Path string `mapstructure:"path" json:"path" validate:"required"` // on-device SQLite file
	} `mapstructure:"local" json:"local"`

	Remote struct {
		URL       string `mapstructure:"url" json:"url"` // empty disables remote sync
		AuthToken string `mapstructure:"auth_token" json:"auth_token"`
	} `mapstructure:"remote" json:"remote"`

	Cache struct {
		ShortMaxAge time.Duration `mapstructure:"short_max_age" json:"short_max_age" validate:"min=1s"` // progress-like keys
		LongMaxAge  time.Duration `mapstructure:"long_max_age" json:"long_max_age" validate:"min=1s"`   // catalog-like keys
	} `mapstructure:"cache" json:"cache"`

	Sync struct {
		ConflictWindow time.Duration `mapstructure:"conflict_window" json:"conflict_window" validate:"min=1s"`
	} `mapstructure:"sync" json:"sync"`

	Logging struct {
		Level      string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
		FilePath   string `mapstructure:"file_path" json:"file_path"`
		MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	} `mapstructure:"logging" json:"logging"`
}

// Default returns a config with library defaults applied.
// Remote sync is disabled until Remote.URL is set.
func Default() *Config {
	cfg := new(Config)
	cfg.Env = "development"
	cfg.Cache.ShortMaxAge = 2 * time.Minute
	cfg.Cache.LongMaxAge = 15 * time.Minute
	cfg.Sync.ConflictWindow = 60 * time.Second
	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 20
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 14
	return cfg
}

// Init builds a Config from flags and environment using viper.
//
// Flags use dotted names (eg. --cache.short_max_age=2m); environment
// variables use the PROGRESSO prefix with underscores
// (eg. PROGRESSO_REMOTE_URL).
func Init() (*Config, error) {
	defaults := Default()

	pflag.String("user_id", "", "signed-in user identifier (required)")
	pflag.String("env", defaults.Env, "runtime environment, 'development' or 'production'")
	pflag.String("local.path", "", "path of the on-device store file (required)")
	pflag.String("remote.url", "", "remote document database URL (libsql:// or file:), empty disables sync")
	pflag.String("remote.auth_token", "", "remote database auth token")
	pflag.Duration("cache.short_max_age", defaults.Cache.ShortMaxAge, "max age for progress-like cache entries")
	pflag.Duration("cache.long_max_age", defaults.Cache.LongMaxAge, "max age for catalog-like cache entries")
	pflag.Duration("sync.conflict_window", defaults.Sync.ConflictWindow, "local/remote timestamp divergence treated as a conflict")
	pflag.String("logging.level", defaults.Logging.Level, "logging level")
	pflag.String("logging.file_path", "", "log to file")
	pflag.Int("logging.max_size_mb", defaults.Logging.MaxSizeMB, "rotate log after this many megabytes")
	pflag.Int("logging.max_backups", defaults.Logging.MaxBackups, "rotated log files to keep")
	pflag.Int("logging.max_age_days", defaults.Logging.MaxAgeDays, "rotated log retention in days")

	pflag.Parse()
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}
	viper.AutomaticEnv()
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := new(Config)
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a Config against its struct tags and reports every
// violation in one error.
func Validate(cfg *Config) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("json")
		if name == "-" || name == "" {
			return ""
		}
		return name
	})

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	if _, ok := err.(*validator.InvalidValidationError); ok {
		return err
	}

	var msg []string
	for _, field := range err.(validator.ValidationErrors) {
		namespace := field.Namespace()
		fieldName := namespace[strings.IndexByte(namespace, '.')+1:]
		switch field.Tag() {
		case "required":
			msg = append(msg, fmt.Sprintf("%s is required", fieldName))
		case "oneof":
			msg = append(msg, fmt.Sprintf("%s must be one of (%s)", fieldName, field.Param()))
		case "min":
			msg = append(msg, fmt.Sprintf("%s must be at least %s", fieldName, field.Param()))
		default:
			msg = append(msg, fmt.Sprintf("%s is invalid", fieldName))
		}
	}
	return fmt.Errorf("failed to validate config: \n%s", strings.Join(msg, "\n"))
}
