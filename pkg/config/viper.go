package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment variables.
// configPath is the directory containing config files.
// configName is the name of the config file (without extension).
// A missing config file is not an error; defaults and env vars apply.
func Load(configPath, configName string) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return v, nil
}

// BindEnv binds each key to its environment variable name. Keys that fail
// to bind are reported together.
func BindEnv(v *viper.Viper, bindings map[string]string) error {
	var errs []error
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			errs = append(errs, fmt.Errorf("bind %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Duration reads key as a duration string ("30s", "5m"), falling back to
// def when the value is missing or malformed.
func Duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return def
	}
	return d
}
