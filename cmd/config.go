// Package main provides the mirra command line: backend, generator and operator tools.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"procodus.dev/mirra/pkg/logger"
)

// envFile is loaded into the process environment before viper reads it.
const envFile = "mirra.env"

// InitConfig initializes Viper configuration from, in increasing precedence, the
// config file (config.yaml), mirra.env, the environment and flags.
func InitConfig(cfgFile string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/mirra/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// MIRRA_BACKEND_HTTP_PORT overrides backend.http.port
	viper.SetEnvPrefix("MIRRA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates the logger for service from the log.* settings.
func GetLogger(service string) *slog.Logger {
	return logger.New(&logger.Config{
		Output:  os.Stdout,
		Level:   logger.ParseLevel(viper.GetString("log.level")),
		Format:  viper.GetString("log.format"),
		Service: service,
	})
}
