package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"offlinegate/internal/config"
)

// ConfigPath is set by the root command's --config flag
var ConfigPath string

// loadConfig loads the config and builds the logger it asks for
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadWithDefaults(ConfigPath)
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	return cfg, setupLogger(cfg.LogLevel), nil
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
