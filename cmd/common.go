package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"grimm.is/foreman/internal/brand"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/i18n"
	"grimm.is/foreman/internal/logging"
)

// Printer is the locale-aware printer used for all CLI output.
var Printer = i18n.NewCLIPrinter()

// loadConfig reads configFile. A missing file at the default location falls
// back to built-in defaults so a bare `foreman serve` works out of the box.
func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		configFile = brand.DefaultConfigPath()
	}
	result, err := config.LoadFileWithResult(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && configFile == brand.DefaultConfigPath() {
			cfg := config.Default()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return result.Config, nil
}

// setupLogging installs the process logger described by the log block.
func setupLogging(cfg *config.Config, process string) (*logging.Logger, error) {
	logging.SetProcessName(process)
	lc := logging.DefaultConfig()
	if cfg.Log != nil {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		lc.Level = level
		lc.JSON = cfg.Log.JSON
	}
	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger, nil
}

func fatalf(format string, args ...any) {
	Printer.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
