package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

const (
	LevelFlagName  = "log.level"
	FormatFlagName = "log.format"
	ColorFlagName  = "log.color"
)

// CLIFlags creates the logging flags, every flag can also be set with the env var
// <envPrefix>_LOG_LEVEL etc.
func CLIFlags(envPrefix string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    LevelFlagName,
			Usage:   "The lowest log level that will be output",
			Value:   "info",
			EnvVars: prefixEnvVars(envPrefix, "LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    FormatFlagName,
			Usage:   "Format the log output. Supported formats: 'text', 'terminal', 'logfmt', 'json'",
			Value:   string(FormatText),
			EnvVars: prefixEnvVars(envPrefix, "LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    ColorFlagName,
			Usage:   "Color the log output if in terminal mode",
			EnvVars: prefixEnvVars(envPrefix, "LOG_COLOR"),
		},
	}
}

func prefixEnvVars(prefix, name string) []string {
	return []string{prefix + "_" + name}
}

type FormatType string

const (
	FormatText     FormatType = "text"
	FormatTerminal FormatType = "terminal"
	FormatLogFmt   FormatType = "logfmt"
	FormatJSON     FormatType = "json"
)

type CLIConfig struct {
	Level  slog.Level
	Color  bool
	Format FormatType
}

func (cfg CLIConfig) Check() error {
	switch cfg.Format {
	case FormatText, FormatTerminal, FormatLogFmt, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unrecognized log format: %q", cfg.Format)
	}
}

func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		Level:  log.LevelInfo,
		Format: FormatText,
	}
}

// ReadCLIConfig reads the logging flags of the cli context.
func ReadCLIConfig(ctx *cli.Context) (CLIConfig, error) {
	cfg := DefaultCLIConfig()
	lvl, err := LevelFromString(ctx.String(LevelFlagName))
	if err != nil {
		return cfg, err
	}
	cfg.Level = lvl
	cfg.Format = FormatType(strings.ToLower(ctx.String(FormatFlagName)))
	if ctx.IsSet(ColorFlagName) {
		cfg.Color = ctx.Bool(ColorFlagName)
	}
	return cfg, cfg.Check()
}

// LevelFromString returns the appropriate slog level from the string name.
func LevelFromString(lvlString string) (slog.Level, error) {
	switch strings.ToLower(lvlString) {
	case "trace", "trce":
		return log.LevelTrace, nil
	case "debug", "dbug":
		return log.LevelDebug, nil
	case "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error", "eror":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return log.LevelDebug, fmt.Errorf("unknown level: %v", lvlString)
	}
}

// NewLogger creates a logger writing to w according to the config.
func NewLogger(w io.Writer, cfg CLIConfig) log.Logger {
	var h slog.Handler
	switch cfg.Format {
	case FormatJSON:
		h = log.JSONHandlerWithLevel(w, cfg.Level)
	case FormatLogFmt:
		h = log.LogfmtHandlerWithLevel(w, cfg.Level)
	default:
		h = log.NewTerminalHandlerWithLevel(w, cfg.Level, cfg.Color)
	}
	return log.NewLogger(h)
}

// SetupDefaults sets up the default logger of go-ethereum to the given config and returns it.
func SetupDefaults(cfg CLIConfig) log.Logger {
	logger := NewLogger(os.Stdout, cfg)
	log.SetDefault(logger)
	return logger
}
