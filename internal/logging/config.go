package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config selects the level, format and destination of the service and CLI
// loggers. It mirrors the LOG_LEVEL, LOG_FORMAT and LOG_OUTPUT settings.
type Config struct {
	// Level is debug, info, warn (or warning), error or fatal. Empty means info.
	Level string `yaml:"level"`
	// Format is json or console. Empty means json.
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path opened for append. Empty means stderr.
	Output string `yaml:"output"`
}

// DefaultConfig is what nloptd logs with when nothing is configured: JSON
// lines at info on stderr, leaving stdout to solver results in the CLI.
func DefaultConfig() *Config {
	return &Config{
		Level:  string(InfoLevel),
		Format: string(JSONFormat),
		Output: "stderr",
	}
}

// NewLogger builds a Logger from cfg, or from DefaultConfig when cfg is nil.
// An unknown level or format is an error rather than a silent fallback.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	output, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return New(level, output).WithFormat(format), nil
}

// ParseLevel maps a case-insensitive level name to a LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel, nil
	case "", "INFO":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	default:
		return "", fmt.Errorf("unknown log level %q", level)
	}
}

func parseFormat(format string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(format))) {
	case "", JSONFormat:
		return JSONFormat, nil
	case ConsoleFormat:
		return ConsoleFormat, nil
	default:
		return "", fmt.Errorf("unknown log format %q", format)
	}
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	return file, nil
}
