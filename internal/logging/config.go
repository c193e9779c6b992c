package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Fields map[string]string `yaml:"fields"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("level: %w", err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be json or console, got %q", c.Format)
	}
	return nil
}
