package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds a production JSON logger at the given level (debug, info, warn,
// error). Stack traces are attached from error level up.
func New(level string) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build(zap.AddStacktrace(zap.ErrorLevel))
}
