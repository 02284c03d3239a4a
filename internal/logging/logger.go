// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

var credential = regexp.MustCompile(
	`(?i)((?:oauth|access|api)?[ _]?(?:key|token|verifier|secret)[:= ])[^\s&]+`)

// Scrub elides credential values from a string before it is logged. Query
// parameters and header values whose names look like tokens or secrets are
// replaced with an ellipsis.
func Scrub(s string) string {
	return credential.ReplaceAllString(s, "${1}...")
}
