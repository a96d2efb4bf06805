package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger; commands hand it to components explicitly.
var Log = zap.NewNop()

// Init builds the global logger. Unknown levels fall back to info and unknown
// encodings to json.
func Init(level, encoding string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if encoding != "console" {
		encoding = "json"
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Encoding:         encoding,
		Level:            zap.NewAtomicLevelAt(lvl),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    enc,
		InitialFields:    map[string]any{"service": "subsync"},
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	Log = l
	return l
}
