// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger bootstraps zap for hosts that do not bring their own
// logger. Every cache component accepts a *zap.SugaredLogger directly;
// this package only provides a reasonable default and the component names
// used for named loggers.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names for standardized logging.
const (
	ComponentCache        = "Cache"
	ComponentQuery        = "Query"
	ComponentMutation     = "Mutation"
	ComponentSubscription = "Subscription"
	ComponentTransport    = "Transport"
	ComponentStore        = "Store"
)

// LogLevel represents the logging level.
type LogLevel string

// LogFormat represents the logging format.
type LogFormat string

const (
	// DebugLevel logs debug level messages.
	DebugLevel LogLevel = "DEBUG"
	// InfoLevel logs informational messages.
	InfoLevel LogLevel = "INFO"
	// WarnLevel logs warning messages.
	WarnLevel LogLevel = "WARN"
	// ErrorLevel logs error messages.
	ErrorLevel LogLevel = "ERROR"

	// FormatConsole indicates human-readable console format.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON indicates structured JSON format.
	FormatJSON LogFormat = "JSON"
)

var initOnce sync.Once

func getLogLevel(level LogLevel) zapcore.Level {
	switch strings.ToUpper(string(level)) {
	case string(DebugLevel):
		return zapcore.DebugLevel
	case string(WarnLevel):
		return zapcore.WarnLevel
	case string(ErrorLevel):
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value
}

// New creates a zap logger with the given level and format.
func New(logLevel LogLevel, logFormat LogFormat) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if logFormat == FormatConsole {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), getLogLevel(logLevel))

	return zap.New(core)
}

// Initialize installs the default logger as zap's global, reading
// LOGGING_LEVEL and LOGGING_FORMAT from the environment. Safe to call
// more than once; only the first call takes effect.
func Initialize() {
	initOnce.Do(func() {
		level := LogLevel(getEnv("LOGGING_LEVEL", string(InfoLevel)))
		format := LogFormat(getEnv("LOGGING_FORMAT", string(FormatConsole)))

		zap.ReplaceGlobals(New(level, format))
	})
}

// For creates a named logger for a specific component.
func For(component string) *zap.SugaredLogger {
	Initialize()

	return zap.S().Named(component)
}
