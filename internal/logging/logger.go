package logging

import (
	"os"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const (
	// EnvLogLevel selects the log level (trace, debug, info, warn, error).
	EnvLogLevel = "DSTREAM_LOG_LEVEL"
	// EnvLogJSON switches output to JSON lines when set to a true value.
	EnvLogJSON = "DSTREAM_LOG_JSON"
)

var (
	mu     sync.RWMutex
	logger hclog.Logger
)

// SetLogger replaces the shared logger, e.g. with the one a plugin host hands over.
func SetLogger(l hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// GetLogger returns the shared logger, creating it from the environment on
// first use.
func GetLogger() hclog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = New("dstream-ingester-tracked")
	}
	return logger
}

// New builds a stderr logger configured from DSTREAM_LOG_LEVEL and
// DSTREAM_LOG_JSON.
func New(name string) hclog.Logger {
	level := hclog.LevelFromString(os.Getenv(EnvLogLevel))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	jsonFormat, _ := strconv.ParseBool(os.Getenv(EnvLogJSON))

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: jsonFormat,
	})
}
