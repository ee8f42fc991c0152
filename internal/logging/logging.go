// Package logging provides the category-scoped zap loggers shared by every
// fabric component. Each category gets a named logger so operators can grep
// one subsystem at a time. Production output is JSON; setting TITAN_DEBUG=1
// switches to the development encoder with debug level enabled.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a fabric subsystem.
type Category string

const (
	CategoryBus      Category = "bus"      // Broker connection, publish/subscribe
	CategoryTopology Category = "topology" // Stream/consumer reconciliation
	CategorySubjects Category = "subjects" // Subject catalog, migrations
	CategoryEnvelope Category = "envelope" // Signing and verification
	CategorySignal   Category = "signal"   // PREPARE/CONFIRM/ABORT protocol
	CategoryPolicy   Category = "policy"   // Policy hash handshake
	CategoryConfig   Category = "config"   // Config loading, hot reload, history
	CategoryDLQ      Category = "dlq"      // Dead-letter routing and monitoring
	CategoryRun      Category = "run"      // Process lifecycle
)

var (
	mu      sync.Mutex
	root    *zap.Logger
	loggers = make(map[Category]*zap.Logger)
)

// Init installs the process root logger. Safe to call more than once; later
// calls replace the root and drop cached category loggers.
func Init(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	root = build(debug)
	loggers = make(map[Category]*zap.Logger)
}

// InitFromEnv initializes logging from TITAN_DEBUG.
func InitFromEnv() {
	Init(os.Getenv("TITAN_DEBUG") == "1" || os.Getenv("TITAN_DEBUG") == "true")
}

func build(debug bool) *zap.Logger {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		l, err := cfg.Build()
		if err == nil {
			return l
		}
	}
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Get returns (or creates) the logger for a category.
func Get(c Category) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		root = build(false)
	}
	if l, ok := loggers[c]; ok {
		return l
	}
	l := root.Named(string(c))
	loggers[c] = l
	return l
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if root != nil {
		_ = root.Sync()
	}
}

// SetForTest replaces the root logger, returning a restore function.
// Tests that assert on log output install an observed zap core here.
func SetForTest(l *zap.Logger) func() {
	mu.Lock()
	prev := root
	root = l
	loggers = make(map[Category]*zap.Logger)
	mu.Unlock()
	return func() {
		mu.Lock()
		root = prev
		loggers = make(map[Category]*zap.Logger)
		mu.Unlock()
	}
}
