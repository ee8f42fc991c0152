package config

import (
	"testing"

	"go.uber.org/goleak"
)

// The watch loop and fsnotify reader must exit on StopWatch; the whole
// package runs under a leak check so a stuck goroutine fails the suite.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
