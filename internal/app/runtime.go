package app

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const testModeEnv = "INTLEARN_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode treats INTLEARN_TEST_MODE=1 (or "true") as test mode.
func detectTestMode() {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(testModeEnv))) {
	case "1", "true":
		testMode.Store(true)
	default:
		testMode.Store(false)
	}
}

// InTestMode reports whether binaries should skip runtime side effects such
// as opening listeners or connecting to Redis.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads the environment after it changed.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
