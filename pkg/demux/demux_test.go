package demux

import "context"

// testContext returns a background context for use by tests that start a
// Track or Consumer goroutine and tear it down explicitly via Stop
func testContext() context.Context {
	return context.Background()
}
