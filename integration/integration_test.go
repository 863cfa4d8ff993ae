//go:build integration

package integration

import "time"

// progressTimeout/progressInterval bound the polling loops integration
// tests use while driving a transport's non-blocking Progress by hand.
const (
	progressTimeout  = 5 * time.Second
	progressInterval = time.Millisecond
)
