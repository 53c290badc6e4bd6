// Package net hands out free TCP ports for tests which need real listeners.
package net

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	mu    sync.Mutex
	taken = map[int]bool{}
)

// FreePort reserves a TCP port that no other test of the process got from
// this function. The listener probing the port is closed before returning so
// the caller can bind it, the window for somebody else grabbing it is small
// but real.
func FreePort(t *testing.T) int {
	mu.Lock()
	defer mu.Unlock()

	for {
		l, err := net.Listen("tcp", "localhost:0")
		require.NoError(t, err)
		port := l.Addr().(*net.TCPAddr).Port
		require.NoError(t, l.Close())

		if !taken[port] {
			taken[port] = true
			return port
		}
	}
}
