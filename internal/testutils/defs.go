package test

import "time"

// Shared timeouts for require.Eventually style polling. Network tests
// (DHT convergence, gossip propagation) need the longer duration.
const (
	WaitDuration = 4 * time.Second
	WaitTick     = 100 * time.Millisecond
)
