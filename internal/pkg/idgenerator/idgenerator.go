// nolint: gochecknoglobals
package idgenerator

import gonanoid "github.com/matoous/go-nanoid/v2"

const (
	NodeIDLength   = 10
	StreamIDLength = 12
	RandomIDLength = 16
)

// alphabet used in ID generation.
var alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NodeID generates the worker node ID, if it is not configured.
func NodeID() string {
	return "worker-" + gonanoid.MustGenerate(alphabet, NodeIDLength)
}

// StreamID identifies an output stream of one run attempt.
func StreamID() string {
	return gonanoid.MustGenerate(alphabet, StreamIDLength)
}

func Random(length int) string {
	return gonanoid.MustGenerate(alphabet, length)
}
