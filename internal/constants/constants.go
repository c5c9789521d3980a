// Package constants provides shared constants used across the codebase.
package constants

// Web job constants
const (
	// EventChannelBuffer is the buffer size for SSE listener channels
	EventChannelBuffer = 100

	// MaxRequestBodyBytes bounds a match request body
	MaxRequestBodyBytes = 32 << 20

	// MaxDetectionsPerJob is the largest batch a single match request may submit
	MaxDetectionsPerJob = 10000
)

// CLI constants
const (
	// RationaleWidth is the column width for rationale text in candidate tables
	RationaleWidth = 60
)
