package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Transcript store configuration
	TranscriptMaxEntries  = 30
	TranscriptEventBuffer = 100

	// Window rendered by RecentTranscript
	RecentTranscriptWindow = 5 * time.Minute

	// Bound on waiting for in-flight pipelines at shutdown
	PoolDrainTimeout = 10 * time.Second
)
