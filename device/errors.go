package device

import "errors"

// Preview lifecycle errors.
var (
	// ErrNoPreviewStream indicates an operation that needs an acquired
	// stream ran before Start succeeded.
	ErrNoPreviewStream = errors.New("no preview stream acquired")

	// ErrStreamHandedOff indicates the preview stream's ownership has
	// already been transferred to the transport layer.
	ErrStreamHandedOff = errors.New("preview stream ownership already transferred")

	// ErrNoMediaAvailable indicates every acquisition stage failed.
	ErrNoMediaAvailable = errors.New("no camera or microphone could be acquired")
)
