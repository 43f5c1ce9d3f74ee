package engine

import "context"

// ChunkType tags the variants flowing out of an analysis stream.
type ChunkType string

const (
	// ChunkContent carries a fragment of report text.
	ChunkContent ChunkType = "content"
	// ChunkCredits is informational usage data; never a billing input
	// on its own (the reserved estimate stays the ceiling).
	ChunkCredits ChunkType = "credits"
	// ChunkComplete closes a successful stream.
	ChunkComplete ChunkType = "complete"
	// ChunkError closes a failed stream.
	ChunkError ChunkType = "error"
)

// Chunk is one element of an analysis stream.
//
// A stream is finite: zero or more content/credits chunks followed by
// exactly one complete or error chunk, after which the channel closes.
// Streams are not restartable.
type Chunk struct {
	Type ChunkType `json:"type"`

	// Content is set for content chunks.
	Content string `json:"content,omitempty"`

	// CreditsUsed is set for credits chunks.
	CreditsUsed int64 `json:"credits_used,omitempty"`

	// ReportedCost is set on complete chunks when the backend reported
	// usage. Zero means unknown; the estimate is charged.
	ReportedCost int64 `json:"reported_cost,omitempty"`

	// Err is set for error chunks.
	Err string `json:"error,omitempty"`
}

// Engine is the analysis backend boundary.
//
// Rules:
// - No backend SDK calls outside engine adapters.
// - Invoke returns an error only when the stream cannot start at all;
//   mid-stream failures arrive as a terminal error chunk instead, so
//   partial output already delivered is never lost.
// - Cancelling ctx aborts the backend call; the adapter then emits an
//   error chunk and closes the channel.
type Engine interface {
	Invoke(ctx context.Context, sessionID, code, language string) (<-chan Chunk, error)
}
