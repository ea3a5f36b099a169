package ipc

// Default maximum frame size (3.5 MB). Embedded envelopes must fit in one frame.
const DefaultMaxFrame int = 3_670_016

// Default maximum chunk size (256 KB) for channel data.
const DefaultMaxChunk int = 262_144

// Hard limit on frame size (16 MB) - prevents DoS
const MaxFrameHardLimit int = 16_777_216

// DefaultMaxEmbeddedBytes is the largest message (UTF-8 bytes) sent inline.
// Anything larger goes through a streamed transfer.
const DefaultMaxEmbeddedBytes int = 400_000

// DefaultCacheCapacity is the default number of in-flight streamed transfers
// a Sender tracks before evicting the oldest.
const DefaultCacheCapacity int = 20

// DefaultStreamWorkers bounds concurrent blocking stream reads/writes.
const DefaultStreamWorkers int = 5

// Limits represents connection negotiation limits
type Limits struct {
	MaxFrame int `cbor:"max_frame"`
	MaxChunk int `cbor:"max_chunk"`
}

// DefaultLimits returns the default protocol limits
func DefaultLimits() Limits {
	return Limits{
		MaxFrame: DefaultMaxFrame,
		MaxChunk: DefaultMaxChunk,
	}
}

// chunkFrameOverhead is the room a CHUNK frame needs besides its data.
const chunkFrameOverhead = 1024

// NegotiateLimits returns the minimum of two limit sets, with the chunk size
// lowered so a full CHUNK frame stays within the frame size.
func NegotiateLimits(a, b Limits) Limits {
	l := Limits{
		MaxFrame: minInt(a.MaxFrame, b.MaxFrame),
		MaxChunk: minInt(a.MaxChunk, b.MaxChunk),
	}
	if l.MaxFrame > chunkFrameOverhead && l.MaxChunk > l.MaxFrame-chunkFrameOverhead {
		l.MaxChunk = l.MaxFrame - chunkFrameOverhead
	}
	return l
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
