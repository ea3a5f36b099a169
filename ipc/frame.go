package ipc

import (
	"fmt"
)

// Protocol version carried in every frame.
const ProtocolVersion uint8 = 1

// FrameType represents the type of CBOR frame
type FrameType uint8

const (
	FrameTypeHello      FrameType = 0 // limits negotiation, first frame each way
	FrameTypeEnvelope   FrameType = 1 // one Envelope; handles are ids in Meta
	FrameTypeChunk      FrameType = 2 // channel data
	FrameTypeChannelEnd FrameType = 3 // writer closed its end (EOF or error)
	FrameTypeErr        FrameType = 4
	FrameTypeHeartbeat  FrameType = 5
)

// String returns the frame type name
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeHello:
		return "HELLO"
	case FrameTypeEnvelope:
		return "ENVELOPE"
	case FrameTypeChunk:
		return "CHUNK"
	case FrameTypeChannelEnd:
		return "CHANNEL_END"
	case FrameTypeErr:
		return "ERR"
	case FrameTypeHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", ft)
	}
}

// Frame represents a CBOR protocol frame
type Frame struct {
	Version    uint8                  // Protocol version
	FrameType  FrameType              // Frame type discriminator
	Id         uint64                 // Channel id for CHUNK/CHANNEL_END, heartbeat nonce otherwise
	Seq        uint64                 // Sequence number within a channel
	Meta       map[string]interface{} // Envelope fields, HELLO limits, ERR code/message
	Payload    []byte                 // Binary payload
	ChunkIndex *uint64                // REQUIRED for CHUNK frames
	ChunkCount *uint64                // REQUIRED for CHANNEL_END frames
	Checksum   *uint64                // FNV-1a of Payload, REQUIRED for CHUNK frames
}

func newFrame(frameType FrameType, id uint64) *Frame {
	return &Frame{
		Version:   ProtocolVersion,
		FrameType: frameType,
		Id:        id,
	}
}

// NewHello creates a HELLO frame advertising local limits
func NewHello(limits Limits) *Frame {
	frame := newFrame(FrameTypeHello, 0)
	frame.Meta = map[string]interface{}{
		"max_frame": limits.MaxFrame,
		"max_chunk": limits.MaxChunk,
		"version":   ProtocolVersion,
	}
	return frame
}

// NewEnvelopeFrame creates an ENVELOPE frame from already-encoded envelope fields.
func NewEnvelopeFrame(meta map[string]interface{}) *Frame {
	frame := newFrame(FrameTypeEnvelope, 0)
	frame.Meta = meta
	return frame
}

// NewChunk creates a CHUNK frame carrying data for one channel.
func NewChunk(channelId uint64, seq uint64, payload []byte, chunkIndex uint64, checksum uint64) *Frame {
	frame := newFrame(FrameTypeChunk, channelId)
	frame.Seq = seq
	frame.Payload = payload
	frame.ChunkIndex = &chunkIndex
	frame.Checksum = &checksum
	return frame
}

// NewChannelEnd creates a CHANNEL_END frame. A non-empty errMsg tells the
// reading side the writer failed instead of reaching EOF.
func NewChannelEnd(channelId uint64, chunkCount uint64, errMsg string) *Frame {
	frame := newFrame(FrameTypeChannelEnd, channelId)
	frame.ChunkCount = &chunkCount
	if errMsg != "" {
		frame.Meta = map[string]interface{}{
			"error": errMsg,
		}
	}
	return frame
}

// NewErr creates an ERR frame; code and message are stored in the Meta map
func NewErr(code string, message string) *Frame {
	frame := newFrame(FrameTypeErr, 0)
	frame.Meta = map[string]interface{}{
		"code":    code,
		"message": message,
	}
	return frame
}

// NewHeartbeat creates a HEARTBEAT frame
func NewHeartbeat(nonce uint64) *Frame {
	return newFrame(FrameTypeHeartbeat, nonce)
}

// ErrorCode gets error code from ERR frame meta
func (f *Frame) ErrorCode() string {
	if f.FrameType != FrameTypeErr || f.Meta == nil {
		return ""
	}
	if code, ok := f.Meta["code"].(string); ok {
		return code
	}
	return ""
}

// ErrorMessage gets error message from ERR frame meta
func (f *Frame) ErrorMessage() string {
	if f.FrameType != FrameTypeErr || f.Meta == nil {
		return ""
	}
	if msg, ok := f.Meta["message"].(string); ok {
		return msg
	}
	return ""
}

// ChannelError returns the writer-side error carried by a CHANNEL_END frame.
func (f *Frame) ChannelError() string {
	if f.FrameType != FrameTypeChannelEnd || f.Meta == nil {
		return ""
	}
	if msg, ok := f.Meta["error"].(string); ok {
		return msg
	}
	return ""
}

// HelloLimits extracts Limits from HELLO metadata, falling back to defaults
// for anything missing.
func (f *Frame) HelloLimits() Limits {
	limits := Limits{}
	if f.Meta != nil {
		limits.MaxFrame = extractIntFromMeta(f.Meta, "max_frame")
		limits.MaxChunk = extractIntFromMeta(f.Meta, "max_chunk")
	}
	if limits.MaxFrame <= 0 || limits.MaxChunk <= 0 {
		return DefaultLimits()
	}
	return limits
}

// extractIntFromMeta extracts an integer from a meta map, handling CBOR type variance.
// CBOR libraries may decode integers as int, int64, uint64, or float64.
func extractIntFromMeta(meta map[string]interface{}, key string) int {
	v, ok := meta[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// extractUintFromMeta is extractIntFromMeta for ids. ok is false when the key
// is missing or not an unsigned integer.
func extractUintFromMeta(meta map[string]interface{}, key string) (uint64, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// ComputeChecksum computes FNV-1a 64-bit hash of data
func ComputeChecksum(data []byte) uint64 {
	const fnvOffsetBasis = uint64(0xcbf29ce484222325)
	const fnvPrime = uint64(0x100000001b3)

	hash := fnvOffsetBasis
	for _, b := range data {
		hash ^= uint64(b)
		hash = hash * fnvPrime
	}
	return hash
}

// VerifyChunkChecksum verifies a CHUNK frame's checksum matches its payload.
func VerifyChunkChecksum(frame *Frame) error {
	if frame.Checksum == nil {
		return fmt.Errorf("CHUNK frame missing required checksum field")
	}
	expected := ComputeChecksum(frame.Payload)
	if *frame.Checksum != expected {
		return fmt.Errorf("CHUNK checksum mismatch: expected %d, got %d (payload %d bytes)", expected, *frame.Checksum, len(frame.Payload))
	}
	return nil
}
