package ipc

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR map keys
const (
	keyVersion    = 0 // version (u8)
	keyFrameType  = 1 // frame_type (u8)
	keyId         = 2 // id (u64)
	keySeq        = 3 // seq (u64, optional)
	keyMeta       = 4 // meta (map, optional)
	keyPayload    = 5 // payload (bstr, optional)
	keyChunkIndex = 6 // chunk_index (u64, REQUIRED for CHUNK frames)
	keyChunkCount = 7 // chunk_count (u64, REQUIRED for CHANNEL_END frames)
	keyChecksum   = 8 // checksum (u64, REQUIRED for CHUNK frames - FNV-1a hash)
)

// EncodeFrame encodes a Frame to CBOR bytes using integer keys
func EncodeFrame(frame *Frame) ([]byte, error) {
	m := make(map[int]interface{})

	m[keyVersion] = uint8(ProtocolVersion)
	m[keyFrameType] = uint8(frame.FrameType)
	m[keyId] = frame.Id

	if frame.Seq != 0 {
		m[keySeq] = frame.Seq
	}
	if len(frame.Meta) > 0 {
		m[keyMeta] = frame.Meta
	}
	if frame.Payload != nil {
		m[keyPayload] = frame.Payload
	}
	if frame.ChunkIndex != nil {
		m[keyChunkIndex] = *frame.ChunkIndex
	}
	if frame.ChunkCount != nil {
		m[keyChunkCount] = *frame.ChunkCount
	}
	if frame.Checksum != nil {
		m[keyChecksum] = *frame.Checksum
	}

	return cbor.Marshal(m)
}

// DecodeFrame decodes CBOR bytes to a Frame using integer keys
func DecodeFrame(data []byte) (*Frame, error) {
	var m map[int]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	frame := &Frame{}

	// 0: version (required - must be ProtocolVersion)
	verVal, ok := m[keyVersion]
	if !ok {
		return nil, errors.New("missing version (key 0)")
	}
	ver, ok := verVal.(uint64)
	if !ok {
		return nil, errors.New("version must be uint")
	}
	frame.Version = uint8(ver)
	if frame.Version != ProtocolVersion {
		return nil, fmt.Errorf("invalid version %d, expected %d", frame.Version, ProtocolVersion)
	}

	// 1: frame_type (required)
	ftVal, ok := m[keyFrameType]
	if !ok {
		return nil, errors.New("missing frame_type (key 1)")
	}
	ft, ok := ftVal.(uint64)
	if !ok {
		return nil, errors.New("frame_type must be uint")
	}
	if FrameType(ft) > FrameTypeHeartbeat {
		return nil, fmt.Errorf("invalid frame_type %d", ft)
	}
	frame.FrameType = FrameType(ft)

	// 2: id (required)
	idVal, ok := m[keyId]
	if !ok {
		return nil, errors.New("missing id (key 2)")
	}
	id, ok := idVal.(uint64)
	if !ok {
		return nil, errors.New("id must be uint")
	}
	frame.Id = id

	if seqVal, ok := m[keySeq]; ok {
		if seq, ok := seqVal.(uint64); ok {
			frame.Seq = seq
		}
	}

	if metaVal, ok := m[keyMeta]; ok {
		if meta, ok := metaVal.(map[interface{}]interface{}); ok {
			// Convert map[interface{}]interface{} to map[string]interface{}
			frame.Meta = make(map[string]interface{}, len(meta))
			for k, v := range meta {
				if ks, ok := k.(string); ok {
					frame.Meta[ks] = v
				}
			}
		}
	}

	if payloadVal, ok := m[keyPayload]; ok {
		if payload, ok := payloadVal.([]byte); ok {
			frame.Payload = payload
		}
	}

	frame.ChunkIndex = decodeOptionalUint(m, keyChunkIndex)
	frame.ChunkCount = decodeOptionalUint(m, keyChunkCount)
	frame.Checksum = decodeOptionalUint(m, keyChecksum)

	// Validate required fields based on frame type
	switch frame.FrameType {
	case FrameTypeChunk:
		if frame.ChunkIndex == nil {
			return nil, errors.New("CHUNK frame missing required field: chunk_index")
		}
		if frame.Checksum == nil {
			return nil, errors.New("CHUNK frame missing required field: checksum")
		}
	case FrameTypeChannelEnd:
		if frame.ChunkCount == nil {
			return nil, errors.New("CHANNEL_END frame missing required field: chunk_count")
		}
	}

	return frame, nil
}

func decodeOptionalUint(m map[int]interface{}, key int) *uint64 {
	val, ok := m[key]
	if !ok {
		return nil
	}
	switch v := val.(type) {
	case uint64:
		return &v
	case int64:
		u := uint64(v)
		return &u
	case int:
		u := uint64(v)
		return &u
	case uint:
		u := uint64(v)
		return &u
	}
	return nil
}
