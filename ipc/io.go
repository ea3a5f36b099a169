package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameReader reads length-prefixed CBOR frames from a stream
type FrameReader struct {
	reader io.Reader
	limits Limits
}

// NewFrameReader creates a new FrameReader
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader: r,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the reader's limits
func (fr *FrameReader) SetLimits(limits Limits) {
	fr.limits = limits
}

// ReadFrame reads a single frame from the stream
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	// 4-byte length prefix (big-endian)
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if int(length) > fr.limits.MaxFrame {
		return nil, fmt.Errorf("frame size %d exceeds max_frame limit %d", length, fr.limits.MaxFrame)
	}
	if int(length) > MaxFrameHardLimit {
		return nil, fmt.Errorf("frame size %d exceeds hard limit %d", length, MaxFrameHardLimit)
	}

	frameBuf := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, frameBuf); err != nil {
		return nil, err
	}

	return DecodeFrame(frameBuf)
}

// ErrFrameTooLarge is returned by FrameWriter before anything is written, so
// the stream stays usable.
var ErrFrameTooLarge = errors.New("frame too large")

// FrameWriter writes length-prefixed CBOR frames to a stream.
// It is not safe for concurrent use; Conn serializes writers.
type FrameWriter struct {
	writer io.Writer
	limits Limits
}

// NewFrameWriter creates a new FrameWriter
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer: w,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the writer's limits
func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.limits = limits
}

// WriteFrame writes a single frame to the stream
func (fw *FrameWriter) WriteFrame(frame *Frame) error {
	frameBuf, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	if len(frameBuf) > fw.limits.MaxFrame {
		return fmt.Errorf("%w: encoded frame size %d exceeds max_frame limit %d", ErrFrameTooLarge, len(frameBuf), fw.limits.MaxFrame)
	}
	if len(frameBuf) > MaxFrameHardLimit {
		return fmt.Errorf("%w: encoded frame size %d exceeds hard limit %d", ErrFrameTooLarge, len(frameBuf), MaxFrameHardLimit)
	}

	// Single write so a frame is never interleaved on message-oriented streams.
	buf := make([]byte, 4+len(frameBuf))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frameBuf)))
	copy(buf[4:], frameBuf)
	_, err = fw.writer.Write(buf)
	return err
}

// WriteChannelData splits data into CHUNK frames no larger than the
// negotiated chunk size. Returns the next chunk index.
func (fw *FrameWriter) WriteChannelData(channelId uint64, chunkIndex uint64, data []byte) (uint64, error) {
	offset := 0
	for offset < len(data) {
		chunkSize := minInt(len(data)-offset, fw.limits.MaxChunk)
		chunkData := data[offset : offset+chunkSize]

		frame := NewChunk(channelId, chunkIndex, chunkData, chunkIndex, ComputeChecksum(chunkData))
		if err := fw.WriteFrame(frame); err != nil {
			return chunkIndex, err
		}

		offset += chunkSize
		chunkIndex++
	}
	return chunkIndex, nil
}

// HandshakeAccept performs handshake from the accepting side: read the
// initiator's HELLO, answer with ours, return the negotiated limits.
func HandshakeAccept(reader *FrameReader, writer *FrameWriter, local Limits) (Limits, error) {
	helloFrame, err := reader.ReadFrame()
	if err != nil {
		return Limits{}, fmt.Errorf("failed to read HELLO: %w", err)
	}
	if helloFrame.FrameType != FrameTypeHello {
		return Limits{}, errors.New("expected HELLO frame")
	}

	if err := writer.WriteFrame(NewHello(local)); err != nil {
		return Limits{}, fmt.Errorf("failed to write HELLO response: %w", err)
	}

	return NegotiateLimits(local, helloFrame.HelloLimits()), nil
}

// HandshakeInitiate performs handshake from the initiating side
func HandshakeInitiate(reader *FrameReader, writer *FrameWriter, local Limits) (Limits, error) {
	if err := writer.WriteFrame(NewHello(local)); err != nil {
		return Limits{}, fmt.Errorf("failed to write HELLO: %w", err)
	}

	responseFrame, err := reader.ReadFrame()
	if err != nil {
		return Limits{}, fmt.Errorf("failed to read HELLO response: %w", err)
	}
	if responseFrame.FrameType != FrameTypeHello {
		return Limits{}, errors.New("expected HELLO response")
	}

	return NegotiateLimits(local, responseFrame.HelloLimits()), nil
}
