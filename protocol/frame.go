package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// FrameEnd terminates every frame
const FrameEnd = 0xCE

const frameHeaderSize = 7

// Frame is the wire envelope: (1-byte method) + (2-byte channel) + (4-byte size) +
// (size-byte CBOR payload) + (1-byte end: 0xCE)
type Frame struct {
	Type    byte
	Channel uint16
	Size    uint32
	Payload []byte
}

func (f *Frame) MarshalBinary() ([]byte, error) {
	data := make([]byte, frameHeaderSize+len(f.Payload)+1)
	data[0] = f.Type
	binary.BigEndian.PutUint16(data[1:3], f.Channel)
	binary.BigEndian.PutUint32(data[3:7], uint32(len(f.Payload)))
	copy(data[7:], f.Payload)
	data[len(data)-1] = FrameEnd
	return data, nil
}

func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < frameHeaderSize+1 {
		return fmt.Errorf("frame too short")
	}

	size := binary.BigEndian.Uint32(data[3:7])
	if len(data) != int(frameHeaderSize+size+1) {
		return fmt.Errorf("frame size mismatch: expected %d bytes but got %d", frameHeaderSize+size+1, len(data))
	}
	if data[frameHeaderSize+size] != FrameEnd {
		return fmt.Errorf("invalid frame end-byte")
	}

	f.Type = data[0]
	f.Channel = binary.BigEndian.Uint16(data[1:3])
	f.Size = size
	f.Payload = make([]byte, size)
	copy(f.Payload, data[frameHeaderSize:frameHeaderSize+size])
	return nil
}

// ReadFrame reads one frame whose payload may not exceed maxSize (0 = unlimited).
func ReadFrame(reader io.Reader, maxSize uint32) (*Frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[3:7])
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", size, maxSize)
	}

	payload := make([]byte, size+1)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	if payload[size] != FrameEnd {
		return nil, fmt.Errorf("invalid frame end-byte")
	}

	return &Frame{
		Type:    header[0],
		Channel: binary.BigEndian.Uint16(header[1:3]),
		Size:    size,
		Payload: payload[:size],
	}, nil
}

// WriteFrame writes a frame with a single Write call using a pooled buffer.
func WriteFrame(writer io.Writer, frame *Frame) error {
	buf := getBuffer()
	defer putBuffer(buf)

	buf.Grow(frameHeaderSize + len(frame.Payload) + 1)
	buf.WriteByte(frame.Type)

	var header [6]byte
	binary.BigEndian.PutUint16(header[0:2], frame.Channel)
	binary.BigEndian.PutUint32(header[2:6], uint32(len(frame.Payload)))
	buf.Write(header[:])
	buf.Write(frame.Payload)
	buf.WriteByte(FrameEnd)

	_, err := buf.WriteTo(writer)
	return err
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// Don't pool buffers that are too large to avoid memory waste
	if buf.Cap() > 64*1024 {
		return
	}
	bufferPool.Put(buf)
}
