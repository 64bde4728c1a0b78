// Package codec implements the framing used on the radio link: a four byte
// header (two start bytes and a big-endian payload length) followed by a
// protobuf encoded FromRadio or ToRadio envelope.
package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	frameStart1 = 0x94
	frameStart2 = 0xC3
	headerLen   = 4

	// DefaultMaxPayload bounds the declared payload length of a single frame.
	DefaultMaxPayload = 512
)

// Decoder reassembles frames from chunks of arbitrary size. It is not safe
// for concurrent use.
type Decoder struct {
	buf        []byte
	maxPayload int
}

// NewDecoder returns a decoder rejecting frames that declare more than
// maxPayload bytes. A non-positive maxPayload selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{
		buf:        make([]byte, 0, headerLen+maxPayload),
		maxPayload: maxPayload,
	}
}

// Write appends a received chunk to the rolling buffer. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops everything buffered, including a partially received frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// NextFrame returns the payload of the next complete frame. It returns
// ErrNeedMoreData when the buffer holds no complete frame, or an error
// wrapping ErrFrameTooLarge after resetting the buffer.
func (d *Decoder) NextFrame() ([]byte, error) {
	d.resync()
	if len(d.buf) < headerLen {
		return nil, ErrNeedMoreData
	}

	size := int(binary.BigEndian.Uint16(d.buf[2:headerLen]))
	if size > d.maxPayload {
		d.Reset()
		return nil, fmt.Errorf("%w: %d bytes declared, max %d", ErrFrameTooLarge, size, d.maxPayload)
	}
	if len(d.buf) < headerLen+size {
		return nil, ErrNeedMoreData
	}

	payload := append([]byte(nil), d.buf[headerLen:headerLen+size]...)
	d.consume(headerLen + size)
	return payload, nil
}

// Next returns the next complete FromRadio message. Besides the errors of
// NextFrame it returns an error wrapping ErrDecode after discarding a
// malformed frame. Callers loop until ErrNeedMoreData.
func (d *Decoder) Next() (*FromRadio, error) {
	payload, err := d.NextFrame()
	if err != nil {
		return nil, err
	}

	msg := &FromRadio{}
	if err := msg.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return msg, nil
}

// resync drops bytes that cannot start a frame.
func (d *Decoder) resync() {
	i := 0
	for ; i < len(d.buf); i++ {
		if d.buf[i] != frameStart1 {
			continue
		}
		if i+1 == len(d.buf) || d.buf[i+1] == frameStart2 {
			break
		}
	}
	if i > 0 {
		d.consume(i)
	}
}

func (d *Decoder) consume(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

// Encode frames msg and splits the frame into chunks of at most chunkSize
// bytes, in transmission order. A non-positive chunkSize yields one chunk.
func Encode(msg *ToRadio, chunkSize int) [][]byte {
	return EncodeFrame(msg.Marshal(), chunkSize)
}

// EncodeFrame prefixes payload with a frame header and splits the result
// like Encode.
func EncodeFrame(payload []byte, chunkSize int) [][]byte {
	frame := make([]byte, headerLen, headerLen+len(payload))
	frame[0] = frameStart1
	frame[1] = frameStart2
	binary.BigEndian.PutUint16(frame[2:headerLen], uint16(len(payload)))
	frame = append(frame, payload...)

	if chunkSize <= 0 || chunkSize >= len(frame) {
		return [][]byte{frame}
	}

	chunks := make([][]byte, 0, (len(frame)+chunkSize-1)/chunkSize)
	for len(frame) > 0 {
		n := min(chunkSize, len(frame))
		chunks = append(chunks, frame[:n:n])
		frame = frame[n:]
	}
	return chunks
}

// PayloadSize returns the frame payload size of msg, the value checked
// against a decoder's maximum.
func PayloadSize(msg *ToRadio) int {
	return len(msg.Marshal())
}
