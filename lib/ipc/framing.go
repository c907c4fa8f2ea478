package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	frameHeaderSize = 4
	// endOfStreamLength is the reserved length prefix marking End-of-Stream.
	endOfStreamLength = math.MaxUint32
	// DefaultMaxMessageSize bounds a single decoded message.
	DefaultMaxMessageSize = 1 << 20
)

// Frame is one decoded unit of a byte stream.
type Frame struct {
	Payload     []byte
	EndOfStream bool
}

// AppendFrame appends the length-prefixed encoding of msg to dst.
func AppendFrame(dst, msg []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(msg)))
	return append(dst, msg...)
}

// Encode returns the length-prefixed encoding of msg.
func Encode(msg []byte) []byte {
	return AppendFrame(make([]byte, 0, frameHeaderSize+len(msg)), msg)
}

// AppendEndOfStream appends the End-of-Stream marker to dst.
func AppendEndOfStream(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, endOfStreamLength)
}

// Decode parses one frame from the head of stream and returns it along with
// the unconsumed remainder. It returns ErrNeedMoreData if stream does not yet
// hold a complete frame, and ErrFraming if the length prefix exceeds max.
// The decoded payload aliases stream.
func Decode(stream []byte, max int) (Frame, []byte, error) {
	if len(stream) < frameHeaderSize {
		return Frame{}, stream, ErrNeedMoreData
	}
	length := binary.BigEndian.Uint32(stream)
	if length == endOfStreamLength {
		return Frame{EndOfStream: true}, stream[frameHeaderSize:], nil
	}
	if max > 0 && uint64(length) > uint64(max) {
		return Frame{}, stream, fmt.Errorf("%w: length prefix %d exceeds limit %d", ErrFraming, length, max)
	}
	end := frameHeaderSize + int(length)
	if len(stream) < end {
		return Frame{}, stream, ErrNeedMoreData
	}
	return Frame{Payload: stream[frameHeaderSize:end]}, stream[end:], nil
}

// FrameReader decodes frames from a byte stream that may deliver data in
// arbitrary pieces. Bytes already read are kept across failed reads, so a
// read that times out can simply be retried.
type FrameReader struct {
	r    io.Reader
	max  int
	buf  []byte
	head int // start of unconsumed data in buf
}

const minReadSize = 512

// NewFrameReader returns a FrameReader over r. Frames longer than max are
// reported as ErrFraming; max <= 0 means DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	return &FrameReader{r: r, max: max, buf: make([]byte, 0, 4096)}
}

// Buffered reports the number of bytes read but not yet decoded.
func (fr *FrameReader) Buffered() int { return len(fr.buf) - fr.head }

// ReadFrame returns the next frame. The payload is a fresh copy.
// A stream that ends without End-of-Stream yields ErrPeerClosed.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	for {
		frame, rest, err := Decode(fr.buf[fr.head:], fr.max)
		if err == nil {
			fr.head = len(fr.buf) - len(rest)
			if frame.Payload != nil {
				frame.Payload = append([]byte{}, frame.Payload...)
			}
			return frame, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return Frame{}, err
		}
		if err := fr.fill(); err != nil {
			return Frame{}, err
		}
	}
}

func (fr *FrameReader) fill() error {
	if fr.head > 0 {
		n := copy(fr.buf, fr.buf[fr.head:])
		fr.buf = fr.buf[:n]
		fr.head = 0
	}
	if cap(fr.buf)-len(fr.buf) < minReadSize {
		grown := make([]byte, len(fr.buf), 2*cap(fr.buf)+minReadSize)
		copy(grown, fr.buf)
		fr.buf = grown
	}
	n, err := fr.r.Read(fr.buf[len(fr.buf):cap(fr.buf)])
	fr.buf = fr.buf[:len(fr.buf)+n]
	if n > 0 {
		return nil
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && len(fr.buf) == 0:
		return ErrPeerClosed
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %w (%d bytes of partial frame)", ErrPeerClosed, io.ErrUnexpectedEOF, len(fr.buf))
	default:
		return err
	}
}

// FrameWriter writes frames through a buffer. Frames reach the peer when the
// buffer fills or on Flush.
type FrameWriter struct {
	w   *bufio.Writer
	hdr [frameHeaderSize]byte
}

// NewFrameWriter returns a FrameWriter over w with a buffer of size bytes.
func NewFrameWriter(w io.Writer, size int) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriterSize(w, size)}
}

// WriteFrame buffers one length-prefixed message.
func (fw *FrameWriter) WriteFrame(msg []byte) error {
	if uint64(len(msg)) >= endOfStreamLength {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	binary.BigEndian.PutUint32(fw.hdr[:], uint32(len(msg)))
	if _, err := fw.w.Write(fw.hdr[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(msg)
	return err
}

// WriteEndOfStream buffers the End-of-Stream marker.
func (fw *FrameWriter) WriteEndOfStream() error {
	binary.BigEndian.PutUint32(fw.hdr[:], endOfStreamLength)
	_, err := fw.w.Write(fw.hdr[:])
	return err
}

// Flush writes any buffered frames to the underlying writer.
func (fw *FrameWriter) Flush() error { return fw.w.Flush() }
