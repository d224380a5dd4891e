// Package ingest receives live PCM transmissions and stores each one as a
// WAV segment.
//
// A stream is a sequence of big-endian uint32 frames: 0xFFFFFFFF starts a
// transmission, 0x00000000 ends it, and any other value is the length of the
// little-endian PCM payload that follows.
package ingest

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	markerStart uint32 = 0xFFFFFFFF
	markerEnd   uint32 = 0x00000000

	// MaxFrameBytes bounds a single payload frame.
	MaxFrameBytes = 1 << 20
)

// Sender writes the stream framing for 16-bit samples.
type Sender struct {
	w io.Writer
}

func NewSender(w io.Writer) *Sender {
	return &Sender{w: w}
}

func (s *Sender) Begin() error {
	return s.marker(markerStart)
}

func (s *Sender) End() error {
	return s.marker(markerEnd)
}

// Send writes one frame of samples.
func (s *Sender) Send(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	size := len(samples) * 2
	if size > MaxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds %d", size, MaxFrameBytes)
	}

	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(buf[4+i*2:], uint16(sample))
	}
	_, err := s.w.Write(buf)
	return err
}

func (s *Sender) marker(m uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], m)
	_, err := s.w.Write(buf[:])
	return err
}
