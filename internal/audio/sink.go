package audio

import (
	"encoding/binary"
	"io"
)

// Sink consumes processed remote PCM frames. The call engine pushes frames
// as they arrive; the sink decides what playback means (a device, a file, a
// test recorder).
type Sink interface {
	WriteFrame(frame []int16) error
}

// DiscardSink drops all frames.
type DiscardSink struct{}

func (DiscardSink) WriteFrame([]int16) error { return nil }

// WriterSink streams frames as signed 16-bit little-endian PCM to W.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) WriteFrame(frame []int16) error {
	buf := make([]byte, 2*len(frame))
	for i, v := range frame {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	_, err := s.W.Write(buf)
	return err
}
