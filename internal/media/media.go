// Package media acquires the local audio capture stream for a call.
//
// A Stream carries either a ready-made encoded WebRTC track (hardware capture
// through pion/mediadevices) or a raw PCM frame source that the call engine
// encodes itself. The acquirer applies the constraint-relaxation retry policy:
// one attempt with the primary constraint set, one with the relaxed set, then
// a typed error that a human has to act on.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	// DefaultSampleRate is the PCM path rate; it matches the G.711 payload the
	// call engine sends for raw sources.
	DefaultSampleRate = 8000

	// FrameDuration is the packet time for one PCM frame.
	FrameDurationMs = 20
)

// Failure reasons surfaced in Error.Reason.
const (
	ReasonUnavailable = "unavailable" // no device, busy device, or denied
	ReasonUnsupported = "unsupported" // no capture backend on this platform
	ReasonClosed      = "closed"      // source closed mid-read
)

// Error is a terminal media acquisition failure. Both the primary and the
// relaxed attempt failed; there is no automatic recovery.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media: %s", e.Reason)
	}
	return fmt.Sprintf("media: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Constraints mirrors the capture constraint set requested from the platform.
// Voice-processing toggles that the capture backend cannot honor natively are
// applied by the audio pipeline instead.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	Channels         int
	SampleRate       int
}

// Primary is the preferred constraint set: mono voice capture with all
// processing enabled.
func Primary() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		Channels:         1,
		SampleRate:       DefaultSampleRate,
	}
}

// Relaxed is the fallback set, the equivalent of requesting bare audio.
func Relaxed() Constraints {
	return Constraints{Channels: 1, SampleRate: DefaultSampleRate}
}

// PCMSource yields mono PCM16 frames of FrameDurationMs, paced at real time.
// ReadFrame blocks until the next frame is ready and fails once the source is
// closed.
type PCMSource interface {
	ReadFrame() ([]int16, error)
	SampleRate() int
	Close() error
}

// Stream is one acquired local capture stream. Exactly one of Track or PCM is
// set. The stream is owned by the call session that acquired it and released
// by Close.
type Stream struct {
	track webrtc.TrackLocal
	pcm   PCMSource

	closeOnce sync.Once
	closeFn   func()
}

// NewTrackStream wraps an already-encoded local track (mediadevices capture).
func NewTrackStream(track webrtc.TrackLocal, closeFn func()) *Stream {
	return &Stream{track: track, closeFn: closeFn}
}

// NewPCMStream wraps a raw PCM source.
func NewPCMStream(src PCMSource) *Stream {
	return &Stream{pcm: src, closeFn: func() { _ = src.Close() }}
}

// Track returns the encoded local track, or nil for PCM streams.
func (s *Stream) Track() webrtc.TrackLocal { return s.track }

// PCM returns the raw frame source, or nil for track streams.
func (s *Stream) PCM() PCMSource { return s.pcm }

// Close releases the underlying capture. Idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}

// OpenFunc opens a capture stream for one constraint set.
type OpenFunc func(ctx context.Context, c Constraints) (*Stream, error)

// Acquirer produces the local stream for a session.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
	Release()
}

// DeviceAcquirer opens a platform capture device at most once per session.
// A second Acquire returns the cached stream instead of re-triggering the
// platform permission prompt; Release drops the cache for the next session.
type DeviceAcquirer struct {
	mu     sync.Mutex
	open   OpenFunc
	stream *Stream
}

// NewDeviceAcquirer captures from the platform microphone backend.
func NewDeviceAcquirer() *DeviceAcquirer {
	return &DeviceAcquirer{open: openMicrophone}
}

// NewAcquirer builds an acquirer around a custom opener (tone sources, tests).
func NewAcquirer(open OpenFunc) *DeviceAcquirer {
	return &DeviceAcquirer{open: open}
}

// Acquire opens the device with c, retrying once with the relaxed set.
func (a *DeviceAcquirer) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream != nil {
		return a.stream, nil
	}

	stream, err := a.open(ctx, c)
	if err != nil {
		relaxedErr := err
		stream, relaxedErr = a.open(ctx, Relaxed())
		if relaxedErr != nil {
			var mediaErr *Error
			if errors.As(relaxedErr, &mediaErr) {
				return nil, &Error{Reason: mediaErr.Reason, Err: errors.Join(err, mediaErr.Err)}
			}
			return nil, &Error{Reason: ReasonUnavailable, Err: errors.Join(err, relaxedErr)}
		}
	}

	a.stream = stream
	return stream, nil
}

// Release closes and forgets the cached stream.
func (a *DeviceAcquirer) Release() {
	a.mu.Lock()
	stream := a.stream
	a.stream = nil
	a.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}
