//go:build linux && cgo

package media

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// openMicrophone captures the default microphone through pion/mediadevices
// (malgo backend) and returns an Opus-encoded local track. Echo cancellation,
// noise suppression, and AGC from the constraint set are not native to this
// backend; the audio pipeline applies its own processing instead.
func openMicrophone(_ context.Context, c Constraints) (*Stream, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &Error{Reason: ReasonUnavailable, Err: err}
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Audio: func(mt *mediadevices.MediaTrackConstraints) {
			mt.ChannelCount = prop.Int(channels)
			// Opus operates at 48 kHz regardless of the requested PCM rate.
			mt.SampleRate = prop.Int(48000)
		},
	})
	if err != nil {
		return nil, &Error{Reason: ReasonUnavailable, Err: err}
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, &Error{Reason: ReasonUnavailable, Err: errNoAudioTrack}
	}

	track, ok := tracks[0].(webrtc.TrackLocal)
	if !ok {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, &Error{Reason: ReasonUnavailable, Err: errNoAudioTrack}
	}

	closeFn := func() {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
	}
	return NewTrackStream(track, closeFn), nil
}
