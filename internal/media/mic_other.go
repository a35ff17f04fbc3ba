//go:build !linux || !cgo

package media

import "context"

// Microphone capture is wired up for linux only; other platforms run with a
// tone source or a custom opener.
func openMicrophone(_ context.Context, _ Constraints) (*Stream, error) {
	return nil, &Error{Reason: ReasonUnsupported, Err: errNoAudioTrack}
}
