package media

import "errors"

var errNoAudioTrack = errors.New("no audio capture track available")
