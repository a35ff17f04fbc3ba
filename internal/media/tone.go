package media

import (
	"context"
	"math"
	"sync"
	"time"
)

// toneSource generates a paced sine tone. It stands in for a microphone on
// headless deployments and in tests, where real capture hardware is absent.
type toneSource struct {
	freq       float64
	sampleRate int
	frameLen   int
	amplitude  float64

	ticker *time.Ticker
	phase  float64

	closeOnce sync.Once
	closed    chan struct{}
}

func newToneSource(freqHz float64, sampleRate int) *toneSource {
	frameLen := sampleRate * FrameDurationMs / 1000
	return &toneSource{
		freq:       freqHz,
		sampleRate: sampleRate,
		frameLen:   frameLen,
		amplitude:  0.25 * math.MaxInt16,
		ticker:     time.NewTicker(FrameDurationMs * time.Millisecond),
		closed:     make(chan struct{}),
	}
}

func (t *toneSource) ReadFrame() ([]int16, error) {
	select {
	case <-t.closed:
		return nil, &Error{Reason: ReasonClosed}
	case <-t.ticker.C:
	}

	frame := make([]int16, t.frameLen)
	step := 2 * math.Pi * t.freq / float64(t.sampleRate)
	for i := range frame {
		frame[i] = int16(t.amplitude * math.Sin(t.phase))
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return frame, nil
}

func (t *toneSource) SampleRate() int { return t.sampleRate }

func (t *toneSource) Close() error {
	t.closeOnce.Do(func() {
		t.ticker.Stop()
		close(t.closed)
	})
	return nil
}

// NewToneAcquirer produces a tone instead of microphone input.
func NewToneAcquirer(freqHz float64) *DeviceAcquirer {
	return NewAcquirer(func(_ context.Context, c Constraints) (*Stream, error) {
		rate := c.SampleRate
		if rate <= 0 {
			rate = DefaultSampleRate
		}
		return NewPCMStream(newToneSource(freqHz, rate)), nil
	})
}
