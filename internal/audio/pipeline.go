package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
)

// ErrInvalidVolume is returned by SetOutputVolume for levels outside [0, 1].
var ErrInvalidVolume = errors.New("output volume must be between 0.0 and 1.0")

// Stage processes one mono PCM16 frame. Stages are order-preserving and must
// tolerate frames of any length. A stage that keeps filter state is driven
// from a single goroutine per direction.
type Stage interface {
	Name() string
	Process(frame []int16) []int16
}

// GainStage multiplies samples by a level. The level can be changed
// concurrently with Process.
type GainStage struct {
	name  string
	level atomic.Uint64
}

func NewGainStage(name string, level float64) (*GainStage, error) {
	if level < 0 || math.IsNaN(level) {
		return nil, fmt.Errorf("gain stage %s: invalid level %v", name, level)
	}
	g := &GainStage{name: name}
	g.setLevel(level)
	return g, nil
}

func (g *GainStage) Name() string { return g.name }

func (g *GainStage) setLevel(level float64) {
	g.level.Store(math.Float64bits(level))
}

func (g *GainStage) Level() float64 {
	return math.Float64frombits(g.level.Load())
}

func (g *GainStage) Process(frame []int16) []int16 {
	level := g.Level()
	if level == 1.0 {
		return frame
	}
	for i, s := range frame {
		v := float64(s) * level
		switch {
		case v > math.MaxInt16:
			frame[i] = math.MaxInt16
		case v < math.MinInt16:
			frame[i] = math.MinInt16
		default:
			frame[i] = int16(v)
		}
	}
	return frame
}

// HighPassStage is a first-order high-pass filter used to band-limit captured
// audio (strip DC offset and low-frequency rumble before encoding).
type HighPassStage struct {
	alpha   float64
	prevIn  float64
	prevOut float64
}

func NewHighPassStage(cutoffHz, sampleRate int) (*HighPassStage, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("high-pass stage: invalid sample rate %d", sampleRate)
	}
	if cutoffHz <= 0 || cutoffHz >= sampleRate/2 {
		return nil, fmt.Errorf("high-pass stage: cutoff %d Hz out of range for %d Hz", cutoffHz, sampleRate)
	}
	rc := 1.0 / (2 * math.Pi * float64(cutoffHz))
	dt := 1.0 / float64(sampleRate)
	return &HighPassStage{alpha: rc / (rc + dt)}, nil
}

func (h *HighPassStage) Name() string { return "high-pass" }

func (h *HighPassStage) Process(frame []int16) []int16 {
	for i, s := range frame {
		in := float64(s)
		out := h.alpha * (h.prevOut + in - h.prevIn)
		h.prevIn = in
		h.prevOut = out
		switch {
		case out > math.MaxInt16:
			frame[i] = math.MaxInt16
		case out < math.MinInt16:
			frame[i] = math.MinInt16
		default:
			frame[i] = int16(out)
		}
	}
	return frame
}

// Config selects the pipeline stages. Zero values disable a stage.
type Config struct {
	SampleRate    int
	HighPassHz    int     // capture band-limiting; 0 disables
	CaptureGain   float64 // 0 means unity
	OutputVolume  float64 // initial playback volume, clamped to [0, 1]
	DisableStages bool    // force pass-through on both directions
}

// Pipeline sits between raw PCM frames and the transport on the capture side,
// and between decoded remote frames and the output sink on the playback side.
// Stage construction failures degrade the pipeline to pass-through for that
// stage only; they never fail call setup.
type Pipeline struct {
	capture  []Stage
	playback []Stage
	volume   *GainStage
}

func NewPipeline(cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{}

	vol := cfg.OutputVolume
	if vol <= 0 || vol > 1 {
		vol = 1.0
	}
	// The volume stage cannot fail for levels in [0, 1]; keep a non-nil stage
	// so SetOutputVolume works even when everything else is bypassed.
	p.volume, _ = NewGainStage("output-volume", vol)
	p.playback = append(p.playback, p.volume)

	if cfg.DisableStages {
		return p
	}

	if cfg.HighPassHz > 0 {
		hp, err := NewHighPassStage(cfg.HighPassHz, cfg.SampleRate)
		if err != nil {
			log.Warn("audio stage disabled, passing through", "stage", "high-pass", "err", err)
		} else {
			p.capture = append(p.capture, hp)
		}
	}

	if cfg.CaptureGain > 0 && cfg.CaptureGain != 1.0 {
		g, err := NewGainStage("capture-gain", cfg.CaptureGain)
		if err != nil {
			log.Warn("audio stage disabled, passing through", "stage", "capture-gain", "err", err)
		} else {
			p.capture = append(p.capture, g)
		}
	}

	return p
}

// ProcessCapture runs the capture stages in order over one local frame.
func (p *Pipeline) ProcessCapture(frame []int16) []int16 {
	for _, s := range p.capture {
		frame = s.Process(frame)
	}
	return frame
}

// ProcessPlayback runs the playback stages in order over one remote frame.
func (p *Pipeline) ProcessPlayback(frame []int16) []int16 {
	for _, s := range p.playback {
		frame = s.Process(frame)
	}
	return frame
}

// SetOutputVolume adjusts the playback gain. Safe to call during a call.
func (p *Pipeline) SetOutputVolume(level float64) error {
	if level < 0 || level > 1 || math.IsNaN(level) {
		return ErrInvalidVolume
	}
	p.volume.setLevel(level)
	return nil
}

func (p *Pipeline) OutputVolume() float64 { return p.volume.Level() }
