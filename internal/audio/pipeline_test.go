package audio

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGainStageScalesAndClamps(t *testing.T) {
	g, err := NewGainStage("test", 0.5)
	require.NoError(t, err)

	out := g.Process([]int16{1000, -1000, 0})
	assert.Equal(t, []int16{500, -500, 0}, out)

	boost, err := NewGainStage("boost", 4.0)
	require.NoError(t, err)
	out = boost.Process([]int16{20000, -20000})
	assert.Equal(t, []int16{math.MaxInt16, math.MinInt16}, out)
}

func TestGainStageRejectsInvalidLevel(t *testing.T) {
	_, err := NewGainStage("bad", -1)
	assert.Error(t, err)
	_, err = NewGainStage("bad", math.NaN())
	assert.Error(t, err)
}

func TestHighPassRemovesDCOffset(t *testing.T) {
	hp, err := NewHighPassStage(120, 8000)
	require.NoError(t, err)

	// A constant signal is pure DC; after settling the output must be near
	// zero while a superimposed step change still passes through.
	frame := make([]int16, 1600)
	for i := range frame {
		frame[i] = 8000
	}
	out := hp.Process(frame)
	assert.Less(t, absInt16(out[len(out)-1]), int16(100))
}

func TestHighPassRejectsBadCutoff(t *testing.T) {
	_, err := NewHighPassStage(0, 8000)
	assert.Error(t, err)
	_, err = NewHighPassStage(4000, 8000)
	assert.Error(t, err)
	_, err = NewHighPassStage(120, 0)
	assert.Error(t, err)
}

func TestPipelineCaptureChain(t *testing.T) {
	p := NewPipeline(Config{
		SampleRate:  8000,
		HighPassHz:  120,
		CaptureGain: 0.5,
	}, testLogger())

	frame := make([]int16, 160)
	for i := range frame {
		frame[i] = 10000
	}
	out := p.ProcessCapture(frame)
	require.Len(t, out, 160)
	// The high-pass strips the DC before gain, so the tail settles near zero.
	assert.Less(t, absInt16(out[len(out)-1]), int16(10000))
}

func TestPipelineDegradesToPassThrough(t *testing.T) {
	// Cutoff above Nyquist cannot build a filter; the stage is skipped and
	// capture passes through unchanged instead of failing call setup.
	p := NewPipeline(Config{
		SampleRate: 8000,
		HighPassHz: 6000,
	}, testLogger())

	frame := []int16{100, -100, 32000}
	out := p.ProcessCapture(frame)
	assert.Equal(t, []int16{100, -100, 32000}, out)
}

func TestPipelineDisableStagesKeepsVolume(t *testing.T) {
	p := NewPipeline(Config{
		SampleRate:    8000,
		HighPassHz:    120,
		CaptureGain:   2.0,
		OutputVolume:  0.5,
		DisableStages: true,
	}, testLogger())

	capture := p.ProcessCapture([]int16{1000})
	assert.Equal(t, []int16{1000}, capture)

	playback := p.ProcessPlayback([]int16{1000})
	assert.Equal(t, []int16{500}, playback)
}

func TestSetOutputVolume(t *testing.T) {
	p := NewPipeline(Config{SampleRate: 8000}, testLogger())
	assert.Equal(t, 1.0, p.OutputVolume())

	require.NoError(t, p.SetOutputVolume(0.25))
	assert.Equal(t, 0.25, p.OutputVolume())
	out := p.ProcessPlayback([]int16{4000})
	assert.Equal(t, []int16{1000}, out)

	assert.ErrorIs(t, p.SetOutputVolume(-0.1), ErrInvalidVolume)
	assert.ErrorIs(t, p.SetOutputVolume(1.1), ErrInvalidVolume)
	assert.ErrorIs(t, p.SetOutputVolume(math.NaN()), ErrInvalidVolume)
	assert.Equal(t, 0.25, p.OutputVolume())
}

func TestWriterSinkLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	sink := WriterSink{W: &buf}

	require.NoError(t, sink.WriteFrame([]int16{0x0102, -2}))
	assert.Equal(t, []byte{0x02, 0x01, 0xFE, 0xFF}, buf.Bytes())
}

func absInt16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
