package audio

// G.711 mu-law codec for the PCMU RTP path. 16-bit linear PCM in, one byte
// per sample out. 8 kHz mono is assumed by the callers but nothing here
// depends on the rate.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// EncodeUlawSample compresses one linear PCM sample.
func EncodeUlawSample(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// DecodeUlawSample expands one mu-law byte back to linear PCM.
func DecodeUlawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mant := b & 0x0F

	v := (int32(mant)<<3 + ulawBias) << exp
	v -= ulawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

func EncodeUlaw(frame []int16) []byte {
	out := make([]byte, len(frame))
	for i, s := range frame {
		out[i] = EncodeUlawSample(s)
	}
	return out
}

func DecodeUlaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = DecodeUlawSample(b)
	}
	return out
}
