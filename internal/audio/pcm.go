package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EnergyFloorDB is the RMS level reported for silent buffers.
const EnergyFloorDB = -120.0

// DownmixMono averages interleaved multi-channel samples into one channel.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d -> %d", fromRate, toRate)
	}
	if fromRate == toRate || len(samples) == 0 {
		return samples, nil
	}
	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Floor(float64(len(samples)) / ratio))
	if outLen <= 0 {
		return nil, nil
	}
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		lo := int(pos)
		hi := lo + 1
		if hi >= len(samples) {
			hi = len(samples) - 1
		}
		frac := float32(pos - float64(lo))
		out[i] = samples[lo]*(1-frac) + samples[hi]*frac
	}
	return out, nil
}

// Float32ToPCM16LE quantizes normalized samples to 16-bit little-endian PCM.
func Float32ToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * math.MaxInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// RMSEnergyDB computes the RMS level of normalized samples in dBFS.
func RMSEnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return EnergyFloorDB
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 {
		return EnergyFloorDB
	}
	db := 20 * math.Log10(rms)
	if db < EnergyFloorDB {
		return EnergyFloorDB
	}
	return db
}

// ResamplePCM16 converts mono PCM16LE bytes between sample rates.
func ResamplePCM16(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("odd pcm16 payload length %d", len(pcm))
	}
	if fromRate == toRate {
		return pcm, nil
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / math.MaxInt16
	}
	resampled, err := Resample(samples, fromRate, toRate)
	if err != nil {
		return nil, err
	}
	return Float32ToPCM16LE(resampled), nil
}

// DuplicateChannelsPCM16 expands mono PCM16LE to n interleaved channels.
func DuplicateChannelsPCM16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / 2
	out := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			copy(out[(i*channels+c)*2:], pcm[i*2:i*2+2])
		}
	}
	return out
}

// ApplyGainPCM16 scales mono or interleaved PCM16LE samples in place.
func ApplyGainPCM16(pcm []byte, gain float64) {
	if gain >= 1 {
		return
	}
	if gain < 0 {
		gain = 0
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
}

// PCM16Duration returns the play time of mono PCM16LE bytes at the given rate.
func PCM16Duration(pcm []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(pcm)/2) / float64(sampleRate) * 1000
}
