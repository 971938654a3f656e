// Package audio implements the capture and playback halves of the voice
// pipeline: float32 microphone blocks in, 16-bit PCM frames out, and
// gapless scheduling of synthesized PCM chunks arriving from the agent.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

const (
	// CaptureSampleRate is the rate microphone sources are opened at.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the output rate and the default for PCM
	// chunks whose MIME type carries no rate parameter.
	PlaybackSampleRate = 24000
)

var pcmRatePattern = regexp.MustCompile(`(?i)(?:^|;)rate=(\d+)`)

// FloatTo16BitPCM converts float32 samples in [-1, 1] to 16-bit signed
// PCM. Out-of-range samples are clamped. Negative samples scale by
// 32768 and positive ones by 32767 so both ends of the signed 16-bit
// range are reachable without overflow.
func FloatTo16BitPCM(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		clamped := math.Max(-1, math.Min(1, float64(s)))
		if clamped < 0 {
			out[i] = int16(math.Round(clamped * 0x8000))
		} else {
			out[i] = int16(math.Round(clamped * 0x7fff))
		}
	}
	return out
}

// ParsePCMRate extracts the rate= parameter from an audio MIME type,
// e.g. "audio/pcm;rate=24000". Missing or unparseable rates return the
// fallback.
func ParsePCMRate(mimeType string, fallback int) int {
	match := pcmRatePattern.FindStringSubmatch(mimeType)
	if match == nil {
		return fallback
	}
	rate, err := strconv.Atoi(match[1])
	if err != nil {
		return fallback
	}
	return rate
}

// DecodeBase64PCM decodes base64 data and reinterprets the bytes as
// little-endian 16-bit signed samples. A trailing odd byte is dropped.
func DecodeBase64PCM(data string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 pcm: %w", err)
	}
	pcm := make([]int16, len(raw)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return pcm, nil
}

// Int16ToBytes packs samples as little-endian PCM16 for binary wire
// frames.
func Int16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
