package audio

import (
	"encoding/base64"
	"testing"
)

func TestFloatTo16BitPCMClampsAndScales(t *testing.T) {
	in := []float32{-2.0, -1.0, 0.0, 1.0, 2.0}
	want := []int16{-32768, -32768, 0, 32767, 32767}

	got := FloatTo16BitPCM(in)
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFloatTo16BitPCMRoundsToNearest(t *testing.T) {
	got := FloatTo16BitPCM([]float32{0.5, -0.5})
	if got[0] != 16384 { // round(0.5 * 32767)
		t.Errorf("positive half scale = %d, want 16384", got[0])
	}
	if got[1] != -16384 { // round(-0.5 * 32768)
		t.Errorf("negative half scale = %d, want -16384", got[1])
	}
}

func TestParsePCMRate(t *testing.T) {
	cases := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm;rate=16000", 16000},
		{"audio/pcm;RATE=48000", 48000},
		{"audio/pcm", 24000},
		{"", 24000},
		{"audio/pcm;rate=", 24000},
	}
	for _, tc := range cases {
		if got := ParsePCMRate(tc.mime, 24000); got != tc.want {
			t.Errorf("ParsePCMRate(%q) = %d, want %d", tc.mime, got, tc.want)
		}
	}
}

func TestDecodeBase64PCMRoundTrip(t *testing.T) {
	pcm := []int16{-32768, -1, 0, 1, 32767}
	encoded := base64.StdEncoding.EncodeToString(Int16ToBytes(pcm))

	got, err := DecodeBase64PCM(encoded)
	if err != nil {
		t.Fatalf("DecodeBase64PCM: %v", err)
	}
	if len(got) != len(pcm) {
		t.Fatalf("length = %d, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], pcm[i])
		}
	}
}

func TestDecodeBase64PCMRejectsGarbage(t *testing.T) {
	if _, err := DecodeBase64PCM("not!!base64"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestDecodeBase64PCMDropsOddTrailingByte(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	got, err := DecodeBase64PCM(encoded)
	if err != nil {
		t.Fatalf("DecodeBase64PCM: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("length = %d, want 1", len(got))
	}
}
