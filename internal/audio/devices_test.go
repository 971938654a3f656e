package audio

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestToneSourceProducesPacedSine(t *testing.T) {
	mock := clock.NewMock()
	source := &ToneSource{Frequency: 440, Amplitude: 0.5, Clock: mock}

	stream, err := source.Start(context.Background(), CaptureSampleRate)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Close()

	buf := make([]float32, CaptureSampleRate/4)
	readDone := make(chan int)
	go func() {
		n, _ := stream.Read(buf)
		readDone <- n
	}()

	// A quarter second of samples must not return before a quarter
	// second has passed.
	select {
	case <-readDone:
		t.Fatal("Read returned before the pacing deadline")
	case <-time.After(20 * time.Millisecond):
	}
	mock.Add(250 * time.Millisecond)
	if n := <-readDone; n != len(buf) {
		t.Fatalf("Read = %d, want %d", n, len(buf))
	}

	var peak float64
	for _, s := range buf {
		if abs := math.Abs(float64(s)); abs > peak {
			peak = abs
		}
	}
	if peak < 0.4 || peak > 0.5 {
		t.Errorf("peak amplitude = %f, want about 0.5", peak)
	}
}

func TestToneStreamEOFAfterClose(t *testing.T) {
	source := &ToneSource{Frequency: 440, Amplitude: 0.3, Clock: clock.NewMock()}
	stream, err := source.Start(context.Background(), CaptureSampleRate)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream.Close()
	if _, err := stream.Read(make([]float32, 8)); err == nil {
		t.Error("expected EOF after close")
	}
}

func TestClosedSourceRefusesStart(t *testing.T) {
	source := NewToneSource()
	source.Close()
	if _, err := source.Start(context.Background(), CaptureSampleRate); err == nil {
		t.Error("expected error starting a closed source")
	}
}

func TestDiscardSinkCounts(t *testing.T) {
	sink := NewDiscardSink(nil)
	if err := sink.Play("a", make([]float32, 100), PlaybackSampleRate, time.Now()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := sink.Play("b", make([]float32, 50), PlaybackSampleRate, time.Now()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	buffers, samples := sink.Counts()
	if buffers != 2 || samples != 150 {
		t.Errorf("counts = %d/%d, want 2/150", buffers, samples)
	}
	sink.Flush()
	if buffers, samples = sink.Counts(); buffers != 0 || samples != 0 {
		t.Errorf("counts after flush = %d/%d", buffers, samples)
	}
}
