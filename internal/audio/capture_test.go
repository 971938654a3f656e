package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// sliceStream replays a fixed sample buffer through Read.
type sliceStream struct {
	mu      sync.Mutex
	samples []float32
	offset  int
	closed  bool
}

func (s *sliceStream) Read(p []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("stream closed")
	}
	if s.offset >= len(s.samples) {
		return 0, io.EOF
	}
	n := copy(p, s.samples[s.offset:])
	s.offset += n
	return n, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSource struct {
	mu       sync.Mutex
	stream   Stream
	startErr error
	rate     int
	closed   int
	closeErr error
}

func (f *fakeSource) Start(_ context.Context, sampleRate int) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = sampleRate
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.stream, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

type pushStream struct {
	sliceStream
	handler func([]float32)
}

func (s *pushStream) SetBlockHandler(fn func(block []float32)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *pushStream) push(block []float32) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn(block)
	}
}

func collectChunks() (func([]int16), func() [][]int16) {
	var mu sync.Mutex
	var chunks [][]int16
	onChunk := func(chunk []int16) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	}
	snapshot := func() [][]int16 {
		mu.Lock()
		defer mu.Unlock()
		out := make([][]int16, len(chunks))
		copy(out, chunks)
		return out
	}
	return onChunk, snapshot
}

func waitForChunks(t *testing.T, snapshot func() [][]int16, n int) [][]int16 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if chunks := snapshot(); len(chunks) >= n {
			return chunks
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d chunks, have %d", n, len(snapshot()))
	return nil
}

func TestStartCaptureReframesIntoFixedBlocks(t *testing.T) {
	samples := make([]float32, CaptureBlockSize*2+100)
	for i := range samples {
		samples[i] = 0.25
	}
	source := &fakeSource{stream: &sliceStream{samples: samples}}
	onChunk, snapshot := collectChunks()

	handle, err := StartCapture(context.Background(), source, onChunk, zap.NewNop())
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer StopCapture(handle)

	chunks := waitForChunks(t, snapshot, 2)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 (trailing partial block dropped)", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) != CaptureBlockSize {
			t.Errorf("chunk %d size = %d, want %d", i, len(chunk), CaptureBlockSize)
		}
	}
	if chunks[0][0] != 8192 { // round(0.25 * 32767)
		t.Errorf("converted sample = %d, want 8192", chunks[0][0])
	}
	if source.rate != CaptureSampleRate {
		t.Errorf("source opened at %d, want %d", source.rate, CaptureSampleRate)
	}
}

func TestStartCaptureUsesPushPathWhenAvailable(t *testing.T) {
	stream := &pushStream{}
	source := &fakeSource{stream: stream}
	onChunk, snapshot := collectChunks()

	handle, err := StartCapture(context.Background(), source, onChunk, zap.NewNop())
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	stream.push([]float32{1.0, -1.0})
	chunks := waitForChunks(t, snapshot, 1)
	if chunks[0][0] != 32767 || chunks[0][1] != -32768 {
		t.Errorf("chunk = %v, want [32767 -32768]", chunks[0])
	}

	if err := StopCapture(handle); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	stream.push([]float32{0.5})
	if len(snapshot()) != 1 {
		t.Error("handler still attached after StopCapture")
	}
}

func TestStartCapturePropagatesSourceFailure(t *testing.T) {
	source := &fakeSource{startErr: errors.New("microphone denied")}
	_, err := StartCapture(context.Background(), source, func([]int16) {}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error when source start fails")
	}
}

func TestStopCaptureIsIdempotentAndClosesEverything(t *testing.T) {
	stream := &sliceStream{}
	source := &fakeSource{stream: stream, closeErr: errors.New("device busy")}
	handle, err := StartCapture(context.Background(), source, func([]int16) {}, zap.NewNop())
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	if err := StopCapture(handle); err == nil {
		t.Error("expected source close error to surface")
	}
	stream.mu.Lock()
	closed := stream.closed
	stream.mu.Unlock()
	if !closed {
		t.Error("stream not closed despite source close failure")
	}
	if source.closed != 1 {
		t.Errorf("source closed %d times, want 1", source.closed)
	}

	if err := StopCapture(handle); err != nil {
		t.Errorf("second StopCapture returned %v, want nil", err)
	}
	if source.closed != 1 {
		t.Errorf("source closed %d times after repeat stop, want 1", source.closed)
	}
	if err := StopCapture(nil); err != nil {
		t.Errorf("StopCapture(nil) = %v, want nil", err)
	}
}
