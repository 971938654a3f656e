package audio

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ToneSource synthesizes a sine wave in real time. It stands in for a
// microphone on hosts without capture hardware, pacing Read so samples
// flow at the nominal rate.
type ToneSource struct {
	Frequency float64
	Amplitude float64
	Clock     clock.Clock

	mu     sync.Mutex
	closed bool
}

// NewToneSource creates a source producing a 440Hz tone at moderate
// amplitude.
func NewToneSource() *ToneSource {
	return &ToneSource{Frequency: 440, Amplitude: 0.3}
}

func (s *ToneSource) Start(ctx context.Context, sampleRate int) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	return &toneStream{
		ctx:        streamCtx,
		cancel:     cancel,
		clk:        clk,
		start:      clk.Now(),
		frequency:  s.Frequency,
		amplitude:  s.Amplitude,
		sampleRate: sampleRate,
	}, nil
}

func (s *ToneSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type toneStream struct {
	ctx        context.Context
	cancel     context.CancelFunc
	clk        clock.Clock
	start      time.Time
	frequency  float64
	amplitude  float64
	sampleRate int
	produced   int
}

// Read fills p and blocks until wall time has caught up with the
// samples produced, so the stream behaves like a real-time device.
func (t *toneStream) Read(p []float32) (int, error) {
	if t.ctx.Err() != nil {
		return 0, io.EOF
	}
	for i := range p {
		phase := 2 * math.Pi * t.frequency * float64(t.produced+i) / float64(t.sampleRate)
		p[i] = float32(t.amplitude * math.Sin(phase))
	}
	t.produced += len(p)

	elapsed := time.Duration(float64(t.produced) / float64(t.sampleRate) * float64(time.Second))
	deadline := t.start.Add(elapsed)
	if wait := deadline.Sub(t.clk.Now()); wait > 0 {
		timer := t.clk.Timer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			return len(p), nil
		}
	}
	return len(p), nil
}

func (t *toneStream) Close() error {
	t.cancel()
	return nil
}

// DiscardSink accepts scheduled audio and drops it, logging volume at
// debug level. It is the default output on hosts without playback
// hardware.
type DiscardSink struct {
	logger *zap.Logger

	mu      sync.Mutex
	buffers int
	samples int
}

// NewDiscardSink creates a sink that counts what it drops.
func NewDiscardSink(logger *zap.Logger) *DiscardSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscardSink{logger: logger}
}

func (s *DiscardSink) Play(id string, samples []float32, sampleRate int, startAt time.Time) error {
	s.mu.Lock()
	s.buffers++
	s.samples += len(samples)
	s.mu.Unlock()
	s.logger.Debug("discarding scheduled audio",
		zap.String("id", id),
		zap.Int("samples", len(samples)),
		zap.Int("sampleRate", sampleRate))
	return nil
}

func (s *DiscardSink) Flush() {
	s.mu.Lock()
	s.buffers, s.samples = 0, 0
	s.mu.Unlock()
}

func (s *DiscardSink) Close() error { return nil }

// Counts reports how many buffers and samples have been dropped since
// the last flush.
func (s *DiscardSink) Counts() (buffers, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers, s.samples
}
