package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink receives scheduled audio buffers. The platform-bound sink hands
// them to an output device; tests record them.
type Sink interface {
	// Play schedules samples at the given start time. The id is stable
	// for the lifetime of the buffer.
	Play(id string, samples []float32, sampleRate int, startAt time.Time) error
	// Flush drops everything scheduled or playing.
	Flush()
	Close() error
}

// Playback schedules PCM chunks for gapless, arrival-order output. The
// nextPlayAt cursor guarantees chunks never overlap: each one starts at
// the later of "now" and the end of whatever was scheduled before it.
type Playback struct {
	sink   Sink
	clk    clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	nextPlayAt time.Time
	active     map[string]*clock.Timer
	closed     bool
}

// NewPlayback creates a scheduler over the given sink. A nil clock
// selects the wall clock.
func NewPlayback(sink Sink, clk clock.Clock, logger *zap.Logger) *Playback {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Playback{
		sink:   sink,
		clk:    clk,
		logger: logger,
		active: make(map[string]*clock.Timer),
	}
}

// PlayChunk decodes a base64 PCM16 chunk and schedules it. The sample
// rate comes from the MIME type's rate parameter, defaulting to 24000.
func (p *Playback) PlayChunk(base64Data, mimeType string) error {
	pcm, err := DecodeBase64PCM(base64Data)
	if err != nil {
		p.logger.Warn("playback chunk rejected", zap.Error(err))
		return err
	}
	rate := ParsePCMRate(mimeType, PlaybackSampleRate)
	if rate <= 0 {
		rate = PlaybackSampleRate
	}
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768
	}
	duration := time.Duration(float64(len(samples)) / float64(rate) * float64(time.Second))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("playback stopped")
	}

	now := p.clk.Now()
	startAt := now
	if p.nextPlayAt.After(now) {
		startAt = p.nextPlayAt
	}

	id := uuid.NewString()
	if err := p.sink.Play(id, samples, rate, startAt); err != nil {
		p.logger.Warn("sink rejected chunk", zap.String("id", id), zap.Error(err))
		return err
	}

	// Self-removing node: the completion timer deletes the registry
	// entry once the buffer has finished playing.
	p.active[id] = p.clk.AfterFunc(startAt.Sub(now)+duration, func() {
		p.mu.Lock()
		delete(p.active, id)
		p.mu.Unlock()
	})
	p.nextPlayAt = startAt.Add(duration)
	return nil
}

// Interrupt force-stops everything scheduled, clears the registry, and
// rewinds the cursor to now. Used on barge-in so stale agent audio does
// not keep playing over the user.
func (p *Playback) Interrupt() {
	p.mu.Lock()
	for id, timer := range p.active {
		timer.Stop()
		delete(p.active, id)
	}
	p.nextPlayAt = p.clk.Now()
	closed := p.closed
	p.mu.Unlock()

	if !closed {
		p.sink.Flush()
	}
}

// Stop interrupts and closes the sink. Idempotent.
func (p *Playback) Stop() error {
	p.Interrupt()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.sink.Close(); err != nil {
		p.logger.Warn("sink close failed", zap.Error(err))
		return err
	}
	return nil
}

// ActiveCount reports how many scheduled buffers have not yet finished.
func (p *Playback) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// NextPlayAt exposes the scheduling cursor.
func (p *Playback) NextPlayAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextPlayAt
}
