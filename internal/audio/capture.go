package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// CaptureBlockSize is the fixed number of samples per delivered frame
// on the buffered capture path.
const CaptureBlockSize = 4096

// Source grants access to a capture device (the microphone, in the
// platform-bound composition). Start may block while the device is
// acquired and fails when access is denied.
type Source interface {
	Start(ctx context.Context, sampleRate int) (Stream, error)
	Close() error
}

// Stream delivers float32 samples from an open device.
type Stream interface {
	// Read fills p with samples and returns the number read. io.EOF
	// signals the device stopped producing.
	Read(p []float32) (int, error)
	Close() error
}

// BlockStream is implemented by streams that already frame their
// samples into fixed blocks and push them as they fill. When a stream
// supports it, capture attaches directly and skips the re-framing pump.
type BlockStream interface {
	Stream
	// SetBlockHandler installs the push callback; nil detaches it.
	SetBlockHandler(fn func(block []float32))
}

// CaptureHandle owns the resources of one active capture: the device
// source, its open stream, and the pump goroutine when the buffered
// path is in use.
type CaptureHandle struct {
	source Source
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	mu      sync.Mutex
	stopped bool
}

// StartCapture acquires the source at 16 kHz and delivers 16-bit PCM
// chunks to onChunk in arrival order. Block streams push directly;
// plain streams are pumped and re-framed into 4096-sample blocks.
func StartCapture(ctx context.Context, source Source, onChunk func(chunk []int16), logger *zap.Logger) (*CaptureHandle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	stream, err := source.Start(ctx, CaptureSampleRate)
	if err != nil {
		return nil, fmt.Errorf("start capture source: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	handle := &CaptureHandle{
		source: source,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}

	if block, ok := stream.(BlockStream); ok {
		block.SetBlockHandler(func(samples []float32) {
			onChunk(FloatTo16BitPCM(samples))
		})
		close(handle.done)
		return handle, nil
	}

	go handle.pump(pumpCtx, onChunk)
	return handle, nil
}

// pump reads from the stream and re-frames into fixed blocks. Partial
// trailing samples are dropped when the stream ends; a torn final frame
// would only add a click.
func (h *CaptureHandle) pump(ctx context.Context, onChunk func(chunk []int16)) {
	defer close(h.done)

	block := make([]float32, CaptureBlockSize)
	filled := 0
	buf := make([]float32, CaptureBlockSize)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := h.stream.Read(buf)
		for read := buf[:n]; len(read) > 0; {
			copied := copy(block[filled:], read)
			filled += copied
			read = read[copied:]
			if filled == CaptureBlockSize {
				onChunk(FloatTo16BitPCM(block))
				filled = 0
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Warn("capture stream read failed", zap.Error(err))
			}
			return
		}
	}
}

// StopCapture releases everything the handle owns: detaches the block
// handler, stops the pump, closes the stream, and closes the source.
// Every step runs even if an earlier one fails, since a leaked device
// stays leaked for the life of the process. Safe to call repeatedly.
func StopCapture(handle *CaptureHandle) error {
	if handle == nil {
		return nil
	}
	handle.mu.Lock()
	if handle.stopped {
		handle.mu.Unlock()
		return nil
	}
	handle.stopped = true
	handle.mu.Unlock()

	if block, ok := handle.stream.(BlockStream); ok {
		block.SetBlockHandler(nil)
	}
	handle.cancel()

	// Closing the stream unblocks a pump parked in Read.
	var firstErr error
	if err := handle.stream.Close(); err != nil {
		handle.logger.Warn("capture stream close failed", zap.Error(err))
		firstErr = err
	}
	<-handle.done

	if err := handle.source.Close(); err != nil {
		handle.logger.Warn("capture source close failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
