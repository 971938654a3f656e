// voicelink is an interactive terminal client for a voice/agent
// session. It connects to the agent backend, streams a synthesized
// tone when voice is toggled on, prints the conversation as it
// arrives, and resolves spawned entities through the asset pipeline.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxelworld/voicelink/config"
	"github.com/voxelworld/voicelink/internal/assets"
	"github.com/voxelworld/voicelink/internal/audio"
	"github.com/voxelworld/voicelink/internal/connection"
	"github.com/voxelworld/voicelink/internal/protocol"
	"github.com/voxelworld/voicelink/internal/session"
)

// worldApplier applies validated patches to an in-memory world and
// feeds spawn records to the asset coordinator.
type worldApplier struct {
	logger      *zap.Logger
	coordinator *assets.Coordinator

	mu       sync.Mutex
	spawnSeq int
	spawns   []assets.SpawnRecord
}

func (w *worldApplier) ApplyWorldPatch(ctx context.Context, patch protocol.WorldPatch) error {
	w.logger.Info("world patch applied",
		zap.String("effect", patch.Effect),
		zap.String("color", patch.Color),
		zap.Int("intensity", patch.Intensity),
		zap.String("caption", patch.Caption))

	if patch.Spawn == nil {
		return nil
	}

	w.mu.Lock()
	w.spawnSeq++
	w.spawns = append(w.spawns, assets.SpawnRecord{
		ID:   fmt.Sprintf("spawn-%d", w.spawnSeq),
		Type: patch.Spawn.Type,
		X:    patch.Spawn.X,
		Y:    patch.Spawn.Y,
	})
	snapshot := make([]assets.SpawnRecord, len(w.spawns))
	copy(snapshot, w.spawns)
	w.mu.Unlock()

	// Resolution runs in the background; the patch itself is applied.
	go w.coordinator.Sync(context.Background(), snapshot)
	return nil
}

func imageBaseURL(cfg config.Config) string {
	host := strings.TrimPrefix(strings.TrimPrefix(cfg.AgentHost, "https://"), "http://")
	scheme := "http"
	if cfg.Secure {
		scheme = "https"
	}
	return scheme + "://" + host
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	manager := connection.NewManager(connection.Options{
		Secure: cfg.Secure,
		Logger: logger,
	})
	playback := audio.NewPlayback(audio.NewDiscardSink(logger), nil, logger)

	generator := assets.NewHTTPGenerator(imageBaseURL(cfg), nil)
	service := assets.NewService(generator, assets.Options{
		Timeout:          cfg.ImageTimeout,
		DedupeWindow:     cfg.DedupeWindow,
		WarningThreshold: cfg.FallbackWarnThreshold,
		Logger:           logger,
	})
	coordinator := assets.NewCoordinator(service, assets.Callbacks{
		OnAssetResolved: func(asset assets.ResolvedAsset) {
			fmt.Printf("[asset] %s resolved as %s (fallback=%v)\n",
				asset.SpawnRecordID, asset.State, asset.FallbackUsed)
		},
		OnFallbackRateChange: func(rate float64) {
			logger.Info("fallback rate", zap.Float64("rate", rate))
		},
	}, logger)

	applier := &worldApplier{logger: logger, coordinator: coordinator}

	controller := session.NewController(session.Config{
		Host:      cfg.AgentHost,
		UserID:    "local",
		SessionID: uuid.NewString(),
		Transport: manager,
		Source:    audio.NewToneSource(),
		Playback:  playback,
		Sink:      applier,
		Logger:    logger,
	})

	var printed int
	var printMu sync.Mutex
	unsubscribe := controller.Subscribe(func(s session.Snapshot) {
		printMu.Lock()
		defer printMu.Unlock()
		for printed < len(s.Conversation) {
			message := s.Conversation[printed]
			if message.Status == session.StatusStreaming {
				// Streamed entries are rewritten in place; print once
				// finalized.
				break
			}
			fmt.Printf("[%s] %s\n", message.Role, message.Content)
			printed++
		}
	})
	defer unsubscribe()

	controller.Connect()
	fmt.Println("Connected. Type a message, /voice to toggle the mic, /quit to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
			case line == "/quit":
				quit <- syscall.SIGTERM
				return
			case line == "/voice":
				if err := controller.ToggleVoice(context.Background()); err != nil {
					fmt.Printf("voice toggle failed: %v\n", err)
				}
			default:
				controller.SendText(line)
			}
		}
	}()

	<-quit
	fmt.Println("Shutting down...")
	controller.Disconnect()
	if err := playback.Stop(); err != nil {
		logger.Warn("playback stop", zap.Error(err))
	}
	logger.Info("Session exited")
}
