package devserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	liveModelName    = "models/gemini-2.0-flash-live-001"
	liveSystemPrompt = "You are the voice of a small voxel world. Keep replies short and friendly."
)

// LiveAgent proxies one session to the Gemini Live API. Model audio
// comes back as inline_data parts at the playback rate; text and turn
// boundaries map onto the same frame shapes the scripted agent emits.
type LiveAgent struct {
	emit    EmitFunc
	session *genai.Session
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// LiveAgentFactory returns an AgentFactory that connects each session
// to Gemini Live with the given API key.
func LiveAgentFactory(ctx context.Context, apiKey string, logger *zap.Logger) (AgentFactory, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return func(userID, sessionID string, emit EmitFunc) (Agent, error) {
		return newLiveAgent(ctx, client, emit, logger.With(
			zap.String("userID", userID),
			zap.String("sessionID", sessionID)))
	}, nil
}

func newLiveAgent(ctx context.Context, client *genai.Client, emit EmitFunc, logger *zap.Logger) (*LiveAgent, error) {
	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{"AUDIO"},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: liveSystemPrompt}},
		},
	}
	session, err := client.Live.Connect(ctx, liveModelName, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}

	a := &LiveAgent{emit: emit, session: session, logger: logger}
	go a.receive()
	logger.Info("Connected to Gemini Live", zap.String("model", liveModelName))
	return a, nil
}

// receive forwards model output until the session ends.
func (a *LiveAgent) receive() {
	for {
		a.mu.RLock()
		closed := a.closed
		a.mu.RUnlock()
		if closed {
			return
		}

		resp, err := a.session.Receive()
		if err != nil {
			a.mu.RLock()
			closed := a.closed
			a.mu.RUnlock()
			if !closed {
				a.logger.Error("Gemini receive failed", zap.Error(err))
			}
			return
		}
		a.forward(resp)
	}
}

func (a *LiveAgent) forward(resp *genai.LiveServerMessage) {
	if resp.ServerContent == nil {
		return
	}

	if resp.ServerContent.ModelTurn != nil {
		for _, part := range resp.ServerContent.ModelTurn.Parts {
			if part.Text != "" {
				a.emit(eventFrame{
					Author:  agentAuthor,
					Content: &contentFrame{Parts: []partFrame{{Text: part.Text}}},
				})
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				a.emit(eventFrame{
					Author: agentAuthor,
					Content: &contentFrame{Parts: []partFrame{{
						InlineData: &inlineDataFrame{
							MimeType: "audio/pcm;rate=24000",
							Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
						},
					}}},
				})
			}
		}
	}

	if resp.ServerContent.Interrupted {
		a.emit(eventFrame{Author: agentAuthor, Interrupted: true})
	}
	if resp.ServerContent.TurnComplete {
		a.emit(eventFrame{Author: agentAuthor, TurnComplete: true})
	}
}

func (a *LiveAgent) HandleText(text string) {
	a.mu.RLock()
	session, closed := a.session, a.closed
	a.mu.RUnlock()
	if closed {
		return
	}

	turnComplete := true
	err := session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{{
			Role:  "user",
			Parts: []*genai.Part{{Text: text}},
		}},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		a.logger.Error("Failed to send text to Gemini", zap.Error(err))
	}
}

func (a *LiveAgent) HandleAudio(pcm []byte) {
	a.mu.RLock()
	session, closed := a.session, a.closed
	a.mu.RUnlock()
	if closed {
		return
	}

	err := session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: "audio/pcm;rate=16000",
			Data:     pcm,
		},
	})
	if err != nil {
		a.logger.Error("Failed to send audio to Gemini", zap.Error(err))
	}
}

func (a *LiveAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.session.Close()
}
