// Package protocol decodes downstream payloads from the agent backend
// into tagged messages, and validates world patches before they reach
// the world-state write layer. Normalization of historical field
// spellings stays inside this package; everything downstream sees one
// canonical shape.
package protocol

import (
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// MessageType tags a decoded downstream message.
type MessageType string

const (
	MessageWorldPatch MessageType = "worldPatch"
	MessageAgentEvent MessageType = "agentEvent"
	MessageError      MessageType = "error"
)

// Fixed diagnostics for protocol errors.
const (
	diagInvalidJSON    = "Invalid downstream JSON"
	diagInvalidPayload = "Invalid downstream payload"
)

// Message is the tagged result of decoding one downstream payload.
// Exactly one of Patch, Event, and Error is meaningful, selected by
// Type.
type Message struct {
	Type  MessageType
	Patch map[string]any // raw patch fields, validated later
	Event *AgentEvent
	Error string
}

// AgentEvent is the canonical shape of a conversational event after
// field-name normalization.
type AgentEvent struct {
	Author              string
	TurnComplete        bool
	Interrupted         bool
	Parts               []Part
	InputTranscription  string
	OutputTranscription string
}

// Part is one text or inline-audio fragment of an agent event.
type Part struct {
	Text       string
	InlineData *InlineData
}

// InlineData carries base64 media with its MIME type.
type InlineData struct {
	MimeType string
	Data     string
}

// Spelling table for fields that drifted across backend versions.
// Every field that historically appeared under more than one name
// lists its spellings here; normalization takes the first one that is
// present with the expected type. A present-but-mistyped field is
// treated as absent, so one drifted field never costs the rest of the
// frame.
var (
	turnCompleteKeys        = []string{"turnComplete", "turn_complete", "finished"}
	inlineDataKeys          = []string{"inlineData", "inline_data"}
	mimeTypeKeys            = []string{"mimeType", "mime_type"}
	inputTranscriptionKeys  = []string{"inputTranscription", "input_transcription"}
	outputTranscriptionKeys = []string{"outputTranscription", "output_transcription"}
)

var worldPatchKeys = []string{"effect", "color", "intensity", "spawn", "caption"}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Decoder turns raw downstream payloads into tagged messages.
//
// ExtractFencedPatches enables the superseded protocol variant where a
// world patch could arrive as a fenced JSON block inside ordinary agent
// text. It defaults to off: the strict tagged-only variant cannot
// misfire on conversational text that merely looks like JSON.
type Decoder struct {
	ExtractFencedPatches bool

	logger *zap.Logger
}

// NewDecoder creates a strict tagged-only decoder.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Decode parses one arrived text payload. It never fails: malformed
// input becomes a MessageError with a fixed diagnostic.
func (d *Decoder) Decode(raw []byte) Message {
	var parsed any
	if err := sonic.Unmarshal(raw, &parsed); err != nil {
		d.logger.Debug("downstream payload rejected", zap.Error(err))
		return Message{Type: MessageError, Error: diagInvalidJSON}
	}
	root, ok := parsed.(map[string]any)
	if !ok {
		return Message{Type: MessageError, Error: diagInvalidPayload}
	}

	if root["type"] == "worldPatch" {
		if patch, ok := root["patch"].(map[string]any); ok && hasWorldPatchShape(patch) {
			return Message{Type: MessageWorldPatch, Patch: patch}
		}
	}

	payload := root
	if root["type"] == "adkEvent" {
		if inner, ok := root["payload"].(map[string]any); ok {
			payload = inner
		}
	}

	event := normalizeEvent(payload)

	if d.ExtractFencedPatches {
		if patch := extractFencedPatch(event); patch != nil {
			return Message{Type: MessageWorldPatch, Patch: patch}
		}
	}

	return Message{Type: MessageAgentEvent, Event: event}
}

func hasWorldPatchShape(patch map[string]any) bool {
	for _, key := range worldPatchKeys {
		if _, present := patch[key]; !present {
			return false
		}
	}
	return true
}

// normalizeEvent maps whatever spelling convention the backend used
// onto the canonical AgentEvent, field by field. A field that fails
// its type check is skipped; a partial conversational frame is better
// than a dropped one.
func normalizeEvent(payload map[string]any) *AgentEvent {
	event := &AgentEvent{Author: pickString(payload, "author")}
	event.TurnComplete = pickBool(payload, turnCompleteKeys...)
	event.Interrupted = pickBool(payload, "interrupted")

	if content, ok := payload["content"].(map[string]any); ok {
		if parts, ok := content["parts"].([]any); ok {
			for _, raw := range parts {
				part, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if normalized := normalizePart(part); normalized != nil {
					event.Parts = append(event.Parts, *normalized)
				}
			}
		}
	}

	event.InputTranscription = pickTranscription(payload, inputTranscriptionKeys...)
	if tr := pickTranscription(payload, outputTranscriptionKeys...); tr != "" {
		event.OutputTranscription = tr
		// Audio-only turns still carry their transcript here; surface
		// it as a text part unless the parts already duplicate it.
		if !containsText(event.Parts, tr) {
			event.Parts = append(event.Parts, Part{Text: tr})
		}
	}

	return event
}

func normalizePart(part map[string]any) *Part {
	normalized := Part{Text: pickString(part, "text")}

	for _, key := range inlineDataKeys {
		inline, ok := part[key].(map[string]any)
		if !ok {
			continue
		}
		mime := pickString(inline, mimeTypeKeys...)
		data := pickString(inline, "data")
		if mime != "" || data != "" {
			normalized.InlineData = &InlineData{MimeType: mime, Data: data}
		}
		break
	}

	if normalized.Text == "" && normalized.InlineData == nil {
		return nil
	}
	return &normalized
}

// pickString returns the first listed key holding a string.
func pickString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok {
			return v
		}
	}
	return ""
}

// pickBool returns the first listed key holding a boolean.
func pickBool(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if v, ok := m[key].(bool); ok {
			return v
		}
	}
	return false
}

// pickTranscription returns the text of the first listed key holding
// a {text: string} object with non-empty text.
func pickTranscription(m map[string]any, keys ...string) string {
	for _, key := range keys {
		tr, ok := m[key].(map[string]any)
		if !ok {
			continue
		}
		if text, ok := tr["text"].(string); ok && text != "" {
			return text
		}
	}
	return ""
}

func containsText(parts []Part, text string) bool {
	want := strings.TrimSpace(text)
	for _, part := range parts {
		if strings.TrimSpace(part.Text) == want {
			return true
		}
	}
	return false
}

// extractFencedPatch scans the event's text parts for a fenced JSON
// block shaped like a world patch. Legacy protocol variant only.
func extractFencedPatch(event *AgentEvent) map[string]any {
	for _, part := range event.Parts {
		if part.Text == "" {
			continue
		}
		for _, match := range fencedJSONPattern.FindAllStringSubmatch(part.Text, -1) {
			var candidate map[string]any
			if err := sonic.Unmarshal([]byte(match[1]), &candidate); err != nil {
				continue
			}
			if hasWorldPatchShape(candidate) {
				return candidate
			}
		}
	}
	return nil
}
