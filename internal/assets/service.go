// Package assets resolves sprite textures for newly spawned world
// entities: validation, deduplication, a timeout-bounded call to the
// image generation endpoint, and placeholder fallback when generation
// fails.
package assets

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestState tracks one asset request through its lifecycle:
// ACCEPTED -> GENERATING -> {GENERATED | GENERATION_FAILED |
// TIMEOUT_FALLBACK} -> PLACED.
type RequestState string

const (
	StateAccepted         RequestState = "ACCEPTED"
	StateGenerating       RequestState = "GENERATING"
	StateGenerated        RequestState = "GENERATED"
	StateGenerationFailed RequestState = "GENERATION_FAILED"
	StateTimeoutFallback  RequestState = "TIMEOUT_FALLBACK"
	StatePlaced           RequestState = "PLACED"
)

// FallbackReason explains why a placeholder sprite was used.
type FallbackReason string

const (
	ReasonAPIError     FallbackReason = "API_ERROR"
	ReasonTimeout      FallbackReason = "TIMEOUT"
	ReasonInvalidImage FallbackReason = "INVALID_IMAGE"
)

// Default tuning, overridable per service.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultDedupeWindow     = 3 * time.Second
	DefaultWarningThreshold = 0.5
)

// SpawnInput is a validated spawn request.
type SpawnInput struct {
	Type string
	X    int
	Y    int
}

// AssetRecord is the full state of one accepted request. Records
// returned by the service are copies; callers may retain them.
type AssetRecord struct {
	RequestID      string
	SpawnInput     SpawnInput
	TextureDataURL string // empty until resolved
	FallbackUsed   bool
	FallbackReason FallbackReason // empty when no fallback
	DuplicateOf    string         // empty unless this request duplicates an earlier one
	State          RequestState
	CreatedAt      time.Time
	ResolvedAt     time.Time // zero until a terminal resolution state
}

// TransitionLogEntry is one append-only state transition. From is empty
// only for the initial ACCEPTED transition.
type TransitionLogEntry struct {
	RequestID string
	From      RequestState
	To        RequestState
	At        time.Time
}

// InvalidSpawnInputError lists every violated constraint of a spawn
// request, never just the first.
type InvalidSpawnInputError struct {
	Violations []string
}

func (e *InvalidSpawnInputError) Error() string {
	return "invalid spawn input: " + strings.Join(e.Violations, "; ")
}

// GeneratedImage is the raw payload of the image endpoint.
type GeneratedImage struct {
	Base64   string
	MimeType string
}

// Generator produces a sprite image for an entity type.
type Generator interface {
	Generate(ctx context.Context, entityType string) (*GeneratedImage, error)
}

// FallbackProvider supplies a placeholder sprite for an entity type.
type FallbackProvider interface {
	FallbackSprite(entityType string) string
}

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// Options tunes a Service. Zero values select defaults.
type Options struct {
	Clock             clock.Clock
	Timeout           time.Duration
	DedupeWindow      time.Duration
	WarningThreshold  float64
	Fallback          FallbackProvider
	NewRequestID      func() string
	OnFallbackWarning func(rate float64)
	Logger            *zap.Logger
}

type recentSpawn struct {
	requestID string
	at        time.Time
}

// Service accepts spawn requests and resolves their textures. In-flight
// requests are unbounded and independent; all shared state sits behind
// one mutex, and the generator call itself runs outside it.
type Service struct {
	generator        Generator
	clk              clock.Clock
	timeout          time.Duration
	dedupeWindow     time.Duration
	warningThreshold float64
	fallback         FallbackProvider
	newRequestID     func() string
	onWarning        func(rate float64)
	logger           *zap.Logger

	mu              sync.Mutex
	records         map[string]*AssetRecord
	sourceContexts  map[string]any
	transitions     []TransitionLogEntry
	recentSpawns    map[string]recentSpawn
	duplicateGroups map[string][]string // root request id -> members, insertion order
}

// NewService creates a resolution service over the given generator.
func NewService(generator Generator, opts Options) *Service {
	s := &Service{
		generator:        generator,
		clk:              opts.Clock,
		timeout:          opts.Timeout,
		dedupeWindow:     opts.DedupeWindow,
		warningThreshold: opts.WarningThreshold,
		fallback:         opts.Fallback,
		newRequestID:     opts.NewRequestID,
		onWarning:        opts.OnFallbackWarning,
		logger:           opts.Logger,
		records:          make(map[string]*AssetRecord),
		sourceContexts:   make(map[string]any),
		recentSpawns:     make(map[string]recentSpawn),
		duplicateGroups:  make(map[string][]string),
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.timeout == 0 {
		s.timeout = DefaultTimeout
	}
	if s.dedupeWindow == 0 {
		s.dedupeWindow = DefaultDedupeWindow
	}
	if s.warningThreshold == 0 {
		s.warningThreshold = DefaultWarningThreshold
	}
	if s.fallback == nil {
		s.fallback = NewSpriteStore()
	}
	if s.newRequestID == nil {
		s.newRequestID = func() string { return "img-" + uuid.NewString() }
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// ValidateSpawnInput checks a raw spawn request and returns either the
// normalized input or every violated constraint.
func ValidateSpawnInput(entityType string, x, y float64) (SpawnInput, []string) {
	var violations []string
	normalized := strings.TrimSpace(entityType)
	if normalized == "" {
		violations = append(violations, "spawn.type must be a non-empty string")
	}
	if x != float64(int(x)) {
		violations = append(violations, "spawn.x must be an integer")
	}
	if y != float64(int(y)) {
		violations = append(violations, "spawn.y must be an integer")
	}
	if len(violations) > 0 {
		return SpawnInput{}, violations
	}
	return SpawnInput{Type: normalized, X: int(x), Y: int(y)}, nil
}

// AcceptSpawnRequest validates the input, allocates a request id,
// links duplicates inside the dedup window, and logs the ACCEPTED
// transition. Duplicates get their own independent record; the group is
// informational.
func (s *Service) AcceptSpawnRequest(entityType string, x, y float64, sourceContext any) (AssetRecord, error) {
	input, violations := ValidateSpawnInput(entityType, x, y)
	if len(violations) > 0 {
		return AssetRecord{}, &InvalidSpawnInputError{Violations: violations}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requestID := s.newRequestID()
	createdAt := s.clk.Now()
	key := spawnKey(input)

	duplicateOf := ""
	if recent, ok := s.recentSpawns[key]; ok && createdAt.Sub(recent.at) <= s.dedupeWindow {
		duplicateOf = recent.requestID
	}

	record := &AssetRecord{
		RequestID:   requestID,
		SpawnInput:  input,
		DuplicateOf: duplicateOf,
		State:       StateAccepted,
		CreatedAt:   createdAt,
	}
	s.records[requestID] = record
	s.sourceContexts[requestID] = sourceContext
	s.recentSpawns[key] = recentSpawn{requestID: requestID, at: createdAt}

	root := duplicateOf
	if root == "" {
		root = requestID
	}
	group := s.duplicateGroups[root]
	if len(group) == 0 {
		group = append(group, root)
	}
	if root != requestID {
		group = append(group, requestID)
	}
	s.duplicateGroups[root] = group

	s.logTransitionLocked(requestID, "", StateAccepted)
	return *record, nil
}

// ResolveAsset accepts the request and races the generator against the
// configured timeout. The request always reaches a terminal state; the
// generator call is abandoned, not awaited, once the timer wins.
func (s *Service) ResolveAsset(ctx context.Context, entityType string, x, y float64, sourceContext any) (AssetRecord, error) {
	accepted, err := s.AcceptSpawnRequest(entityType, x, y, sourceContext)
	if err != nil {
		return AssetRecord{}, err
	}
	requestID := accepted.RequestID

	s.mustUpdate(requestID, func(r *AssetRecord) {
		r.State = StateGenerating
	})

	type generateResult struct {
		image *GeneratedImage
		err   error
	}
	resultCh := make(chan generateResult, 1)
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		image, err := s.generator.Generate(callCtx, accepted.SpawnInput.Type)
		resultCh <- generateResult{image, err}
	}()

	timer := s.clk.Timer(s.timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.err != nil {
			s.logger.Warn("image generation failed",
				zap.String("requestID", requestID), zap.Error(result.err))
			return s.applyFallback(requestID, accepted.SpawnInput.Type, ReasonAPIError, StateGenerationFailed), nil
		}
		if violations := validateGeneratedImage(result.image); len(violations) > 0 {
			s.logger.Warn("image payload rejected",
				zap.String("requestID", requestID), zap.Strings("violations", violations))
			return s.applyFallback(requestID, accepted.SpawnInput.Type, ReasonInvalidImage, StateGenerationFailed), nil
		}
		resolved := s.mustUpdate(requestID, func(r *AssetRecord) {
			r.TextureDataURL = fmt.Sprintf("data:%s;base64,%s", result.image.MimeType, result.image.Base64)
			r.State = StateGenerated
			r.ResolvedAt = s.clk.Now()
		})
		return resolved, nil
	case <-timer.C:
		cancel()
		s.logger.Warn("image generation timed out",
			zap.String("requestID", requestID), zap.Duration("timeout", s.timeout))
		return s.applyFallback(requestID, accepted.SpawnInput.Type, ReasonTimeout, StateTimeoutFallback), nil
	}
}

// MarkPlaced transitions a terminally-resolved record to PLACED.
func (s *Service) MarkPlaced(requestID string) (AssetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[requestID]; !ok {
		return AssetRecord{}, fmt.Errorf("missing request record: %s", requestID)
	}
	return s.updateLocked(requestID, func(r *AssetRecord) {
		r.State = StatePlaced
	}), nil
}

// Record returns a copy of the record, if it exists.
func (s *Service) Record(requestID string) (AssetRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[requestID]
	if !ok {
		return AssetRecord{}, false
	}
	return *record, true
}

// SourceContext returns whatever context the caller attached at accept
// time.
func (s *Service) SourceContext(requestID string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourceContexts[requestID]
}

// FallbackRate is the fraction of terminally-resolved records that used
// a placeholder.
func (s *Service) FallbackRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackRateLocked()
}

// TransitionLog returns the whole append-only log, insertion-ordered.
func (s *Service) TransitionLog() []TransitionLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransitionLogEntry, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// TransitionLogFor filters the log to one request.
func (s *Service) TransitionLogFor(requestID string) []TransitionLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TransitionLogEntry
	for _, entry := range s.transitions {
		if entry.RequestID == requestID {
			out = append(out, entry)
		}
	}
	return out
}

// DuplicateGroup returns every request id sharing this request's spawn
// key within the dedup window, the original first. Unknown or
// non-duplicated ids yield a single-element group.
func (s *Service) DuplicateGroup(requestID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group, ok := s.duplicateGroups[requestID]; ok {
		out := make([]string, len(group))
		copy(out, group)
		return out
	}
	for _, group := range s.duplicateGroups {
		for _, id := range group {
			if id == requestID {
				out := make([]string, len(group))
				copy(out, group)
				return out
			}
		}
	}
	return []string{requestID}
}

func (s *Service) applyFallback(requestID, entityType string, reason FallbackReason, state RequestState) AssetRecord {
	sprite := s.fallback.FallbackSprite(entityType)

	s.mu.Lock()
	updated := s.updateLocked(requestID, func(r *AssetRecord) {
		r.TextureDataURL = sprite
		r.FallbackUsed = true
		r.FallbackReason = reason
		r.State = state
		r.ResolvedAt = s.clk.Now()
	})
	rate := s.fallbackRateLocked()
	warn := rate > s.warningThreshold
	onWarning := s.onWarning
	s.mu.Unlock()

	if warn {
		s.logger.Warn("fallback rate exceeded threshold", zap.Float64("rate", rate))
		if onWarning != nil {
			onWarning(rate)
		}
	}
	return updated
}

func (s *Service) fallbackRateLocked() float64 {
	resolved, fallbacks := 0, 0
	for _, record := range s.records {
		if record.ResolvedAt.IsZero() {
			continue
		}
		resolved++
		if record.FallbackUsed {
			fallbacks++
		}
	}
	if resolved == 0 {
		return 0
	}
	return float64(fallbacks) / float64(resolved)
}

// mustUpdate panics on an unknown id: internal callers only ever update
// records they created, so a miss is an invariant violation.
func (s *Service) mustUpdate(requestID string, mutate func(*AssetRecord)) AssetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[requestID]; !ok {
		panic(fmt.Sprintf("assets: update of missing request record %s", requestID))
	}
	return s.updateLocked(requestID, mutate)
}

// updateLocked mutates a record and logs any state change. Caller holds
// s.mu and has checked existence.
func (s *Service) updateLocked(requestID string, mutate func(*AssetRecord)) AssetRecord {
	record := s.records[requestID]
	before := record.State
	mutate(record)
	if record.State != before {
		s.logTransitionLocked(requestID, before, record.State)
	}
	return *record
}

func (s *Service) logTransitionLocked(requestID string, from, to RequestState) {
	s.transitions = append(s.transitions, TransitionLogEntry{
		RequestID: requestID,
		From:      from,
		To:        to,
		At:        s.clk.Now(),
	})
	s.logger.Info("asset request transition",
		zap.String("requestID", requestID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func validateGeneratedImage(image *GeneratedImage) []string {
	if image == nil {
		return []string{"payload must be an object"}
	}
	var violations []string
	data := strings.TrimSpace(image.Base64)
	if data == "" {
		violations = append(violations, "image_base64 must be a non-empty string")
	} else if !base64Pattern.MatchString(data) {
		violations = append(violations, "image_base64 must be a valid base64 string")
	}
	mime := strings.TrimSpace(image.MimeType)
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		violations = append(violations, "mime_type must be an image MIME type")
	}
	return violations
}

func spawnKey(input SpawnInput) string {
	return fmt.Sprintf("%s:%d:%d", input.Type, input.X, input.Y)
}
