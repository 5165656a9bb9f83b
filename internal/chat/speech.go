package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/khwebchat/kh-web-chat/internal/models"
)

// pauseAfterSilence is the quiet period after which a running transcript is
// considered paused.
const pauseAfterSilence = time.Second

// RecognitionEvent is one result from a speech recognizer: a finalized chunk
// of transcript (possibly empty) plus the current interim transcript.
type RecognitionEvent struct {
	FinalChunk string
	Interim    string
}

// RecognitionErrorKind is the closed set of recognizer failures.
type RecognitionErrorKind string

const (
	RecognitionErrNoPermission RecognitionErrorKind = "no_permission"
	RecognitionErrNoSpeech     RecognitionErrorKind = "no_speech"
	RecognitionErrNetwork      RecognitionErrorKind = "network"
	RecognitionErrAborted      RecognitionErrorKind = "aborted"
	RecognitionErrGeneric      RecognitionErrorKind = "generic"
)

// Recognizer is the speech-to-text contract. Implementations emit a continuous
// stream of recognition events between Start and Stop.
type Recognizer interface {
	Start() error
	Stop()
	Events() <-chan RecognitionEvent
	Errors() <-chan RecognitionErrorKind
}

// Transcript accumulates recognizer events into a running transcript with an
// interim/final distinction, and flips its paused flag after a fixed quiet
// period with no new results.
type Transcript struct {
	mu      sync.Mutex
	final   []string
	interim string
	paused  bool
	timer   *time.Timer
	quiet   time.Duration
}

// NewTranscript creates an empty transcript accumulator.
func NewTranscript() *Transcript {
	return &Transcript{quiet: pauseAfterSilence}
}

// Apply folds one recognition event into the transcript and restarts the
// silence timer.
func (t *Transcript) Apply(ev RecognitionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.FinalChunk != "" {
		t.final = append(t.final, ev.FinalChunk)
	}
	t.interim = ev.Interim
	t.paused = false
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.quiet, func() {
		t.mu.Lock()
		t.paused = true
		t.mu.Unlock()
	})
}

// Text returns the finalized transcript so far.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.final, " ")
}

// Interim returns the in-progress transcript fragment.
func (t *Transcript) Interim() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interim
}

// Paused reports whether the quiet period has elapsed since the last result.
func (t *Transcript) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Reset clears the transcript and stops the silence timer.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.final = nil
	t.interim = ""
	t.paused = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// UtteranceCallbacks report the lifecycle of one spoken utterance.
type UtteranceCallbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// Synthesizer is the backend that actually produces audio for an utterance.
// Speak blocks until the utterance finishes or ctx is cancelled.
type Synthesizer interface {
	Speak(ctx context.Context, text string, lang models.Language) error
}

// Speaker serializes speech output over a Synthesizer: at most one utterance
// is active at a time, and starting a new one implicitly cancels any in-flight
// one. Every Speak call constructs a fresh utterance; nothing is reused.
type Speaker struct {
	synth Synthesizer

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// NewSpeaker creates a speaker over the given synthesizer backend.
func NewSpeaker(synth Synthesizer) *Speaker {
	return &Speaker{synth: synth}
}

// Speak starts speaking text, cancelling any utterance already in flight. A
// cancelled utterance reports OnEnd, not OnError, matching how a deliberate
// cancel is not a failure.
func (s *Speaker) Speak(text string, lang models.Language, cb UtteranceCallbacks) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		if cb.OnStart != nil {
			cb.OnStart()
		}
		err := s.synth.Speak(ctx, text, lang)

		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()

		switch {
		case err == nil, errors.Is(err, context.Canceled):
			if cb.OnEnd != nil {
				cb.OnEnd()
			}
		default:
			if cb.OnError != nil {
				cb.OnError(err)
			}
		}
	}()
}

// Cancel stops any in-flight utterance.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Speaking reports whether an utterance is currently in flight.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
