package chat

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khwebchat/kh-web-chat/internal/models"
)

// State identifies the engine's position in its per-session lifecycle.
type State string

const (
	// StateIdle means the engine is ready to accept a send or an edit.
	StateIdle State = "idle"
	// StateInitializing means a provider conversation context is being built.
	StateInitializing State = "initializing"
	// StateAwaitingReply means a stream is open and deltas are accumulating.
	StateAwaitingReply State = "awaiting_reply"
	// StateError means context initialization failed; a fresh Initialize
	// recovers.
	StateError State = "error"
)

// EmptyReplyPlaceholder is the AI message text shown when a stream closes
// without yielding a single delta and without raising an error.
const EmptyReplyPlaceholder = "[AI returned an empty response]"

// Engine is the conversation state machine. It owns the active session's
// message log, turns user input into log entries, drives the streaming chat
// client, reassembles streamed replies into a single growing AI message, and
// implements edit-and-regenerate by truncating the log and replaying from a
// freshly seeded context.
//
// Send and Edit run their stream to completion before returning; callers that
// need a non-blocking send run them on their own goroutine. Every delta is
// applied to the session store the moment it arrives, so progressive rendering
// falls out of the store mutations and the OnChange callback.
//
// Each streaming operation is bound to the session and generation it was
// started for. Switching the active session does not supersede a stream (its
// deltas keep landing in the session it was started for), but re-initializing
// or editing that session does, and late callbacks from a superseded
// generation are discarded.
type Engine struct {
	client   StreamingChatClient
	sessions *SessionStore
	logger   *slog.Logger

	// OnChange is invoked after a message is appended or grown, with a copy of
	// the message. It is called from the goroutine driving the stream.
	OnChange func(sessionID string, msg models.Message)
	// OnCredentialInvalid is invoked when the provider rejects the credential.
	// No error message is appended in that case; the hosting shell is expected
	// to show a blocking credential screen.
	OnCredentialInvalid func()

	mu              sync.Mutex
	lang            models.Language
	conv            Conversation
	state           State
	activeID        string
	gens            map[string]uint64
	lastErr         string
	needsCredential bool

	now func() time.Time
}

// NewEngine creates an engine bound to the given streaming client and session
// registry. The engine starts with no conversation context; call Initialize
// after selecting or creating a session.
func NewEngine(client StreamingChatClient, sessions *SessionStore, lang models.Language, logger *slog.Logger) *Engine {
	if !lang.Valid() {
		lang = models.DefaultLanguage
	}
	return &Engine{
		client:   client,
		sessions: sessions,
		logger:   logger.With(slog.String("module", "engine")),
		lang:     lang,
		state:    StateIdle,
		gens:     make(map[string]uint64),
		now:      time.Now,
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the most recent failure text, or "" after a clean send.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// NeedsCredential reports whether the provider has rejected the credential.
// The engine does not attempt further sends until the shell re-establishes a
// valid credential and re-initializes.
func (e *Engine) NeedsCredential() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsCredential
}

// SetLanguage changes the response language used for the directive, the
// greeting, and localized failure texts. Takes effect on the next Initialize.
func (e *Engine) SetLanguage(lang models.Language) {
	if !lang.Valid() {
		return
	}
	e.mu.Lock()
	e.lang = lang
	e.mu.Unlock()
}

// Initialize builds a fresh provider conversation context for the given
// session from its current message log, discarding any previous context. An
// empty session receives a localized system greeting. On failure an error
// message is appended to the log and the engine enters StateError; a fresh
// Initialize call retries.
func (e *Engine) Initialize(ctx context.Context, sessionID string) error {
	msgs, ok := e.sessions.Messages(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	e.gens[sessionID]++
	gen := e.gens[sessionID]
	e.activeID = sessionID
	e.state = StateInitializing
	e.conv = nil
	e.lastErr = ""
	lang := e.lang
	e.mu.Unlock()

	conv, err := e.client.NewContext(ctx, historyTurns(msgs), lang.Directive())

	e.mu.Lock()
	if e.gens[sessionID] != gen || e.activeID != sessionID {
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		kind := Classify(err)
		e.state = StateError
		e.lastErr = fmt.Sprintf("%s: %v", lang.InitFailureText(), err)
		credential := kind == FailureCredentialInvalid
		if credential {
			e.needsCredential = true
		}
		text := e.lastErr
		e.mu.Unlock()

		e.appendAndNotify(sessionID, models.Message{
			ID:        uuid.New().String(),
			Text:      text,
			Sender:    models.SenderError,
			Timestamp: e.now(),
		})
		if credential && e.OnCredentialInvalid != nil {
			e.OnCredentialInvalid()
		}
		return &Failure{Kind: FailureContextInit, Message: lang.InitFailureText(), Err: err}
	}
	e.conv = conv
	e.state = StateIdle
	e.mu.Unlock()

	if len(msgs) == 0 {
		e.appendAndNotify(sessionID, models.Message{
			ID:        uuid.New().String(),
			Text:      lang.Greeting(),
			Sender:    models.SenderSystem,
			Timestamp: e.now(),
		})
	}
	return nil
}

// Send turns user input into a new log entry and streams the reply into a
// single growing AI message. Images that violate the MIME allow-list or the
// size threshold are rejected per-file and returned in rejected; the send
// proceeds with the remaining content, or fails with a validation error when
// nothing sendable is left. A send is also rejected while no conversation
// context exists or while a reply is already in flight.
//
// Send blocks until the stream ends. Stream failures never propagate: they are
// classified, surfaced into the log (or via OnCredentialInvalid), and the
// engine returns to StateIdle.
func (e *Engine) Send(ctx context.Context, text string, images []models.ImageAttachment) (rejected []string, err error) {
	text = strings.TrimSpace(text)

	var valid []models.ImageAttachment
	for _, img := range images {
		size := int64(base64.StdEncoding.DecodedLen(len(img.Data)))
		if err := models.CheckImage(img.MimeType, size); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", img.Filename, err))
			continue
		}
		valid = append(valid, img)
	}
	if text == "" && len(valid) == 0 {
		if len(rejected) > 0 {
			return rejected, &Failure{Kind: FailureValidation, Message: strings.Join(rejected, "; ")}
		}
		return nil, ErrEmptyContent
	}

	e.mu.Lock()
	if e.conv == nil {
		e.mu.Unlock()
		return rejected, ErrNoContext
	}
	if e.state == StateAwaitingReply {
		e.mu.Unlock()
		return rejected, ErrReplyInFlight
	}
	sessionID := e.activeID
	gen := e.gens[sessionID]
	conv := e.conv
	e.state = StateAwaitingReply
	e.lastErr = ""
	e.mu.Unlock()

	e.appendAndNotify(sessionID, models.Message{
		ID:        uuid.New().String(),
		Text:      text,
		Sender:    models.SenderUser,
		Timestamp: e.now(),
		Images:    valid,
	})

	e.stream(ctx, sessionID, gen, conv, Turn{Text: text, Images: valid})
	return rejected, nil
}

// Edit rewrites history at a past user message and regenerates from there: the
// log is truncated to the prefix strictly before the edited message, a
// brand-new provider context is seeded from that prefix, and a replacement
// user message (new id, new text, the original images) is sent exactly like a
// normal send. Everything after the edited message is discarded, including any
// AI replies. Editing also starts a new generation, invalidating any stream
// still arriving from before the edit.
func (e *Engine) Edit(ctx context.Context, messageID, newText string) error {
	newText = strings.TrimSpace(newText)

	e.mu.Lock()
	sessionID := e.activeID
	if sessionID == "" {
		e.mu.Unlock()
		return ErrSessionNotFound
	}
	if e.state == StateAwaitingReply {
		e.mu.Unlock()
		return ErrReplyInFlight
	}
	lang := e.lang
	e.mu.Unlock()

	msgs, ok := e.sessions.Messages(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == messageID })
	if idx == -1 {
		e.logger.Warn("Message to edit not found",
			slog.String("sessionID", sessionID),
			slog.String("messageID", messageID))
		return ErrMessageNotFound
	}
	orig := msgs[idx]
	if orig.Sender != models.SenderUser {
		return &Failure{Kind: FailureValidation, Message: "only user messages can be edited"}
	}
	prefix := msgs[:idx]

	e.mu.Lock()
	e.gens[sessionID]++
	gen := e.gens[sessionID]
	e.state = StateInitializing
	e.conv = nil
	e.lastErr = ""
	e.mu.Unlock()

	replacement := models.Message{
		ID:        uuid.New().String(),
		Text:      newText,
		Sender:    models.SenderUser,
		Timestamp: e.now(),
		Images:    orig.Images,
	}
	newLog := append(slices.Clone(prefix), replacement)
	e.sessions.SaveSession(sessionID, newLog)
	e.notify(sessionID, replacement)

	conv, err := e.client.NewContext(ctx, historyTurns(prefix), lang.Directive())

	e.mu.Lock()
	if e.gens[sessionID] != gen || e.activeID != sessionID {
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		kind := Classify(err)
		e.state = StateError
		e.lastErr = fmt.Sprintf("%s: %v", lang.SendFailureText(), err)
		credential := kind == FailureCredentialInvalid
		if credential {
			e.needsCredential = true
		}
		text := e.lastErr
		e.mu.Unlock()

		if credential {
			if e.OnCredentialInvalid != nil {
				e.OnCredentialInvalid()
			}
		} else {
			e.appendAndNotify(sessionID, models.Message{
				ID:        uuid.New().String(),
				Text:      text,
				Sender:    models.SenderError,
				Timestamp: e.now(),
			})
		}
		return &Failure{Kind: FailureContextInit, Message: lang.SendFailureText(), Err: err}
	}
	e.conv = conv
	e.state = StateAwaitingReply
	e.mu.Unlock()

	e.stream(ctx, sessionID, gen, conv, Turn{Text: newText, Images: orig.Images})
	return nil
}

// stream drives one reply to completion, applying deltas in arrival order. The
// first delta creates the AI message; later ones grow its text in place. A
// delta from a superseded generation (the session was re-initialized or its
// log rewritten by an edit) stops applying and exits quietly, as does a
// stream whose AI message has disappeared.
func (e *Engine) stream(ctx context.Context, sessionID string, gen uint64, conv Conversation, turn Turn) {
	var aiMsgID string
	received := 0

	for delta, err := range conv.Stream(ctx, turn) {
		if err != nil {
			e.finishWithError(sessionID, gen, err)
			return
		}
		received++
		if e.currentGen(sessionID) != gen {
			e.finish(sessionID, gen)
			return
		}
		if aiMsgID == "" {
			msg := models.Message{
				ID:        uuid.New().String(),
				Text:      delta,
				Sender:    models.SenderAI,
				Timestamp: e.now(),
			}
			aiMsgID = msg.ID
			if !e.sessions.AppendMessage(sessionID, msg) {
				e.finish(sessionID, gen)
				return
			}
			e.notify(sessionID, msg)
			continue
		}
		msg, ok := e.sessions.GrowMessage(sessionID, aiMsgID, delta, e.now())
		if !ok {
			e.finish(sessionID, gen)
			return
		}
		e.notify(sessionID, msg)
	}

	if received == 0 && e.currentGen(sessionID) == gen {
		e.appendAndNotify(sessionID, models.Message{
			ID:        uuid.New().String(),
			Text:      EmptyReplyPlaceholder,
			Sender:    models.SenderAI,
			Timestamp: e.now(),
		})
	}
	e.finish(sessionID, gen)
}

// finish returns the engine to StateIdle, but only when the finished stream
// still belongs to the active session's current generation.
func (e *Engine) finish(sessionID string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeID == sessionID && e.gens[sessionID] == gen && e.state == StateAwaitingReply {
		e.state = StateIdle
	}
}

// finishWithError handles a stream failure: partial text already applied is
// kept, the failure is classified, and either the credential callback fires or
// an error message is appended. The engine returns to StateIdle either way.
func (e *Engine) finishWithError(sessionID string, gen uint64, err error) {
	kind := Classify(err)
	e.logger.Error("Stream failed",
		slog.String("sessionID", sessionID),
		slog.String("kind", string(kind)),
		slog.String("err", err.Error()))

	e.mu.Lock()
	lang := e.lang
	current := e.gens[sessionID] == gen
	if current {
		e.lastErr = err.Error()
	}
	// Credential invalidation is a property of the client, not of one
	// stream, so the flag is raised even for superseded generations.
	if kind == FailureCredentialInvalid {
		e.needsCredential = true
	}
	if e.activeID == sessionID && current && e.state == StateAwaitingReply {
		e.state = StateIdle
	}
	e.mu.Unlock()

	if kind == FailureCredentialInvalid {
		if e.OnCredentialInvalid != nil {
			e.OnCredentialInvalid()
		}
		return
	}
	if !current {
		return
	}
	e.appendAndNotify(sessionID, models.Message{
		ID:        uuid.New().String(),
		Text:      fmt.Sprintf("%s %v", lang.ErrorPrefix(), err),
		Sender:    models.SenderError,
		Timestamp: e.now(),
	})
}

func (e *Engine) currentGen(sessionID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gens[sessionID]
}

func (e *Engine) appendAndNotify(sessionID string, msg models.Message) {
	if !e.sessions.AppendMessage(sessionID, msg) {
		return
	}
	e.notify(sessionID, msg)
}

func (e *Engine) notify(sessionID string, msg models.Message) {
	if e.OnChange != nil {
		e.OnChange(sessionID, msg)
	}
}

// historyTurns maps a message log onto provider context turns. Only user and
// ai senders are mirrored; user turns keep their images, ai turns are
// text-only, and entries with no content are skipped.
func historyTurns(msgs []models.Message) []HistoryTurn {
	var out []HistoryTurn
	for _, m := range msgs {
		switch m.Sender {
		case models.SenderUser:
			if m.Text == "" && len(m.Images) == 0 {
				continue
			}
			out = append(out, HistoryTurn{Sender: m.Sender, Text: m.Text, Images: m.Images})
		case models.SenderAI:
			if m.Text == "" {
				continue
			}
			out = append(out, HistoryTurn{Sender: m.Sender, Text: m.Text})
		}
	}
	return out
}
