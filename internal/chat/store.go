package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khwebchat/kh-web-chat/internal/models"
)

// saveDebounce is the quiet period used to coalesce rapid in-flight-streaming
// updates into one persisted write per session.
const saveDebounce = time.Second

// SessionStore is the authoritative, in-memory, persisted-on-change registry
// of chat sessions. At most one session is active at a time; sessions are
// ordered for display by last-modified descending with a stable tie-break by
// id. Mutations schedule a debounced persistence write keyed by session id, so
// a late timer can never write one session's stale data over another's, and
// switching away from a session forces an immediate flush of its pending write.
type SessionStore struct {
	store  Store
	lang   models.Language
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*models.Session
	activeID string
	pending  map[string]*time.Timer

	debounce time.Duration
	now      func() time.Time
}

// NewSessionStore creates a session registry persisting through store. The
// language selects the localized placeholder title given to new sessions.
func NewSessionStore(store Store, lang models.Language, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		store:    store,
		lang:     lang,
		logger:   logger.With(slog.String("module", "sessionstore")),
		sessions: make(map[string]*models.Session),
		pending:  make(map[string]*time.Timer),
		debounce: saveDebounce,
		now:      time.Now,
	}
}

// Load populates the registry from the persistence adapter. Call it once at
// startup, before any other operation.
func (s *SessionStore) Load(ctx context.Context) error {
	sessions, err := s.store.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		cp := sess.Clone()
		s.sessions[sess.ID] = &cp
	}
	return nil
}

// CreateSession allocates a new session with a default title and an empty
// message log, makes it active, and persists it immediately.
func (s *SessionStore) CreateSession(ctx context.Context) (models.Session, error) {
	sess := models.Session{
		ID:           uuid.New().String(),
		Title:        s.lang.DefaultTitle(),
		LastModified: s.now(),
	}

	s.mu.Lock()
	prev := s.activeID
	cp := sess.Clone()
	s.sessions[sess.ID] = &cp
	s.activeID = sess.ID
	s.mu.Unlock()

	if prev != "" {
		s.FlushSession(prev)
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("failed to persist session: %w", err)
	}
	return sess, nil
}

// ListSessions returns copies of all sessions sorted by last-modified
// descending, ties broken by id.
func (s *SessionStore) ListSessions() []models.Session {
	s.mu.Lock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.After(out[j].LastModified)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SelectSession makes the session with the given id active. Any pending
// debounced write for the previously active session is flushed first, so a
// stale write can never land after the switch.
func (s *SessionStore) SelectSession(id string) (models.Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return models.Session{}, ErrSessionNotFound
	}
	prev := s.activeID
	s.activeID = id
	cp := sess.Clone()
	s.mu.Unlock()

	if prev != "" && prev != id {
		s.FlushSession(prev)
	}
	return cp, nil
}

// DeleteSession removes a session from the registry and the persistence
// adapter. Deleting the active session clears the active id; the caller is
// expected to select the most recent session or create a new one.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	if t, ok := s.pending[id]; ok {
		t.Stop()
		delete(s.pending, id)
	}
	_, known := s.sessions[id]
	delete(s.sessions, id)
	if s.activeID == id {
		s.activeID = ""
	}
	s.mu.Unlock()

	if !known {
		return ErrSessionNotFound
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SaveSession replaces the session's message log, bumps last-modified, and
// re-derives the title while it is still the default placeholder. It is a
// no-op for an empty or unknown id. The persistence write is debounced.
func (s *SessionStore) SaveSession(id string, messages []models.Message) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.Messages = make([]models.Message, len(messages))
	copy(sess.Messages, messages)
	s.touchLocked(sess)
}

// AppendMessage appends a message to the session's log. It reports whether the
// session still exists.
func (s *SessionStore) AppendMessage(id string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.Messages = append(sess.Messages, msg)
	s.touchLocked(sess)
	return true
}

// GrowMessage appends delta to the text of the message with the given id,
// bumping its timestamp. This is the in-place mutation used while a reply is
// streaming. It reports false when the session or the message no longer
// exists, which a streaming caller treats as being superseded.
func (s *SessionStore) GrowMessage(id, messageID, delta string, at time.Time) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.Message{}, false
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].ID != messageID {
			continue
		}
		sess.Messages[i].Text += delta
		sess.Messages[i].Timestamp = at
		msg := sess.Messages[i]
		s.touchLocked(sess)
		return msg, true
	}
	return models.Message{}, false
}

// Messages returns a copy of the session's message log.
func (s *SessionStore) Messages(id string) ([]models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	cp := sess.Clone()
	return cp.Messages, true
}

// Session returns a copy of the session with the given id.
func (s *SessionStore) Session(id string) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return sess.Clone(), true
}

// Language returns the language new sessions are titled in.
func (s *SessionStore) Language() models.Language {
	return s.lang
}

// ActiveID returns the id of the active session, or "" when none is active.
func (s *SessionStore) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// FlushSession forces the pending debounced write for one session, if any.
func (s *SessionStore) FlushSession(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	_, ok := s.pending[id]
	s.mu.Unlock()
	if ok {
		s.persist(id)
	}
}

// Flush forces all pending debounced writes. Used on shutdown.
func (s *SessionStore) Flush() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.persist(id)
	}
}

// touchLocked bumps last-modified, re-derives a placeholder title, and
// schedules the debounced persistence write. Callers hold s.mu.
func (s *SessionStore) touchLocked(sess *models.Session) {
	sess.LastModified = s.now()
	if isDefaultTitle(sess.Title) {
		sess.Title = DeriveTitle(sess.Messages, s.lang.DefaultTitle())
	}
	if t, ok := s.pending[sess.ID]; ok {
		t.Reset(s.debounce)
		return
	}
	id := sess.ID
	s.pending[id] = time.AfterFunc(s.debounce, func() { s.persist(id) })
}

// persist writes the session's current state and clears its pending timer. A
// session deleted before its timer fired is skipped.
func (s *SessionStore) persist(id string) {
	s.mu.Lock()
	if t, ok := s.pending[id]; ok {
		t.Stop()
		delete(s.pending, id)
	}
	sess, ok := s.sessions[id]
	var snapshot models.Session
	if ok {
		snapshot = sess.Clone()
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := s.store.PutSession(context.Background(), snapshot); err != nil {
		s.logger.Error("Failed to persist session",
			slog.String("sessionID", id),
			slog.String("err", err.Error()))
	}
}

func isDefaultTitle(title string) bool {
	if title == "" {
		return true
	}
	for _, lang := range models.SupportedLanguages {
		if title == lang.DefaultTitle() {
			return true
		}
	}
	return false
}
