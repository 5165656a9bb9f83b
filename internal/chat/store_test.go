package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/khwebchat/kh-web-chat/internal/models"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	puts     int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]models.Session)}
}

func (m *memStore) Sessions(context.Context) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (m *memStore) PutSession(_ context.Context, sess models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	m.puts++
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *memStore) session(id string) (models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func newTestStore(t *testing.T) (*SessionStore, *memStore) {
	t.Helper()
	backend := newMemStore()
	s := NewSessionStore(backend, models.LanguageEnglish, testLogger())
	s.debounce = 20 * time.Millisecond
	return s, backend
}

func TestSessionStoreCreatePersistsImmediately(t *testing.T) {
	s, backend := newTestStore(t)

	sess, err := s.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.Title != models.LanguageEnglish.DefaultTitle() {
		t.Errorf("title = %q, want default title", sess.Title)
	}
	if s.ActiveID() != sess.ID {
		t.Errorf("ActiveID() = %q, want %q", s.ActiveID(), sess.ID)
	}
	if _, ok := backend.session(sess.ID); !ok {
		t.Error("new session was not persisted")
	}
}

func TestSessionStoreListOrder(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.mu.Lock()
	s.sessions["a"] = &models.Session{ID: "a", Title: "A", LastModified: base}
	s.sessions["b"] = &models.Session{ID: "b", Title: "B", LastModified: base.Add(time.Hour)}
	s.sessions["c"] = &models.Session{ID: "c", Title: "C", LastModified: base}
	s.mu.Unlock()

	got := s.ListSessions()
	ids := make([]string, len(got))
	for i, sess := range got {
		ids[i] = sess.ID
	}
	// Most recent first; equal timestamps fall back to id order.
	want := []string{"b", "a", "c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestSessionStoreSelectUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.SelectSession("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SelectSession() error = %v, want %v", err, ErrSessionNotFound)
	}
}

func TestSessionStoreSwitchFlushesPendingWrite(t *testing.T) {
	s, backend := newTestStore(t)
	s.debounce = time.Hour // the flush must come from the switch, not the timer

	a, err := s.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SelectSession(a.ID); err != nil {
		t.Fatal(err)
	}

	s.AppendMessage(a.ID, models.Message{ID: "m1", Text: "pending", Sender: models.SenderUser, Timestamp: time.Now()})
	if sess, _ := backend.session(a.ID); len(sess.Messages) != 0 {
		t.Fatal("write landed before the debounce elapsed")
	}

	if _, err := s.SelectSession(b.ID); err != nil {
		t.Fatal(err)
	}

	sess, _ := backend.session(a.ID)
	if len(sess.Messages) != 1 || sess.Messages[0].Text != "pending" {
		t.Errorf("persisted session = %+v, want the appended message", sess.Messages)
	}
}

func TestSessionStoreDebounceCoalesces(t *testing.T) {
	s, backend := newTestStore(t)

	sess, err := s.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	baseline := backend.putCount()

	for i := 0; i < 5; i++ {
		s.GrowMessage(sess.ID, "none", "x", time.Now())
		s.AppendMessage(sess.ID, models.Message{ID: "m", Text: "t", Sender: models.SenderUser, Timestamp: time.Now()})
	}

	deadline := time.Now().Add(2 * time.Second)
	for backend.putCount() == baseline && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Rapid mutations coalesce into a single write.
	if got := backend.putCount() - baseline; got != 1 {
		t.Errorf("writes after burst = %d, want 1", got)
	}
}

func TestSessionStoreDelete(t *testing.T) {
	s, backend := newTestStore(t)

	sess, err := s.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if s.ActiveID() != "" {
		t.Errorf("ActiveID() = %q, want empty after deleting the active session", s.ActiveID())
	}
	if _, ok := backend.session(sess.ID); ok {
		t.Error("session still in backend after delete")
	}

	if err := s.DeleteSession(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("DeleteSession() twice error = %v, want %v", err, ErrSessionNotFound)
	}
}

func TestSessionStoreSaveUnknownIsNoop(t *testing.T) {
	s, backend := newTestStore(t)

	s.SaveSession("", []models.Message{{ID: "m"}})
	s.SaveSession("ghost", []models.Message{{ID: "m"}})

	if backend.putCount() != 0 {
		t.Errorf("puts = %d, want 0", backend.putCount())
	}
}

func TestSessionStoreTitleDerivation(t *testing.T) {
	s, _ := newTestStore(t)

	sess, err := s.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	s.AppendMessage(sess.ID, models.Message{ID: "g", Text: "greeting", Sender: models.SenderSystem, Timestamp: time.Now()})
	got, _ := s.Session(sess.ID)
	if got.Title != models.LanguageEnglish.DefaultTitle() {
		t.Errorf("title = %q, system messages must not name a session", got.Title)
	}

	s.AppendMessage(sess.ID, models.Message{ID: "u", Text: "plan my trip", Sender: models.SenderUser, Timestamp: time.Now()})
	got, _ = s.Session(sess.ID)
	if got.Title != "plan my trip" {
		t.Errorf("title = %q, want %q", got.Title, "plan my trip")
	}

	// A derived title sticks; later messages do not rename the session.
	s.AppendMessage(sess.ID, models.Message{ID: "u2", Text: "something else", Sender: models.SenderUser, Timestamp: time.Now()})
	got, _ = s.Session(sess.ID)
	if got.Title != "plan my trip" {
		t.Errorf("title = %q, want the first derived title to stick", got.Title)
	}
}

func TestSessionStoreGrowMissingMessage(t *testing.T) {
	s, _ := newTestStore(t)

	sess, err := s.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.GrowMessage(sess.ID, "ghost", "x", time.Now()); ok {
		t.Error("GrowMessage() = true for a missing message")
	}
	if _, ok := s.GrowMessage("ghost", "m", "x", time.Now()); ok {
		t.Error("GrowMessage() = true for a missing session")
	}
}

func TestSessionStoreLoadRoundTrip(t *testing.T) {
	backend := newMemStore()
	backend.sessions["a"] = models.Session{
		ID:    "a",
		Title: "Loaded",
		Messages: []models.Message{
			{ID: "m1", Text: "hello", Sender: models.SenderUser, Timestamp: time.Now()},
		},
		LastModified: time.Now(),
	}

	s := NewSessionStore(backend, models.LanguageEnglish, testLogger())
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got, ok := s.Session("a")
	if !ok {
		t.Fatal("loaded session missing")
	}
	if got.Title != "Loaded" || len(got.Messages) != 1 {
		t.Errorf("loaded session = %+v", got)
	}
}
