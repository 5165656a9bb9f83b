package handlers_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khwebchat/kh-web-chat/internal/chat"
	"github.com/khwebchat/kh-web-chat/internal/handlers"
	"github.com/khwebchat/kh-web-chat/internal/models"
)

type mockClient struct {
	mu        sync.Mutex
	responses []string
	err       error
}

func (m *mockClient) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockClient) getErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

type mockConversation struct {
	client *mockClient
}

type mockStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	err      error
}

func newFixture(t *testing.T, client *mockClient, seed ...models.Session) (*handlers.Main, *chat.SessionStore, *chat.Engine) {
	t.Helper()

	store := &mockStore{sessions: make(map[string]models.Session)}
	for _, sess := range seed {
		store.sessions[sess.ID] = sess
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := chat.NewSessionStore(store, models.LanguageEnglish, logger)
	if err := sessions.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	engine := chat.NewEngine(client, sessions, models.LanguageEnglish, logger)

	m, err := handlers.NewMain(engine, sessions, logger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	return m, sessions, engine
}

func TestNewMain(t *testing.T) {
	m, _, _ := newFixture(t, &mockClient{})

	if m.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	seed := models.Session{
		ID:    "1",
		Title: "Test Chat",
		Messages: []models.Message{
			{ID: "m1", Text: "Hello", Sender: models.SenderUser, Timestamp: time.Now()},
		},
		LastModified: time.Now(),
	}
	m, _, _ := newFixture(t, &mockClient{}, seed)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Home page without session",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "Test Chat", // Should contain session title
		},
		{
			name:       "Home page with session",
			url:        "/?session_id=1",
			wantStatus: http.StatusOK,
			wantBody:   "Hello", // Should contain message content
		},
		{
			name:       "Unknown session",
			url:        "/?session_id=nope",
			wantStatus: http.StatusNotFound,
			wantBody:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			m.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	seed := models.Session{
		ID:           "1",
		Title:        "Test Chat",
		LastModified: time.Now(),
	}
	m, _, _ := newFixture(t, &mockClient{responses: []string{"AI response"}}, seed)

	tests := []struct {
		name       string
		method     string
		message    string
		sessionID  string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "New session",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusOK,
		},
		{
			name:       "Existing session",
			method:     http.MethodPost,
			message:    "Hello",
			sessionID:  "1",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Unknown session",
			method:     http.MethodPost,
			message:    "Hello",
			sessionID:  "nope",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{}
			form.Set("message", tt.message)
			form.Set("session_id", tt.sessionID)
			req := httptest.NewRequest(tt.method, "/chats", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			m.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatsRetriesFailedInit(t *testing.T) {
	seed := models.Session{
		ID:           "1",
		Title:        "Test Chat",
		LastModified: time.Now(),
	}
	client := &mockClient{responses: []string{"recovered"}, err: errors.New("connection refused")}
	m, sessions, engine := newFixture(t, client, seed)

	postChat := func() {
		form := url.Values{}
		form.Set("message", "Hello")
		form.Set("session_id", "1")
		req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		m.HandleChats(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusNoContent)
		}
	}

	// First send activates the session but context creation fails.
	postChat()
	if engine.State() != chat.StateError {
		t.Fatalf("state after failed init = %v, want %v", engine.State(), chat.StateError)
	}

	// Once the provider recovers, a send on the same, already-active
	// session must rebuild the context instead of failing silently.
	client.setErr(nil)
	postChat()

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, _ := sessions.Messages("1")
		if len(msgs) > 0 && msgs[len(msgs)-1].Text == "recovered" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply after recovery, log: %+v", msgs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleEditMessage(t *testing.T) {
	seed := models.Session{
		ID:    "1",
		Title: "Test Chat",
		Messages: []models.Message{
			{ID: "m1", Text: "Hello", Sender: models.SenderUser, Timestamp: time.Now()},
			{ID: "m2", Text: "Hi there", Sender: models.SenderAI, Timestamp: time.Now()},
		},
		LastModified: time.Now(),
	}
	m, _, _ := newFixture(t, &mockClient{responses: []string{"Regenerated"}}, seed)

	tests := []struct {
		name       string
		method     string
		message    string
		messageID  string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			messageID:  "m1",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing message id",
			method:     http.MethodPost,
			message:    "Edited",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Valid edit",
			method:     http.MethodPost,
			message:    "Edited",
			messageID:  "m1",
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{}
			form.Set("message", tt.message)
			form.Set("message_id", tt.messageID)
			form.Set("session_id", "1")
			req := httptest.NewRequest(tt.method, "/messages/edit", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			m.HandleEditMessage(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleEditMessage() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleSessions(t *testing.T) {
	seed := []models.Session{
		{ID: "1", Title: "First", LastModified: time.Now().Add(-time.Hour)},
		{ID: "2", Title: "Second", LastModified: time.Now()},
	}
	m, sessions, _ := newFixture(t, &mockClient{}, seed...)

	t.Run("New session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/sessions/new", nil)
		w := httptest.NewRecorder()

		m.HandleNewSession(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("HandleNewSession() status = %v, want %v", w.Code, http.StatusOK)
		}
		if len(sessions.ListSessions()) != 3 {
			t.Errorf("ListSessions() = %d sessions, want 3", len(sessions.ListSessions()))
		}
	})

	t.Run("Delete active session activates another", func(t *testing.T) {
		active := sessions.ActiveID()

		form := url.Values{}
		form.Set("session_id", active)
		req := httptest.NewRequest(http.MethodPost, "/sessions/delete", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()

		m.HandleDeleteSession(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("HandleDeleteSession() status = %v, want %v", w.Code, http.StatusOK)
		}
		if sessions.ActiveID() == active || sessions.ActiveID() == "" {
			t.Errorf("ActiveID() = %q, want a different session", sessions.ActiveID())
		}
	})

	t.Run("Delete unknown session", func(t *testing.T) {
		form := url.Values{}
		form.Set("session_id", "nope")
		req := httptest.NewRequest(http.MethodPost, "/sessions/delete", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()

		m.HandleDeleteSession(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("HandleDeleteSession() status = %v, want %v", w.Code, http.StatusNotFound)
		}
	})
}

func (m *mockClient) NewContext(context.Context, []chat.HistoryTurn, string) (chat.Conversation, error) {
	if err := m.getErr(); err != nil {
		return nil, err
	}
	return mockConversation{client: m}, nil
}

func (c mockConversation) Stream(context.Context, chat.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := c.client.getErr(); err != nil {
			yield("", err)
			return
		}
		for _, resp := range c.client.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (m *mockStore) Sessions(context.Context) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]models.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (m *mockStore) PutSession(_ context.Context, sess models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sessions[sess.ID] = sess
	return nil
}

func (m *mockStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return m.err
}
