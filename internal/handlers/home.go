package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/khwebchat/kh-web-chat/internal/chat"
)

type homePageData struct {
	Sessions         []sessionView
	CurrentSessionID string
	Messages         []messageView

	Language        string
	NeedsCredential bool
}

// HandleHome renders the chat page. An optional "session_id" query parameter
// selects which session to show; without one the most recently modified
// session is opened, and a fresh session is created when none exist yet.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	sessionID, err := m.activateForHome(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to open session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sessions := m.sessions.ListSessions()
	views := make([]sessionView, len(sessions))
	for i, sess := range sessions {
		views[i] = sessionView{
			ID:     sess.ID,
			Title:  sess.Title,
			Active: sess.ID == sessionID,
		}
	}

	msgs, _ := m.sessions.Messages(sessionID)
	msgViews := make([]messageView, len(msgs))
	for i, msg := range msgs {
		msgViews[i] = m.messageView(msg)
	}

	data := homePageData{
		Sessions:         views,
		CurrentSessionID: sessionID,
		Messages:         msgViews,
		Language:         string(m.sessions.Language()),
		NeedsCredential:  m.engine.NeedsCredential(),
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// activateForHome resolves which session the page should show and makes it
// active. Explicit ids must exist; the empty id falls back to the newest
// session or a brand new one.
func (m *Main) activateForHome(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		if list := m.sessions.ListSessions(); len(list) > 0 {
			sessionID = list[0].ID
		} else {
			sess, err := m.sessions.CreateSession(ctx)
			if err != nil {
				return "", err
			}
			sessionID = sess.ID
		}
	}

	if sessionID != m.sessions.ActiveID() {
		if _, err := m.sessions.SelectSession(sessionID); err != nil {
			return "", err
		}
	} else if m.engine.State() == chat.StateAwaitingReply {
		// A reload while a reply streams must not rebuild the context,
		// or the in-flight stream would be orphaned.
		return sessionID, nil
	}

	if err := m.engine.Initialize(ctx, sessionID); err != nil {
		// Initialization failures land in the session log as error
		// messages, so the page still renders.
		m.logger.Error("Failed to initialize session context",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}

	return sessionID, nil
}
