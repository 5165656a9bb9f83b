package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/khwebchat/kh-web-chat/internal/chat"
)

// HandleNewSession creates a fresh session, makes it active, and returns the
// rendered chatbox containing its greeting.
func (m *Main) HandleNewSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, _, err := m.ensureSession(r.Context(), "")
	if err != nil {
		m.logger.Error("Failed to create session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.publishSessions()

	if err := m.renderChatbox(w, sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleDeleteSession removes the session named by the "session_id" form
// field. Deleting the active session activates the most recent remaining one,
// or a brand new session when none are left.
func (m *Main) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		m.logger.Error("Session ID is required")
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}

	wasActive := sessionID == m.sessions.ActiveID()
	if err := m.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to delete session",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	activeID := m.sessions.ActiveID()
	if wasActive {
		// Deletion cleared the active session, so recover onto the next
		// most recent one.
		next := ""
		if list := m.sessions.ListSessions(); len(list) > 0 {
			next = list[0].ID
		}
		id, _, err := m.ensureSession(r.Context(), next)
		if err != nil {
			m.logger.Error("Failed to activate session after delete",
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		activeID = id
	}

	m.publishSessions()

	if err := m.renderChatbox(w, activeID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
