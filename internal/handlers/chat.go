package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/khwebchat/kh-web-chat/internal/chat"
	"github.com/khwebchat/kh-web-chat/internal/models"
)

// maxUploadBytes bounds the whole multipart body, not individual files.
// Individual files are checked against models.MaxImageSizeBytes.
const maxUploadBytes = 32 << 20

// HandleChats processes chat interactions through HTTP POST requests,
// managing both new session creation and message handling. It accepts user
// messages through form data with optional image attachments, activates the
// appropriate session, and initiates asynchronous processing for the AI reply.
//
// The handler expects a "message" form field and an optional "session_id"
// field. If no session_id is provided, it creates a new session. The AI reply
// streams to the browser through Server-Sent Events; the HTTP response only
// carries the refreshed chatbox for new sessions and any rejected uploads.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// ParseMultipartForm falls through to urlencoded bodies, so text-only
	// sends work with either encoding.
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		m.logger.Error("Failed to parse form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg := r.FormValue("message")
	images, rejected := m.formImages(r)

	if msg == "" && len(images) == 0 {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	sessionID, isNewSession, err := m.ensureSession(r.Context(), r.FormValue("session_id"))
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to activate session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The engine blocks until the reply stream finishes, so the actual send
	// runs detached from the request while deltas flow out over SSE.
	go m.send(sessionID, msg, images)

	m.publishSessions()

	if isNewSession {
		if err := m.renderChatbox(w, sessionID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if len(rejected) > 0 {
		err := m.templates.ExecuteTemplate(w, "upload_notice", rejected)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleEditMessage replaces a user message with new text, discarding the
// rest of the history, and regenerates the reply from that point. It expects
// "session_id", "message_id" and "message" form fields.
func (m *Main) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	messageID := r.FormValue("message_id")
	if messageID == "" {
		m.logger.Error("Message ID is required")
		http.Error(w, "Message ID is required", http.StatusBadRequest)
		return
	}

	sessionID, _, err := m.ensureSession(r.Context(), r.FormValue("session_id"))
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to activate session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	go func() {
		// Truncation removes messages the browser already rendered, so a
		// full refresh replaces per-message patching here.
		m.publishRefresh(sessionID)

		if err := m.engine.Edit(context.Background(), messageID, msg); err != nil {
			m.logger.Error("Failed to edit message",
				slog.String("messageID", messageID),
				slog.String(errLoggerKey, err.Error()))
		}
		m.publishSessions()
	}()

	w.WriteHeader(http.StatusNoContent)
}

// ensureSession makes sessionID the active session, creating a new one when
// sessionID is empty. Activating a session builds a fresh provider context
// from its stored history.
func (m *Main) ensureSession(ctx context.Context, sessionID string) (string, bool, error) {
	isNew := false
	switch {
	case sessionID == "":
		sess, err := m.sessions.CreateSession(ctx)
		if err != nil {
			return "", false, err
		}
		sessionID = sess.ID
		isNew = true
	case sessionID == m.sessions.ActiveID():
		// A previous Initialize may have failed, leaving the session
		// without a provider context. Retry it so a send can succeed
		// once the underlying condition clears.
		if m.engine.State() != chat.StateError {
			return sessionID, false, nil
		}
	default:
		if _, err := m.sessions.SelectSession(sessionID); err != nil {
			return "", false, err
		}
	}

	if err := m.engine.Initialize(ctx, sessionID); err != nil {
		// The failure is already part of the session log, so the send is
		// allowed to proceed and fail visibly.
		m.logger.Error("Failed to initialize session context",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}

	return sessionID, isNew, nil
}

func (m *Main) send(sessionID string, msg string, images []models.ImageAttachment) {
	rejected, err := m.engine.Send(context.Background(), msg, images)
	if err != nil {
		m.logger.Error("Failed to send message",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
	for _, name := range rejected {
		m.logger.Warn("Rejected image attachment",
			slog.String("sessionID", sessionID),
			slog.String("filename", name))
	}

	// The reply has settled by now, which may have renamed the session.
	m.publishSessions()
}

// formImages extracts image attachments from the "images" multipart field.
// Files that are too large or not an allowed image type are skipped and
// reported back by filename instead of failing the whole send.
func (m *Main) formImages(r *http.Request) ([]models.ImageAttachment, []string) {
	if r.MultipartForm == nil {
		return nil, nil
	}

	var (
		images   []models.ImageAttachment
		rejected []string
	)
	for _, header := range r.MultipartForm.File["images"] {
		mimeType := header.Header.Get("Content-Type")
		if err := models.CheckImage(mimeType, header.Size); err != nil {
			m.logger.Warn("Skipping image upload",
				slog.String("filename", header.Filename),
				slog.String(errLoggerKey, err.Error()))
			rejected = append(rejected, header.Filename)
			continue
		}

		file, err := header.Open()
		if err != nil {
			m.logger.Error("Failed to open image upload",
				slog.String("filename", header.Filename),
				slog.String(errLoggerKey, err.Error()))
			rejected = append(rejected, header.Filename)
			continue
		}
		raw, err := io.ReadAll(file)
		_ = file.Close()
		if err != nil {
			m.logger.Error("Failed to read image upload",
				slog.String("filename", header.Filename),
				slog.String(errLoggerKey, err.Error()))
			rejected = append(rejected, header.Filename)
			continue
		}

		images = append(images, models.ImageAttachment{
			Data:     base64.StdEncoding.EncodeToString(raw),
			MimeType: mimeType,
			Filename: header.Filename,
		})
	}
	return images, rejected
}

func (m *Main) renderChatbox(w io.Writer, sessionID string) error {
	msgs, _ := m.sessions.Messages(sessionID)
	views := make([]messageView, len(msgs))
	for i, msg := range msgs {
		views[i] = m.messageView(msg)
	}

	data := homePageData{
		CurrentSessionID: sessionID,
		Messages:         views,
		NeedsCredential:  m.engine.NeedsCredential(),
	}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		return fmt.Errorf("failed to execute chatbox template: %w", err)
	}
	return nil
}
