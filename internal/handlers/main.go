package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	khwebchat "github.com/khwebchat/kh-web-chat"
	"github.com/khwebchat/kh-web-chat/internal/chat"
	"github.com/khwebchat/kh-web-chat/internal/models"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Main handles the core functionality of the chat web shell, managing
// server-sent events, HTML templates, and the interactions between the
// conversation engine and the session store.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	engine   *chat.Engine
	sessions *chat.SessionStore

	logger *slog.Logger
}

const (
	sessionsSSETopic = "sessions"

	errLoggerKey = "err"
)

// SSE event types for real-time updates.
var (
	sessionsSSEType = sse.Type("sessions")
	messagesSSEType = sse.Type("messages")
	refreshSSEType  = sse.Type("refresh")
)

// NewMain creates a new Main instance wired to the given engine and session
// store. It initializes the SSE server and parses the HTML templates from the
// embedded filesystem. The engine's change callback is routed into per-session
// SSE topics so every streamed delta is immediately visible in the browser.
func NewMain(engine *chat.Engine, sessions *chat.SessionStore, logger *slog.Logger) (*Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		khwebchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, err
	}

	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, sessionsSSETopic}

				// We create a session-specific topic if the client requests updates for a particular session
				sessionID := s.Req.URL.Query().Get("session_id")
				if sessionID != "" {
					topics = append(topics, sessionTopic(sessionID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
			),
		),
		engine:   engine,
		sessions: sessions,
		logger:   logger.With(slog.String("module", "handlers")),
	}

	engine.OnChange = m.publishMessage
	engine.OnCredentialInvalid = func() {
		m.logger.Error("Provider rejected the configured credential")
		m.publishRefresh(sessions.ActiveID())
	}

	return m, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// HandleSSE serves the event stream connection.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts
// a close message to all connected clients and waits up to 5 seconds for
// connections to terminate. After the timeout, any remaining connections are
// forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// messageView is the template-facing shape of a single log entry. AI messages
// carry rendered markdown; every other sender renders as escaped plain text.
type messageView struct {
	ID        string
	Sender    string
	Text      string
	HTML      template.HTML
	Timestamp time.Time
	Images    []models.ImageAttachment
}

type sessionView struct {
	ID    string
	Title string

	Active bool
}

func (m *Main) messageView(msg models.Message) messageView {
	v := messageView{
		ID:        msg.ID,
		Sender:    string(msg.Sender),
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		Images:    msg.Images,
	}
	if msg.Sender == models.SenderAI {
		var sb strings.Builder
		if err := m.markdown.Convert([]byte(msg.Text), &sb); err != nil {
			m.logger.Error("Failed to render markdown",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
		} else {
			v.HTML = template.HTML(sb.String()) //nolint:gosec // goldmark output of our own log
		}
	}
	return v
}

// publishMessage pushes one appended or grown message to the session's SSE
// topic. It is installed as the engine's change callback.
func (m *Main) publishMessage(sessionID string, msg models.Message) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "message", m.messageView(msg)); err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	ev := &sse.Message{Type: messagesSSEType}
	ev.AppendData(sb.String())
	if err := m.sseSrv.Publish(ev, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// publishSessions pushes the freshly rendered sidebar to every client.
func (m *Main) publishSessions() {
	divs, err := m.sessionDivs(m.sessions.ActiveID())
	if err != nil {
		m.logger.Error("Failed to render session list",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	ev := &sse.Message{Type: sessionsSSEType}
	ev.AppendData(divs)
	if err := m.sseSrv.Publish(ev, sessionsSSETopic); err != nil {
		m.logger.Error("Failed to publish session list",
			slog.String(errLoggerKey, err.Error()))
	}
}

// publishRefresh tells clients viewing the session to re-fetch the whole page,
// used after history rewrites and credential failures where patching single
// messages is not enough.
func (m *Main) publishRefresh(sessionID string) {
	if sessionID == "" {
		return
	}
	ev := &sse.Message{Type: refreshSSEType}
	ev.AppendData(sessionID)
	if err := m.sseSrv.Publish(ev, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish refresh",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) sessionDivs(activeID string) (string, error) {
	var sb strings.Builder
	for _, sess := range m.sessions.ListSessions() {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", sessionView{
			ID:     sess.ID,
			Title:  sess.Title,
			Active: sess.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
