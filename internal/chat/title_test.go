package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/khwebchat/kh-web-chat/internal/models"
)

func TestDeriveTitle(t *testing.T) {
	stamp := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	fallback := "New Chat"

	userMsg := func(text string) models.Message {
		return models.Message{ID: "u", Text: text, Sender: models.SenderUser, Timestamp: stamp}
	}

	tests := []struct {
		name     string
		messages []models.Message
		want     string
	}{
		{
			name:     "empty log",
			messages: nil,
			want:     fallback,
		},
		{
			name: "short text unchanged",
			messages: []models.Message{
				userMsg("plan my trip"),
			},
			want: "plan my trip",
		},
		{
			name: "thirty runes unchanged",
			messages: []models.Message{
				userMsg(strings.Repeat("a", 30)),
			},
			want: strings.Repeat("a", 30),
		},
		{
			name: "long text cut with ellipsis",
			messages: []models.Message{
				userMsg(strings.Repeat("a", 40)),
			},
			want: strings.Repeat("a", 27) + "...",
		},
		{
			name: "very long text cut the same way",
			messages: []models.Message{
				userMsg(strings.Repeat("a", 80)),
			},
			want: strings.Repeat("a", 27) + "...",
		},
		{
			name: "multibyte text cut on rune boundaries",
			messages: []models.Message{
				userMsg(strings.Repeat("日", 40)),
			},
			want: strings.Repeat("日", 27) + "...",
		},
		{
			name: "skips non-user messages",
			messages: []models.Message{
				{ID: "s", Text: "welcome", Sender: models.SenderSystem, Timestamp: stamp},
				{ID: "a", Text: "hello there", Sender: models.SenderAI, Timestamp: stamp},
				userMsg("the actual question"),
			},
			want: "the actual question",
		},
		{
			name: "blank text falls back to image date",
			messages: []models.Message{
				{
					ID: "u", Text: "  \n\t ", Sender: models.SenderUser, Timestamp: stamp,
					Images: []models.ImageAttachment{{Data: "AAAA", MimeType: "image/png"}},
				},
			},
			want: "Image: 2026-02-14",
		},
		{
			name: "no usable content",
			messages: []models.Message{
				{ID: "s", Text: "welcome", Sender: models.SenderSystem, Timestamp: stamp},
			},
			want: fallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveTitle(tt.messages, fallback)
			if got != tt.want {
				t.Errorf("DeriveTitle() = %q, want %q", got, tt.want)
			}
			// Deriving again from the same prefix must not change the result.
			if again := DeriveTitle(tt.messages, fallback); again != got {
				t.Errorf("DeriveTitle() second call = %q, want %q", again, got)
			}
		})
	}
}
