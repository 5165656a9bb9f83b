package chat

import (
	"fmt"

	"github.com/khwebchat/kh-web-chat/internal/models"
)

const (
	// titleSourceMaxLen is how much of the first user message feeds the title.
	titleSourceMaxLen = 50
	// titleMaxLen is the overall cap on a derived title.
	titleMaxLen = 30
)

// DeriveTitle produces a human-readable display title for a session from its
// message log. The first user message with non-blank text wins; failing that, a
// user message with an image yields an "Image: <date>" title; failing that, the
// fallback is returned as-is. The function is pure and idempotent: the same
// prefix always yields the same title.
func DeriveTitle(messages []models.Message, fallback string) string {
	for _, msg := range messages {
		if msg.Sender != models.SenderUser || !hasText(msg.Text) {
			continue
		}
		title := truncate(msg.Text, titleSourceMaxLen)
		if runeLen(title) > titleMaxLen {
			title = truncate(msg.Text, titleMaxLen-3)
		}
		return title
	}
	for _, msg := range messages {
		if msg.Sender == models.SenderUser && len(msg.Images) > 0 {
			return fmt.Sprintf("Image: %s", msg.Timestamp.Format("2006-01-02"))
		}
	}
	return fallback
}

func hasText(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

// truncate cuts s to max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
