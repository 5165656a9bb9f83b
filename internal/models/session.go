package models

import "time"

// Session represents a conversation container: an ordered message log together
// with its display title and the instant of its last mutation. Message order is
// conversation order; the log is append-only except for in-place text growth of
// a streaming AI message and the truncation performed when a past user message
// is edited.
type Session struct {
	ID           string
	Title        string
	Messages     []Message
	LastModified time.Time
}

// Clone returns a deep copy of the session so callers can hand it out without
// aliasing the live message log.
func (s Session) Clone() Session {
	cp := s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	for i := range cp.Messages {
		if len(cp.Messages[i].Images) > 0 {
			imgs := make([]ImageAttachment, len(cp.Messages[i].Images))
			copy(imgs, cp.Messages[i].Images)
			cp.Messages[i].Images = imgs
		}
	}
	return cp
}
