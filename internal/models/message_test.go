package models_test

import (
	"testing"
	"time"

	"github.com/khwebchat/kh-web-chat/internal/models"
)

func TestCheckImage(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		size     int64
		wantErr  bool
	}{
		{"jpeg within limit", "image/jpeg", 1024, false},
		{"png within limit", "image/png", models.MaxImageSizeBytes, false},
		{"webp within limit", "image/webp", 1, false},
		{"gif rejected", "image/gif", 1024, true},
		{"svg rejected", "image/svg+xml", 1024, true},
		{"empty mime rejected", "", 1024, true},
		{"oversized rejected", "image/jpeg", models.MaxImageSizeBytes + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := models.CheckImage(tt.mimeType, tt.size)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckImage(%q, %d) error = %v, wantErr %v", tt.mimeType, tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestSessionClone(t *testing.T) {
	orig := models.Session{
		ID:    "a",
		Title: "Title",
		Messages: []models.Message{
			{
				ID: "m1", Text: "hi", Sender: models.SenderUser, Timestamp: time.Now(),
				Images: []models.ImageAttachment{{Data: "AAAA", MimeType: "image/png"}},
			},
		},
		LastModified: time.Now(),
	}

	cp := orig.Clone()
	cp.Messages[0].Text = "changed"
	cp.Messages[0].Images[0].Data = "BBBB"

	if orig.Messages[0].Text != "hi" {
		t.Error("Clone() shares the message slice")
	}
	if orig.Messages[0].Images[0].Data != "AAAA" {
		t.Error("Clone() shares the image slice")
	}
}
