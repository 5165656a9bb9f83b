package models

import (
	"fmt"
	"slices"
	"time"
)

// Sender identifies the author of a message. The set is closed: a message is
// written either by the user, by the AI, by the application itself (system), or
// it records a failure (error). A message's sender never changes after creation.
type Sender string

const (
	// SenderUser represents a message typed (or spoken) by the user. Only user
	// messages may carry image attachments.
	SenderUser Sender = "user"
	// SenderAI represents a model reply. Its text grows in place while the
	// reply is streaming and is frozen once the stream ends.
	SenderAI Sender = "ai"
	// SenderSystem represents messages synthesized by the application, such as
	// the greeting shown in an empty session.
	SenderSystem Sender = "system"
	// SenderError represents a failure surfaced into the conversation log.
	SenderError Sender = "error"
)

// ImageAttachment is an image the user attached to a message. Data holds the
// base64-encoded bytes, ready to be handed to a provider as inline data.
type ImageAttachment struct {
	Data     string
	MimeType string
	Filename string
}

// Message represents an individual entry in a session's conversation log.
type Message struct {
	ID        string
	Text      string
	Sender    Sender
	Timestamp time.Time
	Images    []ImageAttachment
}

// Image upload constraints enforced before anything is sent to a provider.
const (
	MaxImageSizeMB    = 4
	MaxImageSizeBytes = MaxImageSizeMB * 1024 * 1024
)

// AllowedImageMimeTypes is the allow-list of image types accepted for upload.
var AllowedImageMimeTypes = []string{"image/jpeg", "image/png", "image/webp"}

// CheckImage validates a single image against the MIME allow-list and the size
// threshold. It returns a user-presentable error; violations are per-file and
// never fatal to the rest of a send.
func CheckImage(mimeType string, size int64) error {
	if !slices.Contains(AllowedImageMimeTypes, mimeType) {
		return fmt.Errorf("invalid image type %q, only JPEG, PNG and WEBP are accepted", mimeType)
	}
	if size > MaxImageSizeBytes {
		return fmt.Errorf("image is too large, max size is %dMB", MaxImageSizeMB)
	}
	return nil
}
