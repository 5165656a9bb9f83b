package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/khwebchat/kh-web-chat/internal/chat"
	"github.com/khwebchat/kh-web-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an implementation of the streaming chat client for the
// Anthropic API. It handles streaming chat completions using Claude models
// over the raw messages endpoint.
type Anthropic struct {
	apiKey       string
	model        string
	systemPrompt string
	maxTokens    int

	client *http.Client
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const anthropicAPIEndpoint = "https://api.anthropic.com/v1"

// NewAnthropic creates a new Anthropic instance with the specified API key,
// model name, and maximum token limit.
func NewAnthropic(apiKey, model, systemPrompt string, maxTokens int) Anthropic {
	return Anthropic{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
	}
}

// NewContext builds a conversation seeded with prior turns and the system
// prompt extended by the language directive. The API is stateless, so the
// context carries the assembled message prefix.
func (a Anthropic) NewContext(_ context.Context, history []chat.HistoryTurn, directive string) (chat.Conversation, error) {
	system := a.systemPrompt
	if strings.TrimSpace(directive) != "" {
		system = system + " " + directive
	}

	msgs := make([]anthropicMessage, 0, len(history))
	for _, turn := range history {
		msgs = append(msgs, anthropicTurn(turn.Sender, turn.Text, turn.Images))
	}

	return &anthropicConversation{
		apiKey:    a.apiKey,
		model:     a.model,
		system:    system,
		maxTokens: a.maxTokens,
		client:    a.client,
		history:   msgs,
	}, nil
}

type anthropicConversation struct {
	apiKey    string
	model     string
	system    string
	maxTokens int
	client    *http.Client
	history   []anthropicMessage
}

// Stream sends one turn and yields the streamed reply, reading the response as
// server-sent events. A completed exchange is folded back into the carried
// history to keep the context conversational.
func (c *anthropicConversation) Stream(ctx context.Context, turn chat.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		userMsg := anthropicTurn(models.SenderUser, turn.Text, turn.Images)
		msgs := append(append([]anthropicMessage{}, c.history...), userMsg)

		reqBody := anthropicChatRequest{
			Model:     c.model,
			Messages:  msgs,
			System:    c.system,
			MaxTokens: c.maxTokens,
			Stream:    true,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			anthropicAPIEndpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield("", anthropicStatusError(resp))
			return
		}

		var reply strings.Builder
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield("", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				c.history = append(msgs, anthropicMessage{Role: "assistant", Content: reply.String()})
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				reply.WriteString(res.Delta.Text)
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

// anthropicStatusError maps a non-200 response onto the failure taxonomy so
// credential and quota failures are distinguishable upstream.
func anthropicStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, string(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &chat.Failure{Kind: chat.FailureCredentialInvalid, Message: "invalid api key", Err: err}
	case http.StatusTooManyRequests:
		return &chat.Failure{Kind: chat.FailureQuota, Message: "api quota exceeded", Err: err}
	default:
		return err
	}
}

// anthropicTurn encodes a turn as either a bare string (text-only) or an
// ordered block list with the text block first.
func anthropicTurn(sender models.Sender, text string, images []models.ImageAttachment) anthropicMessage {
	role := "user"
	if sender == models.SenderAI {
		role = "assistant"
	}
	if len(images) == 0 {
		return anthropicMessage{Role: role, Content: text}
	}

	var blocks []anthropicContentBlock
	if text != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text})
	}
	for _, img := range images {
		blocks = append(blocks, anthropicContentBlock{
			Type: "image",
			Source: &anthropicImageSource{
				Type:      "base64",
				MediaType: img.MimeType,
				Data:      img.Data,
			},
		})
	}
	return anthropicMessage{Role: role, Content: blocks}
}
