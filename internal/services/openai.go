package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/khwebchat/kh-web-chat/internal/chat"
	"github.com/khwebchat/kh-web-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the streaming chat client for
// interacting with OpenAI's language models.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, model
// name, and system prompt.
func NewOpenAI(apiKey, model, systemPrompt string, logger *slog.Logger) OpenAI {
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClient(apiKey),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// NewContext builds a conversation seeded with prior turns and the system
// prompt extended by the language directive. The API is stateless, so the
// context carries the assembled message prefix.
func (o OpenAI) NewContext(_ context.Context, history []chat.HistoryTurn, directive string) (chat.Conversation, error) {
	system := o.systemPrompt
	if strings.TrimSpace(directive) != "" {
		system = system + " " + directive
	}

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, turn := range history {
		msgs = append(msgs, openAITurn(turn.Sender, turn.Text, turn.Images))
	}

	return &openAIConversation{
		client:  o.client,
		model:   o.model,
		history: msgs,
		logger:  o.logger,
	}, nil
}

type openAIConversation struct {
	client  *goopenai.Client
	model   string
	history []goopenai.ChatCompletionMessage
	logger  *slog.Logger
}

// Stream sends one turn and yields the streamed reply. A completed exchange is
// folded back into the carried history to keep the context conversational.
func (c *openAIConversation) Stream(ctx context.Context, turn chat.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		userMsg := openAITurn(models.SenderUser, turn.Text, turn.Images)
		msgs := append(append([]goopenai.ChatCompletionMessage{}, c.history...), userMsg)

		stream, err := c.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
			Model:    c.model,
			Messages: msgs,
			Stream:   true,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", openAIError(err))
			return
		}
		defer stream.Close()

		var reply strings.Builder
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", openAIError(err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			reply.WriteString(delta)
			if !yield(delta, nil) {
				return
			}
		}

		c.history = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleAssistant,
			Content: reply.String(),
		})
	}
}

// openAIError maps API errors onto the failure taxonomy using the HTTP status
// the SDK reports.
func openAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return &chat.Failure{Kind: chat.FailureCredentialInvalid, Message: "invalid api key", Err: err}
		case 429:
			return &chat.Failure{Kind: chat.FailureQuota, Message: "api quota exceeded", Err: err}
		}
	}
	return fmt.Errorf("error sending request: %w", err)
}

// openAITurn encodes a turn as either a bare string (text-only) or an ordered
// multi-content part list with the text part first and images as data URLs.
func openAITurn(sender models.Sender, text string, images []models.ImageAttachment) goopenai.ChatCompletionMessage {
	role := goopenai.ChatMessageRoleUser
	if sender == models.SenderAI {
		role = goopenai.ChatMessageRoleAssistant
	}
	if len(images) == 0 {
		return goopenai.ChatCompletionMessage{Role: role, Content: text}
	}

	var parts []goopenai.ChatMessagePart
	if text != "" {
		parts = append(parts, goopenai.ChatMessagePart{
			Type: goopenai.ChatMessagePartTypeText,
			Text: text,
		})
	}
	for _, img := range images {
		parts = append(parts, goopenai.ChatMessagePart{
			Type: goopenai.ChatMessagePartTypeImageURL,
			ImageURL: &goopenai.ChatMessageImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
			},
		})
	}
	return goopenai.ChatCompletionMessage{Role: role, MultiContent: parts}
}
